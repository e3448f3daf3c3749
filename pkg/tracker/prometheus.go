// Copyright (c) Meridian authors.
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// PrometheusTracker exports step metrics as gauges labeled by metric name.
type PrometheusTracker struct {
	metrics   *prometheus.GaugeVec
	summaries *prometheus.GaugeVec
	steps     prometheus.Gauge
}

// NewPrometheusTracker registers the tracker's collectors on reg.
func NewPrometheusTracker(reg prometheus.Registerer) (*PrometheusTracker, error) {
	t := &PrometheusTracker{
		metrics: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meridian_train_metric",
				Help: "Latest value of a step-indexed training metric",
			},
			[]string{"metric"},
		),
		summaries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meridian_run_summary",
				Help: "Run-level summary values",
			},
			[]string{"metric"},
		),
		steps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_train_step",
			Help: "Last completed training step",
		}),
	}
	for _, c := range []prometheus.Collector{t.metrics, t.summaries, t.steps} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *PrometheusTracker) LogMetrics(metrics map[string]float64, step int) {
	t.steps.Set(float64(step))
	for name, v := range metrics {
		t.metrics.WithLabelValues(name).Set(v)
	}
}

func (t *PrometheusTracker) LogSummary(metrics map[string]float64) {
	for name, v := range metrics {
		t.summaries.WithLabelValues(name).Set(v)
	}
	klog.V(2).Infof("recorded %d summary metrics", len(metrics))
}
