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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTracker captures everything it is handed.
type recordingTracker struct {
	metrics   []map[string]float64
	steps     []int
	summaries []map[string]float64
}

func (r *recordingTracker) LogMetrics(m map[string]float64, step int) {
	r.metrics = append(r.metrics, m)
	r.steps = append(r.steps, step)
}

func (r *recordingTracker) LogSummary(m map[string]float64) {
	r.summaries = append(r.summaries, m)
}

func TestScopeStack(t *testing.T) {
	scope := &Scope{}
	assert.IsType(t, NoopTracker{}, scope.Current(), "empty scope falls back to noop")

	outer := &recordingTracker{}
	inner := &recordingTracker{}

	popOuter := scope.Push(outer)
	assert.Same(t, Tracker(outer), scope.Current())

	popInner := scope.Push(inner)
	assert.Same(t, Tracker(inner), scope.Current())

	popInner()
	assert.Same(t, Tracker(outer), scope.Current())

	// Popping twice is harmless; the outer tracker stays current.
	popInner()
	assert.Same(t, Tracker(outer), scope.Current())

	popOuter()
	assert.IsType(t, NoopTracker{}, scope.Current())
}

func TestCompositeFansOut(t *testing.T) {
	a := &recordingTracker{}
	b := &recordingTracker{}
	c := CompositeTracker{Trackers: []Tracker{a, b}}

	c.LogMetrics(map[string]float64{"loss": 0.5}, 3)
	c.LogSummary(map[string]float64{"final_loss": 0.1})

	for _, r := range []*recordingTracker{a, b} {
		require.Len(t, r.metrics, 1)
		assert.Equal(t, map[string]float64{"loss": 0.5}, r.metrics[0])
		assert.Equal(t, []int{3}, r.steps)
		require.Len(t, r.summaries, 1)
		assert.Equal(t, map[string]float64{"final_loss": 0.1}, r.summaries[0])
	}
}

func TestPrometheusTracker(t *testing.T) {
	reg := prometheus.NewRegistry()
	pt, err := NewPrometheusTracker(reg)
	require.NoError(t, err)

	pt.LogMetrics(map[string]float64{"loss": 0.25, "throughput": 128}, 7)
	pt.LogMetrics(map[string]float64{"loss": 0.125}, 8)
	pt.LogSummary(map[string]float64{"final_loss": 0.125})

	assert.Equal(t, 8.0, testutil.ToFloat64(pt.steps))
	assert.Equal(t, 0.125, testutil.ToFloat64(pt.metrics.WithLabelValues("loss")))
	assert.Equal(t, 128.0, testutil.ToFloat64(pt.metrics.WithLabelValues("throughput")))
	assert.Equal(t, 0.125, testutil.ToFloat64(pt.summaries.WithLabelValues("final_loss")))

	// Registering on the same registry twice collides.
	_, err = NewPrometheusTracker(reg)
	assert.Error(t, err)
}
