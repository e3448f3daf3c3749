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

// Package tracker abstracts metrics backends. The trainer logs throughput
// and loss through a Tracker it is handed at construction; a scoped
// current-tracker stack replaces the usual process-global singleton so
// concurrent runs and tests stay isolated.
package tracker

import (
	"sync"

	"k8s.io/klog/v2"
)

// Tracker receives training metrics. Implementations must not block the
// training loop.
type Tracker interface {
	// LogMetrics records step-indexed metrics.
	LogMetrics(metrics map[string]float64, step int)
	// LogSummary records run-level summary values.
	LogSummary(metrics map[string]float64)
}

// Scope is a stack of trackers. The innermost pushed tracker is current.
type Scope struct {
	mu    sync.Mutex
	stack []Tracker
}

// defaultScope is the process-wide scope used by the package-level helpers.
var defaultScope = &Scope{}

// DefaultScope returns the process-wide tracker scope.
func DefaultScope() *Scope {
	return defaultScope
}

// Push makes t current and returns the matching pop.
func (s *Scope) Push(t Tracker) func() {
	s.mu.Lock()
	s.stack = append(s.stack, t)
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.stack = s.stack[:len(s.stack)-1]
			s.mu.Unlock()
		})
	}
}

// Current returns the innermost tracker, or a NoopTracker if none is set.
func (s *Scope) Current() Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return NoopTracker{}
	}
	return s.stack[len(s.stack)-1]
}

// NoopTracker discards everything.
type NoopTracker struct{}

func (NoopTracker) LogMetrics(map[string]float64, int) {}
func (NoopTracker) LogSummary(map[string]float64)      {}

// LogTracker writes metrics to klog. The default when no backend is
// configured.
type LogTracker struct {
	// Verbosity gates per-step output.
	Verbosity klog.Level
}

func (l LogTracker) LogMetrics(metrics map[string]float64, step int) {
	if klog.V(l.Verbosity).Enabled() {
		klog.InfoS("metrics", append([]any{"step", step}, flatten(metrics)...)...)
	}
}

func (l LogTracker) LogSummary(metrics map[string]float64) {
	klog.InfoS("summary", flatten(metrics)...)
}

func flatten(metrics map[string]float64) []any {
	kvs := make([]any, 0, 2*len(metrics))
	for k, v := range metrics {
		kvs = append(kvs, k, v)
	}
	return kvs
}

// CompositeTracker fans metrics out to several backends.
type CompositeTracker struct {
	Trackers []Tracker
}

func (c CompositeTracker) LogMetrics(metrics map[string]float64, step int) {
	for _, t := range c.Trackers {
		t.LogMetrics(metrics, step)
	}
}

func (c CompositeTracker) LogSummary(metrics map[string]float64) {
	for _, t := range c.Trackers {
		t.LogSummary(metrics)
	}
}
