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

package checkpoint

import (
	"fmt"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// Config configures the checkpointer.
type Config struct {
	// BasePath is the parent under which run directories live.
	BasePath string `yaml:"base_path"`
	// EverySteps saves when the completed step is a multiple of it.
	// Zero disables step-based saves.
	EverySteps int `yaml:"every_steps"`
	// EverySeconds saves when at least this much wall clock elapsed since
	// the last save. Zero disables time-based saves.
	EverySeconds float64 `yaml:"every_seconds"`
}

// DefaultConfig saves every 10000 steps or 15 minutes, whichever first.
func DefaultConfig() Config {
	return Config{BasePath: "checkpoints", EverySteps: 10000, EverySeconds: 15 * 60}
}

// ExpandedPath returns the checkpoint directory for a run id.
func (c Config) ExpandedPath(runID string) string {
	return filepath.Join(c.BasePath, runID)
}

// Checkpointer decides per step whether to persist, independently of how
// often it is invoked. The trainer registers it as an every-step hook; the
// cadence lives here.
type Checkpointer struct {
	cfg      Config
	runPath  string
	clock    clock.PassiveClock
	lastSave time.Time
}

// NewCheckpointer builds a checkpointer for the run.
func NewCheckpointer(cfg Config, runID string) *Checkpointer {
	return NewCheckpointerWithClock(cfg, runID, clock.RealClock{})
}

// NewCheckpointerWithClock injects a clock for tests.
func NewCheckpointerWithClock(cfg Config, runID string, clk clock.PassiveClock) *Checkpointer {
	return &Checkpointer{cfg: cfg, runPath: cfg.ExpandedPath(runID), clock: clk, lastSave: clk.Now()}
}

// RunPath returns the directory this checkpointer saves under.
func (c *Checkpointer) RunPath() string {
	return c.runPath
}

// OnStep persists state if the cadence calls for it, or unconditionally
// when force is set.
func (c *Checkpointer) OnStep(completedStep int, state *Saved, force bool) error {
	if !force && !c.due(completedStep) {
		return nil
	}
	if err := Save(state, filepath.Join(c.runPath, StepDir(state.Step))); err != nil {
		return fmt.Errorf("checkpointing step %d: %w", completedStep, err)
	}
	c.lastSave = c.clock.Now()
	return nil
}

func (c *Checkpointer) due(completedStep int) bool {
	if c.cfg.EverySteps > 0 && completedStep > 0 && completedStep%c.cfg.EverySteps == 0 {
		return true
	}
	if c.cfg.EverySeconds > 0 {
		elapsed := c.clock.Now().Sub(c.lastSave)
		if elapsed >= time.Duration(c.cfg.EverySeconds*float64(time.Second)) {
			klog.V(2).Infof("time-based checkpoint due after %s", elapsed)
			return true
		}
	}
	return false
}
