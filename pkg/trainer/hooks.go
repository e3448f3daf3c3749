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

package trainer

import (
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// Callback consumes the StepInfo of a completed step. Callbacks run on the
// training goroutine, strictly between steps; they must not assume
// concurrent invocation.
type Callback func(info StepInfo) error

type hook struct {
	fn    Callback
	every int
}

// Hooks is an ordered hook registry. Hooks fire in registration order; a
// hook fires when force is set or when the completed step is a multiple of
// its period.
type Hooks struct {
	hooks []hook
}

// Add registers fn to fire every `every` completed steps.
func (h *Hooks) Add(fn Callback, every int) error {
	if every <= 0 {
		return fmt.Errorf("hook period must be positive, got %d", every)
	}
	h.hooks = append(h.hooks, hook{fn: fn, every: every})
	return nil
}

// Run fires the due hooks for info. All due hooks run even if an earlier
// one fails; their errors are aggregated.
func (h *Hooks) Run(info StepInfo, force bool) error {
	var errs []error
	for _, hk := range h.hooks {
		if force || info.Step()%hk.every == 0 {
			if err := hk.fn(info); err != nil {
				errs = append(errs, fmt.Errorf("hook at step %d: %w", info.Step(), err))
			}
		}
	}
	return utilerrors.NewAggregate(errs)
}
