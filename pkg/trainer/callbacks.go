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
	"errors"
	"fmt"
	"io"

	"k8s.io/klog/v2"

	"github.com/meridian-ml/meridian/pkg/checkpoint"
	"github.com/meridian-ml/meridian/pkg/data"
	"github.com/meridian-ml/meridian/pkg/engine"
	"github.com/meridian-ml/meridian/pkg/tensor"
	"github.com/meridian-ml/meridian/pkg/tracker"
)

// ProgressLogger logs step progress and loss to the process log.
func ProgressLogger(totalSteps int) Callback {
	return func(info StepInfo) error {
		klog.V(2).Infof("step %d/%d: loss %.6f (%.3fs)", info.Step(), totalSteps, info.Loss, info.StepDuration.Seconds())
		return nil
	}
}

// LogStepInfo reports per-step training metrics to the tracker.
func LogStepInfo(trk tracker.Tracker) Callback {
	return func(info StepInfo) error {
		trk.LogMetrics(map[string]float64{
			"train/loss":            info.Loss,
			"throughput/duration":   info.StepDuration.Seconds(),
			"global_step":           float64(info.Step()),
		}, info.Step())
		return nil
	}
}

// CheckpointHook adapts a checkpointer into a hook. The checkpointer keeps
// its own step/time cadence, so the hook runs every step and force saves
// propagate through.
func CheckpointHook(cp *checkpoint.Checkpointer) Callback {
	return func(info StepInfo) error {
		return cp.OnStep(info.Step(), info.State.ToSaved(), false)
	}
}

// ComputeValidationLoss averages the objective's evaluation loss over the
// loader, up to maxBatches (-1 for all).
func ComputeValidationLoss(objective engine.Objective, model tensor.Tree, loader data.BatchLoader, maxBatches int) (float64, error) {
	batches := loader.Batches()
	var total float64
	var n int
	for maxBatches < 0 || n < maxBatches {
		batch, err := batches.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("fetching eval batch %d: %w", n, err)
		}
		loss, err := objective.EvalLoss(model, batch)
		if err != nil {
			return 0, fmt.Errorf("eval batch %d: %w", n, err)
		}
		total += loss
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("evaluation dataset yielded no batches")
	}
	return total / float64(n), nil
}

// AddEvalHook registers periodic evaluation over dataset at the configured
// steps_per_eval cadence. Evaluation batches are replicated rather than
// sharded, and the hook is a no-op when max_eval_batches is 0.
func (t *Trainer) AddEvalHook(dataset data.Dataset, name string) error {
	if t.cfg.MaxEvalBatches == 0 {
		klog.V(2).Infof("evaluation disabled, skipping eval hook for %q", name)
		return nil
	}
	axis := t.cfg.EvalBatchAxis(t.mesh)
	metric := "eval/loss"
	if name != "" {
		metric = fmt.Sprintf("eval/%s/loss", name)
	}
	fn := func(info StepInfo) error {
		loader := data.NewReplicatedBatchLoader(dataset, axis, t.computeMapping)
		loss, err := ComputeValidationLoss(t.objective, info.State.Model, loader, t.cfg.MaxEvalBatches)
		if err != nil {
			return fmt.Errorf("evaluating %q at step %d: %w", name, info.Step(), err)
		}
		klog.Infof("eval %q at step %d: loss %.6f", name, info.Step(), loss)
		t.tracker.LogMetrics(map[string]float64{metric: loss}, info.Step())
		return nil
	}
	return t.hooks.Add(fn, t.cfg.StepsPerEval)
}
