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

	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
)

// ReductionType selects how microbatch results are reduced.
type ReductionType int

const (
	// ReduceMean divides the accumulated result by the number of
	// microsteps.
	ReduceMean ReductionType = iota
	// ReduceSum leaves the accumulated result as-is.
	ReduceSum
)

// StepFunc is a pure function of one batch. A nil key means the caller
// needs no per-call randomness.
type StepFunc func(batch tensor.Tree, key *prng.Key) (tensor.Tree, error)

// accumStepAxis is the transient outer axis batches are reshaped under
// while accumulating.
const accumStepAxis = "accum_step"

// microbatchPlan resolves and validates the microbatching geometry.
type microbatchPlan struct {
	batchAxis  tensor.Axis
	microAxis  tensor.Axis
	accumSteps int
}

func planMicrobatches(batchAxis tensor.Axis, perDeviceParallelism int, computeMapping tensor.AxisMapping, mesh tensor.Mesh) (microbatchPlan, error) {
	if _, ok := computeMapping.PhysicalAxis(batchAxis.Name); !ok {
		return microbatchPlan{}, fmt.Errorf("batch axis %q must be sharded in the compute mapping", batchAxis.Name)
	}
	if perDeviceParallelism <= 0 {
		return microbatchPlan{}, fmt.Errorf("per_device_parallelism must be resolved to a positive count, got %d", perDeviceParallelism)
	}
	dataAxisSize := mesh.PhysicalAxisSize(batchAxis.Name, computeMapping)
	microbatchSize := dataAxisSize * perDeviceParallelism
	if batchAxis.Size%microbatchSize != 0 {
		return microbatchPlan{}, fmt.Errorf(
			"batch size %d must be divisible by microbatch size %d (data axis %d x per_device_parallelism %d)",
			batchAxis.Size, microbatchSize, dataAxisSize, perDeviceParallelism)
	}
	return microbatchPlan{
		batchAxis:  batchAxis,
		microAxis:  batchAxis.Resize(microbatchSize),
		accumSteps: batchAxis.Size / microbatchSize,
	}, nil
}

// Microbatched wraps a step function that consumes a full batch along
// batchAxis into one that runs it per microbatch and accumulates the
// results: microbatches are sized to dataAxisSize*perDeviceParallelism,
// the accumulator lives under accumMapping, each invocation under
// computeMapping. The geometry is validated here, before any computation.
//
// The wrapper is pure apart from the accelerator work of fn, so callers
// may differentiate through it; it composes inside value-and-gradient
// transforms, not around them.
func Microbatched(
	fn StepFunc,
	batchAxis tensor.Axis,
	perDeviceParallelism int,
	accumMapping, computeMapping tensor.AxisMapping,
	mesh tensor.Mesh,
	reduce ReductionType,
) (StepFunc, error) {
	plan, err := planMicrobatches(batchAxis, perDeviceParallelism, computeMapping, mesh)
	if err != nil {
		return nil, err
	}
	if reduce != ReduceMean && reduce != ReduceSum {
		return nil, fmt.Errorf("unknown reduction type %d", reduce)
	}

	return func(batch tensor.Tree, key *prng.Key) (tensor.Tree, error) {
		var keys []prng.Key
		if key != nil {
			keys = key.SplitN(plan.accumSteps)
		}

		reshaped, err := reshapeForMicrobatch(batch, plan, computeMapping)
		if err != nil {
			return nil, err
		}

		var acc tensor.Tree
		for step := 0; step < plan.accumSteps; step++ {
			micro, err := sliceMicrobatch(reshaped, plan, step)
			if err != nil {
				return nil, err
			}
			tensor.ShardTree(micro, computeMapping)

			var stepKey *prng.Key
			if keys != nil {
				stepKey = &keys[step]
			}
			r, err := fn(micro, stepKey)
			if err != nil {
				return nil, fmt.Errorf("microstep %d: %w", step, err)
			}
			if acc == nil {
				acc = tensor.ShardTree(r.Clone(), accumMapping)
				continue
			}
			if err := acc.AddInPlace(r); err != nil {
				return nil, fmt.Errorf("accumulating microstep %d: %w", step, err)
			}
			tensor.ShardTree(acc, accumMapping)
		}

		if reduce == ReduceMean {
			acc.ScaleInPlace(1 / float64(plan.accumSteps))
		}
		return acc, nil
	}, nil
}

// reshapeForMicrobatch splits every leaf carrying the batch axis into
// (accum_step, microbatch); leaves without the batch axis pass through.
func reshapeForMicrobatch(batch tensor.Tree, plan microbatchPlan, mapping tensor.AxisMapping) (tensor.Tree, error) {
	out := make(tensor.Tree, len(batch))
	outer := tensor.Axis{Name: accumStepAxis, Size: plan.accumSteps}
	for name, leaf := range batch {
		if !leaf.HasAxis(plan.batchAxis.Name) {
			out[name] = leaf
			continue
		}
		size, err := leaf.AxisSize(plan.batchAxis.Name)
		if err != nil {
			return nil, err
		}
		if size != plan.batchAxis.Size {
			return nil, fmt.Errorf("leaf %q has batch size %d, want %d", name, size, plan.batchAxis.Size)
		}
		split, err := leaf.Unflatten(plan.batchAxis.Name, outer, plan.microAxis)
		if err != nil {
			return nil, fmt.Errorf("leaf %q: %w", name, err)
		}
		out[name] = tensor.Shard(split, mapping)
	}
	return out, nil
}

// sliceMicrobatch selects microstep `step` from the reshaped batch.
func sliceMicrobatch(reshaped tensor.Tree, plan microbatchPlan, step int) (tensor.Tree, error) {
	out := make(tensor.Tree, len(reshaped))
	for name, leaf := range reshaped {
		if !leaf.HasAxis(accumStepAxis) {
			out[name] = leaf
			continue
		}
		micro, err := leaf.Index(accumStepAxis, step)
		if err != nil {
			return nil, fmt.Errorf("leaf %q: %w", name, err)
		}
		out[name] = micro
	}
	return out, nil
}
