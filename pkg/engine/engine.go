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

// Package engine defines the contracts the trainer expects from the
// underlying tensor/autodiff engine. The engine owns forward passes,
// reverse-mode gradients and device placement; the trainer only ever talks
// to these interfaces.
package engine

import (
	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
)

// Objective is a pure loss computation over a model and a batch. It must be
// side-effect-free: the trainer invokes it from a compiled step closure that
// may be replayed against cached traces.
type Objective interface {
	// Loss evaluates the scalar training loss of model on batch. The key
	// drives stochastic layers (dropout); eval paths pass a zero key.
	Loss(model tensor.Tree, batch tensor.Tree, key prng.Key) (float64, error)

	// LossAndGrad evaluates the loss and its gradient with respect to
	// params only. rest holds the frozen remainder of the model, closed
	// over as constants: no gradient is ever materialized for it.
	LossAndGrad(params, rest tensor.Tree, batch tensor.Tree, key prng.Key) (float64, tensor.Tree, error)

	// EvalLoss is the inference-mode forward pass: stochastic layers
	// disabled, no gradients.
	EvalLoss(model tensor.Tree, batch tensor.Tree) (float64, error)
}

// PerExampleObjective extends Objective with the per-example view the
// DoReMi estimator needs: an unreduced loss vector over the batch axis and
// a vector-Jacobian product through it.
type PerExampleObjective interface {
	Objective

	// PerExampleLoss returns the loss of model on each example of batch as
	// a vector over the batch axis.
	PerExampleLoss(model tensor.Tree, batch tensor.Tree) (*tensor.Tensor, error)

	// PerExampleVJP contracts cotangent (a vector over the batch axis)
	// against the Jacobian of the per-example losses with respect to
	// params, yielding a gradient tree shaped like params.
	PerExampleVJP(params, rest tensor.Tree, batch tensor.Tree, cotangent *tensor.Tensor) (tensor.Tree, error)
}

// Runtime is the distributed accelerator runtime: process topology,
// device inventory and the cross-process broadcast primitive. The
// distributed bootstrap initializes it exactly once per process.
type Runtime interface {
	// Initialize brings up the distributed runtime. coordinatorAddress may
	// be empty for a single-process run; numProcesses and processID may be
	// -1 to let the runtime infer them; localDeviceIDs may be nil to claim
	// all visible devices.
	Initialize(coordinatorAddress string, numProcesses, processID int, localDeviceIDs []int) error

	// CoordinatorAddress returns the rendezvous address, or "" if the
	// runtime was initialized single-process.
	CoordinatorAddress() string

	ProcessIndex() int
	ProcessCount() int

	// DeviceCount is the global device count; LocalDeviceCount the devices
	// owned by this process.
	DeviceCount() int
	LocalDeviceCount() int

	// BroadcastString sends s from process 0 to all processes and returns
	// the value seen by process 0. Used to agree on run identifiers.
	BroadcastString(s string) (string, error)
}
