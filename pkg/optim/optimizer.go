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

// Package optim implements gradient-transformation optimizers. Optimizer
// state is itself a tensor tree so it checkpoints through the same store as
// model parameters.
package optim

import (
	"github.com/meridian-ml/meridian/pkg/tensor"
)

// Optimizer transforms gradients into parameter updates.
//
// Init builds the optimizer's accumulator tree from the trainable
// parameters; the state structurally mirrors that trainable subset and is
// only ever updated against it. Update returns the additive parameter
// updates and the evolved state; it never mutates its inputs.
type Optimizer interface {
	Init(params tensor.Tree) (tensor.Tree, error)
	Update(grads tensor.Tree, state tensor.Tree, params tensor.Tree) (updates tensor.Tree, newState tensor.Tree, err error)
}

// LossGradFn evaluates the training objective and its gradient at the
// given parameters. The batch is closed over by the caller.
type LossGradFn func(params tensor.Tree) (float64, tensor.Tree, error)

// SecondOrder is implemented by optimizers that maintain a curvature
// estimate (for example a Hessian diagonal) updated against the current
// objective on the current batch.
type SecondOrder interface {
	Optimizer
	UpdateHessian(state tensor.Tree, objective LossGradFn, params tensor.Tree) (tensor.Tree, error)
}

// ApplyUpdates adds updates to params leafwise, returning a new tree.
func ApplyUpdates(params, updates tensor.Tree) (tensor.Tree, error) {
	out := params.Clone()
	if err := out.AddInPlace(updates); err != nil {
		return nil, err
	}
	return out, nil
}
