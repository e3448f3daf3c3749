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

package optim

import (
	"fmt"

	"github.com/meridian-ml/meridian/pkg/tensor"
)

const hessPrefix = "hess/"

// SGDConfig configures plain SGD with momentum.
type SGDConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
}

// SGD is stochastic gradient descent with classical momentum.
type SGD struct {
	cfg SGDConfig
}

// NewSGD builds an SGD optimizer.
func NewSGD(cfg SGDConfig) *SGD {
	return &SGD{cfg: cfg}
}

func (s *SGD) Init(params tensor.Tree) (tensor.Tree, error) {
	state := make(tensor.Tree, len(params))
	for name, leaf := range params {
		state[muPrefix+name] = leaf.ZerosLike()
	}
	return state, nil
}

func (s *SGD) Update(grads, state, params tensor.Tree) (tensor.Tree, tensor.Tree, error) {
	newState := make(tensor.Tree, len(state))
	updates := make(tensor.Tree, len(params))
	for name, p := range params {
		g, ok := grads[name]
		if !ok {
			return nil, nil, fmt.Errorf("no gradient for parameter %q", name)
		}
		mu, ok := state[muPrefix+name]
		if !ok {
			return nil, nil, fmt.Errorf("optimizer state is missing leaf %q", muPrefix+name)
		}
		newMu := mu.ZerosLike()
		upd := p.ZerosLike()
		for i := range p.Data {
			newMu.Data[i] = s.cfg.Momentum*mu.Data[i] + g.Data[i]
			upd.Data[i] = -s.cfg.LearningRate * newMu.Data[i]
		}
		newState[muPrefix+name] = newMu
		updates[name] = upd
	}
	return updates, newState, nil
}

// HessSGD augments SGD with a running Hessian-diagonal estimate refreshed
// from the squared gradient of the current objective. It exists to exercise
// the second-order optimizer hook; the estimate damps the update like a
// diagonal preconditioner.
type HessSGD struct {
	SGD
	Beta float64
}

// NewHessSGD builds a second-order SGD variant.
func NewHessSGD(cfg SGDConfig, beta float64) *HessSGD {
	return &HessSGD{SGD: SGD{cfg: cfg}, Beta: beta}
}

func (h *HessSGD) Init(params tensor.Tree) (tensor.Tree, error) {
	state, err := h.SGD.Init(params)
	if err != nil {
		return nil, err
	}
	for name, leaf := range params {
		state[hessPrefix+name] = leaf.ZerosLike()
	}
	return state, nil
}

// UpdateHessian refreshes the Hessian-diagonal estimate using the
// Gauss-Newton-Bartlett style squared-gradient proxy evaluated on the
// current batch.
func (h *HessSGD) UpdateHessian(state tensor.Tree, objective LossGradFn, params tensor.Tree) (tensor.Tree, error) {
	_, grads, err := objective(params)
	if err != nil {
		return nil, fmt.Errorf("hessian objective evaluation: %w", err)
	}
	newState := state.Clone()
	for name := range params {
		g, ok := grads[name]
		if !ok {
			return nil, fmt.Errorf("no gradient for parameter %q", name)
		}
		hess, ok := newState[hessPrefix+name]
		if !ok {
			return nil, fmt.Errorf("optimizer state is missing leaf %q", hessPrefix+name)
		}
		for i := range hess.Data {
			hess.Data[i] = h.Beta*hess.Data[i] + (1-h.Beta)*g.Data[i]*g.Data[i]
		}
	}
	return newState, nil
}
