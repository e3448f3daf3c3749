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
	"math"

	"github.com/meridian-ml/meridian/pkg/tensor"
)

const (
	muPrefix  = "mu/"
	nuPrefix  = "nu/"
	countLeaf = "count"
)

// AdamWConfig configures AdamW.
type AdamWConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Eps          float64 `yaml:"eps"`
	WeightDecay  float64 `yaml:"weight_decay"`
}

// DefaultAdamWConfig mirrors the usual transformer-pretraining defaults.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Eps:          1e-8,
		WeightDecay:  0.0,
	}
}

// AdamW is Adam with decoupled weight decay. Its state tree holds first and
// second moment estimates per parameter leaf plus a scalar step count.
type AdamW struct {
	cfg AdamWConfig
}

// NewAdamW builds an AdamW optimizer from the config.
func NewAdamW(cfg AdamWConfig) *AdamW {
	if cfg.Beta1 == 0 && cfg.Beta2 == 0 && cfg.Eps == 0 {
		def := DefaultAdamWConfig()
		def.LearningRate = cfg.LearningRate
		def.WeightDecay = cfg.WeightDecay
		cfg = def
	}
	return &AdamW{cfg: cfg}
}

func (a *AdamW) Init(params tensor.Tree) (tensor.Tree, error) {
	state := make(tensor.Tree, 2*len(params)+1)
	for name, leaf := range params {
		state[muPrefix+name] = leaf.ZerosLike()
		state[nuPrefix+name] = leaf.ZerosLike()
	}
	state[countLeaf] = tensor.Scalar(0)
	return state, nil
}

func (a *AdamW) Update(grads, state, params tensor.Tree) (tensor.Tree, tensor.Tree, error) {
	count, ok := state[countLeaf]
	if !ok {
		return nil, nil, fmt.Errorf("optimizer state is missing leaf %q", countLeaf)
	}
	t := count.ScalarValue() + 1
	bc1 := 1 - math.Pow(a.cfg.Beta1, t)
	bc2 := 1 - math.Pow(a.cfg.Beta2, t)

	newState := make(tensor.Tree, len(state))
	newState[countLeaf] = tensor.Scalar(t)
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
		nu := state[nuPrefix+name]
		if g.Size() != p.Size() || mu.Size() != p.Size() {
			return nil, nil, fmt.Errorf("parameter %q: gradient/state shape mismatch", name)
		}

		newMu := mu.ZerosLike()
		newNu := nu.ZerosLike()
		upd := p.ZerosLike()
		for i := range p.Data {
			newMu.Data[i] = a.cfg.Beta1*mu.Data[i] + (1-a.cfg.Beta1)*g.Data[i]
			newNu.Data[i] = a.cfg.Beta2*nu.Data[i] + (1-a.cfg.Beta2)*g.Data[i]*g.Data[i]
			mhat := newMu.Data[i] / bc1
			vhat := newNu.Data[i] / bc2
			upd.Data[i] = -a.cfg.LearningRate * (mhat/(math.Sqrt(vhat)+a.cfg.Eps) + a.cfg.WeightDecay*p.Data[i])
		}
		newState[muPrefix+name] = newMu
		newState[nuPrefix+name] = newNu
		updates[name] = upd
	}
	return updates, newState, nil
}
