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

package hostengine

import (
	"fmt"

	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
)

// External state-dict leaf names for LinearArch.
const (
	stateDictWeight = "linear.weight"
	stateDictScale  = "linear.scale"
)

// LinearArch is the reference architecture behind the least-squares
// objective: a weight vector plus a scalar scale that stays frozen by
// default.
type LinearArch struct {
	FeatureAxis tensor.Axis
	InitStddev  float64
}

func (a *LinearArch) Name() string {
	return "linear"
}

// InitParams draws the weight vector from a scaled normal and sets the
// scale to 1.
func (a *LinearArch) InitParams(key prng.Key) (tensor.Tree, error) {
	r := key.Rand()
	w := make([]float64, a.FeatureAxis.Size)
	for i := range w {
		w[i] = a.InitStddev * r.NormFloat64()
	}
	wt, err := tensor.New(w, a.FeatureAxis)
	if err != nil {
		return nil, err
	}
	return tensor.Tree{
		WeightLeaf: wt,
		ScaleLeaf:  tensor.Scalar(1),
	}, nil
}

// DefaultMask freezes the scale leaf.
func (a *LinearArch) DefaultMask() tensor.Mask {
	return tensor.Mask{ScaleLeaf: false}
}

// StateDict exports the parameters under the external naming scheme.
func (a *LinearArch) StateDict(params tensor.Tree) (tensor.Tree, error) {
	out := make(tensor.Tree, len(params))
	for internal, external := range stateDictNames() {
		leaf, ok := params[internal]
		if !ok {
			return nil, fmt.Errorf("params are missing leaf %q", internal)
		}
		out[external] = leaf.Clone()
	}
	return out, nil
}

// LoadStateDict rebuilds the internal parameter tree from an exported
// mapping.
func (a *LinearArch) LoadStateDict(stateDict tensor.Tree) (tensor.Tree, error) {
	out := make(tensor.Tree, len(stateDict))
	for internal, external := range stateDictNames() {
		leaf, ok := stateDict[external]
		if !ok {
			return nil, fmt.Errorf("state dict is missing leaf %q", external)
		}
		out[internal] = leaf.Clone()
	}
	return out, nil
}

func stateDictNames() map[string]string {
	return map[string]string{
		WeightLeaf: stateDictWeight,
		ScaleLeaf:  stateDictScale,
	}
}
