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

package tensor

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// Tree is a flat tree of named tensor leaves: model parameters, gradients,
// optimizer accumulators and step results all travel as Trees.
type Tree map[string]*Tensor

// Names returns the leaf names in sorted order.
func (tr Tree) Names() []string {
	names := lo.Keys(tr)
	sort.Strings(names)
	return names
}

// Clone deep-copies every leaf.
func (tr Tree) Clone() Tree {
	out := make(Tree, len(tr))
	for name, leaf := range tr {
		out[name] = leaf.Clone()
	}
	return out
}

// ZerosLike returns a tree of zero tensors with the same structure as tr.
func (tr Tree) ZerosLike() Tree {
	out := make(Tree, len(tr))
	for name, leaf := range tr {
		out[name] = leaf.ZerosLike()
	}
	return out
}

// AddInPlace adds src into dst leafwise. The trees must have identical
// structure.
func (tr Tree) AddInPlace(src Tree) error {
	if len(tr) != len(src) {
		return fmt.Errorf("tree structure mismatch: %d vs %d leaves", len(tr), len(src))
	}
	for name, leaf := range tr {
		other, ok := src[name]
		if !ok {
			return fmt.Errorf("tree structure mismatch: missing leaf %q", name)
		}
		if err := leaf.AddInPlace(other); err != nil {
			return fmt.Errorf("leaf %q: %w", name, err)
		}
	}
	return nil
}

// ScaleInPlace multiplies every leaf by c.
func (tr Tree) ScaleInPlace(c float64) {
	for _, leaf := range tr {
		leaf.ScaleInPlace(c)
	}
}

// Merge overlays overlay onto base, overlay winning on common leaves. Used
// by checkpoint restoration: partially-loaded state wins over fresh init.
func Merge(base, overlay Tree) Tree {
	out := make(Tree, len(base))
	for name, leaf := range base {
		out[name] = leaf
	}
	for name, leaf := range overlay {
		out[name] = leaf
	}
	return out
}

// SameStructure verifies that b has exactly the leaves of a with matching
// axes. Returns a descriptive error naming the first offending leaf.
func SameStructure(a, b Tree) error {
	for _, name := range a.Names() {
		leaf, ok := b[name]
		if !ok {
			return fmt.Errorf("missing leaf %q", name)
		}
		if len(leaf.Axes) != len(a[name].Axes) {
			return fmt.Errorf("leaf %q: axes %v vs %v", name, a[name].Axes, leaf.Axes)
		}
		for i, ax := range a[name].Axes {
			if leaf.Axes[i] != ax {
				return fmt.Errorf("leaf %q: axes %v vs %v", name, a[name].Axes, leaf.Axes)
			}
		}
	}
	for name := range b {
		if _, ok := a[name]; !ok {
			return fmt.Errorf("unexpected leaf %q", name)
		}
	}
	return nil
}

// Mask marks which model leaves are trainable. Leaves absent from the mask
// default to trainable.
type Mask map[string]bool

// Trainable reports whether the named leaf receives gradient updates.
func (m Mask) Trainable(name string) bool {
	if m == nil {
		return true
	}
	v, ok := m[name]
	if !ok {
		return true
	}
	return v
}

// Partition splits model into its trainable and frozen subsets.
func Partition(model Tree, mask Mask) (trainable, frozen Tree) {
	trainable = make(Tree)
	frozen = make(Tree)
	for name, leaf := range model {
		if mask.Trainable(name) {
			trainable[name] = leaf
		} else {
			frozen[name] = leaf
		}
	}
	return trainable, frozen
}

// Combine reassembles a model from disjoint trainable and frozen subsets.
func Combine(trainable, frozen Tree) Tree {
	out := make(Tree, len(trainable)+len(frozen))
	for name, leaf := range trainable {
		out[name] = leaf
	}
	for name, leaf := range frozen {
		out[name] = leaf
	}
	return out
}
