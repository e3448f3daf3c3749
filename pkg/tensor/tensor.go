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

	"gonum.org/v1/gonum/floats"
)

// Axis is a named tensor dimension. Sharding and batch handling are driven
// by axis names, never by positional convention.
type Axis struct {
	Name string `json:"name" yaml:"name"`
	Size int    `json:"size" yaml:"size"`
}

func (a Axis) String() string {
	return fmt.Sprintf("%s[%d]", a.Name, a.Size)
}

// Resize returns the same logical axis with a different size.
func (a Axis) Resize(size int) Axis {
	return Axis{Name: a.Name, Size: size}
}

// Tensor is a dense row-major named-axis tensor of float64 host values.
// Placement records the logical-to-physical sharding annotation the tensor
// was last placed under; axes absent from Placement are replicated.
type Tensor struct {
	Axes      []Axis            `json:"axes"`
	Data      []float64         `json:"data"`
	Placement map[string]string `json:"-"`
}

// New builds a tensor over the given axes. The data length must match the
// product of the axis sizes.
func New(data []float64, axes ...Axis) (*Tensor, error) {
	size := 1
	for _, ax := range axes {
		if ax.Size <= 0 {
			return nil, fmt.Errorf("axis %s has non-positive size", ax)
		}
		size *= ax.Size
	}
	if len(data) != size {
		return nil, fmt.Errorf("data length %d does not match axes %v (want %d)", len(data), axes, size)
	}
	return &Tensor{Axes: axes, Data: data}, nil
}

// Zeros builds a zero-filled tensor over the given axes.
func Zeros(axes ...Axis) *Tensor {
	size := 1
	for _, ax := range axes {
		size *= ax.Size
	}
	return &Tensor{Axes: axes, Data: make([]float64, size)}
}

// Scalar builds a zero-dimensional tensor holding v.
func Scalar(v float64) *Tensor {
	return &Tensor{Data: []float64{v}}
}

// IsScalar reports whether t has no axes.
func (t *Tensor) IsScalar() bool {
	return len(t.Axes) == 0
}

// ScalarValue returns the value of a zero-dimensional tensor.
func (t *Tensor) ScalarValue() float64 {
	if !t.IsScalar() {
		panic(fmt.Sprintf("tensor with axes %v is not a scalar", t.Axes))
	}
	return t.Data[0]
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// HasAxis reports whether the tensor carries the named axis.
func (t *Tensor) HasAxis(name string) bool {
	return t.axisIndex(name) >= 0
}

func (t *Tensor) axisIndex(name string) int {
	for i, ax := range t.Axes {
		if ax.Name == name {
			return i
		}
	}
	return -1
}

// AxisSize returns the size of the named axis, or an error if absent.
func (t *Tensor) AxisSize(name string) (int, error) {
	i := t.axisIndex(name)
	if i < 0 {
		return 0, fmt.Errorf("tensor has no axis %q (axes: %v)", name, t.Axes)
	}
	return t.Axes[i].Size, nil
}

// Clone returns a deep copy of the tensor, placement included.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	axes := make([]Axis, len(t.Axes))
	copy(axes, t.Axes)
	out := &Tensor{Axes: axes, Data: data}
	if t.Placement != nil {
		out.Placement = make(map[string]string, len(t.Placement))
		for k, v := range t.Placement {
			out.Placement[k] = v
		}
	}
	return out
}

// ZerosLike returns a zero tensor with the same axes as t.
func (t *Tensor) ZerosLike() *Tensor {
	axes := make([]Axis, len(t.Axes))
	copy(axes, t.Axes)
	return &Tensor{Axes: axes, Data: make([]float64, len(t.Data))}
}

// AddInPlace adds src into t elementwise. Shapes must match.
func (t *Tensor) AddInPlace(src *Tensor) error {
	if len(t.Data) != len(src.Data) {
		return fmt.Errorf("shape mismatch in add: %v vs %v", t.Axes, src.Axes)
	}
	floats.Add(t.Data, src.Data)
	return nil
}

// ScaleInPlace multiplies every element by c.
func (t *Tensor) ScaleInPlace(c float64) {
	floats.Scale(c, t.Data)
}

// Unflatten splits the named axis into (outer, inner), which must multiply
// to the original size. The split is a pure metadata reshape: adjacent axes
// over the same row-major layout.
func (t *Tensor) Unflatten(name string, outer, inner Axis) (*Tensor, error) {
	i := t.axisIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("tensor has no axis %q", name)
	}
	if outer.Size*inner.Size != t.Axes[i].Size {
		return nil, fmt.Errorf("cannot unflatten %s into %s x %s", t.Axes[i], outer, inner)
	}
	axes := make([]Axis, 0, len(t.Axes)+1)
	axes = append(axes, t.Axes[:i]...)
	axes = append(axes, outer, inner)
	axes = append(axes, t.Axes[i+1:]...)
	return &Tensor{Axes: axes, Data: t.Data, Placement: t.Placement}, nil
}

// Index selects position idx along the named axis, dropping that axis.
// The result owns its data.
func (t *Tensor) Index(name string, idx int) (*Tensor, error) {
	i := t.axisIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("tensor has no axis %q", name)
	}
	if idx < 0 || idx >= t.Axes[i].Size {
		return nil, fmt.Errorf("index %d out of range for axis %s", idx, t.Axes[i])
	}
	inner := 1
	for _, ax := range t.Axes[i+1:] {
		inner *= ax.Size
	}
	outer := 1
	for _, ax := range t.Axes[:i] {
		outer *= ax.Size
	}
	axes := make([]Axis, 0, len(t.Axes)-1)
	axes = append(axes, t.Axes[:i]...)
	axes = append(axes, t.Axes[i+1:]...)
	data := make([]float64, outer*inner)
	stride := t.Axes[i].Size * inner
	for o := 0; o < outer; o++ {
		src := t.Data[o*stride+idx*inner : o*stride+(idx+1)*inner]
		copy(data[o*inner:(o+1)*inner], src)
	}
	return &Tensor{Axes: axes, Data: data}, nil
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.Data)
}
