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
	"math"

	"github.com/meridian-ml/meridian/pkg/utils/consts"
)

// AxisMapping maps logical axis names to physical mesh axis names. Any
// logical axis not present in the mapping is replicated.
type AxisMapping map[string]string

// PhysicalAxis returns the physical mesh axis the logical axis maps to.
func (m AxisMapping) PhysicalAxis(logical string) (string, bool) {
	phys, ok := m[logical]
	return phys, ok
}

// Clone returns a copy of the mapping.
func (m AxisMapping) Clone() AxisMapping {
	out := make(AxisMapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge overlays other onto m, other winning on conflicts.
func (m AxisMapping) Merge(other AxisMapping) AxisMapping {
	out := m.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Mesh is the logical device mesh: a data-parallel axis crossed with a
// model-parallel axis.
type Mesh struct {
	DataAxisSize  int
	ModelAxisSize int
}

// NewMesh shapes deviceCount devices into a (data, model) mesh.
func NewMesh(deviceCount, modelAxisSize int) (Mesh, error) {
	if modelAxisSize <= 0 {
		return Mesh{}, fmt.Errorf("model_axis_size must be positive, got %d", modelAxisSize)
	}
	if deviceCount%modelAxisSize != 0 {
		return Mesh{}, fmt.Errorf("num_devices (%d) is not divisible by model_axis_size (%d)", deviceCount, modelAxisSize)
	}
	return Mesh{DataAxisSize: deviceCount / modelAxisSize, ModelAxisSize: modelAxisSize}, nil
}

// DeviceCount returns the number of devices spanned by the mesh.
func (m Mesh) DeviceCount() int {
	return m.DataAxisSize * m.ModelAxisSize
}

// PhysicalAxisSize returns the number of devices along the physical axis a
// logical axis maps to under the given mapping, or 1 if replicated.
func (m Mesh) PhysicalAxisSize(logical string, mapping AxisMapping) int {
	phys, ok := mapping.PhysicalAxis(logical)
	if !ok {
		return 1
	}
	switch phys {
	case consts.MeshAxisData:
		return m.DataAxisSize
	case consts.MeshAxisModel:
		return m.ModelAxisSize
	default:
		return 1
	}
}

// Shard stamps the tensor with the placement implied by the mapping,
// restricted to the axes the tensor actually carries. Host tensors are not
// physically moved; the annotation is what a device-backed engine consumes.
func Shard(t *Tensor, mapping AxisMapping) *Tensor {
	placement := make(map[string]string)
	for _, ax := range t.Axes {
		if phys, ok := mapping.PhysicalAxis(ax.Name); ok {
			placement[ax.Name] = phys
		}
	}
	t.Placement = placement
	return t
}

// ShardTree applies Shard to every leaf.
func ShardTree(tr Tree, mapping AxisMapping) Tree {
	for _, leaf := range tr {
		Shard(leaf, mapping)
	}
	return tr
}

// DType tags the numeric precision a tree is held in. Host tensors always
// compute in float64; the tag is the contract a device-backed engine casts
// against.
type DType string

const (
	Float32  DType = "float32"
	BFloat16 DType = "bfloat16"
	Float64  DType = "float64"
)

// Policy is a mixed-precision policy: parameters are stored in Param
// precision and cast to Compute precision inside the step function.
type Policy struct {
	Param   DType `yaml:"param"`
	Compute DType `yaml:"compute"`
}

// DefaultPolicy keeps everything in float32.
func DefaultPolicy() Policy {
	return Policy{Param: Float32, Compute: Float32}
}

// castValue rounds v to the representable precision of dt. Host tensors
// stay float64 storage-wise; the rounding is what a device engine's cast
// would observe.
func castValue(v float64, dt DType) float64 {
	switch dt {
	case Float32:
		return float64(float32(v))
	case BFloat16:
		bits := math.Float32bits(float32(v))
		bits &^= 1<<16 - 1
		return float64(math.Float32frombits(bits))
	default:
		return v
	}
}

func castTree(tr Tree, dt DType) Tree {
	out := tr.Clone()
	for _, leaf := range out {
		for i, v := range leaf.Data {
			leaf.Data[i] = castValue(v, dt)
		}
	}
	return out
}

// CastToCompute rounds a tree to compute precision.
func (p Policy) CastToCompute(tr Tree) Tree {
	return castTree(tr, p.Compute)
}

// CastToParam rounds a tree to parameter precision.
func (p Policy) CastToParam(tr Tree) Tree {
	return castTree(tr, p.Param)
}
