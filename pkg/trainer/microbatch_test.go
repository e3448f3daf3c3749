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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
	"github.com/meridian-ml/meridian/pkg/utils/consts"
)

var (
	microBatchAxis = tensor.Axis{Name: consts.BatchAxis, Size: 8}
	microMapping   = tensor.AxisMapping{consts.BatchAxis: consts.MeshAxisData}
)

func microMesh(t *testing.T, devices int) tensor.Mesh {
	t.Helper()
	mesh, err := tensor.NewMesh(devices, 1)
	require.NoError(t, err)
	return mesh
}

// meanSquares computes the mean of v^2 over the batch, as a scalar tree.
func meanSquares(batch tensor.Tree, _ *prng.Key) (tensor.Tree, error) {
	v := batch["v"]
	total := 0.0
	for _, x := range v.Data {
		total += x * x
	}
	return tensor.Tree{"out": tensor.Scalar(total / float64(len(v.Data)))}, nil
}

func rampBatch(t *testing.T) tensor.Tree {
	t.Helper()
	data := make([]float64, microBatchAxis.Size)
	for i := range data {
		data[i] = float64(i) - 3.5
	}
	v, err := tensor.New(data, microBatchAxis)
	require.NoError(t, err)
	return tensor.Tree{"v": v, "constant": tensor.Scalar(42)}
}

func TestMicrobatchedMeanMatchesFullBatch(t *testing.T) {
	batch := rampBatch(t)
	full, err := meanSquares(batch, nil)
	require.NoError(t, err)

	for _, parallelism := range []int{1, 2, 4} {
		accumulate, err := Microbatched(meanSquares, microBatchAxis, parallelism, microMapping, microMapping, microMesh(t, 2), ReduceMean)
		require.NoError(t, err)
		got, err := accumulate(batch, nil)
		require.NoError(t, err)
		assert.InDelta(t, full["out"].ScalarValue(), got["out"].ScalarValue(), 1e-12, "parallelism %d", parallelism)
	}
}

func TestMicrobatchedSumAccumulates(t *testing.T) {
	// Two microsteps of 4 examples each; SUM keeps both contributions.
	accumulate, err := Microbatched(meanSquares, microBatchAxis, 2, microMapping, microMapping, microMesh(t, 2), ReduceSum)
	require.NoError(t, err)
	got, err := accumulate(rampBatch(t), nil)
	require.NoError(t, err)

	full, err := meanSquares(rampBatch(t), nil)
	require.NoError(t, err)
	assert.InDelta(t, 2*full["out"].ScalarValue(), got["out"].ScalarValue(), 1e-12)
}

func TestMicrobatchedGeometryErrors(t *testing.T) {
	calls := 0
	counting := func(batch tensor.Tree, key *prng.Key) (tensor.Tree, error) {
		calls++
		return meanSquares(batch, key)
	}

	// Batch size 8 is not divisible by microbatch size 2*3.
	_, err := Microbatched(counting, microBatchAxis, 3, microMapping, microMapping, microMesh(t, 2), ReduceMean)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "divisible")

	// Unresolved parallelism must already have been settled by the caller.
	_, err = Microbatched(counting, microBatchAxis, -1, microMapping, microMapping, microMesh(t, 2), ReduceMean)
	require.Error(t, err)

	// The batch axis must be sharded in the compute mapping.
	_, err = Microbatched(counting, microBatchAxis, 2, microMapping, tensor.AxisMapping{}, microMesh(t, 2), ReduceMean)
	require.Error(t, err)

	assert.Equal(t, 0, calls, "no microstep may run when geometry validation fails")
}

func TestMicrobatchedKeyFanOut(t *testing.T) {
	var seen []prng.Key
	fn := func(batch tensor.Tree, key *prng.Key) (tensor.Tree, error) {
		require.NotNil(t, key)
		seen = append(seen, *key)
		return tensor.Tree{"out": tensor.Scalar(0)}, nil
	}
	accumulate, err := Microbatched(fn, microBatchAxis, 1, microMapping, microMapping, microMesh(t, 2), ReduceMean)
	require.NoError(t, err)

	key := prng.NewKey(1)
	_, err = accumulate(rampBatch(t), &key)
	require.NoError(t, err)
	require.Len(t, seen, 4)
	unique := map[prng.Key]bool{}
	for _, k := range seen {
		unique[k] = true
	}
	assert.Len(t, unique, 4, "each microstep gets an independent key")
	assert.Equal(t, key.SplitN(4), seen)
}

func TestMicrobatchedPassesThroughUnbatchedLeaves(t *testing.T) {
	var constants []float64
	var sizes []int
	fn := func(batch tensor.Tree, _ *prng.Key) (tensor.Tree, error) {
		constants = append(constants, batch["constant"].ScalarValue())
		size, err := batch["v"].AxisSize(consts.BatchAxis)
		if err != nil {
			return nil, err
		}
		sizes = append(sizes, size)
		return tensor.Tree{"out": tensor.Scalar(0)}, nil
	}
	accumulate, err := Microbatched(fn, microBatchAxis, 2, microMapping, microMapping, microMesh(t, 2), ReduceMean)
	require.NoError(t, err)
	_, err = accumulate(rampBatch(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{42, 42}, constants)
	assert.Equal(t, []int{4, 4}, sizes)
}

func TestMicrobatchedBatchSizeMismatch(t *testing.T) {
	accumulate, err := Microbatched(meanSquares, microBatchAxis, 2, microMapping, microMapping, microMesh(t, 2), ReduceMean)
	require.NoError(t, err)

	short, err := tensor.New(make([]float64, 4), microBatchAxis.Resize(4))
	require.NoError(t, err)
	_, err = accumulate(tensor.Tree{"v": short}, nil)
	assert.Error(t, err)
}
