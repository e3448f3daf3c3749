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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
)

var featureAxis = tensor.Axis{Name: "feature", Size: 2}

func testBatch(t *testing.T) tensor.Tree {
	t.Helper()
	x, err := tensor.New([]float64{
		1, 0,
		0, 1,
		1, 1,
		2, -1,
	}, tensor.Axis{Name: "batch", Size: 4}, featureAxis)
	require.NoError(t, err)
	y, err := tensor.New([]float64{1, -1, 0.5, 2}, tensor.Axis{Name: "batch", Size: 4})
	require.NoError(t, err)
	return tensor.Tree{XLeaf: x, YLeaf: y}
}

func TestGradMatchesFiniteDifference(t *testing.T) {
	obj := NewLeastSquares("batch", featureAxis)
	model, err := obj.InitModel([]float64{0.3, -0.7})
	require.NoError(t, err)
	batch := testBatch(t)

	params, rest := tensor.Partition(model, tensor.Mask{ScaleLeaf: false})
	loss, grads, err := obj.LossAndGrad(params, rest, batch, 0)
	require.NoError(t, err)
	require.Contains(t, grads, WeightLeaf)
	assert.NotContains(t, grads, ScaleLeaf)

	const h = 1e-6
	for i := 0; i < featureAxis.Size; i++ {
		bumped := model.Clone()
		bumped[WeightLeaf].Data[i] += h
		up, err := obj.EvalLoss(bumped, batch)
		require.NoError(t, err)
		assert.InDelta(t, (up-loss)/h, grads[WeightLeaf].Data[i], 1e-4, "weight %d", i)
	}
}

func TestPerExampleLossSumsToBatchLoss(t *testing.T) {
	obj := NewLeastSquares("batch", featureAxis)
	model, err := obj.InitModel([]float64{0.3, -0.7})
	require.NoError(t, err)
	batch := testBatch(t)

	perExample, err := obj.PerExampleLoss(model, batch)
	require.NoError(t, err)
	require.Equal(t, 4, perExample.Size())

	mean, err := obj.EvalLoss(model, batch)
	require.NoError(t, err)
	assert.InDelta(t, mean, perExample.Sum()/4, 1e-12)
}

func TestPerExampleVJPMatchesMeanGradient(t *testing.T) {
	obj := NewLeastSquares("batch", featureAxis)
	model, err := obj.InitModel([]float64{0.3, -0.7})
	require.NoError(t, err)
	batch := testBatch(t)
	params, rest := tensor.Partition(model, tensor.Mask{ScaleLeaf: false})

	// A uniform 1/B cotangent reproduces the batch-mean gradient.
	cotangent, err := tensor.New([]float64{0.25, 0.25, 0.25, 0.25}, tensor.Axis{Name: "batch", Size: 4})
	require.NoError(t, err)
	vjp, err := obj.PerExampleVJP(params, rest, batch, cotangent)
	require.NoError(t, err)

	_, grads, err := obj.LossAndGrad(params, rest, batch, 0)
	require.NoError(t, err)
	for i := range grads[WeightLeaf].Data {
		assert.InDelta(t, grads[WeightLeaf].Data[i], vjp[WeightLeaf].Data[i], 1e-12)
	}
}

func TestLinearArchInitAndStateDict(t *testing.T) {
	arch := &LinearArch{FeatureAxis: featureAxis, InitStddev: 0.02}
	params, err := arch.InitParams(prng.NewKey(7))
	require.NoError(t, err)
	require.Contains(t, params, WeightLeaf)
	require.Contains(t, params, ScaleLeaf)
	assert.Equal(t, 1.0, params[ScaleLeaf].ScalarValue())
	assert.False(t, arch.DefaultMask().Trainable(ScaleLeaf))
	assert.True(t, arch.DefaultMask().Trainable(WeightLeaf))

	again, err := arch.InitParams(prng.NewKey(7))
	require.NoError(t, err)
	assert.Equal(t, params[WeightLeaf].Data, again[WeightLeaf].Data)

	sd, err := arch.StateDict(params)
	require.NoError(t, err)
	require.Contains(t, sd, stateDictWeight)
	back, err := arch.LoadStateDict(sd)
	require.NoError(t, err)
	assert.Equal(t, params[WeightLeaf].Data, back[WeightLeaf].Data)

	_, err = arch.LoadStateDict(tensor.Tree{stateDictWeight: params[WeightLeaf]})
	assert.Error(t, err)
}

func TestLocalRuntimeInitializeOnce(t *testing.T) {
	rt := NewLocalRuntime(4)
	assert.Equal(t, 4, rt.DeviceCount())
	require.NoError(t, rt.Initialize("host:1234", 2, 1, []int{0, 1}))
	assert.Equal(t, "host:1234", rt.CoordinatorAddress())
	assert.Equal(t, 2, rt.ProcessCount())
	assert.Equal(t, 1, rt.ProcessIndex())
	assert.Equal(t, 2, rt.LocalDeviceCount())
	assert.Error(t, rt.Initialize("", -1, -1, nil))
}
