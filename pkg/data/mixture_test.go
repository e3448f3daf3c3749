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

package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
)

func constDataset(v float64) *SliceDataset {
	return &SliceDataset{Examples: []tensor.Tree{{"v": tensor.Scalar(v)}}, Loop: true}
}

func twoDomainMixture(t *testing.T, wa, wb float64) *MixtureDataset {
	t.Helper()
	m, err := NewMixtureDataset(
		map[string]ShardableDataset{"a": constDataset(1), "b": constDataset(2)},
		map[string]float64{"a": wa, "b": wb},
		prng.NewKey(11),
	)
	require.NoError(t, err)
	return m
}

func TestMixtureValidation(t *testing.T) {
	_, err := NewMixtureDataset(nil, nil, 0)
	assert.Error(t, err)

	_, err = NewMixtureDataset(
		map[string]ShardableDataset{"a": constDataset(1)},
		map[string]float64{}, 0)
	assert.Error(t, err)

	m := twoDomainMixture(t, 1, 1)
	assert.Error(t, m.SetWeights(map[string]float64{"a": -1, "b": 2}))
	assert.Error(t, m.SetWeights(map[string]float64{"a": 0, "b": 0}))
	assert.Error(t, m.SetWeights(map[string]float64{"a": 1}))
}

func TestMixtureRespectsWeights(t *testing.T) {
	m := twoDomainMixture(t, 3, 1)
	it := m.Iterate()
	counts := map[float64]int{}
	for i := 0; i < 2000; i++ {
		ex, err := it.Next()
		require.NoError(t, err)
		counts[ex["v"].ScalarValue()]++
	}
	// Expect roughly 3:1 in favor of domain a.
	assert.InDelta(t, 1500, counts[1], 100)
}

func TestMixtureDegenerateWeightIsDeterministic(t *testing.T) {
	m := twoDomainMixture(t, 1, 0)
	it := m.Iterate()
	for i := 0; i < 50; i++ {
		ex, err := it.Next()
		require.NoError(t, err)
		assert.Equal(t, 1.0, ex["v"].ScalarValue())
	}
}

func TestMixtureSameKeySameStream(t *testing.T) {
	first := twoDomainMixture(t, 1, 1)
	second := twoDomainMixture(t, 1, 1)
	it1, it2 := first.Iterate(), second.Iterate()
	for i := 0; i < 100; i++ {
		a, err := it1.Next()
		require.NoError(t, err)
		b, err := it2.Next()
		require.NoError(t, err)
		assert.Equal(t, a["v"].ScalarValue(), b["v"].ScalarValue())
	}
}

func TestMixtureSetWeightsTakesEffect(t *testing.T) {
	m := twoDomainMixture(t, 1, 0)
	it := m.Iterate()
	ex, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, 1.0, ex["v"].ScalarValue())

	require.NoError(t, m.SetWeights(map[string]float64{"a": 0, "b": 1}))
	for i := 0; i < 20; i++ {
		ex, err = it.Next()
		require.NoError(t, err)
		assert.Equal(t, 2.0, ex["v"].ScalarValue())
	}
}

func TestMixtureShardKeepsDomainSequence(t *testing.T) {
	sources := map[string]ShardableDataset{
		"a": numbered(8, true),
		"b": numbered(8, true),
	}
	m, err := NewMixtureDataset(sources, map[string]float64{"a": 1, "b": 1}, prng.NewKey(5))
	require.NoError(t, err)

	shard0, err := m.Shard(0, 2)
	require.NoError(t, err)
	shard1, err := m.Shard(1, 2)
	require.NoError(t, err)

	it0, it1 := shard0.Iterate(), shard1.Iterate()
	for i := 0; i < 40; i++ {
		a, err := it0.Next()
		require.NoError(t, err)
		b, err := it1.Next()
		require.NoError(t, err)
		// Same draw key: both processes pick the same domain each draw, but
		// see disjoint examples within it.
		assert.NotEqual(t, a["v"].ScalarValue(), b["v"].ScalarValue())
	}
}

func TestDomainTaggedMixtureCarriesDomainVector(t *testing.T) {
	sources := map[string]ShardableDataset{"a": constDataset(1), "b": constDataset(2)}
	m, err := DomainTaggedMixture(sources,
		map[string]float64{"a": 1, "b": 1},
		map[string]int{"a": 0, "b": 1},
		prng.NewKey(3))
	require.NoError(t, err)

	loader := NewReplicatedBatchLoader(m, tensor.Axis{Name: "batch", Size: 16}, nil)
	batch, err := loader.Batches().Next()
	require.NoError(t, err)
	require.Contains(t, batch, DomainLeaf)
	for i, v := range batch[DomainLeaf].Data {
		// Domain index matches the value the tagged example carries.
		assert.Equal(t, v+1, batch["v"].Data[i])
	}
}
