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
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-ml/meridian/pkg/tensor"
)

// numbered builds a dataset of n scalar examples 0..n-1 under leaf "v".
func numbered(n int, loop bool) *SliceDataset {
	examples := make([]tensor.Tree, n)
	for i := range examples {
		examples[i] = tensor.Tree{"v": tensor.Scalar(float64(i))}
	}
	return &SliceDataset{Examples: examples, Loop: loop}
}

func drain(t *testing.T, it Iterator) []float64 {
	t.Helper()
	var out []float64
	for {
		ex, err := it.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ex["v"].ScalarValue())
	}
}

func TestSliceDatasetIterationAndLoop(t *testing.T) {
	assert.Equal(t, []float64{0, 1, 2}, drain(t, numbered(3, false).Iterate()))

	it := numbered(2, true).Iterate()
	var seen []float64
	for i := 0; i < 5; i++ {
		ex, err := it.Next()
		require.NoError(t, err)
		seen = append(seen, ex["v"].ScalarValue())
	}
	assert.Equal(t, []float64{0, 1, 0, 1, 0}, seen)
}

func TestShardsAreDisjointAndCover(t *testing.T) {
	ds := numbered(7, false)
	var all []float64
	for i := 0; i < 3; i++ {
		shard, err := ds.Shard(i, 3)
		require.NoError(t, err)
		all = append(all, drain(t, shard.Iterate())...)
	}
	assert.ElementsMatch(t, []float64{0, 1, 2, 3, 4, 5, 6}, all)

	_, err := ds.Shard(3, 3)
	assert.Error(t, err)
	_, err = ds.Shard(0, 0)
	assert.Error(t, err)
}

func TestStack(t *testing.T) {
	examples := []tensor.Tree{
		{"x": tensor.Scalar(1)},
		{"x": tensor.Scalar(2)},
	}
	batch, err := Stack(examples, "batch")
	require.NoError(t, err)
	assert.Equal(t, []tensor.Axis{{Name: "batch", Size: 2}}, batch["x"].Axes)
	assert.Equal(t, []float64{1, 2}, batch["x"].Data)

	_, err = Stack(nil, "batch")
	assert.Error(t, err)
	_, err = Stack([]tensor.Tree{{"x": tensor.Scalar(1)}, {"y": tensor.Scalar(2)}}, "batch")
	assert.Error(t, err)
}

func TestDomainTaggedDataset(t *testing.T) {
	tagged := &DomainTaggedDataset{Dataset: numbered(2, false), DomainIndex: 3}
	it := tagged.Iterate()
	ex, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, 3.0, ex[DomainLeaf].ScalarValue())
	assert.Equal(t, 0.0, ex["v"].ScalarValue())

	shard, err := tagged.Shard(0, 2)
	require.NoError(t, err)
	ex, err = shard.Iterate().Next()
	require.NoError(t, err)
	assert.Equal(t, 3.0, ex[DomainLeaf].ScalarValue())
}

func TestBatchLoaderAndSkip(t *testing.T) {
	loader := NewReplicatedBatchLoader(numbered(6, false), tensor.Axis{Name: "batch", Size: 2}, nil)
	it := loader.Batches()
	require.NoError(t, Skip(it, 2))
	batch, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5}, batch["v"].Data)
	_, err = it.Next()
	assert.Equal(t, io.EOF, err)
}

func TestBatchLoaderMidBatchExhaustion(t *testing.T) {
	loader := NewReplicatedBatchLoader(numbered(5, false), tensor.Axis{Name: "batch", Size: 2}, nil)
	it := loader.Batches()
	for i := 0; i < 2; i++ {
		_, err := it.Next()
		require.NoError(t, err)
	}
	_, err := it.Next()
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestShardedBatchLoader(t *testing.T) {
	loader, err := NewShardedBatchLoader(numbered(8, false), 1, 2, tensor.Axis{Name: "batch", Size: 2}, nil)
	require.NoError(t, err)
	batch, err := loader.Batches().Next()
	require.NoError(t, err)
	// Process 1 of 2 sees the odd examples.
	assert.Equal(t, []float64{1, 3}, batch["v"].Data)
}
