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
	"fmt"
	"io"

	"github.com/meridian-ml/meridian/pkg/tensor"
)

// BatchLoader produces one full batch per Next call on its iterator.
type BatchLoader interface {
	Batches() Iterator
}

// ShardedBatchLoader shards the dataset across processes before batching:
// each process sees a disjoint stream, and the batches it assembles are its
// contribution to the global batch along the data axis.
type ShardedBatchLoader struct {
	dataset   ShardableDataset
	batchAxis tensor.Axis
	mapping   tensor.AxisMapping
}

// NewShardedBatchLoader shards dataset for processIndex of processCount and
// batches along batchAxis, placing batches under the compute mapping.
func NewShardedBatchLoader(dataset ShardableDataset, processIndex, processCount int, batchAxis tensor.Axis, mapping tensor.AxisMapping) (*ShardedBatchLoader, error) {
	shard, err := dataset.Shard(processIndex, processCount)
	if err != nil {
		return nil, fmt.Errorf("sharding dataset for process %d/%d: %w", processIndex, processCount, err)
	}
	return &ShardedBatchLoader{dataset: shard, batchAxis: batchAxis, mapping: mapping}, nil
}

func (l *ShardedBatchLoader) Batches() Iterator {
	return &batchIterator{inner: l.dataset.Iterate(), batchAxis: l.batchAxis, mapping: l.mapping}
}

// ReplicatedBatchLoader batches without sharding: every process sees the
// identical stream. Used for evaluation.
type ReplicatedBatchLoader struct {
	dataset   Dataset
	batchAxis tensor.Axis
	mapping   tensor.AxisMapping
}

// NewReplicatedBatchLoader batches dataset along batchAxis on every
// process identically.
func NewReplicatedBatchLoader(dataset Dataset, batchAxis tensor.Axis, mapping tensor.AxisMapping) *ReplicatedBatchLoader {
	return &ReplicatedBatchLoader{dataset: dataset, batchAxis: batchAxis, mapping: mapping}
}

func (l *ReplicatedBatchLoader) Batches() Iterator {
	return &batchIterator{inner: l.dataset.Iterate(), batchAxis: l.batchAxis, mapping: l.mapping}
}

type batchIterator struct {
	inner     Iterator
	batchAxis tensor.Axis
	mapping   tensor.AxisMapping
}

func (it *batchIterator) Next() (tensor.Tree, error) {
	examples := make([]tensor.Tree, 0, it.batchAxis.Size)
	for len(examples) < it.batchAxis.Size {
		ex, err := it.inner.Next()
		if err == io.EOF {
			if len(examples) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("dataset exhausted mid-batch: got %d of %d examples", len(examples), it.batchAxis.Size)
		}
		if err != nil {
			return nil, err
		}
		examples = append(examples, ex)
	}
	batch, err := Stack(examples, it.batchAxis.Name)
	if err != nil {
		return nil, err
	}
	return tensor.ShardTree(batch, it.mapping), nil
}

// Skip advances the iterator past n batches. Resume uses this as a linear
// seek; a native seek on the underlying store would replace it.
func Skip(it Iterator, n int) error {
	for i := 0; i < n; i++ {
		if _, err := it.Next(); err != nil {
			return fmt.Errorf("skipping batch %d of %d: %w", i, n, err)
		}
	}
	return nil
}
