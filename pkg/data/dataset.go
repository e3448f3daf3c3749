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

// Package data defines the dataset and batch-loader contracts the trainer
// consumes. Examples and batches are tensor trees; a batch is examples
// stacked along a named batch axis.
package data

import (
	"fmt"
	"io"

	"github.com/meridian-ml/meridian/pkg/tensor"
)

// Iterator yields one tree per Next call. Next may block on I/O. It returns
// io.EOF when the underlying sequence is exhausted.
type Iterator interface {
	Next() (tensor.Tree, error)
}

// Dataset is a restartable sequence of examples.
type Dataset interface {
	Iterate() Iterator
}

// ShardableDataset additionally produces disjoint per-process views.
type ShardableDataset interface {
	Dataset
	// Shard returns the view owned by shard index out of count shards.
	Shard(index, count int) (ShardableDataset, error)
}

// DomainLeaf is the scalar leaf carrying the integer domain index on
// domain-tagged examples and the per-example domain vector on batches.
const DomainLeaf = "domain"

// Stack assembles examples into one batch by prepending the batch axis to
// every leaf. All examples must share leaf structure.
func Stack(examples []tensor.Tree, batchAxisName string) (tensor.Tree, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("cannot stack an empty batch")
	}
	first := examples[0]
	batch := make(tensor.Tree, len(first))
	for _, name := range first.Names() {
		proto := first[name]
		axes := make([]tensor.Axis, 0, len(proto.Axes)+1)
		axes = append(axes, tensor.Axis{Name: batchAxisName, Size: len(examples)})
		axes = append(axes, proto.Axes...)
		data := make([]float64, len(examples)*proto.Size())
		for i, ex := range examples {
			leaf, ok := ex[name]
			if !ok {
				return nil, fmt.Errorf("example %d is missing leaf %q", i, name)
			}
			if leaf.Size() != proto.Size() {
				return nil, fmt.Errorf("example %d leaf %q: %d elements, want %d", i, name, leaf.Size(), proto.Size())
			}
			copy(data[i*proto.Size():(i+1)*proto.Size()], leaf.Data)
		}
		t, err := tensor.New(data, axes...)
		if err != nil {
			return nil, err
		}
		batch[name] = t
	}
	return batch, nil
}

// SliceDataset is an in-memory dataset over a fixed list of examples.
// With Loop set, iteration cycles forever, which is the usual shape for
// pretraining streams.
type SliceDataset struct {
	Examples []tensor.Tree
	Loop     bool
}

type sliceIterator struct {
	ds  *SliceDataset
	pos int
}

func (s *SliceDataset) Iterate() Iterator {
	return &sliceIterator{ds: s}
}

func (it *sliceIterator) Next() (tensor.Tree, error) {
	if len(it.ds.Examples) == 0 {
		return nil, io.EOF
	}
	if it.pos >= len(it.ds.Examples) {
		if !it.ds.Loop {
			return nil, io.EOF
		}
		it.pos = 0
	}
	ex := it.ds.Examples[it.pos]
	it.pos++
	return ex, nil
}

// Shard returns every count-th example starting at index.
func (s *SliceDataset) Shard(index, count int) (ShardableDataset, error) {
	if count <= 0 || index < 0 || index >= count {
		return nil, fmt.Errorf("invalid shard %d of %d", index, count)
	}
	var shard []tensor.Tree
	for i := index; i < len(s.Examples); i += count {
		shard = append(shard, s.Examples[i])
	}
	return &SliceDataset{Examples: shard, Loop: s.Loop}, nil
}

// DomainTaggedDataset pairs every example with a constant integer domain
// index, carried as a scalar leaf.
type DomainTaggedDataset struct {
	Dataset     ShardableDataset
	DomainIndex int
}

func (d *DomainTaggedDataset) Iterate() Iterator {
	return &domainTaggedIterator{inner: d.Dataset.Iterate(), domain: d.DomainIndex}
}

func (d *DomainTaggedDataset) Shard(index, count int) (ShardableDataset, error) {
	inner, err := d.Dataset.Shard(index, count)
	if err != nil {
		return nil, err
	}
	return &DomainTaggedDataset{Dataset: inner, DomainIndex: d.DomainIndex}, nil
}

type domainTaggedIterator struct {
	inner  Iterator
	domain int
}

func (it *domainTaggedIterator) Next() (tensor.Tree, error) {
	ex, err := it.inner.Next()
	if err != nil {
		return nil, err
	}
	tagged := make(tensor.Tree, len(ex)+1)
	for name, leaf := range ex {
		tagged[name] = leaf
	}
	tagged[DomainLeaf] = tensor.Scalar(float64(it.domain))
	return tagged, nil
}
