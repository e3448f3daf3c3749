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
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
)

// MixtureDataset samples examples from named domain datasets in proportion
// to per-domain weights. Weights can be swapped at any time (the DoReMi
// estimator does so every step); draws are keyed so the same key and
// weights reproduce the same stream.
type MixtureDataset struct {
	mu       sync.RWMutex
	names    []string
	datasets map[string]ShardableDataset
	weights  map[string]float64
	key      prng.Key
}

// NewMixtureDataset builds a mixture over the given domains. Weights must
// be non-negative and sum to a positive value; they are normalized
// internally.
func NewMixtureDataset(datasets map[string]ShardableDataset, weights map[string]float64, key prng.Key) (*MixtureDataset, error) {
	if len(datasets) == 0 {
		return nil, fmt.Errorf("mixture needs at least one domain")
	}
	names := lo.Keys(datasets)
	sort.Strings(names)
	for _, name := range names {
		if _, ok := weights[name]; !ok {
			return nil, fmt.Errorf("no weight for domain %q", name)
		}
	}
	m := &MixtureDataset{names: names, datasets: datasets, key: key}
	if err := m.SetWeights(weights); err != nil {
		return nil, err
	}
	return m, nil
}

// Domains returns the domain names in iteration order.
func (m *MixtureDataset) Domains() []string {
	return m.names
}

// SetWeights replaces the sampling weights. The next draw observes them.
func (m *MixtureDataset) SetWeights(weights map[string]float64) error {
	total := 0.0
	for _, name := range m.names {
		w, ok := weights[name]
		if !ok {
			return fmt.Errorf("no weight for domain %q", name)
		}
		if w < 0 {
			return fmt.Errorf("negative weight %v for domain %q", w, name)
		}
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("mixture weights sum to %v, want positive", total)
	}
	normalized := make(map[string]float64, len(weights))
	for _, name := range m.names {
		normalized[name] = weights[name] / total
	}
	m.mu.Lock()
	m.weights = normalized
	m.mu.Unlock()
	return nil
}

func (m *MixtureDataset) Iterate() Iterator {
	iters := make(map[string]Iterator, len(m.datasets))
	for name, ds := range m.datasets {
		iters[name] = ds.Iterate()
	}
	return &mixtureIterator{mixture: m, iters: iters}
}

// Shard shards every domain dataset and keeps the same draw key: all
// processes agree on the domain sequence, while examples within each domain
// are disjoint.
func (m *MixtureDataset) Shard(index, count int) (ShardableDataset, error) {
	sharded := make(map[string]ShardableDataset, len(m.datasets))
	for name, ds := range m.datasets {
		s, err := ds.Shard(index, count)
		if err != nil {
			return nil, fmt.Errorf("domain %q: %w", name, err)
		}
		sharded[name] = s
	}
	m.mu.RLock()
	weights := lo.Assign(map[string]float64{}, m.weights)
	m.mu.RUnlock()
	return NewMixtureDataset(sharded, weights, m.key)
}

type mixtureIterator struct {
	mixture *MixtureDataset
	iters   map[string]Iterator
	draw    uint64
}

func (it *mixtureIterator) Next() (tensor.Tree, error) {
	name := it.pickDomain()
	it.draw++
	ex, err := it.iters[name].Next()
	if err == io.EOF {
		// Restart the exhausted domain; mixtures are endless streams.
		it.iters[name] = it.mixture.datasets[name].Iterate()
		ex, err = it.iters[name].Next()
	}
	if err != nil {
		return nil, fmt.Errorf("domain %q: %w", name, err)
	}
	return ex, nil
}

func (it *mixtureIterator) pickDomain() string {
	it.mixture.mu.RLock()
	defer it.mixture.mu.RUnlock()
	u := it.mixture.key.Fold(it.draw).Rand().Float64()
	cum := 0.0
	for _, name := range it.mixture.names {
		cum += it.mixture.weights[name]
		if u < cum {
			return name
		}
	}
	return it.mixture.names[len(it.mixture.names)-1]
}

// DomainTaggedMixture wraps each domain dataset with its integer index and
// mixes them under the given weights. Batches built from it carry a
// per-example domain vector.
func DomainTaggedMixture(sources map[string]ShardableDataset, weights map[string]float64, domainToIndex map[string]int, key prng.Key) (*MixtureDataset, error) {
	tagged := make(map[string]ShardableDataset, len(sources))
	for name, ds := range sources {
		index, ok := domainToIndex[name]
		if !ok {
			return nil, fmt.Errorf("no index for domain %q", name)
		}
		tagged[name] = &DomainTaggedDataset{Dataset: ds, DomainIndex: index}
	}
	return NewMixtureDataset(tagged, weights, key)
}
