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

// Package model defines the architecture contract the trainer initializes
// from. Architectures own parameter shapes and initialization; forward
// passes live in the tensor engine. Interop with external checkpoint
// formats is modeled as optional capabilities rather than a base type every
// architecture must inherit.
package model

import (
	"sync"

	"github.com/meridian-ml/meridian/pkg/prng"
	"github.com/meridian-ml/meridian/pkg/tensor"
)

// Architecture describes a model family: how to build its parameter tree
// from scratch and which leaves train by default.
type Architecture interface {
	// Name identifies the architecture in the registry.
	Name() string

	// InitParams builds a freshly initialized parameter tree. The key makes
	// initialization deterministic per run seed.
	InitParams(key prng.Key) (tensor.Tree, error)

	// DefaultMask marks which parameter leaves are trainable out of the
	// box. A nil mask trains everything.
	DefaultMask() tensor.Mask
}

// StateDictSource is implemented by architectures that can emit their
// parameters as a flat mapping in an external naming convention, for export
// to foreign checkpoint formats.
type StateDictSource interface {
	StateDict(params tensor.Tree) (tensor.Tree, error)
}

// StateDictSink is implemented by architectures that can rebuild their
// parameter tree from such a mapping.
type StateDictSink interface {
	LoadStateDict(stateDict tensor.Tree) (tensor.Tree, error)
}

// Registry maps architecture names to registered instances. Architectures
// register themselves in init(); lookups happen at run configuration time.
type Registry struct {
	sync.RWMutex
	archs map[string]Architecture
}

// DefaultRegistry is the process-wide architecture registry.
var DefaultRegistry Registry

// Register adds the architecture under its name, replacing any previous
// registration. An empty name is a programming error.
func (r *Registry) Register(a Architecture) {
	r.Lock()
	defer r.Unlock()
	if a.Name() == "" {
		panic("architecture name is not specified")
	}
	if r.archs == nil {
		r.archs = make(map[string]Architecture)
	}
	r.archs[a.Name()] = a
}

// MustGet returns the named architecture and panics if it was never
// registered. Configuration validation should use Has first.
func (r *Registry) MustGet(name string) Architecture {
	r.RLock()
	defer r.RUnlock()
	a, ok := r.archs[name]
	if !ok {
		panic("architecture is not registered: " + name)
	}
	return a
}

// Has reports whether the named architecture is registered.
func (r *Registry) Has(name string) bool {
	r.RLock()
	defer r.RUnlock()
	_, ok := r.archs[name]
	return ok
}

// Names returns the registered architecture names.
func (r *Registry) Names() []string {
	r.RLock()
	defer r.RUnlock()
	names := make([]string, 0, len(r.archs))
	for name := range r.archs {
		names = append(names, name)
	}
	return names
}
