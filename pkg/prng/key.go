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

// Package prng provides splittable stateless random keys. A key is never
// advanced in place: every consumer derives fresh keys by splitting, so the
// same key always produces the same stream regardless of evaluation order.
package prng

import (
	"math/rand/v2"
)

// Key is a stateless pseudo-random seed. The zero key is valid.
type Key uint64

// NewKey derives a key from an integer seed.
func NewKey(seed uint64) Key {
	return Key(splitmix64(seed))
}

// splitmix64 is the finalizer from Steele et al.'s SplittableRandom.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Fold derives a child key from k and a stream index. Distinct indices
// yield statistically independent keys.
func (k Key) Fold(i uint64) Key {
	return Key(splitmix64(uint64(k) ^ splitmix64(i+1)))
}

// Split returns two independent keys: one to consume now and one to carry
// forward.
func (k Key) Split() (Key, Key) {
	return k.Fold(0), k.Fold(1)
}

// SplitN returns n independent keys.
func (k Key) SplitN(n int) []Key {
	keys := make([]Key, n)
	for i := range keys {
		keys[i] = k.Fold(uint64(i))
	}
	return keys
}

// Rand returns a deterministic PCG source seeded from the key.
func (k Key) Rand() *rand.Rand {
	return rand.New(rand.NewPCG(uint64(k), splitmix64(uint64(k))))
}
