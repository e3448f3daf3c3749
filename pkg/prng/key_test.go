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

package prng

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyDeterminism(t *testing.T) {
	a := NewKey(42)
	b := NewKey(42)
	assert.Equal(t, a, b)
	assert.Equal(t, a.Rand().Uint64(), b.Rand().Uint64())
	assert.NotEqual(t, NewKey(42), NewKey(43))
}

func TestSplitIndependence(t *testing.T) {
	k := NewKey(7)
	use, carry := k.Split()
	assert.NotEqual(t, use, carry)
	assert.NotEqual(t, k, use)
	assert.NotEqual(t, k, carry)

	// Splitting again yields the same pair: keys are stateless.
	use2, carry2 := k.Split()
	assert.Equal(t, use, use2)
	assert.Equal(t, carry, carry2)
}

func TestSplitN(t *testing.T) {
	k := NewKey(99)
	keys := k.SplitN(8)
	assert.Len(t, keys, 8)
	seen := map[Key]bool{}
	for _, child := range keys {
		assert.False(t, seen[child], "duplicate child key")
		seen[child] = true
	}
	// SplitN is a prefix-consistent fan-out of Fold.
	assert.Equal(t, k.Fold(3), keys[3])
}

func TestFoldDistinctStreams(t *testing.T) {
	k := NewKey(1)
	assert.NotEqual(t, k.Fold(0), k.Fold(1))
	assert.NotEqual(t, k.Fold(1), NewKey(2).Fold(1))
}

func TestZeroKeyIsUsable(t *testing.T) {
	var k Key
	r := k.Rand()
	assert.NotPanics(t, func() { r.Float64() })
}
