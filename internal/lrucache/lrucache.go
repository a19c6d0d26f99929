// Copyright 2024 The gitcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lrucache provides the bounded, id-keyed cache used by the object
// store. Its only user is store.Store (parsed objects); package packfile does
// not use it.
package lrucache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"gitcore.dev/pkg/git/githash"
)

// Cache is a bounded map from object ID to a value of type V. It is safe for
// concurrent use by multiple readers, matching the reentrant read-only access
// the object store permits once a pack is loaded.
type Cache[V any] struct {
	c *lru.Cache[githash.SHA1, V]
}

// New creates a Cache that holds at most size entries, evicting the least
// recently used entry once full. A size of 0 disables caching: Get always
// misses and Add is a no-op, which callers can use to turn off memoization
// without branching on a nil cache everywhere.
func New[V any](size int) *Cache[V] {
	if size <= 0 {
		return &Cache[V]{}
	}
	c, err := lru.New[githash.SHA1, V](size)
	if err != nil {
		// Only returns an error for a non-positive size, which is excluded above.
		panic(err)
	}
	return &Cache[V]{c: c}
}

// Get returns the cached value for id, if present.
func (c *Cache[V]) Get(id githash.SHA1) (V, bool) {
	if c == nil || c.c == nil {
		var zero V
		return zero, false
	}
	return c.c.Get(id)
}

// Add inserts or updates the cached value for id.
func (c *Cache[V]) Add(id githash.SHA1, v V) {
	if c == nil || c.c == nil {
		return
	}
	c.c.Add(id, v)
}

// Remove evicts id from the cache, if present.
func (c *Cache[V]) Remove(id githash.SHA1) {
	if c == nil || c.c == nil {
		return
	}
	c.c.Remove(id)
}

// Len returns the number of entries currently cached.
func (c *Cache[V]) Len() int {
	if c == nil || c.c == nil {
		return 0
	}
	return c.c.Len()
}
