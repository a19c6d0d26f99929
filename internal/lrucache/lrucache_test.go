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

package lrucache

import (
	"testing"

	"gitcore.dev/pkg/git/githash"
)

func id(b byte) githash.SHA1 {
	var id githash.SHA1
	id[0] = b
	return id
}

func TestAddAndGet(t *testing.T) {
	c := New[string](4)
	c.Add(id(1), "one")
	c.Add(id(2), "two")

	if got, ok := c.Get(id(1)); !ok || got != "one" {
		t.Errorf("Get(1) = %q, %v; want %q, true", got, ok, "one")
	}
	if got, ok := c.Get(id(2)); !ok || got != "two" {
		t.Errorf("Get(2) = %q, %v; want %q, true", got, ok, "two")
	}
	if _, ok := c.Get(id(3)); ok {
		t.Error("Get(3) hit; want miss")
	}
	if got := c.Len(); got != 2 {
		t.Errorf("Len() = %d; want 2", got)
	}
}

func TestRemove(t *testing.T) {
	c := New[int](4)
	c.Add(id(1), 1)
	c.Remove(id(1))
	if _, ok := c.Get(id(1)); ok {
		t.Error("Get after Remove hit; want miss")
	}
	if got := c.Len(); got != 0 {
		t.Errorf("Len() after Remove = %d; want 0", got)
	}
}

func TestEviction(t *testing.T) {
	c := New[int](2)
	c.Add(id(1), 1)
	c.Add(id(2), 2)
	c.Add(id(3), 3) // evicts id(1), the least recently used

	if _, ok := c.Get(id(1)); ok {
		t.Error("Get(1) hit after eviction; want miss")
	}
	if got, ok := c.Get(id(2)); !ok || got != 2 {
		t.Errorf("Get(2) = %d, %v; want 2, true", got, ok)
	}
	if got, ok := c.Get(id(3)); !ok || got != 3 {
		t.Errorf("Get(3) = %d, %v; want 3, true", got, ok)
	}
	if got := c.Len(); got != 2 {
		t.Errorf("Len() = %d; want 2", got)
	}
}

func TestZeroSizeDisablesCaching(t *testing.T) {
	c := New[string](0)
	c.Add(id(1), "one")
	if _, ok := c.Get(id(1)); ok {
		t.Error("Get hit with size-0 cache; want miss")
	}
	if got := c.Len(); got != 0 {
		t.Errorf("Len() = %d; want 0", got)
	}
}

func TestNilCacheIsSafe(t *testing.T) {
	var c *Cache[string]
	c.Add(id(1), "one") // must not panic
	if _, ok := c.Get(id(1)); ok {
		t.Error("Get hit on nil cache; want miss")
	}
	if got := c.Len(); got != 0 {
		t.Errorf("Len() on nil cache = %d; want 0", got)
	}
	c.Remove(id(1)) // must not panic
}
