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

package store

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gitcore.dev/pkg/git/githash"
	"gitcore.dev/pkg/git/object"
)

// Contains reports whether id names an object reachable from s: loose, in
// any of s's loaded packs, or in an alternate.
func (s *Store) Contains(id githash.SHA1) bool {
	if s.loose.has(id) {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.packs) - 1; i >= 0; i-- {
		if s.packs[i].pack.Contains(id) {
			return true
		}
	}
	for _, alt := range s.alternates {
		if alt.Contains(id) {
			return true
		}
	}
	return false
}

// GetRaw returns the canonical uncompressed type/body pair for id. Lookup
// order is loose, then each directly loaded pack in reverse load order
// (the most recently added pack wins), then alternates.
func (s *Store) GetRaw(id githash.SHA1) (object.Type, []byte, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(id); ok {
			return v.typ, v.data, nil
		}
	}

	if prefix, data, err := s.loose.read(id); err == nil {
		s.cacheRaw(id, prefix.Type, data)
		return prefix.Type, data, nil
	} else if !os.IsNotExist(err) {
		return "", nil, fmt.Errorf("store: get %v: %w", id, err)
	}

	s.mu.RLock()
	packs := append([]*loadedPack(nil), s.packs...)
	alternates := append([]*Store(nil), s.alternates...)
	s.mu.RUnlock()

	for i := len(packs) - 1; i >= 0; i-- {
		lp := packs[i]
		if !lp.pack.Contains(id) {
			continue
		}
		lp.mu.Lock()
		prefix, data, err := lp.pack.Object(id, &lp.ud)
		lp.mu.Unlock()
		if err != nil {
			return "", nil, fmt.Errorf("store: get %v: %w", id, err)
		}
		s.cacheRaw(id, prefix.Type, data)
		return prefix.Type, data, nil
	}

	for _, alt := range alternates {
		typ, data, err := alt.GetRaw(id)
		if err == nil {
			return typ, data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", nil, err
		}
	}

	return "", nil, fmt.Errorf("store: get %v: %w", id, ErrNotFound)
}

func (s *Store) cacheRaw(id githash.SHA1, typ object.Type, data []byte) {
	if s.cache != nil {
		s.cache.Add(id, rawObject{typ: typ, data: data})
	}
}

// Get returns id parsed into its concrete object.Object (object.Blob,
// object.Tree, *object.Commit, or *object.Tag).
func (s *Store) Get(id githash.SHA1) (object.Object, error) {
	typ, data, err := s.GetRaw(id)
	if err != nil {
		return nil, err
	}
	obj, err := object.Parse(typ, data)
	if err != nil {
		return nil, fmt.Errorf("store: get %v: %w", id, err)
	}
	return obj, nil
}

// AddObject serializes obj and writes it as a loose object (compressed
// with zlib, atomically renamed into place), returning its id. It is a
// no-op beyond id computation if the object is already present.
func (s *Store) AddObject(obj object.Object) (githash.SHA1, error) {
	body, err := obj.MarshalBinary()
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("store: add object: %w", err)
	}
	id, err := s.loose.write(obj.Type(), body)
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("store: add object: %w", err)
	}
	s.cacheRaw(id, obj.Type(), body)
	return id, nil
}

// IterPrefix returns every object id (loose, in a directly loaded pack, or
// in an alternate) whose hex encoding begins with prefix, for short-id
// resolution. The result is sorted and de-duplicated.
func (s *Store) IterPrefix(prefix string) ([]githash.SHA1, error) {
	seen := make(map[githash.SHA1]bool)
	var ids []githash.SHA1
	add := func(more []githash.SHA1) {
		for _, id := range more {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	loose, err := s.loose.idsWithPrefix(prefix)
	if err != nil {
		return nil, err
	}
	add(loose)

	s.mu.RLock()
	packs := append([]*loadedPack(nil), s.packs...)
	alternates := append([]*Store(nil), s.alternates...)
	s.mu.RUnlock()

	for _, lp := range packs {
		idx := lp.pack.Index()
		add(idsWithPrefixInSortedIndex(idx.ObjectIDs, prefix))
	}
	for _, alt := range alternates {
		more, err := alt.IterPrefix(prefix)
		if err != nil {
			return nil, err
		}
		add(more)
	}

	sort.Slice(ids, func(i, j int) bool { return githashLess(ids[i], ids[j]) })
	return ids, nil
}

// idsWithPrefixInSortedIndex binary-searches a pack index's sorted id list
// for the range of ids beginning with prefix.
func idsWithPrefixInSortedIndex(sorted []githash.SHA1, prefix string) []githash.SHA1 {
	if len(sorted) == 0 {
		return nil
	}
	lo := sort.Search(len(sorted), func(i int) bool {
		return sorted[i].String() >= prefix
	})
	var matched []githash.SHA1
	for i := lo; i < len(sorted) && hasHexPrefix(sorted[i], prefix); i++ {
		matched = append(matched, sorted[i])
	}
	return matched
}

func hasHexPrefix(id githash.SHA1, prefix string) bool {
	s := id.String()
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func githashLess(a, b githash.SHA1) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// IterObjects enumerates every object id in s: loose, every directly loaded
// pack, and every alternate, de-duplicated.
func (s *Store) IterObjects() ([]githash.SHA1, error) {
	return s.IterPrefix("")
}
