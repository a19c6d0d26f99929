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
	"crypto/sha1"
	"fmt"

	"gitcore.dev/pkg/git/githash"
	"gitcore.dev/pkg/git/object"
	"gitcore.dev/pkg/git/packfile"
)

// PackWriter accumulates objects for a single new pack. All objects added
// through it become one pack, installed atomically when Close succeeds; on
// any error nothing is written to the store. A PackWriter is scoped to one
// use: callers that need another pack call Store.AddPack again.
type PackWriter struct {
	store   *Store
	builder *packfile.Builder
}

// AddPack returns a PackWriter for assembling one new pack from scratch.
// Compare AddThinPack, which completes an already-encoded incoming pack;
// AddPack is for building a pack one object at a time, e.g. from a
// generate_pack_data result being re-packed locally.
func (s *Store) AddPack() *PackWriter {
	return &PackWriter{store: s, builder: packfile.NewBuilder()}
}

// Add queues obj for inclusion in the pack, returning its id. pathHint may
// be empty; it only influences how packfile.Builder groups objects when it
// picks delta bases at Close.
func (pw *PackWriter) Add(obj object.Object, pathHint string) (githash.SHA1, error) {
	body, err := obj.MarshalBinary()
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("store: add pack: %w", err)
	}
	h := sha1.New()
	h.Write(object.AppendPrefix(nil, obj.Type(), int64(len(body))))
	h.Write(body)
	var id githash.SHA1
	h.Sum(id[:0])

	typ, err := packObjectType(obj.Type())
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("store: add pack: %w", err)
	}
	pw.builder.Add(packfile.BuilderEntry{ID: id, Type: typ, Data: body, PathHint: pathHint})
	return id, nil
}

// Len returns the number of distinct objects queued so far.
func (pw *PackWriter) Len() int {
	return pw.builder.Len()
}

// Close builds the pack and index in memory and installs them under
// objects/pack, returning the new pack's checksum. Calling Close on a
// PackWriter with no queued objects is an error: an empty pack is never a
// useful result.
func (pw *PackWriter) Close() (githash.SHA1, error) {
	if pw.builder.Len() == 0 {
		return githash.SHA1{}, fmt.Errorf("store: add pack: no objects added")
	}
	packBytes, idx, err := pw.builder.Build()
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("store: add pack: %w", err)
	}
	if err := pw.store.installPack(packBytes, idx, false); err != nil {
		return githash.SHA1{}, err
	}
	return idx.PackfileSHA1, nil
}
