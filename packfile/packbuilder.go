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
//
// SPDX-License-Identifier: Apache-2.0

package packfile

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"hash/crc32"
	"os"
	"sort"

	"gitcore.dev/pkg/git/delta"
	"gitcore.dev/pkg/git/githash"
)

// defaultWindow is the number of preceding same-type candidates Build
// considers as a delta base for each entry, absent an explicit
// Builder.Window. Git's own default pack.window is 10; this keeps that
// convention.
const defaultWindow = 10

// BuilderEntry is one object queued into a Builder: its id (computed by the
// caller, which owns object hashing), type, and uncompressed body. PathHint
// groups objects likely to be similar (e.g. a file's successive revisions)
// so the delta window considers them near each other; it is advisory and
// may be left empty.
type BuilderEntry struct {
	ID       githash.SHA1
	Type     ObjectType
	Data     []byte
	PathHint string
}

// Builder assembles a set of objects into one pack and its matching index,
// in the manner of git-pack-objects(1): entries accumulate with Add, then
// Build deltifies what it profitably can and writes the finished pack.
//
// Build groups queued entries by type, sorts each group by path hint then
// descending size, and for each entry tries the last Window entries already
// placed in the same group as a delta base, keeping the smallest delta that
// is shorter than the entry's own body (delta.Create does the diffing;
// packfile only carries the encode side as of this Builder, the decode side
// lives in delta.Apply and is used when reading any pack, not just ones
// built here). Offset-deltas always point at a base earlier in the output,
// which is both how OffsetDelta's on-the-wire encoding works and how this
// avoids ever constructing a cycle: a base is only ever chosen from entries
// already committed to the output order, so no entry can delta against
// something that (directly or transitively) depends on it.
type Builder struct {
	entries []BuilderEntry
	seen    map[githash.SHA1]bool

	// Window bounds how many preceding same-type entries are considered as
	// a delta base for each new entry. Zero or negative disables
	// deltification entirely (every entry is written full).
	Window int
}

// NewBuilder returns an empty Builder with the default delta window.
func NewBuilder() *Builder {
	return &Builder{seen: make(map[githash.SHA1]bool), Window: defaultWindow}
}

// Add queues e for inclusion in the next Build. Duplicate ids (already
// queued) are silently ignored, matching add_object's idempotence.
func (b *Builder) Add(e BuilderEntry) {
	if b.seen[e.ID] {
		return
	}
	b.seen[e.ID] = true
	b.entries = append(b.entries, e)
}

// Len returns the number of distinct objects queued.
func (b *Builder) Len() int {
	return len(b.entries)
}

// planStep is one entry in the output order: either a full object, or a
// delta against baseOrderIndex (an index into the same plan slice, always
// less than this entry's own index).
type planStep struct {
	entry        BuilderEntry
	baseOrderIdx int // -1 if this step writes a full object
	deltaData    []byte
}

// plan groups entries by type (sorted by path hint, then descending size
// within a group so larger, more likely-to-be-a-good-base objects are
// considered first) and picks a delta base for each from the last Window
// entries of the same group already placed.
func (b *Builder) plan() []planStep {
	order := make([]int, len(b.entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, c := b.entries[order[i]], b.entries[order[j]]
		if a.Type != c.Type {
			return a.Type < c.Type
		}
		if a.PathHint != c.PathHint {
			return a.PathHint < c.PathHint
		}
		return len(a.Data) > len(c.Data)
	})

	steps := make([]planStep, len(order))
	// groupStart is the index into steps where the current (type, in this
	// sorted order) run began, so the window never crosses a type boundary.
	groupStart := 0
	for i, srcIdx := range order {
		e := b.entries[srcIdx]
		steps[i] = planStep{entry: e, baseOrderIdx: -1}
		if i > 0 && b.entries[order[i-1]].Type != e.Type {
			groupStart = i
		}
		if b.Window <= 0 {
			continue
		}

		windowStart := i - b.Window
		if windowStart < groupStart {
			windowStart = groupStart
		}
		bestLen := len(e.Data)
		bestBase := -1
		var bestDelta []byte
		for j := windowStart; j < i; j++ {
			cand := steps[j].entry
			d := delta.Create(cand.Data, e.Data)
			if len(d) < bestLen {
				bestLen = len(d)
				bestBase = j
				bestDelta = d
			}
		}
		if bestBase >= 0 {
			steps[i].baseOrderIdx = bestBase
			steps[i].deltaData = bestDelta
		}
	}
	return steps
}

// Build writes the pack (PACK header, deltified or full entries per plan,
// SHA-1 trailer) and returns its bytes along with the matching Index, whose
// entries are sorted by id (independent of the pack's own entry order) and
// whose PackfileSHA1 is the pack's trailer.
func (b *Builder) Build() ([]byte, *Index, error) {
	steps := b.plan()

	buf := new(bytes.Buffer)
	w := NewWriter(buf, uint32(len(steps)))
	offsets := make([]int64, len(steps))
	for i, st := range steps {
		var hdr *Header
		if st.baseOrderIdx >= 0 {
			hdr = &Header{Type: OffsetDelta, Size: int64(len(st.deltaData)), BaseOffset: offsets[st.baseOrderIdx]}
		} else {
			hdr = &Header{Type: st.entry.Type, Size: int64(len(st.entry.Data))}
		}
		off, err := w.WriteHeader(hdr)
		if err != nil {
			return nil, nil, fmt.Errorf("packfile: build: %w", err)
		}
		offsets[i] = off
		data := st.entry.Data
		if st.baseOrderIdx >= 0 {
			data = st.deltaData
		}
		if _, err := w.Write(data); err != nil {
			return nil, nil, fmt.Errorf("packfile: build: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("packfile: build: %w", err)
	}
	packBytes := buf.Bytes()

	idx := &Index{
		ObjectIDs:       make([]githash.SHA1, len(steps)),
		Offsets:         make([]int64, len(steps)),
		PackedChecksums: make([]uint32, len(steps)),
	}
	for i, st := range steps {
		end := len(packBytes) - sha1.Size
		if i+1 < len(offsets) {
			end = int(offsets[i+1])
		}
		idx.ObjectIDs[i] = st.entry.ID
		idx.Offsets[i] = offsets[i]
		idx.PackedChecksums[i] = crc32.ChecksumIEEE(packBytes[offsets[i]:end])
	}
	copy(idx.PackfileSHA1[:], packBytes[len(packBytes)-sha1.Size:])
	sort.Sort(idx)

	return packBytes, idx, nil
}

// WriteFiles writes the built pack and index to packPath and idxPath,
// fsyncing and renaming each into place from a temp file in the same
// directory, pack before index, so a concurrent reader never observes an
// index whose pack is not yet on disk. indexVersion selects EncodeV1 (1),
// EncodeV3 (3), or EncodeV2 (2 or 0, the default).
func (b *Builder) WriteFiles(packPath, idxPath string, indexVersion int) error {
	packBytes, idx, err := b.Build()
	if err != nil {
		return err
	}

	if err := writeAtomicFsync(packPath, packBytes); err != nil {
		return fmt.Errorf("packfile: write pack: %w", err)
	}

	idxBuf := new(bytes.Buffer)
	switch indexVersion {
	case 1:
		err = idx.EncodeV1(idxBuf)
	case 3:
		err = idx.EncodeV3(idxBuf)
	default:
		err = idx.EncodeV2(idxBuf)
	}
	if err != nil {
		return fmt.Errorf("packfile: encode index: %w", err)
	}
	if err := writeAtomicFsync(idxPath, idxBuf.Bytes()); err != nil {
		return fmt.Errorf("packfile: write index: %w", err)
	}
	return nil
}

func writeAtomicFsync(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dirOf(path), "packbuild")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func dirOf(path string) string {
	i := len(path) - 1
	for i >= 0 && !os.IsPathSeparator(path[i]) {
		i--
	}
	if i < 0 {
		return "."
	}
	return path[:i]
}
