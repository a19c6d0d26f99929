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
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gitcore.dev/pkg/git/githash"
	"gitcore.dev/pkg/git/object"
	"gitcore.dev/pkg/git/packfile"
)

// scanOffsets walks raw sequentially with packfile.Reader to recover every
// entry's header offset, without resolving any delta chain. It is the
// bootstrap step for AddThinPack, which needs a *packfile.Pack (and hence
// an Index) before the real ids of a thin pack's entries are knowable.
func scanOffsets(raw []byte) ([]int64, error) {
	r := packfile.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	var offsets []int64
	for {
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			return offsets, nil
		}
		if err != nil {
			return nil, fmt.Errorf("store: scan pack: %w", err)
		}
		offsets = append(offsets, hdr.Offset)
	}
}

// placeholderIndex builds an *packfile.Index over raw good enough to open
// it as a *packfile.Pack: real offsets (from scanOffsets) paired with
// synthetic, never-colliding ids. The ids are never compared against real
// content hashes: a DeltaChainIterator only consults an Index's ObjectIDs
// to tell whether a ref-delta's declared base offset lies in this same
// pack, and a genuine thin pack (as produced by git's pack-objects --thin)
// never encodes an in-pack base as a ref-delta in the first place, only as
// an offset-delta, which never touches the id mapping at all. A thin pack
// that violated this convention would still resolve correctly here, just
// less efficiently (through the external resolver instead of in-pack).
func placeholderIndex(raw []byte, offsets []int64) (*packfile.Index, error) {
	if len(raw) < githash.SHA1Size {
		return nil, fmt.Errorf("store: placeholder index: pack too short")
	}
	ids := make([]githash.SHA1, len(offsets))
	for i := range ids {
		binary.BigEndian.PutUint64(ids[i][:8], uint64(i))
	}
	idx := &packfile.Index{
		ObjectIDs:       ids,
		Offsets:         append([]int64(nil), offsets...),
		PackedChecksums: make([]uint32, len(offsets)),
	}
	sort.Sort(idx)
	copy(idx.PackfileSHA1[:], raw[len(raw)-githash.SHA1Size:])
	return idx, nil
}

// openRawPack writes raw and a placeholder index for it into a fresh temp
// directory and opens it, returning the Pack and a cleanup function that
// closes it and removes the temp directory.
func openRawPack(raw []byte) (*packfile.Pack, func(), error) {
	offsets, err := scanOffsets(raw)
	if err != nil {
		return nil, nil, err
	}
	idx, err := placeholderIndex(raw, offsets)
	if err != nil {
		return nil, nil, err
	}

	dir, err := os.MkdirTemp("", "gitcore-thinpack")
	if err != nil {
		return nil, nil, fmt.Errorf("store: add thin pack: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	packPath := filepath.Join(dir, "thin.pack")
	if err := os.WriteFile(packPath, raw, 0o644); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("store: add thin pack: %w", err)
	}
	idxFile, err := os.Create(filepath.Join(dir, "thin.idx"))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("store: add thin pack: %w", err)
	}
	if err := idx.EncodeV2(idxFile); err != nil {
		idxFile.Close()
		cleanup()
		return nil, nil, fmt.Errorf("store: add thin pack: %w", err)
	}
	if err := idxFile.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("store: add thin pack: %w", err)
	}

	p, err := packfile.Open(packPath)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("store: add thin pack: %w", err)
	}
	return p, func() { p.Close(); cleanup() }, nil
}

// AddThinPack completes a thin pack read from r (one whose ref-delta
// entries may reference objects this store already has but that the pack
// itself does not contain) and indexes the result as a new, fully
// self-contained pack: every object — including externally resolved bases —
// is re-encoded as a full (non-delta) entry, so the pack on disk is never
// thin. This mirrors dulwich's Repo.object_store.add_thin_pack.
func (s *Store) AddThinPack(r io.Reader) (githash.SHA1, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("store: add thin pack: %w", err)
	}

	rawPack, cleanup, err := openRawPack(raw)
	if err != nil {
		return githash.SHA1{}, err
	}
	defer cleanup()

	it := packfile.NewDeltaChainIterator(rawPack, &packfile.DeltaChainIteratorOptions{
		Resolver: func(id githash.SHA1) (object.Type, []byte, error) {
			typ, data, err := s.GetRaw(id)
			if err != nil {
				return "", nil, fmt.Errorf("resolve %v: %w", id, packfile.ErrNotFound)
			}
			return typ, data, nil
		},
	})

	var resolved []*packfile.ResolvedObject
	for {
		obj, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return githash.SHA1{}, fmt.Errorf("store: add thin pack: %w", err)
		}
		resolved = append(resolved, obj)
	}
	sort.Slice(resolved, func(i, j int) bool { return githashLess(resolved[i].ID, resolved[j].ID) })

	return s.addPackFromResolved(resolved)
}

// addPackFromResolved writes every resolved object as a full entry into a
// brand-new pack, builds its index with BuildIndex (safe with nil storage:
// the pack this writes is delta-free by construction), and registers it.
func (s *Store) addPackFromResolved(resolved []*packfile.ResolvedObject) (githash.SHA1, error) {
	buf := new(bytes.Buffer)
	w := packfile.NewWriter(buf, uint32(len(resolved)))
	for _, obj := range resolved {
		typ, err := packObjectType(obj.Type)
		if err != nil {
			return githash.SHA1{}, fmt.Errorf("store: add thin pack: %w", err)
		}
		if _, err := w.WriteHeader(&packfile.Header{Type: typ, Size: int64(len(obj.Data))}); err != nil {
			return githash.SHA1{}, fmt.Errorf("store: add thin pack: %w", err)
		}
		if _, err := w.Write(obj.Data); err != nil {
			return githash.SHA1{}, fmt.Errorf("store: add thin pack: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return githash.SHA1{}, fmt.Errorf("store: add thin pack: %w", err)
	}

	packBytes := buf.Bytes()
	idx, err := packfile.BuildIndex(bytes.NewReader(packBytes), int64(len(packBytes)), nil)
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("store: add thin pack: build index: %w", err)
	}
	return idx.PackfileSHA1, s.installPack(packBytes, idx, false)
}

// installPack writes packBytes and idx under objects/pack, named by the
// pack's trailing checksum, and registers the opened pack in s.
func (s *Store) installPack(packBytes []byte, idx *packfile.Index, keep bool) error {
	packDir := filepath.Join(s.dir, "pack")
	if err := os.MkdirAll(packDir, 0o777); err != nil {
		return fmt.Errorf("store: install pack: %w", err)
	}
	base := filepath.Join(packDir, "pack-"+idx.PackfileSHA1.String())

	if err := writeFileAtomic(base+".pack", packBytes); err != nil {
		return fmt.Errorf("store: install pack: %w", err)
	}
	idxBuf := new(bytes.Buffer)
	if err := idx.EncodeV2(idxBuf); err != nil {
		return fmt.Errorf("store: install pack: %w", err)
	}
	if err := writeFileAtomic(base+".idx", idxBuf.Bytes()); err != nil {
		return fmt.Errorf("store: install pack: %w", err)
	}

	p, err := packfile.Open(base + ".pack")
	if err != nil {
		return fmt.Errorf("store: install pack: %w", err)
	}

	s.mu.Lock()
	s.packs = append(s.packs, &loadedPack{pack: p, keep: keep})
	s.mu.Unlock()
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "pack")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func packObjectType(typ object.Type) (packfile.ObjectType, error) {
	switch typ {
	case object.TypeCommit:
		return packfile.Commit, nil
	case object.TypeTree:
		return packfile.Tree, nil
	case object.TypeBlob:
		return packfile.Blob, nil
	case object.TypeTag:
		return packfile.Tag, nil
	default:
		return 0, fmt.Errorf("unknown object type %q", typ)
	}
}
