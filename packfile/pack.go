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

package packfile

import (
	"bufio"
	"crypto/sha1"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gitcore.dev/pkg/git/githash"
	"gitcore.dev/pkg/git/internal/mmapfile"
	"gitcore.dev/pkg/git/object"
)

// Pack provides random and sequential access to a packfile on disk together
// with its companion index, using a memory-mapped view of the .pack file so
// that many objects can be read without copying the whole file into the
// process's heap.
//
// A *Pack is safe for concurrent use by multiple goroutines: all of its
// methods either read from immutable fields or operate on independent
// sections of the underlying mmap.
type Pack struct {
	path string
	mm   *mmapfile.File
	idx  *Index
}

// Open opens the packfile at path (with or without its ".pack" extension)
// and its sibling index, validating the packfile header and cross-checking
// the object count against the index. The returned Pack must be closed with
// Close when no longer needed.
func Open(path string) (*Pack, error) {
	mm, err := mmapfile.Open(packPathFor(path))
	if err != nil {
		return nil, fmt.Errorf("packfile: open %s: %w", path, err)
	}
	idx, err := readPackIndex(indexPathFor(path))
	if err != nil {
		mm.Close()
		return nil, fmt.Errorf("packfile: open %s: %w", path, err)
	}
	nobjs, err := readFileHeader(bufio.NewReader(io.NewSectionReader(mm, 0, mm.Size())))
	if err != nil {
		mm.Close()
		return nil, fmt.Errorf("packfile: open %s: %w", path, err)
	}
	if int(nobjs) != idx.Len() {
		mm.Close()
		return nil, fmt.Errorf("packfile: open %s: header declares %d object(s), index has %d: %w", path, nobjs, idx.Len(), ErrLengthMismatch)
	}
	return &Pack{path: path, mm: mm, idx: idx}, nil
}

func readPackIndex(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	idx, err := ReadIndex(f)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return idx, nil
}

// packPathFor and indexPathFor let callers pass either the bare pack name
// ("pack-<sha>") or either of its two file extensions and still resolve both
// companion files.
func packPathFor(path string) string {
	if strings.HasSuffix(path, ".idx") {
		return strings.TrimSuffix(path, ".idx") + ".pack"
	}
	if strings.HasSuffix(path, ".pack") {
		return path
	}
	return path + ".pack"
}

func indexPathFor(path string) string {
	ext := filepath.Ext(path)
	if ext == ".pack" || ext == ".idx" {
		return strings.TrimSuffix(path, ext) + ".idx"
	}
	return path + ".idx"
}

// Close unmaps the packfile. It does not remove anything from disk.
func (p *Pack) Close() error {
	return p.mm.Close()
}

// Path returns the path to the packfile passed to Open.
func (p *Pack) Path() string {
	return p.path
}

// Len returns the number of objects in the packfile.
func (p *Pack) Len() int {
	return p.idx.Len()
}

// Checksum returns the packfile's trailing SHA-1, as recorded in the index.
func (p *Pack) Checksum() githash.SHA1 {
	return p.idx.PackfileSHA1
}

// Index returns the packfile's parsed index. Callers must not modify it.
func (p *Pack) Index() *Index {
	return p.idx
}

// Contains reports whether id has an entry in the packfile's index.
func (p *Pack) Contains(id githash.SHA1) bool {
	return p.idx.FindID(id) != -1
}

// Offset returns the byte offset of id within the packfile, and whether id
// was found.
func (p *Pack) Offset(id githash.SHA1) (int64, bool) {
	i := p.idx.FindID(id)
	if i == -1 {
		return 0, false
	}
	return p.idx.Offsets[i], true
}

// Check recomputes the SHA-1 over every byte of the packfile preceding its
// 20-byte trailer and compares it against that trailer, detecting bit rot or
// truncation independently of the index.
func (p *Pack) Check() error {
	n := p.mm.Size() - githash.SHA1Size
	if n < fileHeaderSize {
		return fmt.Errorf("packfile: check %s: file too short", p.path)
	}
	h := sha1.New()
	if _, err := io.Copy(h, io.NewSectionReader(p.mm, 0, n)); err != nil {
		return fmt.Errorf("packfile: check %s: %w", p.path, err)
	}
	var got, want githash.SHA1
	h.Sum(got[:0])
	if _, err := p.mm.ReadAt(want[:], n); err != nil {
		return fmt.Errorf("packfile: check %s: %w", p.path, err)
	}
	if got != want {
		return fmt.Errorf("packfile: check %s: trailer is %v, computed %v: %w", p.path, want, got, ErrChecksumMismatch)
	}
	return nil
}

// UnpackedObject is a single entry read directly out of a packfile: its
// header plus the bytes that follow the zlib stream once decompressed. For
// a delta entry, Data holds the raw copy/insert instruction stream rather
// than a reconstructed object body; resolving that requires its base, via
// DeltaChainIterator or an Undeltifier.
type UnpackedObject struct {
	// Offset is the position of this entry's header within the packfile.
	Offset int64
	// Type is the entry's on-disk type, which is OffsetDelta or RefDelta for
	// a deltified entry.
	Type ObjectType
	// Size is the declared decompressed size: the object's body size for a
	// non-delta entry, or the length of the delta instruction stream for a
	// deltified one.
	Size int64
	// BaseOffset is set for an OffsetDelta entry.
	BaseOffset int64
	// BaseObject is set for a RefDelta entry.
	BaseObject githash.SHA1
	// Data holds the decompressed bytes following the header.
	Data []byte
	// CRC32 is the checksum of the header and zlib-compressed payload, as
	// stored in a version 2 or 3 index.
	CRC32 uint32
}

// ReadAt decodes the object entry whose header begins at offset, returning
// its declared type, size, base reference (if deltified), and decompressed
// payload.
func (p *Pack) ReadAt(offset int64) (*UnpackedObject, error) {
	if offset < 0 || offset >= p.mm.Size() {
		return nil, fmt.Errorf("packfile: %s: read at %d: %w", p.path, offset, ErrNotFound)
	}
	c := crc32.NewIEEE()
	t := teeByteReader{
		r: bufio.NewReader(io.NewSectionReader(p.mm, offset, p.mm.Size()-offset)),
		w: c,
	}
	hdr, err := ReadHeader(offset, t)
	if err != nil {
		return nil, fmt.Errorf("packfile: %s: read at %d: %w", p.path, offset, err)
	}
	var z zlibReader
	if err := setZlibReader(&z, t); err != nil {
		return nil, fmt.Errorf("packfile: %s: read at %d: %w", p.path, offset, err)
	}
	data, err := io.ReadAll(z)
	z.Close()
	if err != nil {
		return nil, fmt.Errorf("packfile: %s: read at %d: %w", p.path, offset, err)
	}
	if int64(len(data)) != hdr.Size {
		return nil, fmt.Errorf("packfile: %s: read at %d: declared size %d, got %d: %w", p.path, offset, hdr.Size, len(data), ErrLengthMismatch)
	}
	return &UnpackedObject{
		Offset:     offset,
		Type:       hdr.Type,
		Size:       hdr.Size,
		BaseOffset: hdr.BaseOffset,
		BaseObject: hdr.BaseObject,
		Data:       data,
		CRC32:      c.Sum32(),
	}, nil
}

// UnpackedIterator visits every object in a packfile in storage order. Call
// Err after Next returns false to distinguish end-of-pack from a read error.
type UnpackedIterator struct {
	pack    *Pack
	offsets []int64
	i       int
	err     error
}

// IterUnpacked returns an iterator over every object in the packfile,
// visited in ascending offset (storage) order.
func (p *Pack) IterUnpacked() *UnpackedIterator {
	offsets := append([]int64(nil), p.idx.Offsets...)
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return &UnpackedIterator{pack: p, offsets: offsets}
}

// Next advances the iterator and returns the next object, or reports false
// once every object has been visited or a read fails.
func (it *UnpackedIterator) Next() (*UnpackedObject, bool) {
	if it.err != nil || it.i >= len(it.offsets) {
		return nil, false
	}
	obj, err := it.pack.ReadAt(it.offsets[it.i])
	it.i++
	if err != nil {
		it.err = err
		return nil, false
	}
	return obj, true
}

// Err returns the first error encountered by Next, if any.
func (it *UnpackedIterator) Err() error {
	return it.err
}

// Object resolves id to its reconstructed type and body, following any
// delta chain within the packfile via u. u may be reused across calls to
// amortize its internal buffers.
func (p *Pack) Object(id githash.SHA1, u *Undeltifier) (object.Prefix, []byte, error) {
	offset, ok := p.Offset(id)
	if !ok {
		return object.Prefix{}, nil, fmt.Errorf("packfile: %s: %v: %w", p.path, id, ErrNotFound)
	}
	rs := NewBufferedReadSeeker(io.NewSectionReader(p.mm, 0, p.mm.Size()))
	prefix, r, err := u.Undeltify(rs, offset, &UndeltifyOptions{Index: p.idx})
	if err != nil {
		return object.Prefix{}, nil, fmt.Errorf("packfile: %s: %v: %w", p.path, id, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return object.Prefix{}, nil, fmt.Errorf("packfile: %s: %v: %w", p.path, id, err)
	}
	return prefix, data, nil
}
