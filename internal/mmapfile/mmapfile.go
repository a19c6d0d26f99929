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

// Package mmapfile provides read-only memory-mapped access to a file, with a
// pread-based fallback for filesystems or platforms where mmap is
// unavailable (e.g. an empty file, which has no pages to map).
package mmapfile

import (
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// File is a read-only view of a file's contents. Once opened, the view never
// changes even if the underlying file is modified; this mirrors the
// immutability of a packfile once it has been written and renamed into place.
type File struct {
	f    *os.File
	mm   mmap.MMap
	size int64
}

// Open maps the named file read-only. If the file is too small to map (some
// platforms refuse to mmap a zero-length file), Open falls back to ordinary
// file reads through ReadAt, which on Unix is backed by pread(2) and requires
// no global seek position, making it safe for concurrent readers.
func Open(name string) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: stat %s: %w", name, err)
	}
	size := info.Size()
	if size == 0 {
		return &File{f: f, size: 0}, nil
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		// Fall back to pread-style access rather than failing outright: some
		// filesystems (notably certain network mounts) refuse mmap but serve
		// ReadAt just fine.
		return &File{f: f, size: size}, nil
	}
	return &File{f: f, mm: mm, size: size}, nil
}

// Size returns the length of the mapped file in bytes.
func (mf *File) Size() int64 {
	return mf.size
}

// Bytes returns the entire file contents as a byte slice when the file was
// successfully mapped. It returns nil if Open fell back to pread-based
// access, in which case callers must use ReadAt or NewReaderAt instead.
func (mf *File) Bytes() []byte {
	if mf.mm == nil {
		return nil
	}
	return mf.mm
}

// ReadAt implements io.ReaderAt over the mapped (or fallback) contents.
func (mf *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > mf.size {
		return 0, fmt.Errorf("mmapfile: read at %d: out of range", off)
	}
	if mf.mm != nil {
		if off == mf.size {
			return 0, io.EOF
		}
		n := copy(p, mf.mm[off:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	return mf.f.ReadAt(p, off)
}

// NewReaderAt returns an io.ReaderAt backed by the mapped file, for callers
// that want to construct an io.SectionReader over a sub-range.
func (mf *File) NewReaderAt() io.ReaderAt {
	return mf
}

// Close unmaps the file (if mapped) and closes the underlying descriptor.
func (mf *File) Close() error {
	var mmErr error
	if mf.mm != nil {
		mmErr = mf.mm.Unmap()
	}
	closeErr := mf.f.Close()
	if mmErr != nil {
		return fmt.Errorf("mmapfile: unmap: %w", mmErr)
	}
	if closeErr != nil {
		return fmt.Errorf("mmapfile: close: %w", closeErr)
	}
	return nil
}
