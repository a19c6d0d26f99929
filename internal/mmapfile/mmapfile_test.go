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

package mmapfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t testing.TB, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenAndReadAt(t *testing.T) {
	want := []byte("the quick brown fox jumps over the lazy dog")
	path := writeTemp(t, want)

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if got := f.Size(); got != int64(len(want)) {
		t.Errorf("Size() = %d; want %d", got, len(want))
	}

	got := make([]byte, 5)
	if _, err := f.ReadAt(got, 4); err != nil {
		t.Fatalf("ReadAt(4): %v", err)
	}
	if string(got) != "quick" {
		t.Errorf("ReadAt(4) = %q; want %q", got, "quick")
	}

	tail := make([]byte, 3)
	n, err := f.ReadAt(tail, int64(len(want))-3)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("ReadAt(end): %v", err)
	}
	if n != 3 || string(tail) != "dog" {
		t.Errorf("ReadAt(end) = %q, %d; want %q, 3", tail, n, "dog")
	}

	if _, err := f.ReadAt(make([]byte, 1), f.Size()); !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt(Size()) error = %v; want io.EOF", err)
	}
	if _, err := f.ReadAt(make([]byte, 1), -1); err == nil {
		t.Error("ReadAt(-1) succeeded; want error")
	}
	if _, err := f.ReadAt(make([]byte, 1), f.Size()+1); err == nil {
		t.Error("ReadAt(Size()+1) succeeded; want error")
	}
}

func TestOpenEmptyFile(t *testing.T) {
	path := writeTemp(t, nil)

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if got := f.Size(); got != 0 {
		t.Errorf("Size() = %d; want 0", got)
	}
	if got := f.Bytes(); got != nil {
		t.Errorf("Bytes() = %v; want nil for an unmapped/empty file", got)
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Error("Open of missing file succeeded; want error")
	}
}

func TestNewReaderAtSectionReader(t *testing.T) {
	want := []byte("0123456789")
	path := writeTemp(t, want)

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	sr := io.NewSectionReader(f.NewReaderAt(), 3, 4)
	got, err := io.ReadAll(sr)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "3456" {
		t.Errorf("section read = %q; want %q", got, "3456")
	}
}

func TestBytesMatchesReadAt(t *testing.T) {
	want := []byte("matching mapped bytes against pread fallback")
	path := writeTemp(t, want)

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if b := f.Bytes(); b != nil && string(b) != string(want) {
		t.Errorf("Bytes() = %q; want %q", b, want)
	}
}
