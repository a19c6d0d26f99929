// Copyright 2021 The gitcore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
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
	"io"
	"testing"

	"github.com/klauspost/compress/zlib"

	"gitcore.dev/pkg/git/githash"
)

func TestBuildIndex(t *testing.T) {
	for _, test := range testFiles {
		t.Run(test.name, func(t *testing.T) {
			packBytes := buildTestPack(t, test.want)
			got, err := BuildIndex(bytes.NewReader(packBytes), int64(len(packBytes)), nil)
			if err != nil {
				t.Log("Error:", err)
				if !test.wantError {
					t.Fail()
				}
				return
			} else if test.wantError {
				t.Error("No error returned")
				return
			}
			if got.Len() != len(test.want) {
				t.Errorf("index has %d objects; want %d", got.Len(), len(test.want))
			}
			for _, obj := range test.want {
				if obj.Header.Type == OffsetDelta || obj.Header.Type == RefDelta {
					continue
				}
				i := got.FindOffset(obj.Header.Offset)
				if i == -1 {
					t.Errorf("index has no entry for offset %d", obj.Header.Offset)
					continue
				}
				if got.Offsets[i] != obj.Header.Offset {
					t.Errorf("index entry %d offset = %d; want %d", i, got.Offsets[i], obj.Header.Offset)
				}
			}
		})
	}
}

// rawEntry describes a single packfile object written with exact control
// over the declared size versus the actual (pre-compression) payload, so
// tests can exercise BuildIndex's size-mismatch checks without a corrupt
// binary fixture on disk.
type rawEntry struct {
	typ     ObjectType
	size    int64
	payload []byte
}

// buildRawPack serializes entries directly (bypassing Writer's own
// size validation) so the declared Header.Size can deliberately disagree
// with the length of payload.
func buildRawPack(t testing.TB, entries []rawEntry) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	h := sha1.New()
	w := io.MultiWriter(buf, h)
	fileHeader := []byte{'P', 'A', 'C', 'K', 0, 0, 0, 2, 0, 0, 0, 0}
	htonl(fileHeader[8:], uint32(len(entries)))
	if _, err := w.Write(fileHeader); err != nil {
		t.Fatalf("buildRawPack: %v", err)
	}
	for _, e := range entries {
		hdrBytes := appendLengthType(nil, e.typ, e.size)
		if _, err := w.Write(hdrBytes); err != nil {
			t.Fatalf("buildRawPack: %v", err)
		}
		zw := zlib.NewWriter(w)
		if _, err := zw.Write(e.payload); err != nil {
			t.Fatalf("buildRawPack: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("buildRawPack: %v", err)
		}
	}
	if _, err := w.Write(h.Sum(nil)); err != nil {
		t.Fatalf("buildRawPack: %v", err)
	}
	return buf.Bytes()
}

func TestBuildIndexSizeMismatch(t *testing.T) {
	tests := []struct {
		name    string
		entries []rawEntry
	}{
		{
			name: "TooShort",
			entries: []rawEntry{
				{typ: Blob, size: 6, payload: []byte("Hello")},
			},
		},
		{
			name: "TooLong",
			entries: []rawEntry{
				{typ: Blob, size: 1, payload: []byte("Hello, World!")},
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			packBytes := buildRawPack(t, test.entries)
			_, err := BuildIndex(bytes.NewReader(packBytes), int64(len(packBytes)), nil)
			if err == nil {
				t.Fatal("BuildIndex returned no error for a declared/actual size mismatch")
			}
			t.Log("got expected error:", err)
		})
	}
}

func BenchmarkBuildIndex(b *testing.B) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf, uint32(b.N))
	for i := 0; i < b.N; i++ {
		data := fmt.Sprintf("blob %10d\n", i)
		_, err := w.WriteHeader(&Header{
			Type: Blob,
			Size: int64(len(data)),
		})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := w.Write([]byte(data)); err != nil {
			b.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()

	_, err := BuildIndex(bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil)
	if err != nil {
		b.Fatal(err)
	}
	objectByteCount := buf.Len() - githash.SHA1Size - fileHeaderSize
	b.SetBytes(int64(float64(objectByteCount) / float64(b.N)))
	b.ReportMetric(float64(objectByteCount), "packfile-bytes")
}
