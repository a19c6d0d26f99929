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

// +build ignore

// Command gentestpack prints hand-built packfiles to stdout for use as test
// fixtures, the way misc/genpack.go did for the teacher's packfile tests.
// Run with `go run internal/gentestpack/main.go <name> > testdata/<name>.pack`.
package main

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"gitcore.dev/pkg/git/delta"
	"gitcore.dev/pkg/git/packfile"
)

func main() {
	funcMap := map[string]func() error{
		"Empty":       empty,
		"NoDelta":     noDelta,
		"DeltaOffset": deltaOffset,
		"RefDelta":    refDelta,
		"Thin":        thin,
	}
	var names []string
	for k := range funcMap {
		names = append(names, k)
	}
	sort.Strings(names)
	if len(os.Args) < 2 {
		for _, k := range names {
			fmt.Println(k)
		}
		return
	}
	f := funcMap[os.Args[1]]
	if len(os.Args) > 2 || f == nil {
		fmt.Fprint(os.Stderr, "usage: gentestpack ")
		for i, k := range names {
			if i > 0 {
				fmt.Fprint(os.Stderr, "|")
			}
			fmt.Fprint(os.Stderr, k)
		}
		fmt.Fprintln(os.Stderr)
		os.Exit(64)
	}

	if err := f(); err != nil {
		fmt.Fprintln(os.Stderr, "gentestpack:", err)
		os.Exit(1)
	}
}

func empty() error {
	w := packfile.NewWriter(os.Stdout, 0)
	return w.Close()
}

func noDelta() (err error) {
	w := packfile.NewWriter(os.Stdout, 1)
	defer func() {
		if closeErr := w.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	const blobContent = "Hello, World!\n"
	if _, err = w.WriteHeader(&packfile.Header{Type: packfile.Blob, Size: int64(len(blobContent))}); err != nil {
		return err
	}
	if _, err := io.WriteString(w, blobContent); err != nil {
		return err
	}
	blobHash := hashObject("blob", []byte(blobContent))
	fmt.Fprintf(os.Stderr, "blob = %02x\n", blobHash[:])
	return nil
}

func deltaOffset() (err error) {
	w := packfile.NewWriter(os.Stdout, 2)
	defer func() {
		if closeErr := w.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	const baseContent = "Hello!"
	baseOffset, err := w.WriteHeader(&packfile.Header{Type: packfile.Blob, Size: int64(len(baseContent))})
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, baseContent); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "baseOffset = %#x\n", baseOffset)

	deltaContent, blobContent := helloDelta()
	deltaObjectOffset, err := w.WriteHeader(&packfile.Header{
		Type:       packfile.OffsetDelta,
		Size:       int64(len(deltaContent)),
		BaseOffset: baseOffset,
	})
	if err != nil {
		return err
	}
	if _, err := w.Write(deltaContent); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "deltaObjectOffset = %#x\n", deltaObjectOffset)
	blobHash := hashObject("blob", []byte(blobContent))
	fmt.Fprintf(os.Stderr, "blob = %02x\n", blobHash[:])
	return nil
}

func refDelta() (err error) {
	w := packfile.NewWriter(os.Stdout, 2)
	defer func() {
		if closeErr := w.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	const baseContent = "Hello!"
	baseOffset, err := w.WriteHeader(&packfile.Header{Type: packfile.Blob, Size: int64(len(baseContent))})
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, baseContent); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "baseOffset = %#x\n", baseOffset)
	baseHash := hashObject("blob", []byte(baseContent))

	deltaContent, blobContent := helloDelta()
	if _, err = w.WriteHeader(&packfile.Header{
		Type:       packfile.RefDelta,
		Size:       int64(len(deltaContent)),
		BaseObject: baseHash,
	}); err != nil {
		return err
	}
	if _, err := w.Write(deltaContent); err != nil {
		return err
	}
	blobHash := hashObject("blob", []byte(blobContent))
	fmt.Fprintf(os.Stderr, "blob = %02x\n", blobHash[:])
	return nil
}

// thin writes a one-object pack whose sole entry is a ref-delta against a
// base never included in the pack itself, as git pack-objects --thin would
// produce. The base ("Hello!") must be supplied out of band by whatever
// consumes this fixture.
func thin() (err error) {
	w := packfile.NewWriter(os.Stdout, 1)
	defer func() {
		if closeErr := w.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	const baseContent = "Hello!"
	baseHash := hashObject("blob", []byte(baseContent))
	fmt.Fprintf(os.Stderr, "external base blob = %02x (content %q)\n", baseHash[:], baseContent)

	deltaContent, blobContent := helloDelta()
	if _, err = w.WriteHeader(&packfile.Header{
		Type:       packfile.RefDelta,
		Size:       int64(len(deltaContent)),
		BaseObject: baseHash,
	}); err != nil {
		return err
	}
	if _, err := w.Write(deltaContent); err != nil {
		return err
	}
	blobHash := hashObject("blob", []byte(blobContent))
	fmt.Fprintf(os.Stderr, "blob = %02x\n", blobHash[:])
	return nil
}

// helloDelta returns a delta turning "Hello!" into "Hello, delta\n" and the
// expected result, validated against delta.Apply.
func helloDelta() (deltaContent []byte, result string) {
	deltaContent = []byte{
		0x06,       // original size
		0x0d,       // output size
		0b10010000, // copy from base, offset 0, one size byte
		0x05,       // size1
		0x08,       // add new data (length 8)
		',', ' ', 'd', 'e', 'l', 't', 'a', '\n',
	}
	result = "Hello, delta\n"
	got, err := delta.Apply([]byte("Hello!"), deltaContent)
	if err != nil {
		panic(err)
	}
	if string(got) != result {
		panic(fmt.Sprintf("helloDelta: got %q, want %q", got, result))
	}
	return deltaContent, result
}

func appendObjectPrefix(dst []byte, typ string, n int64) []byte {
	dst = append(dst, typ...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, n, 10)
	dst = append(dst, 0)
	return dst
}

func hashObject(typ string, data []byte) [sha1.Size]byte {
	buf := appendObjectPrefix(nil, typ, int64(len(data)))
	buf = append(buf, data...)
	return sha1.Sum(buf)
}
