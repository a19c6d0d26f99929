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

package packfile_test

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"

	"gitcore.dev/pkg/git/object"
	"gitcore.dev/pkg/git/packfile"
)

// firstCommitPack builds the same three-object packfile (a blob, its tree,
// and the commit pointing at that tree) used throughout these examples, so
// they're runnable without a binary fixture on disk.
func firstCommitPack() []byte {
	const blobContent = "Hello, World!\n"
	blobSum, err := object.BlobSum(strings.NewReader(blobContent), int64(len(blobContent)))
	if err != nil {
		panic(err)
	}
	tree := object.Tree{
		{Name: "hello.txt", Mode: object.ModePlain, ObjectID: blobSum},
	}
	treeData, err := tree.MarshalBinary()
	if err != nil {
		panic(err)
	}
	commitTime := time.Unix(1608391559, 0).In(time.FixedZone("-0800", -8*60*60))
	commit := &object.Commit{
		Tree:       tree.SHA1(),
		Author:     "Octocat <octocat@example.com>",
		AuthorTime: commitTime,
		Committer:  "Octocat <octocat@example.com>",
		CommitTime: commitTime,
		Message:    "First commit\n",
	}
	commitData, err := commit.MarshalBinary()
	if err != nil {
		panic(err)
	}

	buf := new(bytes.Buffer)
	w := packfile.NewWriter(buf, 3)
	for _, obj := range []struct {
		typ  packfile.ObjectType
		data []byte
	}{
		{packfile.Blob, []byte(blobContent)},
		{packfile.Tree, treeData},
		{packfile.Commit, commitData},
	} {
		if _, err := w.WriteHeader(&packfile.Header{Type: obj.typ, Size: int64(len(obj.data))}); err != nil {
			panic(err)
		}
		if _, err := w.Write(obj.data); err != nil {
			panic(err)
		}
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// This example uses ReadHeader to perform random access in a packfile.
func ExampleReadHeader() {
	packData := firstCommitPack()

	// Seek to a specific offset. You can get this from an index or previous read.
	const offset = 12
	r := bytes.NewReader(packData)
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		// handle error
	}

	// Read the object and its header.
	reader := bufio.NewReader(r)
	hdr, err := packfile.ReadHeader(offset, reader)
	if err != nil {
		// handle error
	}
	fmt.Println(hdr.Type)
	// The object is zlib-compressed in the packfile after the header.
	zreader, err := zlib.NewReader(reader)
	if err != nil {
		// handle error
	}
	io.Copy(fmtStdout{}, zreader)

	// Output:
	// OBJ_BLOB
	// Hello, World!
}

func ExampleIndex() {
	packData := firstCommitPack()

	// Index the packfile.
	idx, err := packfile.BuildIndex(bytes.NewReader(packData), int64(len(packData)), nil)
	if err != nil {
		// handle error
	}

	// Print a sorted list of all objects in the packfile.
	for _, id := range idx.ObjectIDs {
		fmt.Println(id)
	}

	// Output:
	// 8ab686eafeb1f44702738c8b0f24f2567c36da6d
	// aef8a4c3fe8d296dec2d9b88d4654cd596927867
	// bc225ea23f53f06c0c5bd3ba2be85c2120d68417
}

// fmtStdout adapts fmt.Print to an io.Writer for use with io.Copy in
// examples, so their "Output:" comments can be checked without importing os.
type fmtStdout struct{}

func (fmtStdout) Write(p []byte) (int, error) {
	fmt.Print(string(p))
	return len(p), nil
}

func ExampleWriter() {
	// Create a writer.
	buf := new(bytes.Buffer)
	const objectCount = 3
	writer := packfile.NewWriter(buf, objectCount)

	// Write a blob.
	const blobContent = "Hello, World!\n"
	_, err := writer.WriteHeader(&packfile.Header{
		Type: packfile.Blob,
		Size: int64(len(blobContent)),
	})
	if err != nil {
		// handle error
	}
	if _, err := io.WriteString(writer, blobContent); err != nil {
		// handle error
	}
	blobSum, err := object.BlobSum(strings.NewReader(blobContent), int64(len(blobContent)))
	if err != nil {
		// handle error
	}

	// Write a tree (directory).
	tree := object.Tree{
		{Name: "hello.txt", Mode: object.ModePlain, ObjectID: blobSum},
	}
	treeData, err := tree.MarshalBinary()
	if err != nil {
		// handle error
	}
	_, err = writer.WriteHeader(&packfile.Header{
		Type: packfile.Tree,
		Size: int64(len(treeData)),
	})
	if err != nil {
		// handle error
	}
	if _, err := writer.Write(treeData); err != nil {
		// handle error
	}

	// Write a commit.
	const user object.User = "Octocat <octocat@example.com>"
	commitTime := time.Unix(1608391559, 0).In(time.FixedZone("-0800", -8*60*60))
	commit := &object.Commit{
		Tree:       tree.SHA1(),
		Author:     user,
		AuthorTime: commitTime,
		Committer:  user,
		CommitTime: commitTime,
		Message:    "First commit\n",
	}
	commitData, err := commit.MarshalBinary()
	if err != nil {
		// handle error
	}
	_, err = writer.WriteHeader(&packfile.Header{
		Type: packfile.Commit,
		Size: int64(len(commitData)),
	})
	if err != nil {
		// handle error
	}
	if _, err := writer.Write(commitData); err != nil {
		// handle error
	}

	// Finish the write.
	if err := writer.Close(); err != nil {
		// handle error
	}
}
