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
	"context"
	"path/filepath"
	"testing"
	"time"

	"gitcore.dev/pkg/git/githash"
	"gitcore.dev/pkg/git/object"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "objects")
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddObjectGetContains(t *testing.T) {
	s := openTestStore(t)

	blob := object.Blob([]byte("hello, world\n"))
	id, err := s.AddObject(blob)
	if err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	if !s.Contains(id) {
		t.Fatalf("Contains(%v) = false, want true", id)
	}

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	gotBlob, ok := got.(object.Blob)
	if !ok {
		t.Fatalf("Get returned %T, want object.Blob", got)
	}
	if string(gotBlob) != string(blob) {
		t.Errorf("Get(%v) = %q, want %q", id, gotBlob, blob)
	}

	// Re-adding the same content must be idempotent.
	id2, err := s.AddObject(blob)
	if err != nil {
		t.Fatalf("AddObject (again): %v", err)
	}
	if id2 != id {
		t.Errorf("AddObject (again) = %v, want %v", id2, id)
	}
}

func TestContainsUnknown(t *testing.T) {
	s := openTestStore(t)
	var randomID githash.SHA1
	if s.Contains(randomID) {
		t.Errorf("Contains(zero) = true, want false")
	}
}

// buildCommitGraph adds a blob, a tree referencing it, and a commit
// referencing the tree into s, returning their ids.
func buildCommitGraph(t *testing.T, s *Store) (blobID, treeID, commitID githash.SHA1) {
	t.Helper()

	blob := object.Blob([]byte("package main\n"))
	blobID, err := s.AddObject(blob)
	if err != nil {
		t.Fatalf("add blob: %v", err)
	}

	tree := object.Tree{
		{Name: "main.go", Mode: object.ModePlain, ObjectID: blobID},
	}
	treeID, err = s.AddObject(tree)
	if err != nil {
		t.Fatalf("add tree: %v", err)
	}

	commit := &object.Commit{
		Tree:       treeID,
		Author:     object.User("Test User <test@example.com>"),
		AuthorTime: time.Unix(1700000000, 0).UTC(),
		Committer:  object.User("Test User <test@example.com>"),
		CommitTime: time.Unix(1700000000, 0).UTC(),
		Message:    "initial commit\n",
	}
	commitID, err = s.AddObject(commit)
	if err != nil {
		t.Fatalf("add commit: %v", err)
	}

	return blobID, treeID, commitID
}

func TestFindMissingObjects(t *testing.T) {
	s := openTestStore(t)
	blobID, treeID, commitID := buildCommitGraph(t, s)

	ids, err := s.FindMissingObjects(context.Background(), nil, []githash.SHA1{commitID}, nil)
	if err != nil {
		t.Fatalf("FindMissingObjects: %v", err)
	}

	want := map[githash.SHA1]bool{blobID: true, treeID: true, commitID: true}
	got := make(map[githash.SHA1]bool)
	for _, id := range ids {
		got[id] = true
	}
	if len(got) != len(want) {
		t.Fatalf("FindMissingObjects returned %d ids, want %d (%v)", len(got), len(want), ids)
	}
	for id := range want {
		if !got[id] {
			t.Errorf("FindMissingObjects missing expected id %v", id)
		}
	}
}

func TestFindMissingObjectsBoundedByHaves(t *testing.T) {
	s := openTestStore(t)
	_, treeID, commitID := buildCommitGraph(t, s)

	ids, err := s.FindMissingObjects(context.Background(), []githash.SHA1{treeID}, []githash.SHA1{commitID}, nil)
	if err != nil {
		t.Fatalf("FindMissingObjects: %v", err)
	}
	if len(ids) != 1 || ids[0] != commitID {
		t.Errorf("FindMissingObjects(haves=[tree], wants=[commit]) = %v, want [commit]", ids)
	}
}

// mkCommit adds a commit with the given parents (all sharing treeID) and
// returns its id.
func mkCommit(t *testing.T, s *Store, treeID githash.SHA1, parents ...githash.SHA1) githash.SHA1 {
	t.Helper()
	c := &object.Commit{
		Tree:       treeID,
		Parents:    parents,
		Author:     object.User("Test User <test@example.com>"),
		AuthorTime: time.Unix(1700000000, 0).UTC(),
		Committer:  object.User("Test User <test@example.com>"),
		CommitTime: time.Unix(1700000000, 0).UTC(),
		Message:    "commit\n",
	}
	id, err := s.AddObject(c)
	if err != nil {
		t.Fatalf("add commit: %v", err)
	}
	return id
}

func TestFindMissingObjectsShallow(t *testing.T) {
	s := openTestStore(t)
	blobID, err := s.AddObject(object.Blob([]byte("package main\n")))
	if err != nil {
		t.Fatalf("add blob: %v", err)
	}
	treeID, err := s.AddObject(object.Tree{
		{Name: "main.go", Mode: object.ModePlain, ObjectID: blobID},
	})
	if err != nil {
		t.Fatalf("add tree: %v", err)
	}

	root := mkCommit(t, s, treeID)
	middle := mkCommit(t, s, treeID, root)
	tip := mkCommit(t, s, treeID, middle)

	ids, err := s.FindMissingObjects(context.Background(), nil, []githash.SHA1{tip}, &FindMissingObjectsOptions{
		Shallow: []githash.SHA1{middle},
	})
	if err != nil {
		t.Fatalf("FindMissingObjects: %v", err)
	}
	got := make(map[githash.SHA1]bool)
	for _, id := range ids {
		got[id] = true
	}
	if got[root] {
		t.Errorf("FindMissingObjects with Shallow=[middle] returned root commit %v, want it excluded", root)
	}
	for _, id := range []githash.SHA1{tip, middle, treeID, blobID} {
		if !got[id] {
			t.Errorf("FindMissingObjects with Shallow=[middle] missing expected id %v", id)
		}
	}
}

// TestFindMissingObjectsShallowSkipsAbsentAncestor confirms that marking a
// commit shallow stops the walk before it ever dereferences that commit's
// parents — so a grafted ancestor that was never stored (as in a real
// shallow clone) never triggers a spurious MissingObjectError.
func TestFindMissingObjectsShallowSkipsAbsentAncestor(t *testing.T) {
	s := openTestStore(t)
	blobID, err := s.AddObject(object.Blob([]byte("package main\n")))
	if err != nil {
		t.Fatalf("add blob: %v", err)
	}
	treeID, err := s.AddObject(object.Tree{
		{Name: "main.go", Mode: object.ModePlain, ObjectID: blobID},
	})
	if err != nil {
		t.Fatalf("add tree: %v", err)
	}

	// absentRoot is never added to s: it stands in for history truncated
	// by a shallow clone.
	absentRoot := githash.SHA1{0xaa, 0xbb, 0xcc}
	middle := mkCommit(t, s, treeID, absentRoot)
	tip := mkCommit(t, s, treeID, middle)

	ids, err := s.FindMissingObjects(context.Background(), nil, []githash.SHA1{tip}, &FindMissingObjectsOptions{
		Shallow: []githash.SHA1{middle},
	})
	if err != nil {
		t.Fatalf("FindMissingObjects: %v", err)
	}
	got := make(map[githash.SHA1]bool)
	for _, id := range ids {
		got[id] = true
	}
	if got[absentRoot] {
		t.Errorf("FindMissingObjects walked past shallow boundary to absent ancestor %v", absentRoot)
	}
}

func TestAddPack(t *testing.T) {
	s := openTestStore(t)
	pw := s.AddPack()

	blob := object.Blob([]byte("packed blob\n"))
	id, err := pw.Add(blob, "packed.txt")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := pw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !s.Contains(id) {
		t.Errorf("Contains(%v) = false after AddPack, want true", id)
	}
	if packs := s.Packs(); len(packs) != 1 {
		t.Errorf("Packs() = %v, want 1 pack", packs)
	}

	typ, data, err := s.GetRaw(id)
	if err != nil {
		t.Fatalf("GetRaw: %v", err)
	}
	if typ != object.TypeBlob || string(data) != string(blob) {
		t.Errorf("GetRaw(%v) = (%v, %q), want (%v, %q)", id, typ, data, object.TypeBlob, blob)
	}
}

func TestAddPackEmptyCloseFails(t *testing.T) {
	s := openTestStore(t)
	pw := s.AddPack()
	if _, err := pw.Close(); err == nil {
		t.Error("Close on empty PackWriter = nil error, want error")
	}
}

func TestGenerateAndIngestPackData(t *testing.T) {
	src := openTestStore(t)
	_, _, commitID := buildCommitGraph(t, src)

	count, stream, err := src.GeneratePackData(context.Background(), nil, []githash.SHA1{commitID}, nil)
	if err != nil {
		t.Fatalf("GeneratePackData: %v", err)
	}
	if count != 3 {
		t.Fatalf("GeneratePackData count = %d, want 3", count)
	}

	dst := openTestStore(t)
	packID, err := dst.AddThinPack(stream)
	if err != nil {
		t.Fatalf("AddThinPack: %v", err)
	}
	if packID == (githash.SHA1{}) {
		t.Errorf("AddThinPack returned zero id")
	}
	if !dst.Contains(commitID) {
		t.Errorf("destination store does not contain %v after ingesting generated pack", commitID)
	}
}
