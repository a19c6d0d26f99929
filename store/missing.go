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
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"gitcore.dev/pkg/git/githash"
	"gitcore.dev/pkg/git/object"
	"gitcore.dev/pkg/git/packfile"
)

// missingWalkConcurrency bounds how many objects are fetched and parsed at
// once while walking a commit/tree graph, since each fetch may touch a
// packfile's mmap view or the loose-object directory.
const missingWalkConcurrency = 8

// ParentsFunc overrides how a commit's parents are determined while walking
// history, permitting graft/shallow overrides (spec.md §6: "Parents
// function (consumed by the missing-object finder): (commit_id) ->
// [commit_id], permitting graft/shallow overrides"). A nil ParentsFunc uses
// the commit's own Parents field.
type ParentsFunc func(id githash.SHA1, commit *object.Commit) []githash.SHA1

// FindMissingObjectsOptions carries the optional shallow set and parents
// override spec.md §4.7 and §6 name alongside haves/wants.
type FindMissingObjectsOptions struct {
	// Shallow lists commit ids whose history is truncated: the walk
	// includes the commit itself (and its tree) but never descends into
	// its parents, as if it had none.
	Shallow []githash.SHA1
	// Parents, if non-nil, overrides parent resolution for every commit
	// visited (not just shallow ones). See ParentsFunc.
	Parents ParentsFunc
}

// children returns the ids obj directly references: a commit's tree and
// parents (unless id is in shallow, or parentsFn overrides them), a tag's
// target, or a tree's non-gitlink entries. Gitlink entries point into
// another repository's object space and are never walked.
func children(id githash.SHA1, obj object.Object, shallow map[githash.SHA1]bool, parentsFn ParentsFunc) []githash.SHA1 {
	switch o := obj.(type) {
	case *object.Commit:
		ids := make([]githash.SHA1, 0, 1+len(o.Parents))
		ids = append(ids, o.Tree)
		if !shallow[id] {
			if parentsFn != nil {
				ids = append(ids, parentsFn(id, o)...)
			} else {
				ids = append(ids, o.Parents...)
			}
		}
		return ids
	case *object.Tag:
		return []githash.SHA1{o.ObjectID}
	case object.Tree:
		ids := make([]githash.SHA1, 0, len(o))
		for _, ent := range o {
			if ent.Mode == object.ModeGitlink {
				continue
			}
			ids = append(ids, ent.ObjectID)
		}
		return ids
	default:
		return nil
	}
}

// walkReachable performs a bounded-concurrency BFS from roots, calling
// visit(id, obj) exactly once for every distinct object reached (including
// the roots themselves). If required is true, a missing object aborts the
// walk with a *MissingObjectError; otherwise a missing object is treated as
// a leaf (useful for the haves closure, which is a best-effort boundary).
//
// boundary, if non-nil, stops descent at any id it contains: visit still
// runs for that id, but its children are never enqueued. This is how the
// wants walk avoids crossing into the haves closure — and, on a
// shallow/partial repo, avoids reaching objects that are legitimately
// absent beyond that boundary and raising a spurious *MissingObjectError.
// shallow and parentsFn are forwarded to children for commit parent
// resolution; see FindMissingObjectsOptions.
func (s *Store) walkReachable(ctx context.Context, roots []githash.SHA1, required bool, boundary, shallow map[githash.SHA1]bool, parentsFn ParentsFunc, visit func(githash.SHA1, object.Object)) error {
	sem := semaphore.NewWeighted(missingWalkConcurrency)

	var mu sync.Mutex
	visited := make(map[githash.SHA1]bool)
	frontier := append([]githash.SHA1(nil), roots...)
	for _, id := range frontier {
		visited[id] = true
	}

	for len(frontier) > 0 {
		next := frontier
		frontier = nil
		var wg sync.WaitGroup
		var firstErr error
		var nextMu sync.Mutex

		for _, id := range next {
			id := id
			if err := sem.Acquire(ctx, 1); err != nil {
				return fmt.Errorf("store: missing object walk: %w", err)
			}
			wg.Add(1)
			go func() {
				defer sem.Release(1)
				defer wg.Done()

				obj, err := s.Get(id)
				if err != nil {
					if !required {
						return
					}
					nextMu.Lock()
					if firstErr == nil {
						if errors.Is(err, ErrNotFound) || errors.Is(err, packfile.ErrNotFound) {
							firstErr = &MissingObjectError{ID: id}
						} else {
							firstErr = err
						}
					}
					nextMu.Unlock()
					return
				}

				visit(id, obj)

				if boundary[id] {
					// A have (or shallow-graft) boundary: this object
					// itself is in scope, but nothing past it is.
					return
				}

				kids := children(id, obj, shallow, parentsFn)
				nextMu.Lock()
				for _, kid := range kids {
					mu.Lock()
					already := visited[kid]
					if !already {
						visited[kid] = true
					}
					mu.Unlock()
					if !already {
						frontier = append(frontier, kid)
					}
				}
				nextMu.Unlock()
			}()
		}
		wg.Wait()
		if firstErr != nil {
			return firstErr
		}
	}
	return nil
}

// FindMissingObjects computes the set of objects reachable from wants but
// not from haves: haves acts as a boundary the walk never crosses past
// (objects reachable from a have are excluded even if also reachable from a
// want, and the walk never descends past a have into its own history or
// tree). opts may be nil, equivalent to an empty FindMissingObjectsOptions.
// The result order is unspecified. Returns a *MissingObjectError if an
// object reachable from wants is absent from the store, unless reaching it
// would have required crossing the haves boundary or descending past a
// shallow commit.
func (s *Store) FindMissingObjects(ctx context.Context, haves, wants []githash.SHA1, opts *FindMissingObjectsOptions) ([]githash.SHA1, error) {
	if opts == nil {
		opts = &FindMissingObjectsOptions{}
	}
	shallow := make(map[githash.SHA1]bool, len(opts.Shallow))
	for _, id := range opts.Shallow {
		shallow[id] = true
	}

	haveClosure := make(map[githash.SHA1]bool)
	var haveMu sync.Mutex
	if err := s.walkReachable(ctx, haves, false, nil, shallow, opts.Parents, func(id githash.SHA1, _ object.Object) {
		haveMu.Lock()
		haveClosure[id] = true
		haveMu.Unlock()
	}); err != nil {
		return nil, err
	}

	var missing []githash.SHA1
	var missingMu sync.Mutex
	// haveClosure doubles as the wants walk's boundary: once a node in it
	// is reached, its children are never enqueued (see walkReachable), so
	// the walk never descends past the haves frontier into objects a
	// shallow/partial store may legitimately not have.
	err := s.walkReachable(ctx, wants, true, haveClosure, shallow, opts.Parents, func(id githash.SHA1, _ object.Object) {
		if haveClosure[id] {
			return
		}
		missingMu.Lock()
		missing = append(missing, id)
		missingMu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}
