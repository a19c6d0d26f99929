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
	"crypto/sha1"
	"fmt"
	"io"
	"sort"

	"gitcore.dev/pkg/git/delta"
	"gitcore.dev/pkg/git/githash"
	"gitcore.dev/pkg/git/object"
)

// ResolverFunc looks up an object that a thin pack's ref-delta entries
// reference but that is not itself present in the pack. It must return an
// error for which errors.Is(err, ErrNotFound) reports true if the object is
// unknown.
type ResolverFunc func(id githash.SHA1) (object.Type, []byte, error)

// ResolvedObject is a fully reconstructed object produced by a
// DeltaChainIterator: its computed ID, type, and body, plus the offset and
// CRC32 recorded for the entry it came from. Offset and CRC32 are zero for
// an object that only exists outside the pack, grafted in via a
// DeltaChainIterator's ResolverFunc.
type ResolvedObject struct {
	ID     githash.SHA1
	Type   object.Type
	Data   []byte
	Offset int64
	CRC32  uint32
}

// DeltaChainIteratorOptions contains optional parameters for
// NewDeltaChainIterator.
type DeltaChainIteratorOptions struct {
	// Resolver, if non-nil, is consulted for a ref-delta base object that
	// does not appear anywhere else in the pack (a "thin pack" base). If nil,
	// any such reference makes the walk fail with *UnresolvedDeltasError.
	Resolver ResolverFunc
	// Only, if non-empty, restricts the objects Next emits to those whose
	// computed ID appears in this set. Every delta chain is still walked to
	// completion regardless of Only, since an object's ID cannot be known
	// until its chain is fully resolved.
	Only []githash.SHA1
}

// DeltaChainIterator walks every object in a pack exactly once, emitting
// each with its delta chain (if any) fully resolved, in a depth-first order
// that never visits an object before its delta base. It holds a
// reconstructed body in memory only while at least one of its direct
// children has not yet finished processing, so peak memory is bounded by
// the longest chain depth rather than the size of the whole pack.
type DeltaChainIterator struct {
	pack     *Pack
	resolver ResolverFunc
	only     map[githash.SHA1]struct{}

	prepared bool
	err      error

	entries     map[int64]*UnpackedObject
	ofsChildren map[int64][]int64
	refChildren map[githash.SHA1][]int64
	roots       []int64
	rootIdx     int

	resolvedType map[int64]object.Type
	body         map[int64][]byte
	visited      map[int64]bool

	stack []*chainFrame

	unresolved    []githash.SHA1
	syntheticNext int64
}

type chainFrame struct {
	offset   int64
	children []int64
	next     int
}

// NewDeltaChainIterator returns an iterator over every object in pack. opts
// may be nil, which is equivalent to a zero DeltaChainIteratorOptions.
func NewDeltaChainIterator(pack *Pack, opts *DeltaChainIteratorOptions) *DeltaChainIterator {
	it := &DeltaChainIterator{pack: pack, syntheticNext: -1}
	if opts != nil {
		it.resolver = opts.Resolver
		if len(opts.Only) > 0 {
			it.only = make(map[githash.SHA1]struct{}, len(opts.Only))
			for _, id := range opts.Only {
				it.only[id] = struct{}{}
			}
		}
	}
	return it
}

func (it *DeltaChainIterator) prepare() error {
	ui := it.pack.IterUnpacked()
	entries := make(map[int64]*UnpackedObject, it.pack.Len())
	var order []int64
	for {
		obj, ok := ui.Next()
		if !ok {
			break
		}
		entries[obj.Offset] = obj
		order = append(order, obj.Offset)
	}
	if err := ui.Err(); err != nil {
		return fmt.Errorf("prepare: %w", err)
	}

	idToOffset := make(map[githash.SHA1]int64, len(it.pack.idx.ObjectIDs))
	for i, id := range it.pack.idx.ObjectIDs {
		idToOffset[id] = it.pack.idx.Offsets[i]
	}

	ofsChildren := make(map[int64][]int64)
	refChildren := make(map[githash.SHA1][]int64)
	var roots []int64
	for _, off := range order {
		e := entries[off]
		switch {
		case e.Type.NonDelta() != "":
			roots = append(roots, off)
		case e.Type == OffsetDelta:
			ofsChildren[e.BaseOffset] = append(ofsChildren[e.BaseOffset], off)
		case e.Type == RefDelta:
			if baseOff, ok := idToOffset[e.BaseObject]; ok {
				ofsChildren[baseOff] = append(ofsChildren[baseOff], off)
			} else {
				refChildren[e.BaseObject] = append(refChildren[e.BaseObject], off)
			}
		default:
			return fmt.Errorf("prepare: object at %d has invalid type %v", off, e.Type)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	it.entries = entries
	it.ofsChildren = ofsChildren
	it.refChildren = refChildren
	it.roots = roots
	it.resolvedType = make(map[int64]object.Type)
	it.body = make(map[int64][]byte)
	it.visited = make(map[int64]bool, len(entries))
	return nil
}

// Next returns the next resolved object, in dependency order. It returns
// io.EOF once every object has been visited. If a ref-delta base could not
// be resolved, it returns a *UnresolvedDeltasError; if the pack's delta
// references form a cycle, it returns an error wrapping ErrCircularDelta.
func (it *DeltaChainIterator) Next() (*ResolvedObject, error) {
	if it.err != nil {
		return nil, it.err
	}
	res, err := it.next()
	if err != nil {
		it.err = err
	}
	return res, err
}

func (it *DeltaChainIterator) next() (*ResolvedObject, error) {
	if !it.prepared {
		if err := it.prepare(); err != nil {
			return nil, err
		}
		it.prepared = true
	}
	for {
		if len(it.stack) == 0 {
			res, done, err := it.startNext()
			if err != nil || !done {
				return res, err
			}
			if res != nil {
				return res, nil
			}
			continue
		}

		top := it.stack[len(it.stack)-1]
		if top.next >= len(top.children) {
			// Every child has had delta.Apply run against top's body; nothing
			// below this frame will read it again.
			it.stack = it.stack[:len(it.stack)-1]
			delete(it.body, top.offset)
			continue
		}
		childOffset := top.children[top.next]
		top.next++

		childEntry := it.entries[childOffset]
		if childEntry == nil {
			return nil, fmt.Errorf("packfile: delta chain: object at %d references missing offset %d", top.offset, childOffset)
		}
		base := it.body[top.offset]
		target, err := delta.Apply(base, childEntry.Data)
		if err != nil {
			return nil, fmt.Errorf("packfile: delta chain: reconstruct object at %d: %w", childOffset, err)
		}
		res := it.visit(childOffset, it.resolvedType[top.offset], target)
		if it.shouldEmit(res.ID) {
			return res, nil
		}
	}
}

// startNext begins walking the next root (in-pack or synthetic) and returns
// its ResolvedObject. done reports whether the caller should stop trying
// (either because a result was produced, or because the walk is finished or
// failed); when done is false, the caller should loop back to draining the
// stack that startNext just pushed onto.
func (it *DeltaChainIterator) startNext() (res *ResolvedObject, done bool, err error) {
	if it.rootIdx < len(it.roots) {
		offset := it.roots[it.rootIdx]
		it.rootIdx++
		e := it.entries[offset]
		result := it.visit(offset, e.Type.NonDelta(), e.Data)
		if it.shouldEmit(result.ID) {
			return result, true, nil
		}
		return nil, false, nil
	}
	if len(it.refChildren) > 0 {
		if it.resolver == nil {
			return nil, true, it.unresolvedErr()
		}
		result, ok, rerr := it.resolveOneExternal()
		if rerr != nil {
			return nil, true, rerr
		}
		if !ok {
			if len(it.unresolved) > 0 {
				return nil, true, it.unresolvedErr()
			}
			return nil, true, io.EOF
		}
		if it.shouldEmit(result.ID) {
			return result, true, nil
		}
		return nil, false, nil
	}
	if len(it.visited) < len(it.entries) {
		return nil, true, fmt.Errorf("packfile: delta chain: %d object(s) unreachable from any root: %w", len(it.entries)-len(it.visited), ErrCircularDelta)
	}
	return nil, true, io.EOF
}

// resolveOneExternal resolves a single pending thin-pack base via the
// configured resolver and grafts it into the walk as a synthetic root whose
// children are the in-pack entries that deltified against it.
func (it *DeltaChainIterator) resolveOneExternal() (*ResolvedObject, bool, error) {
	for id, children := range it.refChildren {
		delete(it.refChildren, id)
		typ, data, resolveErr := it.resolver(id)
		if resolveErr != nil {
			it.unresolved = append(it.unresolved, id)
			continue
		}
		synth := it.syntheticNext
		it.syntheticNext--
		it.ofsChildren[synth] = children
		it.entries[synth] = &UnpackedObject{}
		return it.visit(synth, typ, data), true, nil
	}
	return nil, false, nil
}

func (it *DeltaChainIterator) unresolvedErr() error {
	ids := it.unresolved
	for id := range it.refChildren {
		ids = append(ids, id)
	}
	return &UnresolvedDeltasError{IDs: ids}
}

// visit records offset's reconstructed body, pushes a walk frame for its
// children, and computes the resulting ResolvedObject.
func (it *DeltaChainIterator) visit(offset int64, typ object.Type, body []byte) *ResolvedObject {
	children := it.ofsChildren[offset]
	it.body[offset] = body
	it.resolvedType[offset] = typ
	it.visited[offset] = true
	it.stack = append(it.stack, &chainFrame{offset: offset, children: children})

	entry := it.entries[offset]
	return &ResolvedObject{
		ID:     idFor(typ, body),
		Type:   typ,
		Data:   body,
		Offset: entry.Offset,
		CRC32:  entry.CRC32,
	}
}

func (it *DeltaChainIterator) shouldEmit(id githash.SHA1) bool {
	if it.only == nil {
		return true
	}
	_, ok := it.only[id]
	return ok
}

func idFor(typ object.Type, body []byte) githash.SHA1 {
	h := sha1.New()
	h.Write(object.AppendPrefix(nil, typ, int64(len(body))))
	h.Write(body)
	var id githash.SHA1
	h.Sum(id[:0])
	return id
}
