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
	"errors"
	"fmt"

	"gitcore.dev/pkg/git/githash"
)

// Sentinel errors returned by this package. Use errors.Is to test for them;
// ErrUnsupportedHash is declared in index.go alongside the v3 reader that
// returns it.
var (
	// ErrNotFound is returned when an object id has no corresponding entry
	// in a pack's index.
	ErrNotFound = errors.New("packfile: object not found")
	// ErrChecksumMismatch is returned when a pack or index trailer does not
	// match the SHA-1 computed over the bytes that precede it.
	ErrChecksumMismatch = errors.New("packfile: checksum mismatch")
	// ErrLengthMismatch is returned when an object's decompressed size does
	// not match the size declared in its header.
	ErrLengthMismatch = errors.New("packfile: length mismatch")
	// ErrCircularDelta is returned when a delta chain's base references form
	// a cycle, so no root is ever reached.
	ErrCircularDelta = errors.New("packfile: circular delta chain")
	// ErrCancelled reports a cancelled operation. No function in this package
	// returns it: none of its operations takes an abort signal.
	ErrCancelled = errors.New("packfile: cancelled")
)

// UnresolvedDeltasError is returned by DeltaChainIterator when one or more
// ref-delta bases could not be resolved, either because no resolver was
// configured or because the resolver itself reported the base missing.
type UnresolvedDeltasError struct {
	IDs []githash.SHA1
}

func (e *UnresolvedDeltasError) Error() string {
	return fmt.Sprintf("packfile: %d unresolved delta base(s): %v", len(e.IDs), e.IDs)
}
