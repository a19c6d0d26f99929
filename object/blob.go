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

package object

import (
	"crypto/sha1"

	"gitcore.dev/pkg/git/githash"
)

// A Blob is a Git blob object: an opaque run of bytes with no further
// structure of its own. Unlike Tree, Commit, and Tag, a blob's body is never
// parsed.
type Blob []byte

// Type returns TypeBlob.
func (Blob) Type() Type { return TypeBlob }

// MarshalBinary returns the blob's bytes unchanged.
func (b Blob) MarshalBinary() ([]byte, error) {
	return []byte(b), nil
}

// UnmarshalBinary replaces b's contents with src. The returned blob aliases
// src; callers that need an independent copy should clone it first.
func (b *Blob) UnmarshalBinary(src []byte) error {
	*b = Blob(src)
	return nil
}

// SHA1 computes the blob's object ID.
func (b Blob) SHA1() githash.SHA1 {
	h := sha1.New()
	h.Write(AppendPrefix(nil, TypeBlob, int64(len(b))))
	h.Write(b)
	var arr githash.SHA1
	h.Sum(arr[:0])
	return arr
}
