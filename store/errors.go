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
	"errors"
	"fmt"

	"gitcore.dev/pkg/git/githash"
)

// ErrNotFound is returned (wrapped) when an object id has no entry anywhere
// in a Store: not loose, not in any loaded pack, not in any alternate.
var ErrNotFound = errors.New("store: object not found")

// MissingObjectError reports that an object reachable from a
// GeneratePackData or missing-object walk is absent from the store.
type MissingObjectError struct {
	ID githash.SHA1
}

func (e *MissingObjectError) Error() string {
	return fmt.Sprintf("store: missing object %v", e.ID)
}

func (e *MissingObjectError) Is(target error) bool {
	return target == ErrNotFound
}
