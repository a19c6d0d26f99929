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

import "fmt"

// Object is the common interface implemented by Blob, Tree, *Commit, and
// *Tag: anything that can be serialized back into the bytes stored under a
// Git object ID.
type Object interface {
	Type() Type
	MarshalBinary() ([]byte, error)
}

// Parse parses the body of a loose or packed object (the bytes after the
// "<type> <size>\x00" prefix, if any) into the concrete Object for typ. It is
// the single dispatch point store and packfile use once they've read a
// type/body pair off disk, so neither has to know about all four object
// kinds individually.
func Parse(typ Type, body []byte) (Object, error) {
	switch typ {
	case TypeBlob:
		b := make(Blob, len(body))
		copy(b, body)
		return b, nil
	case TypeTree:
		return ParseTree(body)
	case TypeCommit:
		return ParseCommit(body)
	case TypeTag:
		return ParseTag(body)
	default:
		return nil, fmt.Errorf("parse git object: unknown type %q", typ)
	}
}
