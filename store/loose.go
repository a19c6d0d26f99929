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
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zlib"

	"gitcore.dev/pkg/git/githash"
	"gitcore.dev/pkg/git/object"
)

// looseDir stores objects on the local filesystem the way Git itself does:
// each object lives at <dir>/<first-byte-hex>/<remaining-19-bytes-hex>,
// zlib-compressed, written to a temp file and atomically renamed into place.
// This mirrors packfile.ObjectDir's directory-fanout layout but compresses
// the file contents, since (unlike ObjectDir's scratch usage during delta
// resolution) a real loose object is never seeked into, only read whole.
type looseDir string

func (dir looseDir) path(id githash.SHA1) string {
	hexID := id.String()
	return filepath.Join(string(dir), hexID[:2], hexID[2:])
}

func (dir looseDir) has(id githash.SHA1) bool {
	_, err := os.Stat(dir.path(id))
	return err == nil
}

// read opens and fully decompresses the object named by id.
func (dir looseDir) read(id githash.SHA1) (object.Prefix, []byte, error) {
	f, err := os.Open(dir.path(id))
	if err != nil {
		return object.Prefix{}, nil, err
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return object.Prefix{}, nil, fmt.Errorf("store: read loose object %v: %w", id, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return object.Prefix{}, nil, fmt.Errorf("store: read loose object %v: %w", id, err)
	}
	nul := bytes.IndexByte(raw, 0)
	if nul == -1 {
		return object.Prefix{}, nil, fmt.Errorf("store: read loose object %v: missing object prefix", id)
	}
	var prefix object.Prefix
	if err := prefix.UnmarshalBinary(raw[:nul+1]); err != nil {
		return object.Prefix{}, nil, fmt.Errorf("store: read loose object %v: %w", id, err)
	}
	body := raw[nul+1:]
	if int64(len(body)) != prefix.Size {
		return object.Prefix{}, nil, fmt.Errorf("store: read loose object %v: declared size %d, got %d", id, prefix.Size, len(body))
	}
	return prefix, body, nil
}

// write computes typ/body's id, compresses "<type> <size>\0<body>" with
// zlib, and atomically renames it into place. It is a no-op (other than the
// id computation) if the object is already present, matching Git's
// idempotent add_object behavior.
func (dir looseDir) write(typ object.Type, body []byte) (githash.SHA1, error) {
	prefixBytes := object.AppendPrefix(nil, typ, int64(len(body)))
	h := sha1.New()
	h.Write(prefixBytes)
	h.Write(body)
	var id githash.SHA1
	h.Sum(id[:0])

	if dir.has(id) {
		return id, nil
	}

	dst := dir.path(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return githash.SHA1{}, fmt.Errorf("store: write loose object: %w", err)
	}
	tmp, err := os.CreateTemp(string(dir), "object")
	if err != nil {
		return githash.SHA1{}, fmt.Errorf("store: write loose object: %w", err)
	}
	tmpName := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	zw := zlib.NewWriter(tmp)
	if _, err := zw.Write(prefixBytes); err != nil {
		return githash.SHA1{}, fmt.Errorf("store: write loose object %v: %w", id, err)
	}
	if _, err := zw.Write(body); err != nil {
		return githash.SHA1{}, fmt.Errorf("store: write loose object %v: %w", id, err)
	}
	if err := zw.Close(); err != nil {
		return githash.SHA1{}, fmt.Errorf("store: write loose object %v: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return githash.SHA1{}, fmt.Errorf("store: write loose object %v: %w", id, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return githash.SHA1{}, fmt.Errorf("store: write loose object %v: %w", id, err)
	}
	succeeded = true
	return id, nil
}

// idsWithPrefix returns every loose object id whose hex encoding begins with
// prefix (a partial hex string, possibly empty or odd-length).
func (dir looseDir) idsWithPrefix(prefix string) ([]githash.SHA1, error) {
	var byteDirs []string
	if len(prefix) >= 2 {
		byteDirs = []string{prefix[:2]}
	} else {
		entries, err := os.ReadDir(string(dir))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("store: iter prefix: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() && len(e.Name()) == 2 {
				if len(prefix) == 1 && e.Name()[0] != prefix[0] {
					continue
				}
				byteDirs = append(byteDirs, e.Name())
			}
		}
	}

	var ids []githash.SHA1
	for _, bd := range byteDirs {
		entries, err := os.ReadDir(filepath.Join(string(dir), bd))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("store: iter prefix: %w", err)
		}
		for _, e := range entries {
			hexID := bd + e.Name()
			if len(hexID) != githash.SHA1Size*2 || !strings.HasPrefix(hexID, prefix) {
				continue
			}
			raw, err := hex.DecodeString(hexID)
			if err != nil {
				continue
			}
			var id githash.SHA1
			copy(id[:], raw)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// all returns every loose object id.
func (dir looseDir) all() ([]githash.SHA1, error) {
	return dir.idsWithPrefix("")
}
