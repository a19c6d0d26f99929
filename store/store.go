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

// Package store implements the union object store facade over a Git
// objects directory: loose objects plus zero or more loaded packs, with
// lookup, addition, iteration, thin-pack completion, and pack-data
// generation for a fetch/clone protocol layer above this package.
package store

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gitcore.dev/pkg/git/internal/lrucache"
	"gitcore.dev/pkg/git/object"
	"gitcore.dev/pkg/git/packfile"
)

// AlternateResolver discovers the alternate object directories for the
// objects directory at dir (e.g. by reading dir/info/alternates). It
// returns paths as written in the file: absolute, or relative to dir.
type AlternateResolver func(dir string) ([]string, error)

// Options configures a Store.
type Options struct {
	// Logger receives a warning for each pack skipped at Open; nothing else
	// is logged. Defaults to slog.Default().
	Logger *slog.Logger
	// CacheSize bounds the number of parsed raw objects kept in memory.
	// Zero disables caching.
	CacheSize int
	// AlternateResolver overrides how "objects/info/alternates" is
	// discovered and parsed. Defaults to defaultAlternateResolver.
	AlternateResolver AlternateResolver
}

// rawObject is the cached unit: a type/body pair, keyed by object id.
type rawObject struct {
	typ  object.Type
	data []byte
}

type loadedPack struct {
	pack *packfile.Pack
	keep bool
	mu   sync.Mutex
	ud   packfile.Undeltifier
}

// PackInfo describes one pack loaded into a Store.
type PackInfo struct {
	Path string
	Len  int
	Keep bool
}

// Store is the union facade over a Git objects directory: loose objects
// plus zero or more packs, discovered by scanning objects/pack at Open and
// lazily mmapped (via packfile.Pack) as soon as any pack is opened.
//
// A *Store is safe for concurrent use: the loaded-pack set is guarded by a
// read/write mutex, and reads from a pack also hold that pack's own mutex
// while its Undeltifier is in use.
type Store struct {
	dir    string
	loose  looseDir
	logger *slog.Logger

	mu         sync.RWMutex
	packs      []*loadedPack
	alternates []*Store

	cache *lrucache.Cache[rawObject]
}

// Open opens the object store rooted at objectsDir (a path ending in
// "objects", as in "<repo>/.git/objects"). It scans objectsDir/pack for
// ".pack" files, skipping (and logging) any that fail Pack.Check or whose
// companion index is missing or inconsistent, and recursively resolves
// alternates via opts.AlternateResolver (or its default).
func Open(objectsDir string, opts *Options) (*Store, error) {
	return openWithVisited(objectsDir, opts, make(map[string]bool))
}

func openWithVisited(objectsDir string, opts *Options, visited map[string]bool) (*Store, error) {
	abs, err := filepath.Abs(objectsDir)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", objectsDir, err)
	}
	if visited[abs] {
		return nil, nil
	}
	visited[abs] = true

	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := opts.AlternateResolver
	if resolver == nil {
		resolver = defaultAlternateResolver
	}

	s := &Store{
		dir:    abs,
		loose:  looseDir(abs),
		logger: logger,
	}
	if opts.CacheSize > 0 {
		s.cache = lrucache.New[rawObject](opts.CacheSize)
	}

	packDir := filepath.Join(abs, "pack")
	entries, err := os.ReadDir(packDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: open %s: %w", objectsDir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".pack") {
			continue
		}
		packPath := filepath.Join(packDir, name)
		p, err := packfile.Open(packPath)
		if err != nil {
			logger.Warn("skipping pack that failed to open", "path", packPath, "err", err)
			continue
		}
		if err := p.Check(); err != nil {
			logger.Warn("skipping pack that failed checksum verification", "path", packPath, "err", err)
			p.Close()
			continue
		}
		_, keepErr := os.Stat(strings.TrimSuffix(packPath, ".pack") + ".keep")
		s.packs = append(s.packs, &loadedPack{pack: p, keep: keepErr == nil})
	}

	altPaths, err := resolver(abs)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: resolve alternates: %w", objectsDir, err)
	}
	for _, altPath := range altPaths {
		if !filepath.IsAbs(altPath) {
			altPath = filepath.Join(abs, altPath)
		}
		alt, err := openWithVisited(altPath, opts, visited)
		if err != nil {
			return nil, fmt.Errorf("store: open %s: alternate %s: %w", objectsDir, altPath, err)
		}
		if alt != nil {
			s.alternates = append(s.alternates, alt)
		}
	}

	return s, nil
}

// defaultAlternateResolver reads dir/info/alternates, one path per line,
// ignoring blank lines and lines starting with '#', matching dulwich's
// handling of paths as relative to dir (the objects directory) rather than
// the repository root.
func defaultAlternateResolver(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, "info", "alternates"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return paths, nil
}

// Close unmaps every loaded pack (including alternates'). It does not
// remove anything from disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, lp := range s.packs {
		if err := lp.pack.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, alt := range s.alternates {
		if err := alt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Packs returns metadata about every pack directly loaded into s, in load
// order. It does not recurse into alternates.
func (s *Store) Packs() []PackInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]PackInfo, len(s.packs))
	for i, lp := range s.packs {
		infos[i] = PackInfo{Path: lp.pack.Path(), Len: lp.pack.Len(), Keep: lp.keep}
	}
	return infos
}
