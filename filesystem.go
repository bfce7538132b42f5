// Copyright 2011 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipcore

import (
	"fmt"
	"sort"
	"sync"
)

// FileSystem abstracts the materialized-output store: content-addressed
// reads and writes keyed by Fingerprint, plus a directory listing used by
// ObservedInputProcessor. A real implementation backs this with a local
// disk cache or a remote CAS; the in-memory implementation below exists for
// tests and the demo host.
type FileSystem interface {
	DirectoryLister

	// WriteContent stores b under its content hash and returns that hash.
	WriteContent(b []byte) (Fingerprint, error)
	// ReadContent retrieves previously stored content by hash.
	ReadContent(h Fingerprint) ([]byte, error)
	// Materialize writes content h to path, recording it for later listing.
	Materialize(path string, h Fingerprint) error
	// Exists reports whether path has been materialized.
	Exists(path string) bool
}

// MemFileSystem is an in-memory FileSystem: content keyed by its own
// fingerprint, paths mapped to the content they currently hold, and parent
// directories inferred from materialized paths for ListDirectory.
type MemFileSystem struct {
	mu      sync.Mutex
	content map[Fingerprint][]byte
	paths   map[string]Fingerprint
}

// NewMemFileSystem returns an empty in-memory filesystem.
func NewMemFileSystem() *MemFileSystem {
	return &MemFileSystem{
		content: make(map[Fingerprint][]byte),
		paths:   make(map[string]Fingerprint),
	}
}

func (m *MemFileSystem) WriteContent(b []byte) (Fingerprint, error) {
	h := HashBytes(b)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[h] = append([]byte(nil), b...)
	return h, nil
}

func (m *MemFileSystem) ReadContent(h Fingerprint) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.content[h]
	if !ok {
		return nil, &IoError{Path: h.String(), Inner: fmt.Errorf("content not found")}
	}
	return append([]byte(nil), b...), nil
}

func (m *MemFileSystem) Materialize(path string, h Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.content[h]; !ok && h != AbsentFileHash {
		return &IoError{Path: path, Inner: fmt.Errorf("content %s not in store", h)}
	}
	m.paths[path] = h
	return nil
}

func (m *MemFileSystem) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.paths[path]
	return ok
}

// ListDirectory returns the materialized immediate children of dir, sorted.
// It is a naive O(paths) scan appropriate for tests, not production scale.
func (m *MemFileSystem) ListDirectory(dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := dir
	if len(prefix) == 0 || prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	seen := map[string]bool{}
	for p := range m.paths {
		if len(p) <= len(prefix) || p[:len(prefix)] != prefix {
			continue
		}
		rest := p[len(prefix):]
		for i, c := range rest {
			if c == '/' {
				rest = rest[:i]
				break
			}
		}
		seen[rest] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
