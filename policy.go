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
	"regexp"
	"strings"
)

// DeclaredInputsPolicy is the straightforward AccessPolicy derived directly
// from a pip's declared files/directories plus an explicit set of untracked
// search-path roots (§4.3: "permitted ... under its declared dependencies
// and sandbox policy"). It permits a path equal to a declared file, and any
// path that is, or falls under, a declared directory or a search-path root;
// everything else is rejected.
type DeclaredInputsPolicy struct {
	DeclaredFiles []string
	DeclaredDirs  []string
	SearchPaths   []string
	// Filters maps a directory path to the enumeration filter applied to
	// its membership hash, when the pip's tool only cares about a subset
	// of entries (§4.3 "regex-filtered enumeration fingerprinting").
	Filters map[string]*regexp.Regexp
}

func (p *DeclaredInputsPolicy) IsPermitted(path string) bool {
	for _, f := range p.DeclaredFiles {
		if f == path {
			return true
		}
	}
	for _, d := range p.DeclaredDirs {
		if underDir(path, d) {
			return true
		}
	}
	return p.IsUnderSearchPath(path)
}

func (p *DeclaredInputsPolicy) IsUnderSearchPath(path string) bool {
	for _, s := range p.SearchPaths {
		if underDir(path, s) {
			return true
		}
	}
	return false
}

func (p *DeclaredInputsPolicy) EnumerationFilter(dir string) *regexp.Regexp {
	if p.Filters == nil {
		return nil
	}
	return p.Filters[dir]
}

func underDir(path, dir string) bool {
	if path == dir {
		return true
	}
	prefix := dir
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(path, prefix)
}
