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
	"sort"
	"strings"
)

// ObservedInputFlags tags what kind of access produced an ObservedInput
// (§3 ObservedPathSet: "FileProbe, DirectoryLocation, Enumeration,
// SearchPath").
type ObservedInputFlags uint8

const (
	FileProbe ObservedInputFlags = 1 << iota
	DirectoryLocation
	Enumeration
	SearchPath
)

func (f ObservedInputFlags) String() string {
	var parts []string
	if f&FileProbe != 0 {
		parts = append(parts, "FileProbe")
	}
	if f&DirectoryLocation != 0 {
		parts = append(parts, "DirectoryLocation")
	}
	if f&Enumeration != 0 {
		parts = append(parts, "Enumeration")
	}
	if f&SearchPath != 0 {
		parts = append(parts, "SearchPath")
	}
	if len(parts) == 0 {
		return "None"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// ObservedInput is one path the sandbox reported as accessed during
// execution, expanded and flagged with how it was accessed (§3). This is
// the type Fingerprinter.Strong folds into the strong fingerprint.
type ObservedInput struct {
	Path  string
	Flags ObservedInputFlags
}

// ObservedPathSet is the full, sorted sequence of observed inputs for one
// execution, plus the enumeration membership fingerprints needed to detect
// a changed directory listing without re-running the pip (§3).
type ObservedPathSet struct {
	Inputs               []ObservedInput
	EnumerationHashes     map[string]Fingerprint // enumerated dir path -> membership hash
}

// Hash returns the content hash of the path set, used as PathSetHash in
// TwoPhaseCachingInfo (§3, §4.4).
func (s ObservedPathSet) Hash() Fingerprint {
	h := HashBytes(s.serializeForHash())
	return h
}

func (s ObservedPathSet) serializeForHash() []byte {
	var buf []byte
	for _, in := range s.Inputs {
		writeLenPrefixed(&buf, in.Path)
		buf = append(buf, byte(in.Flags))
	}
	keys := make([]string, 0, len(s.EnumerationHashes))
	for k := range s.EnumerationHashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeLenPrefixed(&buf, k)
		h := s.EnumerationHashes[k]
		buf = append(buf, h[:]...)
	}
	return buf
}

// lessPathFold orders paths case-insensitively (§4.3 "ordering of entries
// uses case-insensitive path order"), falling back to a case-sensitive
// comparison so two paths differing only in case still sort deterministically
// relative to each other.
func lessPathFold(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la != lb {
		return la < lb
	}
	return a < b
}

func writeLenPrefixed(buf *[]byte, s string) {
	n := len(s)
	*buf = append(*buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	*buf = append(*buf, s...)
}

// ObservedInputStatus classifies the outcome of processing a raw sandbox
// report (§4.3).
type ObservedInputStatus int

const (
	ObservedSuccess ObservedInputStatus = iota
	ObservedMismatched
	ObservedAborted
)

// RawAccess is one file-system access reported by the sandbox before
// validation: a path plus what kind of operation touched it.
type RawAccess struct {
	Path         string
	Probed       bool
	Read         bool
	Enumerated   bool
	SearchProbe  bool
}

// AccessPolicy answers whether a given path is permitted for a pip under its
// declared dependencies and sandbox policy (§4.3: "validates that every
// probed/read/enumerated path is permitted ... under its declared
// dependencies and sandbox policy"). It is supplied by the caller (typically
// derived from PipDeclaration plus a sandbox configuration) rather than
// owned by the processor, since "permitted" depends on filesystem scope
// rules outside this package's concern.
type AccessPolicy interface {
	// IsPermitted reports whether path is allowed to be observed for this
	// pip at all.
	IsPermitted(path string) bool
	// IsUnderSearchPath reports whether path falls under a declared
	// untracked search-path scope, in which case it is recorded with the
	// SearchPath flag; its path and flags still contribute to the strong
	// fingerprint.
	IsUnderSearchPath(path string) bool
	// EnumerationFilter returns an optional filter regex applied before
	// hashing an enumerated directory's membership (§4.3: "search-path vs
	// regex-filtered enumeration fingerprinting"). A nil filter hashes the
	// full listing.
	EnumerationFilter(dir string) *regexp.Regexp
}

// DirectoryLister enumerates a directory's current membership so the
// processor can compute an enumeration fingerprint.
type DirectoryLister interface {
	ListDirectory(path string) ([]string, error)
}

// ObservedInputProcessor implements C6 (§4.3): it turns a raw sandbox report
// into a validated, sorted ObservedPathSet and its strong fingerprint, or
// reports why it could not.
type ObservedInputProcessor struct {
	fp *Fingerprinter
}

// NewObservedInputProcessor returns a processor using fp for strong
// fingerprint composition.
func NewObservedInputProcessor(fp *Fingerprinter) *ObservedInputProcessor {
	return &ObservedInputProcessor{fp: fp}
}

// ObservedInputResult is the outcome of Process.
type ObservedInputResult struct {
	Status            ObservedInputStatus
	PathSet           ObservedPathSet
	StrongFingerprint Fingerprint
	// MismatchedPath / AbortReason are populated only when Status is not
	// ObservedSuccess, for diagnostics (§4.3, §7 ObservedInputMismatchedError
	// / ObservedInputAbortedError).
	MismatchedPath string
	AbortReason    string
}

// Process validates raw against policy, builds the sorted ObservedPathSet,
// enumerates directory membership hashes via lister for every Enumeration
// access, and folds the result into a strong fingerprint seeded from weak
// (§4.3, §6).
//
// The first path not permitted under policy yields ObservedMismatched for
// the whole result, naming that path in MismatchedPath. A directory listing
// failure during enumeration yields ObservedAborted, with the listing error
// in AbortReason.
func (p *ObservedInputProcessor) Process(weak Fingerprint, raw []RawAccess, policy AccessPolicy, lister DirectoryLister) ObservedInputResult {
	var inputs []ObservedInput
	enumDirs := map[string]bool{}

	for _, a := range raw {
		if !policy.IsPermitted(a.Path) {
			return ObservedInputResult{
				Status:         ObservedMismatched,
				MismatchedPath: a.Path,
			}
		}
		var flags ObservedInputFlags
		if a.Probed {
			flags |= FileProbe
		}
		if a.Read {
			flags |= DirectoryLocation
		}
		if a.Enumerated {
			flags |= Enumeration
			enumDirs[a.Path] = true
		}
		if a.SearchProbe || policy.IsUnderSearchPath(a.Path) {
			flags |= SearchPath
		}
		if flags == 0 {
			continue
		}
		inputs = append(inputs, ObservedInput{Path: a.Path, Flags: flags})
	}

	sort.Slice(inputs, func(i, j int) bool { return lessPathFold(inputs[i].Path, inputs[j].Path) })

	enumHashes := make(map[string]Fingerprint, len(enumDirs))
	dirs := make([]string, 0, len(enumDirs))
	for d := range enumDirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	for _, d := range dirs {
		entries, err := lister.ListDirectory(d)
		if err != nil {
			return ObservedInputResult{
				Status:      ObservedAborted,
				AbortReason: err.Error(),
			}
		}
		filtered := entries
		if re := policy.EnumerationFilter(d); re != nil {
			filtered = filtered[:0]
			for _, e := range entries {
				if re.MatchString(e) {
					filtered = append(filtered, e)
				}
			}
		}
		sort.Slice(filtered, func(i, j int) bool { return lessPathFold(filtered[i], filtered[j]) })
		var buf []byte
		for _, e := range filtered {
			writeLenPrefixed(&buf, e)
		}
		enumHashes[d] = HashBytes(buf)
	}

	pathSet := ObservedPathSet{Inputs: inputs, EnumerationHashes: enumHashes}
	strong := p.fp.Strong(weak, pathSet.Hash(), inputs)
	return ObservedInputResult{
		Status:            ObservedSuccess,
		PathSet:           pathSet,
		StrongFingerprint: strong,
	}
}

// Rehash recomputes the strong fingerprint for an already-validated path set
// under stricter unsafe options (§4.3 "re-hashing under stricter unsafe
// options" — e.g. a build re-run with relaxed-double-writes disabled needs
// its cache keys to stop matching runs that tolerated them). Only inputs
// whose flags survive keep are retained before re-hashing.
func (p *ObservedInputProcessor) Rehash(weak Fingerprint, set ObservedPathSet, keep func(ObservedInput) bool) (ObservedPathSet, Fingerprint) {
	var kept []ObservedInput
	for _, in := range set.Inputs {
		if keep == nil || keep(in) {
			kept = append(kept, in)
		}
	}
	narrowed := ObservedPathSet{Inputs: kept, EnumerationHashes: set.EnumerationHashes}
	return narrowed, p.fp.Strong(weak, narrowed.Hash(), kept)
}
