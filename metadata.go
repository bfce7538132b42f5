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
	"encoding/json"
	"fmt"
)

// ReparsePointInfo carries the minimal information about a reparse point
// (symlink/junction) needed to decide cacheability. The core does not
// validate reparse-point chains itself (§1 Non-goals); it only needs to know
// one exists so FileMaterializationInfo.IsCacheable can exclude it.
type ReparsePointInfo struct {
	Present bool
	Target  string
}

// AbsentFileHash is the sentinel content hash meaning "this declared output
// was not produced" (§3 FileMaterializationInfo "the sentinel absent-file
// hash").
var AbsentFileHash = Fingerprint{}

// FileMaterializationInfo describes one materialized (or absent) output
// file (§3).
type FileMaterializationInfo struct {
	ContentHash Fingerprint
	Length      int64
	FileName    string
	Reparse     ReparsePointInfo
}

// IsCacheable excludes reparse points and the sentinel absent-file hash
// (§3).
func (f FileMaterializationInfo) IsCacheable() bool {
	if f.Reparse.Present {
		return false
	}
	return f.ContentHash != AbsentFileHash
}

// CacheEntry is the external cache's record for one (weak, path-set,
// strong) key: a metadata blob reference plus the full list of content this
// entry depends on (§3, §6). OriginatingCache is a free-form attribution tag
// that must survive round-trip unchanged (§6).
type CacheEntry struct {
	MetadataHash     Fingerprint
	OriginatingCache string
	ReferencedContent []Fingerprint
}

// TwoPhaseCachingInfo is the full result of a successful two-phase lookup or
// publish, serializable with fixed field ordering and encoding (§3).
type TwoPhaseCachingInfo struct {
	WeakFingerprint   Fingerprint
	PathSetHash       Fingerprint
	StrongFingerprint Fingerprint
	Entry             CacheEntry
}

// StdStream describes a captured stdout/stderr blob.
type StdStream struct {
	Path     string
	Hash     Fingerprint
	Encoding string
}

// PipCacheDescriptorV2Metadata is the schema-versioned record stored,
// content-addressed, alongside a cache entry (§3, §6). DynamicOutputs is
// indexed per opaque (dynamic seal-directory) output, each holding the list
// of (relative path, materialization info) pairs discovered at execution
// time.
type PipCacheDescriptorV2Metadata struct {
	SchemaVersion     int
	WeakFingerprint   string
	StrongFingerprint string
	SemiStablePipId   string
	TotalOutputSize   int64
	StaticOutputHashes []Fingerprint
	DynamicOutputs    [][]DynamicOutputEntry
	Stdout            *StdStream
	Stderr            *StdStream
	WarningCount      int
}

// DynamicOutputEntry is one entry of a dynamic (opaque) seal-directory's
// discovered contents.
type DynamicOutputEntry struct {
	RelativePath string
	Info         FileMaterializationInfo
}

const metadataSchemaVersion = 2

type wireFileInfo struct {
	Hash     string `json:"hash"`
	Len      int64  `json:"len"`
	Name     string `json:"name,omitempty"`
	Reparse  bool   `json:"reparse,omitempty"`
	Target   string `json:"target,omitempty"`
}

type wireDynamicEntry struct {
	Path string       `json:"path"`
	Info wireFileInfo `json:"info"`
}

type wireStdStream struct {
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	Encoding string `json:"encoding"`
}

// wireMetadata is the JSON-on-the-wire shape. Unknown trailing fields are
// ignored on read (json.Unmarshal's default behavior already does this);
// unknown *required* fields (SchemaVersion mismatch) cause
// MissDueToInvalidDescriptors per §6.
type wireMetadata struct {
	SchemaVersion      int                  `json:"schema_version"`
	WeakFingerprint    string               `json:"weak_fp"`
	StrongFingerprint  string               `json:"strong_fp"`
	SemiStablePipId    string               `json:"pip_id"`
	TotalOutputSize    int64                `json:"total_output_size"`
	StaticOutputHashes []string             `json:"static_output_hashes"`
	DynamicOutputs     [][]wireDynamicEntry `json:"dynamic_outputs"`
	Stdout             *wireStdStream       `json:"stdout,omitempty"`
	Stderr             *wireStdStream       `json:"stderr,omitempty"`
	WarningCount       int                  `json:"warning_count"`
}

// Serialize renders m to its stable, content-addressed wire format (§3,
// §6). The format is schema-versioned JSON: forward-compatible by
// construction (unknown trailing fields ignored on read) and easy to
// content-address deterministically since Go's encoding/json emits map keys
// (there are none of significance here) and struct fields in a fixed order.
func (m PipCacheDescriptorV2Metadata) Serialize() []byte {
	w := wireMetadata{
		SchemaVersion:     metadataSchemaVersion,
		WeakFingerprint:   m.WeakFingerprint,
		StrongFingerprint: m.StrongFingerprint,
		SemiStablePipId:   m.SemiStablePipId,
		TotalOutputSize:   m.TotalOutputSize,
		WarningCount:      m.WarningCount,
	}
	for _, h := range m.StaticOutputHashes {
		w.StaticOutputHashes = append(w.StaticOutputHashes, h.String())
	}
	for _, dir := range m.DynamicOutputs {
		var wd []wireDynamicEntry
		for _, e := range dir {
			wd = append(wd, wireDynamicEntry{
				Path: e.RelativePath,
				Info: wireFileInfo{
					Hash:    e.Info.ContentHash.String(),
					Len:     e.Info.Length,
					Name:    e.Info.FileName,
					Reparse: e.Info.Reparse.Present,
					Target:  e.Info.Reparse.Target,
				},
			})
		}
		w.DynamicOutputs = append(w.DynamicOutputs, wd)
	}
	if m.Stdout != nil {
		w.Stdout = &wireStdStream{Path: m.Stdout.Path, Hash: m.Stdout.Hash.String(), Encoding: m.Stdout.Encoding}
	}
	if m.Stderr != nil {
		w.Stderr = &wireStdStream{Path: m.Stderr.Path, Hash: m.Stderr.Hash.String(), Encoding: m.Stderr.Encoding}
	}
	b, err := json.Marshal(w)
	if err != nil {
		// json.Marshal only fails on unsupported types (channels, funcs); none
		// appear in wireMetadata, so this is a contract violation, not a
		// recoverable I/O error.
		graphContract("metadata serialize: %v", err)
	}
	return b
}

// DeserializeMetadata parses a blob produced by Serialize. A malformed
// descriptor (bad JSON, or a schema version this code doesn't understand)
// returns MissDueToInvalidDescriptors per §6/§4.4 step 6.
func DeserializeMetadata(b []byte) (PipCacheDescriptorV2Metadata, error) {
	var w wireMetadata
	if err := json.Unmarshal(b, &w); err != nil {
		return PipCacheDescriptorV2Metadata{}, &CacheMissError{Reason: MissInvalidDescriptor}
	}
	if w.SchemaVersion > metadataSchemaVersion {
		return PipCacheDescriptorV2Metadata{}, &CacheMissError{Reason: MissInvalidDescriptor}
	}
	m := PipCacheDescriptorV2Metadata{
		SchemaVersion:     w.SchemaVersion,
		WeakFingerprint:   w.WeakFingerprint,
		StrongFingerprint: w.StrongFingerprint,
		SemiStablePipId:   w.SemiStablePipId,
		TotalOutputSize:   w.TotalOutputSize,
		WarningCount:      w.WarningCount,
	}
	for _, s := range w.StaticOutputHashes {
		fp, err := parseFingerprint(s)
		if err != nil {
			return PipCacheDescriptorV2Metadata{}, &CacheMissError{Reason: MissInvalidDescriptor}
		}
		m.StaticOutputHashes = append(m.StaticOutputHashes, fp)
	}
	for _, dir := range w.DynamicOutputs {
		var entries []DynamicOutputEntry
		for _, e := range dir {
			fp, err := parseFingerprint(e.Info.Hash)
			if err != nil {
				return PipCacheDescriptorV2Metadata{}, &CacheMissError{Reason: MissInvalidDescriptor}
			}
			entries = append(entries, DynamicOutputEntry{
				RelativePath: e.Path,
				Info: FileMaterializationInfo{
					ContentHash: fp,
					Length:      e.Info.Len,
					FileName:    e.Info.Name,
					Reparse:     ReparsePointInfo{Present: e.Info.Reparse, Target: e.Info.Target},
				},
			})
		}
		m.DynamicOutputs = append(m.DynamicOutputs, entries)
	}
	if w.Stdout != nil {
		fp, err := parseFingerprint(w.Stdout.Hash)
		if err != nil {
			return PipCacheDescriptorV2Metadata{}, &CacheMissError{Reason: MissInvalidDescriptor}
		}
		m.Stdout = &StdStream{Path: w.Stdout.Path, Hash: fp, Encoding: w.Stdout.Encoding}
	}
	if w.Stderr != nil {
		fp, err := parseFingerprint(w.Stderr.Hash)
		if err != nil {
			return PipCacheDescriptorV2Metadata{}, &CacheMissError{Reason: MissInvalidDescriptor}
		}
		m.Stderr = &StdStream{Path: w.Stderr.Path, Hash: fp, Encoding: w.Stderr.Encoding}
	}
	return m, nil
}

func parseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	if len(s) != len(f)*2 {
		return f, fmt.Errorf("bad fingerprint length %d", len(s))
	}
	for i := range f {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return f, fmt.Errorf("bad fingerprint hex")
		}
		f[i] = hi<<4 | lo
	}
	return f, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// ValidateDescriptorShape implements §4.4 step 7: the static output hash
// count must match the pip's cacheable static output count, the dynamic
// output count must match the declared directory output count, and every
// required-for-caching output must be present (non-absent).
func ValidateDescriptorShape(m PipCacheDescriptorV2Metadata, cacheableStaticOutputs int, declaredDirOutputs int) error {
	if len(m.StaticOutputHashes) != cacheableStaticOutputs {
		return &CacheMissError{Reason: MissInvalidDescriptor}
	}
	if len(m.DynamicOutputs) != declaredDirOutputs {
		return &CacheMissError{Reason: MissInvalidDescriptor}
	}
	for _, h := range m.StaticOutputHashes {
		if h == AbsentFileHash {
			return &CacheMissError{Reason: MissInvalidDescriptor}
		}
	}
	return nil
}
