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
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ContentStore is the content-addressed blob store backing metadata and
// path-set bodies (§3, §6). It is distinct from FileSystem, which holds
// materialized pip *outputs*: ContentStore holds the cache's own bookkeeping
// blobs.
type ContentStore interface {
	WriteContent(b []byte) (Fingerprint, error)
	ReadContent(h Fingerprint) ([]byte, error)
	// Pin marks h as referenced so a garbage collector (outside this
	// package's scope) will not reclaim it. Pinning a hash that doesn't
	// exist is an error.
	Pin(h Fingerprint) error
}

// TwoPhaseStore is the external two-phase cache service (§4.4): weak
// fingerprints map to a set of candidate path sets, and (weak, path-set,
// strong) triples map to cache entries. This is the interface a remote
// cache client implements; MemTwoPhaseStore below is the in-memory
// reference used by tests and the demo host.
type TwoPhaseStore interface {
	// GetWeakFingerprintPathSets returns every path-set hash previously
	// published under weak, in publish order.
	GetWeakFingerprintPathSets(ctx context.Context, weak Fingerprint) ([]Fingerprint, error)
	// GetPathSet retrieves a previously cached path set by its hash.
	GetPathSet(ctx context.Context, hash Fingerprint) (ObservedPathSet, error)
	// AddOrGetPathSet publishes set under weak, returning its hash. If an
	// identical path set was already published under weak, its existing
	// hash is returned instead of creating a duplicate entry.
	AddOrGetPathSet(ctx context.Context, weak Fingerprint, set ObservedPathSet) (Fingerprint, error)
	// GetCacheEntry looks up the entry for the exact (weak, pathSetHash,
	// strong) triple.
	GetCacheEntry(ctx context.Context, weak, pathSetHash, strong Fingerprint) (CacheEntry, bool, error)
	// AddOrGetCacheEntry publishes entry under (weak, pathSetHash, strong).
	// If an entry already exists for that exact triple, the existing entry
	// is returned instead (first writer wins) with added=false.
	AddOrGetCacheEntry(ctx context.Context, weak, pathSetHash, strong Fingerprint, entry CacheEntry) (existing CacheEntry, added bool, err error)
}

// PathSetResolver decides whether a previously observed path set still
// describes the pip's current environment (§4.4: enumerate candidate
// path-sets under the weak fingerprint, advancing past any that no longer
// match). A production resolver re-probes the declared files/dirs against
// the current FileSystem/AccessPolicy; tests can substitute a stub.
type PathSetResolver interface {
	Revalidate(ctx context.Context, set ObservedPathSet) (bool, error)
}

// LookupResult is the outcome of TwoPhaseCache.Lookup.
type LookupResult struct {
	Hit      bool
	Info     TwoPhaseCachingInfo
	Metadata PipCacheDescriptorV2Metadata
	Miss     CacheMissReason
}

// TwoPhaseCache implements C7: the full §4.4 lookup/publish protocol over a
// TwoPhaseStore and ContentStore, with conflict-convergence handling,
// descriptor-shape validation, and content pinning.
type TwoPhaseCache struct {
	Store    TwoPhaseStore
	Content  ContentStore
	FP       *Fingerprinter
	Counters *Counters
	Logger   Logger

	publishGroup singleflight.Group
}

// NewTwoPhaseCache wires together the pieces of C7.
func NewTwoPhaseCache(store TwoPhaseStore, content ContentStore, fp *Fingerprinter, counters *Counters, logger Logger) *TwoPhaseCache {
	if logger == nil {
		logger = NopLogger()
	}
	return &TwoPhaseCache{Store: store, Content: content, FP: fp, Counters: counters, Logger: logger}
}

// Lookup implements §4.4's read path: enumerate path sets cached under weak,
// skip any that no longer match the current environment, compute the
// strong fingerprint for the first match, fetch and validate its cache
// entry and metadata, and pin referenced content.
func (c *TwoPhaseCache) Lookup(ctx context.Context, weak Fingerprint, resolver PathSetResolver, cacheableStaticOutputs, declaredDirOutputs int) (LookupResult, error) {
	if err := checkCancelled(ctx); err != nil {
		return LookupResult{}, err
	}

	candidates, err := c.Store.GetWeakFingerprintPathSets(ctx, weak)
	if err != nil {
		c.Counters.IncMiss(MissWeakFingerprint)
		return LookupResult{Miss: MissWeakFingerprint}, nil
	}
	if len(candidates) == 0 {
		c.Counters.IncMiss(MissWeakFingerprint)
		return LookupResult{Miss: MissWeakFingerprint}, nil
	}

	reason := MissStrongFingerprint
	for _, pathSetHash := range candidates {
		if err := checkCancelled(ctx); err != nil {
			return LookupResult{}, err
		}
		set, err := c.Store.GetPathSet(ctx, pathSetHash)
		if err != nil {
			continue
		}
		ok, err := resolver.Revalidate(ctx, set)
		if err != nil || !ok {
			continue
		}
		strong := c.FP.Strong(weak, pathSetHash, set.Inputs)
		entry, found, err := c.Store.GetCacheEntry(ctx, weak, pathSetHash, strong)
		if err != nil || !found {
			continue
		}
		blob, err := c.Content.ReadContent(entry.MetadataHash)
		if err != nil {
			reason = MissMetadata
			continue
		}
		meta, err := DeserializeMetadata(blob)
		if err != nil {
			reason = MissInvalidDescriptor
			continue
		}
		if err := ValidateDescriptorShape(meta, cacheableStaticOutputs, declaredDirOutputs); err != nil {
			reason = MissInvalidDescriptor
			continue
		}
		pinFailed := false
		for _, h := range entry.ReferencedContent {
			if err := c.Content.Pin(h); err != nil {
				reason = MissOutputContent
				pinFailed = true
				break
			}
		}
		if pinFailed {
			continue
		}
		c.Counters.IncHit()
		c.Logger.Event(EventCacheHit, "cache hit")
		return LookupResult{
			Hit: true,
			Info: TwoPhaseCachingInfo{
				WeakFingerprint:   weak,
				PathSetHash:       pathSetHash,
				StrongFingerprint: strong,
				Entry:             entry,
			},
			Metadata: meta,
		}, nil
	}
	c.Counters.IncMiss(reason)
	c.Logger.Event(EventCacheMiss, "cache miss: "+reason.String())
	return LookupResult{Miss: reason}, nil
}

// Publish implements §4.4's write path: publish the path set (deduped
// against any identical prior publish under the same weak fingerprint),
// write the metadata blob, and publish the cache entry for (weak,
// pathSetHash, strong). §4.4's protocol is binary, Published or
// RejectedDueToConflict: if an entry already exists for that exact triple
// (a race with a concurrent build, or a re-run that happened to collide),
// the existing entry is authoritative regardless of whether its referenced
// content happens to match what this execution produced — Publish fetches
// and deserializes that conflicting entry's metadata and returns it so the
// caller can adopt it wholesale instead of trusting its own output.
func (c *TwoPhaseCache) Publish(ctx context.Context, weak Fingerprint, pathSet ObservedPathSet, strong Fingerprint, meta PipCacheDescriptorV2Metadata, referencedContent []Fingerprint, originatingCache string) (TwoPhaseCachingInfo, *PipCacheDescriptorV2Metadata, error) {
	if err := checkCancelled(ctx); err != nil {
		return TwoPhaseCachingInfo{}, nil, err
	}

	sfKey := fmt.Sprintf("%s:%s", weak, pathSet.Hash())
	pathSetHashAny, err, _ := c.publishGroup.Do(sfKey, func() (interface{}, error) {
		return c.Store.AddOrGetPathSet(ctx, weak, pathSet)
	})
	if err != nil {
		return TwoPhaseCachingInfo{}, nil, &CacheUnavailableError{Inner: err}
	}
	pathSetHash := pathSetHashAny.(Fingerprint)

	// An unnamed caller still needs a stable attribution tag for this
	// entry's CacheEntry.OriginatingCache (§3, §6 "must survive round-trip
	// unchanged") — synthesize one rather than leaving it blank.
	if originatingCache == "" {
		originatingCache = uuid.NewString()
	}

	metadataHash, err := c.Content.WriteContent(meta.Serialize())
	if err != nil {
		return TwoPhaseCachingInfo{}, nil, &CacheUnavailableError{Inner: err}
	}

	entry := CacheEntry{
		MetadataHash:      metadataHash,
		OriginatingCache:  originatingCache,
		ReferencedContent: referencedContent,
	}

	existing, added, err := c.Store.AddOrGetCacheEntry(ctx, weak, pathSetHash, strong, entry)
	if err != nil {
		return TwoPhaseCachingInfo{}, nil, &CacheUnavailableError{Inner: err}
	}
	info := TwoPhaseCachingInfo{
		WeakFingerprint:   weak,
		PathSetHash:       pathSetHash,
		StrongFingerprint: strong,
		Entry:             existing,
	}
	if added {
		return info, nil, nil
	}

	blob, err := c.Content.ReadContent(existing.MetadataHash)
	if err != nil {
		return info, nil, &CacheUnavailableError{Inner: err}
	}
	conflictMeta, err := DeserializeMetadata(blob)
	if err != nil {
		return info, nil, &CacheUnavailableError{Inner: err}
	}
	for _, h := range existing.ReferencedContent {
		if err := c.Content.Pin(h); err != nil {
			return info, nil, &CacheUnavailableError{Inner: err}
		}
	}
	c.Counters.IncConverged()
	c.Logger.Event(EventCacheConverged, "publish rejected due to conflict, adopting existing entry")
	return info, &conflictMeta, nil
}

// MemTwoPhaseStore is an in-memory TwoPhaseStore, safe for concurrent use,
// used by tests and the demo host.
type MemTwoPhaseStore struct {
	mu         sync.Mutex
	pathSets   map[Fingerprint]ObservedPathSet
	weakIndex  map[Fingerprint][]Fingerprint // weak -> path-set hashes, publish order
	entries    map[string]CacheEntry         // "weak:pathSetHash:strong" -> entry
}

// NewMemTwoPhaseStore returns an empty store.
func NewMemTwoPhaseStore() *MemTwoPhaseStore {
	return &MemTwoPhaseStore{
		pathSets:  make(map[Fingerprint]ObservedPathSet),
		weakIndex: make(map[Fingerprint][]Fingerprint),
		entries:   make(map[string]CacheEntry),
	}
}

func entryKey(weak, pathSetHash, strong Fingerprint) string {
	return weak.String() + ":" + pathSetHash.String() + ":" + strong.String()
}

func (s *MemTwoPhaseStore) GetWeakFingerprintPathSets(ctx context.Context, weak Fingerprint) ([]Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Fingerprint(nil), s.weakIndex[weak]...), nil
}

func (s *MemTwoPhaseStore) GetPathSet(ctx context.Context, hash Fingerprint) (ObservedPathSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.pathSets[hash]
	if !ok {
		return ObservedPathSet{}, fmt.Errorf("path set %s not found", hash)
	}
	return set, nil
}

func (s *MemTwoPhaseStore) AddOrGetPathSet(ctx context.Context, weak Fingerprint, set ObservedPathSet) (Fingerprint, error) {
	hash := set.Hash()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pathSets[hash]; !ok {
		s.pathSets[hash] = set
	}
	for _, h := range s.weakIndex[weak] {
		if h == hash {
			return hash, nil
		}
	}
	s.weakIndex[weak] = append(s.weakIndex[weak], hash)
	return hash, nil
}

func (s *MemTwoPhaseStore) GetCacheEntry(ctx context.Context, weak, pathSetHash, strong Fingerprint) (CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryKey(weak, pathSetHash, strong)]
	return e, ok, nil
}

func (s *MemTwoPhaseStore) AddOrGetCacheEntry(ctx context.Context, weak, pathSetHash, strong Fingerprint, entry CacheEntry) (CacheEntry, bool, error) {
	key := entryKey(weak, pathSetHash, strong)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[key]; ok {
		return existing, false, nil
	}
	s.entries[key] = entry
	return entry, true, nil
}

// MemContentStore is an in-memory ContentStore used by tests and the demo
// host, built on golang.org/x/sync/singleflight so concurrent writers of
// identical content store it once (each writer still hashes its own bytes).
type MemContentStore struct {
	mu      sync.Mutex
	blobs   map[Fingerprint][]byte
	pinned  map[Fingerprint]bool
	writeSF singleflight.Group
}

// NewMemContentStore returns an empty in-memory content store.
func NewMemContentStore() *MemContentStore {
	return &MemContentStore{
		blobs:  make(map[Fingerprint][]byte),
		pinned: make(map[Fingerprint]bool),
	}
}

func (m *MemContentStore) WriteContent(b []byte) (Fingerprint, error) {
	h := HashBytes(b)
	_, err, _ := m.writeSF.Do(h.String(), func() (interface{}, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.blobs[h]; !ok {
			m.blobs[h] = append([]byte(nil), b...)
		}
		return nil, nil
	})
	return h, err
}

func (m *MemContentStore) ReadContent(h Fingerprint) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[h]
	if !ok {
		return nil, fmt.Errorf("content %s not found", h)
	}
	return append([]byte(nil), b...), nil
}

func (m *MemContentStore) Pin(h Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[h]; !ok {
		return fmt.Errorf("cannot pin missing content %s", h)
	}
	m.pinned[h] = true
	return nil
}

// Pinned reports whether h has been pinned, exposed for test assertions.
func (m *MemContentStore) Pinned(h Fingerprint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned[h]
}
