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
	"testing"
)

type alwaysValidResolver struct{}

func (alwaysValidResolver) Revalidate(ctx context.Context, set ObservedPathSet) (bool, error) {
	return true, nil
}

type neverValidResolver struct{}

func (neverValidResolver) Revalidate(ctx context.Context, set ObservedPathSet) (bool, error) {
	return false, nil
}

func newTestCache() (*TwoPhaseCache, *MemContentStore) {
	content := NewMemContentStore()
	cache := NewTwoPhaseCache(NewMemTwoPhaseStore(), content, NewFingerprinter(), NewCounters(), NopLogger())
	return cache, content
}

func TestTwoPhaseCache_LookupMissWhenNothingPublished(t *testing.T) {
	cache, _ := newTestCache()
	weak := HashBytes([]byte("weak"))
	res, err := cache.Lookup(context.Background(), weak, alwaysValidResolver{}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Hit {
		t.Fatal("an empty cache must report a miss")
	}
	if res.Miss != MissWeakFingerprint {
		t.Fatalf("Miss = %v, want MissWeakFingerprint", res.Miss)
	}
}

func TestTwoPhaseCache_PublishThenLookupHits(t *testing.T) {
	cache, content := newTestCache()
	ctx := context.Background()
	fp := NewFingerprinter()
	weak := fp.Weak(PipDeclaration{Executable: "/bin/true"})
	pathSet := ObservedPathSet{Inputs: []ObservedInput{{Path: "/in/a", Flags: FileProbe}}}
	strong := fp.Strong(weak, pathSet.Hash(), pathSet.Inputs)

	outHash, err := content.WriteContent([]byte("output bytes"))
	if err != nil {
		t.Fatal(err)
	}
	meta := PipCacheDescriptorV2Metadata{StaticOutputHashes: []Fingerprint{outHash}}

	_, conflictMeta, err := cache.Publish(ctx, weak, pathSet, strong, meta, []Fingerprint{outHash}, "local")
	if err != nil {
		t.Fatal(err)
	}
	if conflictMeta != nil {
		t.Fatal("a first publish should never report a conflict")
	}

	res, err := cache.Lookup(ctx, weak, alwaysValidResolver{}, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Hit {
		t.Fatalf("expected a hit after publish, got miss reason %v", res.Miss)
	}
	if len(res.Metadata.StaticOutputHashes) != 1 || res.Metadata.StaticOutputHashes[0] != outHash {
		t.Fatalf("metadata static output hashes = %v, want [%v]", res.Metadata.StaticOutputHashes, outHash)
	}
	if !content.Pinned(outHash) {
		t.Fatal("a cache hit should pin its referenced content")
	}
}

func TestTwoPhaseCache_LookupSkipsNonRevalidatingCandidates(t *testing.T) {
	cache, content := newTestCache()
	ctx := context.Background()
	fp := NewFingerprinter()
	weak := fp.Weak(PipDeclaration{Executable: "/bin/true"})
	pathSet := ObservedPathSet{Inputs: []ObservedInput{{Path: "/in/a", Flags: FileProbe}}}
	strong := fp.Strong(weak, pathSet.Hash(), pathSet.Inputs)
	outHash, _ := content.WriteContent([]byte("x"))
	meta := PipCacheDescriptorV2Metadata{StaticOutputHashes: []Fingerprint{outHash}}
	if _, conflictMeta, err := cache.Publish(ctx, weak, pathSet, strong, meta, []Fingerprint{outHash}, "local"); err != nil || conflictMeta != nil {
		t.Fatalf("first publish: conflictMeta=%v err=%v, want nil, nil", conflictMeta, err)
	}

	res, err := cache.Lookup(ctx, weak, neverValidResolver{}, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Hit {
		t.Fatal("a candidate that fails Revalidate must not become a hit")
	}
}

func TestTwoPhaseCache_PublishConflictAdoptsFirstWriterWithIdenticalContent(t *testing.T) {
	cache, content := newTestCache()
	ctx := context.Background()
	fp := NewFingerprinter()
	weak := fp.Weak(PipDeclaration{Executable: "/bin/true"})
	pathSet := ObservedPathSet{Inputs: []ObservedInput{{Path: "/in/a", Flags: FileProbe}}}
	strong := fp.Strong(weak, pathSet.Hash(), pathSet.Inputs)

	outHash, _ := content.WriteContent([]byte("same output"))
	meta := PipCacheDescriptorV2Metadata{StaticOutputHashes: []Fingerprint{outHash}}

	if _, conflictMeta, err := cache.Publish(ctx, weak, pathSet, strong, meta, []Fingerprint{outHash}, "local"); err != nil || conflictMeta != nil {
		t.Fatalf("first publish: conflictMeta=%v err=%v, want nil, nil", conflictMeta, err)
	}
	// A second, independent execution reproduces byte-identical output and
	// publishes under the same (weak, path-set, strong) triple. Even though
	// the content matches, §4.4 treats any existing entry at this triple as
	// authoritative: the publish is rejected and the existing entry's
	// metadata is handed back for the caller to adopt.
	info, conflictMeta, err := cache.Publish(ctx, weak, pathSet, strong, meta, []Fingerprint{outHash}, "local")
	if err != nil {
		t.Fatal(err)
	}
	if conflictMeta == nil {
		t.Fatal("re-publishing under an already-occupied triple must report a conflict")
	}
	if len(conflictMeta.StaticOutputHashes) != 1 || conflictMeta.StaticOutputHashes[0] != outHash {
		t.Fatalf("conflictMeta.StaticOutputHashes = %v, want [%v]", conflictMeta.StaticOutputHashes, outHash)
	}
	if info.StrongFingerprint != strong {
		t.Fatal("conflict info should still report the triple's strong fingerprint")
	}
}

func TestTwoPhaseCache_PublishConflictAdoptsFirstWriterWithDifferentContent(t *testing.T) {
	cache, content := newTestCache()
	ctx := context.Background()
	fp := NewFingerprinter()
	weak := fp.Weak(PipDeclaration{Executable: "/bin/true"})
	pathSet := ObservedPathSet{Inputs: []ObservedInput{{Path: "/in/a", Flags: FileProbe}}}
	strong := fp.Strong(weak, pathSet.Hash(), pathSet.Inputs)

	h1, _ := content.WriteContent([]byte("output v1"))
	h2, _ := content.WriteContent([]byte("output v2"))
	meta := PipCacheDescriptorV2Metadata{StaticOutputHashes: []Fingerprint{h1}}

	if _, conflictMeta, err := cache.Publish(ctx, weak, pathSet, strong, meta, []Fingerprint{h1}, "local"); err != nil || conflictMeta != nil {
		t.Fatalf("first publish: conflictMeta=%v err=%v, want nil, nil", conflictMeta, err)
	}
	// Same (weak, path-set, strong) triple, but this run's output bytes
	// differ from what is already on record. §4.4's protocol is binary —
	// the existing entry still wins and is handed back as authoritative,
	// not merely diffed away.
	info, conflictMeta, err := cache.Publish(ctx, weak, pathSet, strong,
		PipCacheDescriptorV2Metadata{StaticOutputHashes: []Fingerprint{h2}}, []Fingerprint{h2}, "local")
	if err != nil {
		t.Fatal(err)
	}
	if conflictMeta == nil {
		t.Fatal("a conflicting publish under the same triple must report a conflict")
	}
	if len(conflictMeta.StaticOutputHashes) != 1 || conflictMeta.StaticOutputHashes[0] != h1 {
		t.Fatalf("the first writer's output should win: conflictMeta.StaticOutputHashes = %v, want [%v]", conflictMeta.StaticOutputHashes, h1)
	}
	if len(info.Entry.ReferencedContent) != 1 || info.Entry.ReferencedContent[0] != h1 {
		t.Fatalf("the first writer's entry should win: got %v, want [%v]", info.Entry.ReferencedContent, h1)
	}
}
