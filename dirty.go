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
	"sync"

	deadlock "github.com/sasha-s/go-deadlock"
)

// DirtyTracker is a persistent, transitively-closed bit-set state over graph
// nodes (§3, §4.1). Its mutating methods are not thread-safe by design —
// concurrent callers stage their writes through PendingUpdates instead
// (§4.1 "Concurrency"). The mutex below exists only to catch accidental
// concurrent direct-method misuse during development; it is not part of the
// documented concurrency model.
type DirtyTracker struct {
	mu sync.Locker

	g *Graph

	dirty         *NodeSet
	perpetual     *NodeSet
	materialized  *NodeSet
}

// NewDirtyTracker returns a tracker with all three sets empty over g's node
// range.
func NewDirtyTracker(g *Graph) *DirtyTracker {
	cap := 0
	for _, n := range g.Nodes() {
		if int(n) >= cap {
			cap = int(n) + 1
		}
	}
	return &DirtyTracker{
		mu:           &deadlock.Mutex{},
		g:            g,
		dirty:        NewNodeSet(cap),
		perpetual:    NewNodeSet(cap),
		materialized: NewNodeSet(cap),
	}
}

// IsDirty reports n ∈ dirty ∪ perpetual_dirty (§4.1).
func (t *DirtyTracker) IsDirty(n NodeId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty.Contains(n) || t.perpetual.Contains(n)
}

// IsMaterialized reports whether n's outputs are currently present on disk.
func (t *DirtyTracker) IsMaterialized(n NodeId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.materialized.Contains(n)
}

// IsCleanAndMaterialized is ¬is_dirty(n) ∧ is_materialized(n) (§4.1).
func (t *DirtyTracker) IsCleanAndMaterialized(n NodeId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !(t.dirty.Contains(n) || t.perpetual.Contains(n)) && t.materialized.Contains(n)
}

// IsPerpetual reports n ∈ perpetual_dirty.
func (t *DirtyTracker) IsPerpetual(n NodeId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perpetual.Contains(n)
}

// MarkClean removes n from dirty (not perpetual_dirty) — a perpetually
// dirty node stays dirty forever by definition.
func (t *DirtyTracker) MarkClean(n NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty.Remove(n)
}

// MarkDirty transitively dirties n and its downward closure over outgoing
// edges (§3: "If n ∈ dirty then every transitive out-neighbor is in dirty").
// It is a no-op if n is already dirty. Each newly dirtied node is removed
// from materialized and on_visit, if non-nil, is invoked for it (n itself
// included).
func (t *DirtyTracker) MarkDirty(n NodeId, onVisit func(NodeId)) {
	t.MarkDirtyBatch([]NodeId{n}, onVisit)
}

// MarkDirtyBatch seeds the BFS with every not-yet-dirty node in ns, matching
// §3's "For a batch mark_dirty(set), the BFS is seeded with all
// not-yet-dirty nodes."
func (t *DirtyTracker) MarkDirtyBatch(ns []NodeId, onVisit func(NodeId)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var seeds []NodeId
	for _, n := range ns {
		if !t.dirty.Contains(n) {
			seeds = append(seeds, n)
		}
	}
	if len(seeds) == 0 {
		return
	}
	for _, n := range seeds {
		t.dirty.Add(n)
		t.materialized.Remove(n)
		if onVisit != nil {
			onVisit(n)
		}
	}
	t.g.WalkOutgoingBFS(seeds, func(n NodeId) {
		t.dirty.Add(n)
		t.materialized.Remove(n)
		if onVisit != nil {
			onVisit(n)
		}
	})
}

// MarkMaterialized adds n to materialized. Precondition: n is clean, or n is
// perpetually dirty (§4.1) — callers that violate this get a contract panic,
// since it means the caller believes it just built something that the
// tracker's own bookkeeping says shouldn't have been built.
func (t *DirtyTracker) MarkMaterialized(n NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirty.Contains(n) && !t.perpetual.Contains(n) {
		graphContract("mark_materialized(%d): node is dirty and not perpetual", n)
	}
	t.materialized.Add(n)
}

// MarkPerpetual adds n to perpetual_dirty: it will be re-dirtied after every
// execution because its inputs are not fully modellable.
func (t *DirtyTracker) MarkPerpetual(n NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perpetual.Add(n)
}

// Serialize writes the three sets in the fixed order dirty, materialized,
// perpetual (§6), each as a length-prefixed NodeSet.
func (t *DirtyTracker) Serialize() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []byte
	out = append(out, t.dirty.Serialize()...)
	out = append(out, t.materialized.Serialize()...)
	out = append(out, t.perpetual.Serialize()...)
	return out
}

// DeserializeDirtyTracker parses bytes produced by Serialize against graph
// g. Round-tripping is byte-identical for correctness validation (§6).
func DeserializeDirtyTracker(g *Graph, b []byte) (*DirtyTracker, error) {
	dirty, rest, err := DeserializeNodeSet(b)
	if err != nil {
		return nil, fmt.Errorf("dirty set: %w", err)
	}
	materialized, rest, err := DeserializeNodeSet(rest)
	if err != nil {
		return nil, fmt.Errorf("materialized set: %w", err)
	}
	perpetual, rest, err := DeserializeNodeSet(rest)
	if err != nil {
		return nil, fmt.Errorf("perpetual set: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("dirty tracker: %d trailing bytes", len(rest))
	}
	return &DirtyTracker{
		mu:           &deadlock.Mutex{},
		g:            g,
		dirty:        dirty,
		materialized: materialized,
		perpetual:    perpetual,
	}, nil
}

// PendingUpdates is a concurrent staging buffer for DirtyTracker writers
// (§3, §4.1 "Concurrency"). Each operation adds to one of three sets under a
// single sync.Mutex; adds are not lock-free. Apply is called by a single
// owner thread at barrier points.
type PendingUpdates struct {
	mu sync.Mutex

	clean        map[NodeId]bool
	materialized map[NodeId]bool
	perpetual    map[NodeId]bool

	applied bool
}

// NewPendingUpdates returns an empty staging buffer.
func NewPendingUpdates() *PendingUpdates {
	return &PendingUpdates{
		clean:        make(map[NodeId]bool),
		materialized: make(map[NodeId]bool),
		perpetual:    make(map[NodeId]bool),
	}
}

// AddClean stages a mark_clean(n) for the next Apply.
func (p *PendingUpdates) AddClean(n NodeId) {
	p.mu.Lock()
	p.clean[n] = true
	p.mu.Unlock()
}

// AddMaterialized stages a mark_materialized(n) for the next Apply.
func (p *PendingUpdates) AddMaterialized(n NodeId) {
	p.mu.Lock()
	p.materialized[n] = true
	p.mu.Unlock()
}

// AddPerpetual stages a mark_perpetual(n) for the next Apply.
func (p *PendingUpdates) AddPerpetual(n NodeId) {
	p.mu.Lock()
	p.perpetual[n] = true
	p.mu.Unlock()
}

// Apply performs the fixed-order sequence from §3 against t: marks from
// clean; marks from perpetual (and implicit clean); marks from materialized;
// finally re-dirty all perpetual nodes and their transitive dependents. It
// is idempotent — a second call after the buffer has already been applied is
// a no-op, per §8's "PendingUpdates.apply idempotence" property.
func (p *PendingUpdates) Apply(t *DirtyTracker) {
	p.mu.Lock()
	if p.applied {
		p.mu.Unlock()
		return
	}
	p.applied = true
	clean := p.clean
	materialized := p.materialized
	perpetual := p.perpetual
	p.mu.Unlock()

	for n := range clean {
		t.MarkClean(n)
	}
	var perpetualIds []NodeId
	for n := range perpetual {
		t.MarkClean(n)
		t.MarkPerpetual(n)
		perpetualIds = append(perpetualIds, n)
	}
	for n := range materialized {
		t.MarkMaterialized(n)
	}
	if len(perpetualIds) > 0 {
		t.MarkDirtyBatch(perpetualIds, nil)
	}
}
