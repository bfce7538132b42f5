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
	"sort"
	"testing"
)

// abcGraph builds the three-node A <- B <- C chain used by the worked
// scenarios: A has no inputs, B depends on A, C depends on B.
func abcGraph() (g *Graph, a, b, c NodeId) {
	a, b, c = 0, 1, 2
	g = NewGraph(
		[]*PipNode{
			{Id: a, Kind: PipProcess},
			{Id: b, Kind: PipProcess, FileInputs: []NodeId{a}},
			{Id: c, Kind: PipProcess, FileInputs: []NodeId{b}},
		},
		[][2]NodeId{{b, a}, {c, b}},
	)
	return g, a, b, c
}

func newTestCalculator(g *Graph, tr *DirtyTracker, resolver OutputPathResolver, fs FileSystem) *BuildSetCalculator {
	return NewBuildSetCalculator(g, tr, resolver, fs, NewCounters(), NopLogger())
}

func sortedNodeIds(ns []NodeId) []NodeId {
	out := append([]NodeId(nil), ns...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsNode(ns []NodeId, want NodeId) bool {
	for _, n := range ns {
		if n == want {
			return true
		}
	}
	return false
}

func TestBuildSetCalculator_TrivialNoop(t *testing.T) {
	g, _, _, c := abcGraph()
	tr := NewDirtyTracker(g)
	for _, n := range g.Nodes() {
		tr.MarkMaterialized(n)
	}
	calc := newTestCalculator(g, tr, nil, nil)

	result, err := calc.Compute(context.Background(), []NodeId{c}, ComputeOptions{ScheduleDependents: true, Mode: ModeDisabled})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Scheduled) != 0 || len(result.MustExecute) != 0 {
		t.Fatalf("nothing dirty should schedule nothing, got %+v", result)
	}
	if result.IncrementalHitCount != 1 {
		t.Fatalf("IncrementalHitCount = %d, want 1 (the single selected process pip)", result.IncrementalHitCount)
	}
}

func TestBuildSetCalculator_SingleDirtyLeaf(t *testing.T) {
	g, _, b, c := abcGraph()
	tr := NewDirtyTracker(g)
	for _, n := range g.Nodes() {
		tr.MarkMaterialized(n)
	}
	tr.MarkDirty(c, nil)
	calc := newTestCalculator(g, tr, nil, nil)

	result, err := calc.Compute(context.Background(), []NodeId{c}, ComputeOptions{ScheduleDependents: true, Mode: ModeDisabled})
	if err != nil {
		t.Fatal(err)
	}
	if diff := len(result.MustExecute); diff != 1 || result.MustExecute[0] != c {
		t.Fatalf("MustExecute = %v, want just [C]", result.MustExecute)
	}
	if !containsNode(result.Scheduled, b) {
		t.Fatalf("B should be in Scheduled as the clean-materialized frontier, got %v", result.Scheduled)
	}
	if result.CleanMaterializedProcessFrontierCount != 1 {
		t.Fatalf("frontier count = %d, want 1 (B)", result.CleanMaterializedProcessFrontierCount)
	}
	// processes_in_cone(3) - scheduled_processes(2: B,C) + frontier(1: B) = 2
	if result.IncrementalHitCount != 2 {
		t.Fatalf("IncrementalHitCount = %d, want 2", result.IncrementalHitCount)
	}
}

func TestBuildSetCalculator_DirtyRootCascade(t *testing.T) {
	g, a, b, c := abcGraph()
	tr := NewDirtyTracker(g)
	for _, n := range g.Nodes() {
		tr.MarkMaterialized(n)
	}
	// Dirtying the root transitively dirties its dependents too (§3's
	// downward closure), mirroring what an upstream source-file edit does.
	tr.MarkDirty(a, nil)
	calc := newTestCalculator(g, tr, nil, nil)

	result, err := calc.Compute(context.Background(), []NodeId{a}, ComputeOptions{ScheduleDependents: true, Mode: ModeDisabled})
	if err != nil {
		t.Fatal(err)
	}
	got := sortedNodeIds(result.Scheduled)
	want := []NodeId{a, b, c}
	if len(got) != len(want) {
		t.Fatalf("Scheduled = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Scheduled = %v, want %v", got, want)
		}
	}
	gotExec := sortedNodeIds(result.MustExecute)
	for i := range want {
		if gotExec[i] != want[i] {
			t.Fatalf("MustExecute = %v, want all three nodes rebuilt", gotExec)
		}
	}
	if result.CleanMaterializedProcessFrontierCount != 0 {
		t.Fatalf("a root cascade should produce no frontier, got %d", result.CleanMaterializedProcessFrontierCount)
	}
}

func TestBuildSetCalculator_ModuleModeSchedulesMissingProducers(t *testing.T) {
	g, a, b, c := abcGraph()
	tr := NewDirtyTracker(g)
	for _, n := range g.Nodes() {
		tr.MarkMaterialized(n)
	}
	tr.MarkDirty(c, nil)

	resolver := StaticOutputResolver{a: {"/out/a"}, b: {"/out/b"}, c: {"/out/c"}}
	fs := NewMemFileSystem()
	// /out/a is present; /out/b is missing, so B's absence must be
	// attributed and its producer added to the build set.
	aHash, _ := fs.WriteContent([]byte("a"))
	_ = fs.Materialize("/out/a", aHash)

	calc := newTestCalculator(g, tr, resolver, fs)
	result, err := calc.Compute(context.Background(), []NodeId{c}, ComputeOptions{Mode: ModeModule})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, attr := range result.MissingInputAttributions {
		if attr.Producer == b && attr.Consumer == c && attr.Reason == MissingOutputs {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a MissingOutputs attribution for B -> C, got %+v", result.MissingInputAttributions)
	}
	if !containsNode(result.MustExecute, b) || !containsNode(result.MustExecute, c) {
		t.Fatalf("MustExecute should include both B and C, got %v", result.MustExecute)
	}
}

func TestBuildSetCalculator_EmptySelectedIsNoop(t *testing.T) {
	g, _, _, _ := abcGraph()
	tr := NewDirtyTracker(g)
	calc := newTestCalculator(g, tr, nil, nil)
	result, err := calc.Compute(context.Background(), nil, ComputeOptions{Mode: ModeDisabled})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Scheduled) != 0 || len(result.MustExecute) != 0 {
		t.Fatalf("empty selection should schedule nothing, got %+v", result)
	}
}

func TestBuildSetCalculator_ScheduleDependentsFalseDoesNotWalkForward(t *testing.T) {
	g, a, b, _ := abcGraph()
	tr := NewDirtyTracker(g)
	for _, n := range g.Nodes() {
		tr.MarkMaterialized(n)
	}
	tr.MarkDirty(a, nil)
	calc := newTestCalculator(g, tr, nil, nil)

	result, err := calc.Compute(context.Background(), []NodeId{a}, ComputeOptions{ScheduleDependents: false, Mode: ModeDisabled})
	if err != nil {
		t.Fatal(err)
	}
	if containsNode(result.Scheduled, b) {
		t.Fatalf("without ScheduleDependents, B should not be pulled into the build set: %v", result.Scheduled)
	}
}

func TestBuildSetCalculator_MetaPipExcludedFromForwardWalk(t *testing.T) {
	const (
		a NodeId = iota
		meta
	)
	g := NewGraph(
		[]*PipNode{
			{Id: a, Kind: PipProcess},
			{Id: meta, Kind: PipMetaPip, FileInputs: []NodeId{a}},
		},
		[][2]NodeId{{meta, a}},
	)
	tr := NewDirtyTracker(g)
	tr.MarkMaterialized(a)
	tr.MarkMaterialized(meta)
	tr.MarkDirty(a, nil)
	calc := newTestCalculator(g, tr, nil, nil)

	result, err := calc.Compute(context.Background(), []NodeId{a}, ComputeOptions{ScheduleDependents: true, Mode: ModeDisabled})
	if err != nil {
		t.Fatal(err)
	}
	if containsNode(result.Scheduled, meta) {
		t.Fatal("a metapip should not be pulled in by the plain forward walk; only Phase D schedules metapips")
	}
}
