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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGraph_EdgesAreSortedAndDirectional(t *testing.T) {
	g := chainGraph()
	if diff := cmp.Diff([]NodeId{0}, g.InEdges(1)); diff != "" {
		t.Fatalf("InEdges(1): -want +got: %s", diff)
	}
	if diff := cmp.Diff([]NodeId{1}, g.OutEdges(0)); diff != "" {
		t.Fatalf("OutEdges(0): -want +got: %s", diff)
	}
	if diff := cmp.Diff([]NodeId{0, 1, 2, 3}, g.Nodes()); diff != "" {
		t.Fatalf("Nodes(): -want +got: %s", diff)
	}
}

func TestGraph_WalkOutgoingBFSVisitsEachNodeOnce(t *testing.T) {
	g := chainGraph()
	var visited []NodeId
	g.WalkOutgoingBFS([]NodeId{0}, func(n NodeId) { visited = append(visited, n) })
	if diff := cmp.Diff([]NodeId{1, 2, 3}, visited); diff != "" {
		t.Fatalf("-want +got: %s", diff)
	}
}

func TestGraph_WalkIncomingBFSVisitsEachNodeOnce(t *testing.T) {
	g := chainGraph()
	var visited []NodeId
	g.WalkIncomingBFS([]NodeId{3}, func(n NodeId) { visited = append(visited, n) })
	if diff := cmp.Diff([]NodeId{2, 1, 0}, visited); diff != "" {
		t.Fatalf("-want +got: %s", diff)
	}
}

func TestGraph_DiamondWalkVisitsSharedAncestorOnce(t *testing.T) {
	const (
		a NodeId = iota
		b
		c
		d
	)
	g := NewGraph(
		[]*PipNode{
			{Id: a, Kind: PipProcess},
			{Id: b, Kind: PipProcess, FileInputs: []NodeId{a}},
			{Id: c, Kind: PipProcess, FileInputs: []NodeId{a}},
			{Id: d, Kind: PipProcess, FileInputs: []NodeId{b, c}},
		},
		[][2]NodeId{{b, a}, {c, a}, {d, b}, {d, c}},
	)
	var visited []NodeId
	g.WalkOutgoingBFS([]NodeId{a}, func(n NodeId) { visited = append(visited, n) })
	if len(visited) != 3 {
		t.Fatalf("d should be visited exactly once despite two paths from a, got %v", visited)
	}
}

func TestGraph_NodeLookupMissReturnsNil(t *testing.T) {
	g := chainGraph()
	if g.Node(99) != nil {
		t.Fatal("Node() for an id outside the graph should return nil")
	}
}
