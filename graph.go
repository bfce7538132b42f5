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

import "sort"

// NodeId is a dense 32-bit index into the graph.
type NodeId uint32

// PipKind tags what kind of build action a node represents.
type PipKind int

const (
	PipProcess PipKind = iota
	PipCopyFile
	PipWriteFile
	PipIpc
	PipSealDirectory
	PipHashSourceFile
	PipMetaPip
)

func (k PipKind) String() string {
	switch k {
	case PipProcess:
		return "Process"
	case PipCopyFile:
		return "CopyFile"
	case PipWriteFile:
		return "WriteFile"
	case PipIpc:
		return "Ipc"
	case PipSealDirectory:
		return "SealDirectory"
	case PipHashSourceFile:
		return "HashSourceFile"
	case PipMetaPip:
		return "MetaPip"
	default:
		return "Unknown"
	}
}

// isMetaPip returns true for non-materializing organizational nodes, which
// are excluded from incremental scheduling as a dependent (§3, GLOSSARY).
func (k PipKind) isMetaPip() bool { return k == PipMetaPip }

// IsMetaPip is the exported form of isMetaPip, used by callers outside this
// package-internal graph traversal code (e.g. the build-set calculator
// deciding whether a scheduled node needs to actually run anything).
func (k PipKind) IsMetaPip() bool { return k.isMetaPip() }

// SealDirectoryKind distinguishes a static seal (contents statically
// enumerated) from a dynamic/opaque seal (contents discovered at execution).
type SealDirectoryKind int

const (
	SealStatic SealDirectoryKind = iota
	SealDynamic
)

// PipId wraps a NodeId with a discriminator, matching spec.md §3's "PipId
// wraps a NodeId plus a discriminator" — the discriminator lets two distinct
// pip concepts share the same underlying node space without collision (the
// original scheduler uses this to distinguish a seal-directory's producer
// pip id from its node id, for example).
type PipId struct {
	Node NodeId
	Disc uint8
}

// DirectoryInput describes one of a process pip's declared directory inputs.
type DirectoryInput struct {
	Node NodeId
	Kind SealDirectoryKind
}

// PipNode holds everything the graph needs to know about one node to run
// build-set calculation and scheduling: its kind, declared file/directory
// inputs, and (for SealDirectory) the producer relationship used by Phase C.
//
// This intentionally does not carry execution-time fields (mtime, mark,
// dyndep_pending, ...) the way the teacher's Node/Edge (graph.go, nobuild)
// do — those belonged to ninja's single-pass scan-then-build model. Here the
// DirtyTracker (C3) owns persisted state and PipNode is immutable graph
// shape only, per spec.md §3 "Graph: ... Immutable after construction."
type PipNode struct {
	Id          NodeId
	Kind        PipKind
	ModuleId    string
	FileInputs  []NodeId
	DirInputs   []DirectoryInput
	Rewritten   bool
}

// Graph is an immutable DAG of NodeIds plus incoming/outgoing adjacency.
// Iteration order over edges is deterministic (§3): edges are stored sorted
// by NodeId at construction time.
type Graph struct {
	nodes   map[NodeId]*PipNode
	out     map[NodeId][]NodeId // outgoing edges: n -> its dependents
	in      map[NodeId][]NodeId // incoming edges: n -> its dependencies
	ordered []NodeId
}

// NewGraph builds an immutable Graph from a node list and a set of
// dependency edges (from -> to meaning "from depends on to", i.e. to must be
// built before from; an outgoing edge of to points at from).
func NewGraph(nodes []*PipNode, edges [][2]NodeId) *Graph {
	g := &Graph{
		nodes: make(map[NodeId]*PipNode, len(nodes)),
		out:   make(map[NodeId][]NodeId),
		in:    make(map[NodeId][]NodeId),
	}
	for _, n := range nodes {
		g.nodes[n.Id] = n
		g.ordered = append(g.ordered, n.Id)
	}
	sort.Slice(g.ordered, func(i, j int) bool { return g.ordered[i] < g.ordered[j] })
	for _, e := range edges {
		from, to := e[0], e[1]
		g.in[from] = append(g.in[from], to)
		g.out[to] = append(g.out[to], from)
	}
	for id := range g.in {
		sort.Slice(g.in[id], func(i, j int) bool { return g.in[id][i] < g.in[id][j] })
	}
	for id := range g.out {
		sort.Slice(g.out[id], func(i, j int) bool { return g.out[id][i] < g.out[id][j] })
	}
	return g
}

// Node returns the node for id, or nil if id is not in the graph.
func (g *Graph) Node(id NodeId) *PipNode { return g.nodes[id] }

// Nodes returns all node ids in deterministic ascending order.
func (g *Graph) Nodes() []NodeId { return g.ordered }

// OutEdges returns the dependents of n (nodes that depend on n), in
// deterministic order.
func (g *Graph) OutEdges(n NodeId) []NodeId { return g.out[n] }

// InEdges returns the dependencies of n (nodes n depends on), in
// deterministic order.
func (g *Graph) InEdges(n NodeId) []NodeId { return g.in[n] }

// Producer returns the node that produces the output consumed as directory
// input d. Phase C's SealContentsMissing/DynamicDirectory handling reads
// d.Node directly rather than calling it. For this graph representation a directory input's producer is simply its
// NodeId: directory nodes are pips in their own right (PipSealDirectory).
func (g *Graph) Producer(d DirectoryInput) NodeId { return d.Node }

// WalkOutgoingBFS visits every transitive dependent of the seed set exactly
// once, calling visit(n) for each newly-discovered node (seeds excluded). It
// is used by Phase B's build-cone walk and by C3's mark_dirty.
func (g *Graph) WalkOutgoingBFS(seeds []NodeId, visit func(NodeId)) {
	visited := make(map[NodeId]bool, len(seeds))
	queue := make([]NodeId, 0, len(seeds))
	for _, s := range seeds {
		if !visited[s] {
			visited[s] = true
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, dep := range g.out[n] {
			if !visited[dep] {
				visited[dep] = true
				visit(dep)
				queue = append(queue, dep)
			}
		}
	}
}

// WalkIncomingBFS visits every transitive dependency of the seed set exactly
// once, calling visit(n) for each newly-discovered node (seeds excluded).
func (g *Graph) WalkIncomingBFS(seeds []NodeId, visit func(NodeId)) {
	visited := make(map[NodeId]bool, len(seeds))
	queue := make([]NodeId, 0, len(seeds))
	for _, s := range seeds {
		if !visited[s] {
			visited[s] = true
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, dep := range g.in[n] {
			if !visited[dep] {
				visited[dep] = true
				visit(dep)
				queue = append(queue, dep)
			}
		}
	}
}
