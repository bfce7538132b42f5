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
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// MissingInputReason explains why Module/All mode scheduled a pip's
// producer during Phase C (§4.2).
type MissingInputReason int

const (
	MissingOutputs MissingInputReason = iota
	SealContentsMissing
	DynamicDirectory
	IpcPipDependent
)

func (r MissingInputReason) String() string {
	switch r {
	case MissingOutputs:
		return "MissingOutputs"
	case SealContentsMissing:
		return "SealContentsMissing"
	case DynamicDirectory:
		return "DynamicDirectory"
	case IpcPipDependent:
		return "IpcPipDependent"
	default:
		return "Unknown"
	}
}

// OutputPathResolver maps a node to the on-disk paths it is responsible for
// producing, so Module/All mode can probe existence (§4.2 Phase C). A
// SealDirectory node may resolve to many paths (its statically-enumerated
// contents); other kinds resolve to their single declared output.
type OutputPathResolver interface {
	OutputPaths(n NodeId) []string
}

// ComputeOptions configures one BuildSetCalculator.Compute call (§4.2).
type ComputeOptions struct {
	ScheduleDependents        bool
	Mode                      BuildSetMode
	ScheduleMetaPips          bool
	ExplicitlyScheduledModules map[string]bool
}

// ScheduledNodesResult is C4's output (§3, §4.2).
type ScheduledNodesResult struct {
	Scheduled                             []NodeId
	MustExecute                           []NodeId
	IncrementalHitCount                   int
	CleanMaterializedProcessFrontierCount int
	// MissingInputAttributions records, for Module/All mode, why each
	// producer was scheduled (§4.2 Phase C "record {producer -> (path,
	// consumer)}").
	MissingInputAttributions []MissingInputAttribution
}

// MissingInputAttribution is one Phase-C Module/All-mode scheduling
// decision made because a declared input was not present on disk.
type MissingInputAttribution struct {
	Producer NodeId
	Consumer NodeId
	Path     string
	Reason   MissingInputReason
}

// BuildSetCalculator implements C4 over a Graph and DirtyTracker (§4.2).
type BuildSetCalculator struct {
	g        *Graph
	tracker  *DirtyTracker
	resolver OutputPathResolver
	fs       FileSystem
	counters *Counters
	logger   Logger

	maxParallel int
}

// NewBuildSetCalculator wires C4 against g, tracker, and the collaborators
// Module/All mode needs for existence probing.
func NewBuildSetCalculator(g *Graph, tracker *DirtyTracker, resolver OutputPathResolver, fs FileSystem, counters *Counters, logger Logger) *BuildSetCalculator {
	if logger == nil {
		logger = NopLogger()
	}
	p := runtime.GOMAXPROCS(0)
	if p < 1 {
		p = 1
	}
	return &BuildSetCalculator{g: g, tracker: tracker, resolver: resolver, fs: fs, counters: counters, logger: logger, maxParallel: p}
}

// Compute runs Phases A-D over selected per opts (§4.2).
func (c *BuildSetCalculator) Compute(ctx context.Context, selected []NodeId, opts ComputeOptions) (*ScheduledNodesResult, error) {
	if len(selected) == 0 {
		return &ScheduledNodesResult{}, nil
	}

	// Phase A: dirty classification.
	scheduled := newOrderedSet()
	dirtyCount := 0
	processesInSelected := 0
	for _, n := range selected {
		node := c.g.Node(n)
		if node != nil && node.Kind == PipProcess {
			processesInSelected++
		}
		if c.tracker.IsDirty(n) {
			dirtyCount++
			scheduled.add(n)
			continue
		}
		if !c.tracker.IsMaterialized(n) {
			if node != nil && node.Kind == PipProcess {
				c.tracker.MarkDirty(n, nil)
			}
			dirtyCount++
			scheduled.add(n)
		}
	}

	if dirtyCount == 0 {
		return &ScheduledNodesResult{
			IncrementalHitCount: processesInSelected,
		}, nil
	}

	// Phase B: build cone.
	if opts.ScheduleDependents {
		c.g.WalkOutgoingBFS(selected, func(n NodeId) {
			node := c.g.Node(n)
			if node != nil && node.Kind.IsMetaPip() {
				return
			}
			scheduled.add(n)
		})
	}
	v, err := c.computeTransitiveDepFilter(ctx, scheduled.slice())
	if err != nil {
		return nil, err
	}

	var result *ScheduledNodesResult
	switch opts.Mode {
	case ModeDisabled:
		result, err = c.resolveDisabled(scheduled, v)
	default:
		result, err = c.resolveDirtyBuild(ctx, scheduled, v, opts)
	}
	if err != nil {
		return nil, err
	}

	if opts.ScheduleMetaPips {
		c.scheduleMetaPipFrontier(result)
	}

	return result, nil
}

// computeTransitiveDepFilter computes V: scheduled plus every transitive
// dependency, via level-synchronized parallel BFS over incoming edges
// (§4.2 Phase B, §5 "fork-join parallelism over node sets").
func (c *BuildSetCalculator) computeTransitiveDepFilter(ctx context.Context, seeds []NodeId) (*NodeSet, error) {
	cap := 0
	for _, n := range c.g.Nodes() {
		if int(n) >= cap {
			cap = int(n) + 1
		}
	}
	v := NewNodeSet(cap)
	var mu sync.Mutex
	for _, s := range seeds {
		v.Add(s)
	}

	frontier := append([]NodeId(nil), seeds...)
	sem := semaphore.NewWeighted(int64(c.maxParallel))
	for len(frontier) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		nextSets := make([][]NodeId, len(frontier))
		for i, n := range frontier {
			i, n := i, n
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil, err
			}
			g.Go(func() error {
				defer sem.Release(1)
				var discovered []NodeId
				for _, dep := range c.g.InEdges(n) {
					mu.Lock()
					isNew := !v.Contains(dep)
					if isNew {
						v.Add(dep)
					}
					mu.Unlock()
					if isNew {
						discovered = append(discovered, dep)
					}
				}
				nextSets[i] = discovered
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		var next []NodeId
		for _, ns := range nextSets {
			next = append(next, ns...)
		}
		frontier = next
	}
	return v, nil
}

// resolveDisabled implements Phase C's Disabled-mode
// schedule_dependencies_until_clean_and_materialized (§4.2).
func (c *BuildSetCalculator) resolveDisabled(scheduled *orderedSet, v *NodeSet) (*ScheduledNodesResult, error) {
	var queue []NodeId
	for _, n := range scheduled.slice() {
		if c.tracker.IsDirty(n) {
			queue = append(queue, n)
		}
	}

	frontier := newOrderedSet()
	seen := map[NodeId]bool{}
	for _, n := range scheduled.slice() {
		seen[n] = true
	}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, d := range c.g.InEdges(n) {
			if !v.Contains(d) {
				continue
			}
			dnode := c.g.Node(d)
			cleanMaterialized := c.tracker.IsCleanAndMaterialized(d) && (dnode == nil || !dnode.Rewritten)
			if cleanMaterialized {
				frontier.add(d)
				continue
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			scheduled.add(d)
			if dnode != nil && dnode.Kind == PipProcess {
				c.tracker.MarkDirty(d, func(v NodeId) {
					vnode := c.g.Node(v)
					if vnode == nil || !vnode.Kind.IsMetaPip() {
						scheduled.add(v)
					}
				})
			}
			if dnode == nil || dnode.Kind != PipHashSourceFile {
				queue = append(queue, d)
			}
		}
	}

	for _, n := range frontier.slice() {
		scheduled.add(n)
	}

	return c.buildDisabledResult(scheduled, v, frontier), nil
}

func (c *BuildSetCalculator) buildDisabledResult(scheduled *orderedSet, v *NodeSet, frontier *orderedSet) *ScheduledNodesResult {
	processesInCone := 0
	v.Each(func(n NodeId) {
		if node := c.g.Node(n); node != nil && node.Kind == PipProcess {
			processesInCone++
		}
	})
	scheduledProcesses := 0
	var mustExecute []NodeId
	frontierSet := map[NodeId]bool{}
	for _, n := range frontier.slice() {
		frontierSet[n] = true
	}
	frontierProcessCount := 0
	for _, n := range scheduled.slice() {
		node := c.g.Node(n)
		if node != nil && node.Kind == PipProcess {
			scheduledProcesses++
		}
		if frontierSet[n] {
			if node != nil && node.Kind == PipProcess {
				frontierProcessCount++
			}
			continue
		}
		if node != nil && node.Kind.IsMetaPip() {
			continue
		}
		mustExecute = append(mustExecute, n)
	}

	hitCount := processesInCone - scheduledProcesses + frontierProcessCount
	if hitCount < 0 {
		hitCount = 0
	}

	return &ScheduledNodesResult{
		Scheduled:                              scheduled.slice(),
		MustExecute:                            mustExecute,
		IncrementalHitCount:                    hitCount,
		CleanMaterializedProcessFrontierCount:  frontierProcessCount,
	}
}

// resolveDirtyBuild implements Phase C's Module/All-mode
// schedule_dependencies_until_required_inputs_present (§4.2): a worker pool
// consumes scheduled process and IPC pips, probing declared inputs for
// existence and scheduling missing producers; an IPC pip schedules all of
// its file-input producers.
func (c *BuildSetCalculator) resolveDirtyBuild(ctx context.Context, scheduled *orderedSet, v *NodeSet, opts ComputeOptions) (*ScheduledNodesResult, error) {
	var mu sync.Mutex
	existenceCache := map[NodeId]bool{}
	var attributions []MissingInputAttribution

	probeExists := func(n NodeId) bool {
		mu.Lock()
		if ok, cached := existenceCache[n]; cached {
			mu.Unlock()
			return ok
		}
		mu.Unlock()
		exists := true
		if c.resolver != nil && c.fs != nil {
			for _, p := range c.resolver.OutputPaths(n) {
				if !c.fs.Exists(p) {
					exists = false
					break
				}
			}
		}
		mu.Lock()
		existenceCache[n] = exists
		mu.Unlock()
		return exists
	}

	seen := map[NodeId]bool{}
	for _, n := range scheduled.slice() {
		seen[n] = true
	}
	var seenMu sync.Mutex
	tryAdd := func(n NodeId) bool {
		seenMu.Lock()
		defer seenMu.Unlock()
		if seen[n] {
			return false
		}
		seen[n] = true
		scheduled.add(n)
		return true
	}

	queue := append([]NodeId(nil), scheduled.slice()...)
	sem := semaphore.NewWeighted(int64(c.maxParallel))

	for len(queue) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		nextBatches := make([][]NodeId, len(queue))
		for i, n := range queue {
			i, n := i, n
			node := c.g.Node(n)
			if node == nil || (node.Kind != PipProcess && node.Kind != PipIpc) {
				continue
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil, err
			}
			g.Go(func() error {
				defer sem.Release(1)
				var discovered []NodeId

				if opts.Mode == ModeModule && opts.ExplicitlyScheduledModules != nil {
					for _, dep := range c.g.InEdges(n) {
						depNode := c.g.Node(dep)
						if depNode != nil && opts.ExplicitlyScheduledModules[depNode.ModuleId] {
							if tryAdd(dep) {
								discovered = append(discovered, dep)
							}
						}
					}
				}

				for _, fi := range node.FileInputs {
					producerNode := c.g.Node(fi)
					if producerNode == nil {
						continue
					}
					if producerNode.Kind == PipWriteFile {
						continue
					}
					if !probeExists(fi) {
						if tryAdd(fi) {
							discovered = append(discovered, fi)
						}
						mu.Lock()
						attributions = append(attributions, MissingInputAttribution{
							Producer: fi, Consumer: n, Reason: MissingOutputs,
						})
						mu.Unlock()
					}
				}
				for _, di := range node.DirInputs {
					switch di.Kind {
					case SealDynamic:
						if tryAdd(di.Node) {
							discovered = append(discovered, di.Node)
						}
						mu.Lock()
						attributions = append(attributions, MissingInputAttribution{
							Producer: di.Node, Consumer: n, Reason: DynamicDirectory,
						})
						mu.Unlock()
					case SealStatic:
						if !probeExists(di.Node) {
							if tryAdd(di.Node) {
								discovered = append(discovered, di.Node)
							}
							mu.Lock()
							attributions = append(attributions, MissingInputAttribution{
								Producer: di.Node, Consumer: n, Reason: SealContentsMissing,
							})
							mu.Unlock()
						}
					}
				}
				if node.Kind == PipIpc {
					for _, fi := range node.FileInputs {
						if tryAdd(fi) {
							discovered = append(discovered, fi)
						}
						mu.Lock()
						attributions = append(attributions, MissingInputAttribution{
							Producer: fi, Consumer: n, Reason: IpcPipDependent,
						})
						mu.Unlock()
					}
				}
				nextBatches[i] = discovered
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		var next []NodeId
		for _, b := range nextBatches {
			next = append(next, b...)
		}
		queue = next
	}

	v.Each(func(n NodeId) {
		scheduled.add(n)
	})

	sort.Slice(attributions, func(i, j int) bool {
		if attributions[i].Producer != attributions[j].Producer {
			return attributions[i].Producer < attributions[j].Producer
		}
		return attributions[i].Consumer < attributions[j].Consumer
	})

	var mustExecute []NodeId
	for _, n := range scheduled.slice() {
		if node := c.g.Node(n); node != nil && !node.Kind.IsMetaPip() {
			mustExecute = append(mustExecute, n)
		}
	}

	return &ScheduledNodesResult{
		Scheduled:                 scheduled.slice(),
		MustExecute:               mustExecute,
		IncrementalHitCount:       0,
		MissingInputAttributions:  attributions,
	}, nil
}

// scheduleMetaPipFrontier implements Phase D (§4.2): compute the metapip
// frontier of scheduled (outgoing-edge endpoints that are metapips), then
// add their transitive dependents (assumed also metapips) to scheduled.
func (c *BuildSetCalculator) scheduleMetaPipFrontier(result *ScheduledNodesResult) {
	frontier := newOrderedSet()
	already := map[NodeId]bool{}
	for _, n := range result.Scheduled {
		already[n] = true
	}
	for _, n := range result.Scheduled {
		for _, d := range c.g.OutEdges(n) {
			if node := c.g.Node(d); node != nil && node.Kind.IsMetaPip() && !already[d] {
				frontier.add(d)
				already[d] = true
			}
		}
	}
	if frontier.len() == 0 {
		return
	}
	newlyScheduled := append([]NodeId(nil), frontier.slice()...)
	c.g.WalkOutgoingBFS(frontier.slice(), func(n NodeId) {
		if !already[n] {
			already[n] = true
			newlyScheduled = append(newlyScheduled, n)
		}
	})
	result.Scheduled = append(result.Scheduled, newlyScheduled...)
}

// orderedSet is a small insertion-ordered set of NodeIds, used throughout
// Phase B/C/D to keep scheduling decisions deterministic regardless of map
// iteration order.
type orderedSet struct {
	members map[NodeId]bool
	order   []NodeId
}

func newOrderedSet() *orderedSet {
	return &orderedSet{members: make(map[NodeId]bool)}
}

func (s *orderedSet) add(n NodeId) {
	if s.members[n] {
		return
	}
	s.members[n] = true
	s.order = append(s.order, n)
}

func (s *orderedSet) slice() []NodeId { return append([]NodeId(nil), s.order...) }
func (s *orderedSet) len() int        { return len(s.order) }
