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
	"time"
)

// PipState names the state machine a process pip's lifecycle moves through
// (§4.4).
type PipState int

const (
	StateQueued PipState = iota
	StateCacheLookup
	StateMaterializing
	StateExecuting
	StatePostProcess
	StatePublish
	StateConverged
	StateReported
	StateFailed
)

func (s PipState) String() string {
	switch s {
	case StateQueued:
		return "Queued"
	case StateCacheLookup:
		return "CacheLookup"
	case StateMaterializing:
		return "Materializing"
	case StateExecuting:
		return "Executing"
	case StatePostProcess:
		return "PostProcess"
	case StatePublish:
		return "Publish"
	case StateConverged:
		return "Converged"
	case StateReported:
		return "Reported"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Materializer writes a cache hit's outputs onto disk from content hashes.
// It is the executor's bridge to the external CAS-to-FileSystem
// materialization concern the core does not own (§1 Non-goals).
type Materializer interface {
	Materialize(ctx context.Context, fs FileSystem, meta PipCacheDescriptorV2Metadata) ([]FileMaterializationInfo, error)
}

// CASMaterializer materializes by copying content bytes from a ContentStore
// into a FileSystem, keyed by the metadata's recorded output hashes.
type CASMaterializer struct {
	Content ContentStore
}

// Materialize implements Materializer against static output hashes.
func (m *CASMaterializer) Materialize(ctx context.Context, fs FileSystem, meta PipCacheDescriptorV2Metadata) ([]FileMaterializationInfo, error) {
	var outs []FileMaterializationInfo
	for i, h := range meta.StaticOutputHashes {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		if h == AbsentFileHash {
			outs = append(outs, FileMaterializationInfo{ContentHash: h})
			continue
		}
		b, err := m.Content.ReadContent(h)
		if err != nil {
			return nil, &IoError{Path: h.String(), Inner: err}
		}
		if _, err := fs.WriteContent(b); err != nil {
			return nil, &IoError{Path: h.String(), Inner: err}
		}
		outs = append(outs, FileMaterializationInfo{ContentHash: h, Length: int64(len(b)), FileName: syntheticOutputName(i)})
	}
	return outs, nil
}

func syntheticOutputName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "out-" + string(letters[i%len(letters)])
}

// Executor is the glue layer (§2 data flow, §4.4 state machine): given a
// scheduled process pip, it drives CacheLookup -> {Materializing | Executing
// -> PostProcess -> Publish} -> Reported/Failed, updating the DirtyTracker
// via PendingUpdates at the end.
type Executor struct {
	Graph       *Graph
	Tracker     *DirtyTracker
	Cache       *TwoPhaseCache
	FP          *Fingerprinter
	Observed    *ObservedInputProcessor
	Sandbox     *RetryingSandbox
	FS          FileSystem
	Materialize Materializer
	Counters    *Counters
	Logger      Logger
}

// ExecuteRequest is everything Execute needs for one scheduled process pip.
type ExecuteRequest struct {
	Node        NodeId
	Declaration PipDeclaration
	Policy      AccessPolicy

	CacheableStaticOutputs int
	DeclaredDirOutputs     int

	OriginatingCache string
}

// Execute drives one process pip through the full state machine and
// returns its sealed ExecutionResult. It never panics on expected failure
// paths (sandbox failure, cache miss, observed-input mismatch); only
// contract violations propagate as panics (via graphContract).
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest, pending *PendingUpdates) *ExecutionResult {
	start := timeNow()
	b := NewExecutionResultBuilder(req.Node)

	weak := e.FP.Weak(req.Declaration)

	state := StateCacheLookup
	resolver := &fileSystemPathSetResolver{fs: e.FS, policy: req.Policy}
	lookup, err := e.Cache.Lookup(ctx, weak, resolver, req.CacheableStaticOutputs, req.DeclaredDirOutputs)
	if err != nil {
		return e.fail(b, req.Node, start, err)
	}

	if lookup.Hit {
		state = StateMaterializing
		outputs, err := e.Materialize.Materialize(ctx, e.FS, lookup.Metadata)
		if err != nil {
			return e.fail(b, req.Node, start, err)
		}
		b.SetOutcome(OutcomeCacheHit, 0).
			SetFingerprints(weak, lookup.Info.StrongFingerprint).
			SetOutputs(outputs).
			SetTiming(start, timeNow())
		pending.AddClean(req.Node)
		pending.AddMaterialized(req.Node)
		e.Logger.Event(EventExecutionEnd, "cache hit materialized")
		return b.Seal()
	}

	b.SetCacheMiss(lookup.Miss)
	state = StateExecuting
	e.Logger.Event(EventExecutionStart, "executing: "+state.String())

	runResult, retries, err := e.Sandbox.Run(ctx, SandboxRunRequest{Node: req.Node, Declaration: req.Declaration, Policy: req.Policy})
	for i := 0; i < retries; i++ {
		b.IncRetry()
		e.Logger.Event(EventSandboxRetry, "sandbox retry")
	}
	if err != nil {
		return e.fail(b, req.Node, start, err)
	}

	state = StatePostProcess
	obsResult := e.Observed.Process(weak, runResult.Accesses, req.Policy, e.FS)
	switch obsResult.Status {
	case ObservedAborted:
		return e.fail(b, req.Node, start, &ObservedInputAbortedError{Path: obsResult.MismatchedPath, Reason: obsResult.AbortReason})
	case ObservedMismatched:
		return e.fail(b, req.Node, start, &ObservedInputMismatchedError{Path: obsResult.MismatchedPath})
	}

	meta := PipCacheDescriptorV2Metadata{
		WeakFingerprint:   weak.String(),
		StrongFingerprint: obsResult.StrongFingerprint.String(),
	}
	var referenced []Fingerprint
	for _, o := range runResult.Outputs {
		if o.IsCacheable() {
			referenced = append(referenced, o.ContentHash)
			meta.StaticOutputHashes = append(meta.StaticOutputHashes, o.ContentHash)
		} else {
			meta.StaticOutputHashes = append(meta.StaticOutputHashes, AbsentFileHash)
		}
	}

	state = StatePublish
	info, conflictMeta, err := e.Cache.Publish(ctx, weak, obsResult.PathSet, obsResult.StrongFingerprint, meta, referenced, req.OriginatingCache)
	if err != nil {
		return e.fail(b, req.Node, start, err)
	}

	b.SetOutcome(OutcomeSucceeded, runResult.ExitCode).
		SetFingerprints(weak, info.StrongFingerprint).
		SetPathSet(obsResult.PathSet).
		SetOutputs(runResult.Outputs).
		SetTiming(start, timeNow())
	res := b.Seal()

	if conflictMeta != nil {
		// §4.4 RejectedDueToConflict: another publish already owns this
		// (weak, path-set, strong) triple. Its entry is authoritative
		// regardless of whether this execution's own output happened to
		// match, so adopt its content instead of reporting our own.
		state = StateConverged
		adopted, merr := e.Materialize.Materialize(ctx, e.FS, *conflictMeta)
		if merr != nil {
			return e.fail(NewExecutionResultBuilder(req.Node), req.Node, start, merr)
		}
		res = res.CreateConverged(CachedResult{
			StrongFingerprint: info.StrongFingerprint,
			PathSet:           obsResult.PathSet,
			Outputs:           adopted,
		})
		e.Counters.IncDeterminismRecovered()
		e.Logger.Event(EventExecutionEnd, "execution rejected due to conflict, adopted cache entry")
	} else {
		e.Logger.Event(EventExecutionEnd, "execution reported")
	}
	_ = state

	pending.AddClean(req.Node)
	pending.AddMaterialized(req.Node)
	return res
}

func (e *Executor) fail(b *ExecutionResultBuilder, node NodeId, start time.Time, err error) *ExecutionResult {
	if _, ok := err.(*CancelledError); ok {
		b.SetOutcome(OutcomeCancelled, -1)
	} else {
		b.SetOutcome(OutcomeFailed, -1)
	}
	b.SetTiming(start, timeNow())
	e.Logger.Event(EventPipFailed, "pip failed: "+err.Error())
	return b.Seal()
}

// timeNow exists so Execute's timing calls go through one seam; the package
// never calls time.Now() directly elsewhere. It is a plain function, not a
// variable, so it cannot be swapped for a fixed clock.
func timeNow() time.Time { return time.Now() }

// fileSystemPathSetResolver implements PathSetResolver against the current
// FileSystem and AccessPolicy: every observed path must still be permitted by
// the policy, and every enumerated directory's membership hash (filtered and
// sorted as the ObservedInputProcessor does) must be unchanged (§4.3). The
// current existence of FileProbe and DirectoryLocation paths is not re-probed.
type fileSystemPathSetResolver struct {
	fs     FileSystem
	policy AccessPolicy
}

func (r *fileSystemPathSetResolver) Revalidate(ctx context.Context, set ObservedPathSet) (bool, error) {
	for _, in := range set.Inputs {
		if !r.policy.IsPermitted(in.Path) {
			return false, nil
		}
	}
	for dir, want := range set.EnumerationHashes {
		entries, err := r.fs.ListDirectory(dir)
		if err != nil {
			return false, err
		}
		if re := r.policy.EnumerationFilter(dir); re != nil {
			var kept []string
			for _, e := range entries {
				if re.MatchString(e) {
					kept = append(kept, e)
				}
			}
			entries = kept
		}
		sort.Slice(entries, func(i, j int) bool { return lessPathFold(entries[i], entries[j]) })
		var buf []byte
		for _, e := range entries {
			writeLenPrefixed(&buf, e)
		}
		if HashBytes(buf) != want {
			return false, nil
		}
	}
	return true, nil
}
