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

import "time"

// ExecutionOutcome classifies how a pip's execution concluded (§3
// ExecutionResult).
type ExecutionOutcome int

const (
	OutcomeSucceeded ExecutionOutcome = iota
	OutcomeFailed
	OutcomeCancelled
	OutcomeCacheHit
)

// ExecutionResultBuilder accumulates a pip's execution outcome field by
// field (the mutable half of §3's "mutable builder -> immutable sealed
// result" split). It has no getters, so its fields can only be read from
// the sealed ExecutionResult; it panics on any write after Seal and on a
// second Seal, matching graphContract's treatment of other builder misuse
// elsewhere in this package.
type ExecutionResultBuilder struct {
	node NodeId

	outcome  ExecutionOutcome
	exitCode int

	weakFingerprint   Fingerprint
	strongFingerprint Fingerprint
	pathSet           ObservedPathSet
	outputs           []FileMaterializationInfo

	start time.Time
	end   time.Time

	missReason  CacheMissReason
	hadMiss     bool
	converged   bool
	retryCount  int

	sealed bool
}

// NewExecutionResultBuilder returns a builder for node's execution.
func NewExecutionResultBuilder(node NodeId) *ExecutionResultBuilder {
	return &ExecutionResultBuilder{node: node}
}

func (b *ExecutionResultBuilder) checkUnsealed() {
	if b.sealed {
		graphContract("execution result builder for node %d written after Seal", b.node)
	}
}

// SetOutcome records the terminal outcome and exit code (for process pips).
func (b *ExecutionResultBuilder) SetOutcome(o ExecutionOutcome, exitCode int) *ExecutionResultBuilder {
	b.checkUnsealed()
	b.outcome = o
	b.exitCode = exitCode
	return b
}

// SetFingerprints records the weak/strong fingerprints computed for this
// execution.
func (b *ExecutionResultBuilder) SetFingerprints(weak, strong Fingerprint) *ExecutionResultBuilder {
	b.checkUnsealed()
	b.weakFingerprint = weak
	b.strongFingerprint = strong
	return b
}

// SetPathSet records the observed path set.
func (b *ExecutionResultBuilder) SetPathSet(s ObservedPathSet) *ExecutionResultBuilder {
	b.checkUnsealed()
	b.pathSet = s
	return b
}

// SetOutputs records the materialized (or absent) output files.
func (b *ExecutionResultBuilder) SetOutputs(outputs []FileMaterializationInfo) *ExecutionResultBuilder {
	b.checkUnsealed()
	b.outputs = outputs
	return b
}

// SetTiming records wall-clock start/end.
func (b *ExecutionResultBuilder) SetTiming(start, end time.Time) *ExecutionResultBuilder {
	b.checkUnsealed()
	b.start, b.end = start, end
	return b
}

// SetCacheMiss records why this execution ran instead of serving from cache.
func (b *ExecutionResultBuilder) SetCacheMiss(reason CacheMissReason) *ExecutionResultBuilder {
	b.checkUnsealed()
	b.missReason = reason
	b.hadMiss = true
	return b
}

// IncRetry bumps the sandbox-failure retry count (§5).
func (b *ExecutionResultBuilder) IncRetry() *ExecutionResultBuilder {
	b.checkUnsealed()
	b.retryCount++
	return b
}

// Seal freezes the builder into an immutable ExecutionResult. Calling Seal
// twice, or mutating the builder afterward, is a contract violation.
func (b *ExecutionResultBuilder) Seal() *ExecutionResult {
	b.checkUnsealed()
	b.sealed = true
	return &ExecutionResult{
		node:              b.node,
		outcome:           b.outcome,
		exitCode:          b.exitCode,
		weakFingerprint:   b.weakFingerprint,
		strongFingerprint: b.strongFingerprint,
		pathSet:           b.pathSet,
		outputs:           append([]FileMaterializationInfo(nil), b.outputs...),
		start:             b.start,
		end:               b.end,
		missReason:        b.missReason,
		hadMiss:           b.hadMiss,
		converged:         b.converged,
		retryCount:        b.retryCount,
	}
}

// ExecutionResult is the immutable, sealed outcome of one pip's execution
// (or cache hit). Every accessor is read-only; there is no way to mutate a
// sealed result other than producing a new one via CloneWithOutcome or
// CreateConverged.
type ExecutionResult struct {
	node NodeId

	outcome  ExecutionOutcome
	exitCode int

	weakFingerprint   Fingerprint
	strongFingerprint Fingerprint
	pathSet           ObservedPathSet
	outputs           []FileMaterializationInfo

	start time.Time
	end   time.Time

	missReason CacheMissReason
	hadMiss    bool
	converged  bool
	retryCount int
}

func (r *ExecutionResult) Node() NodeId                    { return r.node }
func (r *ExecutionResult) Outcome() ExecutionOutcome        { return r.outcome }
func (r *ExecutionResult) ExitCode() int                    { return r.exitCode }
func (r *ExecutionResult) WeakFingerprint() Fingerprint     { return r.weakFingerprint }
func (r *ExecutionResult) StrongFingerprint() Fingerprint   { return r.strongFingerprint }
func (r *ExecutionResult) PathSet() ObservedPathSet         { return r.pathSet }
func (r *ExecutionResult) Outputs() []FileMaterializationInfo {
	return append([]FileMaterializationInfo(nil), r.outputs...)
}
func (r *ExecutionResult) Duration() time.Duration { return r.end.Sub(r.start) }
func (r *ExecutionResult) CacheMissReason() (CacheMissReason, bool) {
	return r.missReason, r.hadMiss
}
func (r *ExecutionResult) Converged() bool  { return r.converged }
func (r *ExecutionResult) RetryCount() int  { return r.retryCount }
func (r *ExecutionResult) Succeeded() bool  { return r.outcome == OutcomeSucceeded || r.outcome == OutcomeCacheHit }

// CloneWithOutcome returns a new sealed result identical to r except for its
// outcome and exit code; r itself is left unchanged (§5).
func (r *ExecutionResult) CloneWithOutcome(o ExecutionOutcome, exitCode int) *ExecutionResult {
	clone := *r
	clone.outputs = append([]FileMaterializationInfo(nil), r.outputs...)
	clone.outcome = o
	clone.exitCode = exitCode
	return &clone
}

// CachedResult bundles the fields a conflicting cache entry contributes to
// CreateConverged: the authoritative output content, path set, and strong
// fingerprint this execution's own publish lost a race against (§4.4, §4.5).
type CachedResult struct {
	StrongFingerprint Fingerprint
	PathSet           ObservedPathSet
	Outputs           []FileMaterializationInfo
}

// CreateConverged returns a new sealed result for a conflict-convergence
// publish (§4.4's RejectedDueToConflict outcome): this execution's own
// publish lost to an already-existing cache entry at the same (weak,
// path-set, strong) triple, so the result adopts that entry's output
// content, path set, and strong fingerprint as authoritative (§4.5) while
// keeping this execution's own exit code, timing, cache-miss reason, and
// retry count.
func (r *ExecutionResult) CreateConverged(fromCacheResult CachedResult) *ExecutionResult {
	clone := *r
	clone.strongFingerprint = fromCacheResult.StrongFingerprint
	clone.pathSet = fromCacheResult.PathSet
	clone.outputs = append([]FileMaterializationInfo(nil), fromCacheResult.Outputs...)
	clone.converged = true
	return &clone
}
