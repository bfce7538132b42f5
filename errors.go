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

import "fmt"

// CacheMissReason classifies why a two-phase cache lookup produced a miss.
type CacheMissReason int

const (
	MissArtificial CacheMissReason = iota
	MissProcessUncacheable
	MissWeakFingerprint
	MissStrongFingerprint
	MissCacheEntry
	MissInvalidDescriptor
	MissMetadata
	MissOutputContent
)

func (r CacheMissReason) String() string {
	switch r {
	case MissArtificial:
		return "ArtificialMiss"
	case MissProcessUncacheable:
		return "ProcessUncacheable"
	case MissWeakFingerprint:
		return "MissDueToWeakFingerprints"
	case MissStrongFingerprint:
		return "MissDueToStrongFingerprints"
	case MissCacheEntry:
		return "MissForCacheEntry"
	case MissInvalidDescriptor:
		return "MissDueToInvalidDescriptors"
	case MissMetadata:
		return "MissForProcessMetadata"
	case MissOutputContent:
		return "MissForProcessOutputContent"
	default:
		return "UnknownMissReason"
	}
}

// GraphContractError reports a violated invariant of the graph or tracker.
// It is always fatal: the caller that receives it should abort the current
// operation; recovering from it would mean continuing from an inconsistent
// state.
type GraphContractError struct {
	Msg string
}

func (e *GraphContractError) Error() string { return "graph contract violation: " + e.Msg }

// graphContract panics on a violated invariant, mirroring the teacher's
// Fatal() exit-on-invariant-break behavior (util.go, nobuild) translated to
// Go: a contract violation is not something the caller can recover from.
func graphContract(format string, args ...interface{}) {
	panic(&GraphContractError{Msg: fmt.Sprintf(format, args...)})
}

// CacheMissError is the expected, non-fatal outcome of a lookup that did not
// find a reusable prior execution. It always drives the MISS path.
type CacheMissError struct {
	Reason CacheMissReason
}

func (e *CacheMissError) Error() string { return "cache miss: " + e.Reason.String() }

// CacheUnavailableError wraps a transient failure reaching the external
// cache. The lookup recovers locally by treating it as a miss.
type CacheUnavailableError struct {
	Inner error
}

func (e *CacheUnavailableError) Error() string { return "cache unavailable: " + e.Inner.Error() }
func (e *CacheUnavailableError) Unwrap() error { return e.Inner }

// SandboxFailureStatus enumerates the ways a sandboxed run can fail in a way
// that is the core's responsibility to retry (§5).
type SandboxFailureStatus int

const (
	SandboxFailureOther SandboxFailureStatus = iota
	SandboxFailureOutputWithNoFileAccess
	SandboxFailureMismatchedMessageCount
)

// SandboxFailureError reports a sandboxed execution failure, with enough
// information for the executor to decide whether to retry.
type SandboxFailureError struct {
	Status    SandboxFailureStatus
	ExitCode  int
	RetryInfo string
}

func (e *SandboxFailureError) Error() string {
	return fmt.Sprintf("sandbox failure (status=%d, exit=%d): %s", e.Status, e.ExitCode, e.RetryInfo)
}

// ObservedInputMismatchedError means "this path-set does not apply to this
// pip now" (§4.3). During cache lookup a stale candidate path-set is
// skipped through PathSetResolver's boolean result, not this error; the
// Executor returns this error when a pip's own observed accesses include a
// path the policy does not permit, and the pip fails with it.
type ObservedInputMismatchedError struct {
	Path string
}

func (e *ObservedInputMismatchedError) Error() string {
	return "observed input mismatched at " + e.Path
}

// ObservedInputAbortedError is a hard validation failure: the pip must fail.
type ObservedInputAbortedError struct {
	Path   string
	Reason string
}

func (e *ObservedInputAbortedError) Error() string {
	return fmt.Sprintf("observed input aborted at %s: %s", e.Path, e.Reason)
}

// CancelledError means the operation was cancelled through a
// CancellationToken. It is never recovered inside the core; it propagates to
// the caller unchanged.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return "cancelled"
	}
	return "cancelled: " + e.Cause.Error()
}
func (e *CancelledError) Unwrap() error { return e.Cause }

// IoError reports a file-system operation failure. Classified fatal unless
// the caller was doing an optional pin or existence probe, in which case it
// is recovered into a miss/false result instead of propagating.
type IoError struct {
	Path  string
	Inner error
}

func (e *IoError) Error() string { return "io error at " + e.Path + ": " + e.Inner.Error() }
func (e *IoError) Unwrap() error { return e.Inner }
