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
	"time"
)

// SandboxRunRequest is everything a Sandbox needs to execute one process
// pip: its declaration (for argv/env/cwd derivation by the implementation)
// plus the access policy it should enforce while running.
type SandboxRunRequest struct {
	Node        NodeId
	Declaration PipDeclaration
	Policy      AccessPolicy
}

// SandboxRunResult is the raw, unvalidated outcome of one sandboxed run: an
// exit code, the accesses it observed, and the outputs it produced. It feeds
// ObservedInputProcessor.Process and ExecutionResultBuilder.
type SandboxRunResult struct {
	ExitCode int
	Accesses []RawAccess
	Outputs  []FileMaterializationInfo
}

// Sandbox runs one process pip under access-tracking isolation (§1, §5).
// Implementations report SandboxFailureError for the retry-eligible failure
// modes named there (output with no recorded file access, mismatched
// message count).
type Sandbox interface {
	Run(ctx context.Context, req SandboxRunRequest) (SandboxRunResult, error)
}

// RetryingSandbox wraps an underlying Sandbox with §5's retry policy:
// SandboxFailureError triggers up to policy.MaxRetries retries with a fixed
// backoff between them; any other error, or a cancellation, propagates
// immediately.
type RetryingSandbox struct {
	Inner  Sandbox
	Policy RetryPolicy
}

// NewRetryingSandbox wraps inner with policy.
func NewRetryingSandbox(inner Sandbox, policy RetryPolicy) *RetryingSandbox {
	return &RetryingSandbox{Inner: inner, Policy: policy}
}

// Run attempts inner.Run, retrying on SandboxFailureError per Policy. It
// returns the number of retries performed alongside the final result so
// callers can feed ExecutionResultBuilder.IncRetry the right number of
// times.
func (r *RetryingSandbox) Run(ctx context.Context, req SandboxRunRequest) (SandboxRunResult, int, error) {
	var lastErr error
	for attempt := 0; attempt <= r.Policy.MaxRetries; attempt++ {
		if err := checkCancelled(ctx); err != nil {
			return SandboxRunResult{}, attempt, err
		}
		res, err := r.Inner.Run(ctx, req)
		if err == nil {
			return res, attempt, nil
		}
		var sfe *SandboxFailureError
		if !asSandboxFailure(err, &sfe) {
			return SandboxRunResult{}, attempt, err
		}
		lastErr = err
		if attempt == r.Policy.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return SandboxRunResult{}, attempt, &CancelledError{Cause: ctx.Err()}
		case <-time.After(r.Policy.Backoff):
		}
	}
	return SandboxRunResult{}, r.Policy.MaxRetries, lastErr
}

func asSandboxFailure(err error, target **SandboxFailureError) bool {
	if sfe, ok := err.(*SandboxFailureError); ok {
		*target = sfe
		return true
	}
	return false
}

// FuncSandbox adapts a plain function to Sandbox, for tests and the demo
// host: a pip's "execution" is just whatever Go closure the caller supplied,
// already reporting the accesses and outputs a real sandbox would have
// observed.
type FuncSandbox func(ctx context.Context, req SandboxRunRequest) (SandboxRunResult, error)

func (f FuncSandbox) Run(ctx context.Context, req SandboxRunRequest) (SandboxRunResult, error) {
	return f(ctx, req)
}

// StaticOutputResolver is a trivial OutputPathResolver backed by an explicit
// node-to-paths map, used by tests and the demo host in place of a real
// build graph's declared-output tracking.
type StaticOutputResolver map[NodeId][]string

func (r StaticOutputResolver) OutputPaths(n NodeId) []string { return r[n] }
