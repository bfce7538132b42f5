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
	"errors"
	"testing"
	"time"
)

func TestRetryingSandbox_SucceedsOnFirstTry(t *testing.T) {
	calls := 0
	inner := FuncSandbox(func(ctx context.Context, req SandboxRunRequest) (SandboxRunResult, error) {
		calls++
		return SandboxRunResult{ExitCode: 0}, nil
	})
	r := NewRetryingSandbox(inner, RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond})
	_, retries, err := r.Run(context.Background(), SandboxRunRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if retries != 0 {
		t.Fatalf("retries = %d, want 0", retries)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryingSandbox_NonSandboxFailurePropagatesImmediately(t *testing.T) {
	calls := 0
	wantErr := errors.New("not a sandbox failure")
	inner := FuncSandbox(func(ctx context.Context, req SandboxRunRequest) (SandboxRunResult, error) {
		calls++
		return SandboxRunResult{}, wantErr
	})
	r := NewRetryingSandbox(inner, RetryPolicy{MaxRetries: 3, Backoff: time.Millisecond})
	_, retries, err := r.Run(context.Background(), SandboxRunRequest{})
	if err != wantErr {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if retries != 0 {
		t.Fatalf("retries = %d, want 0", retries)
	}
	if calls != 1 {
		t.Fatalf("a non-SandboxFailureError must not be retried, calls = %d", calls)
	}
}

func TestRetryingSandbox_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	calls := 0
	inner := FuncSandbox(func(ctx context.Context, req SandboxRunRequest) (SandboxRunResult, error) {
		calls++
		return SandboxRunResult{}, &SandboxFailureError{Status: SandboxFailureMismatchedMessageCount}
	})
	policy := RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond}
	r := NewRetryingSandbox(inner, policy)
	_, retries, err := r.Run(context.Background(), SandboxRunRequest{})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if retries != policy.MaxRetries {
		t.Fatalf("retries = %d, want %d", retries, policy.MaxRetries)
	}
	if calls != policy.MaxRetries+1 {
		t.Fatalf("calls = %d, want %d", calls, policy.MaxRetries+1)
	}
}

func TestRetryingSandbox_CancellationDuringBackoffStopsRetrying(t *testing.T) {
	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	inner := FuncSandbox(func(ctx context.Context, req SandboxRunRequest) (SandboxRunResult, error) {
		calls++
		if calls == 1 {
			cancel()
		}
		return SandboxRunResult{}, &SandboxFailureError{Status: SandboxFailureOutputWithNoFileAccess}
	})
	r := NewRetryingSandbox(inner, RetryPolicy{MaxRetries: 5, Backoff: 50 * time.Millisecond})
	_, _, err := r.Run(ctx, SandboxRunRequest{})
	if _, ok := err.(*CancelledError); !ok {
		t.Fatalf("err = %T, want *CancelledError", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry should start after cancellation)", calls)
	}
}

func TestStaticOutputResolver_OutputPaths(t *testing.T) {
	r := StaticOutputResolver{1: {"/out/a"}, 2: {"/out/b", "/out/c"}}
	if got := r.OutputPaths(1); len(got) != 1 || got[0] != "/out/a" {
		t.Fatalf("OutputPaths(1) = %v, want [/out/a]", got)
	}
	if got := r.OutputPaths(3); got != nil {
		t.Fatalf("OutputPaths(3) = %v, want nil for an unknown node", got)
	}
}
