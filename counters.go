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

import "sync/atomic"

// Counters is an atomic bag of the build-wide counters spec.md §4.4/§8
// expects observable: one per CacheMissReason, plus determinism recovery and
// convergence counts. All fields are accessed only through the methods below
// so callers never need their own synchronization.
type Counters struct {
	cacheMiss [8]atomic.Int64 // indexed by CacheMissReason

	cacheHit                               atomic.Int64
	determinismRecoveredFromCache          atomic.Int64
	convergedAfterStrongFingerprintMiss    atomic.Int64
	incrementalSkip                        atomic.Int64
}

// NewCounters returns a zeroed Counters.
func NewCounters() *Counters { return &Counters{} }

// IncMiss increments the counter for reason.
func (c *Counters) IncMiss(reason CacheMissReason) {
	i := int(reason)
	if i < 0 || i >= len(c.cacheMiss) {
		return
	}
	c.cacheMiss[i].Add(1)
}

// Miss returns the current count for reason.
func (c *Counters) Miss(reason CacheMissReason) int64 {
	i := int(reason)
	if i < 0 || i >= len(c.cacheMiss) {
		return 0
	}
	return c.cacheMiss[i].Load()
}

// IncHit increments the cache-hit counter.
func (c *Counters) IncHit() { c.cacheHit.Add(1) }

// Hit returns the current cache-hit count.
func (c *Counters) Hit() int64 { return c.cacheHit.Load() }

// IncDeterminismRecovered increments
// ProcessPipDeterminismRecoveredFromCache (§4.4 conflict-convergence: the
// Executor calls it when a publish is rejected because an entry already
// exists and the pip adopts that existing entry's outputs).
func (c *Counters) IncDeterminismRecovered() { c.determinismRecoveredFromCache.Add(1) }

// DeterminismRecovered returns the current count.
func (c *Counters) DeterminismRecovered() int64 { return c.determinismRecoveredFromCache.Load() }

// IncConverged increments the count of publishes that converged onto an
// existing cache entry instead of adding a new one (§4.4 step "Publish").
func (c *Counters) IncConverged() { c.convergedAfterStrongFingerprintMiss.Add(1) }

// Converged returns the current count.
func (c *Counters) Converged() int64 { return c.convergedAfterStrongFingerprintMiss.Load() }

// IncIncrementalSkip increments the count of nodes skipped as clean and
// materialized (§4.2). Nothing in this package calls it; BuildSetCalculator
// reports its skips through ScheduledNodesResult.IncrementalHitCount.
func (c *Counters) IncIncrementalSkip() { c.incrementalSkip.Add(1) }

// IncrementalSkip returns the current count.
func (c *Counters) IncrementalSkip() int64 { return c.incrementalSkip.Load() }
