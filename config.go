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

// BuildSetMode selects how Phase C/D of the build-set calculator resolves
// the clean-materialized frontier (§4.2).
type BuildSetMode int

const (
	// ModeDisabled never re-expands past the frontier: a clean, materialized
	// node stops the walk even if its content is not actually present.
	ModeDisabled BuildSetMode = iota
	// ModeModule resolves the frontier like ModeAll and additionally
	// schedules every dependency whose module is listed in
	// ComputeOptions.ExplicitlyScheduledModules.
	ModeModule
	// ModeAll resolves the frontier build-wide. Both ModeModule and ModeAll
	// use a worker pool.
	ModeAll
)

func (m BuildSetMode) String() string {
	switch m {
	case ModeDisabled:
		return "Disabled"
	case ModeModule:
		return "Module"
	case ModeAll:
		return "All"
	default:
		return "Unknown"
	}
}

// ForceSkipMode is the force-skip-dependencies flag carried on BuildConfig.
// BuildSetCalculator does not read it: Phase B's build-cone walk runs
// whatever its value. Modeled as a distinct type (rather than a bare bool)
// so call sites read as intent, not a stray boolean (§4.2 Phase A).
type ForceSkipMode bool

const (
	ForceSkipDisabled ForceSkipMode = false
	ForceSkipEnabled  ForceSkipMode = true
)

// UnsafeOptions loosens correctness guarantees in exchange for speed or
// compatibility with a messy build graph (§4.3, §6). The options are carried
// on BuildConfig only: neither the Fingerprinter nor the
// ObservedInputProcessor reads them, so they do not change the strong
// fingerprint and turning one on or off does not invalidate cache entries.
type UnsafeOptions struct {
	// IgnorePreloadedDlls excludes preloaded-DLL probes from observed inputs.
	IgnorePreloadedDlls bool
	// RelaxedDoubleWriteChecking tolerates two pips producing the same path
	// so long as the content agrees, instead of treating it as a hard error.
	RelaxedDoubleWriteChecking bool
	// ExistingDirectoryProbesAsEnumerations upgrades a plain existence probe
	// of a directory into a full Enumeration access.
	ExistingDirectoryProbesAsEnumerations bool
}

// RetryPolicy governs §5's sandbox-failure retry behavior.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetryPolicy matches §5's "5 retries default".
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, Backoff: 100 * time.Millisecond}
}

// PinPolicy names whether referenced content is pinned in the backing
// content store after a successful strong-fingerprint match (§4.4 step
// "Pin content"). TwoPhaseCache.Lookup does not read it and always pins.
type PinPolicy int

const (
	PinOnHit PinPolicy = iota
	PinNever
)

// BuildConfig aggregates the engine's incremental-build and caching knobs in
// one place, mirroring the teacher's BuildConfig (nobuild build.go)
// generalized from ninja's parallelism/verbosity flags. Neither the Executor
// nor BuildSetCalculator takes a BuildConfig; they are configured through
// their own fields and ComputeOptions.
type BuildConfig struct {
	Mode          BuildSetMode
	ForceSkip     ForceSkipMode
	Unsafe        UnsafeOptions
	Retry         RetryPolicy
	Pin           PinPolicy
	MaxConcurrent int
}

// DefaultBuildConfig returns sensible defaults: Module-scoped frontier
// resolution, force-skip off, no unsafe relaxations, default retry policy,
// pin on hit, and a modest worker cap.
func DefaultBuildConfig() BuildConfig {
	return BuildConfig{
		Mode:          ModeModule,
		ForceSkip:     ForceSkipDisabled,
		Unsafe:        UnsafeOptions{},
		Retry:         DefaultRetryPolicy(),
		Pin:           PinOnHit,
		MaxConcurrent: 8,
	}
}
