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
	"testing"
	"time"
)

func TestBuildSetMode_String(t *testing.T) {
	cases := map[BuildSetMode]string{
		ModeDisabled: "Disabled",
		ModeModule:   "Module",
		ModeAll:      "All",
		BuildSetMode(99): "Unknown",
	}
	for mode, want := range cases {
		if got := mode.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", mode, got, want)
		}
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", p.MaxRetries)
	}
	if p.Backoff != 100*time.Millisecond {
		t.Errorf("Backoff = %v, want 100ms", p.Backoff)
	}
}

func TestDefaultBuildConfig(t *testing.T) {
	c := DefaultBuildConfig()
	if c.Mode != ModeModule {
		t.Errorf("Mode = %v, want ModeModule", c.Mode)
	}
	if c.ForceSkip != ForceSkipDisabled {
		t.Error("ForceSkip should default to disabled")
	}
	if c.Pin != PinOnHit {
		t.Errorf("Pin = %v, want PinOnHit", c.Pin)
	}
	if c.Unsafe != (UnsafeOptions{}) {
		t.Errorf("Unsafe = %+v, want zero value", c.Unsafe)
	}
	if c.MaxConcurrent <= 0 {
		t.Errorf("MaxConcurrent = %d, want > 0", c.MaxConcurrent)
	}
	if c.Retry != DefaultRetryPolicy() {
		t.Errorf("Retry = %+v, want DefaultRetryPolicy()", c.Retry)
	}
}

func TestForceSkipMode_IsADistinctBoolType(t *testing.T) {
	var m ForceSkipMode = ForceSkipEnabled
	if !bool(m) {
		t.Fatal("ForceSkipEnabled should convert to true")
	}
	if bool(ForceSkipDisabled) {
		t.Fatal("ForceSkipDisabled should convert to false")
	}
}
