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

import "testing"

func TestFingerprinter_WeakIsDeterministic(t *testing.T) {
	fp := NewFingerprinter()
	d := PipDeclaration{
		Executable:    "/usr/bin/cc",
		Arguments:     []string{"-c", "a.c"},
		EnvVars:       map[string]string{"PATH": "/bin", "CC": "clang"},
		DeclaredFiles: []string{"a.c", "a.h"},
	}
	if fp.Weak(d) != fp.Weak(d) {
		t.Fatal("Weak should be a pure function of its argument")
	}
}

func TestFingerprinter_WeakIgnoresMapAndSliceOrder(t *testing.T) {
	fp := NewFingerprinter()
	a := PipDeclaration{
		Executable:    "/usr/bin/cc",
		EnvVars:       map[string]string{"A": "1", "B": "2"},
		DeclaredFiles: []string{"x.c", "y.c"},
	}
	b := PipDeclaration{
		Executable:    "/usr/bin/cc",
		EnvVars:       map[string]string{"B": "2", "A": "1"},
		DeclaredFiles: []string{"y.c", "x.c"},
	}
	if fp.Weak(a) != fp.Weak(b) {
		t.Fatal("Weak should not depend on map or declared-file insertion order")
	}
}

func TestFingerprinter_WeakDiffersOnSalt(t *testing.T) {
	fp := NewFingerprinter()
	base := PipDeclaration{Executable: "/bin/true"}
	salted := PipDeclaration{Executable: "/bin/true", Salts: []string{"v2"}}
	if fp.Weak(base) == fp.Weak(salted) {
		t.Fatal("a salt change must change the weak fingerprint")
	}
}

func TestFingerprinter_StrongDependsOnObservedInputsAndOrder(t *testing.T) {
	fp := NewFingerprinter()
	weak := fp.Weak(PipDeclaration{Executable: "/bin/true"})
	pathSetHash := HashBytes([]byte("pathset"))

	obsA := []ObservedInput{{Path: "/a", Flags: FileProbe}, {Path: "/b", Flags: FileProbe}}
	obsB := []ObservedInput{{Path: "/b", Flags: FileProbe}, {Path: "/a", Flags: FileProbe}}

	strongA := fp.Strong(weak, pathSetHash, obsA)
	strongB := fp.Strong(weak, pathSetHash, obsB)
	if strongA == strongB {
		t.Fatal("Strong is order-sensitive over its observed-input slice; callers must sort before calling")
	}

	strongDifferentFlags := fp.Strong(weak, pathSetHash, []ObservedInput{
		{Path: "/a", Flags: Enumeration}, {Path: "/b", Flags: FileProbe},
	})
	if strongA == strongDifferentFlags {
		t.Fatal("Strong must be sensitive to observed-input flags, not just paths")
	}
}

func TestFingerprint_SerializeIsLengthPrefixed(t *testing.T) {
	f := HashBytes([]byte("hello"))
	b := f.Serialize()
	if len(b) != 4+len(f) {
		t.Fatalf("Serialize() length = %d, want %d", len(b), 4+len(f))
	}
}

func TestHashBytes_Deterministic(t *testing.T) {
	if HashBytes([]byte("x")) != HashBytes([]byte("x")) {
		t.Fatal("HashBytes should be deterministic")
	}
	if HashBytes([]byte("x")) == HashBytes([]byte("y")) {
		return
	}
	t.Fatal("HashBytes should differ across distinct inputs (collision in test data, vanishingly unlikely)")
}
