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
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a fixed-size digest, serialized as a length-prefixed hash
// per §6 ("Both fingerprints' serialized forms are length-prefixed hashes").
type Fingerprint [8]byte

func fingerprintFromUint64(v uint64) Fingerprint {
	var f Fingerprint
	binary.LittleEndian.PutUint64(f[:], v)
	return f
}

// Serialize returns the length-prefixed wire form of f.
func (f Fingerprint) Serialize() []byte {
	out := make([]byte, 4+len(f))
	binary.LittleEndian.PutUint32(out, uint32(len(f)))
	copy(out[4:], f[:])
	return out
}

// String renders f as a hex string, used for cache keys and logs.
func (f Fingerprint) String() string {
	const hex = "0123456789abcdef"
	out := make([]byte, len(f)*2)
	for i, b := range f {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0xf]
	}
	return string(out)
}

// PipDeclaration is everything about a pip that contributes to its weak
// fingerprint: the declaration itself, declared inputs, environment, and
// any build-wide salts (§6 "hash over pip declaration, declared inputs,
// environment, salts").
type PipDeclaration struct {
	Executable     string
	Arguments      []string
	EnvVars        map[string]string
	DeclaredFiles  []string
	DeclaredDirs   []string
	Salts          []string
}

// Fingerprinter computes weak and strong content fingerprints (C5). It holds
// no state; every method is a pure function of its arguments, matching
// spec.md §4.6's characterization of fingerprinting as a deterministic
// derivation from pip attributes and observed path sets.
type Fingerprinter struct{}

// NewFingerprinter returns a Fingerprinter. There is nothing to configure:
// weak/strong fingerprinting is a pure hash of its inputs.
func NewFingerprinter() *Fingerprinter { return &Fingerprinter{} }

// Weak computes the weak fingerprint of a pip declaration (§3
// TwoPhaseCachingInfo, §6).
func (*Fingerprinter) Weak(d PipDeclaration) Fingerprint {
	h := xxhash.New()
	writeString(h, d.Executable)
	for _, a := range d.Arguments {
		writeString(h, a)
	}
	keys := make([]string, 0, len(d.EnvVars))
	for k := range d.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeString(h, k)
		writeString(h, d.EnvVars[k])
	}
	files := append([]string(nil), d.DeclaredFiles...)
	sort.Strings(files)
	for _, f := range files {
		writeString(h, f)
	}
	dirs := append([]string(nil), d.DeclaredDirs...)
	sort.Strings(dirs)
	for _, dd := range dirs {
		writeString(h, dd)
	}
	for _, s := range d.Salts {
		writeString(h, s)
	}
	return fingerprintFromUint64(h.Sum64())
}

// Strong computes the strong fingerprint from (weak, path_set_hash,
// observed_inputs) per §6: "a digest over (weak fingerprint, path set,
// observed inputs)".
func (*Fingerprinter) Strong(weak Fingerprint, pathSetHash Fingerprint, observed []ObservedInput) Fingerprint {
	h := xxhash.New()
	_, _ = h.Write(weak[:])
	_, _ = h.Write(pathSetHash[:])
	for _, o := range observed {
		writeString(h, o.Path)
		var flag [1]byte
		flag[0] = byte(o.Flags)
		_, _ = h.Write(flag[:])
	}
	return fingerprintFromUint64(h.Sum64())
}

// HashBytes is a small helper exposed for components that need a stable
// content hash of an arbitrary blob (path-set blobs, metadata blobs, §6) but
// have no reason to route it through the Fingerprinter's weak/strong shape.
func HashBytes(b []byte) Fingerprint {
	return fingerprintFromUint64(xxhash.Sum64(b))
}

func writeString(h *xxhash.Digest, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write([]byte(s))
}
