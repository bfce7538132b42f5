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
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const wordBits = 64

// NodeSet is a ranged bitmap of NodeIds, word-addressed for cheap union,
// intersect, and serialization (§3 BuildConeState, §6 persisted dirty-tracker
// state).
type NodeSet struct {
	words []uint64
}

// NewNodeSet returns an empty set sized to hold ids up to capacity-1.
func NewNodeSet(capacity int) *NodeSet {
	n := (capacity + wordBits - 1) / wordBits
	if n < 1 {
		n = 1
	}
	return &NodeSet{words: make([]uint64, n)}
}

func (s *NodeSet) grow(n NodeId) {
	need := int(n)/wordBits + 1
	if need <= len(s.words) {
		return
	}
	grown := make([]uint64, need)
	copy(grown, s.words)
	s.words = grown
}

// Add sets n's bit.
func (s *NodeSet) Add(n NodeId) {
	s.grow(n)
	s.words[n/wordBits] |= 1 << (n % wordBits)
}

// Remove clears n's bit.
func (s *NodeSet) Remove(n NodeId) {
	if int(n)/wordBits >= len(s.words) {
		return
	}
	s.words[n/wordBits] &^= 1 << (n % wordBits)
}

// Contains reports whether n's bit is set.
func (s *NodeSet) Contains(n NodeId) bool {
	if int(n)/wordBits >= len(s.words) {
		return false
	}
	return s.words[n/wordBits]&(1<<(n%wordBits)) != 0
}

// Len returns the number of set bits.
func (s *NodeSet) Len() int {
	c := 0
	for _, w := range s.words {
		for w != 0 {
			w &= w - 1
			c++
		}
	}
	return c
}

// Each calls f for every set bit in ascending order.
func (s *NodeSet) Each(f func(NodeId)) {
	for wi, w := range s.words {
		for w != 0 {
			bit := w & -w
			idx := trailingZeros64(bit)
			f(NodeId(wi*wordBits + idx))
			w &^= bit
		}
	}
}

func trailingZeros64(w uint64) int {
	n := 0
	for w&1 == 0 {
		w >>= 1
		n++
	}
	return n
}

// ToSlice returns the set bits as a sorted slice.
func (s *NodeSet) ToSlice() []NodeId {
	out := make([]NodeId, 0, s.Len())
	s.Each(func(n NodeId) { out = append(out, n) })
	return out
}

// Union adds every member of other into s.
func (s *NodeSet) Union(other *NodeSet) {
	if len(other.words) > len(s.words) {
		grown := make([]uint64, len(other.words))
		copy(grown, s.words)
		s.words = grown
	}
	for i, w := range other.words {
		s.words[i] |= w
	}
}

// Clone returns an independent copy of s.
func (s *NodeSet) Clone() *NodeSet {
	c := &NodeSet{words: make([]uint64, len(s.words))}
	copy(c.words, s.words)
	return c
}

// Hash returns a stable content hash of the set's members. Trailing zero
// words are ignored, so sets with the same members hash equally whatever
// capacity they were created with.
func (s *NodeSet) Hash() uint64 {
	h := xxhash.New()
	buf := make([]byte, 8)
	words := s.words
	for len(words) > 0 && words[len(words)-1] == 0 {
		words = words[:len(words)-1]
	}
	for _, w := range words {
		binary.LittleEndian.PutUint64(buf, w)
		_, _ = h.Write(buf)
	}
	return h.Sum64()
}

// Serialize writes s as a length-prefixed bitmap: a 4-byte word count
// followed by that many little-endian uint64 words (§6: "each a
// length-prefixed bitmap over a contiguous node-id range").
func (s *NodeSet) Serialize() []byte {
	out := make([]byte, 4+len(s.words)*8)
	binary.LittleEndian.PutUint32(out, uint32(len(s.words)))
	for i, w := range s.words {
		binary.LittleEndian.PutUint64(out[4+i*8:], w)
	}
	return out
}

// DeserializeNodeSet parses bytes produced by Serialize. Round-tripping
// through Serialize/DeserializeNodeSet must be byte-identical per §6, which
// NodeSet achieves by never trimming trailing zero words on write.
func DeserializeNodeSet(b []byte) (*NodeSet, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("nodeset: truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint32(b))
	b = b[4:]
	if len(b) < n*8 {
		return nil, nil, fmt.Errorf("nodeset: truncated body: want %d words, have %d bytes", n, len(b))
	}
	words := make([]uint64, n)
	for i := 0; i < n; i++ {
		words[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return &NodeSet{words: words}, b[n*8:], nil
}
