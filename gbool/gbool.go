// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package gbool defines the boolean representations that cross the GPU
boundary. A Go bool has no stable device-side layout, so per-neuron
flags travel as an int32 Bool and dense per-neuron masks travel
bitpacked into u32 words. The word and bit addressing here is the same
one the WGSL and CUDA kernels use; the two must never diverge.
*/
package gbool

import "math/bits"

// Bool is an int32-backed boolean safe to place in GPU storage buffers.
type Bool int32

const (
	False Bool = 0
	True  Bool = 1
)

// FromBool converts a Go bool.
func FromBool(b bool) Bool {
	if b {
		return True
	}
	return False
}

// IsTrue reports whether b is set. Any nonzero value counts, matching
// how the kernels test the flag.
func IsTrue(b Bool) bool {
	return b != 0
}

func (b Bool) String() string {
	if IsTrue(b) {
		return "true"
	}
	return "false"
}

// Mask is a bitpacked boolean set in u32 words, bit i at word i/32,
// bit position i%32.
type Mask []uint32

// WordsFor returns the number of u32 words covering n bits.
func WordsFor(n int) int {
	return (n + 31) / 32
}

// NewMask returns a cleared mask covering n bits.
func NewMask(n int) Mask {
	return make(Mask, WordsFor(n))
}

// At reports bit i. Out-of-range bits read as false.
func (m Mask) At(i int) bool {
	w := i >> 5
	if w >= len(m) {
		return false
	}
	return m[w]&(1<<(uint(i)&31)) != 0
}

// Set writes bit i. Out-of-range writes are dropped.
func (m Mask) Set(i int, v bool) {
	w := i >> 5
	if w >= len(m) {
		return
	}
	bit := uint32(1) << (uint(i) & 31)
	if v {
		m[w] |= bit
	} else {
		m[w] &^= bit
	}
}

// Clear zeroes every word, keeping the allocation.
func (m Mask) Clear() {
	for i := range m {
		m[i] = 0
	}
}

// Count returns the number of set bits.
func (m Mask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount32(w)
	}
	return n
}

// Pack bitpacks a bool slice.
func Pack(vals []bool) Mask {
	m := NewMask(len(vals))
	for i, v := range vals {
		if v {
			m[i>>5] |= 1 << (uint(i) & 31)
		}
	}
	return m
}

// Unpack expands the first n bits back to a bool slice.
func (m Mask) Unpack(n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = m.At(i)
	}
	return out
}
