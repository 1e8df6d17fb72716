// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package nrand implements the deterministic, counter-based random stream
used for the excitability firing gate.

Probabilistic firing has to be reproducible and bit-identical across the
CPU, WGSL, and CUDA implementations of neural dynamics, so the draw is a
pure hash of (neuron id, burst counter) rather than ambient randomness:
the same neuron gets a fresh draw every burst, any backend computes the
same draw, and replaying a burst replays its randomness. The hash is the
32-bit PCG output permutation; both GPU kernels carry a transcription of
these exact operations.
*/
package nrand

// Seed-mixing multipliers. Knuth's 2654435761 spreads neuron ids;
// 1597334677 spreads the burst counter so consecutive bursts decorrelate.
const (
	idMix    uint32 = 2654435761
	burstMix uint32 = 1597334677
)

// Hash applies the 32-bit PCG output permutation to x. All arithmetic
// wraps, matching u32 overflow on the GPU.
func Hash(x uint32) uint32 {
	state := x*747796405 + 2891336453
	word := ((state >> ((state >> 28) + 4)) ^ state) * 277803737
	return (word >> 22) ^ word
}

// Float maps a hash of x onto [0, 1).
func Float(x uint32) float32 {
	return float32(Hash(x)) / 4294967296.0
}

// ExcitabilityDraw returns the uniform [0, 1) value gating the firing of
// neuron nid in the given burst. The burst counter is truncated to u32;
// the stream repeats only after 2^32 bursts.
func ExcitabilityDraw(nid uint32, burst uint64) float32 {
	return Float(nid*idMix + uint32(burst)*burstMix)
}
