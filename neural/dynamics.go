// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package neural

// Contribution returns the synaptic contribution of one delivery:
// weight times psp, both treated as raw 0..255 magnitudes cast to
// float32, signed by the synapse kind. There is no hidden scale factor:
// weight 200 with psp 200 contributes exactly 40000.
func Contribution(weight, psp uint8, kind SynapseKind) float32 {
	return float32(weight) * float32(psp) * kind.Sign()
}

// UpdatePotential advances a membrane potential by one burst:
//
//	V' = V + Isyn - leak*(V - rest)
//
// Leak is applied in the same step as the synaptic input, and the firing
// check is made on the returned value. With leak = 1 the carried charge
// is fully discharged to rest in the burst it arrives.
func UpdatePotential(v, isyn, leak, rest float32) float32 {
	return v + isyn - leak*(v-rest)
}

// ShouldFire applies the threshold window and the excitability gate to
// an updated potential. draw must be the uniform [0,1) value produced by
// nrand.ExcitabilityDraw for this neuron and burst so that every backend
// agrees on the outcome. thresholdLimit 0 disables the ceiling.
func ShouldFire(v, threshold, thresholdLimit, excitability, draw float32) bool {
	if v < threshold {
		return false
	}
	if thresholdLimit > 0 && v > thresholdLimit {
		return false
	}
	// fast paths shared with the GPU kernels
	if excitability >= 0.999 {
		return true
	}
	if excitability <= 0 {
		return false
	}
	return draw < excitability
}
