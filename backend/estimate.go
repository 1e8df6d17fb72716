// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

// EstimateSpeedup models how much faster a discrete accelerator would
// run one burst of the given workload, as host-time / device-time.
// Device time charges the PCIe transfer of per-burst traffic and a
// fixed launch overhead per phase on top of the arithmetic, which is
// what makes small or quiet workloads lose on the GPU. Every constant
// comes from the config; nothing is hardcoded.
func EstimateSpeedup(neurons, synapses int, firingRate float64, cfg *Config) float64 {
	if neurons <= 0 {
		return 0
	}
	if firingRate < 0 {
		firingRate = 0
	}
	n := float64(neurons)
	activeSyn := float64(synapses) * firingRate
	flops := activeSyn*cfg.FlopsPerSynapse + n*cfg.FlopsPerNeuron

	hostTime := flops / (cfg.HostGFLOPS * 1e9)

	// per-burst traffic: sparse candidates up (id + contribution),
	// fired mask and touched potentials down
	bytes := n*firingRate*16 + n/8
	deviceTime := flops/(cfg.DeviceGFLOPS*1e9) +
		bytes/(cfg.PCIeGBPerSec*1e9) +
		2*cfg.LaunchOverhead

	if deviceTime <= 0 {
		return cfg.MaxSpeedup
	}
	s := hostTime / deviceTime
	if s > cfg.MaxSpeedup {
		return cfg.MaxSpeedup
	}
	return s
}
