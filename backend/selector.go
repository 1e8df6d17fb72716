// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"fmt"

	"github.com/spikeforge/npu/neural"
)

// Select picks the backend for a workload. Pure: the same inputs
// always give the same decision, so the choice is testable without
// hardware (tests pass fixed probes).
//
// Order: force flags, then CUDA, then WGPU, then CPU. A forced backend
// that the probe reports unavailable is an UnavailableError, never a
// silent substitution. CUDA wants a large workload and a modeled
// speedup above the configured minimum; WGPU additionally wants enough
// firing activity to amortize per-burst transfer.
func Select(neurons, synapses int, firingRate float64, probe HardwareProbe, cfg Config) (Decision, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return Decision{}, err
	}

	switch {
	case cfg.ForceCPU:
		return Decision{Backend: CPU, Reason: "forced"}, nil
	case cfg.ForceCUDA:
		if !probe.CUDAAvailable() {
			return Decision{}, &neural.UnavailableError{Backend: CUDA.String(), Reason: "forced but no usable device"}
		}
		return Decision{Backend: CUDA, Reason: "forced",
			EstimatedSpeedup: EstimateSpeedup(neurons, synapses, firingRate, &cfg)}, nil
	case cfg.ForceWGPU:
		if !probe.WGPUAvailable() {
			return Decision{}, &neural.UnavailableError{Backend: WGPU.String(), Reason: "forced but no adapter"}
		}
		return Decision{Backend: WGPU, Reason: "forced",
			EstimatedSpeedup: EstimateSpeedup(neurons, synapses, firingRate, &cfg)}, nil
	}

	if (neurons >= cfg.CUDANeuronThreshold || synapses >= cfg.CUDASynapseThreshold) &&
		probe.CUDAAvailable() {
		s := EstimateSpeedup(neurons, synapses, firingRate, &cfg)
		if s > cfg.MinGPUSpeedup {
			return Decision{
				Backend:          CUDA,
				Reason:           fmt.Sprintf("%d neurons, estimated speedup %.1fx", neurons, s),
				EstimatedSpeedup: s,
			}, nil
		}
	}

	if (neurons >= cfg.GPUNeuronThreshold || synapses >= cfg.GPUSynapseThreshold) &&
		probe.WGPUAvailable() && firingRate >= cfg.GPUMinFiringRate {
		return Decision{
			Backend:          WGPU,
			Reason:           fmt.Sprintf("%d neurons at firing rate %.3f", neurons, firingRate),
			EstimatedSpeedup: EstimateSpeedup(neurons, synapses, firingRate, &cfg),
		}, nil
	}

	return Decision{Backend: CPU, Reason: "workload below accelerator thresholds"}, nil
}
