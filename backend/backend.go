// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package backend implements the compute backends that run a burst's two
phases, synaptic propagation and neural dynamics, plus the selector
that picks a backend from workload shape and hardware availability.

All backends compute the same canonical arithmetic from the neural
package. CPU is the reference and always available; WGPU and CUDA are
accelerators that must agree with it within DiffTol for floating-point
state and bit-exactly for integer state.
*/
package backend

import (
	"github.com/spikeforge/npu/connectome"
	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/neural"
)

// DiffTol is the maximum float divergence tolerated between backends
// computing the same burst.
const DiffTol = 1.0e-3

// Kind names a compute backend.
type Kind int32

const (
	// CPU is the parallel host backend, the reference implementation.
	CPU Kind = iota

	// WGPU runs WGSL compute kernels through wgpu-native.
	WGPU

	// CUDA runs NVRTC-compiled kernels through the CUDA driver API.
	CUDA
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case WGPU:
		return "wgpu"
	case CUDA:
		return "cuda"
	}
	return "unknown"
}

// Stats reports what a dynamics pass touched.
type Stats struct {

	// neurons the backend evaluated this burst; sparse backends count
	// candidates, dense ones count every valid neuron
	Processed int

	// neurons that fired
	Fired int

	// neurons skipped as refractory (countdown still running)
	Refractory int
}

// Compute is one burst's arithmetic engine. The engine drives it
// through the two phases in order: Propagate walks the previous
// burst's firings into the candidate list, then Dynamics advances
// every candidate and fills the queue with this burst's firings.
//
// Backends may cache device-side copies of the state between bursts;
// OnGenomeChange invalidates those caches after any structural edit.
// Any device failure mid-phase is a ComputeError and the engine
// discards the burst.
type Compute interface {
	// Propagate delivers each previous firing across its outgoing
	// synapses, accumulating contributions in fcl. Returns the number
	// of synapses walked.
	Propagate(prev *fire.Queue, st *connectome.State, fcl *fire.CandidateList) (int, error)

	// Dynamics advances every candidate's membrane state for the given
	// burst and appends firings to q.
	Dynamics(fcl *fire.CandidateList, st *connectome.State, burst uint64, q *fire.Queue) (Stats, error)

	// InitPersistent uploads long-lived state to the device. A no-op
	// for host backends.
	InitPersistent(st *connectome.State) error

	// OnGenomeChange drops cached device state after a structural
	// change (neuron or synapse add/remove, parameter edit).
	OnGenomeChange() error

	// Name returns the backend's Kind string.
	Name() string

	// Close releases device resources.
	Close() error
}

// HardwareProbe reports what accelerators the process can reach. The
// selector consults it; tests substitute fixed probes.
type HardwareProbe interface {
	// WGPUAvailable reports whether a wgpu adapter can be acquired.
	WGPUAvailable() bool

	// CUDAAvailable reports whether a CUDA device and toolkit are
	// usable in this build.
	CUDAAvailable() bool
}

// Config carries the selector thresholds and the speedup-model
// constants. Zero values mean "use the default"; Validate runs after
// defaulting and rejects rather than corrects.
type Config struct {

	// force flags pin the backend outright; a pinned backend that is
	// unavailable is a fatal UnavailableError, never silently replaced
	ForceCPU  bool
	ForceWGPU bool
	ForceCUDA bool

	// neuron count at or above which WGPU is considered
	GPUNeuronThreshold int

	// synapse count at or above which WGPU is considered
	GPUSynapseThreshold int

	// neuron count at or above which CUDA is considered
	CUDANeuronThreshold int

	// synapse count at or above which CUDA is considered
	CUDASynapseThreshold int

	// minimum firing rate for WGPU to pay off; sparser activity stays
	// on the CPU where the sparse path wins
	GPUMinFiringRate float64

	// minimum estimated speedup before CUDA is taken
	MinGPUSpeedup float64

	// cap on the estimated speedup, guarding the model against
	// degenerate workload shapes
	MaxSpeedup float64

	// speedup-model constants; see estimate.go
	HostGFLOPS      float64
	DeviceGFLOPS    float64
	PCIeGBPerSec    float64
	LaunchOverhead  float64 // seconds per kernel launch
	FlopsPerSynapse float64
	FlopsPerNeuron  float64
}

// Defaults fills zero fields with the standard thresholds.
func (c *Config) Defaults() {
	if c.GPUNeuronThreshold == 0 {
		c.GPUNeuronThreshold = 500_000
	}
	if c.GPUSynapseThreshold == 0 {
		c.GPUSynapseThreshold = 50_000_000
	}
	if c.CUDANeuronThreshold == 0 {
		c.CUDANeuronThreshold = 100_000
	}
	if c.CUDASynapseThreshold == 0 {
		c.CUDASynapseThreshold = 10_000_000
	}
	if c.GPUMinFiringRate == 0 {
		c.GPUMinFiringRate = 0.005
	}
	if c.MinGPUSpeedup == 0 {
		c.MinGPUSpeedup = 1.5
	}
	if c.MaxSpeedup == 0 {
		c.MaxSpeedup = 100
	}
	if c.HostGFLOPS == 0 {
		c.HostGFLOPS = 50
	}
	if c.DeviceGFLOPS == 0 {
		c.DeviceGFLOPS = 5000
	}
	if c.PCIeGBPerSec == 0 {
		c.PCIeGBPerSec = 12
	}
	if c.LaunchOverhead == 0 {
		c.LaunchOverhead = 20e-6
	}
	if c.FlopsPerSynapse == 0 {
		c.FlopsPerSynapse = 8
	}
	if c.FlopsPerNeuron == 0 {
		c.FlopsPerNeuron = 24
	}
}

// Validate rejects incoherent configurations.
func (c *Config) Validate() error {
	n := 0
	for _, f := range []bool{c.ForceCPU, c.ForceWGPU, c.ForceCUDA} {
		if f {
			n++
		}
	}
	if n > 1 {
		return &neural.ConfigError{Field: "Force*", Reason: "at most one backend may be forced"}
	}
	if c.GPUNeuronThreshold < 0 || c.GPUSynapseThreshold < 0 ||
		c.CUDANeuronThreshold < 0 || c.CUDASynapseThreshold < 0 {
		return &neural.ConfigError{Field: "thresholds", Reason: "must be non-negative"}
	}
	if c.GPUMinFiringRate < 0 || c.GPUMinFiringRate > 1 {
		return &neural.ConfigError{Field: "GPUMinFiringRate", Reason: "must be in [0, 1]"}
	}
	if c.MinGPUSpeedup < 1 {
		return &neural.ConfigError{Field: "MinGPUSpeedup", Reason: "must be >= 1"}
	}
	if c.MaxSpeedup < c.MinGPUSpeedup {
		return &neural.ConfigError{Field: "MaxSpeedup", Reason: "must be >= MinGPUSpeedup"}
	}
	if c.HostGFLOPS <= 0 || c.DeviceGFLOPS <= 0 || c.PCIeGBPerSec <= 0 ||
		c.LaunchOverhead < 0 || c.FlopsPerSynapse <= 0 || c.FlopsPerNeuron <= 0 {
		return &neural.ConfigError{Field: "speedup model", Reason: "constants must be positive"}
	}
	return nil
}

// Decision is the selector's verdict.
type Decision struct {
	Backend          Kind
	Reason           string
	EstimatedSpeedup float64
}

// Open constructs the backend a decision names. GPU backends take the
// resolver to translate device-side local indices back to ids. WGPU
// and CUDA construction can fail with UnavailableError even after a
// positive probe (a device that vanished, a buffer limit exceeded);
// the caller re-selects with the backend masked off.
func Open(d Decision, st *connectome.State, res fire.Resolver) (Compute, error) {
	switch d.Backend {
	case CPU:
		return NewCPU(0), nil
	case WGPU:
		return newWGPU(st, res)
	case CUDA:
		return newCUDA(st, res)
	}
	return nil, &neural.ConfigError{Field: "backend", Reason: "unknown kind"}
}
