// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package neural defines the shared vocabulary of the burst engine:
identifier types, neuron models and their parameter sets, synapse kinds,
the canonical LIF arithmetic used by every compute backend, and the error
taxonomy.

Everything here is pure and allocation-free. The same formulas are
transcribed into the WGSL and CUDA kernels, so any change to this package
must be mirrored there to preserve cross-backend equivalence.
*/
package neural

// NeuronID is a process-wide unique neuron identifier. The 32-bit id
// space is partitioned into disjoint, dynamically-growing per-model
// ranges by the ids package; a NeuronID is meaningless without the
// manager that allocated it.
type NeuronID uint32

// SynapseID indexes into the synapse store.
type SynapseID uint32

// AreaID identifies a cortical area, a named population of neurons
// sharing one neuron model.
type AreaID uint32

// ModelKind enumerates neuron dynamics models. Storage and kernel
// dispatch are partitioned per model: batch polymorphism, never a
// per-element virtual call.
type ModelKind uint8

const (
	// ModelLIF is Leaky Integrate-and-Fire, the implemented model.
	ModelLIF ModelKind = iota

	// ModelIzhikevich is a reserved tag; allocating under it fails.
	ModelIzhikevich

	// ModelAdEx is a reserved tag; allocating under it fails.
	ModelAdEx

	// NumModels counts model kinds, implemented or reserved.
	NumModels
)

func (m ModelKind) String() string {
	switch m {
	case ModelLIF:
		return "LIF"
	case ModelIzhikevich:
		return "Izhikevich"
	case ModelAdEx:
		return "AdEx"
	}
	return "Unknown"
}

// Implemented reports whether the model has a working dynamics kernel.
func (m ModelKind) Implemented() bool {
	return m == ModelLIF
}

// SynapseKind tags a synapse's effect on its target.
type SynapseKind uint8

const (
	// Excitatory contributions depolarize the target.
	Excitatory SynapseKind = iota

	// Inhibitory contributions hyperpolarize the target.
	Inhibitory

	// Modulatory synapses carry the excitatory sign; the tag is kept for
	// external consumers (plasticity) that treat them differently.
	Modulatory
)

func (k SynapseKind) String() string {
	switch k {
	case Excitatory:
		return "excitatory"
	case Inhibitory:
		return "inhibitory"
	case Modulatory:
		return "modulatory"
	}
	return "unknown"
}

// Sign returns the contribution sign for the kind: -1 for inhibitory,
// +1 otherwise.
func (k SynapseKind) Sign() float32 {
	if k == Inhibitory {
		return -1
	}
	return 1
}

// NeuronParams is the complete per-neuron parameter set for the LIF
// model. Values are copied into the structure-of-arrays stores at add
// time; the struct itself is never retained.
type NeuronParams struct {

	// firing threshold: the neuron fires when its updated membrane potential reaches this value
	Threshold float32

	// upper firing bound; an updated potential above this does not fire (0 disables the ceiling)
	ThresholdLimit float32

	// fraction of the distance to RestingPotential lost per burst, in 0..1
	LeakCoefficient float32

	// resting membrane potential; also the post-fire reset value
	RestingPotential float32

	// number of bursts the neuron is blocked from firing after it fires
	RefractoryPeriod uint16

	// probability in 0..1 that a threshold crossing actually fires; 1 fires always, 0 never
	Excitability float32

	// cap on bursts fired back-to-back before a forced rest; 0 disables
	ConsecutiveFireLimit uint16

	// extra rest bursts added to the refractory countdown after a fire
	SnoozePeriod uint16

	// carry membrane charge across bursts; when false the potential is reset to RestingPotential as each eligible burst begins
	ChargeAccumulation bool

	// cortical area this neuron belongs to
	Area AreaID

	// voxel coordinates within the area
	X, Y, Z uint32
}

// Defaults sets the always-fire, no-leak parameter baseline.
func (p *NeuronParams) Defaults() {
	p.Threshold = 1
	p.ThresholdLimit = 0
	p.LeakCoefficient = 0
	p.RestingPotential = 0
	p.RefractoryPeriod = 0
	p.Excitability = 1
	p.ConsecutiveFireLimit = 0
	p.SnoozePeriod = 0
	p.ChargeAccumulation = true
}

// Validate checks parameter ranges. Out-of-range values are a
// ConfigError; they are never clamped or silently corrected.
func (p *NeuronParams) Validate() error {
	if p.LeakCoefficient < 0 || p.LeakCoefficient > 1 {
		return &ConfigError{Field: "LeakCoefficient", Reason: "must be in [0, 1]"}
	}
	if p.Excitability < 0 || p.Excitability > 1 {
		return &ConfigError{Field: "Excitability", Reason: "must be in [0, 1]"}
	}
	if p.ThresholdLimit != 0 && p.ThresholdLimit < p.Threshold {
		return &ConfigError{Field: "ThresholdLimit", Reason: "must be 0 or >= Threshold"}
	}
	return nil
}
