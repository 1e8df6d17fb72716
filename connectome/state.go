// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connectome

import (
	"github.com/spikeforge/npu/neural"
)

// State bundles everything a compute backend reads and writes during a
// burst: one neuron store per model, the synapse store, and the area
// table. The engine owns it; backends receive it by pointer and must
// not retain references across a structural change.
type State struct {
	Neurons  [neural.NumModels]*NeuronStore
	Synapses *SynapseStore
	Areas    *AreaTable
}

// NewState returns a State with empty stores for every model and a
// synapse store bounded by synapseCapacity (<= 0 for unbounded).
func NewState(synapseCapacity int) *State {
	st := &State{
		Synapses: NewSynapseStore(synapseCapacity),
		Areas:    NewAreaTable(),
	}
	for m := neural.ModelKind(0); m < neural.NumModels; m++ {
		st.Neurons[m] = NewNeuronStore(m)
	}
	return st
}

// Store returns the neuron store for a model.
func (st *State) Store(model neural.ModelKind) *NeuronStore {
	return st.Neurons[model]
}

// NeuronCount sums live neurons across all models.
func (st *State) NeuronCount() int {
	n := 0
	for _, ns := range st.Neurons {
		if ns != nil {
			n += ns.Count()
		}
	}
	return n
}

// SynapseCount returns the live synapse count.
func (st *State) SynapseCount() int {
	return st.Synapses.Count()
}
