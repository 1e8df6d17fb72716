// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package npu

import (
	"github.com/spikeforge/npu/neural"
)

// router implements fire.Resolver over the engine's id manager and
// neuron stores. It holds the engine rather than the stores, so a
// Restore that swaps the state out is picked up without rewiring.
type router struct {
	e *Engine
}

// Resolve maps a global id to its model, local index and area. Ids
// that were never allocated or have been deallocated are a RefError.
func (r *router) Resolve(id uint32) (neural.ModelKind, uint32, neural.AreaID, error) {
	gid := neural.NeuronID(id)
	model, local, err := r.e.ids.LocalIndex(gid)
	if err != nil {
		return 0, 0, 0, err
	}
	ns := r.e.state.Neurons[model]
	if !r.e.ids.Live(gid) || !ns.IsValid(local) {
		return 0, 0, 0, &neural.RefError{Kind: "neuron", ID: id}
	}
	return model, local, neural.AreaID(ns.Areas[local]), nil
}

// GlobalID translates a model-local index back to a global id.
func (r *router) GlobalID(model neural.ModelKind, local uint32) uint32 {
	return uint32(r.e.ids.GlobalID(model, local))
}
