// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package npu

import (
	"errors"
	"fmt"

	"github.com/spikeforge/npu/connectome"
	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/ledger"
	"github.com/spikeforge/npu/neural"
)

// Snapshot captures the complete connectome state at the current burst
// boundary: areas, per-model neuron tables with their id free-sets,
// and the synapse table.
func (e *Engine) Snapshot() (*connectome.Snapshot, error) {
	snap := &connectome.Snapshot{
		BurstCount: e.burst,
		Synapses:   connectome.CaptureSynapses(e.state.Synapses),
	}
	for _, a := range e.state.Areas.IDs() {
		flags, _ := e.state.Areas.Flags(a)
		snap.Areas = append(snap.Areas, connectome.AreaEntry{ID: a, Flags: flags})
	}
	for m := neural.ModelKind(0); m < neural.NumModels; m++ {
		if e.ids.Extent(m) == 0 {
			continue
		}
		tbl := connectome.CaptureNeurons(e.state.Neurons[m])
		tbl.SpanStart = uint32(e.ids.GlobalID(m, 0))
		tbl.FreeIDs = e.ids.FreeSet(m)
		snap.Neurons = append(snap.Neurons, tbl)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore replaces the engine's state with a snapshot's, all or
// nothing: validation and rebuilding happen on scratch stores before
// anything live is touched. The snapshot's model spans must match this
// engine's id layout.
//
// Ledger tracking is engine configuration, not snapshot state: tracking
// this engine already has for restored areas survives with its history
// cleared, and a fresh engine re-establishes it with TrackArea. Frames
// restart after the snapshot's burst count, and the next ProcessBurst
// label must exceed it.
func (e *Engine) Restore(snap *connectome.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}

	st := connectome.NewState(e.cfg.SynapseCapacity)
	for _, a := range snap.Areas {
		if err := st.Areas.Register(a.ID, a.Flags); err != nil {
			return err
		}
	}
	for i := range snap.Neurons {
		t := &snap.Neurons[i]
		if t.SpanStart != uint32(e.ids.GlobalID(t.Model, 0)) {
			return &neural.ConfigError{
				Field: "snapshot",
				Reason: fmt.Sprintf("%s span starts at %d, this engine's at %d",
					t.Model, t.SpanStart, e.ids.GlobalID(t.Model, 0)),
			}
		}
		if uint32(len(t.Valid)) > e.ids.Ceiling(t.Model) {
			return &neural.CapacityError{Resource: t.Model.String() + " ids", Limit: uint64(e.ids.Ceiling(t.Model))}
		}
		ns, err := connectome.ApplyNeurons(t)
		if err != nil {
			return err
		}
		st.Neurons[t.Model] = ns
	}
	ss, err := connectome.ApplySynapses(&snap.Synapses, e.cfg.SynapseCapacity)
	if err != nil {
		return err
	}
	st.Synapses = ss

	// every live neuron's area must be registered in the same snapshot,
	// under the neuron's own model
	for m := neural.ModelKind(0); m < neural.NumModels; m++ {
		ns := st.Neurons[m]
		for local := 0; local < ns.Len(); local++ {
			if !ns.Valid[local] {
				continue
			}
			flags, ok := st.Areas.Flags(neural.AreaID(ns.Areas[local]))
			if !ok {
				return &neural.RefError{Kind: "area", ID: ns.Areas[local]}
			}
			if flags.Model != m {
				return &neural.ConfigError{
					Field: "snapshot",
					Reason: fmt.Sprintf("area %d holds %s neurons but is registered for %s",
						ns.Areas[local], m, flags.Model),
				}
			}
		}
	}

	// prechecked above; these cannot fail
	var restored [neural.NumModels]bool
	for i := range snap.Neurons {
		t := &snap.Neurons[i]
		if err := e.ids.RestoreFree(t.Model, uint32(len(t.Valid)), t.FreeIDs); err != nil {
			return err
		}
		restored[t.Model] = true
	}
	for m := neural.ModelKind(0); m < neural.NumModels; m++ {
		if !restored[m] && e.ids.Ceiling(m) > 0 {
			_ = e.ids.RestoreFree(m, 0, nil)
		}
	}
	e.state = st

	fresh := ledger.New()
	for _, a := range e.archive.Tracked() {
		if _, ok := st.Areas.Flags(a); !ok {
			continue
		}
		if w, werr := e.archive.Window(a); werr == nil {
			_ = fresh.Track(a, w)
		}
	}
	e.archive = fresh

	e.staged = e.staged[:0]
	for a := range e.power {
		if _, ok := st.Areas.Flags(a); !ok {
			delete(e.power, a)
		}
	}
	e.fcl.Reset()
	e.queue = fire.NewQueue()
	e.last = fire.NewQueue()

	e.burst = snap.BurstCount
	e.hasRun = true

	e.genomeChanged()
	if e.comp != nil {
		if err := e.comp.InitPersistent(e.state); err != nil {
			var ue *neural.UnavailableError
			if errors.As(err, &ue) {
				e.maskOff(e.decision.Backend)
			}
			_ = e.comp.Close()
			e.comp = nil
			return err
		}
	}
	return nil
}
