// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package npu

import (
	"fmt"

	"github.com/spikeforge/npu/connectome"
	"github.com/spikeforge/npu/neural"
)

// genomeChanged invalidates backend device caches after a structural
// edit.
func (e *Engine) genomeChanged() {
	if e.comp == nil {
		return
	}
	if err := e.comp.OnGenomeChange(); err != nil {
		e.log.Warn("backend cache invalidation failed", "err", err)
	}
}

// RegisterArea registers a cortical area and optionally starts ledger
// tracking for it. Areas cannot be re-registered.
func (e *Engine) RegisterArea(area neural.AreaID, opts AreaOptions) error {
	if opts.LedgerWindow < 0 {
		return &neural.ConfigError{Field: "LedgerWindow", Reason: "must be non-negative"}
	}
	if opts.Defaults != nil {
		if err := opts.Defaults.Validate(); err != nil {
			return err
		}
	}
	err := e.state.Areas.Register(area, connectome.AreaFlags{
		Model:       opts.Model,
		PSPUniform:  opts.PSPUniform,
		MPDrivenPSP: opts.MPDrivenPSP,
	})
	if err != nil {
		return err
	}
	if opts.Defaults != nil {
		d := *opts.Defaults
		d.Area = area
		e.template[area] = d
	}
	if opts.TrackLedger {
		w := opts.LedgerWindow
		if w == 0 {
			w = e.cfg.LedgerWindow
		}
		if err := e.archive.Track(area, w); err != nil {
			return err
		}
	}
	return nil
}

// TrackArea starts ledger tracking for an already registered area, for
// example after a Restore, which carries areas but not tracking. A
// window of zero uses the configured default. The window can be changed
// while the area has no archived frames; afterwards it is fixed.
func (e *Engine) TrackArea(area neural.AreaID, window int) error {
	if window < 0 {
		return &neural.ConfigError{Field: "window", Reason: "must be non-negative"}
	}
	if _, ok := e.state.Areas.Flags(area); !ok {
		return &neural.RefError{Kind: "area", ID: uint32(area)}
	}
	if window == 0 {
		window = e.cfg.LedgerWindow
	}
	return e.archive.Track(area, window)
}

// AddNeuron allocates an id under the model and writes the neuron into
// the connectome. The params' area must be registered under the same
// model.
func (e *Engine) AddNeuron(model neural.ModelKind, p *neural.NeuronParams) (neural.NeuronID, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	flags, ok := e.state.Areas.Flags(p.Area)
	if !ok {
		return 0, &neural.RefError{Kind: "area", ID: uint32(p.Area)}
	}
	if flags.Model != model {
		return 0, &neural.ConfigError{
			Field:  "Area",
			Reason: fmt.Sprintf("area %d runs %s, not %s", p.Area, flags.Model, model),
		}
	}
	id, err := e.ids.Allocate(model)
	if err != nil {
		return 0, err
	}
	_, local, _ := e.ids.LocalIndex(id)
	if err := e.state.Neurons[model].Set(local, p); err != nil {
		_ = e.ids.Deallocate(id)
		return 0, err
	}
	e.genomeChanged()
	return id, nil
}

// AddNeuronAt adds a neuron at a voxel from the area's registered
// parameter template. Areas registered without Defaults take explicit
// params through AddNeuron only.
func (e *Engine) AddNeuronAt(area neural.AreaID, x, y, z uint32) (neural.NeuronID, error) {
	flags, ok := e.state.Areas.Flags(area)
	if !ok {
		return 0, &neural.RefError{Kind: "area", ID: uint32(area)}
	}
	p, ok := e.template[area]
	if !ok {
		return 0, &neural.ConfigError{Field: "area", Reason: "no parameter template registered"}
	}
	p.X, p.Y, p.Z = x, y, z
	return e.AddNeuron(flags.Model, &p)
}

// AddNeurons adds a batch, all or none: on any failure the neurons
// already added by this call are removed again.
func (e *Engine) AddNeurons(model neural.ModelKind, params []neural.NeuronParams) ([]neural.NeuronID, error) {
	out := make([]neural.NeuronID, 0, len(params))
	for i := range params {
		id, err := e.AddNeuron(model, &params[i])
		if err != nil {
			for _, done := range out {
				_ = e.DeleteNeuron(done)
			}
			return nil, fmt.Errorf("neuron %d of %d: %w", i, len(params), err)
		}
		out = append(out, id)
	}
	return out, nil
}

// DeleteNeuron removes a neuron, every synapse touching it, and
// recycles its id.
func (e *Engine) DeleteNeuron(id neural.NeuronID) error {
	if !e.ids.Live(id) {
		return &neural.RefError{Kind: "neuron", ID: uint32(id)}
	}
	model, local, err := e.ids.LocalIndex(id)
	if err != nil {
		return err
	}
	e.state.Synapses.RemoveFrom(uint32(id))
	e.state.Synapses.RemoveTo(uint32(id))
	if err := e.state.Neurons[model].Invalidate(local); err != nil {
		return err
	}
	if err := e.ids.Deallocate(id); err != nil {
		return err
	}
	e.genomeChanged()
	return nil
}

// AddSynapse connects two live neurons. Weight and psp are raw bytes;
// their product is the contribution delivered per firing.
func (e *Engine) AddSynapse(source, target neural.NeuronID, weight, psp uint8, kind neural.SynapseKind) (neural.SynapseID, error) {
	if kind > neural.Modulatory {
		return 0, &neural.ConfigError{Field: "kind", Reason: fmt.Sprintf("unknown synapse kind %d", kind)}
	}
	if !e.ids.Live(source) {
		return 0, &neural.RefError{Kind: "neuron", ID: uint32(source)}
	}
	if !e.ids.Live(target) {
		return 0, &neural.RefError{Kind: "neuron", ID: uint32(target)}
	}
	sid, err := e.state.Synapses.Add(uint32(source), uint32(target), weight, psp, kind)
	if err != nil {
		return 0, err
	}
	e.genomeChanged()
	return sid, nil
}

// RemoveSynapse removes a synapse. Removing one already removed is a
// no-op.
func (e *Engine) RemoveSynapse(sid neural.SynapseID) error {
	if err := e.state.Synapses.Remove(sid); err != nil {
		return err
	}
	e.genomeChanged()
	return nil
}

// UpdateSynapseWeight changes a live synapse's weight byte.
func (e *Engine) UpdateSynapseWeight(sid neural.SynapseID, weight uint8) error {
	if err := e.state.Synapses.UpdateWeight(sid, weight); err != nil {
		return err
	}
	e.genomeChanged()
	return nil
}

// RebuildSynapseIndex rebuilds the by-source index from the synapse
// arrays, for callers that bulk-edited them.
func (e *Engine) RebuildSynapseIndex() {
	e.state.Synapses.RebuildIndex()
	e.genomeChanged()
}

func (e *Engine) areaNeurons(area neural.AreaID) (*connectome.NeuronStore, []uint32, error) {
	flags, ok := e.state.Areas.Flags(area)
	if !ok {
		return nil, nil, &neural.RefError{Kind: "area", ID: uint32(area)}
	}
	ns := e.state.Neurons[flags.Model]
	return ns, ns.InArea(area), nil
}

// UpdateAreaThresholds sets every live neuron of an area to one firing
// threshold. A neuron whose nonzero threshold limit is below the new
// value rejects the whole update. Returns the number updated.
func (e *Engine) UpdateAreaThresholds(area neural.AreaID, threshold float32) (int, error) {
	ns, locals, err := e.areaNeurons(area)
	if err != nil {
		return 0, err
	}
	for _, l := range locals {
		if lim := ns.ThresholdLimits[l]; lim != 0 && lim < threshold {
			return 0, &neural.ConfigError{Field: "Threshold", Reason: "exceeds a neuron's threshold limit"}
		}
	}
	for _, l := range locals {
		ns.Thresholds[l] = threshold
	}
	e.genomeChanged()
	return len(locals), nil
}

// UpdateAreaLeaks sets every live neuron of an area to one leak
// coefficient in [0, 1]. Returns the number updated.
func (e *Engine) UpdateAreaLeaks(area neural.AreaID, leak float32) (int, error) {
	if leak < 0 || leak > 1 {
		return 0, &neural.ConfigError{Field: "LeakCoefficient", Reason: "must be in [0, 1]"}
	}
	ns, locals, err := e.areaNeurons(area)
	if err != nil {
		return 0, err
	}
	for _, l := range locals {
		ns.LeakCoefficients[l] = leak
	}
	e.genomeChanged()
	return len(locals), nil
}

// UpdateAreaExcitabilities sets every live neuron of an area to one
// excitability in [0, 1]. Returns the number updated.
func (e *Engine) UpdateAreaExcitabilities(area neural.AreaID, excitability float32) (int, error) {
	if excitability < 0 || excitability > 1 {
		return 0, &neural.ConfigError{Field: "Excitability", Reason: "must be in [0, 1]"}
	}
	ns, locals, err := e.areaNeurons(area)
	if err != nil {
		return 0, err
	}
	for _, l := range locals {
		ns.Excitabilities[l] = excitability
	}
	e.genomeChanged()
	return len(locals), nil
}

// UpdateAreaRefractoryPeriods sets every live neuron of an area to one
// refractory period, in bursts. Running countdowns are not touched.
// Returns the number updated.
func (e *Engine) UpdateAreaRefractoryPeriods(area neural.AreaID, period uint16) (int, error) {
	ns, locals, err := e.areaNeurons(area)
	if err != nil {
		return 0, err
	}
	for _, l := range locals {
		ns.RefractoryPeriods[l] = period
	}
	e.genomeChanged()
	return len(locals), nil
}
