// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connectome

import (
	"fmt"

	"github.com/spikeforge/npu/gbool"
	"github.com/spikeforge/npu/neural"
)

// NeuronTable is the serializable image of one model's NeuronStore plus
// the id-manager state needed to rebuild allocation: the span start and
// the recycled-id free set.
type NeuronTable struct {
	Model                 neural.ModelKind
	SpanStart             uint32
	FreeIDs               []uint32
	MembranePotentials    []float32
	Thresholds            []float32
	ThresholdLimits       []float32
	LeakCoefficients      []float32
	RestingPotentials     []float32
	RefractoryPeriods     []uint16
	RefractoryCountdowns  []uint16
	Excitabilities        []float32
	ConsecutiveFireCounts []uint16
	ConsecutiveFireLimits []uint16
	SnoozePeriods         []uint16
	ChargeAccumulation    []gbool.Bool
	Areas                 []uint32
	Coords                []uint32
	Valid                 []bool
}

// SynapseTable is the serializable image of the SynapseStore. The
// source index is not stored; it is rebuilt on restore.
type SynapseTable struct {
	Sources []uint32
	Targets []uint32
	Weights []uint8
	PSPs    []uint8
	Kinds   []uint8
	Valid   []bool
}

// AreaEntry is one registered area in a snapshot.
type AreaEntry struct {
	ID    neural.AreaID
	Flags AreaFlags
}

// Snapshot is the complete serializable connectome state at a burst
// boundary.
type Snapshot struct {
	BurstCount uint64
	Areas      []AreaEntry
	Neurons    []NeuronTable
	Synapses   SynapseTable
}

// CaptureNeurons copies a store into its table image. SpanStart and
// FreeIDs are filled by the caller, which owns the id manager.
func CaptureNeurons(ns *NeuronStore) NeuronTable {
	return NeuronTable{
		Model:                 ns.Model(),
		MembranePotentials:    append([]float32(nil), ns.MembranePotentials...),
		Thresholds:            append([]float32(nil), ns.Thresholds...),
		ThresholdLimits:       append([]float32(nil), ns.ThresholdLimits...),
		LeakCoefficients:      append([]float32(nil), ns.LeakCoefficients...),
		RestingPotentials:     append([]float32(nil), ns.RestingPotentials...),
		RefractoryPeriods:     append([]uint16(nil), ns.RefractoryPeriods...),
		RefractoryCountdowns:  append([]uint16(nil), ns.RefractoryCountdowns...),
		Excitabilities:        append([]float32(nil), ns.Excitabilities...),
		ConsecutiveFireCounts: append([]uint16(nil), ns.ConsecutiveFireCounts...),
		ConsecutiveFireLimits: append([]uint16(nil), ns.ConsecutiveFireLimits...),
		SnoozePeriods:         append([]uint16(nil), ns.SnoozePeriods...),
		ChargeAccumulation:    append([]gbool.Bool(nil), ns.ChargeAccumulation...),
		Areas:                 append([]uint32(nil), ns.Areas...),
		Coords:                append([]uint32(nil), ns.Coords...),
		Valid:                 append([]bool(nil), ns.Valid...),
	}
}

// ApplyNeurons rebuilds a store from its table image, including the
// coordinate index and area counts.
func ApplyNeurons(t *NeuronTable) (*NeuronStore, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	ns := NewNeuronStore(t.Model)
	ns.MembranePotentials = append([]float32(nil), t.MembranePotentials...)
	ns.Thresholds = append([]float32(nil), t.Thresholds...)
	ns.ThresholdLimits = append([]float32(nil), t.ThresholdLimits...)
	ns.LeakCoefficients = append([]float32(nil), t.LeakCoefficients...)
	ns.RestingPotentials = append([]float32(nil), t.RestingPotentials...)
	ns.RefractoryPeriods = append([]uint16(nil), t.RefractoryPeriods...)
	ns.RefractoryCountdowns = append([]uint16(nil), t.RefractoryCountdowns...)
	ns.Excitabilities = append([]float32(nil), t.Excitabilities...)
	ns.ConsecutiveFireCounts = append([]uint16(nil), t.ConsecutiveFireCounts...)
	ns.ConsecutiveFireLimits = append([]uint16(nil), t.ConsecutiveFireLimits...)
	ns.SnoozePeriods = append([]uint16(nil), t.SnoozePeriods...)
	ns.ChargeAccumulation = append([]gbool.Bool(nil), t.ChargeAccumulation...)
	ns.Areas = append([]uint32(nil), t.Areas...)
	ns.Coords = append([]uint32(nil), t.Coords...)
	ns.Valid = append([]bool(nil), t.Valid...)
	for i, v := range ns.Valid {
		if !v {
			continue
		}
		local := uint32(i)
		key := coordKey{ns.Areas[i], ns.Coords[local*3], ns.Coords[local*3+1], ns.Coords[local*3+2]}
		if _, dup := ns.coordIndex[key]; dup {
			return nil, &neural.ConfigError{Field: "coordinates", Reason: "duplicate voxel in snapshot"}
		}
		ns.coordIndex[key] = local
		ns.areaCounts[ns.Areas[i]]++
		ns.live++
	}
	return ns, nil
}

// CaptureSynapses copies the store into its table image.
func CaptureSynapses(ss *SynapseStore) SynapseTable {
	return SynapseTable{
		Sources: append([]uint32(nil), ss.Sources...),
		Targets: append([]uint32(nil), ss.Targets...),
		Weights: append([]uint8(nil), ss.Weights...),
		PSPs:    append([]uint8(nil), ss.PSPs...),
		Kinds:   append([]uint8(nil), ss.Kinds...),
		Valid:   append([]bool(nil), ss.Valid...),
	}
}

// ApplySynapses rebuilds a store from its table image and rebuilds the
// source index.
func ApplySynapses(t *SynapseTable, capacity int) (*SynapseStore, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	ss := NewSynapseStore(capacity)
	ss.Sources = append([]uint32(nil), t.Sources...)
	ss.Targets = append([]uint32(nil), t.Targets...)
	ss.Weights = append([]uint8(nil), t.Weights...)
	ss.PSPs = append([]uint8(nil), t.PSPs...)
	ss.Kinds = append([]uint8(nil), t.Kinds...)
	ss.Valid = append([]bool(nil), t.Valid...)
	ss.RebuildIndex()
	if capacity > 0 && ss.live > capacity {
		return nil, &neural.CapacityError{Resource: "synapses", Limit: uint64(capacity)}
	}
	return ss, nil
}

func (t *NeuronTable) check() error {
	n := len(t.MembranePotentials)
	same := []int{
		len(t.Thresholds), len(t.ThresholdLimits), len(t.LeakCoefficients),
		len(t.RestingPotentials), len(t.RefractoryPeriods), len(t.RefractoryCountdowns),
		len(t.Excitabilities), len(t.ConsecutiveFireCounts), len(t.ConsecutiveFireLimits),
		len(t.SnoozePeriods), len(t.ChargeAccumulation), len(t.Areas), len(t.Valid),
	}
	for _, m := range same {
		if m != n {
			return &neural.ConfigError{Field: "snapshot", Reason: fmt.Sprintf("%s neuron arrays disagree on length", t.Model)}
		}
	}
	if len(t.Coords) != 3*n {
		return &neural.ConfigError{Field: "snapshot", Reason: fmt.Sprintf("%s coordinate array is not 3x neuron count", t.Model)}
	}
	if t.Model >= neural.NumModels {
		return &neural.ConfigError{Field: "snapshot", Reason: "unknown model kind"}
	}
	return nil
}

func (t *SynapseTable) check() error {
	n := len(t.Sources)
	same := []int{len(t.Targets), len(t.Weights), len(t.PSPs), len(t.Kinds), len(t.Valid)}
	for _, m := range same {
		if m != n {
			return &neural.ConfigError{Field: "snapshot", Reason: "synapse arrays disagree on length"}
		}
	}
	for i := 0; i < n; i++ {
		if t.Valid[i] && t.Kinds[i] > uint8(neural.Modulatory) {
			return &neural.ConfigError{Field: "snapshot", Reason: fmt.Sprintf("synapse %d has unknown kind %d", i, t.Kinds[i])}
		}
	}
	return nil
}

// Validate checks the snapshot's internal consistency: array length
// agreement per table, exactly one table per model, every live synapse
// endpoint resolving to a live neuron, and free-set entries pointing at
// invalidated slots.
func (s *Snapshot) Validate() error {
	var tables [neural.NumModels]*NeuronTable
	for i := range s.Neurons {
		t := &s.Neurons[i]
		if err := t.check(); err != nil {
			return err
		}
		if tables[t.Model] != nil {
			return &neural.ConfigError{Field: "snapshot", Reason: fmt.Sprintf("duplicate %s neuron table", t.Model)}
		}
		tables[t.Model] = t
	}
	for i := range s.Neurons {
		t := &s.Neurons[i]
		for _, id := range t.FreeIDs {
			local := id - t.SpanStart
			if id < t.SpanStart || int(local) >= len(t.Valid) {
				return &neural.RefError{Kind: "neuron", ID: id}
			}
			if t.Valid[local] {
				return &neural.ConfigError{Field: "snapshot", Reason: fmt.Sprintf("free id %d points at a live slot", id)}
			}
		}
	}
	if err := s.Synapses.check(); err != nil {
		return err
	}
	resolve := func(id uint32) bool {
		for _, t := range tables {
			if t == nil || id < t.SpanStart {
				continue
			}
			local := id - t.SpanStart
			if int(local) < len(t.Valid) {
				return t.Valid[local]
			}
		}
		return false
	}
	for i, v := range s.Synapses.Valid {
		if !v {
			continue
		}
		if !resolve(s.Synapses.Sources[i]) {
			return &neural.RefError{Kind: "neuron", ID: s.Synapses.Sources[i]}
		}
		if !resolve(s.Synapses.Targets[i]) {
			return &neural.RefError{Kind: "neuron", ID: s.Synapses.Targets[i]}
		}
	}
	return nil
}
