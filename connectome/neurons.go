// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package connectome holds the structure-of-arrays neuron and synapse
stores the compute backends iterate over, the per-area propagation
flags, and the serializable snapshot of all of it.

Layout rules: parallel arrays indexed by model-local index; lengths
track the allocation high-water mark (they grow by one per fresh id and
never preallocate to configured capacity, never shrink); a recycled id
reuses its old slot. Neurons and synapses reference each other only by
integer id, never by pointer, which is what lets the same arrays be
copied to GPU memory unchanged.
*/
package connectome

import (
	"github.com/spikeforge/npu/gbool"
	"github.com/spikeforge/npu/neural"
)

type coordKey struct {
	area    uint32
	x, y, z uint32
}

// NeuronStore is the per-model SoA neuron state. The arrays are
// exported because backends read them wholesale (and upload them to the
// GPU); mutation goes through the methods so the coordinate index and
// counts stay consistent.
type NeuronStore struct {
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
	Coords                []uint32 // x, y, z interleaved, stride 3
	Valid                 []bool

	model      neural.ModelKind
	coordIndex map[coordKey]uint32
	areaCounts map[uint32]int
	live       int
}

// NewNeuronStore returns an empty store for one model.
func NewNeuronStore(model neural.ModelKind) *NeuronStore {
	return &NeuronStore{
		model:      model,
		coordIndex: make(map[coordKey]uint32),
		areaCounts: make(map[uint32]int),
	}
}

// Model returns the dynamics model these neurons run under.
func (ns *NeuronStore) Model() neural.ModelKind { return ns.model }

// Len is the allocation high-water mark: the slot count, live or not.
func (ns *NeuronStore) Len() int { return len(ns.MembranePotentials) }

// Count is the number of live neurons.
func (ns *NeuronStore) Count() int { return ns.live }

// IsValid reports whether slot local holds a live neuron.
func (ns *NeuronStore) IsValid(local uint32) bool {
	return int(local) < len(ns.Valid) && ns.Valid[local]
}

// Set writes params into slot local: appends when local equals Len
// (a fresh id), overwrites when the slot was invalidated (a recycled
// id). Writing over a live slot or past the end is a RefError; a
// coordinate already held by another live neuron in the area is a
// ConfigError.
func (ns *NeuronStore) Set(local uint32, p *neural.NeuronParams) error {
	n := uint32(ns.Len())
	if local > n {
		return &neural.RefError{Kind: "neuron", ID: local}
	}
	if local < n && ns.Valid[local] {
		return &neural.RefError{Kind: "neuron", ID: local}
	}
	key := coordKey{uint32(p.Area), p.X, p.Y, p.Z}
	if other, ok := ns.coordIndex[key]; ok && other != local {
		return &neural.ConfigError{Field: "coordinates", Reason: "voxel already occupied in area"}
	}
	if local == n {
		ns.append(p)
	} else {
		ns.overwrite(local, p)
	}
	ns.coordIndex[key] = local
	ns.areaCounts[uint32(p.Area)]++
	ns.live++
	return nil
}

func (ns *NeuronStore) append(p *neural.NeuronParams) {
	ns.MembranePotentials = append(ns.MembranePotentials, p.RestingPotential)
	ns.Thresholds = append(ns.Thresholds, p.Threshold)
	ns.ThresholdLimits = append(ns.ThresholdLimits, p.ThresholdLimit)
	ns.LeakCoefficients = append(ns.LeakCoefficients, p.LeakCoefficient)
	ns.RestingPotentials = append(ns.RestingPotentials, p.RestingPotential)
	ns.RefractoryPeriods = append(ns.RefractoryPeriods, p.RefractoryPeriod)
	ns.RefractoryCountdowns = append(ns.RefractoryCountdowns, 0)
	ns.Excitabilities = append(ns.Excitabilities, p.Excitability)
	ns.ConsecutiveFireCounts = append(ns.ConsecutiveFireCounts, 0)
	ns.ConsecutiveFireLimits = append(ns.ConsecutiveFireLimits, p.ConsecutiveFireLimit)
	ns.SnoozePeriods = append(ns.SnoozePeriods, p.SnoozePeriod)
	ns.ChargeAccumulation = append(ns.ChargeAccumulation, gbool.FromBool(p.ChargeAccumulation))
	ns.Areas = append(ns.Areas, uint32(p.Area))
	ns.Coords = append(ns.Coords, p.X, p.Y, p.Z)
	ns.Valid = append(ns.Valid, true)
}

func (ns *NeuronStore) overwrite(local uint32, p *neural.NeuronParams) {
	ns.MembranePotentials[local] = p.RestingPotential
	ns.Thresholds[local] = p.Threshold
	ns.ThresholdLimits[local] = p.ThresholdLimit
	ns.LeakCoefficients[local] = p.LeakCoefficient
	ns.RestingPotentials[local] = p.RestingPotential
	ns.RefractoryPeriods[local] = p.RefractoryPeriod
	ns.RefractoryCountdowns[local] = 0
	ns.Excitabilities[local] = p.Excitability
	ns.ConsecutiveFireCounts[local] = 0
	ns.ConsecutiveFireLimits[local] = p.ConsecutiveFireLimit
	ns.SnoozePeriods[local] = p.SnoozePeriod
	ns.ChargeAccumulation[local] = gbool.FromBool(p.ChargeAccumulation)
	ns.Areas[local] = uint32(p.Area)
	ns.Coords[local*3] = p.X
	ns.Coords[local*3+1] = p.Y
	ns.Coords[local*3+2] = p.Z
	ns.Valid[local] = true
}

// Invalidate marks slot local dead, leaving the slot in place for the
// id's eventual recycling. Invalidating a dead slot is a no-op.
func (ns *NeuronStore) Invalidate(local uint32) error {
	if int(local) >= ns.Len() {
		return &neural.RefError{Kind: "neuron", ID: local}
	}
	if !ns.Valid[local] {
		return nil
	}
	ns.Valid[local] = false
	area := ns.Areas[local]
	ns.areaCounts[area]--
	delete(ns.coordIndex, coordKey{area, ns.Coords[local*3], ns.Coords[local*3+1], ns.Coords[local*3+2]})
	ns.live--
	return nil
}

// AtCoordinate returns the live neuron at a voxel.
func (ns *NeuronStore) AtCoordinate(area neural.AreaID, x, y, z uint32) (uint32, bool) {
	local, ok := ns.coordIndex[coordKey{uint32(area), x, y, z}]
	if !ok || !ns.Valid[local] {
		return 0, false
	}
	return local, true
}

// Coordinate returns the voxel of slot local.
func (ns *NeuronStore) Coordinate(local uint32) (x, y, z uint32, ok bool) {
	if !ns.IsValid(local) {
		return 0, 0, 0, false
	}
	return ns.Coords[local*3], ns.Coords[local*3+1], ns.Coords[local*3+2], true
}

// InArea returns the locals of every live neuron in the area, in slot
// order.
func (ns *NeuronStore) InArea(area neural.AreaID) []uint32 {
	var out []uint32
	for i, v := range ns.Valid {
		if v && ns.Areas[i] == uint32(area) {
			out = append(out, uint32(i))
		}
	}
	return out
}

// AreaCount returns the live population of the area.
func (ns *NeuronStore) AreaCount(area neural.AreaID) int {
	return ns.areaCounts[uint32(area)]
}
