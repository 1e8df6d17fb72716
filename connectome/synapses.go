// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connectome

import (
	"sort"

	"github.com/spikeforge/npu/neural"
)

// SynapseStore is the SoA synapse state. Sources and targets are global
// neuron ids; weights and postsynaptic potentials are raw bytes and
// enter the contribution arithmetic as their plain 0..255 magnitudes.
// The arrays are exported for backend upload; mutation goes through the
// methods so the source index stays consistent.
type SynapseStore struct {
	Sources []uint32
	Targets []uint32
	Weights []uint8
	PSPs    []uint8
	Kinds   []uint8
	Valid   []bool

	bySource map[uint32][]uint32
	free     []uint32
	capacity int
	live     int
}

// NewSynapseStore returns an empty store that will hold at most
// capacity live synapses. capacity <= 0 means unbounded.
func NewSynapseStore(capacity int) *SynapseStore {
	return &SynapseStore{
		bySource: make(map[uint32][]uint32),
		capacity: capacity,
	}
}

// Len is the slot count, live or not.
func (ss *SynapseStore) Len() int { return len(ss.Sources) }

// Count is the number of live synapses.
func (ss *SynapseStore) Count() int { return ss.live }

// IsValid reports whether slot sid holds a live synapse.
func (ss *SynapseStore) IsValid(sid neural.SynapseID) bool {
	return int(sid) < len(ss.Valid) && ss.Valid[sid]
}

// Add inserts a synapse and returns its id, reusing a removed slot when
// one exists. The caller is responsible for source and target liveness;
// the store only enforces its capacity.
func (ss *SynapseStore) Add(source, target uint32, weight, psp uint8, kind neural.SynapseKind) (neural.SynapseID, error) {
	if ss.capacity > 0 && ss.live >= ss.capacity {
		return 0, &neural.CapacityError{Resource: "synapses", Limit: uint64(ss.capacity)}
	}
	var sid uint32
	if n := len(ss.free); n > 0 {
		sid = ss.free[n-1]
		ss.free = ss.free[:n-1]
		ss.Sources[sid] = source
		ss.Targets[sid] = target
		ss.Weights[sid] = weight
		ss.PSPs[sid] = psp
		ss.Kinds[sid] = uint8(kind)
		ss.Valid[sid] = true
	} else {
		sid = uint32(ss.Len())
		ss.Sources = append(ss.Sources, source)
		ss.Targets = append(ss.Targets, target)
		ss.Weights = append(ss.Weights, weight)
		ss.PSPs = append(ss.PSPs, psp)
		ss.Kinds = append(ss.Kinds, uint8(kind))
		ss.Valid = append(ss.Valid, true)
	}
	ss.bySource[source] = append(ss.bySource[source], sid)
	ss.live++
	return neural.SynapseID(sid), nil
}

// Remove invalidates a synapse and returns its slot to the free list.
// Removing an already-removed synapse is a no-op; an out-of-range id is
// a RefError.
func (ss *SynapseStore) Remove(sid neural.SynapseID) error {
	if int(sid) >= ss.Len() {
		return &neural.RefError{Kind: "synapse", ID: uint32(sid)}
	}
	if !ss.Valid[sid] {
		return nil
	}
	ss.Valid[sid] = false
	ss.free = append(ss.free, uint32(sid))
	src := ss.Sources[sid]
	lst := ss.bySource[src]
	for i, s := range lst {
		if s == uint32(sid) {
			lst[i] = lst[len(lst)-1]
			lst = lst[:len(lst)-1]
			break
		}
	}
	if len(lst) == 0 {
		delete(ss.bySource, src)
	} else {
		ss.bySource[src] = lst
	}
	ss.live--
	return nil
}

// UpdateWeight changes the weight of a live synapse.
func (ss *SynapseStore) UpdateWeight(sid neural.SynapseID, weight uint8) error {
	if !ss.IsValid(sid) {
		return &neural.RefError{Kind: "synapse", ID: uint32(sid)}
	}
	ss.Weights[sid] = weight
	return nil
}

// OutDegree returns the number of live synapses leaving source. This is
// the divisor for uniform postsynaptic distribution.
func (ss *SynapseStore) OutDegree(source uint32) int {
	return len(ss.bySource[source])
}

// FromSource returns the live synapse slots leaving source. The slice
// is owned by the store and must not be mutated or retained across a
// structural change.
func (ss *SynapseStore) FromSource(source uint32) []uint32 {
	return ss.bySource[source]
}

// ForEachFrom calls fn for every live synapse slot leaving source.
func (ss *SynapseStore) ForEachFrom(source uint32, fn func(sid uint32)) {
	for _, sid := range ss.bySource[source] {
		fn(sid)
	}
}

// RemoveFrom drops every live synapse leaving source, returning how
// many were removed. Used when a neuron is deleted.
func (ss *SynapseStore) RemoveFrom(source uint32) int {
	lst := ss.bySource[source]
	if len(lst) == 0 {
		return 0
	}
	n := len(lst)
	for _, sid := range lst {
		ss.Valid[sid] = false
		ss.free = append(ss.free, sid)
		ss.live--
	}
	delete(ss.bySource, source)
	return n
}

// RemoveTo drops every live synapse arriving at target, returning how
// many were removed. A full scan; used only when a neuron is deleted.
func (ss *SynapseStore) RemoveTo(target uint32) int {
	n := 0
	for sid, v := range ss.Valid {
		if v && ss.Targets[sid] == target {
			if err := ss.Remove(neural.SynapseID(sid)); err == nil {
				n++
			}
		}
	}
	return n
}

// RebuildIndex reconstructs the source index from the arrays. Backends
// that mutate the arrays in bulk (a restored snapshot) call this once
// afterwards. Slot lists come out sorted so iteration order is
// deterministic regardless of mutation history.
func (ss *SynapseStore) RebuildIndex() {
	ss.bySource = make(map[uint32][]uint32)
	ss.free = ss.free[:0]
	live := 0
	for sid, v := range ss.Valid {
		if !v {
			ss.free = append(ss.free, uint32(sid))
			continue
		}
		src := ss.Sources[sid]
		ss.bySource[src] = append(ss.bySource[src], uint32(sid))
		live++
	}
	ss.live = live
	for _, lst := range ss.bySource {
		sort.Slice(lst, func(i, j int) bool { return lst[i] < lst[j] })
	}
}
