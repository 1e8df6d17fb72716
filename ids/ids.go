// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package ids allocates and routes neuron identifiers.

The 32-bit id space is partitioned into disjoint contiguous spans, one
per neuron model. Within a span ids are handed out sequentially; freed
ids go into a per-model Roaring bitmap and are recycled lowest-first
before the span grows further. A span never overlaps another model's and
never shrinks, so id-to-local-index resolution is plain arithmetic for
the lifetime of the process.

Resolving an id back to its model is a linear scan over the handful of
spans by default. For billion-neuron populations the manager can instead
be configured with a flat one-byte-per-id table, trading that memory for
O(1) resolution; the tradeoff is chosen at construction, never
automatically.
*/
package ids

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/spikeforge/npu/neural"
)

// Config sizes the per-model id spans.
type Config struct {

	// maximum ids per model; a model absent from the map gets no span
	Ceilings map[neural.ModelKind]uint32

	// resolve ids through a flat byte table instead of a span scan
	LookupTable bool
}

// DefaultConfig gives the whole default span budget to LIF.
func DefaultConfig(neuronCapacity uint32) Config {
	return Config{
		Ceilings: map[neural.ModelKind]uint32{neural.ModelLIF: neuronCapacity},
	}
}

type span struct {
	start uint32
	next  uint32
	limit uint32 // start + ceiling
	used  bool
}

// Manager owns the id spans and free-sets for one engine. It assumes
// the engine's single-writer discipline: callers must not allocate and
// deallocate concurrently without external synchronization.
type Manager struct {
	spans [neural.NumModels]span
	free  [neural.NumModels]*roaring.Bitmap
	table []uint8 // id -> model+1, 0 unassigned; nil unless LookupTable
}

// New lays out one span per configured model, in model order starting
// at id 0. Total ceilings beyond the u32 space are a ConfigError.
func New(cfg Config) (*Manager, error) {
	m := &Manager{}
	var next uint64
	for mk := neural.ModelKind(0); mk < neural.NumModels; mk++ {
		ceil, ok := cfg.Ceilings[mk]
		if !ok || ceil == 0 {
			continue
		}
		end := next + uint64(ceil)
		if end > 1<<32 {
			return nil, &neural.ConfigError{Field: "Ceilings", Reason: "id spans exceed the 32-bit space"}
		}
		lim := uint32(end)
		if end == 1<<32 {
			// keep limit representable; the very top id goes unused
			lim = ^uint32(0)
		}
		m.spans[mk] = span{start: uint32(next), next: uint32(next), limit: lim, used: true}
		m.free[mk] = roaring.New()
		next = end
	}
	if next == 0 {
		return nil, &neural.ConfigError{Field: "Ceilings", Reason: "no model has a nonzero ceiling"}
	}
	if cfg.LookupTable {
		m.table = make([]uint8, next)
		for mk := neural.ModelKind(0); mk < neural.NumModels; mk++ {
			sp := m.spans[mk]
			if !sp.used {
				continue
			}
			for i := sp.start; i < sp.limit; i++ {
				m.table[i] = uint8(mk) + 1
			}
		}
	}
	return m, nil
}

// Allocate returns a recycled id for the model if any is free (lowest
// first), else the next sequential id from its span. It fails with a
// CapacityError only when the span has hit its ceiling.
func (m *Manager) Allocate(model neural.ModelKind) (neural.NeuronID, error) {
	if !model.Implemented() {
		return 0, &neural.ConfigError{Field: "model", Reason: model.String() + " has no dynamics kernel"}
	}
	sp := &m.spans[model]
	if !sp.used {
		return 0, &neural.CapacityError{Resource: model.String() + " ids", Limit: 0}
	}
	if fr := m.free[model]; fr.GetCardinality() > 0 {
		id := fr.Minimum()
		fr.Remove(id)
		return neural.NeuronID(id), nil
	}
	if sp.next >= sp.limit {
		return 0, &neural.CapacityError{Resource: model.String() + " ids", Limit: uint64(sp.limit - sp.start)}
	}
	id := sp.next
	sp.next++
	return neural.NeuronID(id), nil
}

// Deallocate returns id to its model's free-set for reuse; the span
// itself never shrinks. Freeing an already-free id is a no-op. An id
// outside every span, or never yet allocated, is a RefError.
func (m *Manager) Deallocate(id neural.NeuronID) error {
	model, err := m.ModelType(id)
	if err != nil {
		return err
	}
	sp := m.spans[model]
	if uint32(id) >= sp.next {
		return &neural.RefError{Kind: "neuron", ID: uint32(id)}
	}
	m.free[model].Add(uint32(id))
	return nil
}

// ModelType resolves which model's span contains id, by table lookup or
// span scan depending on configuration. Resolution is by membership
// only; use Live to check allocation state.
func (m *Manager) ModelType(id neural.NeuronID) (neural.ModelKind, error) {
	if m.table != nil {
		if uint32(id) < uint32(len(m.table)) {
			if v := m.table[id]; v != 0 {
				return neural.ModelKind(v - 1), nil
			}
		}
		return 0, &neural.RefError{Kind: "neuron", ID: uint32(id)}
	}
	for mk := neural.ModelKind(0); mk < neural.NumModels; mk++ {
		sp := m.spans[mk]
		if sp.used && uint32(id) >= sp.start && uint32(id) < sp.limit {
			return mk, nil
		}
	}
	return 0, &neural.RefError{Kind: "neuron", ID: uint32(id)}
}

// GlobalID converts a model-local index to its global id: span start
// plus offset, pure arithmetic. The caller is responsible for local
// being within the span.
func (m *Manager) GlobalID(model neural.ModelKind, local uint32) neural.NeuronID {
	return neural.NeuronID(m.spans[model].start + local)
}

// LocalIndex is the inverse of GlobalID: the model owning id and the
// offset of id within that model's span.
func (m *Manager) LocalIndex(id neural.NeuronID) (neural.ModelKind, uint32, error) {
	model, err := m.ModelType(id)
	if err != nil {
		return 0, 0, err
	}
	return model, uint32(id) - m.spans[model].start, nil
}

// Live reports whether id is currently allocated: inside a span, below
// its high-water mark, and not sitting in the free-set.
func (m *Manager) Live(id neural.NeuronID) bool {
	model, err := m.ModelType(id)
	if err != nil {
		return false
	}
	sp := m.spans[model]
	if uint32(id) >= sp.next {
		return false
	}
	return !m.free[model].Contains(uint32(id))
}

// Count returns the number of live ids under the model.
func (m *Manager) Count(model neural.ModelKind) int {
	sp := m.spans[model]
	if !sp.used {
		return 0
	}
	return int(sp.next-sp.start) - int(m.free[model].GetCardinality())
}

// FreeCount returns the number of recycled ids waiting for reuse.
func (m *Manager) FreeCount(model neural.ModelKind) int {
	if !m.spans[model].used {
		return 0
	}
	return int(m.free[model].GetCardinality())
}

// Extent returns the model span's high-water mark: the length the
// model's storage arrays must have. Includes freed slots awaiting
// reuse.
func (m *Manager) Extent(model neural.ModelKind) uint32 {
	sp := m.spans[model]
	if !sp.used {
		return 0
	}
	return sp.next - sp.start
}

// Ceiling returns the model's configured id budget, zero when the
// model has no span.
func (m *Manager) Ceiling(model neural.ModelKind) uint32 {
	sp := m.spans[model]
	if !sp.used {
		return 0
	}
	return sp.limit - sp.start
}

// FreeSet returns a copy of the model's free-set, for snapshots.
func (m *Manager) FreeSet(model neural.ModelKind) []uint32 {
	if !m.spans[model].used {
		return nil
	}
	return m.free[model].ToArray()
}

// RestoreFree reinstates a free-set from a snapshot, with the span
// high-water mark set to extent.
func (m *Manager) RestoreFree(model neural.ModelKind, extent uint32, free []uint32) error {
	sp := &m.spans[model]
	if !sp.used {
		return &neural.ConfigError{Field: "model", Reason: model.String() + " has no span"}
	}
	if uint64(sp.start)+uint64(extent) > uint64(sp.limit) {
		return &neural.CapacityError{Resource: model.String() + " ids", Limit: uint64(sp.limit - sp.start)}
	}
	next := sp.start + extent
	fr := roaring.New()
	for _, id := range free {
		if id < sp.start || id >= next {
			return &neural.RefError{Kind: "neuron", ID: id}
		}
		fr.Add(id)
	}
	sp.next = next
	m.free[model] = fr
	return nil
}
