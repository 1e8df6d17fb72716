// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fire

import (
	"sort"

	"github.com/spikeforge/npu/neural"
)

// Resolver maps a global neuron id to its model, model-local index and
// area, and back. The engine implements it over the id manager; the
// list calls Resolve exactly once per neuron per burst and caches the
// result in the entry. GPU backends use GlobalID to translate device
// results back to ids.
type Resolver interface {
	Resolve(id uint32) (model neural.ModelKind, local uint32, area neural.AreaID, err error)
	GlobalID(model neural.ModelKind, local uint32) uint32
}

// Candidate is one neuron due a dynamics update this burst: its cached
// routing plus the summed synaptic input delivered to it.
type Candidate struct {
	ID    uint32
	Local uint32
	Area  neural.AreaID
	Model neural.ModelKind
	Input float32
}

type slot struct {
	model neural.ModelKind
	pos   int32
}

// CandidateList is the fire candidate list: the accumulator the
// propagation phase fills and the dynamics phase drains. Entries are
// bucketed per model as they are created, so dynamics iterates model
// buckets with no further routing lookups.
type CandidateList struct {
	res     Resolver
	buckets [neural.NumModels][]Candidate
	index   map[uint32]slot
}

// NewCandidateList returns an empty list routing through res.
func NewCandidateList(res Resolver) *CandidateList {
	return &CandidateList{res: res, index: make(map[uint32]slot)}
}

func (cl *CandidateList) entry(id uint32) (*Candidate, error) {
	if s, ok := cl.index[id]; ok {
		return &cl.buckets[s.model][s.pos], nil
	}
	model, local, area, err := cl.res.Resolve(id)
	if err != nil {
		return nil, err
	}
	b := cl.buckets[model]
	b = append(b, Candidate{ID: id, Local: local, Area: area, Model: model})
	cl.buckets[model] = b
	cl.index[id] = slot{model: model, pos: int32(len(b) - 1)}
	return &cl.buckets[model][len(b)-1], nil
}

// Accumulate adds a synaptic contribution to id's summed input,
// creating the entry on first delivery. Unroutable ids surface the
// resolver's error, a RefError in the engine's wiring.
func (cl *CandidateList) Accumulate(id uint32, contribution float32) error {
	e, err := cl.entry(id)
	if err != nil {
		return err
	}
	e.Input += contribution
	return nil
}

// Touch ensures id has an entry without adding input. The engine uses
// it to pull neurons with persistent state (a running refractory
// countdown, a potential off rest) into the dynamics phase on bursts
// where nothing reaches them.
func (cl *CandidateList) Touch(id uint32) error {
	_, err := cl.entry(id)
	return err
}

// Len returns the number of entries across all buckets.
func (cl *CandidateList) Len() int { return len(cl.index) }

// Bucket returns a model's entries in creation order. The slice is
// owned by the list; backends read it and must not retain it across
// Reset.
func (cl *CandidateList) Bucket(model neural.ModelKind) []Candidate {
	return cl.buckets[model]
}

// ForEachModel calls fn for every model with at least one entry.
func (cl *CandidateList) ForEachModel(fn func(model neural.ModelKind, entries []Candidate)) {
	for m := neural.ModelKind(0); m < neural.NumModels; m++ {
		if len(cl.buckets[m]) > 0 {
			fn(m, cl.buckets[m])
		}
	}
}

// Snapshot returns an id-ordered copy of every entry, for inspection.
func (cl *CandidateList) Snapshot() []Candidate {
	out := make([]Candidate, 0, cl.Len())
	for m := range cl.buckets {
		out = append(out, cl.buckets[m]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset empties the list for the next burst, keeping bucket capacity.
// The routing cache empties with it: entries are resolved at most once
// per burst, not once per lifetime, so deletions take effect on the
// next burst.
func (cl *CandidateList) Reset() {
	for m := range cl.buckets {
		cl.buckets[m] = cl.buckets[m][:0]
	}
	clear(cl.index)
}
