// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package fire holds the two per-burst working structures: the Queue of
neurons that fired in a burst, grouped by cortical area, and the
CandidateList accumulating synaptic input for the next dynamics phase.

Both are arenas: the engine allocates each once and resets them every
burst, so steady-state bursts allocate nothing.
*/
package fire

import (
	"sort"

	"github.com/spikeforge/npu/neural"
)

// Fired is one firing event: the neuron, its membrane potential just
// before the post-fire reset, and its voxel. The pre-reset potential is
// what MP-driven areas propagate in place of the synapse PSP byte.
type Fired struct {
	ID        uint32
	Potential float32
	X, Y, Z   uint32
}

// Queue collects the firing events of one burst, grouped by area.
type Queue struct {
	// Timestep is the burst label the queue was produced under.
	Timestep uint64

	areas map[neural.AreaID][]Fired
	total int
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{areas: make(map[neural.AreaID][]Fired)}
}

// Add appends a firing event under its area.
func (q *Queue) Add(area neural.AreaID, f Fired) {
	q.areas[area] = append(q.areas[area], f)
	q.total++
}

// Total returns the number of firing events in the queue.
func (q *Queue) Total() int { return q.total }

// Areas returns the areas with at least one event, ascending.
func (q *Queue) Areas() []neural.AreaID {
	out := make([]neural.AreaID, 0, len(q.areas))
	for a := range q.areas {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InArea returns the area's events. The slice is owned by the queue.
func (q *Queue) InArea(area neural.AreaID) []Fired {
	return q.areas[area]
}

// IDs returns every fired neuron id, ascending.
func (q *Queue) IDs() []uint32 {
	out := make([]uint32, 0, q.total)
	for _, lst := range q.areas {
		for _, f := range lst {
			out = append(out, f.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports whether id fired this burst.
func (q *Queue) Contains(id uint32) bool {
	for _, lst := range q.areas {
		for _, f := range lst {
			if f.ID == id {
				return true
			}
		}
	}
	return false
}

// Sort orders each area's events by neuron id, making the queue
// identical regardless of which backend produced it.
func (q *Queue) Sort() {
	for _, lst := range q.areas {
		sort.Slice(lst, func(i, j int) bool { return lst[i].ID < lst[j].ID })
	}
}

// Reset empties the queue for reuse under a new burst label, keeping
// the per-area slices for their capacity.
func (q *Queue) Reset(timestep uint64) {
	q.Timestep = timestep
	for a, lst := range q.areas {
		q.areas[a] = lst[:0]
	}
	q.total = 0
}

// Clone returns an independent deep copy. The engine hands copies to
// callers so the arena can be reset underneath them.
func (q *Queue) Clone() *Queue {
	c := &Queue{Timestep: q.Timestep, areas: make(map[neural.AreaID][]Fired, len(q.areas)), total: q.total}
	for a, lst := range q.areas {
		if len(lst) == 0 {
			continue
		}
		c.areas[a] = append([]Fired(nil), lst...)
	}
	return c
}
