// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package ledger is the fire ledger: a rolling, per-area archive of which
neurons fired at which timestep, kept as compressed bitmaps.

Frames are dense. Every tracked area gets exactly one frame per
archived timestep, explicitly empty when the area was silent, and gaps
between archived timesteps are filled with empty frames. Consumers
(plasticity rules correlating firing across a fixed lookback) can
therefore turn "the frame k steps back" into pure index arithmetic.
Memory is bounded by the window: the oldest frame is overwritten once
the window is full.
*/
package ledger

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"

	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/neural"
)

// Frame is one archived timestep for one area.
type Frame struct {
	Timestep uint64
	Fired    *roaring.Bitmap
}

// ring is a fixed-window circular frame buffer.
type ring struct {
	window int
	frames []Frame
	head   int // oldest frame
	count  int
}

func (r *ring) push(f Frame) {
	if r.count < r.window {
		r.frames[(r.head+r.count)%r.window] = f
		r.count++
		return
	}
	r.frames[r.head] = f
	r.head = (r.head + 1) % r.window
}

// at returns the i-th frame oldest-first.
func (r *ring) at(i int) *Frame {
	return &r.frames[(r.head+i)%r.window]
}

// Ledger archives firing history for a set of tracked areas.
type Ledger struct {
	rings map[neural.AreaID]*ring
	last  uint64
	has   bool
}

// New returns an empty ledger tracking nothing.
func New() *Ledger {
	return &Ledger{rings: make(map[neural.AreaID]*ring)}
}

// Track starts archiving an area with the given window (frames
// retained). Re-tracking an area adjusts its window only while the area
// has no archived frames yet; once frames exist the window is fixed and
// re-tracking is a ConfigError.
func (l *Ledger) Track(area neural.AreaID, window int) error {
	if window <= 0 {
		return &neural.ConfigError{Field: "window", Reason: "must be positive"}
	}
	if r, ok := l.rings[area]; ok && r.count > 0 {
		return &neural.ConfigError{Field: "window", Reason: "fixed once archiving has begun"}
	}
	l.rings[area] = &ring{window: window, frames: make([]Frame, window)}
	return nil
}

// Tracked returns the tracked area ids, ascending.
func (l *Ledger) Tracked() []neural.AreaID {
	out := make([]neural.AreaID, 0, len(l.rings))
	for a := range l.rings {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Window returns the area's frame window.
func (l *Ledger) Window(area neural.AreaID) (int, error) {
	r, ok := l.rings[area]
	if !ok {
		return 0, &neural.RefError{Kind: "area", ID: uint32(area)}
	}
	return r.window, nil
}

// FrameCount returns how many frames the area currently holds.
func (l *Ledger) FrameCount(area neural.AreaID) int {
	if r, ok := l.rings[area]; ok {
		return r.count
	}
	return 0
}

// LastTimestep returns the most recently archived timestep and whether
// anything has been archived.
func (l *Ledger) LastTimestep() (uint64, bool) {
	return l.last, l.has
}

// Archive records one burst's queue at the given timestep. Timesteps
// must be strictly increasing; skipped timesteps are backfilled with
// empty frames in every tracked area so history stays dense. Events in
// untracked areas are ignored.
func (l *Ledger) Archive(timestep uint64, q *fire.Queue) error {
	if l.has && timestep <= l.last {
		return &neural.ConfigError{
			Field:  "timestep",
			Reason: fmt.Sprintf("%d not after last archived %d", timestep, l.last),
		}
	}
	for area, r := range l.rings {
		// backfill the gap, clamped to what the window can hold
		start := l.last + 1
		if !l.has {
			start = timestep
		}
		if timestep-start >= uint64(r.window) {
			start = timestep - uint64(r.window) + 1
		}
		for ts := start; ts < timestep; ts++ {
			r.push(Frame{Timestep: ts, Fired: roaring.New()})
		}
		bm := roaring.New()
		for _, f := range q.InArea(area) {
			bm.Add(f.ID)
		}
		r.push(Frame{Timestep: timestep, Fired: bm})
	}
	l.last = timestep
	l.has = true
	return nil
}

// History returns the area's frames oldest to newest, with the bitmaps
// cloned so callers cannot mutate the archive.
func (l *Ledger) History(area neural.AreaID) ([]Frame, error) {
	r, ok := l.rings[area]
	if !ok {
		return nil, &neural.RefError{Kind: "area", ID: uint32(area)}
	}
	out := make([]Frame, r.count)
	for i := 0; i < r.count; i++ {
		f := r.at(i)
		out[i] = Frame{Timestep: f.Timestep, Fired: f.Fired.Clone()}
	}
	return out, nil
}

// DenseWindow returns exactly depth bitmaps covering timesteps
// end-depth+1 through end, oldest first. Because frames are dense the
// lookup is index arithmetic off the newest frame. Fails when the area
// is untracked, end has not been archived yet, depth exceeds the
// window, or history does not reach back far enough.
func (l *Ledger) DenseWindow(area neural.AreaID, end uint64, depth int) ([]*roaring.Bitmap, error) {
	r, ok := l.rings[area]
	if !ok {
		return nil, &neural.RefError{Kind: "area", ID: uint32(area)}
	}
	if depth <= 0 {
		return nil, &neural.ConfigError{Field: "depth", Reason: "must be positive"}
	}
	if depth > r.window {
		return nil, &neural.ConfigError{Field: "depth", Reason: "exceeds the area's window"}
	}
	if !l.has || end > l.last {
		return nil, &neural.ConfigError{Field: "endTimestep", Reason: "not archived yet"}
	}
	if r.count == 0 {
		return nil, &neural.ConfigError{Field: "depth", Reason: "no frames archived for area"}
	}
	newest := r.at(r.count - 1).Timestep
	if end > newest {
		return nil, &neural.ConfigError{Field: "endTimestep", Reason: "not archived for area"}
	}
	// offset of end back from the newest frame
	back := int(newest - end)
	first := r.count - 1 - back - (depth - 1)
	if first < 0 {
		return nil, &neural.ConfigError{Field: "depth", Reason: "history does not reach back far enough"}
	}
	out := make([]*roaring.Bitmap, depth)
	for i := 0; i < depth; i++ {
		out[i] = r.at(first + i).Fired.Clone()
	}
	return out, nil
}
