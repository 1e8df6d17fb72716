// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"math"
	"math/bits"
	"sort"

	"github.com/spikeforge/npu/connectome"
	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/gbool"
	"github.com/spikeforge/npu/neural"
	"github.com/spikeforge/npu/nrand"
)

// Host-side packing shared by the device backends. The WGSL and CUDA
// kernels index the same buffer layouts, so both backends build them
// here and differ only in how they talk to the device.

const (
	fparamsStride = 5
	staticsStride = 2
	emptyTableKey = 0xffffffff
)

// dynParams mirrors the dynamics kernel's params words; checked at
// init for GPU-safe layout.
type dynParams struct {
	CandidateCount uint32
	Burst          uint32
	NeuronExtent   uint32
	MaskWords      uint32
}

// propParams mirrors the propagation kernel's params words.
type propParams struct {
	FiredCount uint32
	TableSize  uint32
	Pad0       uint32
	Pad1       uint32
}

// deviceParams packs the per-neuron arrays the kernels index:
// interleaved float parameters, packed static words, and the
// valid/charge-accumulation bit masks.
func deviceParams(ns *connectome.NeuronStore, maskWords int) (fparams []float32, statics, masks []uint32) {
	n := ns.Len()
	fparams = make([]float32, n*fparamsStride)
	statics = make([]uint32, n*staticsStride)
	masks = make([]uint32, 2*maskWords)
	for i := 0; i < n; i++ {
		p := i * fparamsStride
		fparams[p] = ns.Thresholds[i]
		fparams[p+1] = ns.ThresholdLimits[i]
		fparams[p+2] = ns.LeakCoefficients[i]
		fparams[p+3] = ns.RestingPotentials[i]
		fparams[p+4] = ns.Excitabilities[i]
		statics[i*staticsStride] = uint32(ns.RefractoryPeriods[i]) | uint32(ns.ConsecutiveFireLimits[i])<<16
		statics[i*staticsStride+1] = uint32(ns.SnoozePeriods[i])
		if ns.Valid[i] {
			masks[i/32] |= 1 << (i % 32)
		}
		if gbool.IsTrue(ns.ChargeAccumulation[i]) {
			masks[maskWords+i/32] |= 1 << (i % 32)
		}
	}
	return fparams, statics, masks
}

func nextPow2(v int) uint32 {
	if v < 8 {
		return 8
	}
	return uint32(1) << bits.Len(uint(v-1))
}

// deviceTopology flattens the synapse store into per-source adjacency
// runs plus the open-addressed lookup table the propagation kernels
// probe. Targets are pre-resolved to local indices on the host.
func deviceTopology(st *connectome.State, res fire.Resolver, backendName string) (flat, table []uint32, tableSize uint32, err error) {
	ss := st.Synapses
	bySource := make(map[uint32][]uint32)
	var sources []uint32
	for sid, valid := range ss.Valid {
		if !valid {
			continue
		}
		src := ss.Sources[sid]
		if _, seen := bySource[src]; !seen {
			sources = append(sources, src)
		}
		bySource[src] = append(bySource[src], uint32(sid))
	}
	// deterministic layout: sources ascending, slots in index order
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	flat = make([]uint32, 0, ss.Count()*2)
	type run struct{ src, start, count uint32 }
	runs := make([]run, 0, len(sources))
	for _, src := range sources {
		slots := bySource[src]
		start := uint32(len(flat) / 2)
		for _, sid := range slots {
			model, local, _, rerr := res.Resolve(ss.Targets[sid])
			if rerr != nil {
				return nil, nil, 0, rerr
			}
			if model != neural.ModelLIF {
				return nil, nil, 0, &neural.UnavailableError{Backend: backendName, Reason: "cross-model synapse not supported on gpu"}
			}
			packed := uint32(ss.Weights[sid]) | uint32(ss.PSPs[sid])<<8 | uint32(ss.Kinds[sid])<<16
			flat = append(flat, local, packed)
		}
		runs = append(runs, run{src: src, start: start, count: uint32(len(slots))})
	}

	tableSize = nextPow2(2 * len(runs))
	table = make([]uint32, tableSize*3)
	for i := range table {
		table[i] = emptyTableKey
	}
	for _, r := range runs {
		h := nrand.Hash(r.src) & (tableSize - 1)
		for table[h*3] != emptyTableKey {
			h = (h + 1) & (tableSize - 1)
		}
		table[h*3] = r.src
		table[h*3+1] = r.start
		table[h*3+2] = r.count
	}
	return flat, table, tableSize, nil
}

// packFired flattens the previous burst's queue into id, potential
// bits, area flags, out-degree quads and counts the synapses those
// sources will walk. Sources with no outgoing synapses are dropped.
func packFired(prev *fire.Queue, st *connectome.State) ([]uint32, int, error) {
	firedSrc := make([]uint32, 0, prev.Total()*4)
	walked := 0
	for _, area := range prev.Areas() {
		flags, ok := st.Areas.Flags(area)
		if !ok {
			return nil, 0, &neural.RefError{Kind: "area", ID: uint32(area)}
		}
		var fl uint32
		if flags.MPDrivenPSP {
			fl |= 1
		}
		if flags.PSPUniform {
			fl |= 2
		}
		for _, f := range prev.InArea(area) {
			deg := st.Synapses.OutDegree(f.ID)
			if deg == 0 {
				continue
			}
			walked += deg
			firedSrc = append(firedSrc, f.ID, math.Float32bits(f.Potential), fl, uint32(deg))
		}
	}
	return firedSrc, walked, nil
}

// packCandidates flattens a candidate bucket into id, local index,
// input-bits triples.
func packCandidates(entries []fire.Candidate) []uint32 {
	cand := make([]uint32, 0, len(entries)*3)
	for i := range entries {
		e := &entries[i]
		cand = append(cand, e.ID, e.Local, math.Float32bits(e.Input))
	}
	return cand
}

// candidateStats accounts Processed and Refractory from the
// pre-dispatch state. The branch tests mirror the CPU path so both
// report identical numbers for the same burst.
func candidateStats(entries []fire.Candidate, ns *connectome.NeuronStore) Stats {
	var stats Stats
	for i := range entries {
		e := &entries[i]
		if !ns.IsValid(e.Local) {
			continue
		}
		stats.Processed++
		if ns.RefractoryCountdowns[e.Local] > 0 {
			stats.Refractory++
		} else if lim := ns.ConsecutiveFireLimits[e.Local]; lim > 0 && ns.ConsecutiveFireCounts[e.Local] >= lim {
			stats.Refractory++
		}
	}
	return stats
}

// packDynState interleaves refractory countdown and consecutive-fire
// count into one word per neuron.
func packDynState(ns *connectome.NeuronStore, out []uint32) {
	for i := range out {
		out[i] = uint32(ns.RefractoryCountdowns[i]) | uint32(ns.ConsecutiveFireCounts[i])<<16
	}
}

// unpackDynState writes advanced countdowns and counts back into the
// store.
func unpackDynState(words []uint32, ns *connectome.NeuronStore) {
	for i, w := range words {
		ns.RefractoryCountdowns[i] = uint16(w & 0xffff)
		ns.ConsecutiveFireCounts[i] = uint16(w >> 16)
	}
}

// mergeAccum folds nonzero fixed-point accumulator slots back into the
// candidate list under their global ids.
func mergeAccum(accum []int32, res fire.Resolver, fcl *fire.CandidateList) error {
	for local, raw := range accum {
		if raw == 0 {
			continue
		}
		id := res.GlobalID(neural.ModelLIF, uint32(local))
		if err := fcl.Accumulate(id, float32(raw)/fclFixedScale); err != nil {
			return err
		}
	}
	return nil
}

// mergeFired walks the candidate bucket against the fired bit words,
// appending queue entries with their pre-reset potentials, and returns
// the fire count.
func mergeFired(entries []fire.Candidate, firedWords []uint32, maskWords int, ns *connectome.NeuronStore, q *fire.Queue) int {
	fired := 0
	for i := range entries {
		e := &entries[i]
		if firedWords[e.Local/32]&(1<<(e.Local%32)) == 0 {
			continue
		}
		v := math.Float32frombits(firedWords[uint32(maskWords)+e.Local])
		x, y, z, _ := ns.Coordinate(e.Local)
		q.Add(e.Area, fire.Fired{ID: e.ID, Potential: v, X: x, Y: y, Z: z})
		fired++
	}
	return fired
}
