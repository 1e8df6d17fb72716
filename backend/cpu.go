// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"runtime"
	"sync"

	"github.com/spikeforge/npu/connectome"
	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/gbool"
	"github.com/spikeforge/npu/neural"
	"github.com/spikeforge/npu/nrand"
)

// CPUBackend is the reference implementation: sparse, parallel over
// candidate chunks, always available.
type CPUBackend struct {
	nThreads int

	// per-burst scratch, grown on demand and reused
	firedMark []bool
	firedPot  []float32
}

// NewCPU returns a CPU backend running dynamics on nThreads worker
// goroutines, or GOMAXPROCS when nThreads <= 0.
func NewCPU(nThreads int) *CPUBackend {
	return &CPUBackend{nThreads: nThreads}
}

func (b *CPUBackend) Name() string { return CPU.String() }

// InitPersistent is a no-op: the CPU computes on the stores in place.
func (b *CPUBackend) InitPersistent(st *connectome.State) error { return nil }

// OnGenomeChange is a no-op: there is no device copy to invalidate.
func (b *CPUBackend) OnGenomeChange() error { return nil }

func (b *CPUBackend) Close() error { return nil }

// Propagate walks each previous firing's outgoing synapses in a fixed
// order (areas ascending, events in queue order, synapse slots in
// index order) so candidate creation order, and with it float
// summation order, is reproducible.
func (b *CPUBackend) Propagate(prev *fire.Queue, st *connectome.State, fcl *fire.CandidateList) (int, error) {
	syn := st.Synapses
	walked := 0
	for _, area := range prev.Areas() {
		flags, ok := st.Areas.Flags(area)
		if !ok {
			return walked, &neural.RefError{Kind: "area", ID: uint32(area)}
		}
		for _, f := range prev.InArea(area) {
			slots := syn.FromSource(f.ID)
			if len(slots) == 0 {
				continue
			}
			div := float32(1)
			if flags.PSPUniform {
				div = float32(len(slots))
			}
			for _, sid := range slots {
				kind := neural.SynapseKind(syn.Kinds[sid])
				var c float32
				if flags.MPDrivenPSP {
					c = float32(syn.Weights[sid]) * f.Potential * kind.Sign()
				} else {
					c = neural.Contribution(syn.Weights[sid], syn.PSPs[sid], kind)
				}
				if err := fcl.Accumulate(syn.Targets[sid], c/div); err != nil {
					return walked, err
				}
				walked++
			}
		}
	}
	return walked, nil
}

// Dynamics advances every candidate of every model bucket, in parallel
// chunks. Firings are marked per candidate and appended to the queue
// in candidate order afterwards, so the queue does not depend on
// goroutine scheduling.
func (b *CPUBackend) Dynamics(fcl *fire.CandidateList, st *connectome.State, burst uint64, q *fire.Queue) (Stats, error) {
	var stats Stats
	for m := neural.ModelKind(0); m < neural.NumModels; m++ {
		entries := fcl.Bucket(m)
		if len(entries) == 0 {
			continue
		}
		if !m.Implemented() {
			return stats, &neural.ConfigError{Field: "model", Reason: m.String() + " has no dynamics kernel"}
		}
		s, err := b.dynamicsLIF(entries, st.Neurons[m], burst, q)
		stats.Processed += s.Processed
		stats.Fired += s.Fired
		stats.Refractory += s.Refractory
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (b *CPUBackend) dynamicsLIF(entries []fire.Candidate, ns *connectome.NeuronStore, burst uint64, q *fire.Queue) (Stats, error) {
	n := len(entries)
	if cap(b.firedMark) < n {
		b.firedMark = make([]bool, n)
		b.firedPot = make([]float32, n)
	}
	mark := b.firedMark[:n]
	pot := b.firedPot[:n]
	for i := range mark {
		mark[i] = false
	}

	var mu sync.Mutex
	var stats Stats
	parallelRun(func(lo, hi int) {
		var local Stats
		for i := lo; i < hi; i++ {
			e := &entries[i]
			idx := e.Local
			if !ns.IsValid(idx) {
				continue
			}
			local.Processed++

			if cd := ns.RefractoryCountdowns[idx]; cd > 0 {
				cd--
				ns.RefractoryCountdowns[idx] = cd
				if cd == 0 {
					if lim := ns.ConsecutiveFireLimits[idx]; lim > 0 && ns.ConsecutiveFireCounts[idx] >= lim {
						ns.ConsecutiveFireCounts[idx] = 0
					}
				}
				local.Refractory++
				continue
			}

			// back-to-back fire cap: one forced rest, then the run restarts
			if lim := ns.ConsecutiveFireLimits[idx]; lim > 0 && ns.ConsecutiveFireCounts[idx] >= lim {
				ns.ConsecutiveFireCounts[idx] = 0
				local.Refractory++
				continue
			}

			rest := ns.RestingPotentials[idx]
			v := ns.MembranePotentials[idx]
			if !gbool.IsTrue(ns.ChargeAccumulation[idx]) {
				v = rest
			}
			v = neural.UpdatePotential(v, e.Input, ns.LeakCoefficients[idx], rest)

			draw := nrand.ExcitabilityDraw(e.ID, burst)
			if neural.ShouldFire(v, ns.Thresholds[idx], ns.ThresholdLimits[idx], ns.Excitabilities[idx], draw) {
				mark[i] = true
				pot[i] = v
				ns.MembranePotentials[idx] = rest
				ns.RefractoryCountdowns[idx] = satAdd16(ns.RefractoryPeriods[idx], ns.SnoozePeriods[idx])
				if c := ns.ConsecutiveFireCounts[idx]; c < ^uint16(0) {
					ns.ConsecutiveFireCounts[idx] = c + 1
				}
				local.Fired++
			} else {
				ns.MembranePotentials[idx] = v
				ns.ConsecutiveFireCounts[idx] = 0
			}
		}
		mu.Lock()
		stats.Processed += local.Processed
		stats.Fired += local.Fired
		stats.Refractory += local.Refractory
		mu.Unlock()
	}, n, b.nThreads)

	for i := range entries {
		if !mark[i] {
			continue
		}
		e := &entries[i]
		x, y, z, _ := ns.Coordinate(e.Local)
		q.Add(e.Area, fire.Fired{ID: e.ID, Potential: pot[i], X: x, Y: y, Z: z})
	}
	return stats, nil
}

func satAdd16(a, b uint16) uint16 {
	s := uint32(a) + uint32(b)
	if s > 0xffff {
		return 0xffff
	}
	return uint16(s)
}

// parallelRun splits [0, total) into contiguous chunks and runs fun on
// each from its own goroutine, blocking until all finish. nThreads <= 0
// uses GOMAXPROCS.
func parallelRun(fun func(lo, hi int), total, nThreads int) {
	if total <= 0 {
		return
	}
	if nThreads <= 0 {
		nThreads = runtime.GOMAXPROCS(0)
	}
	if nThreads > total {
		nThreads = total
	}
	if nThreads == 1 {
		fun(0, total)
		return
	}
	chunk := (total + nThreads - 1) / nThreads
	var wg sync.WaitGroup
	for lo := 0; lo < total; lo += chunk {
		hi := lo + chunk
		if hi > total {
			hi = total
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fun(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
