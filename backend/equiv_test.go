// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"errors"
	"testing"

	"goki.dev/mat32/v2"

	"github.com/spikeforge/npu/connectome"
	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/neural"
)

const equivN = 200

// buildEquivState makes one copy of a mixed-parameter population with a
// synapse web. Called twice so each backend advances identical state.
func buildEquivState(t *testing.T) (*connectome.State, testResolver) {
	t.Helper()
	st, res := newLIFState(t, 1, connectome.AreaFlags{}, equivN, func(i int, p *neural.NeuronParams) {
		p.Threshold = 100
		p.LeakCoefficient = float32(i%8) / 8
		p.RestingPotential = float32(i%3) * -10
		if i%5 == 0 {
			p.RefractoryPeriod = uint16(i%4) + 1
		}
		if i%7 == 0 {
			p.ConsecutiveFireLimit = 3
			p.SnoozePeriod = 1
		}
		if i%11 == 0 {
			p.ChargeAccumulation = false
		}
		if i%13 == 0 {
			p.Excitability = 0
		}
	})
	for i := uint32(0); i < equivN; i++ {
		if _, err := st.Synapses.Add(i, (i+1)%equivN, uint8(i%250)+1, uint8(i%200)+1, neural.SynapseKind(i%3)); err != nil {
			t.Fatalf("Add: %v", err)
		}
		if i%3 == 0 {
			if _, err := st.Synapses.Add(i, (i+17)%equivN, 40, 30, neural.Excitatory); err != nil {
				t.Fatalf("Add: %v", err)
			}
		}
	}
	return st, res
}

// TestWGPUMatchesCPU steps the two backends over identical copies of
// one population for several bursts and requires the fired sets to be
// identical and every membrane potential to agree within DiffTol.
// Skipped when no wgpu adapter is present.
func TestWGPUMatchesCPU(t *testing.T) {
	cpuSt, cpuRes := buildEquivState(t)
	gpuSt, gpuRes := buildEquivState(t)

	gpu, err := newWGPU(gpuSt, gpuRes)
	if err != nil {
		var ue *neural.UnavailableError
		if errors.As(err, &ue) {
			t.Skipf("no wgpu adapter: %v", err)
		}
		t.Fatalf("newWGPU: %v", err)
	}
	defer gpu.Close()
	if err := gpu.InitPersistent(gpuSt); err != nil {
		t.Fatalf("InitPersistent: %v", err)
	}
	cpu := NewCPU(1)

	cpuPrev, gpuPrev := fire.NewQueue(), fire.NewQueue()
	for burst := uint64(1); burst <= 5; burst++ {
		cpuFCL := fire.NewCandidateList(cpuRes)
		gpuFCL := fire.NewCandidateList(gpuRes)
		for id := uint32(0); id < equivN; id++ {
			if id%4 == 0 {
				if err := cpuFCL.Accumulate(id, 60); err != nil {
					t.Fatalf("Accumulate: %v", err)
				}
				if err := gpuFCL.Accumulate(id, 60); err != nil {
					t.Fatalf("Accumulate: %v", err)
				}
				continue
			}
			// candidates either way, so persistent state advances on
			// every neuron identically on both sides
			if err := cpuFCL.Touch(id); err != nil {
				t.Fatalf("Touch: %v", err)
			}
			if err := gpuFCL.Touch(id); err != nil {
				t.Fatalf("Touch: %v", err)
			}
		}

		cw, err := cpu.Propagate(cpuPrev, cpuSt, cpuFCL)
		if err != nil {
			t.Fatalf("burst %d cpu propagate: %v", burst, err)
		}
		gw, err := gpu.Propagate(gpuPrev, gpuSt, gpuFCL)
		if err != nil {
			t.Fatalf("burst %d gpu propagate: %v", burst, err)
		}
		if cw != gw {
			t.Errorf("burst %d walked %d synapses on cpu, %d on gpu", burst, cw, gw)
		}
		for _, c := range cpuFCL.Bucket(neural.ModelLIF) {
			if g := inputOf(t, gpuFCL, c.ID); mat32.Abs(g-c.Input) > DiffTol {
				t.Fatalf("burst %d input for %d = %g on gpu, %g on cpu", burst, c.ID, g, c.Input)
			}
		}

		cpuQ, gpuQ := fire.NewQueue(), fire.NewQueue()
		cpuQ.Reset(burst)
		gpuQ.Reset(burst)
		cs, err := cpu.Dynamics(cpuFCL, cpuSt, burst, cpuQ)
		if err != nil {
			t.Fatalf("burst %d cpu dynamics: %v", burst, err)
		}
		gs, err := gpu.Dynamics(gpuFCL, gpuSt, burst, gpuQ)
		if err != nil {
			t.Fatalf("burst %d gpu dynamics: %v", burst, err)
		}
		if cs.Fired != gs.Fired || cs.Refractory != gs.Refractory {
			t.Errorf("burst %d stats cpu %+v, gpu %+v", burst, cs, gs)
		}
		cpuQ.Sort()
		gpuQ.Sort()
		ce, ge := cpuQ.InArea(1), gpuQ.InArea(1)
		if len(ce) != len(ge) {
			t.Fatalf("burst %d fired %d on cpu, %d on gpu", burst, len(ce), len(ge))
		}
		for i := range ce {
			if ce[i].ID != ge[i].ID {
				t.Fatalf("burst %d fired set diverges at %d: cpu %d, gpu %d", burst, i, ce[i].ID, ge[i].ID)
			}
			if mat32.Abs(ce[i].Potential-ge[i].Potential) > DiffTol {
				t.Errorf("burst %d event %d potential cpu %g, gpu %g", burst, ce[i].ID, ce[i].Potential, ge[i].Potential)
			}
		}

		cns := cpuSt.Store(neural.ModelLIF)
		gns := gpuSt.Store(neural.ModelLIF)
		for i := range cns.MembranePotentials {
			if mat32.Abs(cns.MembranePotentials[i]-gns.MembranePotentials[i]) > DiffTol {
				t.Fatalf("burst %d membrane %d = %g on cpu, %g on gpu",
					burst, i, cns.MembranePotentials[i], gns.MembranePotentials[i])
			}
			if cns.RefractoryCountdowns[i] != gns.RefractoryCountdowns[i] {
				t.Fatalf("burst %d countdown %d = %d on cpu, %d on gpu",
					burst, i, cns.RefractoryCountdowns[i], gns.RefractoryCountdowns[i])
			}
		}

		cpuPrev, gpuPrev = cpuQ, gpuQ
	}
}
