// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package npu

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spikeforge/npu/backend"
	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/neural"
	"github.com/spikeforge/npu/snapshot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, mut func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		NeuronCapacity: 4096,
		Backend:        backend.Config{ForceCPU: true},
		Logger:         testLogger(),
	}
	if mut != nil {
		mut(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func mustRegister(t *testing.T, e *Engine, area neural.AreaID, opts AreaOptions) {
	t.Helper()
	if err := e.RegisterArea(area, opts); err != nil {
		t.Fatalf("RegisterArea(%d): %v", area, err)
	}
}

// addLIF adds a neuron with threshold 100, zero leak, charge
// accumulation on, at voxel (x, 0, 0).
func addLIF(t *testing.T, e *Engine, area neural.AreaID, x uint32, mut func(*neural.NeuronParams)) neural.NeuronID {
	t.Helper()
	var p neural.NeuronParams
	p.Defaults()
	p.Threshold = 100
	p.Area = area
	p.X = x
	if mut != nil {
		mut(&p)
	}
	id, err := e.AddNeuron(neural.ModelLIF, &p)
	if err != nil {
		t.Fatalf("AddNeuron: %v", err)
	}
	return id
}

func runBurst(t *testing.T, e *Engine, burst uint64) *fire.Queue {
	t.Helper()
	q, err := e.ProcessBurst(burst)
	if err != nil {
		t.Fatalf("ProcessBurst(%d): %v", burst, err)
	}
	return q
}

func inject(t *testing.T, e *Engine, id neural.NeuronID, potential float32) {
	t.Helper()
	if err := e.InjectStimulus(id, potential); err != nil {
		t.Fatalf("InjectStimulus(%d, %g): %v", id, potential, err)
	}
}

func potential(t *testing.T, e *Engine, id neural.NeuronID) float32 {
	t.Helper()
	model, local, err := e.ids.LocalIndex(id)
	if err != nil {
		t.Fatalf("LocalIndex(%d): %v", id, err)
	}
	return e.state.Neurons[model].MembranePotentials[local]
}

func candidateInput(t *testing.T, e *Engine, id neural.NeuronID) float32 {
	t.Helper()
	for _, c := range e.FCLSnapshot() {
		if c.ID == uint32(id) {
			return c.Input
		}
	}
	t.Fatalf("neuron %d not in candidate list", id)
	return 0
}

type fixedProbe struct {
	wgpu bool
	cuda bool
}

func (p fixedProbe) WGPUAvailable() bool { return p.wgpu }
func (p fixedProbe) CUDAAvailable() bool { return p.cuda }

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero neuron capacity", func(c *Config) { c.NeuronCapacity = 0 }},
		{"negative synapse capacity", func(c *Config) { c.SynapseCapacity = -1 }},
		{"negative ledger window", func(c *Config) { c.LedgerWindow = -5 }},
		{"two forced backends", func(c *Config) { c.Backend.ForceWGPU = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				NeuronCapacity: 64,
				Backend:        backend.Config{ForceCPU: true},
				Logger:         testLogger(),
			}
			tc.mut(&cfg)
			e, err := New(cfg)
			if err == nil {
				e.Close()
				t.Fatal("New accepted a bad config")
			}
			var ce *neural.ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("error = %v, want ConfigError", err)
			}
		})
	}
}

func TestForcedBackendUnavailableIsFatal(t *testing.T) {
	_, err := New(Config{
		NeuronCapacity: 64,
		Backend:        backend.Config{ForceCUDA: true},
		Probe:          fixedProbe{},
		Logger:         testLogger(),
	})
	if err == nil {
		t.Fatal("New opened a forced backend with no device")
	}
	var ue *neural.UnavailableError
	if !errors.As(err, &ue) {
		t.Errorf("error = %v, want UnavailableError", err)
	}
}

func TestSelectionStaysOnCPUBelowSpeedup(t *testing.T) {
	e := newTestEngine(t, func(c *Config) {
		c.Backend = backend.Config{CUDANeuronThreshold: 1}
		c.Probe = fixedProbe{cuda: true}
	})
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	id := addLIF(t, e, 1, 0, nil)
	inject(t, e, id, 150)
	q := runBurst(t, e, 1)
	if !q.Contains(uint32(id)) {
		t.Error("neuron did not fire")
	}
	if got := e.Backend().Backend; got != backend.CPU {
		t.Errorf("backend = %s, want cpu for a tiny workload", got)
	}
}

func TestIDRecycling(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	var ids []neural.NeuronID
	for x := uint32(0); x < 5; x++ {
		ids = append(ids, addLIF(t, e, 1, x, nil))
	}
	for i, id := range ids {
		if got := uint32(id); got != uint32(i) {
			t.Fatalf("id %d = %d, want sequential from 0", i, got)
		}
	}
	if err := e.DeleteNeuron(ids[1]); err != nil {
		t.Fatalf("DeleteNeuron: %v", err)
	}
	if err := e.DeleteNeuron(ids[3]); err != nil {
		t.Fatalf("DeleteNeuron: %v", err)
	}
	if got := e.NeuronCount(); got != 3 {
		t.Errorf("NeuronCount = %d, want 3", got)
	}
	if _, ok := e.NeuronAt(1, 1, 0, 0); ok {
		t.Error("deleted neuron still at its voxel")
	}

	r1 := addLIF(t, e, 1, 10, nil)
	r2 := addLIF(t, e, 1, 11, nil)
	if r1 != ids[1] || r2 != ids[3] {
		t.Errorf("recycled ids = %d, %d, want lowest-first %d, %d", r1, r2, ids[1], ids[3])
	}
	if got, ok := e.NeuronAt(1, 10, 0, 0); !ok || got != r1 {
		t.Errorf("NeuronAt(10) = %d, %v, want %d", got, ok, r1)
	}
	if err := e.DeleteNeuron(neural.NeuronID(99)); err == nil {
		t.Error("DeleteNeuron accepted a dead id")
	}
}

func TestInjectStimulusValidation(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	id := addLIF(t, e, 1, 0, nil)

	var re *neural.RefError
	if err := e.InjectStimulus(neural.NeuronID(500), 10); !errors.As(err, &re) {
		t.Errorf("dead id error = %v, want RefError", err)
	}

	// stimulus staged before a deletion is dropped, not an error
	inject(t, e, id, 150)
	if err := e.DeleteNeuron(id); err != nil {
		t.Fatalf("DeleteNeuron: %v", err)
	}
	q := runBurst(t, e, 1)
	if q.Total() != 0 {
		t.Errorf("queue total = %d, want 0 after the target was deleted", q.Total())
	}
}

func TestNoAccumulationStimulusNeverFires(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	id := addLIF(t, e, 1, 0, func(p *neural.NeuronParams) { p.ChargeAccumulation = false })

	inject(t, e, id, 100)
	q := runBurst(t, e, 1)
	if q.Total() != 0 {
		t.Errorf("burst 1 fired %d, want 0: potential is wiped before the threshold check", q.Total())
	}
	if got := potential(t, e, id); got != 0 {
		t.Errorf("potential after burst 1 = %g, want back at rest", got)
	}
	q = runBurst(t, e, 2)
	if q.Total() != 0 {
		t.Errorf("burst 2 fired %d, want 0", q.Total())
	}
}

func TestFullLeakDischargesSameBurst(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	id := addLIF(t, e, 1, 0, func(p *neural.NeuronParams) {
		p.Threshold = 1000
		p.LeakCoefficient = 1
	})
	inject(t, e, id, 100)
	q := runBurst(t, e, 1)
	if q.Total() != 0 {
		t.Errorf("fired %d, want 0 below threshold", q.Total())
	}
	if got := potential(t, e, id); got != 0 {
		t.Errorf("potential = %g, want full discharge to rest in the injected burst", got)
	}
}

func TestChargeAccumulationContrast(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	keep := addLIF(t, e, 1, 0, nil)
	wipe := addLIF(t, e, 1, 1, func(p *neural.NeuronParams) { p.ChargeAccumulation = false })

	inject(t, e, keep, 60)
	inject(t, e, wipe, 60)
	q := runBurst(t, e, 1)
	if q.Total() != 0 {
		t.Fatalf("burst 1 fired %d, want 0", q.Total())
	}
	if got := potential(t, e, keep); got != 60 {
		t.Errorf("accumulating potential = %g, want 60 carried", got)
	}
	if got := potential(t, e, wipe); got != 0 {
		t.Errorf("non-accumulating potential = %g, want 0", got)
	}

	inject(t, e, keep, 50)
	inject(t, e, wipe, 50)
	q = runBurst(t, e, 2)
	if !q.Contains(uint32(keep)) {
		t.Error("accumulating neuron did not fire at 60+50 over threshold 100")
	}
	if q.Contains(uint32(wipe)) {
		t.Error("non-accumulating neuron fired")
	}
}

func TestPropagationDeliversOneBurstLater(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	mustRegister(t, e, 2, AreaOptions{Model: neural.ModelLIF})
	a := addLIF(t, e, 1, 0, func(p *neural.NeuronParams) { p.Threshold = 10 })
	b := addLIF(t, e, 2, 0, func(p *neural.NeuronParams) { p.Threshold = 40000 })
	if _, err := e.AddSynapse(a, b, 200, 200, neural.Excitatory); err != nil {
		t.Fatalf("AddSynapse: %v", err)
	}

	inject(t, e, a, 50)
	q1 := runBurst(t, e, 1)
	if !q1.Contains(uint32(a)) || q1.Contains(uint32(b)) {
		t.Fatalf("burst 1 ids = %v, want only the source", q1.IDs())
	}
	if got := e.Stats().LastSynapses; got != 0 {
		t.Errorf("burst 1 walked %d synapses, want 0", got)
	}

	q2 := runBurst(t, e, 2)
	if !q2.Contains(uint32(b)) {
		t.Error("target did not fire the burst after its source")
	}
	if got := candidateInput(t, e, b); got != 40000 {
		t.Errorf("delivered input = %g, want weight*psp = 40000", got)
	}
	if got := e.Stats().LastSynapses; got != 1 {
		t.Errorf("burst 2 walked %d synapses, want 1", got)
	}
}

func TestMPDrivenPropagation(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF, MPDrivenPSP: true})
	mustRegister(t, e, 2, AreaOptions{Model: neural.ModelLIF})
	a := addLIF(t, e, 1, 0, func(p *neural.NeuronParams) { p.Threshold = 10 })
	b := addLIF(t, e, 2, 0, func(p *neural.NeuronParams) { p.Threshold = 10000 })
	if _, err := e.AddSynapse(a, b, 200, 5, neural.Excitatory); err != nil {
		t.Fatalf("AddSynapse: %v", err)
	}

	inject(t, e, a, 50)
	q1 := runBurst(t, e, 1)
	ev := q1.InArea(1)
	if len(ev) != 1 || ev[0].Potential != 50 {
		t.Fatalf("queue events = %+v, want pre-reset potential 50", ev)
	}

	q2 := runBurst(t, e, 2)
	if got := candidateInput(t, e, b); got != 10000 {
		t.Errorf("delivered input = %g, want weight*potential = 10000, not the psp byte", got)
	}
	if !q2.Contains(uint32(b)) {
		t.Error("target did not fire")
	}
}

func TestRefractoryBlocksExactly(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	id := addLIF(t, e, 1, 0, func(p *neural.NeuronParams) { p.RefractoryPeriod = 5 })

	fired := make([]bool, 0, 7)
	for burst := uint64(1); burst <= 7; burst++ {
		inject(t, e, id, 150)
		q := runBurst(t, e, burst)
		fired = append(fired, q.Contains(uint32(id)))
	}
	want := []bool{true, false, false, false, false, false, true}
	for i, w := range want {
		if fired[i] != w {
			t.Errorf("burst %d fired = %v, want %v", i+1, fired[i], w)
		}
	}
	if got := e.Stats().TotalFired; got != 2 {
		t.Errorf("TotalFired = %d, want 2", got)
	}
}

func TestConsecutiveFireLimitForcesRest(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	id := addLIF(t, e, 1, 0, func(p *neural.NeuronParams) { p.ConsecutiveFireLimit = 2 })
	if err := e.SetPower(1, 150); err != nil {
		t.Fatalf("SetPower: %v", err)
	}

	var fired []bool
	for burst := uint64(1); burst <= 6; burst++ {
		q := runBurst(t, e, burst)
		fired = append(fired, q.Contains(uint32(id)))
	}
	want := []bool{true, true, false, true, true, false}
	for i, w := range want {
		if fired[i] != w {
			t.Errorf("burst %d fired = %v, want %v", i+1, fired[i], w)
		}
	}
	if got := e.Stats().LastRefractory; got != 1 {
		t.Errorf("LastRefractory = %d, want the forced rest counted", got)
	}
}

func TestSetPowerReachesWipedNeurons(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	id := addLIF(t, e, 1, 0, func(p *neural.NeuronParams) { p.ChargeAccumulation = false })

	var re *neural.RefError
	if err := e.SetPower(9, 1); !errors.As(err, &re) {
		t.Errorf("unknown area error = %v, want RefError", err)
	}
	if err := e.SetPower(1, 150); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	for burst := uint64(1); burst <= 3; burst++ {
		q := runBurst(t, e, burst)
		if !q.Contains(uint32(id)) {
			t.Errorf("burst %d: powered neuron did not fire", burst)
		}
	}

	// power enters as synaptic input, so switching it off silences the
	// area even though injected stimulus never could have fired it
	if err := e.SetPower(1, 0); err != nil {
		t.Fatalf("SetPower off: %v", err)
	}
	q := runBurst(t, e, 4)
	if q.Total() != 0 {
		t.Errorf("burst 4 fired %d, want 0 with power off", q.Total())
	}
}

func TestBurstLabelsStrictlyIncreasing(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	id := addLIF(t, e, 1, 0, nil)
	inject(t, e, id, 150)
	runBurst(t, e, 5)

	var ce *neural.ConfigError
	if _, err := e.ProcessBurst(5); !errors.As(err, &ce) {
		t.Errorf("repeat label error = %v, want ConfigError", err)
	}
	if _, err := e.ProcessBurst(4); !errors.As(err, &ce) {
		t.Errorf("earlier label error = %v, want ConfigError", err)
	}
	if got := e.BurstCount(); got != 5 {
		t.Errorf("BurstCount = %d, want 5 after rejected labels", got)
	}
	if got := e.LastQueue().Timestep; got != 5 {
		t.Errorf("last queue timestep = %d, want 5", got)
	}
	runBurst(t, e, 6)
	if got := e.BurstCount(); got != 6 {
		t.Errorf("BurstCount = %d, want 6", got)
	}
}

func TestBurstLabelGap(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.LedgerWindow = 4 })
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF, TrackLedger: true})
	a := addLIF(t, e, 1, 0, func(p *neural.NeuronParams) { p.Threshold = 10 })
	b := addLIF(t, e, 1, 1, func(p *neural.NeuronParams) { p.Threshold = 40000 })
	if _, err := e.AddSynapse(a, b, 200, 200, neural.Excitatory); err != nil {
		t.Fatalf("AddSynapse: %v", err)
	}

	inject(t, e, a, 50)
	runBurst(t, e, 1)

	// the next completed burst consumes burst 1's queue regardless of
	// the label gap, and the ledger backfills the skipped labels
	q := runBurst(t, e, 5)
	if !q.Contains(uint32(b)) {
		t.Error("burst 5 did not propagate burst 1's firing")
	}
	frames, err := e.LedgerHistory(1)
	if err != nil {
		t.Fatalf("LedgerHistory: %v", err)
	}
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want the window filled by backfill", len(frames))
	}
	for i, want := range []uint64{2, 3, 4, 5} {
		if frames[i].Timestep != want {
			t.Errorf("frame %d timestep = %d, want %d", i, frames[i].Timestep, want)
		}
	}
	for i := 0; i < 3; i++ {
		if !frames[i].Fired.IsEmpty() {
			t.Errorf("backfilled frame %d is not empty", i)
		}
	}
	if !frames[3].Fired.Contains(uint32(b)) {
		t.Error("frame 5 does not record the firing")
	}
}

func TestLedgerQueries(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF, TrackLedger: true, LedgerWindow: 4})
	mustRegister(t, e, 2, AreaOptions{Model: neural.ModelLIF})
	id := addLIF(t, e, 1, 0, nil)
	if err := e.SetPower(1, 150); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	for burst := uint64(1); burst <= 6; burst++ {
		runBurst(t, e, burst)
	}

	frames, err := e.LedgerHistory(1)
	if err != nil {
		t.Fatalf("LedgerHistory: %v", err)
	}
	if len(frames) != 4 || frames[0].Timestep != 3 || frames[3].Timestep != 6 {
		t.Fatalf("history covers %d frames from %d, want 4 from 3", len(frames), frames[0].Timestep)
	}
	for _, f := range frames {
		if !f.Fired.Contains(uint32(id)) {
			t.Errorf("frame %d missing the firing", f.Timestep)
		}
	}

	win, err := e.DenseWindow(1, 6, 3)
	if err != nil {
		t.Fatalf("DenseWindow: %v", err)
	}
	if len(win) != 3 {
		t.Fatalf("window depth = %d, want 3", len(win))
	}
	for i, bm := range win {
		if !bm.Contains(uint32(id)) {
			t.Errorf("window bitmap %d missing the firing", i)
		}
	}

	if _, err := e.DenseWindow(1, 7, 1); err == nil {
		t.Error("DenseWindow accepted an unarchived end")
	}
	if _, err := e.DenseWindow(1, 6, 5); err == nil {
		t.Error("DenseWindow accepted depth beyond the window")
	}
	if _, err := e.DenseWindow(1, 2, 1); err == nil {
		t.Error("DenseWindow accepted an evicted end")
	}
	var re *neural.RefError
	if _, err := e.LedgerHistory(2); !errors.As(err, &re) {
		t.Errorf("untracked area error = %v, want RefError", err)
	}
}

func TestBulkAreaUpdates(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	mustRegister(t, e, 2, AreaOptions{Model: neural.ModelLIF})
	var in1 []neural.NeuronID
	in1 = append(in1, addLIF(t, e, 1, 0, nil))
	in1 = append(in1, addLIF(t, e, 1, 1, func(p *neural.NeuronParams) { p.ThresholdLimit = 120 }))
	in1 = append(in1, addLIF(t, e, 1, 2, nil))
	other := addLIF(t, e, 2, 0, nil)

	n, err := e.UpdateAreaThresholds(1, 110)
	if err != nil || n != 3 {
		t.Fatalf("UpdateAreaThresholds = %d, %v, want 3 updated", n, err)
	}
	var ce *neural.ConfigError
	if _, err := e.UpdateAreaThresholds(1, 130); !errors.As(err, &ce) {
		t.Errorf("over-limit threshold error = %v, want ConfigError", err)
	}
	for _, id := range in1 {
		_, local, _ := e.ids.LocalIndex(id)
		if got := e.state.Neurons[neural.ModelLIF].Thresholds[local]; got != 110 {
			t.Errorf("threshold for %d = %g, want 110 and no partial apply", id, got)
		}
	}
	_, local, _ := e.ids.LocalIndex(other)
	if got := e.state.Neurons[neural.ModelLIF].Thresholds[local]; got != 100 {
		t.Errorf("other area threshold = %g, want untouched 100", got)
	}

	if _, err := e.UpdateAreaLeaks(1, 1.5); !errors.As(err, &ce) {
		t.Errorf("leak 1.5 error = %v, want ConfigError", err)
	}
	if n, err := e.UpdateAreaLeaks(1, 0.5); err != nil || n != 3 {
		t.Errorf("UpdateAreaLeaks = %d, %v, want 3", n, err)
	}
	if n, err := e.UpdateAreaExcitabilities(1, 0.25); err != nil || n != 3 {
		t.Errorf("UpdateAreaExcitabilities = %d, %v, want 3", n, err)
	}
	if n, err := e.UpdateAreaRefractoryPeriods(1, 7); err != nil || n != 3 {
		t.Errorf("UpdateAreaRefractoryPeriods = %d, %v, want 3", n, err)
	}
	var re *neural.RefError
	if _, err := e.UpdateAreaThresholds(9, 50); !errors.As(err, &re) {
		t.Errorf("unknown area error = %v, want RefError", err)
	}
}

func TestAddNeuronsAllOrNothing(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})

	params := make([]neural.NeuronParams, 3)
	for i := range params {
		params[i].Defaults()
		params[i].Area = 1
		params[i].X = uint32(i)
	}
	params[2].X = 0 // collides with the first

	if _, err := e.AddNeurons(neural.ModelLIF, params); err == nil {
		t.Fatal("AddNeurons accepted a colliding batch")
	}
	if got := e.NeuronCount(); got != 0 {
		t.Errorf("NeuronCount = %d, want 0 after rollback", got)
	}
	if got := addLIF(t, e, 1, 5, nil); got != 0 {
		t.Errorf("first id after rollback = %d, want the recycled 0", got)
	}

	params[2].X = 2
	ids, err := e.AddNeurons(neural.ModelLIF, params[1:])
	if err != nil {
		t.Fatalf("AddNeurons: %v", err)
	}
	if len(ids) != 2 || e.NeuronCount() != 3 {
		t.Errorf("batch added %d ids, count %d, want 2 and 3", len(ids), e.NeuronCount())
	}
}

func TestAreaDefaultTemplate(t *testing.T) {
	e := newTestEngine(t, nil)
	tmpl := lifAt(0, 0)
	tmpl.Threshold = 40
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF, Defaults: tmpl})
	mustRegister(t, e, 2, AreaOptions{Model: neural.ModelLIF})

	id, err := e.AddNeuronAt(1, 3, 4, 5)
	if err != nil {
		t.Fatalf("AddNeuronAt: %v", err)
	}
	if got, ok := e.NeuronAt(1, 3, 4, 5); !ok || got != id {
		t.Errorf("NeuronAt = %d, %v, want %d at the requested voxel", got, ok, id)
	}
	inject(t, e, id, 50)
	if q := runBurst(t, e, 1); !q.Contains(uint32(id)) {
		t.Error("templated neuron did not fire past its threshold 40")
	}

	var ce *neural.ConfigError
	if _, err := e.AddNeuronAt(2, 0, 0, 0); !errors.As(err, &ce) {
		t.Errorf("template-less area error = %v, want ConfigError", err)
	}
	var re *neural.RefError
	if _, err := e.AddNeuronAt(9, 0, 0, 0); !errors.As(err, &re) {
		t.Errorf("unknown area error = %v, want RefError", err)
	}

	bad := lifAt(0, 0)
	bad.Excitability = 2
	if err := e.RegisterArea(3, AreaOptions{Model: neural.ModelLIF, Defaults: bad}); !errors.As(err, &ce) {
		t.Errorf("invalid template error = %v, want ConfigError", err)
	}
	if _, err := e.AddNeuronAt(3, 0, 0, 0); !errors.As(err, &re) {
		t.Error("area with a rejected template was still registered")
	}
}

func TestSynapseValidation(t *testing.T) {
	e := newTestEngine(t, nil)
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	a := addLIF(t, e, 1, 0, nil)
	b := addLIF(t, e, 1, 1, nil)

	var re *neural.RefError
	if _, err := e.AddSynapse(a, neural.NeuronID(77), 10, 10, neural.Excitatory); !errors.As(err, &re) {
		t.Errorf("dead target error = %v, want RefError", err)
	}
	var ce *neural.ConfigError
	if _, err := e.AddSynapse(a, b, 10, 10, neural.SynapseKind(9)); !errors.As(err, &ce) {
		t.Errorf("bad kind error = %v, want ConfigError", err)
	}

	sid, err := e.AddSynapse(a, b, 10, 10, neural.Excitatory)
	if err != nil {
		t.Fatalf("AddSynapse: %v", err)
	}
	if got := e.SynapseCount(); got != 1 {
		t.Errorf("SynapseCount = %d, want 1", got)
	}
	if err := e.UpdateSynapseWeight(sid, 99); err != nil {
		t.Errorf("UpdateSynapseWeight: %v", err)
	}
	if err := e.RemoveSynapse(sid); err != nil {
		t.Errorf("RemoveSynapse: %v", err)
	}
	if err := e.RemoveSynapse(sid); err != nil {
		t.Errorf("second RemoveSynapse = %v, want no-op", err)
	}
	if err := e.UpdateSynapseWeight(sid, 50); !errors.As(err, &re) {
		t.Errorf("update removed synapse error = %v, want RefError", err)
	}

	// deleting a neuron takes its synapses with it
	if _, err := e.AddSynapse(a, b, 10, 10, neural.Excitatory); err != nil {
		t.Fatalf("AddSynapse: %v", err)
	}
	if _, err := e.AddSynapse(b, a, 10, 10, neural.Inhibitory); err != nil {
		t.Fatalf("AddSynapse: %v", err)
	}
	if err := e.DeleteNeuron(a); err != nil {
		t.Fatalf("DeleteNeuron: %v", err)
	}
	if got := e.SynapseCount(); got != 0 {
		t.Errorf("SynapseCount after delete = %d, want 0", got)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	src := newTestEngine(t, nil)
	mustRegister(t, src, 1, AreaOptions{Model: neural.ModelLIF, TrackLedger: true, LedgerWindow: 8})
	mustRegister(t, src, 2, AreaOptions{Model: neural.ModelLIF, MPDrivenPSP: true})
	var ids []neural.NeuronID
	for x := uint32(0); x < 4; x++ {
		ids = append(ids, addLIF(t, src, 1, x, nil))
	}
	ids = append(ids, addLIF(t, src, 2, 0, func(p *neural.NeuronParams) { p.Threshold = 900 }))

	if _, err := src.AddSynapse(ids[0], ids[4], 20, 20, neural.Excitatory); err != nil {
		t.Fatalf("AddSynapse: %v", err)
	}
	if err := src.DeleteNeuron(ids[2]); err != nil {
		t.Fatalf("DeleteNeuron: %v", err)
	}
	// two firing bursts, then a silent one: a snapshot carries no
	// in-flight queue, so it is taken at a quiet boundary
	for burst := uint64(1); burst <= 2; burst++ {
		inject(t, src, ids[0], 150)
		inject(t, src, ids[1], 30)
		runBurst(t, src, burst)
	}
	inject(t, src, ids[1], 30)
	if q := runBurst(t, src, 3); q.Total() != 0 {
		t.Fatalf("burst 3 fired %d, want a silent boundary", q.Total())
	}
	if got := potential(t, src, ids[1]); got != 90 {
		t.Fatalf("accumulated potential = %g, want 90", got)
	}
	if got := potential(t, src, ids[4]); got != 800 {
		t.Fatalf("delivered potential = %g, want 2 bursts of 400", got)
	}

	snap, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	path := filepath.Join(t.TempDir(), "connectome.db")
	store, err := snapshot.Open(path)
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	ctx := context.Background()
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	store, err = snapshot.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	loaded, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v, want a snapshot", ok, err)
	}

	dst := newTestEngine(t, nil)
	if err := dst.Restore(loaded); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if err := dst.TrackArea(1, 8); err != nil {
		t.Fatalf("TrackArea: %v", err)
	}
	if got := dst.BurstCount(); got != 3 {
		t.Errorf("BurstCount = %d, want 3", got)
	}
	if got := dst.NeuronCount(); got != src.NeuronCount() {
		t.Errorf("NeuronCount = %d, want %d", got, src.NeuronCount())
	}
	if got := dst.SynapseCount(); got != 1 {
		t.Errorf("SynapseCount = %d, want 1", got)
	}
	for _, id := range []neural.NeuronID{ids[0], ids[1], ids[3], ids[4]} {
		if got, want := potential(t, dst, id), potential(t, src, id); got != want {
			t.Errorf("potential of %d = %g, want %g", id, got, want)
		}
	}

	// both engines step burst 4 identically from the restored state
	inject(t, src, ids[1], 100)
	inject(t, dst, ids[1], 100)
	qs := runBurst(t, src, 4)
	qd := runBurst(t, dst, 4)
	gotIDs, wantIDs := qd.IDs(), qs.IDs()
	if len(gotIDs) != len(wantIDs) {
		t.Fatalf("burst 4 ids = %v, want %v", gotIDs, wantIDs)
	}
	for i := range wantIDs {
		if gotIDs[i] != wantIDs[i] {
			t.Fatalf("burst 4 ids = %v, want %v", gotIDs, wantIDs)
		}
	}
	frames, err := dst.LedgerHistory(1)
	if err != nil {
		t.Fatalf("LedgerHistory after restore: %v", err)
	}
	if len(frames) != 1 || frames[0].Timestep != 4 {
		t.Errorf("restored ledger holds %d frames, want the one archived after restore", len(frames))
	}

	// the deleted id's slot travels with the snapshot
	rid, err := dst.AddNeuron(neural.ModelLIF, lifAt(1, 9))
	if err != nil {
		t.Fatalf("AddNeuron after restore: %v", err)
	}
	if rid != ids[2] {
		t.Errorf("recycled id = %d, want %d", rid, ids[2])
	}
}

func lifAt(area neural.AreaID, x uint32) *neural.NeuronParams {
	var p neural.NeuronParams
	p.Defaults()
	p.Threshold = 100
	p.Area = area
	p.X = x
	return &p
}

func TestRestoreRejectsMismatchedSpan(t *testing.T) {
	src := newTestEngine(t, nil)
	mustRegister(t, src, 1, AreaOptions{Model: neural.ModelLIF})
	addLIF(t, src, 1, 0, nil)
	snap, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	snap.Neurons[0].SpanStart += 7

	dst := newTestEngine(t, nil)
	var ce *neural.ConfigError
	if err := dst.Restore(snap); !errors.As(err, &ce) {
		t.Fatalf("Restore = %v, want ConfigError for a foreign span layout", err)
	}
	if got := dst.NeuronCount(); got != 0 {
		t.Errorf("NeuronCount = %d, want the engine untouched", got)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := newTestEngine(t, func(c *Config) { c.Metrics = reg })
	mustRegister(t, e, 1, AreaOptions{Model: neural.ModelLIF})
	id := addLIF(t, e, 1, 0, nil)
	if err := e.SetPower(1, 150); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	for burst := uint64(1); burst <= 3; burst++ {
		runBurst(t, e, burst)
	}

	st := e.Stats()
	if st.Bursts != 3 || st.TotalFired != 3 || st.LastFired != 1 {
		t.Errorf("stats = %+v, want 3 bursts with one firing each", st)
	}
	if st.LastFiringRate != 1 {
		t.Errorf("LastFiringRate = %g, want 1 with the only neuron firing", st.LastFiringRate)
	}
	if st.AvgBurst() <= 0 {
		t.Error("AvgBurst did not accumulate")
	}
	if !e.LastQueue().Contains(uint32(id)) {
		t.Error("last queue does not hold the firing")
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() != "npu_bursts_total" {
			continue
		}
		found = true
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 3 {
			t.Errorf("npu_bursts_total = %g, want 3", got)
		}
	}
	if !found {
		t.Error("npu_bursts_total not registered")
	}
}
