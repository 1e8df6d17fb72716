// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package npu

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/spikeforge/npu/backend"
	"github.com/spikeforge/npu/connectome"
	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/ids"
	"github.com/spikeforge/npu/ledger"
	"github.com/spikeforge/npu/neural"
)

// stimulus is one staged direct depolarization.
type stimulus struct {
	id        neural.NeuronID
	potential float32
}

// Engine is the burst engine. It owns the connectome state, the id
// manager, the activity ledger and the per-burst arenas, and drives a
// compute backend through each burst's phases.
//
// The engine is single-writer: ProcessBurst and every mutating method
// must come from one goroutine. Reads hand out copies, never arena
// internals.
type Engine struct {
	cfg Config
	log *slog.Logger

	ids     *ids.Manager
	state   *connectome.State
	archive *ledger.Ledger

	route *router
	fcl   *fire.CandidateList

	// queue is the arena the current burst fills; last holds the
	// previous completed burst, the input to the next propagation.
	// They swap after every successful burst.
	queue *fire.Queue
	last  *fire.Queue

	staged   []stimulus
	power    map[neural.AreaID]float32
	template map[neural.AreaID]neural.NeuronParams

	comp     backend.Compute
	decision backend.Decision
	noWGPU   bool
	noCUDA   bool

	burst  uint64
	hasRun bool
	stats  Stats
	met    *metrics
}

// New builds an engine and opens its first backend. A forced backend
// that is unavailable fails here rather than on the first burst.
func New(cfg Config) (*Engine, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ic := ids.DefaultConfig(cfg.NeuronCapacity)
	ic.LookupTable = cfg.IDLookupTable
	mgr, err := ids.New(ic)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "engine"),
		ids:      mgr,
		state:    connectome.NewState(cfg.SynapseCapacity),
		archive:  ledger.New(),
		queue:    fire.NewQueue(),
		last:     fire.NewQueue(),
		power:    make(map[neural.AreaID]float32),
		template: make(map[neural.AreaID]neural.NeuronParams),
		met:      newMetrics(cfg.Metrics),
	}
	e.route = &router{e: e}
	e.fcl = fire.NewCandidateList(e.route)
	if err := e.ensureBackend(); err != nil {
		return nil, err
	}
	return e, nil
}

// Close releases the backend. Stop any Runner first.
func (e *Engine) Close() error {
	if e.comp == nil {
		return nil
	}
	err := e.comp.Close()
	e.comp = nil
	return err
}

// maskedProbe filters the configured probe through the engine's
// accelerator failure masks.
type maskedProbe struct {
	inner  backend.HardwareProbe
	noWGPU bool
	noCUDA bool
}

func (p maskedProbe) WGPUAvailable() bool { return !p.noWGPU && p.inner.WGPUAvailable() }
func (p maskedProbe) CUDAAvailable() bool { return !p.noCUDA && p.inner.CUDAAvailable() }

func (e *Engine) forcedGPU() bool {
	return e.cfg.Backend.ForceWGPU || e.cfg.Backend.ForceCUDA
}

// maskOff removes an accelerator from selection for the engine's
// lifetime.
func (e *Engine) maskOff(k backend.Kind) {
	switch k {
	case backend.WGPU:
		e.noWGPU = true
	case backend.CUDA:
		e.noCUDA = true
	}
}

// ensureBackend re-runs selection against the current workload and the
// last burst's firing rate, opening a new backend when the decision
// changes kind. An accelerator that fails to open despite a positive
// probe is masked off and selection repeats; with a force flag set the
// failure is fatal instead.
func (e *Engine) ensureBackend() error {
	for {
		probe := maskedProbe{inner: e.cfg.Probe, noWGPU: e.noWGPU, noCUDA: e.noCUDA}
		d, err := backend.Select(e.state.NeuronCount(), e.state.SynapseCount(),
			e.stats.LastFiringRate, probe, e.cfg.Backend)
		if err != nil {
			return err
		}
		if e.comp != nil && d.Backend == e.decision.Backend {
			e.decision = d
			return nil
		}
		comp, err := backend.Open(d, e.state, e.route)
		if err == nil {
			if err = comp.InitPersistent(e.state); err != nil {
				_ = comp.Close()
			}
		}
		if err != nil {
			var ue *neural.UnavailableError
			if errors.As(err, &ue) && !e.forcedGPU() {
				e.maskOff(d.Backend)
				e.log.Warn("backend unavailable, reselecting",
					"backend", d.Backend.String(), "reason", ue.Reason)
				continue
			}
			return err
		}
		if e.comp != nil {
			_ = e.comp.Close()
		}
		e.comp = comp
		e.decision = d
		e.met.backendID.Set(float64(d.Backend))
		e.log.Info("backend selected", "backend", d.Backend.String(), "reason", d.Reason)
		return nil
	}
}

// ProcessBurst runs one burst under the given label. Labels must be
// strictly increasing across the engine's life, including across
// Restore. On error the burst is discarded: nothing is archived, the
// burst counter keeps its value and the previous fire queue stays the
// propagation input for the next attempt.
//
// The returned queue is the caller's copy.
func (e *Engine) ProcessBurst(burst uint64) (*fire.Queue, error) {
	if e.hasRun && burst <= e.burst {
		return nil, &neural.ConfigError{
			Field:  "burst",
			Reason: fmt.Sprintf("label %d not after last completed %d", burst, e.burst),
		}
	}
	if err := e.ensureBackend(); err != nil {
		return nil, err
	}
	start := time.Now()
	e.fcl.Reset()
	e.queue.Reset(burst)

	e.inject()
	if err := e.applyPower(); err != nil {
		return nil, fmt.Errorf("burst %d: %w", burst, err)
	}

	synapses, err := e.comp.Propagate(e.last, e.state, e.fcl)
	if err != nil {
		return nil, fmt.Errorf("burst %d: %w", burst, err)
	}
	if err := e.touchActive(); err != nil {
		return nil, fmt.Errorf("burst %d: %w", burst, err)
	}
	bs, err := e.comp.Dynamics(e.fcl, e.state, burst, e.queue)
	if err != nil {
		return nil, fmt.Errorf("burst %d: %w", burst, err)
	}

	e.queue.Sort()
	if err := e.archive.Archive(burst, e.queue); err != nil {
		return nil, err
	}

	e.burst = burst
	e.hasRun = true
	d := time.Since(start)
	e.stats.record(synapses, bs, e.state.NeuronCount(), d)
	e.met.observe(synapses, bs, d)

	e.queue, e.last = e.last, e.queue
	return e.last.Clone(), nil
}

// inject applies staged stimulus as direct membrane writes. Stimulus
// staged for a neuron deleted since InjectStimulus is dropped with a
// warning; sensory feeds race genome edits routinely.
func (e *Engine) inject() {
	for _, s := range e.staged {
		if !e.ids.Live(s.id) {
			e.log.Warn("dropping stimulus for dead neuron", "id", uint32(s.id))
			continue
		}
		model, local, _ := e.ids.LocalIndex(s.id)
		e.state.Neurons[model].MembranePotentials[local] += s.potential
	}
	e.staged = e.staged[:0]
}

// applyPower seeds every live neuron of each powered area with a
// constant synaptic-input term. Power enters through the candidate
// list like synaptic input, so unlike injected stimulus it reaches
// neurons with charge accumulation off.
func (e *Engine) applyPower() error {
	for area, amount := range e.power {
		flags, ok := e.state.Areas.Flags(area)
		if !ok {
			return &neural.RefError{Kind: "area", ID: uint32(area)}
		}
		ns := e.state.Neurons[flags.Model]
		for _, local := range ns.InArea(area) {
			if err := e.fcl.Accumulate(e.route.GlobalID(flags.Model, local), amount); err != nil {
				return err
			}
		}
	}
	return nil
}

// touchActive pulls every neuron with persistent state into the
// candidate list: a potential off rest, a running refractory
// countdown, or a consecutive-fire run that a silent burst must break.
func (e *Engine) touchActive() error {
	for m := neural.ModelKind(0); m < neural.NumModels; m++ {
		ns := e.state.Neurons[m]
		for local := 0; local < ns.Len(); local++ {
			if !ns.Valid[local] {
				continue
			}
			if ns.MembranePotentials[local] == ns.RestingPotentials[local] &&
				ns.RefractoryCountdowns[local] == 0 &&
				ns.ConsecutiveFireCounts[local] == 0 {
				continue
			}
			if err := e.fcl.Touch(e.route.GlobalID(m, uint32(local))); err != nil {
				return err
			}
		}
	}
	return nil
}

// InjectStimulus stages a direct depolarization for the next burst's
// injection phase. Amounts stack: staging twice doubles the write.
func (e *Engine) InjectStimulus(id neural.NeuronID, potential float32) error {
	if !e.ids.Live(id) {
		return &neural.RefError{Kind: "neuron", ID: uint32(id)}
	}
	e.staged = append(e.staged, stimulus{id: id, potential: potential})
	return nil
}

// SetPower applies a constant per-burst input term to every neuron of
// an area until changed. A zero amount switches the area's power off.
func (e *Engine) SetPower(area neural.AreaID, amount float32) error {
	if _, ok := e.state.Areas.Flags(area); !ok {
		return &neural.RefError{Kind: "area", ID: uint32(area)}
	}
	if amount == 0 {
		delete(e.power, area)
		return nil
	}
	e.power[area] = amount
	return nil
}

// BurstCount returns the last completed burst label, zero before the
// first burst.
func (e *Engine) BurstCount() uint64 { return e.burst }

// LastQueue returns a copy of the previous completed burst's firings.
func (e *Engine) LastQueue() *fire.Queue { return e.last.Clone() }

// FCLSnapshot returns an id-ordered copy of the candidate list as the
// last burst's dynamics phase saw it.
func (e *Engine) FCLSnapshot() []fire.Candidate { return e.fcl.Snapshot() }

// LedgerHistory returns a tracked area's archived frames, oldest
// first.
func (e *Engine) LedgerHistory(area neural.AreaID) ([]ledger.Frame, error) {
	return e.archive.History(area)
}

// DenseWindow returns depth consecutive firing bitmaps for a tracked
// area ending at the given burst label.
func (e *Engine) DenseWindow(area neural.AreaID, end uint64, depth int) ([]*roaring.Bitmap, error) {
	return e.archive.DenseWindow(area, end, depth)
}

// NeuronAt looks a neuron up by area and voxel coordinate.
func (e *Engine) NeuronAt(area neural.AreaID, x, y, z uint32) (neural.NeuronID, bool) {
	flags, ok := e.state.Areas.Flags(area)
	if !ok {
		return 0, false
	}
	local, ok := e.state.Neurons[flags.Model].AtCoordinate(area, x, y, z)
	if !ok {
		return 0, false
	}
	return e.ids.GlobalID(flags.Model, local), true
}

// NeuronCount returns the number of live neurons across all models.
func (e *Engine) NeuronCount() int { return e.state.NeuronCount() }

// SynapseCount returns the number of live synapses.
func (e *Engine) SynapseCount() int { return e.state.SynapseCount() }

// Stats returns a copy of the lifetime burst accounting.
func (e *Engine) Stats() Stats { return e.stats }

// Backend returns the current selection decision.
func (e *Engine) Backend() backend.Decision { return e.decision }
