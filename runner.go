// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package npu

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emer/emergent/v2/timer"

	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/neural"
)

// Runner steps an engine at a fixed burst frequency from its own
// goroutine, preserving the engine's single-writer discipline: while
// the runner is running, every engine call must go through Do.
//
// Ticks that land mid-burst coalesce; a burst that takes longer than
// the period delays the next, it is never run concurrently. A failed
// burst is logged and its label retried on the next tick.
type Runner struct {
	mu  sync.Mutex
	eng *Engine
	log *slog.Logger

	period  time.Duration
	running bool
	stop    chan struct{}
	done    chan struct{}

	samples chan *fire.Queue

	// burstTmr accumulates wall time spent inside ProcessBurst, as
	// opposed to waiting on the ticker
	burstTmr timer.Time
}

// NewRunner wraps an engine for stepping at hz bursts per second.
func NewRunner(eng *Engine, hz float64) (*Runner, error) {
	if hz <= 0 {
		return nil, &neural.ConfigError{Field: "hz", Reason: "must be positive"}
	}
	return &Runner{
		eng:     eng,
		log:     eng.cfg.Logger.With("component", "runner"),
		period:  time.Duration(float64(time.Second) / hz),
		samples: make(chan *fire.Queue, 8),
	}, nil
}

// Start launches the burst loop.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return &neural.ConfigError{Field: "runner", Reason: "already running"}
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.running = true
	go r.loop(r.stop, r.done, r.period)
	return nil
}

// Stop halts the loop and waits for any in-flight burst to finish.
// Stopping a stopped runner is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stop, done := r.stop, r.done
	r.running = false
	r.mu.Unlock()
	close(stop)
	<-done
}

// Running reports whether the loop is live.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// SetFrequency changes the burst frequency. A running loop picks the
// new period up on its next tick.
func (r *Runner) SetFrequency(hz float64) error {
	if hz <= 0 {
		return &neural.ConfigError{Field: "hz", Reason: "must be positive"}
	}
	r.mu.Lock()
	r.period = time.Duration(float64(time.Second) / hz)
	r.mu.Unlock()
	return nil
}

// Do runs fn against the engine under the runner's lock, between
// bursts. Stimulus injection and genome edits from other goroutines go
// through here.
func (r *Runner) Do(fn func(*Engine) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.eng)
}

// Samples returns the queue channel. Each successful burst's queue is
// offered without blocking; slow consumers miss bursts rather than
// stalling the loop.
func (r *Runner) Samples() <-chan *fire.Queue { return r.samples }

// BurstSecs returns total wall seconds spent processing bursts since
// construction.
func (r *Runner) BurstSecs() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.burstTmr.TotalSecs()
}

func (r *Runner) loop(stop <-chan struct{}, done chan<- struct{}, period time.Duration) {
	defer close(done)
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			r.mu.Lock()
			if p := r.period; p != period {
				period = p
				tick.Reset(p)
			}
			burst := r.eng.BurstCount() + 1
			r.burstTmr.Start()
			q, err := r.eng.ProcessBurst(burst)
			r.burstTmr.Stop()
			r.mu.Unlock()
			if err != nil {
				r.log.Error("burst failed", "burst", burst, "err", err)
				continue
			}
			select {
			case r.samples <- q:
			default:
			}
		}
	}
}
