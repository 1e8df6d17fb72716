// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package npu

import (
	"time"

	"github.com/spikeforge/npu/backend"
)

// Stats accumulates burst accounting over the engine's lifetime.
// LastFiringRate feeds the next backend selection.
type Stats struct {
	Bursts uint64

	TotalFired     uint64
	TotalProcessed uint64
	TotalSynapses  uint64
	TotalDuration  time.Duration

	LastFired      int
	LastProcessed  int
	LastRefractory int
	LastSynapses   int
	LastDuration   time.Duration
	LastFiringRate float64
}

func (s *Stats) record(synapses int, bs backend.Stats, liveNeurons int, d time.Duration) {
	s.Bursts++
	s.TotalFired += uint64(bs.Fired)
	s.TotalProcessed += uint64(bs.Processed)
	s.TotalSynapses += uint64(synapses)
	s.TotalDuration += d
	s.LastFired = bs.Fired
	s.LastProcessed = bs.Processed
	s.LastRefractory = bs.Refractory
	s.LastSynapses = synapses
	s.LastDuration = d
	if liveNeurons > 0 {
		s.LastFiringRate = float64(bs.Fired) / float64(liveNeurons)
	} else {
		s.LastFiringRate = 0
	}
}

// AvgBurst returns the mean wall time per completed burst.
func (s *Stats) AvgBurst() time.Duration {
	if s.Bursts == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Bursts)
}
