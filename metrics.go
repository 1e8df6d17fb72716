// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package npu

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/spikeforge/npu/backend"
)

// metrics are the engine's instruments. With a nil registerer promauto
// still constructs them, observations go nowhere, and the engine code
// stays unconditional.
type metrics struct {
	bursts    prometheus.Counter
	fired     prometheus.Counter
	synapses  prometheus.Counter
	duration  prometheus.Histogram
	backendID prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		bursts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "npu", Name: "bursts_total",
			Help: "Completed bursts.",
		}),
		fired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "npu", Name: "neurons_fired_total",
			Help: "Firing events across all completed bursts.",
		}),
		synapses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "npu", Name: "synapses_walked_total",
			Help: "Synapses walked during propagation.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "npu", Name: "burst_duration_seconds",
			Help:    "Wall time per completed burst.",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
		backendID: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "npu", Name: "active_backend",
			Help: "Active backend kind: 0 cpu, 1 wgpu, 2 cuda.",
		}),
	}
}

func (m *metrics) observe(synapses int, bs backend.Stats, d time.Duration) {
	m.bursts.Inc()
	m.fired.Add(float64(bs.Fired))
	m.synapses.Add(float64(synapses))
	m.duration.Observe(d.Seconds())
}
