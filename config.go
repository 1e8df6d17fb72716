// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package npu

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spikeforge/npu/backend"
	"github.com/spikeforge/npu/neural"
)

// Config sizes an engine and wires its collaborators. Zero fields take
// defaults where one exists; Validate rejects the rest.
type Config struct {

	// total neuron budget across all models; the id space is laid out
	// once from this and ids never move afterwards
	NeuronCapacity uint32

	// live synapse budget; zero means unbounded
	SynapseCapacity int

	// frames kept per tracked area when RegisterArea does not override
	LedgerWindow int

	// selector thresholds and speedup-model constants
	Backend backend.Config

	// route ids through a flat per-id table instead of span arithmetic
	IDLookupTable bool

	// accelerator probe consulted by the selector; nil asks the runtime
	Probe backend.HardwareProbe

	// metrics registerer; nil leaves the instruments unregistered
	Metrics prometheus.Registerer

	// structured logger; nil uses slog.Default
	Logger *slog.Logger
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.LedgerWindow == 0 {
		c.LedgerWindow = 100
	}
	if c.Probe == nil {
		c.Probe = backend.DefaultProbe{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Backend.Defaults()
}

// Validate runs after Defaults and rejects rather than corrects.
func (c *Config) Validate() error {
	if c.NeuronCapacity == 0 {
		return &neural.ConfigError{Field: "NeuronCapacity", Reason: "must be positive"}
	}
	if c.SynapseCapacity < 0 {
		return &neural.ConfigError{Field: "SynapseCapacity", Reason: "must be non-negative"}
	}
	if c.LedgerWindow <= 0 {
		return &neural.ConfigError{Field: "LedgerWindow", Reason: "must be positive"}
	}
	return c.Backend.Validate()
}

// AreaOptions configures one cortical area at registration. The flags
// are fixed for the area's lifetime.
type AreaOptions struct {

	// neuron model every neuron in the area runs under
	Model neural.ModelKind

	// archive the area's firings in the activity ledger
	TrackLedger bool

	// ledger window override in frames; zero takes Config.LedgerWindow
	LedgerWindow int

	// divide each outgoing contribution by the source's out-degree
	PSPUniform bool

	// propagate the firing source's pre-reset membrane potential in
	// place of the synapse psp byte
	MPDrivenPSP bool

	// parameter template for AddNeuronAt; nil leaves the area taking
	// explicit params through AddNeuron only
	Defaults *neural.NeuronParams
}
