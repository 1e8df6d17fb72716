// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package connectome

import (
	"sort"

	"github.com/spikeforge/npu/neural"
)

// AreaFlags carries the per-area model binding and propagation options.
type AreaFlags struct {

	// neuron model every neuron in the area runs under
	Model neural.ModelKind

	// divide each outgoing contribution by the source's out-degree
	PSPUniform bool

	// scale each outgoing contribution by the source's pre-reset membrane potential instead of the synapse PSP byte
	MPDrivenPSP bool
}

// AreaTable maps area ids to their flags. Areas must be registered
// before neurons are added under them.
type AreaTable struct {
	m map[neural.AreaID]AreaFlags
}

// NewAreaTable returns an empty table.
func NewAreaTable() *AreaTable {
	return &AreaTable{m: make(map[neural.AreaID]AreaFlags)}
}

// Register binds an area id to its flags. Re-registering an existing
// area is a ConfigError; flags are fixed for the area's lifetime.
func (at *AreaTable) Register(area neural.AreaID, flags AreaFlags) error {
	if _, ok := at.m[area]; ok {
		return &neural.ConfigError{Field: "area", Reason: "already registered"}
	}
	if flags.Model >= neural.NumModels {
		return &neural.ConfigError{Field: "model", Reason: "unknown model kind"}
	}
	at.m[area] = flags
	return nil
}

// Flags returns the area's flags and whether it is registered.
func (at *AreaTable) Flags(area neural.AreaID) (AreaFlags, bool) {
	f, ok := at.m[area]
	return f, ok
}

// Len returns the number of registered areas.
func (at *AreaTable) Len() int { return len(at.m) }

// IDs returns the registered area ids in ascending order.
func (at *AreaTable) IDs() []neural.AreaID {
	out := make([]neural.AreaID, 0, len(at.m))
	for a := range at.m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
