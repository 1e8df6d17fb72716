// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package npu is the burst engine: a discrete-time spiking neural
network processor stepping a connectome through numbered bursts.

Each burst runs a fixed phase order. Staged stimulus is written to
membranes, the previous burst's firings propagate across their
outgoing synapses into the fire candidate list, every candidate
advances one step of its model's dynamics, and the resulting firings
are archived in the activity ledger and handed back as the burst's
fire queue. Propagation always consumes the previous burst's queue,
so a firing takes effect on its targets exactly one burst later.

The Engine owns the stores (connectome state, id manager, ledger) and
drives a compute backend through the two heavy phases. Backends are
re-selected each burst from workload shape, last-burst firing rate and
hardware availability: the parallel CPU backend is the reference,
WGPU and CUDA accelerate large populations and must agree with the
CPU within backend.DiffTol.

The engine is single-writer: one goroutine calls ProcessBurst and the
mutating methods, and reads hand out copies rather than arena
internals. Runner wraps an engine in a goroutine stepping it at a
fixed frequency, with a lock for between-burst edits.
*/
package npu
