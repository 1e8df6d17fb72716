// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

// fclFixedScale converts float contributions to the fixed-point i32
// domain the propagation kernel accumulates in. 1/1024 quantization
// keeps the worst-case rounding well inside DiffTol.
const fclFixedScale = 1024

// shaderPropagation walks each fired source's synapse list, found
// through an open-addressed hash table keyed by source id, and
// accumulates fixed-point contributions into a per-neuron array with
// atomics. Area flags (uniform PSP, MP-driven PSP) and out-degrees are
// resolved on the host and travel with each fired entry.
//
// fired stride 4: id, potential (f32 bits), flags, out_degree.
// table stride 3: source id (0xffffffff = empty), start, count.
// syn stride 2:   target local index, weight | psp<<8 | kind<<16.
const shaderPropagation = `
@group(0) @binding(0) var<storage, read> params: array<u32>;
@group(0) @binding(1) var<storage, read> fired: array<u32>;
@group(0) @binding(2) var<storage, read> table: array<u32>;
@group(0) @binding(3) var<storage, read> syn: array<u32>;
@group(0) @binding(4) var<storage, read_write> accum: array<atomic<i32>>;

fn pcg_hash(x: u32) -> u32 {
    let state = x * 747796405u + 2891336453u;
    let word = ((state >> ((state >> 28u) + 4u)) ^ state) * 277803737u;
    return (word >> 22u) ^ word;
}

@compute @workgroup_size(256, 1, 1)
fn synaptic_propagation(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    let fired_count = params[0];
    let table_size = params[1];
    if (i >= fired_count) {
        return;
    }
    let src_id = fired[i * 4u];
    let src_pot = bitcast<f32>(fired[i * 4u + 1u]);
    let flags = fired[i * 4u + 2u];
    let out_degree = fired[i * 4u + 3u];

    var h = pcg_hash(src_id) & (table_size - 1u);
    var start = 0u;
    var count = 0u;
    loop {
        let key = table[h * 3u];
        if (key == 0xffffffffu) {
            return;
        }
        if (key == src_id) {
            start = table[h * 3u + 1u];
            count = table[h * 3u + 2u];
            break;
        }
        h = (h + 1u) & (table_size - 1u);
    }

    let mp_driven = (flags & 1u) != 0u;
    var div = 1.0;
    if ((flags & 2u) != 0u && out_degree > 0u) {
        div = f32(out_degree);
    }
    for (var s = 0u; s < count; s = s + 1u) {
        let target = syn[(start + s) * 2u];
        let packed = syn[(start + s) * 2u + 1u];
        let weight = f32(packed & 0xffu);
        let psp = f32((packed >> 8u) & 0xffu);
        let kind = (packed >> 16u) & 0xffu;
        var mag = psp;
        if (mp_driven) {
            mag = src_pot;
        }
        var c = weight * mag;
        if (kind == 1u) {
            c = -c;
        }
        c = c / div;
        atomicAdd(&accum[target], i32(round(c * 1024.0)));
    }
}
`

// shaderDynamics advances each fire candidate through the LIF step:
// refractory countdown, consecutive-fire cap, per-burst charge reset,
// potential update, excitability-gated threshold test, post-fire
// reset. The arithmetic, branch order and RNG are transcriptions of
// the neural and nrand packages; the three implementations must agree.
//
// params: candidate count, burst (low 32 bits), neuron extent,
// valid/accum mask word count.
// candidates stride 3: global id, local index, input (f32 bits).
// fparams stride 5: threshold, threshold limit, leak, resting,
// excitability.
// statics stride 2: refractory | consec_limit<<16, snooze.
// dyn_state: countdown | consec_count<<16.
// masks: valid words, then charge-accumulation words.
// fired: fired-bit words, then per-neuron pre-reset potential bits.
const shaderDynamics = `
@group(0) @binding(0) var<storage, read> params: array<u32>;
@group(0) @binding(1) var<storage, read> candidates: array<u32>;
@group(0) @binding(2) var<storage, read_write> potentials: array<f32>;
@group(0) @binding(3) var<storage, read> fparams: array<f32>;
@group(0) @binding(4) var<storage, read> statics: array<u32>;
@group(0) @binding(5) var<storage, read_write> dyn_state: array<u32>;
@group(0) @binding(6) var<storage, read> masks: array<u32>;
@group(0) @binding(7) var<storage, read_write> fired: array<atomic<u32>>;

fn pcg_hash(x: u32) -> u32 {
    let state = x * 747796405u + 2891336453u;
    let word = ((state >> ((state >> 28u) + 4u)) ^ state) * 277803737u;
    return (word >> 22u) ^ word;
}

fn excitability_draw(nid: u32, burst: u32) -> f32 {
    let h = pcg_hash(nid * 2654435761u + burst * 1597334677u);
    return f32(h) / 4294967296.0;
}

@compute @workgroup_size(256, 1, 1)
fn neural_dynamics(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= params[0]) {
        return;
    }
    let burst = params[1];
    let mask_words = params[3];

    let cid = candidates[i * 3u];
    let idx = candidates[i * 3u + 1u];
    let input = bitcast<f32>(candidates[i * 3u + 2u]);

    if (((masks[idx / 32u] >> (idx % 32u)) & 1u) == 0u) {
        return;
    }

    var state = dyn_state[idx];
    var cd = state & 0xffffu;
    var cnt = state >> 16u;
    let stat0 = statics[idx * 2u];
    let refrac = stat0 & 0xffffu;
    let lim = stat0 >> 16u;
    let snooze = statics[idx * 2u + 1u] & 0xffffu;

    if (cd > 0u) {
        cd = cd - 1u;
        if (cd == 0u && lim > 0u && cnt >= lim) {
            cnt = 0u;
        }
        dyn_state[idx] = cd | (cnt << 16u);
        return;
    }
    if (lim > 0u && cnt >= lim) {
        dyn_state[idx] = 0u;
        return;
    }

    let p = idx * 5u;
    let threshold = fparams[p];
    let tlimit = fparams[p + 1u];
    let leak = fparams[p + 2u];
    let rest = fparams[p + 3u];
    let excite = fparams[p + 4u];

    var v = potentials[idx];
    if (((masks[mask_words + idx / 32u] >> (idx % 32u)) & 1u) == 0u) {
        v = rest;
    }
    v = v + input - leak * (v - rest);

    var fires = v >= threshold && (tlimit == 0.0 || v <= tlimit);
    if (fires && excite < 0.999) {
        if (excite <= 0.0) {
            fires = false;
        } else if (excitability_draw(cid, burst) >= excite) {
            fires = false;
        }
    }

    if (fires) {
        atomicOr(&fired[idx / 32u], 1u << (idx % 32u));
        atomicStore(&fired[mask_words + idx], bitcast<u32>(v));
        potentials[idx] = rest;
        cd = min(refrac + snooze, 0xffffu);
        cnt = min(cnt + 1u, 0xffffu);
    } else {
        potentials[idx] = v;
        cnt = 0u;
    }
    dyn_state[idx] = cd | (cnt << 16u);
}
`
