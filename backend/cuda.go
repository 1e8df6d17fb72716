// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build cuda

package backend

import (
	"github.com/spikeforge/npu/align"
	"github.com/spikeforge/npu/connectome"
	"github.com/spikeforge/npu/cudart"
	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/gbool"
	"github.com/spikeforge/npu/neural"
)

const cudaBlock = 256

// cudaKernels carries both burst kernels in CUDA C. The buffer
// layouts, arithmetic, branch order and RNG are the same as the WGSL
// kernels and the neural package; the three implementations must
// agree.
const cudaKernels = `
__device__ unsigned int pcg_hash(unsigned int x)
{
    unsigned int state = x * 747796405u + 2891336453u;
    unsigned int word = ((state >> ((state >> 28u) + 4u)) ^ state) * 277803737u;
    return (word >> 22u) ^ word;
}

__device__ float excitability_draw(unsigned int nid, unsigned int burst)
{
    unsigned int h = pcg_hash(nid * 2654435761u + burst * 1597334677u);
    return (float)h / 4294967296.0f;
}

extern "C" __global__ void synaptic_propagation(
    const unsigned int* params,
    const unsigned int* fired,
    const unsigned int* table,
    const unsigned int* syn,
    int* accum)
{
    unsigned int i = blockIdx.x * blockDim.x + threadIdx.x;
    unsigned int fired_count = params[0];
    unsigned int table_size = params[1];
    if (i >= fired_count) {
        return;
    }
    unsigned int src_id = fired[i * 4u];
    float src_pot = __uint_as_float(fired[i * 4u + 1u]);
    unsigned int flags = fired[i * 4u + 2u];
    unsigned int out_degree = fired[i * 4u + 3u];

    unsigned int h = pcg_hash(src_id) & (table_size - 1u);
    unsigned int start = 0u;
    unsigned int count = 0u;
    for (;;) {
        unsigned int key = table[h * 3u];
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

    bool mp_driven = (flags & 1u) != 0u;
    float div = 1.0f;
    if ((flags & 2u) != 0u && out_degree > 0u) {
        div = (float)out_degree;
    }
    for (unsigned int s = 0u; s < count; s++) {
        unsigned int target = syn[(start + s) * 2u];
        unsigned int packed = syn[(start + s) * 2u + 1u];
        float weight = (float)(packed & 0xffu);
        float psp = (float)((packed >> 8u) & 0xffu);
        unsigned int kind = (packed >> 16u) & 0xffu;
        float mag = mp_driven ? src_pot : psp;
        float c = weight * mag;
        if (kind == 1u) {
            c = -c;
        }
        c = c / div;
        atomicAdd(&accum[target], (int)roundf(c * 1024.0f));
    }
}

extern "C" __global__ void neural_dynamics(
    const unsigned int* params,
    const unsigned int* candidates,
    float* potentials,
    const float* fparams,
    const unsigned int* statics,
    unsigned int* dyn_state,
    const unsigned int* masks,
    unsigned int* fired)
{
    unsigned int i = blockIdx.x * blockDim.x + threadIdx.x;
    if (i >= params[0]) {
        return;
    }
    unsigned int burst = params[1];
    unsigned int mask_words = params[3];

    unsigned int cid = candidates[i * 3u];
    unsigned int idx = candidates[i * 3u + 1u];
    float input = __uint_as_float(candidates[i * 3u + 2u]);

    if (((masks[idx / 32u] >> (idx % 32u)) & 1u) == 0u) {
        return;
    }

    unsigned int state = dyn_state[idx];
    unsigned int cd = state & 0xffffu;
    unsigned int cnt = state >> 16u;
    unsigned int stat0 = statics[idx * 2u];
    unsigned int refrac = stat0 & 0xffffu;
    unsigned int lim = stat0 >> 16u;
    unsigned int snooze = statics[idx * 2u + 1u] & 0xffffu;

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

    unsigned int p = idx * 5u;
    float threshold = fparams[p];
    float tlimit = fparams[p + 1u];
    float leak = fparams[p + 2u];
    float rest = fparams[p + 3u];
    float excite = fparams[p + 4u];

    float v = potentials[idx];
    if (((masks[mask_words + idx / 32u] >> (idx % 32u)) & 1u) == 0u) {
        v = rest;
    }
    v = v + input - leak * (v - rest);

    bool fires = v >= threshold && (tlimit == 0.0f || v <= tlimit);
    if (fires && excite < 0.999f) {
        if (excite <= 0.0f) {
            fires = false;
        } else if (excitability_draw(cid, burst) >= excite) {
            fires = false;
        }
    }

    if (fires) {
        atomicOr(&fired[idx / 32u], 1u << (idx % 32u));
        fired[mask_words + idx] = __float_as_uint(v);
        potentials[idx] = rest;
        cd = refrac + snooze;
        if (cd > 0xffffu) {
            cd = 0xffffu;
        }
        cnt = cnt + 1u;
        if (cnt > 0xffffu) {
            cnt = 0xffffu;
        }
    } else {
        potentials[idx] = v;
        cnt = 0u;
    }
    dyn_state[idx] = cd | (cnt << 16u);
}
`

// CUDABackend runs both phases as NVRTC-compiled kernels through the
// driver API. The host stores stay authoritative exactly as on the
// WGPU path: parameters and topology are uploaded once per genome,
// membrane state round-trips every burst.
//
// Only pure-LIF populations run here; anything else is refused with
// UnavailableError and the selector falls back.
type CUDABackend struct {
	dev      *cudart.Device
	mod      *cudart.Module
	propKern *cudart.Kernel
	dynKern  *cudart.Kernel

	res fire.Resolver

	n         int
	maskWords int
	tableSize uint32

	// persistent per-genome
	fparamsBuf *cudart.DeviceBuffer
	staticsBuf *cudart.DeviceBuffer
	masksBuf   *cudart.DeviceBuffer
	synBuf     *cudart.DeviceBuffer
	tableBuf   *cudart.DeviceBuffer

	// per-burst state and scratch
	potBuf        *cudart.DeviceBuffer
	dynStateBuf   *cudart.DeviceBuffer
	accumBuf      *cudart.DeviceBuffer
	firedBuf      *cudart.DeviceBuffer
	candBuf       *cudart.DeviceBuffer
	firedSrcBuf   *cudart.DeviceBuffer
	propParamsBuf *cudart.DeviceBuffer
	dynParamsBuf  *cudart.DeviceBuffer

	dynWords  []uint32
	accumHost []int32
	firedHost []uint32

	dirty bool
}

func cudaAvailable() bool { return cudart.Available() }

// newCUDA opens device 0, compiles the kernels and resolves their
// entry points. Buffers are built lazily from the state on first use.
func newCUDA(st *connectome.State, res fire.Resolver) (Compute, error) {
	if err := align.CheckStruct(dynParams{}); err != nil {
		return nil, &neural.ConfigError{Field: "dynParams", Reason: err.Error()}
	}
	if err := align.CheckStruct(propParams{}); err != nil {
		return nil, &neural.ConfigError{Field: "propParams", Reason: err.Error()}
	}
	if !cudart.Available() {
		return nil, &neural.UnavailableError{Backend: CUDA.String(), Reason: "no cuda device"}
	}
	dev, err := cudart.OpenDevice(0)
	if err != nil {
		return nil, &neural.UnavailableError{Backend: CUDA.String(), Reason: err.Error()}
	}
	mod, err := dev.CompileModule("burst_kernels.cu", cudaKernels)
	if err != nil {
		dev.Close()
		return nil, &neural.UnavailableError{Backend: CUDA.String(), Reason: "kernel compile: " + err.Error()}
	}
	b := &CUDABackend{dev: dev, mod: mod, res: res, dirty: true}
	if b.propKern, err = mod.Kernel("synaptic_propagation"); err == nil {
		b.dynKern, err = mod.Kernel("neural_dynamics")
	}
	if err != nil {
		b.Close()
		return nil, &neural.UnavailableError{Backend: CUDA.String(), Reason: err.Error()}
	}
	return b, nil
}

func (b *CUDABackend) Name() string { return CUDA.String() }

// OnGenomeChange marks every device copy stale; the next phase call
// re-uploads parameters and topology.
func (b *CUDABackend) OnGenomeChange() error {
	b.dirty = true
	return nil
}

// InitPersistent uploads parameters, masks and topology now rather
// than on the first burst.
func (b *CUDABackend) InitPersistent(st *connectome.State) error {
	return b.ensure(st)
}

func (b *CUDABackend) Close() error {
	for _, buf := range []*cudart.DeviceBuffer{
		b.fparamsBuf, b.staticsBuf, b.masksBuf, b.synBuf, b.tableBuf,
		b.potBuf, b.dynStateBuf, b.accumBuf, b.firedBuf, b.candBuf,
		b.firedSrcBuf, b.propParamsBuf, b.dynParamsBuf,
	} {
		if buf != nil {
			buf.Free()
		}
	}
	if b.mod != nil {
		b.mod.Unload()
	}
	if b.dev != nil {
		b.dev.Close()
	}
	return nil
}

func (b *CUDABackend) ensureBuffer(buf **cudart.DeviceBuffer, label string, size int) error {
	if *buf != nil && (*buf).Size() >= size {
		return nil
	}
	if *buf != nil {
		(*buf).Free()
	}
	nb, err := cudart.Alloc(size)
	if err != nil {
		return &neural.ComputeError{Backend: CUDA.String(), Phase: "alloc " + label, Err: err}
	}
	*buf = nb
	return nil
}

// ensure rebuilds the device copies from the state when they are
// stale.
func (b *CUDABackend) ensure(st *connectome.State) error {
	if !b.dirty {
		return nil
	}
	for m := neural.ModelKind(0); m < neural.NumModels; m++ {
		if m != neural.ModelLIF && st.Neurons[m].Count() > 0 {
			return &neural.UnavailableError{Backend: CUDA.String(), Reason: m.String() + " neurons not supported on gpu"}
		}
	}
	ns := st.Neurons[neural.ModelLIF]
	n := ns.Len()
	b.n = n
	b.maskWords = gbool.WordsFor(n)

	fparams, statics, masks := deviceParams(ns, b.maskWords)
	flat, table, tableSize, err := deviceTopology(st, b.res, CUDA.String())
	if err != nil {
		return err
	}
	b.tableSize = tableSize

	steps := []struct {
		buf   **cudart.DeviceBuffer
		label string
		size  int
	}{
		{&b.fparamsBuf, "neuron_fparams", len(fparams) * 4},
		{&b.staticsBuf, "neuron_statics", len(statics) * 4},
		{&b.masksBuf, "neuron_masks", len(masks) * 4},
		{&b.synBuf, "synapse_flat", len(flat) * 4},
		{&b.tableBuf, "synapse_table", len(table) * 4},
		{&b.potBuf, "potentials", n * 4},
		{&b.dynStateBuf, "dyn_state", n * 4},
		{&b.accumBuf, "fcl_accum", n * 4},
		{&b.firedBuf, "fired_out", (b.maskWords + n) * 4},
		{&b.propParamsBuf, "prop_params", 16},
		{&b.dynParamsBuf, "dyn_params", 16},
	}
	for _, s := range steps {
		if err := b.ensureBuffer(s.buf, s.label, s.size); err != nil {
			return err
		}
	}

	uploads := []struct {
		buf  *cudart.DeviceBuffer
		data []byte
	}{
		{b.fparamsBuf, cudart.Bytes(fparams)},
		{b.staticsBuf, cudart.Bytes(statics)},
		{b.masksBuf, cudart.Bytes(masks)},
		{b.synBuf, cudart.Bytes(flat)},
		{b.tableBuf, cudart.Bytes(table)},
	}
	for _, u := range uploads {
		if err := u.buf.Upload(u.data); err != nil {
			return &neural.ComputeError{Backend: CUDA.String(), Phase: "upload genome", Err: err}
		}
	}

	b.dynWords = make([]uint32, n)
	b.accumHost = make([]int32, n)
	b.firedHost = make([]uint32, b.maskWords+n)
	b.dirty = false
	return nil
}

// Propagate uploads the fired sources, runs the propagation kernel,
// and folds the fixed-point accumulator back into the candidate list.
func (b *CUDABackend) Propagate(prev *fire.Queue, st *connectome.State, fcl *fire.CandidateList) (int, error) {
	if err := b.ensure(st); err != nil {
		return 0, err
	}
	if prev.Total() == 0 || b.n == 0 {
		return 0, nil
	}

	firedSrc, walked, err := packFired(prev, st)
	if err != nil {
		return 0, err
	}
	count := len(firedSrc) / 4
	if count == 0 {
		return 0, nil
	}

	if err := b.ensureBuffer(&b.firedSrcBuf, "fired_src", len(firedSrc)*4); err != nil {
		return 0, err
	}
	phase := func(op string, err error) error {
		if err == nil {
			return nil
		}
		return &neural.ComputeError{Backend: CUDA.String(), Phase: op, Err: err}
	}
	if err := phase("propagation upload", b.firedSrcBuf.Upload(cudart.Bytes(firedSrc))); err != nil {
		return 0, err
	}
	if err := phase("propagation upload", b.accumBuf.Zero()); err != nil {
		return 0, err
	}
	params := []uint32{uint32(count), b.tableSize, 0, 0}
	if err := phase("propagation upload", b.propParamsBuf.Upload(cudart.Bytes(params))); err != nil {
		return 0, err
	}

	grid := (count + cudaBlock - 1) / cudaBlock
	if err := phase("propagation", b.propKern.Launch(grid, cudaBlock,
		b.propParamsBuf, b.firedSrcBuf, b.tableBuf, b.synBuf, b.accumBuf)); err != nil {
		return 0, err
	}
	if err := phase("propagation", b.dev.Sync()); err != nil {
		return 0, err
	}
	if err := phase("propagation readback", b.accumBuf.Download(cudart.Bytes(b.accumHost[:b.n]))); err != nil {
		return 0, err
	}
	if err := mergeAccum(b.accumHost[:b.n], b.res, fcl); err != nil {
		return walked, err
	}
	return walked, nil
}

// Dynamics uploads state and candidates, runs the dynamics kernel, and
// copies the advanced state back into the host store. Stats are
// accounted on the host from the pre-dispatch state, giving the same
// numbers as the CPU path.
func (b *CUDABackend) Dynamics(fcl *fire.CandidateList, st *connectome.State, burst uint64, q *fire.Queue) (Stats, error) {
	var stats Stats
	if err := b.ensure(st); err != nil {
		return stats, err
	}
	for m := neural.ModelKind(0); m < neural.NumModels; m++ {
		if m != neural.ModelLIF && len(fcl.Bucket(m)) > 0 {
			return stats, &neural.ConfigError{Field: "model", Reason: m.String() + " has no dynamics kernel"}
		}
	}
	entries := fcl.Bucket(neural.ModelLIF)
	if len(entries) == 0 || b.n == 0 {
		return stats, nil
	}
	ns := st.Neurons[neural.ModelLIF]

	stats = candidateStats(entries, ns)
	cand := packCandidates(entries)
	packDynState(ns, b.dynWords)

	if err := b.ensureBuffer(&b.candBuf, "candidates", len(cand)*4); err != nil {
		return stats, err
	}
	phase := func(op string, err error) error {
		if err == nil {
			return nil
		}
		return &neural.ComputeError{Backend: CUDA.String(), Phase: op, Err: err}
	}
	params := []uint32{uint32(len(entries)), uint32(burst), uint32(b.n), uint32(b.maskWords)}
	for _, u := range []struct {
		buf  *cudart.DeviceBuffer
		data []byte
	}{
		{b.candBuf, cudart.Bytes(cand)},
		{b.potBuf, cudart.Bytes(ns.MembranePotentials[:b.n])},
		{b.dynStateBuf, cudart.Bytes(b.dynWords)},
		{b.dynParamsBuf, cudart.Bytes(params)},
	} {
		if err := phase("dynamics upload", u.buf.Upload(u.data)); err != nil {
			return stats, err
		}
	}
	if err := phase("dynamics upload", b.firedBuf.Zero()); err != nil {
		return stats, err
	}

	grid := (len(entries) + cudaBlock - 1) / cudaBlock
	if err := phase("dynamics", b.dynKern.Launch(grid, cudaBlock,
		b.dynParamsBuf, b.candBuf, b.potBuf, b.fparamsBuf, b.staticsBuf,
		b.dynStateBuf, b.masksBuf, b.firedBuf)); err != nil {
		return stats, err
	}
	if err := phase("dynamics", b.dev.Sync()); err != nil {
		return stats, err
	}

	if err := phase("dynamics readback", b.potBuf.Download(cudart.Bytes(ns.MembranePotentials[:b.n]))); err != nil {
		return stats, err
	}
	if err := phase("dynamics readback", b.dynStateBuf.Download(cudart.Bytes(b.dynWords))); err != nil {
		return stats, err
	}
	if err := phase("dynamics readback", b.firedBuf.Download(cudart.Bytes(b.firedHost))); err != nil {
		return stats, err
	}

	unpackDynState(b.dynWords, ns)
	stats.Fired = mergeFired(entries, b.firedHost, b.maskWords, ns, q)
	return stats, nil
}
