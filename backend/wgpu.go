// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"fmt"

	"github.com/rajveermalviya/go-webgpu/wgpu"

	"github.com/spikeforge/npu/align"
	"github.com/spikeforge/npu/connectome"
	"github.com/spikeforge/npu/fire"
	"github.com/spikeforge/npu/gbool"
	"github.com/spikeforge/npu/neural"
)

const wgpuWorkgroup = 256

// WGPUBackend runs both phases as WGSL compute kernels through
// wgpu-native. Parameter and topology buffers are uploaded once and
// survive until OnGenomeChange; membrane state round-trips every burst
// so the host stores stay authoritative.
//
// Only pure-LIF populations run here; anything else is refused at
// init with UnavailableError and the selector falls back to the CPU.
type WGPUBackend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	propPipeline *wgpu.ComputePipeline
	propLayout   *wgpu.BindGroupLayout
	dynPipeline  *wgpu.ComputePipeline
	dynLayout    *wgpu.BindGroupLayout

	res fire.Resolver

	n         int
	maskWords int
	tableSize uint32

	// persistent per-genome
	fparamsBuf *wgpu.Buffer
	staticsBuf *wgpu.Buffer
	masksBuf   *wgpu.Buffer
	synBuf     *wgpu.Buffer
	tableBuf   *wgpu.Buffer

	// per-burst state and scratch
	potBuf        *wgpu.Buffer
	dynStateBuf   *wgpu.Buffer
	accumBuf      *wgpu.Buffer
	firedBuf      *wgpu.Buffer
	candBuf       *wgpu.Buffer
	firedSrcBuf   *wgpu.Buffer
	propParamsBuf *wgpu.Buffer
	dynParamsBuf  *wgpu.Buffer
	stagingAccum  *wgpu.Buffer
	stagingPot    *wgpu.Buffer
	stagingDyn    *wgpu.Buffer
	stagingFired  *wgpu.Buffer

	zeroAccum []byte
	zeroFired []byte
	dynWords  []uint32

	dirty bool
}

// newWGPU acquires an adapter and device and compiles both kernels.
// Buffers are built lazily from the state on first use (or eagerly via
// InitPersistent).
func newWGPU(st *connectome.State, res fire.Resolver) (*WGPUBackend, error) {
	if err := align.CheckStruct(dynParams{}); err != nil {
		return nil, &neural.ConfigError{Field: "dynParams", Reason: err.Error()}
	}
	if err := align.CheckStruct(propParams{}); err != nil {
		return nil, &neural.ConfigError{Field: "propParams", Reason: err.Error()}
	}

	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, &neural.UnavailableError{Backend: WGPU.String(), Reason: "no wgpu instance"}
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreference_HighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, &neural.UnavailableError{Backend: WGPU.String(), Reason: "no adapter: " + err.Error()}
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, &neural.UnavailableError{Backend: WGPU.String(), Reason: "no device: " + err.Error()}
	}

	b := &WGPUBackend{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    device.GetQueue(),
		res:      res,
		dirty:    true,
	}
	if err := b.buildPipelines(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *WGPUBackend) Name() string { return WGPU.String() }

// OnGenomeChange marks every device copy stale; the next phase call
// re-uploads parameters and topology.
func (b *WGPUBackend) OnGenomeChange() error {
	b.dirty = true
	return nil
}

// InitPersistent uploads parameters, masks and topology now rather
// than on the first burst.
func (b *WGPUBackend) InitPersistent(st *connectome.State) error {
	return b.ensure(st)
}

func (b *WGPUBackend) Close() error {
	for _, buf := range []*wgpu.Buffer{
		b.fparamsBuf, b.staticsBuf, b.masksBuf, b.synBuf, b.tableBuf,
		b.potBuf, b.dynStateBuf, b.accumBuf, b.firedBuf, b.candBuf,
		b.firedSrcBuf, b.propParamsBuf, b.dynParamsBuf,
		b.stagingAccum, b.stagingPot, b.stagingDyn, b.stagingFired,
	} {
		if buf != nil {
			buf.Release()
		}
	}
	if b.propPipeline != nil {
		b.propPipeline.Release()
	}
	if b.dynPipeline != nil {
		b.dynPipeline.Release()
	}
	if b.propLayout != nil {
		b.propLayout.Release()
	}
	if b.dynLayout != nil {
		b.dynLayout.Release()
	}
	if b.device != nil {
		b.device.Release()
	}
	if b.adapter != nil {
		b.adapter.Release()
	}
	if b.instance != nil {
		b.instance.Release()
	}
	return nil
}

func storageEntry(binding uint32, readOnly bool) wgpu.BindGroupLayoutEntry {
	t := wgpu.BufferBindingType_Storage
	if readOnly {
		t = wgpu.BufferBindingType_ReadOnlyStorage
	}
	return wgpu.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: wgpu.ShaderStage_Compute,
		Buffer:     wgpu.BufferBindingLayout{Type: t},
	}
}

func (b *WGPUBackend) buildPipelines() error {
	mkPipeline := func(label, code, entry string, layoutEntries []wgpu.BindGroupLayoutEntry) (*wgpu.ComputePipeline, *wgpu.BindGroupLayout, error) {
		module, err := b.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
			Label:          label,
			WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
		})
		if err != nil {
			return nil, nil, &neural.UnavailableError{Backend: WGPU.String(), Reason: label + " compile: " + err.Error()}
		}
		defer module.Release()

		bgl, err := b.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
			Label:   label + "_layout",
			Entries: layoutEntries,
		})
		if err != nil {
			return nil, nil, &neural.UnavailableError{Backend: WGPU.String(), Reason: label + " layout: " + err.Error()}
		}
		pl, err := b.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
			Label:            label + "_pl",
			BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
		})
		if err != nil {
			bgl.Release()
			return nil, nil, &neural.UnavailableError{Backend: WGPU.String(), Reason: label + " pipeline layout: " + err.Error()}
		}
		defer pl.Release()
		pipe, err := b.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label:  label,
			Layout: pl,
			Compute: wgpu.ProgrammableStageDescriptor{
				Module:     module,
				EntryPoint: entry,
			},
		})
		if err != nil {
			bgl.Release()
			return nil, nil, &neural.UnavailableError{Backend: WGPU.String(), Reason: label + " pipeline: " + err.Error()}
		}
		return pipe, bgl, nil
	}

	var err error
	b.propPipeline, b.propLayout, err = mkPipeline("synaptic_propagation", shaderPropagation, "synaptic_propagation",
		[]wgpu.BindGroupLayoutEntry{
			storageEntry(0, true),
			storageEntry(1, true),
			storageEntry(2, true),
			storageEntry(3, true),
			storageEntry(4, false),
		})
	if err != nil {
		return err
	}
	b.dynPipeline, b.dynLayout, err = mkPipeline("neural_dynamics", shaderDynamics, "neural_dynamics",
		[]wgpu.BindGroupLayoutEntry{
			storageEntry(0, true),
			storageEntry(1, true),
			storageEntry(2, false),
			storageEntry(3, true),
			storageEntry(4, true),
			storageEntry(5, false),
			storageEntry(6, true),
			storageEntry(7, false),
		})
	return err
}

func (b *WGPUBackend) ensureBuffer(buf **wgpu.Buffer, label string, size uint64, usage wgpu.BufferUsage) error {
	if size < 4 {
		size = 4
	}
	if *buf != nil && (*buf).GetSize() >= size {
		return nil
	}
	if *buf != nil {
		(*buf).Release()
	}
	nb, err := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return &neural.ComputeError{Backend: WGPU.String(), Phase: "alloc " + label, Err: err}
	}
	*buf = nb
	return nil
}

// ensure rebuilds the device copies from the state when they are
// stale. Populations the kernels cannot express are refused here with
// UnavailableError so the engine can fall back.
func (b *WGPUBackend) ensure(st *connectome.State) error {
	if !b.dirty {
		return nil
	}
	for m := neural.ModelKind(0); m < neural.NumModels; m++ {
		if m != neural.ModelLIF && st.Neurons[m].Count() > 0 {
			return &neural.UnavailableError{Backend: WGPU.String(), Reason: m.String() + " neurons not supported on gpu"}
		}
	}
	ns := st.Neurons[neural.ModelLIF]
	n := ns.Len()
	b.n = n
	b.maskWords = gbool.WordsFor(n)

	limits := b.adapter.GetLimits().Limits
	if wg := (uint64(n) + wgpuWorkgroup - 1) / wgpuWorkgroup; wg > uint64(limits.MaxComputeWorkgroupsPerDimension) {
		return &neural.UnavailableError{Backend: WGPU.String(), Reason: "neuron extent exceeds dispatch limit"}
	}

	fparams, statics, masks := deviceParams(ns, b.maskWords)
	flat, table, tableSize, err := deviceTopology(st, b.res, WGPU.String())
	if err != nil {
		return err
	}
	b.tableSize = tableSize

	maxBinding := uint64(len(fparams)) * 4
	if s := uint64(len(flat)) * 4; s > maxBinding {
		maxBinding = s
	}
	if s := uint64(b.maskWords+n) * 4; s > maxBinding {
		maxBinding = s
	}
	if maxBinding > limits.MaxStorageBufferBindingSize {
		return &neural.UnavailableError{Backend: WGPU.String(), Reason: "population exceeds storage binding limit"}
	}

	persist := wgpu.BufferUsage_Storage | wgpu.BufferUsage_CopyDst
	state := persist | wgpu.BufferUsage_CopySrc
	readback := wgpu.BufferUsage_MapRead | wgpu.BufferUsage_CopyDst
	steps := []struct {
		buf   **wgpu.Buffer
		label string
		size  uint64
		usage wgpu.BufferUsage
	}{
		{&b.fparamsBuf, "neuron_fparams", uint64(len(fparams)) * 4, persist},
		{&b.staticsBuf, "neuron_statics", uint64(len(statics)) * 4, persist},
		{&b.masksBuf, "neuron_masks", uint64(len(masks)) * 4, persist},
		{&b.synBuf, "synapse_flat", uint64(len(flat)) * 4, persist},
		{&b.tableBuf, "synapse_table", uint64(len(table)) * 4, persist},
		{&b.potBuf, "potentials", uint64(n) * 4, state},
		{&b.dynStateBuf, "dyn_state", uint64(n) * 4, state},
		{&b.accumBuf, "fcl_accum", uint64(n) * 4, state},
		{&b.firedBuf, "fired_out", uint64(b.maskWords+n) * 4, state},
		{&b.propParamsBuf, "prop_params", 16, persist},
		{&b.dynParamsBuf, "dyn_params", 16, persist},
		{&b.stagingAccum, "staging_accum", uint64(n) * 4, readback},
		{&b.stagingPot, "staging_pot", uint64(n) * 4, readback},
		{&b.stagingDyn, "staging_dyn", uint64(n) * 4, readback},
		{&b.stagingFired, "staging_fired", uint64(b.maskWords+n) * 4, readback},
	}
	for _, s := range steps {
		if err := b.ensureBuffer(s.buf, s.label, s.size, s.usage); err != nil {
			return err
		}
	}

	if len(fparams) > 0 {
		b.queue.WriteBuffer(b.fparamsBuf, 0, wgpu.ToBytes(fparams))
		b.queue.WriteBuffer(b.staticsBuf, 0, wgpu.ToBytes(statics))
	}
	if len(masks) > 0 {
		b.queue.WriteBuffer(b.masksBuf, 0, wgpu.ToBytes(masks))
	}
	if len(flat) > 0 {
		b.queue.WriteBuffer(b.synBuf, 0, wgpu.ToBytes(flat))
	}
	b.queue.WriteBuffer(b.tableBuf, 0, wgpu.ToBytes(table))

	b.zeroAccum = make([]byte, n*4)
	b.zeroFired = make([]byte, (b.maskWords+n)*4)
	b.dynWords = make([]uint32, n)
	b.dirty = false
	return nil
}

func bindGroup(device *wgpu.Device, label string, layout *wgpu.BindGroupLayout, bufs ...*wgpu.Buffer) (*wgpu.BindGroup, error) {
	entries := make([]wgpu.BindGroupEntry, len(bufs))
	for i, buf := range bufs {
		entries[i] = wgpu.BindGroupEntry{Binding: uint32(i), Buffer: buf, Size: buf.GetSize()}
	}
	return device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label,
		Layout:  layout,
		Entries: entries,
	})
}

// readStaging maps a readback buffer and copies its contents out.
func (b *WGPUBackend) readStaging(buf *wgpu.Buffer, size uint64) ([]byte, error) {
	done := make(chan wgpu.BufferMapAsyncStatus, 1)
	err := buf.MapAsync(wgpu.MapMode_Read, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		done <- status
	})
	if err != nil {
		return nil, err
	}
	for {
		b.device.Poll(true, nil)
		select {
		case status := <-done:
			if status != wgpu.BufferMapAsyncStatus_Success {
				return nil, fmt.Errorf("buffer map status %v", status)
			}
			data := buf.GetMappedRange(0, uint(size))
			if data == nil {
				buf.Unmap()
				return nil, fmt.Errorf("nil mapped range")
			}
			out := make([]byte, len(data))
			copy(out, data)
			buf.Unmap()
			return out, nil
		default:
		}
	}
}

// Propagate uploads the fired sources, runs the propagation kernel,
// and folds the fixed-point accumulator back into the candidate list.
func (b *WGPUBackend) Propagate(prev *fire.Queue, st *connectome.State, fcl *fire.CandidateList) (int, error) {
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

	if err := b.ensureBuffer(&b.firedSrcBuf, "fired_src", uint64(len(firedSrc))*4,
		wgpu.BufferUsage_Storage|wgpu.BufferUsage_CopyDst); err != nil {
		return 0, err
	}
	b.queue.WriteBuffer(b.firedSrcBuf, 0, wgpu.ToBytes(firedSrc))
	b.queue.WriteBuffer(b.accumBuf, 0, b.zeroAccum)
	b.queue.WriteBuffer(b.propParamsBuf, 0, wgpu.ToBytes([]uint32{uint32(count), b.tableSize, 0, 0}))

	bg, err := bindGroup(b.device, "prop_bg", b.propLayout,
		b.propParamsBuf, b.firedSrcBuf, b.tableBuf, b.synBuf, b.accumBuf)
	if err != nil {
		return 0, &neural.ComputeError{Backend: WGPU.String(), Phase: "propagation", Err: err}
	}
	defer bg.Release()

	encoder, err := b.device.CreateCommandEncoder(nil)
	if err != nil {
		return 0, &neural.ComputeError{Backend: WGPU.String(), Phase: "propagation", Err: err}
	}
	pass := encoder.BeginComputePass(&wgpu.ComputePassDescriptor{Label: "synaptic_propagation"})
	pass.SetPipeline(b.propPipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups((uint32(count)+wgpuWorkgroup-1)/wgpuWorkgroup, 1, 1)
	pass.End()
	encoder.CopyBufferToBuffer(b.accumBuf, 0, b.stagingAccum, 0, uint64(b.n)*4)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return 0, &neural.ComputeError{Backend: WGPU.String(), Phase: "propagation", Err: err}
	}
	b.queue.Submit(cmd)

	data, err := b.readStaging(b.stagingAccum, uint64(b.n)*4)
	if err != nil {
		return 0, &neural.ComputeError{Backend: WGPU.String(), Phase: "propagation readback", Err: err}
	}
	if err := mergeAccum(wgpu.FromBytes[int32](data), b.res, fcl); err != nil {
		return walked, err
	}
	return walked, nil
}

// Dynamics uploads state and candidates, runs the dynamics kernel, and
// copies the advanced state back into the host store. Stats are
// accounted on the host from the pre-dispatch state, giving the same
// numbers as the CPU path.
func (b *WGPUBackend) Dynamics(fcl *fire.CandidateList, st *connectome.State, burst uint64, q *fire.Queue) (Stats, error) {
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

	if err := b.ensureBuffer(&b.candBuf, "candidates", uint64(len(cand))*4,
		wgpu.BufferUsage_Storage|wgpu.BufferUsage_CopyDst); err != nil {
		return stats, err
	}
	b.queue.WriteBuffer(b.candBuf, 0, wgpu.ToBytes(cand))
	b.queue.WriteBuffer(b.potBuf, 0, wgpu.ToBytes(ns.MembranePotentials[:b.n]))
	b.queue.WriteBuffer(b.dynStateBuf, 0, wgpu.ToBytes(b.dynWords))
	b.queue.WriteBuffer(b.firedBuf, 0, b.zeroFired)
	b.queue.WriteBuffer(b.dynParamsBuf, 0, wgpu.ToBytes([]uint32{
		uint32(len(entries)), uint32(burst), uint32(b.n), uint32(b.maskWords),
	}))

	bg, err := bindGroup(b.device, "dyn_bg", b.dynLayout,
		b.dynParamsBuf, b.candBuf, b.potBuf, b.fparamsBuf, b.staticsBuf,
		b.dynStateBuf, b.masksBuf, b.firedBuf)
	if err != nil {
		return stats, &neural.ComputeError{Backend: WGPU.String(), Phase: "dynamics", Err: err}
	}
	defer bg.Release()

	encoder, err := b.device.CreateCommandEncoder(nil)
	if err != nil {
		return stats, &neural.ComputeError{Backend: WGPU.String(), Phase: "dynamics", Err: err}
	}
	pass := encoder.BeginComputePass(&wgpu.ComputePassDescriptor{Label: "neural_dynamics"})
	pass.SetPipeline(b.dynPipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups((uint32(len(entries))+wgpuWorkgroup-1)/wgpuWorkgroup, 1, 1)
	pass.End()
	encoder.CopyBufferToBuffer(b.potBuf, 0, b.stagingPot, 0, uint64(b.n)*4)
	encoder.CopyBufferToBuffer(b.dynStateBuf, 0, b.stagingDyn, 0, uint64(b.n)*4)
	encoder.CopyBufferToBuffer(b.firedBuf, 0, b.stagingFired, 0, uint64(b.maskWords+b.n)*4)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return stats, &neural.ComputeError{Backend: WGPU.String(), Phase: "dynamics", Err: err}
	}
	b.queue.Submit(cmd)

	potData, err := b.readStaging(b.stagingPot, uint64(b.n)*4)
	if err != nil {
		return stats, &neural.ComputeError{Backend: WGPU.String(), Phase: "dynamics readback", Err: err}
	}
	dynData, err := b.readStaging(b.stagingDyn, uint64(b.n)*4)
	if err != nil {
		return stats, &neural.ComputeError{Backend: WGPU.String(), Phase: "dynamics readback", Err: err}
	}
	firedData, err := b.readStaging(b.stagingFired, uint64(b.maskWords+b.n)*4)
	if err != nil {
		return stats, &neural.ComputeError{Backend: WGPU.String(), Phase: "dynamics readback", Err: err}
	}

	copy(ns.MembranePotentials[:b.n], wgpu.FromBytes[float32](potData))
	unpackDynState(wgpu.FromBytes[uint32](dynData), ns)
	stats.Fired = mergeFired(entries, wgpu.FromBytes[uint32](firedData), b.maskWords, ns, q)
	return stats, nil
}

// DefaultProbe answers availability by actually asking the runtime.
type DefaultProbe struct{}

// WGPUAvailable reports whether an adapter can be acquired.
func (DefaultProbe) WGPUAvailable() bool {
	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return false
	}
	defer instance.Release()
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreference_HighPerformance,
	})
	if err != nil || adapter == nil {
		return false
	}
	adapter.Release()
	return true
}

// CUDAAvailable reports whether the cuda build tag is on and a device
// responds.
func (DefaultProbe) CUDAAvailable() bool { return cudaAvailable() }
