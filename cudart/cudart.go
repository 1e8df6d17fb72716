// Copyright (c) 2025, The Spikeforge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build cuda

package cudart

/*
#cgo LDFLAGS: -lcuda -lnvrtc
#include <cuda.h>
#include <nvrtc.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

func result(res C.CUresult, op string) error {
	if res == C.CUDA_SUCCESS {
		return nil
	}
	var msg *C.char
	C.cuGetErrorString(res, &msg)
	if msg == nil {
		return fmt.Errorf("%s: CUresult %d", op, int(res))
	}
	return fmt.Errorf("%s: %s", op, C.GoString(msg))
}

// Available reports whether the driver initializes and at least one
// device responds.
func Available() bool {
	if C.cuInit(0) != C.CUDA_SUCCESS {
		return false
	}
	var n C.int
	if C.cuDeviceGetCount(&n) != C.CUDA_SUCCESS {
		return false
	}
	return n > 0
}

// Device is an opened CUDA device with its primary context retained.
type Device struct {
	dev C.CUdevice
	ctx C.CUcontext
}

// OpenDevice initializes the driver and retains the primary context of
// the given device ordinal.
func OpenDevice(ordinal int) (*Device, error) {
	if err := result(C.cuInit(0), "cuInit"); err != nil {
		return nil, err
	}
	d := &Device{}
	if err := result(C.cuDeviceGet(&d.dev, C.int(ordinal)), "cuDeviceGet"); err != nil {
		return nil, err
	}
	if err := result(C.cuDevicePrimaryCtxRetain(&d.ctx, d.dev), "cuDevicePrimaryCtxRetain"); err != nil {
		return nil, err
	}
	if err := result(C.cuCtxSetCurrent(d.ctx), "cuCtxSetCurrent"); err != nil {
		C.cuDevicePrimaryCtxRelease(d.dev)
		return nil, err
	}
	return d, nil
}

// Close releases the primary context.
func (d *Device) Close() {
	C.cuDevicePrimaryCtxRelease(d.dev)
}

// Sync blocks until all queued work on the context finishes.
func (d *Device) Sync() error {
	return result(C.cuCtxSynchronize(), "cuCtxSynchronize")
}

// Module is loaded PTX.
type Module struct {
	mod C.CUmodule
}

// CompileModule compiles CUDA C source to PTX with NVRTC and loads it.
// Compile failures return the NVRTC log.
func (d *Device) CompileModule(name, source string) (*Module, error) {
	csrc := C.CString(source)
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(csrc))
	defer C.free(unsafe.Pointer(cname))

	var prog C.nvrtcProgram
	if res := C.nvrtcCreateProgram(&prog, csrc, cname, 0, nil, nil); res != C.NVRTC_SUCCESS {
		return nil, fmt.Errorf("nvrtcCreateProgram: %s", C.GoString(C.nvrtcGetErrorString(res)))
	}
	defer C.nvrtcDestroyProgram(&prog)

	res := C.nvrtcCompileProgram(prog, 0, nil)
	if res != C.NVRTC_SUCCESS {
		var logSize C.size_t
		C.nvrtcGetProgramLogSize(prog, &logSize)
		log := ""
		if logSize > 1 {
			buf := (*C.char)(C.malloc(logSize))
			defer C.free(unsafe.Pointer(buf))
			C.nvrtcGetProgramLog(prog, buf)
			log = C.GoString(buf)
		}
		return nil, fmt.Errorf("nvrtcCompileProgram %s: %s\n%s", name, C.GoString(C.nvrtcGetErrorString(res)), log)
	}

	var ptxSize C.size_t
	if res := C.nvrtcGetPTXSize(prog, &ptxSize); res != C.NVRTC_SUCCESS {
		return nil, fmt.Errorf("nvrtcGetPTXSize: %s", C.GoString(C.nvrtcGetErrorString(res)))
	}
	ptx := (*C.char)(C.malloc(ptxSize))
	defer C.free(unsafe.Pointer(ptx))
	if res := C.nvrtcGetPTX(prog, ptx); res != C.NVRTC_SUCCESS {
		return nil, fmt.Errorf("nvrtcGetPTX: %s", C.GoString(C.nvrtcGetErrorString(res)))
	}

	m := &Module{}
	if err := result(C.cuModuleLoadData(&m.mod, unsafe.Pointer(ptx)), "cuModuleLoadData"); err != nil {
		return nil, err
	}
	return m, nil
}

// Unload drops the module.
func (m *Module) Unload() {
	C.cuModuleUnload(m.mod)
}

// Kernel is a resolved device function.
type Kernel struct {
	fn C.CUfunction
}

// Kernel resolves an extern "C" __global__ by name.
func (m *Module) Kernel(name string) (*Kernel, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	k := &Kernel{}
	if err := result(C.cuModuleGetFunction(&k.fn, m.mod, cname), "cuModuleGetFunction "+name); err != nil {
		return nil, err
	}
	return k, nil
}

// DeviceBuffer is device memory.
type DeviceBuffer struct {
	ptr  C.CUdeviceptr
	size int
}

// Alloc reserves size bytes of device memory.
func Alloc(size int) (*DeviceBuffer, error) {
	if size < 4 {
		size = 4
	}
	b := &DeviceBuffer{size: size}
	if err := result(C.cuMemAlloc(&b.ptr, C.size_t(size)), "cuMemAlloc"); err != nil {
		return nil, err
	}
	return b, nil
}

// Size returns the buffer's byte size.
func (b *DeviceBuffer) Size() int { return b.size }

// Free releases the device memory.
func (b *DeviceBuffer) Free() {
	if b.ptr != 0 {
		C.cuMemFree(b.ptr)
		b.ptr = 0
	}
}

// Upload copies host bytes to the buffer.
func (b *DeviceBuffer) Upload(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > b.size {
		return fmt.Errorf("upload of %d bytes into %d-byte buffer", len(data), b.size)
	}
	return result(C.cuMemcpyHtoD(b.ptr, unsafe.Pointer(&data[0]), C.size_t(len(data))), "cuMemcpyHtoD")
}

// Download copies the buffer's first len(data) bytes to the host.
func (b *DeviceBuffer) Download(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > b.size {
		return fmt.Errorf("download of %d bytes from %d-byte buffer", len(data), b.size)
	}
	return result(C.cuMemcpyDtoH(unsafe.Pointer(&data[0]), b.ptr, C.size_t(len(data))), "cuMemcpyDtoH")
}

// Zero clears the buffer.
func (b *DeviceBuffer) Zero() error {
	return result(C.cuMemsetD8(b.ptr, 0, C.size_t(b.size)), "cuMemsetD8")
}

// Launch runs the kernel on the default stream with a 1-D grid. Every
// parameter is a device buffer pointer; the argument array is staged
// in C memory to satisfy cgo pointer rules.
func (k *Kernel) Launch(grid, block int, bufs ...*DeviceBuffer) error {
	n := len(bufs)
	ptrSize := unsafe.Sizeof(uintptr(0))
	vals := C.malloc(C.size_t(n) * C.size_t(unsafe.Sizeof(C.CUdeviceptr(0))))
	args := C.malloc(C.size_t(n) * C.size_t(ptrSize))
	defer C.free(vals)
	defer C.free(args)
	for i, b := range bufs {
		slot := unsafe.Pointer(uintptr(vals) + uintptr(i)*unsafe.Sizeof(C.CUdeviceptr(0)))
		*(*C.CUdeviceptr)(slot) = b.ptr
		aslot := unsafe.Pointer(uintptr(args) + uintptr(i)*ptrSize)
		*(*unsafe.Pointer)(aslot) = slot
	}
	return result(C.cuLaunchKernel(k.fn,
		C.uint(grid), 1, 1,
		C.uint(block), 1, 1,
		0, nil, (*unsafe.Pointer)(args), nil), "cuLaunchKernel")
}

// Bytes views a numeric slice as raw bytes without copying.
func Bytes[E any](s []E) []byte {
	if len(s) == 0 {
		return nil
	}
	var e E
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(e)))
}

// View interprets raw bytes as a numeric slice without copying.
func View[E any](b []byte) []E {
	if len(b) == 0 {
		return nil
	}
	var e E
	return unsafe.Slice((*E)(unsafe.Pointer(&b[0])), len(b)/int(unsafe.Sizeof(e)))
}
