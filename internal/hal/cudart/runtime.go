/**
# Copyright 2024 NVIDIA CORPORATION
#
# Licensed under the Apache License, Version 2.0 (the "License");
# you may not use this file except in compliance with the License.
# You may obtain a copy of the License at
#
#     http://www.apache.org/licenses/LICENSE-2.0
#
# Unless required by applicable law or agreed to in writing, software
# distributed under the License is distributed on an "AS IS" BASIS,
# WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
# See the License for the specific language governing permissions and
# limitations under the License.
**/

//go:build linux && cgo

package cudart

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"k8s.io/klog/v2"

	"github.com/NVIDIA/gpu-p2p-bench/internal/hal"
)

// Runtime implements hal.Runtime over the CUDA runtime API.
//
// The barrier wait maps to cuStreamWaitValue32 on the flag's mapped
// device address. That wait has no device-side timeout; the engine
// opens the flag strictly after enqueueing each cell's work, so the
// liveness fallback the hal contract allows for is not needed on this
// backend.
type Runtime struct {
	n int

	// nvmllib is only used to resolve device names; nil when NVML is
	// unavailable.
	nvmllib nvml.Interface
}

var _ hal.Runtime = (*Runtime)(nil)

// New loads the CUDA libraries and enumerates devices.
func New() (*Runtime, error) {
	if err := load(); err != nil {
		return nil, fmt.Errorf("failed to load CUDA libraries: %w", err)
	}

	var count int32
	if err := errorFrom("cudaGetDeviceCount", cudaGetDeviceCount(&count)); err != nil {
		return nil, err
	}

	r := &Runtime{n: int(count)}

	nvmllib := nvml.New()
	if ret := nvmllib.Init(); ret == nvml.SUCCESS {
		r.nvmllib = nvmllib
	} else {
		klog.Warningf("NVML unavailable (%v); device names will be generic", ret)
	}
	return r, nil
}

func (r *Runtime) checkDevice(dev int) error {
	if dev < 0 || dev >= r.n {
		return fmt.Errorf("device %d out of range [0,%d)", dev, r.n)
	}
	return nil
}

// DeviceCount implements hal.Runtime.
func (r *Runtime) DeviceCount() (int, error) {
	return r.n, nil
}

func (r *Runtime) deviceName(dev int) string {
	if r.nvmllib == nil {
		return fmt.Sprintf("GPU %d", dev)
	}

	// CUDA and NVML may order devices differently; the PCI bus id is
	// the stable join key.
	buf := make([]byte, 64)
	if err := errorFrom("cudaDeviceGetPCIBusId", cudaDeviceGetPCIBusId(&buf[0], int32(len(buf)), int32(dev))); err != nil {
		klog.Warningf("Failed to get PCI bus id of device %d: %v", dev, err)
		return fmt.Sprintf("GPU %d", dev)
	}
	busID := strings.TrimRight(string(buf[:clen(buf)]), " ")

	handle, ret := r.nvmllib.DeviceGetHandleByPciBusId(busID)
	if ret != nvml.SUCCESS {
		klog.Warningf("No NVML device at %s: %v", busID, ret)
		return fmt.Sprintf("GPU %d", dev)
	}
	name, ret := handle.GetName()
	if ret != nvml.SUCCESS {
		klog.Warningf("Failed to get name of device at %s: %v", busID, ret)
		return fmt.Sprintf("GPU %d", dev)
	}
	return name
}

func clen(b []byte) int {
	for i := range b {
		if b[i] == 0 {
			return i
		}
	}
	return len(b)
}

// DeviceProperties implements hal.Runtime.
func (r *Runtime) DeviceProperties(dev int) (hal.Properties, error) {
	if err := r.checkDevice(dev); err != nil {
		return hal.Properties{}, err
	}

	props := hal.Properties{Name: r.deviceName(dev)}
	for _, q := range []struct {
		attr DeviceAttribute
		out  *uint32
	}{
		{PCI_BUS_ID, &props.BusID},
		{PCI_DEVICE_ID, &props.DeviceID},
		{PCI_DOMAIN_ID, &props.DomainID},
	} {
		var value int32
		if err := errorFrom("cudaDeviceGetAttribute", cudaDeviceGetAttribute(&value, q.attr, int32(dev))); err != nil {
			return hal.Properties{}, fmt.Errorf("query attribute %d of device %d: %w", q.attr, dev, err)
		}
		*q.out = uint32(value)
	}
	return props, nil
}

// CanAccessPeer implements hal.Runtime.
func (r *Runtime) CanAccessPeer(dev, peer int) (bool, error) {
	if err := r.checkDevice(dev); err != nil {
		return false, err
	}
	if err := r.checkDevice(peer); err != nil {
		return false, err
	}
	var ok int32
	if err := errorFrom("cudaDeviceCanAccessPeer", cudaDeviceCanAccessPeer(&ok, int32(dev), int32(peer))); err != nil {
		return false, err
	}
	return ok != 0, nil
}

// EnablePeerAccess implements hal.Runtime.
func (r *Runtime) EnablePeerAccess(dev, peer int) error {
	if err := r.checkDevice(dev); err != nil {
		return err
	}
	if err := r.checkDevice(peer); err != nil {
		return err
	}
	if err := errorFrom("cudaSetDevice", cudaSetDevice(int32(dev))); err != nil {
		return err
	}
	return errorFrom("cudaDeviceEnablePeerAccess", cudaDeviceEnablePeerAccess(int32(peer), 0))
}

// DisablePeerAccess implements hal.Runtime.
func (r *Runtime) DisablePeerAccess(dev, peer int) error {
	if err := r.checkDevice(dev); err != nil {
		return err
	}
	if err := r.checkDevice(peer); err != nil {
		return err
	}
	if err := errorFrom("cudaSetDevice", cudaSetDevice(int32(dev))); err != nil {
		return err
	}
	return errorFrom("cudaDeviceDisablePeerAccess", cudaDeviceDisablePeerAccess(int32(peer)))
}

// AllocBuffer implements hal.Runtime.
func (r *Runtime) AllocBuffer(dev int, size int64) (hal.Buffer, error) {
	if err := r.checkDevice(dev); err != nil {
		return nil, err
	}
	if err := errorFrom("cudaSetDevice", cudaSetDevice(int32(dev))); err != nil {
		return nil, err
	}
	var ptr unsafe.Pointer
	if err := errorFrom("cudaMalloc", cudaMalloc(&ptr, size)); err != nil {
		return nil, err
	}
	return &buffer{dev: dev, size: size, ptr: ptr}, nil
}

// AllocFlag implements hal.Runtime.
func (r *Runtime) AllocFlag() (hal.Flag, error) {
	var host unsafe.Pointer
	if err := errorFrom("cudaHostAlloc", cudaHostAlloc(&host, 4, hostAllocPortable|hostAllocMapped)); err != nil {
		return nil, err
	}
	var dev unsafe.Pointer
	if err := errorFrom("cudaHostGetDevicePointer", cudaHostGetDevicePointer(&dev, host, 0)); err != nil {
		_ = errorFrom("cudaFreeHost", cudaFreeHost(host))
		return nil, err
	}
	f := &flag{host: host, dev: dev}
	if err := f.Set(0); err != nil {
		_ = f.Free()
		return nil, err
	}
	return f, nil
}

// NewStream implements hal.Runtime.
func (r *Runtime) NewStream(dev int) (hal.Stream, error) {
	if err := r.checkDevice(dev); err != nil {
		return nil, err
	}
	if err := errorFrom("cudaSetDevice", cudaSetDevice(int32(dev))); err != nil {
		return nil, err
	}
	var s cudaStream
	if err := errorFrom("cudaStreamCreateWithFlags", cudaStreamCreateWithFlags(&s, streamNonBlocking)); err != nil {
		return nil, err
	}
	return &stream{dev: dev, s: s}, nil
}

// NewEvent implements hal.Runtime.
func (r *Runtime) NewEvent(dev int) (hal.Event, error) {
	if err := r.checkDevice(dev); err != nil {
		return nil, err
	}
	if err := errorFrom("cudaSetDevice", cudaSetDevice(int32(dev))); err != nil {
		return nil, err
	}
	var ev cudaEvent
	if err := errorFrom("cudaEventCreate", cudaEventCreate(&ev)); err != nil {
		return nil, err
	}
	return &event{dev: dev, ev: ev}, nil
}

// Close implements hal.Runtime.
func (r *Runtime) Close() error {
	if r.nvmllib != nil {
		if ret := r.nvmllib.Shutdown(); ret != nvml.SUCCESS {
			klog.Warningf("Error shutting down NVML: %v", ret)
		}
		r.nvmllib = nil
	}
	unload()
	return nil
}

type buffer struct {
	dev  int
	size int64
	ptr  unsafe.Pointer
}

var _ hal.Buffer = (*buffer)(nil)

func (b *buffer) Device() int { return b.dev }
func (b *buffer) Size() int64 { return b.size }

func (b *buffer) Free() error {
	if b.ptr == nil {
		return fmt.Errorf("buffer on device %d already freed", b.dev)
	}
	err := errorFrom("cudaFree", cudaFree(b.ptr))
	b.ptr = nil
	return err
}

type flag struct {
	host unsafe.Pointer
	dev  unsafe.Pointer
}

var _ hal.Flag = (*flag)(nil)

func (f *flag) Set(v uint32) error {
	if f.host == nil {
		return fmt.Errorf("barrier flag already freed")
	}
	atomic.StoreUint32((*uint32)(f.host), v)
	return nil
}

func (f *flag) Free() error {
	if f.host == nil {
		return fmt.Errorf("barrier flag already freed")
	}
	err := errorFrom("cudaFreeHost", cudaFreeHost(f.host))
	f.host = nil
	f.dev = nil
	return err
}

type stream struct {
	dev int
	s   cudaStream
}

var _ hal.Stream = (*stream)(nil)

func (s *stream) Device() int { return s.dev }

// WaitFlag enqueues the barrier via cuStreamWaitValue32. The timeout is
// unused here: the wait-value operation has no device-side bound, and
// the engine guarantees the host release follows the enqueues.
func (s *stream) WaitFlag(f hal.Flag, _ time.Duration) error {
	cf, ok := f.(*flag)
	if !ok {
		return fmt.Errorf("foreign barrier flag")
	}
	if cf.dev == nil {
		return fmt.Errorf("barrier flag already freed")
	}
	if res := cuStreamWaitValue32(s.s, cf.dev, 1, streamWaitValueGEQ); res != SUCCESS {
		// CUresult codes are not cudaError_t codes; report the raw value.
		return fmt.Errorf("cuStreamWaitValue32: CUDA error %d", int32(res))
	}
	return nil
}

func (s *stream) CopyAsync(dst, src hal.Buffer, n int64) error {
	d, ok := dst.(*buffer)
	if !ok {
		return fmt.Errorf("foreign destination buffer")
	}
	sb, ok := src.(*buffer)
	if !ok {
		return fmt.Errorf("foreign source buffer")
	}
	return errorFrom("cudaMemcpyPeerAsync",
		cudaMemcpyPeerAsync(d.ptr, int32(d.dev), sb.ptr, int32(sb.dev), n, s.s))
}

func (s *stream) Record(e hal.Event) error {
	ev, ok := e.(*event)
	if !ok {
		return fmt.Errorf("foreign event")
	}
	return errorFrom("cudaEventRecord", cudaEventRecord(ev.ev, s.s))
}

func (s *stream) WaitEvent(e hal.Event) error {
	ev, ok := e.(*event)
	if !ok {
		return fmt.Errorf("foreign event")
	}
	return errorFrom("cudaStreamWaitEvent", cudaStreamWaitEvent(s.s, ev.ev, 0))
}

func (s *stream) Synchronize() error {
	return errorFrom("cudaStreamSynchronize", cudaStreamSynchronize(s.s))
}

func (s *stream) Free() error {
	if s.s == nil {
		return fmt.Errorf("stream already destroyed")
	}
	err := errorFrom("cudaStreamDestroy", cudaStreamDestroy(s.s))
	s.s = nil
	return err
}

type event struct {
	dev int
	ev  cudaEvent
}

var _ hal.Event = (*event)(nil)

func (e *event) ElapsedSince(start hal.Event) (time.Duration, error) {
	sv, ok := start.(*event)
	if !ok {
		return 0, fmt.Errorf("foreign start event")
	}
	var ms float32
	if err := errorFrom("cudaEventElapsedTime", cudaEventElapsedTime(&ms, sv.ev, e.ev)); err != nil {
		return 0, err
	}
	return time.Duration(float64(ms) * float64(time.Millisecond)), nil
}

func (e *event) Free() error {
	if e.ev == nil {
		return fmt.Errorf("event already destroyed")
	}
	err := errorFrom("cudaEventDestroy", cudaEventDestroy(e.ev))
	e.ev = nil
	return err
}
