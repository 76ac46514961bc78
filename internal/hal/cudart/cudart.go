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

// Package cudart is the hal.Runtime over the CUDA runtime API. The
// entry points are declared here and left unresolved at link time; Load
// opens the libraries with RTLD_GLOBAL so the dynamic linker binds them
// at first call. The binary therefore has no link-time CUDA dependency
// and still runs, with the sim backend, on hosts without a driver.
package cudart

import (
	"unsafe"
)

/*
#cgo LDFLAGS: -Wl,--unresolved-symbols=ignore-in-object-files

#include <stddef.h>

typedef int cudaError_t;
typedef struct CUstream_st* cudaStream_t;
typedef struct CUevent_st* cudaEvent_t;
typedef int CUresult;
typedef unsigned long long CUdeviceptr;

extern cudaError_t cudaGetDeviceCount(int *count);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaDeviceGetAttribute(int *value, int attr, int device);
extern cudaError_t cudaDeviceGetPCIBusId(char *pciBusId, int len, int device);
extern cudaError_t cudaDeviceCanAccessPeer(int *canAccessPeer, int device, int peerDevice);
extern cudaError_t cudaDeviceEnablePeerAccess(int peerDevice, unsigned int flags);
extern cudaError_t cudaDeviceDisablePeerAccess(int peerDevice);
extern cudaError_t cudaMalloc(void **devPtr, size_t size);
extern cudaError_t cudaFree(void *devPtr);
extern cudaError_t cudaMemcpyPeerAsync(void *dst, int dstDevice, const void *src, int srcDevice, size_t count, cudaStream_t stream);
extern cudaError_t cudaStreamCreateWithFlags(cudaStream_t *pStream, unsigned int flags);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaStreamSynchronize(cudaStream_t stream);
extern cudaError_t cudaStreamWaitEvent(cudaStream_t stream, cudaEvent_t event, unsigned int flags);
extern cudaError_t cudaEventCreate(cudaEvent_t *event);
extern cudaError_t cudaEventDestroy(cudaEvent_t event);
extern cudaError_t cudaEventRecord(cudaEvent_t event, cudaStream_t stream);
extern cudaError_t cudaEventElapsedTime(float *ms, cudaEvent_t start, cudaEvent_t end);
extern cudaError_t cudaHostAlloc(void **pHost, size_t size, unsigned int flags);
extern cudaError_t cudaFreeHost(void *ptr);
extern cudaError_t cudaHostGetDevicePointer(void **pDevice, void *pHost, unsigned int flags);
extern const char* cudaGetErrorString(cudaError_t error);

extern CUresult cuStreamWaitValue32(cudaStream_t stream, CUdeviceptr addr, unsigned int value, unsigned int flags);
*/
import "C"

type cudaStream = C.cudaStream_t
type cudaEvent = C.cudaEvent_t

// cudaGetDeviceCount function as declared in cuda_runtime_api.h
func cudaGetDeviceCount(count *int32) Result {
	cCount := (*C.int)(unsafe.Pointer(count))
	_ret := C.cudaGetDeviceCount(cCount)

	return Result(_ret)
}

// cudaSetDevice function as declared in cuda_runtime_api.h
func cudaSetDevice(device int32) Result {
	_ret := C.cudaSetDevice(C.int(device))

	return Result(_ret)
}

// cudaDeviceGetAttribute function as declared in cuda_runtime_api.h
func cudaDeviceGetAttribute(value *int32, attr DeviceAttribute, device int32) Result {
	cValue := (*C.int)(unsafe.Pointer(value))
	_ret := C.cudaDeviceGetAttribute(cValue, C.int(attr), C.int(device))

	return Result(_ret)
}

// cudaDeviceGetPCIBusId function as declared in cuda_runtime_api.h
func cudaDeviceGetPCIBusId(pciBusId *byte, len int32, device int32) Result {
	cBuf := (*C.char)(unsafe.Pointer(pciBusId))
	_ret := C.cudaDeviceGetPCIBusId(cBuf, C.int(len), C.int(device))

	return Result(_ret)
}

// cudaDeviceCanAccessPeer function as declared in cuda_runtime_api.h
func cudaDeviceCanAccessPeer(canAccessPeer *int32, device, peerDevice int32) Result {
	cOk := (*C.int)(unsafe.Pointer(canAccessPeer))
	_ret := C.cudaDeviceCanAccessPeer(cOk, C.int(device), C.int(peerDevice))

	return Result(_ret)
}

// cudaDeviceEnablePeerAccess function as declared in cuda_runtime_api.h
func cudaDeviceEnablePeerAccess(peerDevice int32, flags uint32) Result {
	_ret := C.cudaDeviceEnablePeerAccess(C.int(peerDevice), C.uint(flags))

	return Result(_ret)
}

// cudaDeviceDisablePeerAccess function as declared in cuda_runtime_api.h
func cudaDeviceDisablePeerAccess(peerDevice int32) Result {
	_ret := C.cudaDeviceDisablePeerAccess(C.int(peerDevice))

	return Result(_ret)
}

// cudaMalloc function as declared in cuda_runtime_api.h
func cudaMalloc(devPtr *unsafe.Pointer, size int64) Result {
	_ret := C.cudaMalloc(devPtr, C.size_t(size))

	return Result(_ret)
}

// cudaFree function as declared in cuda_runtime_api.h
func cudaFree(devPtr unsafe.Pointer) Result {
	_ret := C.cudaFree(devPtr)

	return Result(_ret)
}

// cudaMemcpyPeerAsync function as declared in cuda_runtime_api.h
func cudaMemcpyPeerAsync(dst unsafe.Pointer, dstDevice int32, src unsafe.Pointer, srcDevice int32, count int64, stream cudaStream) Result {
	_ret := C.cudaMemcpyPeerAsync(dst, C.int(dstDevice), src, C.int(srcDevice), C.size_t(count), stream)

	return Result(_ret)
}

// cudaStreamCreateWithFlags function as declared in cuda_runtime_api.h
func cudaStreamCreateWithFlags(pStream *cudaStream, flags uint32) Result {
	_ret := C.cudaStreamCreateWithFlags(pStream, C.uint(flags))

	return Result(_ret)
}

// cudaStreamDestroy function as declared in cuda_runtime_api.h
func cudaStreamDestroy(stream cudaStream) Result {
	_ret := C.cudaStreamDestroy(stream)

	return Result(_ret)
}

// cudaStreamSynchronize function as declared in cuda_runtime_api.h
func cudaStreamSynchronize(stream cudaStream) Result {
	_ret := C.cudaStreamSynchronize(stream)

	return Result(_ret)
}

// cudaStreamWaitEvent function as declared in cuda_runtime_api.h
func cudaStreamWaitEvent(stream cudaStream, event cudaEvent, flags uint32) Result {
	_ret := C.cudaStreamWaitEvent(stream, event, C.uint(flags))

	return Result(_ret)
}

// cudaEventCreate function as declared in cuda_runtime_api.h
func cudaEventCreate(event *cudaEvent) Result {
	_ret := C.cudaEventCreate(event)

	return Result(_ret)
}

// cudaEventDestroy function as declared in cuda_runtime_api.h
func cudaEventDestroy(event cudaEvent) Result {
	_ret := C.cudaEventDestroy(event)

	return Result(_ret)
}

// cudaEventRecord function as declared in cuda_runtime_api.h
func cudaEventRecord(event cudaEvent, stream cudaStream) Result {
	_ret := C.cudaEventRecord(event, stream)

	return Result(_ret)
}

// cudaEventElapsedTime function as declared in cuda_runtime_api.h
func cudaEventElapsedTime(ms *float32, start, end cudaEvent) Result {
	cMs := (*C.float)(unsafe.Pointer(ms))
	_ret := C.cudaEventElapsedTime(cMs, start, end)

	return Result(_ret)
}

// cudaHostAlloc function as declared in cuda_runtime_api.h
func cudaHostAlloc(pHost *unsafe.Pointer, size int64, flags uint32) Result {
	_ret := C.cudaHostAlloc(pHost, C.size_t(size), C.uint(flags))

	return Result(_ret)
}

// cudaFreeHost function as declared in cuda_runtime_api.h
func cudaFreeHost(ptr unsafe.Pointer) Result {
	_ret := C.cudaFreeHost(ptr)

	return Result(_ret)
}

// cudaHostGetDevicePointer function as declared in cuda_runtime_api.h
func cudaHostGetDevicePointer(pDevice *unsafe.Pointer, pHost unsafe.Pointer, flags uint32) Result {
	_ret := C.cudaHostGetDevicePointer(pDevice, pHost, C.uint(flags))

	return Result(_ret)
}

// cudaGetErrorString function as declared in cuda_runtime_api.h
func cudaGetErrorString(err Result) string {
	_ret := C.cudaGetErrorString(C.cudaError_t(err))

	return C.GoString(_ret)
}

// cuStreamWaitValue32 function as declared in cuda.h
func cuStreamWaitValue32(stream cudaStream, addr unsafe.Pointer, value uint32, flags uint32) Result {
	_ret := C.cuStreamWaitValue32(stream, C.CUdeviceptr(uintptr(addr)), C.uint(value), C.uint(flags))

	return Result(_ret)
}
