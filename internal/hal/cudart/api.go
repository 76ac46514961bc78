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

	"github.com/NVIDIA/go-nvml/pkg/dl"
)

const (
	driverLibraryName = "libcuda.so.1"
	libraryLoadFlags  = dl.RTLD_LAZY | dl.RTLD_GLOBAL
)

// runtimeLibraryNames lists the runtime sonames to try, newest first.
var runtimeLibraryNames = []string{
	"libcudart.so.12",
	"libcudart.so.11.0",
	"libcudart.so",
}

// runtimeSymbols are the entry points the backend calls; load verifies
// each one so a missing symbol fails at startup instead of at first use.
var runtimeSymbols = []string{
	"cudaGetDeviceCount",
	"cudaSetDevice",
	"cudaDeviceGetAttribute",
	"cudaDeviceGetPCIBusId",
	"cudaDeviceCanAccessPeer",
	"cudaDeviceEnablePeerAccess",
	"cudaDeviceDisablePeerAccess",
	"cudaMalloc",
	"cudaFree",
	"cudaMemcpyPeerAsync",
	"cudaStreamCreateWithFlags",
	"cudaStreamDestroy",
	"cudaStreamSynchronize",
	"cudaStreamWaitEvent",
	"cudaEventCreate",
	"cudaEventDestroy",
	"cudaEventRecord",
	"cudaEventElapsedTime",
	"cudaHostAlloc",
	"cudaFreeHost",
	"cudaHostGetDevicePointer",
	"cudaGetErrorString",
}

// cudartLib and cudaLib store references to the loaded dynamic
// libraries.
var cudartLib *dl.DynamicLibrary
var cudaLib *dl.DynamicLibrary

// load opens the CUDA runtime and driver libraries and verifies every
// symbol the backend needs.
func load() error {
	if cudartLib != nil {
		return nil
	}

	var lib *dl.DynamicLibrary
	for _, name := range runtimeLibraryNames {
		candidate := dl.New(name, libraryLoadFlags)
		if err := candidate.Open(); err == nil {
			lib = candidate
			break
		}
	}
	if lib == nil {
		return fmt.Errorf("unable to open any of %v", runtimeLibraryNames)
	}

	for _, symbol := range runtimeSymbols {
		if err := lib.Lookup(symbol); err != nil {
			_ = lib.Close()
			return fmt.Errorf("symbol %s not found: %w", symbol, err)
		}
	}

	driver := dl.New(driverLibraryName, libraryLoadFlags)
	if err := driver.Open(); err != nil {
		_ = lib.Close()
		return fmt.Errorf("unable to open %s: %w", driverLibraryName, err)
	}
	if err := driver.Lookup("cuStreamWaitValue32"); err != nil {
		_ = driver.Close()
		_ = lib.Close()
		return fmt.Errorf("symbol cuStreamWaitValue32 not found: %w", err)
	}

	cudartLib = lib
	cudaLib = driver
	return nil
}

// unload drops the library references. The loaded libraries stay mapped
// if CUDA still holds state; this only releases our handles.
func unload() {
	if cudaLib != nil {
		_ = cudaLib.Close()
		cudaLib = nil
	}
	if cudartLib != nil {
		_ = cudartLib.Close()
		cudartLib = nil
	}
}

// errorFrom wraps a non-SUCCESS Result with the failing call's name.
func errorFrom(op string, r Result) error {
	if r == SUCCESS {
		return nil
	}
	return fmt.Errorf("%s: %s", op, cudaGetErrorString(r))
}
