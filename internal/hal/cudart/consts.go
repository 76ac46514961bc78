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

// Result represents the cudaError_t return type.
type Result int32

const (
	SUCCESS                           Result = 0
	ERROR_INVALID_VALUE               Result = 1
	ERROR_MEMORY_ALLOCATION           Result = 2
	ERROR_INITIALIZATION_ERROR        Result = 3
	ERROR_NO_DEVICE                   Result = 100
	ERROR_INVALID_DEVICE              Result = 101
	ERROR_PEER_ACCESS_ALREADY_ENABLED Result = 704
	ERROR_PEER_ACCESS_NOT_ENABLED     Result = 705
	ERROR_UNKNOWN                     Result = 999
)

// DeviceAttribute represents the cudaDeviceAttr type.
type DeviceAttribute int32

const (
	PCI_BUS_ID    DeviceAttribute = 33
	PCI_DEVICE_ID DeviceAttribute = 34
	PCI_DOMAIN_ID DeviceAttribute = 50
)

const (
	// streamNonBlocking keeps measurement streams independent of the
	// legacy default stream.
	streamNonBlocking uint32 = 0x01

	// hostAllocPortable | hostAllocMapped gives the barrier flag one
	// host mapping that every device can poll.
	hostAllocPortable uint32 = 0x01
	hostAllocMapped   uint32 = 0x02

	// streamWaitValueGEQ is the CUstreamWaitValue_flags comparison used
	// for the barrier wait.
	streamWaitValueGEQ uint32 = 0x0
)
