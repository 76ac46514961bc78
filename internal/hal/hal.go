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

// Package hal defines the accelerator-runtime surface the measurement
// engine is written against. A Runtime owns a fixed set of devices,
// identified by ordinal index, and hands out the primitives the timing
// protocol needs: device buffers, per-device ordered streams, device
// timestamp events, and the host-written barrier flag.
package hal

import "time"

// Properties describes one device for display purposes.
type Properties struct {
	Name     string
	BusID    uint32
	DeviceID uint32
	DomainID uint32
}

// Runtime is the hardware abstraction the engine runs on.
//
// Implementations are not required to be safe for concurrent use; the
// engine drives a Runtime from a single goroutine.
type Runtime interface {
	// DeviceCount returns the number of devices visible to the runtime.
	DeviceCount() (int, error)

	// DeviceProperties returns display metadata for device dev.
	DeviceProperties(dev int) (Properties, error)

	// CanAccessPeer reports whether dev can directly address peer's
	// memory. Defined for dev != peer only.
	CanAccessPeer(dev, peer int) (bool, error)

	// EnablePeerAccess grants dev direct access to peer's memory in the
	// dev->peer direction. Enabling an already-enabled direction is an
	// error, as is enabling a direction without capability.
	EnablePeerAccess(dev, peer int) error

	// DisablePeerAccess revokes a previously enabled dev->peer grant.
	DisablePeerAccess(dev, peer int) error

	// AllocBuffer allocates size bytes of memory owned by device dev.
	AllocBuffer(dev int, size int64) (Buffer, error)

	// AllocFlag allocates the host-written, device-visible barrier cell,
	// initialized to 0.
	AllocFlag() (Flag, error)

	// NewStream creates an ordered, non-blocking command queue on dev.
	NewStream(dev int) (Stream, error)

	// NewEvent creates a timestamp event associated with dev.
	NewEvent(dev int) (Event, error)

	// Close releases runtime-global state. Buffers, streams and events
	// must be freed individually before Close.
	Close() error
}

// Buffer is a region of device memory owned by exactly one device.
type Buffer interface {
	Device() int
	Size() int64
	Free() error
}

// Flag is the barrier cell: one word of host memory visible to every
// device. The host writes it; device-side barrier waits poll it.
type Flag interface {
	// Set writes v from the host. Set(0) closes the barrier, Set(1)
	// opens it.
	Set(v uint32) error
	Free() error
}

// Stream is an ordered per-device queue of asynchronous operations.
// Enqueue calls return once the operation is queued, not once it has
// executed; Synchronize is the only blocking call.
type Stream interface {
	Device() int

	// WaitFlag enqueues a busy-wait that holds the stream until the flag
	// reads nonzero. The timeout is a liveness bound measured on the
	// device clock: if it expires the stream proceeds anyway rather than
	// hanging forever.
	WaitFlag(f Flag, timeout time.Duration) error

	// CopyAsync enqueues a device-to-device copy of n bytes from the
	// start of src to the start of dst. src and dst may live on
	// different devices (peer or host-staged path) or the same device.
	CopyAsync(dst, src Buffer, n int64) error

	// Record enqueues a timestamp capture into e. The timestamp is taken
	// when the stream reaches this point, not when Record returns.
	Record(e Event) error

	// WaitEvent enqueues a dependency: the stream will not advance past
	// this point until e's recorded position has retired.
	WaitEvent(e Event) error

	// Synchronize blocks the host until every operation enqueued so far
	// has completed.
	Synchronize() error

	Free() error
}

// Event is a timestamp marker on a device clock. Elapsed times are only
// meaningful between events recorded on the same stream timeline, read
// after the recording stream has drained.
type Event interface {
	// ElapsedSince returns the device-clock time between start's
	// recorded timestamp and this event's.
	ElapsedSince(start Event) (time.Duration, error)
	Free() error
}
