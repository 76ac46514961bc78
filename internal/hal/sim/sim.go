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

// Package sim is a deterministic hal.Runtime over a modeled machine.
// Streams are virtual timelines: enqueued operations carry fixed costs
// from the Config and execute, in enqueue order with cross-stream event
// dependencies honored, when a Synchronize drains them. Two runs over
// the same config produce identical timings, which is what makes the
// measurement engine testable without hardware.
package sim

import (
	"fmt"
	"time"

	"github.com/NVIDIA/gpu-p2p-bench/internal/hal"
)

// TraceOp is one entry of the runtime's enqueue journal. FlagValue
// snapshots the barrier flag at the moment the operation was enqueued,
// which is what the ordering invariant of the timing protocol is about.
type TraceOp struct {
	Kind      string
	Stream    int
	Device    int
	SrcDev    int
	DstDev    int
	Bytes     int64
	FlagValue uint32
}

// Runtime implements hal.Runtime. It is not safe for concurrent use,
// matching the hal contract.
type Runtime struct {
	cfg  Config
	caps [][]bool
	// linkBW holds per-pair bandwidth overrides in bytes/sec, keyed by
	// unordered pair.
	linkBW map[[2]int]float64

	// enabled holds granted peer-access directions, keyed dev->peer.
	enabled map[[2]int]bool

	streams   []*stream
	flags     []*flagCell
	hostClock time.Duration

	liveBuffers int
	liveStreams int
	liveEvents  int
	liveFlags   int

	timeouts int
	trace    []TraceOp
	nextID   int
	closed   bool
}

var _ hal.Runtime = (*Runtime)(nil)

// New builds a runtime from cfg, filling unset fields with defaults.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	n := cfg.DeviceCount
	caps := make([][]bool, n)
	for i := range caps {
		caps[i] = make([]bool, n)
		for j := range caps[i] {
			if i != j {
				caps[i][j] = *cfg.PeerCapable
			}
		}
	}

	linkBW := make(map[[2]int]float64)
	for _, l := range cfg.Links {
		key := orderedPair(l.A, l.B)
		if l.PeerCapable != nil {
			caps[l.A][l.B] = *l.PeerCapable
			caps[l.B][l.A] = *l.PeerCapable
		}
		if l.BandwidthGBs > 0 {
			linkBW[key] = l.BandwidthGBs * 1e9
		}
	}

	return &Runtime{
		cfg:     cfg,
		caps:    caps,
		linkBW:  linkBW,
		enabled: make(map[[2]int]bool),
	}, nil
}

func orderedPair(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

func (r *Runtime) checkDevice(dev int) error {
	if dev < 0 || dev >= r.cfg.DeviceCount {
		return fmt.Errorf("device %d out of range [0,%d)", dev, r.cfg.DeviceCount)
	}
	return nil
}

// DeviceCount implements hal.Runtime.
func (r *Runtime) DeviceCount() (int, error) {
	return r.cfg.DeviceCount, nil
}

// DeviceProperties implements hal.Runtime.
func (r *Runtime) DeviceProperties(dev int) (hal.Properties, error) {
	if err := r.checkDevice(dev); err != nil {
		return hal.Properties{}, err
	}
	d := r.cfg.Devices[dev]
	return hal.Properties{
		Name:     d.Name,
		BusID:    d.BusID,
		DeviceID: d.DeviceID,
		DomainID: d.DomainID,
	}, nil
}

// CanAccessPeer implements hal.Runtime.
func (r *Runtime) CanAccessPeer(dev, peer int) (bool, error) {
	if err := r.checkDevice(dev); err != nil {
		return false, err
	}
	if err := r.checkDevice(peer); err != nil {
		return false, err
	}
	if dev == peer {
		return false, fmt.Errorf("peer capability is undefined for device %d with itself", dev)
	}
	return r.caps[dev][peer], nil
}

// SetCapability overrides one direction of the capability matrix. It
// exists to shape asymmetric topologies that the symmetric Links config
// cannot express.
func (r *Runtime) SetCapability(dev, peer int, capable bool) {
	r.caps[dev][peer] = capable
}

// EnablePeerAccess implements hal.Runtime.
func (r *Runtime) EnablePeerAccess(dev, peer int) error {
	if err := r.checkDevice(dev); err != nil {
		return err
	}
	if err := r.checkDevice(peer); err != nil {
		return err
	}
	if !r.caps[dev][peer] {
		return fmt.Errorf("device %d cannot access device %d", dev, peer)
	}
	key := [2]int{dev, peer}
	if r.enabled[key] {
		return fmt.Errorf("peer access %d->%d already enabled", dev, peer)
	}
	r.enabled[key] = true
	return nil
}

// DisablePeerAccess implements hal.Runtime.
func (r *Runtime) DisablePeerAccess(dev, peer int) error {
	key := [2]int{dev, peer}
	if !r.enabled[key] {
		return fmt.Errorf("peer access %d->%d not enabled", dev, peer)
	}
	delete(r.enabled, key)
	return nil
}

// AllocBuffer implements hal.Runtime.
func (r *Runtime) AllocBuffer(dev int, size int64) (hal.Buffer, error) {
	if err := r.checkDevice(dev); err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, fmt.Errorf("invalid buffer size %d", size)
	}
	r.liveBuffers++
	return &buffer{rt: r, dev: dev, size: size}, nil
}

// AllocFlag implements hal.Runtime.
func (r *Runtime) AllocFlag() (hal.Flag, error) {
	f := &flagCell{rt: r}
	r.flags = append(r.flags, f)
	r.liveFlags++
	return f, nil
}

// NewStream implements hal.Runtime.
func (r *Runtime) NewStream(dev int) (hal.Stream, error) {
	if err := r.checkDevice(dev); err != nil {
		return nil, err
	}
	st := &stream{rt: r, dev: dev, id: r.nextID}
	r.nextID++
	r.streams = append(r.streams, st)
	r.liveStreams++
	return st, nil
}

// NewEvent implements hal.Runtime.
func (r *Runtime) NewEvent(dev int) (hal.Event, error) {
	if err := r.checkDevice(dev); err != nil {
		return nil, err
	}
	r.liveEvents++
	return &event{rt: r, dev: dev}, nil
}

// Close implements hal.Runtime. It fails if the caller leaked any
// resources, which keeps sweep lifetime bugs visible.
func (r *Runtime) Close() error {
	if r.closed {
		return fmt.Errorf("runtime already closed")
	}
	r.closed = true
	if r.liveBuffers+r.liveStreams+r.liveEvents+r.liveFlags > 0 {
		return fmt.Errorf("leaked resources at close: %d buffers, %d streams, %d events, %d flags",
			r.liveBuffers, r.liveStreams, r.liveEvents, r.liveFlags)
	}
	return nil
}

// HostClock returns the virtual host wall clock. It advances by the
// configured enqueue cost on every async copy submission, so it can
// stand in for time.Now in the engine's host-side latency timer.
func (r *Runtime) HostClock() time.Time {
	return time.Unix(0, 0).Add(r.hostClock)
}

// TimeoutCount reports how many barrier waits expired instead of being
// released by the host.
func (r *Runtime) TimeoutCount() int {
	return r.timeouts
}

// Trace returns the enqueue journal accumulated so far.
func (r *Runtime) Trace() []TraceOp {
	return r.trace
}

// ResetTrace discards the journal.
func (r *Runtime) ResetTrace() {
	r.trace = nil
}

func (r *Runtime) record(op TraceOp) {
	if n := len(r.flags); n > 0 {
		op.FlagValue = r.flags[n-1].val
	}
	r.trace = append(r.trace, op)
}

// pathBandwidth returns the modeled rate in bytes/sec for a copy.
func (r *Runtime) pathBandwidth(src, dst int) float64 {
	if src == dst {
		return r.cfg.LocalBandwidthGBs * 1e9
	}
	if r.enabled[[2]int{src, dst}] || r.enabled[[2]int{dst, src}] {
		if bw, ok := r.linkBW[orderedPair(src, dst)]; ok {
			return bw
		}
		return r.cfg.P2PBandwidthGBs * 1e9
	}
	return r.cfg.StagedBandwidthGBs * 1e9
}

func usToDuration(us float64) time.Duration {
	return time.Duration(us * float64(time.Microsecond))
}

type opKind int

const (
	opWaitFlag opKind = iota
	opCopy
	opRecord
	opWaitEvent
)

type op struct {
	kind opKind

	dst, src *buffer
	n        int64

	flag    *flagCell
	timeout time.Duration

	ev      *event
	waitGen uint64
}

// runnable reports whether the op's dependencies are satisfied.
func (o *op) runnable() bool {
	if o.kind == opWaitEvent && o.waitGen > 0 {
		return o.ev.doneGen >= o.waitGen
	}
	return true
}

// drain executes queued operations across all streams, in order within
// each stream and respecting cross-stream waits, until target is empty.
func (r *Runtime) drain(target *stream) error {
	for len(target.ops) > 0 {
		progress := false
		for _, st := range r.streams {
			for len(st.ops) > 0 && st.ops[0].runnable() {
				r.execute(st, st.ops[0])
				st.ops = st.ops[1:]
				progress = true
			}
		}
		if !progress && len(target.ops) > 0 {
			return fmt.Errorf("stream %d deadlocked on an unsatisfied event dependency", target.id)
		}
	}
	return nil
}

func (r *Runtime) execute(st *stream, o *op) {
	switch o.kind {
	case opWaitFlag:
		if o.flag.val != 0 {
			if o.flag.releasedAt > st.cursor {
				st.cursor = o.flag.releasedAt
			}
			return
		}
		// Host never opened the barrier: the liveness bound lets the
		// stream continue with a corrupted timing window.
		st.cursor += o.timeout
		r.timeouts++
	case opCopy:
		bw := r.pathBandwidth(o.src.dev, o.dst.dev)
		dur := time.Duration(float64(o.n) / bw * float64(time.Second))
		st.cursor += dur + usToDuration(r.cfg.OpLatencyUs)
	case opRecord:
		o.ev.at = st.cursor
		o.ev.doneGen++
	case opWaitEvent:
		if o.waitGen > 0 && o.ev.at > st.cursor {
			st.cursor = o.ev.at
		}
	}
}

type buffer struct {
	rt    *Runtime
	dev   int
	size  int64
	freed bool
}

var _ hal.Buffer = (*buffer)(nil)

func (b *buffer) Device() int { return b.dev }
func (b *buffer) Size() int64 { return b.size }

func (b *buffer) Free() error {
	if b.freed {
		return fmt.Errorf("buffer on device %d already freed", b.dev)
	}
	b.freed = true
	b.rt.liveBuffers--
	return nil
}

type flagCell struct {
	rt         *Runtime
	val        uint32
	releasedAt time.Duration
	freed      bool
}

var _ hal.Flag = (*flagCell)(nil)

func (f *flagCell) Set(v uint32) error {
	if f.freed {
		return fmt.Errorf("barrier flag already freed")
	}
	f.val = v
	if v != 0 {
		f.releasedAt = f.rt.hostClock
	}
	kind := "flag-close"
	if v != 0 {
		kind = "flag-open"
	}
	f.rt.trace = append(f.rt.trace, TraceOp{Kind: kind, Stream: -1, Device: -1, FlagValue: v})
	return nil
}

func (f *flagCell) Free() error {
	if f.freed {
		return fmt.Errorf("barrier flag already freed")
	}
	f.freed = true
	f.rt.liveFlags--
	for i, other := range f.rt.flags {
		if other == f {
			f.rt.flags = append(f.rt.flags[:i], f.rt.flags[i+1:]...)
			break
		}
	}
	return nil
}

type event struct {
	rt  *Runtime
	dev int

	// enqGen counts Record enqueues, doneGen Record executions. A
	// timestamp is readable once they match.
	enqGen  uint64
	doneGen uint64
	at      time.Duration
	freed   bool
}

var _ hal.Event = (*event)(nil)

func (e *event) ElapsedSince(start hal.Event) (time.Duration, error) {
	s, ok := start.(*event)
	if !ok {
		return 0, fmt.Errorf("foreign start event")
	}
	if e.doneGen < e.enqGen || s.doneGen < s.enqGen {
		return 0, fmt.Errorf("event read before its stream position retired")
	}
	if e.enqGen == 0 || s.enqGen == 0 {
		return 0, fmt.Errorf("event was never recorded")
	}
	return e.at - s.at, nil
}

func (e *event) Free() error {
	if e.freed {
		return fmt.Errorf("event already freed")
	}
	e.freed = true
	e.rt.liveEvents--
	return nil
}

type stream struct {
	rt     *Runtime
	dev    int
	id     int
	cursor time.Duration
	ops    []*op
	freed  bool
}

var _ hal.Stream = (*stream)(nil)

func (s *stream) Device() int { return s.dev }

func (s *stream) checkLive() error {
	if s.freed {
		return fmt.Errorf("stream %d already destroyed", s.id)
	}
	return nil
}

func (s *stream) WaitFlag(f hal.Flag, timeout time.Duration) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	cell, ok := f.(*flagCell)
	if !ok {
		return fmt.Errorf("foreign barrier flag")
	}
	if cell.freed {
		return fmt.Errorf("barrier flag already freed")
	}
	s.ops = append(s.ops, &op{kind: opWaitFlag, flag: cell, timeout: timeout})
	s.rt.record(TraceOp{Kind: "wait-flag", Stream: s.id, Device: s.dev})
	return nil
}

func (s *stream) CopyAsync(dst, src hal.Buffer, n int64) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	d, ok := dst.(*buffer)
	if !ok {
		return fmt.Errorf("foreign destination buffer")
	}
	sb, ok := src.(*buffer)
	if !ok {
		return fmt.Errorf("foreign source buffer")
	}
	if d.freed || sb.freed {
		return fmt.Errorf("copy references a freed buffer")
	}
	if n < 1 || n > d.size || n > sb.size {
		return fmt.Errorf("copy of %d bytes does not fit buffers (%d dst, %d src)", n, d.size, sb.size)
	}
	s.ops = append(s.ops, &op{kind: opCopy, dst: d, src: sb, n: n})
	s.rt.record(TraceOp{Kind: "copy", Stream: s.id, Device: s.dev, SrcDev: sb.dev, DstDev: d.dev, Bytes: n})
	s.rt.hostClock += usToDuration(s.rt.cfg.EnqueueCostUs)
	return nil
}

func (s *stream) Record(e hal.Event) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	ev, ok := e.(*event)
	if !ok {
		return fmt.Errorf("foreign event")
	}
	if ev.freed {
		return fmt.Errorf("event already freed")
	}
	ev.enqGen++
	s.ops = append(s.ops, &op{kind: opRecord, ev: ev})
	s.rt.record(TraceOp{Kind: "record", Stream: s.id, Device: s.dev})
	return nil
}

func (s *stream) WaitEvent(e hal.Event) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	ev, ok := e.(*event)
	if !ok {
		return fmt.Errorf("foreign event")
	}
	// Like the hardware queues, waiting on a never-recorded event is a
	// no-op; otherwise the wait binds to the latest record enqueued so
	// far.
	s.ops = append(s.ops, &op{kind: opWaitEvent, ev: ev, waitGen: ev.enqGen})
	s.rt.record(TraceOp{Kind: "wait-event", Stream: s.id, Device: s.dev})
	return nil
}

func (s *stream) Synchronize() error {
	if err := s.checkLive(); err != nil {
		return err
	}
	return s.rt.drain(s)
}

func (s *stream) Free() error {
	if s.freed {
		return fmt.Errorf("stream %d already destroyed", s.id)
	}
	if len(s.ops) > 0 {
		return fmt.Errorf("stream %d destroyed with %d pending operations", s.id, len(s.ops))
	}
	s.freed = true
	s.rt.liveStreams--
	for i, other := range s.rt.streams {
		if other == s {
			s.rt.streams = append(s.rt.streams[:i], s.rt.streams[i+1:]...)
			break
		}
	}
	return nil
}
