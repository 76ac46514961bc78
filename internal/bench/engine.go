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

// Package bench implements the peer-to-peer measurement engine: the
// topology prober, the peer-access state machine, and the synchronized
// transfer driver behind the four measurement modes.
//
// The timing protocol is the same in every mode. The source stream is
// quiesced, a barrier wait is enqueued so the stream cannot advance,
// the timed work is enqueued between a start and a stop event, and only
// then is the barrier opened from the host. The start event therefore
// fires when the transfers actually begin executing, not when the host
// happened to enqueue them, which keeps dispatch overhead out of the
// measured interval.
package bench

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/NVIDIA/gpu-p2p-bench/internal/hal"
)

// Policy selects the direction of the source-initiated transfer for
// off-diagonal cells: Write pushes data from the source device to its
// peer, Read pulls the peer's data into the source device. Diagonal
// cells are a local copy either way.
type Policy int

const (
	PolicyWrite Policy = iota
	PolicyRead
)

func (p Policy) String() string {
	switch p {
	case PolicyWrite:
		return "Write"
	case PolicyRead:
		return "Read"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

const (
	// barrierTimeout bounds the device-side barrier spin. It exists so a
	// lost host-side release degrades one measurement instead of hanging
	// the stream forever; it is not part of the timing protocol.
	barrierTimeout = 10 * time.Second

	// defaultBufferBytes is the bandwidth transfer size: 10M 4-byte
	// elements per copy.
	defaultBufferBytes = int64(10 * 1024 * 1024 * 4)

	// latencyBufferBytes keeps latency transfers to a single byte so the
	// measured interval is all per-operation cost.
	latencyBufferBytes = int64(1)

	defaultRepeat        = 100
	defaultLatencyRepeat = 100
)

// Engine runs measurement sweeps over every device pair of a runtime.
// It is single-threaded: one cell's protocol completes, including the
// post-cell drain, before the next begins.
type Engine struct {
	rt     hal.Runtime
	n      int
	caps   [][]bool
	access *AccessController

	repeat    int
	latRepeat int
	bufBytes  int64
	now       func() time.Time
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithRepeat sets the copy repetitions per bandwidth cell.
func WithRepeat(r int) Option {
	return func(e *Engine) { e.repeat = r }
}

// WithLatencyRepeat sets the copy repetitions per latency cell.
func WithLatencyRepeat(r int) Option {
	return func(e *Engine) { e.latRepeat = r }
}

// WithBufferBytes sets the bandwidth transfer buffer size.
func WithBufferBytes(n int64) Option {
	return func(e *Engine) { e.bufBytes = n }
}

// WithTimeSource replaces the host wall clock used by the latency mode.
func WithTimeSource(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New probes the runtime's topology and returns an engine over it.
func New(rt hal.Runtime, opts ...Option) (*Engine, error) {
	caps, err := ProbeTopology(rt)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		rt:        rt,
		n:         len(caps),
		caps:      caps,
		access:    NewAccessController(rt, caps),
		repeat:    defaultRepeat,
		latRepeat: defaultLatencyRepeat,
		bufBytes:  defaultBufferBytes,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.repeat < 1 || e.latRepeat < 1 {
		return nil, fmt.Errorf("repeat counts must be positive")
	}
	if e.bufBytes < 1 {
		return nil, fmt.Errorf("buffer size must be positive")
	}
	return e, nil
}

// DeviceCount returns the number of devices the engine measures.
func (e *Engine) DeviceCount() int {
	return e.n
}

// Capabilities returns the probed peer-access capability matrix.
func (e *Engine) Capabilities() [][]bool {
	return e.caps
}

// sweep holds the resources shared by every cell of one measurement
// sweep: one primary and one scratch buffer per device, one stream per
// device (plus an inbound stream per device for the bidirectional
// mode), three events per device, and the single barrier flag.
type sweep struct {
	bufs    []hal.Buffer
	scratch []hal.Buffer
	streams []hal.Stream
	inbound []hal.Stream
	start   []hal.Event
	stopSrc []hal.Event
	stopDst []hal.Event
	flag    hal.Flag
}

func (e *Engine) allocSweep(bufBytes int64, bidirectional bool) (*sweep, error) {
	s := &sweep{}
	ok := false
	defer func() {
		if !ok {
			s.release()
		}
	}()

	for dev := 0; dev < e.n; dev++ {
		buf, err := e.rt.AllocBuffer(dev, bufBytes)
		if err != nil {
			return nil, fmt.Errorf("allocate %d-byte buffer on device %d: %w", bufBytes, dev, err)
		}
		s.bufs = append(s.bufs, buf)

		scr, err := e.rt.AllocBuffer(dev, bufBytes)
		if err != nil {
			return nil, fmt.Errorf("allocate %d-byte scratch buffer on device %d: %w", bufBytes, dev, err)
		}
		s.scratch = append(s.scratch, scr)

		stream, err := e.rt.NewStream(dev)
		if err != nil {
			return nil, fmt.Errorf("create stream on device %d: %w", dev, err)
		}
		s.streams = append(s.streams, stream)

		if bidirectional {
			in, err := e.rt.NewStream(dev)
			if err != nil {
				return nil, fmt.Errorf("create inbound stream on device %d: %w", dev, err)
			}
			s.inbound = append(s.inbound, in)
		}

		for _, events := range []*[]hal.Event{&s.start, &s.stopSrc, &s.stopDst} {
			ev, err := e.rt.NewEvent(dev)
			if err != nil {
				return nil, fmt.Errorf("create event on device %d: %w", dev, err)
			}
			*events = append(*events, ev)
		}
	}

	flag, err := e.rt.AllocFlag()
	if err != nil {
		return nil, fmt.Errorf("allocate barrier flag: %w", err)
	}
	s.flag = flag

	ok = true
	return s, nil
}

// release frees every sweep resource. Free failures are logged rather
// than returned; by the time release runs the measurement outcome is
// already decided.
func (s *sweep) release() {
	for _, buf := range s.bufs {
		if err := buf.Free(); err != nil {
			klog.Errorf("Failed to free buffer on device %d: %v", buf.Device(), err)
		}
	}
	for _, buf := range s.scratch {
		if err := buf.Free(); err != nil {
			klog.Errorf("Failed to free scratch buffer on device %d: %v", buf.Device(), err)
		}
	}
	for _, st := range s.streams {
		if err := st.Free(); err != nil {
			klog.Errorf("Failed to destroy stream on device %d: %v", st.Device(), err)
		}
	}
	for _, st := range s.inbound {
		if err := st.Free(); err != nil {
			klog.Errorf("Failed to destroy inbound stream on device %d: %v", st.Device(), err)
		}
	}
	for _, events := range [][]hal.Event{s.start, s.stopSrc, s.stopDst} {
		for _, ev := range events {
			if err := ev.Free(); err != nil {
				klog.Errorf("Failed to destroy event: %v", err)
			}
		}
	}
	if s.flag != nil {
		if err := s.flag.Free(); err != nil {
			klog.Errorf("Failed to free barrier flag: %v", err)
		}
	}
}

// cellBuffers picks the transfer endpoints for cell (i, j). The copy is
// always issued on device i's stream; the policy decides whether it
// pushes into j's buffer or pulls from it. The diagonal uses the local
// scratch buffer so source and destination stay distinct.
func (s *sweep) cellBuffers(i, j int, policy Policy) (dst, src hal.Buffer) {
	if i == j {
		return s.scratch[i], s.bufs[i]
	}
	if policy == PolicyRead {
		return s.bufs[i], s.bufs[j]
	}
	return s.bufs[j], s.bufs[i]
}

// uniCell runs the synchronized protocol for one unidirectional cell
// and returns the bandwidth in GB/s.
func (e *Engine) uniCell(s *sweep, i, j int, policy Policy) (float64, error) {
	stream := s.streams[i]

	if err := stream.Synchronize(); err != nil {
		return 0, fmt.Errorf("quiesce stream on device %d: %w", i, err)
	}
	if err := s.flag.Set(0); err != nil {
		return 0, fmt.Errorf("close barrier flag: %w", err)
	}
	if err := stream.WaitFlag(s.flag, barrierTimeout); err != nil {
		return 0, fmt.Errorf("enqueue barrier wait on device %d: %w", i, err)
	}
	if err := stream.Record(s.start[i]); err != nil {
		return 0, fmt.Errorf("record start event on device %d: %w", i, err)
	}

	dst, src := s.cellBuffers(i, j, policy)
	n := src.Size()
	for r := 0; r < e.repeat; r++ {
		if err := stream.CopyAsync(dst, src, n); err != nil {
			return 0, fmt.Errorf("enqueue copy %d->%d: %w", src.Device(), dst.Device(), err)
		}
	}

	if err := stream.Record(s.stopSrc[i]); err != nil {
		return 0, fmt.Errorf("record stop event on device %d: %w", i, err)
	}
	if err := s.flag.Set(1); err != nil {
		return 0, fmt.Errorf("open barrier flag: %w", err)
	}
	if err := stream.Synchronize(); err != nil {
		return 0, fmt.Errorf("drain stream on device %d: %w", i, err)
	}

	elapsed, err := s.stopSrc[i].ElapsedSince(s.start[i])
	if err != nil {
		return 0, fmt.Errorf("read elapsed time for cell (%d,%d): %w", i, j, err)
	}

	bytes := float64(n) * float64(e.repeat)
	if i == j {
		// A local copy moves each element twice: one read, one write.
		bytes *= 2
	}
	return bytes / elapsed.Seconds() / 1e9, nil
}

// bidirCell runs the protocol with both directions in flight and
// returns the aggregate bandwidth in GB/s.
//
// Only the outbound stream carries the barrier and the start event; the
// inbound stream is chained onto the start event so one barrier release
// bounds both directions. The stop sequence is inverted: the inbound
// side records its stop, the outbound stream waits on it, then records
// its own, so the measured interval spans the slower direction.
func (e *Engine) bidirCell(s *sweep, i, j int) (float64, error) {
	out := s.streams[i]
	in := s.inbound[j]

	if err := out.Synchronize(); err != nil {
		return 0, fmt.Errorf("quiesce outbound stream on device %d: %w", i, err)
	}
	if err := in.Synchronize(); err != nil {
		return 0, fmt.Errorf("quiesce inbound stream on device %d: %w", j, err)
	}
	if err := s.flag.Set(0); err != nil {
		return 0, fmt.Errorf("close barrier flag: %w", err)
	}
	if err := out.WaitFlag(s.flag, barrierTimeout); err != nil {
		return 0, fmt.Errorf("enqueue barrier wait on device %d: %w", i, err)
	}
	if err := out.Record(s.start[i]); err != nil {
		return 0, fmt.Errorf("record start event on device %d: %w", i, err)
	}
	if err := in.WaitEvent(s.start[i]); err != nil {
		return 0, fmt.Errorf("chain inbound stream on device %d to start event: %w", j, err)
	}

	n := s.bufs[i].Size()
	for r := 0; r < e.repeat; r++ {
		if err := out.CopyAsync(s.scratch[j], s.bufs[i], n); err != nil {
			return 0, fmt.Errorf("enqueue outbound copy %d->%d: %w", i, j, err)
		}
	}
	for r := 0; r < e.repeat; r++ {
		if err := in.CopyAsync(s.scratch[i], s.bufs[j], n); err != nil {
			return 0, fmt.Errorf("enqueue inbound copy %d->%d: %w", j, i, err)
		}
	}

	if err := in.Record(s.stopDst[j]); err != nil {
		return 0, fmt.Errorf("record inbound stop event on device %d: %w", j, err)
	}
	if err := out.WaitEvent(s.stopDst[j]); err != nil {
		return 0, fmt.Errorf("chain outbound stream on device %d to inbound stop: %w", i, err)
	}
	if err := out.Record(s.stopSrc[i]); err != nil {
		return 0, fmt.Errorf("record outbound stop event on device %d: %w", i, err)
	}

	if err := s.flag.Set(1); err != nil {
		return 0, fmt.Errorf("open barrier flag: %w", err)
	}
	if err := out.Synchronize(); err != nil {
		return 0, fmt.Errorf("drain outbound stream on device %d: %w", i, err)
	}
	if err := in.Synchronize(); err != nil {
		return 0, fmt.Errorf("drain inbound stream on device %d: %w", j, err)
	}

	elapsed, err := s.stopSrc[i].ElapsedSince(s.start[i])
	if err != nil {
		return 0, fmt.Errorf("read elapsed time for cell (%d,%d): %w", i, j, err)
	}

	bytes := 2 * float64(n) * float64(e.repeat)
	if i == j {
		bytes *= 2
	}
	return bytes / elapsed.Seconds() / 1e9, nil
}

// latencyCell runs the protocol with single-byte transfers and returns
// microseconds per operation measured two ways: on the device clock
// between the start/stop events, and on the host clock around the
// enqueue loop alone.
func (e *Engine) latencyCell(s *sweep, i, j int, policy Policy) (gpuUs, cpuUs float64, err error) {
	stream := s.streams[i]

	if err := stream.Synchronize(); err != nil {
		return 0, 0, fmt.Errorf("quiesce stream on device %d: %w", i, err)
	}
	if err := s.flag.Set(0); err != nil {
		return 0, 0, fmt.Errorf("close barrier flag: %w", err)
	}
	if err := stream.WaitFlag(s.flag, barrierTimeout); err != nil {
		return 0, 0, fmt.Errorf("enqueue barrier wait on device %d: %w", i, err)
	}
	if err := stream.Record(s.start[i]); err != nil {
		return 0, 0, fmt.Errorf("record start event on device %d: %w", i, err)
	}

	dst, src := s.cellBuffers(i, j, policy)
	hostStart := e.now()
	for r := 0; r < e.latRepeat; r++ {
		if err := stream.CopyAsync(dst, src, latencyBufferBytes); err != nil {
			return 0, 0, fmt.Errorf("enqueue copy %d->%d: %w", src.Device(), dst.Device(), err)
		}
	}
	hostElapsed := e.now().Sub(hostStart)

	if err := stream.Record(s.stopSrc[i]); err != nil {
		return 0, 0, fmt.Errorf("record stop event on device %d: %w", i, err)
	}
	if err := s.flag.Set(1); err != nil {
		return 0, 0, fmt.Errorf("open barrier flag: %w", err)
	}
	if err := stream.Synchronize(); err != nil {
		return 0, 0, fmt.Errorf("drain stream on device %d: %w", i, err)
	}

	elapsed, err := s.stopSrc[i].ElapsedSince(s.start[i])
	if err != nil {
		return 0, 0, fmt.Errorf("read elapsed time for cell (%d,%d): %w", i, j, err)
	}

	reps := float64(e.latRepeat)
	gpuUs = elapsed.Seconds() * 1e6 / reps
	cpuUs = hostElapsed.Seconds() * 1e6 / reps
	return gpuUs, cpuUs, nil
}

// sweepGrid walks the device grid row-major, brackets each off-diagonal
// cell with a peer-access enable/disable when requested and capable,
// and invokes the per-cell measurement. The first failure stops the
// sweep; nothing from a failed sweep is reported.
func (e *Engine) sweepGrid(p2p bool, cell func(i, j int) error) error {
	for i := 0; i < e.n; i++ {
		for j := 0; j < e.n; j++ {
			paired := p2p && e.access.Pairable(i, j)
			if paired {
				if err := e.access.Enable(i, j); err != nil {
					return err
				}
			}

			err := cell(i, j)

			if paired {
				if derr := e.access.Disable(i, j); derr != nil && err == nil {
					err = derr
				}
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// MeasureUnidirectional sweeps the grid with one copy direction per
// cell and returns bandwidth in GB/s.
func (e *Engine) MeasureUnidirectional(p2p bool, policy Policy) (*Matrix, error) {
	klog.V(1).Infof("Measuring unidirectional bandwidth (p2p=%v, policy=%v)", p2p, policy)

	s, err := e.allocSweep(e.bufBytes, false)
	if err != nil {
		return nil, err
	}
	defer s.release()

	m := NewMatrix(e.n)
	err = e.sweepGrid(p2p, func(i, j int) error {
		bw, err := e.uniCell(s, i, j, policy)
		if err != nil {
			return err
		}
		m.Set(i, j, bw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MeasureBidirectional sweeps the grid with both copy directions in
// flight per cell and returns aggregate bandwidth in GB/s.
func (e *Engine) MeasureBidirectional(p2p bool) (*Matrix, error) {
	klog.V(1).Infof("Measuring bidirectional bandwidth (p2p=%v)", p2p)

	s, err := e.allocSweep(e.bufBytes, true)
	if err != nil {
		return nil, err
	}
	defer s.release()

	m := NewMatrix(e.n)
	err = e.sweepGrid(p2p, func(i, j int) error {
		bw, err := e.bidirCell(s, i, j)
		if err != nil {
			return err
		}
		m.Set(i, j, bw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MeasureLatency sweeps the grid with single-byte transfers and returns
// two matrices of microseconds per operation: device-clock measured and
// host-clock measured (enqueue dispatch included).
func (e *Engine) MeasureLatency(p2p bool, policy Policy) (gpu, cpu *Matrix, err error) {
	klog.V(1).Infof("Measuring latency (p2p=%v, policy=%v)", p2p, policy)

	s, err := e.allocSweep(latencyBufferBytes, false)
	if err != nil {
		return nil, nil, err
	}
	defer s.release()

	gpu = NewMatrix(e.n)
	cpu = NewMatrix(e.n)
	err = e.sweepGrid(p2p, func(i, j int) error {
		gpuUs, cpuUs, err := e.latencyCell(s, i, j, policy)
		if err != nil {
			return err
		}
		gpu.Set(i, j, gpuUs)
		cpu.Set(i, j, cpuUs)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return gpu, cpu, nil
}
