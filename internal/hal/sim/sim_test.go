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

package sim

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	rt, err := New(Config{})
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	n, err := rt.DeviceCount()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	props, err := rt.DeviceProperties(0)
	require.NoError(t, err)
	require.Equal(t, "Simulated GPU 0", props.Name)
	require.Equal(t, uint32(1), props.BusID)

	capable, err := rt.CanAccessPeer(0, 1)
	require.NoError(t, err)
	require.True(t, capable)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{
		DeviceCount: 2,
		Links:       []LinkConfig{{A: 0, B: 3}},
	})
	require.ErrorContains(t, err, "unknown device")

	_, err = New(Config{
		DeviceCount: 2,
		Links:       []LinkConfig{{A: 1, B: 1}},
	})
	require.ErrorContains(t, err, "distinct devices")
}

func TestLoadConfig(t *testing.T) {
	content := `
devices:
  - name: Test GPU A
    busID: 7
  - name: Test GPU B
    busID: 15
p2pBandwidthGBs: 48
links:
  - a: 0
    b: 1
    peerCapable: false
`
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 2)
	require.Equal(t, "Test GPU A", cfg.Devices[0].Name)
	require.Equal(t, uint32(15), cfg.Devices[1].BusID)
	require.Equal(t, 48.0, cfg.P2PBandwidthGBs)

	rt, err := New(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	capable, err := rt.CanAccessPeer(0, 1)
	require.NoError(t, err)
	require.False(t, capable)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read topology file")
}

func TestPeerAccessDirections(t *testing.T) {
	rt, err := New(DefaultConfig(2))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	require.NoError(t, rt.EnablePeerAccess(0, 1))
	require.ErrorContains(t, rt.EnablePeerAccess(0, 1), "already enabled")

	// Directions are independent grants.
	require.NoError(t, rt.EnablePeerAccess(1, 0))

	require.NoError(t, rt.DisablePeerAccess(0, 1))
	require.ErrorContains(t, rt.DisablePeerAccess(0, 1), "not enabled")
	require.NoError(t, rt.DisablePeerAccess(1, 0))

	require.Error(t, rt.EnablePeerAccess(0, 2), "out of range peer must be rejected")
	require.Error(t, rt.EnablePeerAccess(0, 0))
}

func TestSelfCapabilityQueryFails(t *testing.T) {
	rt, err := New(DefaultConfig(2))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	_, err = rt.CanAccessPeer(1, 1)
	require.Error(t, err)
}

// TestCopyTimingModel checks that a drained copy advances device time by
// exactly bytes/bandwidth plus the fixed per-op latency.
func TestCopyTimingModel(t *testing.T) {
	const bytes = 1_000_000_000

	cfg := Config{
		DeviceCount:     2,
		P2PBandwidthGBs: 10,
		OpLatencyUs:     2,
	}
	rt, err := New(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	require.NoError(t, rt.EnablePeerAccess(0, 1))
	defer func() { require.NoError(t, rt.DisablePeerAccess(0, 1)) }()

	src, err := rt.AllocBuffer(0, bytes)
	require.NoError(t, err)
	defer func() { require.NoError(t, src.Free()) }()
	dst, err := rt.AllocBuffer(1, bytes)
	require.NoError(t, err)
	defer func() { require.NoError(t, dst.Free()) }()

	st, err := rt.NewStream(0)
	require.NoError(t, err)
	start, err := rt.NewEvent(0)
	require.NoError(t, err)
	stop, err := rt.NewEvent(0)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, start.Free())
		require.NoError(t, stop.Free())
		require.NoError(t, st.Free())
	}()

	require.NoError(t, st.Record(start))
	require.NoError(t, st.CopyAsync(dst, src, bytes))
	require.NoError(t, st.Record(stop))
	require.NoError(t, st.Synchronize())

	elapsed, err := stop.ElapsedSince(start)
	require.NoError(t, err)
	require.Equal(t, 100*time.Millisecond+2*time.Microsecond, elapsed)
}

func TestWaitFlagTimeoutFallback(t *testing.T) {
	rt, err := New(DefaultConfig(1))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	flag, err := rt.AllocFlag()
	require.NoError(t, err)
	st, err := rt.NewStream(0)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, st.Free())
		require.NoError(t, flag.Free())
	}()

	// The host never opens the barrier, so draining must take the
	// liveness fallback instead of hanging.
	require.NoError(t, st.WaitFlag(flag, 10*time.Second))
	require.NoError(t, st.Synchronize())
	require.Equal(t, 1, rt.TimeoutCount())
}

func TestEventReadBeforeRetire(t *testing.T) {
	rt, err := New(DefaultConfig(1))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	st, err := rt.NewStream(0)
	require.NoError(t, err)
	start, err := rt.NewEvent(0)
	require.NoError(t, err)
	stop, err := rt.NewEvent(0)
	require.NoError(t, err)

	_, err = stop.ElapsedSince(start)
	require.ErrorContains(t, err, "never recorded")

	require.NoError(t, st.Record(start))
	require.NoError(t, st.Record(stop))
	_, err = stop.ElapsedSince(start)
	require.ErrorContains(t, err, "before its stream position retired")

	require.NoError(t, st.Synchronize())
	elapsed, err := stop.ElapsedSince(start)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), elapsed)

	require.NoError(t, start.Free())
	require.NoError(t, stop.Free())
	require.NoError(t, st.Free())
}

func TestStreamFreeWithPendingOps(t *testing.T) {
	rt, err := New(DefaultConfig(1))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	st, err := rt.NewStream(0)
	require.NoError(t, err)
	ev, err := rt.NewEvent(0)
	require.NoError(t, err)

	require.NoError(t, st.Record(ev))
	require.ErrorContains(t, st.Free(), "pending operations")

	require.NoError(t, st.Synchronize())
	require.NoError(t, st.Free())
	require.Error(t, st.Free(), "double destroy must be rejected")
	require.NoError(t, ev.Free())
}

func TestCopyValidation(t *testing.T) {
	rt, err := New(DefaultConfig(2))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	src, err := rt.AllocBuffer(0, 16)
	require.NoError(t, err)
	dst, err := rt.AllocBuffer(1, 8)
	require.NoError(t, err)
	st, err := rt.NewStream(0)
	require.NoError(t, err)

	require.ErrorContains(t, st.CopyAsync(dst, src, 16), "does not fit")
	require.Error(t, st.CopyAsync(dst, src, 0))

	require.NoError(t, dst.Free())
	require.ErrorContains(t, st.CopyAsync(dst, src, 8), "freed buffer")

	require.NoError(t, src.Free())
	require.NoError(t, st.Free())
}

func TestCloseDetectsLeaks(t *testing.T) {
	rt, err := New(DefaultConfig(1))
	require.NoError(t, err)

	buf, err := rt.AllocBuffer(0, 64)
	require.NoError(t, err)

	require.ErrorContains(t, rt.Close(), "leaked resources")
	require.ErrorContains(t, rt.Close(), "already closed")
	require.NoError(t, buf.Free())
}

func TestHostClockAdvancesOnEnqueue(t *testing.T) {
	cfg := DefaultConfig(1)
	cfg.EnqueueCostUs = 4
	rt, err := New(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	buf, err := rt.AllocBuffer(0, 64)
	require.NoError(t, err)
	st, err := rt.NewStream(0)
	require.NoError(t, err)

	before := rt.HostClock()
	require.NoError(t, st.CopyAsync(buf, buf, 64))
	require.Equal(t, 4*time.Microsecond, rt.HostClock().Sub(before))

	require.NoError(t, st.Synchronize())
	require.NoError(t, st.Free())
	require.NoError(t, buf.Free())
}
