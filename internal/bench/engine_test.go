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

package bench

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/gpu-p2p-bench/internal/hal/sim"
)

// testConfig models a machine where every transfer cost is dominated by
// the configured link rate, so measured bandwidth converges to the
// configured numbers.
func testConfig(n int) sim.Config {
	return sim.Config{
		DeviceCount:        n,
		P2PBandwidthGBs:    24,
		StagedBandwidthGBs: 8,
		LocalBandwidthGBs:  300,
		OpLatencyUs:        0.001,
		EnqueueCostUs:      4,
	}
}

func newTestEngine(t *testing.T, cfg sim.Config, opts ...Option) (*Engine, *sim.Runtime) {
	t.Helper()

	rt, err := sim.New(cfg)
	require.NoError(t, err)

	opts = append(opts, WithTimeSource(rt.HostClock))
	engine, err := New(rt, opts...)
	require.NoError(t, err)
	return engine, rt
}

func TestMeasureUnidirectionalDeterministic(t *testing.T) {
	engine, rt := newTestEngine(t, testConfig(2))
	defer func() { require.NoError(t, rt.Close()) }()

	m, err := engine.MeasureUnidirectional(true, PolicyWrite)
	require.NoError(t, err)

	require.Equal(t, 2, m.N())
	require.InEpsilon(t, 24.0, m.At(0, 1), 1e-3)
	require.InEpsilon(t, 24.0, m.At(1, 0), 1e-3)
	// The diagonal is a local copy: one read plus one write per element.
	require.InEpsilon(t, 2*300.0, m.At(0, 0), 1e-2)
	require.InEpsilon(t, 2*300.0, m.At(1, 1), 1e-2)
}

func TestMeasureUnidirectionalStagedPath(t *testing.T) {
	engine, rt := newTestEngine(t, testConfig(2))
	defer func() { require.NoError(t, rt.Close()) }()

	m, err := engine.MeasureUnidirectional(false, PolicyWrite)
	require.NoError(t, err)

	require.InEpsilon(t, 8.0, m.At(0, 1), 1e-3)
	require.InEpsilon(t, 8.0, m.At(1, 0), 1e-3)
}

func TestMatrixShapeAllModes(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		engine, rt := newTestEngine(t, testConfig(n), WithRepeat(3), WithLatencyRepeat(3))

		uni, err := engine.MeasureUnidirectional(true, PolicyWrite)
		require.NoError(t, err)
		require.Equal(t, n, uni.N())

		bi, err := engine.MeasureBidirectional(true)
		require.NoError(t, err)
		require.Equal(t, n, bi.N())

		gpu, cpu, err := engine.MeasureLatency(true, PolicyWrite)
		require.NoError(t, err)
		require.Equal(t, n, gpu.N())
		require.Equal(t, n, cpu.N())

		require.NoError(t, rt.Close())
	}
}

func TestNoCapabilityEnableIsNoOp(t *testing.T) {
	cfg := testConfig(2)
	capable := false
	cfg.PeerCapable = &capable

	engine, rt := newTestEngine(t, cfg)
	defer func() { require.NoError(t, rt.Close()) }()

	off, err := engine.MeasureUnidirectional(false, PolicyWrite)
	require.NoError(t, err)
	on, err := engine.MeasureUnidirectional(true, PolicyWrite)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			require.InDelta(t, off.At(i, j), on.At(i, j), 1e-9,
				"cell (%d,%d) diverged without peer capability", i, j)
		}
	}
}

func TestBidirectionalAtLeastUnidirectional(t *testing.T) {
	engine, rt := newTestEngine(t, testConfig(3))
	defer func() { require.NoError(t, rt.Close()) }()

	for _, p2p := range []bool{false, true} {
		uni, err := engine.MeasureUnidirectional(p2p, PolicyWrite)
		require.NoError(t, err)
		bi, err := engine.MeasureBidirectional(p2p)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				require.GreaterOrEqual(t, bi.At(i, j), uni.At(i, j),
					"bidirectional below unidirectional at (%d,%d) p2p=%v", i, j, p2p)
			}
		}
	}
}

func TestMeasureLatencyBounds(t *testing.T) {
	engine, rt := newTestEngine(t, testConfig(2))
	defer func() { require.NoError(t, rt.Close()) }()

	gpu, cpu, err := engine.MeasureLatency(true, PolicyWrite)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			require.Greater(t, gpu.At(i, j), 0.0)
			require.Greater(t, cpu.At(i, j), 0.0)
			// The host timer brackets the enqueue dispatch as well.
			require.GreaterOrEqual(t, cpu.At(i, j), gpu.At(i, j))
		}
	}
}

// copyGroups splits the trace's copy records into per-cell groups of
// the sweep's repeat count, in grid order.
func copyGroups(t *testing.T, rt *sim.Runtime, repeat int) [][]sim.TraceOp {
	t.Helper()

	var copies []sim.TraceOp
	for _, op := range rt.Trace() {
		if op.Kind == "copy" {
			copies = append(copies, op)
		}
	}
	require.Equal(t, 0, len(copies)%repeat, "copy count %d not a multiple of repeat", len(copies))

	var groups [][]sim.TraceOp
	for len(copies) > 0 {
		groups = append(groups, copies[:repeat])
		copies = copies[repeat:]
	}
	return groups
}

func TestPolicySelectsTransferDirection(t *testing.T) {
	const repeat = 5

	testCases := []struct {
		policy Policy
		// wantSrc returns the expected copy source device for cell (i, j).
		wantSrc func(i, j int) int
	}{
		{policy: PolicyWrite, wantSrc: func(i, j int) int { return i }},
		{policy: PolicyRead, wantSrc: func(i, j int) int { return j }},
	}

	for _, tc := range testCases {
		t.Run(tc.policy.String(), func(t *testing.T) {
			engine, rt := newTestEngine(t, testConfig(2), WithRepeat(repeat))
			defer func() { require.NoError(t, rt.Close()) }()

			_, err := engine.MeasureUnidirectional(true, tc.policy)
			require.NoError(t, err)

			groups := copyGroups(t, rt, repeat)
			require.Len(t, groups, 4)

			cell := 0
			for i := 0; i < 2; i++ {
				for j := 0; j < 2; j++ {
					for _, op := range groups[cell] {
						// Every copy is issued on the source device's stream.
						require.Equal(t, i, op.Device)
						if i == j {
							// Diagonal cells are a local copy under either policy.
							require.Equal(t, i, op.SrcDev)
							require.Equal(t, i, op.DstDev)
							continue
						}
						require.Equal(t, tc.wantSrc(i, j), op.SrcDev)
						require.Equal(t, i+j-tc.wantSrc(i, j), op.DstDev)
					}
					cell++
				}
			}
		})
	}
}

func TestBarrierOrderingInvariant(t *testing.T) {
	const repeat = 4

	engine, rt := newTestEngine(t, testConfig(2), WithRepeat(repeat), WithLatencyRepeat(repeat))
	defer func() { require.NoError(t, rt.Close()) }()

	_, err := engine.MeasureUnidirectional(true, PolicyWrite)
	require.NoError(t, err)
	_, err = engine.MeasureBidirectional(true)
	require.NoError(t, err)
	_, _, err = engine.MeasureLatency(true, PolicyWrite)
	require.NoError(t, err)

	opens := 0
	for _, op := range rt.Trace() {
		switch op.Kind {
		case "copy":
			// The barrier must still be closed whenever a measured copy
			// is enqueued.
			require.Equal(t, uint32(0), op.FlagValue)
		case "flag-open":
			opens++
		}
	}
	// One release per grid cell per sweep.
	require.Equal(t, 3*4, opens)

	// No barrier ever had to fall back to its timeout.
	require.Equal(t, 0, rt.TimeoutCount())
}

func TestEngineOptionValidation(t *testing.T) {
	rt, err := sim.New(testConfig(2))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close()) }()

	_, err = New(rt, WithRepeat(0))
	require.Error(t, err)

	_, err = New(rt, WithBufferBytes(0))
	require.Error(t, err)
}
