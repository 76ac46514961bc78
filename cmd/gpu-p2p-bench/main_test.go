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

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/gpu-p2p-bench/internal/bench"
	"github.com/NVIDIA/gpu-p2p-bench/internal/hal"
)

func TestValidateOptions(t *testing.T) {
	base := options{
		backend:   backendSim,
		repeat:    100,
		latRepeat: 100,
		bufferMiB: 40,
	}

	testCases := []struct {
		description   string
		mutate        func(*options)
		expectedError bool
	}{
		{
			description: "defaults are valid",
			mutate:      func(o *options) {},
		},
		{
			description: "cuda backend is valid",
			mutate:      func(o *options) { o.backend = backendCUDA },
		},
		{
			description:   "unknown backend",
			mutate:        func(o *options) { o.backend = "vulkan" },
			expectedError: true,
		},
		{
			description:   "zero repeat",
			mutate:        func(o *options) { o.repeat = 0 },
			expectedError: true,
		},
		{
			description:   "negative latency repeat",
			mutate:        func(o *options) { o.latRepeat = -1 },
			expectedError: true,
		},
		{
			description:   "zero buffer size",
			mutate:        func(o *options) { o.bufferMiB = 0 },
			expectedError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			opts := base
			tc.mutate(&opts)
			err := validateOptions(&opts)
			if tc.expectedError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestHelpPerformsNoDeviceWork(t *testing.T) {
	restore := newRuntime
	defer func() { newRuntime = restore }()

	calls := 0
	newRuntime = func(opts *options) (hal.Runtime, []bench.Option, error) {
		calls++
		return restore(opts)
	}

	var out bytes.Buffer
	app := newApp(&options{})
	app.Writer = &out

	require.NoError(t, app.Run([]string{"gpu-p2p-bench", "--help"}))
	require.Contains(t, out.String(), "USAGE")
	require.Contains(t, out.String(), "--p2p_read")
	require.Equal(t, 0, calls, "help must not construct a runtime")
}

func TestRunWithSimBackend(t *testing.T) {
	opts := &options{
		backend:    backendSim,
		simDevices: 2,
		repeat:     3,
		latRepeat:  3,
		bufferMiB:  1,
	}
	require.NoError(t, run(opts))
}
