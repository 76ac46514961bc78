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
	"fmt"

	"github.com/NVIDIA/gpu-p2p-bench/internal/hal"
)

// ProbeTopology queries the peer-access capability of every ordered
// device pair and returns the adjacency matrix. The diagonal is false:
// a device reaching its own memory is not peer access.
//
// Topology is a prerequisite for every later peer-access enable, so any
// query failure is returned as-is and ends the run.
func ProbeTopology(rt hal.Runtime) ([][]bool, error) {
	n, err := rt.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("device count query: %w", err)
	}
	if n < 1 {
		return nil, fmt.Errorf("no devices found")
	}

	caps := make([][]bool, n)
	for i := 0; i < n; i++ {
		caps[i] = make([]bool, n)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			ok, err := rt.CanAccessPeer(i, j)
			if err != nil {
				return nil, fmt.Errorf("peer capability query %d->%d: %w", i, j, err)
			}
			caps[i][j] = ok
		}
	}
	return caps, nil
}
