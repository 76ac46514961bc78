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

// Package report renders measurement results for the console. All
// functions are pure formatting over already-computed data.
package report

import (
	"fmt"
	"strings"

	"github.com/NVIDIA/gpu-p2p-bench/internal/bench"
	"github.com/NVIDIA/gpu-p2p-bench/internal/hal"
)

// DefaultCellWidth is the column width used for result matrices.
const DefaultCellWidth = 7

// FormatDeviceList renders one line per device with its display
// properties.
func FormatDeviceList(props []hal.Properties) string {
	var b strings.Builder
	for i, p := range props {
		fmt.Fprintf(&b, "Device: %d, %s, pciBusID: %x, pciDeviceID: %x, pciDomainID: %x\n",
			i, p.Name, p.BusID, p.DeviceID, p.DomainID)
	}
	return b.String()
}

// FormatConnectivity renders the peer capability matrix as 0/1 cells.
// The diagonal prints 1: a device always reaches its own memory, it is
// just not peer access.
func FormatConnectivity(caps [][]bool) string {
	n := len(caps)
	var b strings.Builder

	fmt.Fprintf(&b, "%6s", "D\\D")
	for j := 0; j < n; j++ {
		fmt.Fprintf(&b, "%6d", j)
	}
	b.WriteByte('\n')

	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%6d", i)
		for j := 0; j < n; j++ {
			v := 0
			if i == j || caps[i][j] {
				v = 1
			}
			fmt.Fprintf(&b, "%6d", v)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// FormatMatrix renders a result matrix with right-aligned device-index
// headers and two-decimal cells of the given width.
func FormatMatrix(m *bench.Matrix, width int) string {
	n := m.N()
	var b strings.Builder

	fmt.Fprintf(&b, "%*s", width, "D\\D")
	for j := 0; j < n; j++ {
		fmt.Fprintf(&b, "%*d", width, j)
	}
	b.WriteByte('\n')

	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%*d", width, i)
		for j := 0; j < n; j++ {
			fmt.Fprintf(&b, "%*.2f", width, m.At(i, j))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
