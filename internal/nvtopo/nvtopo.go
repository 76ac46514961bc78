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

// Package nvtopo collects a display-only interconnect report through
// NVML: the common-ancestor path between every device pair and NVML's
// view of peer read/write reachability. The measurement engine does not
// depend on it; the probed HAL capability matrix stays authoritative.
package nvtopo

import (
	"fmt"
	"strings"
)

// Pair describes the NVML view of one ordered device pair.
type Pair struct {
	// Level is the common-ancestor tag in nvidia-smi notation: PIX,
	// PXB, PHB, NODE or SYS ("X" on the diagonal).
	Level string

	// ReadOK / WriteOK report NVML's P2P status for the pair.
	ReadOK  bool
	WriteOK bool
}

// Report is the collected topology view.
type Report struct {
	Names []string
	Pairs [][]Pair
}

// Format renders the report: one matrix of ancestor tags and one of
// P2P read/write reachability.
func (r *Report) Format() string {
	n := len(r.Pairs)
	var b strings.Builder

	b.WriteString("Interconnect Topology\n")
	fmt.Fprintf(&b, "%6s", "D\\D")
	for j := 0; j < n; j++ {
		fmt.Fprintf(&b, "%6d", j)
	}
	b.WriteByte('\n')
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%6d", i)
		for j := 0; j < n; j++ {
			fmt.Fprintf(&b, "%6s", r.Pairs[i][j].Level)
		}
		b.WriteByte('\n')
	}

	b.WriteString("NVML P2P Status (read/write)\n")
	fmt.Fprintf(&b, "%6s", "D\\D")
	for j := 0; j < n; j++ {
		fmt.Fprintf(&b, "%6d", j)
	}
	b.WriteByte('\n')
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%6d", i)
		for j := 0; j < n; j++ {
			if i == j {
				fmt.Fprintf(&b, "%6s", "X")
				continue
			}
			cell := marks(r.Pairs[i][j])
			fmt.Fprintf(&b, "%6s", cell)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func marks(p Pair) string {
	read, write := "-", "-"
	if p.ReadOK {
		read = "R"
	}
	if p.WriteOK {
		write = "W"
	}
	return read + write
}
