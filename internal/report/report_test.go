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

package report

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/gpu-p2p-bench/internal/bench"
	"github.com/NVIDIA/gpu-p2p-bench/internal/hal"
)

func TestFormatDeviceList(t *testing.T) {
	props := []hal.Properties{
		{Name: "NVIDIA A100-SXM4-40GB", BusID: 0x07, DeviceID: 0x0, DomainID: 0x0},
		{Name: "NVIDIA A100-SXM4-40GB", BusID: 0x0f, DeviceID: 0x0, DomainID: 0x0},
	}

	expected := "Device: 0, NVIDIA A100-SXM4-40GB, pciBusID: 7, pciDeviceID: 0, pciDomainID: 0\n" +
		"Device: 1, NVIDIA A100-SXM4-40GB, pciBusID: f, pciDeviceID: 0, pciDomainID: 0\n"
	require.Equal(t, expected, FormatDeviceList(props))
}

func TestFormatConnectivity(t *testing.T) {
	caps := [][]bool{
		{false, true},
		{false, false},
	}

	expected := "" +
		"   D\\D     0     1\n" +
		"     0     1     1\n" +
		"     1     0     1\n"
	require.Equal(t, expected, FormatConnectivity(caps))
}

func TestFormatMatrix(t *testing.T) {
	m := bench.NewMatrix(2)
	m.Set(0, 0, 354.79)
	m.Set(0, 1, 6.02)
	m.Set(1, 0, 6.03)
	m.Set(1, 1, 354.79)

	expected := "" +
		"    D\\D      0      1\n" +
		"      0 354.79   6.02\n" +
		"      1   6.03 354.79\n"
	require.Equal(t, expected, FormatMatrix(m, 7))
}
