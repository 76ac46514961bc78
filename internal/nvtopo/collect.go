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

//go:build linux && cgo

package nvtopo

import (
	"fmt"

	"github.com/NVIDIA/go-nvlib/pkg/nvlib/device"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"k8s.io/klog/v2"
)

// Collect queries NVML. An error here leaves the benchmark fully
// functional; the report is informational.
func Collect() (*Report, error) {
	nvmllib := nvml.New()
	if ret := nvmllib.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to initialize NVML: %v", ret)
	}
	defer func() {
		if ret := nvmllib.Shutdown(); ret != nvml.SUCCESS {
			klog.Warningf("Error shutting down NVML: %v", ret)
		}
	}()

	devicelib := device.New(device.WithNvml(nvmllib))

	var names []string
	var devs []device.Device
	err := devicelib.VisitDevices(func(i int, d device.Device) error {
		name, ret := d.GetName()
		if ret != nvml.SUCCESS {
			return fmt.Errorf("failed to get name of device %d: %v", i, ret)
		}
		names = append(names, name)
		devs = append(devs, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate NVML devices: %w", err)
	}

	n := len(devs)
	pairs := make([][]Pair, n)
	for i := 0; i < n; i++ {
		pairs[i] = make([]Pair, n)
		for j := 0; j < n; j++ {
			if i == j {
				pairs[i][j] = Pair{Level: "X"}
				continue
			}

			level, ret := devs[i].GetTopologyCommonAncestor(devs[j])
			if ret != nvml.SUCCESS {
				return nil, fmt.Errorf("failed to get common ancestor of devices %d and %d: %v", i, j, ret)
			}

			read, ret := devs[i].GetP2PStatus(devs[j], nvml.P2P_CAPS_INDEX_READ)
			if ret != nvml.SUCCESS {
				return nil, fmt.Errorf("failed to get P2P read status of devices %d and %d: %v", i, j, ret)
			}
			write, ret := devs[i].GetP2PStatus(devs[j], nvml.P2P_CAPS_INDEX_WRITE)
			if ret != nvml.SUCCESS {
				return nil, fmt.Errorf("failed to get P2P write status of devices %d and %d: %v", i, j, ret)
			}

			pairs[i][j] = Pair{
				Level:   levelString(level),
				ReadOK:  read == nvml.P2P_STATUS_OK,
				WriteOK: write == nvml.P2P_STATUS_OK,
			}
		}
	}

	return &Report{Names: names, Pairs: pairs}, nil
}

func levelString(level nvml.GpuTopologyLevel) string {
	switch level {
	case nvml.TOPOLOGY_INTERNAL:
		return "X"
	case nvml.TOPOLOGY_SINGLE:
		return "PIX"
	case nvml.TOPOLOGY_MULTIPLE:
		return "PXB"
	case nvml.TOPOLOGY_HOSTBRIDGE:
		return "PHB"
	case nvml.TOPOLOGY_NODE:
		return "NODE"
	case nvml.TOPOLOGY_SYSTEM:
		return "SYS"
	}
	return fmt.Sprintf("L%d", int(level))
}
