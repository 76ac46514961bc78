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
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Config describes the simulated machine: its devices, which pairs are
// peer-capable, and the deterministic cost model for transfers.
type Config struct {
	// Devices lists the simulated devices. If empty, DeviceCount
	// generated devices are used instead.
	Devices []DeviceConfig `json:"devices,omitempty"`

	// DeviceCount is the number of generated devices when Devices is
	// empty.
	DeviceCount int `json:"deviceCount,omitempty"`

	// PeerCapable is the default peer capability for every device pair;
	// Links entries override individual pairs.
	PeerCapable *bool `json:"peerCapable,omitempty"`

	// Links overrides capability or bandwidth for specific pairs.
	Links []LinkConfig `json:"links,omitempty"`

	// P2PBandwidthGBs is the per-direction transfer rate between two
	// devices with peer access enabled.
	P2PBandwidthGBs float64 `json:"p2pBandwidthGBs,omitempty"`

	// StagedBandwidthGBs is the per-direction rate between two devices
	// without peer access (host-staged path).
	StagedBandwidthGBs float64 `json:"stagedBandwidthGBs,omitempty"`

	// LocalBandwidthGBs is the rate of a copy within one device.
	LocalBandwidthGBs float64 `json:"localBandwidthGBs,omitempty"`

	// OpLatencyUs is the fixed device-side cost added to every copy.
	OpLatencyUs float64 `json:"opLatencyUs,omitempty"`

	// EnqueueCostUs is the host-side cost of issuing one async copy.
	EnqueueCostUs float64 `json:"enqueueCostUs,omitempty"`
}

// DeviceConfig names one simulated device.
type DeviceConfig struct {
	Name     string `json:"name,omitempty"`
	BusID    uint32 `json:"busID,omitempty"`
	DeviceID uint32 `json:"deviceID,omitempty"`
	DomainID uint32 `json:"domainID,omitempty"`
}

// LinkConfig overrides one unordered device pair.
type LinkConfig struct {
	A            int     `json:"a"`
	B            int     `json:"b"`
	PeerCapable  *bool   `json:"peerCapable,omitempty"`
	BandwidthGBs float64 `json:"bandwidthGBs,omitempty"`
}

// DefaultConfig returns a fully-connected n-device machine with typical
// NVLink-class numbers.
func DefaultConfig(n int) Config {
	return Config{DeviceCount: n}
}

// LoadConfig reads a YAML topology file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read topology file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse topology file %s: %w", path, err)
	}
	return cfg, nil
}

func boolPtr(b bool) *bool { return &b }

// normalize fills unset fields with defaults and validates the result.
func (c *Config) normalize() error {
	if len(c.Devices) == 0 {
		if c.DeviceCount == 0 {
			c.DeviceCount = 2
		}
		for i := 0; i < c.DeviceCount; i++ {
			c.Devices = append(c.Devices, DeviceConfig{})
		}
	}
	c.DeviceCount = len(c.Devices)

	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			d.Name = fmt.Sprintf("Simulated GPU %d", i)
		}
		if d.BusID == 0 {
			d.BusID = uint32(i + 1)
		}
	}

	if c.PeerCapable == nil {
		c.PeerCapable = boolPtr(true)
	}
	if c.P2PBandwidthGBs == 0 {
		c.P2PBandwidthGBs = 24
	}
	if c.StagedBandwidthGBs == 0 {
		c.StagedBandwidthGBs = 8
	}
	if c.LocalBandwidthGBs == 0 {
		c.LocalBandwidthGBs = 300
	}
	if c.OpLatencyUs == 0 {
		c.OpLatencyUs = 1.5
	}
	if c.EnqueueCostUs == 0 {
		c.EnqueueCostUs = 4
	}

	for _, l := range c.Links {
		if l.A < 0 || l.A >= c.DeviceCount || l.B < 0 || l.B >= c.DeviceCount {
			return fmt.Errorf("link %d<->%d references an unknown device", l.A, l.B)
		}
		if l.A == l.B {
			return fmt.Errorf("link %d<->%d must join two distinct devices", l.A, l.B)
		}
	}
	return nil
}
