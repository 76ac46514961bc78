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

// pairKey identifies an unordered device pair, low index first.
type pairKey [2]int

func newPairKey(i, j int) pairKey {
	if i > j {
		i, j = j, i
	}
	return pairKey{i, j}
}

// pairGrant records which directions of a pair were actually enabled.
type pairGrant struct {
	lowToHigh bool
	highToLow bool
}

// AccessController owns the peer-access enable/disable state machine.
// Each unordered pair is either disabled or enabled; Enable and Disable
// are the only transitions and must alternate. Double-enable and
// double-disable are rejected here rather than left to the driver.
//
// Capability can be asymmetric. Enable grants each direction only where
// capability holds and remembers what it granted so Disable tears down
// exactly that.
type AccessController struct {
	rt      hal.Runtime
	caps    [][]bool
	enabled map[pairKey]pairGrant
}

// NewAccessController returns a controller over the capability matrix
// produced by ProbeTopology.
func NewAccessController(rt hal.Runtime, caps [][]bool) *AccessController {
	return &AccessController{
		rt:      rt,
		caps:    caps,
		enabled: make(map[pairKey]pairGrant),
	}
}

// Pairable reports whether Enable(i, j) would grant at least one
// direction.
func (c *AccessController) Pairable(i, j int) bool {
	if i == j {
		return false
	}
	return c.caps[i][j] || c.caps[j][i]
}

// Enable establishes peer access between i and j in every direction the
// topology supports. The pair must currently be disabled.
func (c *AccessController) Enable(i, j int) error {
	if i == j {
		return fmt.Errorf("peer access is undefined for device %d with itself", i)
	}
	key := newPairKey(i, j)
	if _, ok := c.enabled[key]; ok {
		return fmt.Errorf("peer access %d<->%d is already enabled", key[0], key[1])
	}
	if !c.Pairable(i, j) {
		return fmt.Errorf("devices %d and %d have no peer capability", i, j)
	}

	var grant pairGrant
	if c.caps[key[0]][key[1]] {
		if err := c.rt.EnablePeerAccess(key[0], key[1]); err != nil {
			return fmt.Errorf("enable peer access %d->%d: %w", key[0], key[1], err)
		}
		grant.lowToHigh = true
	}
	if c.caps[key[1]][key[0]] {
		if err := c.rt.EnablePeerAccess(key[1], key[0]); err != nil {
			// Roll back the first direction so the pair is not left
			// half-enabled on a fatal path.
			if grant.lowToHigh {
				_ = c.rt.DisablePeerAccess(key[0], key[1])
			}
			return fmt.Errorf("enable peer access %d->%d: %w", key[1], key[0], err)
		}
		grant.highToLow = true
	}

	c.enabled[key] = grant
	return nil
}

// Disable tears down a previously enabled pair. The pair must currently
// be enabled.
func (c *AccessController) Disable(i, j int) error {
	key := newPairKey(i, j)
	grant, ok := c.enabled[key]
	if !ok {
		return fmt.Errorf("peer access %d<->%d is not enabled", key[0], key[1])
	}

	if grant.lowToHigh {
		if err := c.rt.DisablePeerAccess(key[0], key[1]); err != nil {
			return fmt.Errorf("disable peer access %d->%d: %w", key[0], key[1], err)
		}
	}
	if grant.highToLow {
		if err := c.rt.DisablePeerAccess(key[1], key[0]); err != nil {
			return fmt.Errorf("disable peer access %d->%d: %w", key[1], key[0], err)
		}
	}

	delete(c.enabled, key)
	return nil
}
