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

//go:build !linux || !cgo

package cudart

import (
	"fmt"

	"github.com/NVIDIA/gpu-p2p-bench/internal/hal"
)

// New is unavailable without cgo on linux.
func New() (hal.Runtime, error) {
	return nil, fmt.Errorf("the CUDA backend requires a cgo-enabled linux build; use --backend=sim")
}
