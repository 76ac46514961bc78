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
)

func TestMatrix(t *testing.T) {
	m := NewMatrix(3)
	require.Equal(t, 3, m.N())

	m.Set(0, 2, 1.5)
	m.Set(2, 0, 2.5)
	require.Equal(t, 1.5, m.At(0, 2))
	require.Equal(t, 2.5, m.At(2, 0))
	require.Equal(t, 0.0, m.At(1, 1))

	require.Panics(t, func() { NewMatrix(0) })
}
