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

import "fmt"

// Matrix is a square device-by-device result grid. Cell (i, j) holds the
// measured value for source device i and destination device j.
type Matrix struct {
	n     int
	cells []float64
}

// NewMatrix returns a zeroed n-by-n matrix.
func NewMatrix(n int) *Matrix {
	if n < 1 {
		panic(fmt.Sprintf("invalid matrix size %d", n))
	}
	return &Matrix{
		n:     n,
		cells: make([]float64, n*n),
	}
}

// N returns the matrix dimension.
func (m *Matrix) N() int {
	return m.n
}

// At returns the value at row i, column j.
func (m *Matrix) At(i, j int) float64 {
	return m.cells[i*m.n+j]
}

// Set stores v at row i, column j.
func (m *Matrix) Set(i, j int, v float64) {
	m.cells[i*m.n+j] = v
}
