// Package numeric holds small matrix-level sanity checks shared by the
// integrator and the linear-solver adapters: detecting a non-finite
// entry before it propagates into a factorization or a Newton update.
package numeric

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// HasNonFinite reports whether m contains a NaN or infinite entry.
func HasNonFinite(m mat.Matrix) bool {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}
