package bdf

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// wrms computes the weighted root-mean-square norm of v using weights
// w_i = atol + rtol*|x_i|, per spec's WRMS definition. x supplies the
// weights (typically the current or predicted state); v is the quantity
// being measured (a Newton increment or a local truncation error).
func wrms(v, x *mat.VecDense, atol, rtol float64) float64 {
	n := v.Len()
	sum := 0.0
	for i := 0; i < n; i++ {
		w := atol + rtol*math.Abs(x.AtVec(i))
		r := v.AtVec(i) / w
		sum += r * r
	}
	return math.Sqrt(sum / float64(n))
}
