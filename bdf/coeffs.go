package bdf

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// errorConstant is the standard BDF local-truncation-error coefficient
// C_p for order p (1-indexed; errorConstant[0] is unused). These are the
// textbook values (Gear; Brenan, Campbell & Petzold) relating the (p+1)-th
// divided difference of the solution to the leading truncation-error
// term of the order-p BDF formula.
var errorConstant = [7]float64{
	0,
	0.5,
	2.0 / 9.0,
	3.0 / 22.0,
	12.0 / 125.0,
	10.0 / 137.0,
	20.0 / 343.0,
}

// bdfAlpha computes the order-p BDF coefficients α_0..α_p for the
// corrector Σ α_k x_{n+1-k} = h·f, on the possibly non-uniform stencil
// times[0..p] = [t_{n+1}, t_n, t_{n-1}, ..., t_{n+1-p}]. α_k = h·D_{0k}
// where D is the differentiation matrix of the degree-p Lagrange
// interpolant through the stencil evaluated at t_{n+1} (times[0]):
// D_{0k} = (c_0/c_k)/(τ_0-τ_k) for k>0, D_{00} = -Σ_{k>0} D_{0k}, with
// c_j = Π_{i≠j}(τ_j-τ_i). Recomputed whenever h or p changes, since it
// depends only on the actual timestamps in the stencil.
func bdfAlpha(times []float64) []float64 {
	p := len(times) - 1
	c := make([]float64, p+1)
	for j := 0; j <= p; j++ {
		prod := 1.0
		for i := 0; i <= p; i++ {
			if i == j {
				continue
			}
			prod *= times[j] - times[i]
		}
		c[j] = prod
	}

	alpha := make([]float64, p+1)
	h := times[0] - times[1]
	d00 := 0.0
	for k := 1; k <= p; k++ {
		d0k := (c[0] / c[k]) / (times[0] - times[k])
		alpha[k] = h * d0k
		d00 -= d0k
	}
	alpha[0] = h * d00
	return alpha
}

// dividedDifference computes the vector-valued divided difference
// f[times[0],...,times[k]] of the values xs[0..k] (xs[i] is the state at
// times[i]) via the standard recursive table, returning the top-level
// (order-k) difference.
func dividedDifference(times []float64, xs []*mat.VecDense) *mat.VecDense {
	k := len(times) - 1
	n := xs[0].Len()
	table := make([]*mat.VecDense, k+1)
	for i := range table {
		table[i] = mat.VecDenseCopyOf(xs[i])
	}
	for level := 1; level <= k; level++ {
		for i := k; i >= level; i-- {
			diff := mat.NewVecDense(n, nil)
			diff.SubVec(table[i], table[i-1])
			diff.ScaleVec(1.0/(times[i]-times[i-level]), diff)
			table[i] = diff
		}
	}
	return table[k]
}

// factorial returns k! for small non-negative k.
func factorial(k int) float64 {
	f := 1.0
	for i := 2; i <= k; i++ {
		f *= float64(i)
	}
	return f
}

// localTruncationError estimates the LTE vector for an order-p step that
// just produced xNew at tNew, given up to p+1 prior history points (most
// recent first). It uses the order-(p+1) divided difference across the
// p+2-point stencil {tNew, history...} scaled by the standard BDF error
// constant and h^{p+1}. When fewer history points are given, the
// highest-order divided difference they allow is used in its place.
func localTruncationError(p int, h float64, tNew float64, xNew *mat.VecDense, histT []float64, histX []*mat.VecDense) *mat.VecDense {
	times := make([]float64, 0, p+2)
	xs := make([]*mat.VecDense, 0, p+2)
	times = append(times, tNew)
	xs = append(xs, xNew)
	for i := 0; i < p+1 && i < len(histT); i++ {
		times = append(times, histT[i])
		xs = append(xs, histX[i])
	}
	dd := dividedDifference(times, xs)
	// dd approximates x^{(k)}/k! where k = len(times)-1; recover the
	// derivative estimate and scale by the order-p error constant and
	// h^{p+1}.
	k := len(times) - 1
	scale := errorConstant[p] * factorial(k) * math.Pow(h, float64(p+1))
	dd.ScaleVec(scale, dd)
	return dd
}
