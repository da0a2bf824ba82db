package dae

import (
	"gonum.org/v1/gonum/mat"

	"github.com/nlsolvers/daecore/sparse"
)

// RHSFunc evaluates f(x, t) into out. out is pre-sized to N by the caller
// (the integrator); RHSFunc must not mutate x and must not retain out or x
// beyond the call.
type RHSFunc func(out *mat.VecDense, x *mat.VecDense, t float64)

// JacobianFunc evaluates J = ∂f/∂x at (x, t) into the supplied sparse
// matrix. The matrix is owned by the caller and already sized N×N;
// JacobianFunc should Insert entries and is not responsible for calling
// Finalize (the integrator does, once, after the callback returns).
type JacobianFunc func(jac *sparse.Matrix, x *mat.VecDense, t float64)

// MassFunc writes the mass matrix M(t) into the supplied sparse matrix.
// Called at most once per step; when Options.MassConstant is set the
// integrator memoizes the result after the first evaluation.
type MassFunc func(mass *sparse.Matrix, t float64)

// ObserverFunc is called exactly once per accepted step, in strictly
// increasing time order, never for a rejected trial. Observers may read x
// but must not mutate it; any state an observer wants to accumulate is the
// observer's own, not the integrator's: the integrator is a pure caller,
// never a keeper of observer state.
type ObserverFunc func(x *mat.VecDense, t float64)

// MassMatrixIdentity returns a MassFunc producing the n×n identity, the
// pure-ODE case.
func MassMatrixIdentity(n int) MassFunc {
	return func(mass *sparse.Matrix, t float64) {
		for i := 0; i < n; i++ {
			mass.Insert(1.0, i, i)
		}
	}
}

// MassMatrixZero returns a MassFunc producing the n×n zero matrix, a
// fully algebraic system. Legal, if unusual: every equation is then a
// constraint g(x,t) = 0 with no differential part.
func MassMatrixZero(n int) MassFunc {
	return func(mass *sparse.Matrix, t float64) {}
}
