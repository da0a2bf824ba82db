package linsolve

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	dsparse "github.com/nlsolvers/daecore/sparse"
)

// IterativeCG solves A·x = b with the conjugate gradient method, valid
// only when A is symmetric positive definite. Grounded on the gonum
// iterative-solvers proposal surveyed from the pack (CG/BiCGStab over a
// matrix-vector product), adapted here to a plain non-resumable loop over
// gonum's mat.VecDense rather than the proposal's resumable operation
// dispatch, since daecore has no need to suspend a solve mid-iteration.
type IterativeCG struct {
	n       int
	tol     float64
	maxIter int
	a       mat.Matrix
}

// NewIterativeCG returns a CG adapter for an n×n system, iterating at
// most maxIter times to the residual tolerance tol.
func NewIterativeCG(n int, tol float64, maxIter int) *IterativeCG {
	if maxIter <= 0 {
		maxIter = 2 * n
	}
	return &IterativeCG{n: n, tol: tol, maxIter: maxIter}
}

// Symbolic only checks a's dimensions for CG: there is no elimination
// order to precompute.
func (s *IterativeCG) Symbolic(a *dsparse.Matrix) error {
	r, c := a.Dims()
	if r != s.n || c != s.n {
		return &Error{Op: "symbolic", K: KindMemory, Err: errors.New("dimension mismatch")}
	}
	return nil
}

// Numeric retains a's current values for the next Solve.
func (s *IterativeCG) Numeric(a *dsparse.Matrix) error {
	s.a = a.CSR()
	return nil
}

// Solve runs conjugate gradients to the configured tolerance.
func (s *IterativeCG) Solve(x, b *mat.VecDense) error {
	if s.a == nil {
		return &Error{Op: "solve", K: KindSingular, Err: errors.New("solve called without Numeric")}
	}
	n := s.n
	r := mat.NewVecDense(n, nil)
	ax := mat.NewVecDense(n, nil)
	ax.MulVec(s.a, x)
	r.SubVec(b, ax)

	p := mat.NewVecDense(n, nil)
	p.CloneFromVec(r)

	rsOld := mat.Dot(r, r)
	bNorm := math.Sqrt(mat.Dot(b, b))
	if bNorm == 0 {
		bNorm = 1
	}

	ap := mat.NewVecDense(n, nil)
	for iter := 0; iter < s.maxIter; iter++ {
		if math.Sqrt(rsOld)/bNorm < s.tol {
			return nil
		}
		ap.MulVec(s.a, p)
		denom := mat.Dot(p, ap)
		if math.Abs(denom) < 1e-300 {
			return &Error{Op: "solve", K: KindNumericBreakdown, Err: errors.New("cg breakdown: p^T A p ~ 0")}
		}
		alpha := rsOld / denom
		x.AddScaledVec(x, alpha, p)
		r.AddScaledVec(r, -alpha, ap)
		rsNew := mat.Dot(r, r)
		p.AddScaledVec(r, rsNew/rsOld, p)
		rsOld = rsNew
	}
	if math.Sqrt(rsOld)/bNorm < s.tol {
		return nil
	}
	return &Error{Op: "solve", K: KindNumericBreakdown, Err: errors.New("cg did not converge within maxIter")}
}

// IterativeBiCGStab solves A·x = b with bi-conjugate gradient stabilized,
// suitable for general unsymmetric systems. Grounded on the same pack
// proposal as IterativeCG (BiCGStab.Iterate), collapsed to a direct loop.
type IterativeBiCGStab struct {
	n       int
	tol     float64
	maxIter int
	a       mat.Matrix
}

// NewIterativeBiCGStab returns a BiCGStab adapter for an n×n system.
func NewIterativeBiCGStab(n int, tol float64, maxIter int) *IterativeBiCGStab {
	if maxIter <= 0 {
		maxIter = 2 * n
	}
	return &IterativeBiCGStab{n: n, tol: tol, maxIter: maxIter}
}

// Symbolic only checks a's dimensions for BiCGStab.
func (s *IterativeBiCGStab) Symbolic(a *dsparse.Matrix) error {
	r, c := a.Dims()
	if r != s.n || c != s.n {
		return &Error{Op: "symbolic", K: KindMemory, Err: errors.New("dimension mismatch")}
	}
	return nil
}

// Numeric retains a's current values for the next Solve.
func (s *IterativeBiCGStab) Numeric(a *dsparse.Matrix) error {
	s.a = a.CSR()
	return nil
}

// Solve runs BiCGStab to the configured tolerance.
func (s *IterativeBiCGStab) Solve(x, b *mat.VecDense) error {
	if s.a == nil {
		return &Error{Op: "solve", K: KindSingular, Err: errors.New("solve called without Numeric")}
	}
	n := s.n
	const breakdownEps = 1e-300

	r := mat.NewVecDense(n, nil)
	ax := mat.NewVecDense(n, nil)
	ax.MulVec(s.a, x)
	r.SubVec(b, ax)

	rTilde := mat.NewVecDense(n, nil)
	rTilde.CloneFromVec(r)

	bNorm := math.Sqrt(mat.Dot(b, b))
	if bNorm == 0 {
		bNorm = 1
	}

	rho, alpha, omega := 1.0, 1.0, 1.0
	v := mat.NewVecDense(n, nil)
	p := mat.NewVecDense(n, nil)
	s_ := mat.NewVecDense(n, nil)
	t := mat.NewVecDense(n, nil)

	for iter := 0; iter < s.maxIter; iter++ {
		if math.Sqrt(mat.Dot(r, r))/bNorm < s.tol {
			return nil
		}
		rhoNew := mat.Dot(rTilde, r)
		if math.Abs(rhoNew) < breakdownEps {
			return &Error{Op: "solve", K: KindNumericBreakdown, Err: errors.New("bicgstab breakdown: rho ~ 0")}
		}
		if iter == 0 {
			p.CloneFromVec(r)
		} else {
			beta := (rhoNew / rho) * (alpha / omega)
			p.AddScaledVec(p, -omega, v)
			p.ScaleVec(beta, p)
			p.AddVec(p, r)
		}
		v.MulVec(s.a, p)
		denom := mat.Dot(rTilde, v)
		if math.Abs(denom) < breakdownEps {
			return &Error{Op: "solve", K: KindNumericBreakdown, Err: errors.New("bicgstab breakdown: r~^T v ~ 0")}
		}
		alpha = rhoNew / denom
		s_.AddScaledVec(r, -alpha, v)
		if math.Sqrt(mat.Dot(s_, s_))/bNorm < s.tol {
			x.AddScaledVec(x, alpha, p)
			return nil
		}
		t.MulVec(s.a, s_)
		tDotT := mat.Dot(t, t)
		if tDotT < breakdownEps {
			return &Error{Op: "solve", K: KindNumericBreakdown, Err: errors.New("bicgstab breakdown: t^T t ~ 0")}
		}
		omega = mat.Dot(t, s_) / tDotT
		x.AddScaledVec(x, alpha, p)
		x.AddScaledVec(x, omega, s_)
		r.AddScaledVec(s_, -omega, t)
		rho = rhoNew
		if math.Abs(omega) < breakdownEps {
			return &Error{Op: "solve", K: KindNumericBreakdown, Err: errors.New("bicgstab breakdown: omega ~ 0")}
		}
	}
	if math.Sqrt(mat.Dot(r, r))/bNorm < s.tol {
		return nil
	}
	return &Error{Op: "solve", K: KindNumericBreakdown, Err: errors.New("bicgstab did not converge within maxIter")}
}
