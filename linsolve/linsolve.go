// Package linsolve adapts an unsymmetric sparse linear system A·x = b to
// the three-phase (symbolic, numeric, solve) contract the BDF integrator
// expects, per spec §4.4. The adapter is the only place a concrete direct
// solver engine is named; dae/bdf depend only on the Adapter interface.
package linsolve

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	dsparse "github.com/nlsolvers/daecore/sparse"
)

// Kind classifies a linear-solve failure.
type Kind int

const (
	// KindNone indicates no error.
	KindNone Kind = iota
	// KindSingular indicates a zero (or numerically zero) pivot.
	KindSingular
	// KindNumericBreakdown indicates factorization failed for reasons
	// other than exact singularity (e.g. catastrophic growth).
	KindNumericBreakdown
	// KindMemory indicates an allocation failure building the dense or
	// sparse working set.
	KindMemory
)

// Error reports a linear-solve failure with its Kind.
type Error struct {
	Op  string
	K   Kind
	Err error
}

func (e *Error) Error() string {
	return "linsolve: " + e.Op + ": " + e.Err.Error()
}
func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Kind() Kind    { return e.K }

// Adapter is the three-phase contract of spec §4.4. Symbolic analyzes the
// sparsity pattern (invoked once per pattern change); Numeric factors the
// current values (each step, or each Newton iteration when the caller
// chooses not to reuse a factorization); Solve performs back/forward
// substitution for a right-hand side. Implementations are not safe for
// concurrent use by two callers; a bdf.Integrator owns exactly one
// Adapter for its lifetime.
type Adapter interface {
	// Symbolic analyzes the non-zero pattern of a, preparing any
	// ordering the Numeric phase will reuse. Symbolic must be called
	// again whenever the pattern (not just the values) of a changes.
	Symbolic(a *dsparse.Matrix) error
	// Numeric factors the current values of a. a must share the pattern
	// last passed to Symbolic.
	Numeric(a *dsparse.Matrix) error
	// Solve computes x such that a·x = b, using the factorization from
	// the last Numeric call, and writes the result into x.
	Solve(x, b *mat.VecDense) error
}

// DenseLU is the default Adapter: it densifies the sparse iteration
// matrix and factors it with gonum's LU decomposition. Because LU
// factorization of a dense matrix has no real notion of "elimination
// order" separate from the values, the Symbolic phase here only tracks
// the pattern fingerprint so the caller's "refactor on pattern change"
// policy has something to compare against; the actual work happens in
// Numeric.
type DenseLU struct {
	n       int
	pattern dsparse.PatternFingerprint
	lu      mat.LU
	ready   bool
}

// NewDenseLU returns a DenseLU adapter for an n×n system.
func NewDenseLU(n int) *DenseLU {
	return &DenseLU{n: n}
}

// Symbolic records the pattern fingerprint of a.
func (s *DenseLU) Symbolic(a *dsparse.Matrix) error {
	r, c := a.Dims()
	if r != s.n || c != s.n {
		return &Error{Op: "symbolic", K: KindMemory, Err: errors.New("dimension mismatch")}
	}
	s.pattern = a.Pattern()
	s.ready = false
	return nil
}

// Numeric factors a's current values.
func (s *DenseLU) Numeric(a *dsparse.Matrix) error {
	dense := a.Dense()
	s.lu.Factorize(dense)
	cond := s.lu.Cond()
	if math.IsInf(cond, 1) || math.IsNaN(cond) {
		s.ready = false
		return &Error{Op: "numeric", K: KindSingular, Err: errors.New("singular iteration matrix")}
	}
	if cond > 1e16 {
		s.ready = false
		return &Error{Op: "numeric", K: KindNumericBreakdown, Err: errors.New("ill-conditioned iteration matrix")}
	}
	s.ready = true
	return nil
}

// Solve back/forward-substitutes using the last successful factorization.
func (s *DenseLU) Solve(x, b *mat.VecDense) error {
	if !s.ready {
		return &Error{Op: "solve", K: KindSingular, Err: errors.New("solve called without a valid factorization")}
	}
	if err := s.lu.SolveVecTo(x, false, b); err != nil {
		return &Error{Op: "solve", K: KindNumericBreakdown, Err: err}
	}
	return nil
}

// PatternChanged reports whether fresh's pattern differs from the last
// one passed to Symbolic, so callers know when a new Symbolic call is
// mandatory rather than optional.
func (s *DenseLU) PatternChanged(fresh *dsparse.Matrix) bool {
	return s.pattern != fresh.Pattern()
}
