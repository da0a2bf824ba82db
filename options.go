package dae

// TimeStepping selects the step-size controller driving h adaptation.
type TimeStepping int

const (
	// AdaptiveH211b uses the H211b digital-filter controller (the
	// default), which damps step-size oscillation by folding in the
	// previous step's error estimate as well as the current one.
	AdaptiveH211b TimeStepping = iota
	// SimpleStability applies the classical single-step rule
	// h_new = h * safety * ||LTE||^{-1/(p+1)} with no history filtering.
	SimpleStability
	// Fixed disables step adaptation; h stays at DtInit except when a
	// Newton or LTE rejection forces a halving.
	Fixed
)

// LinearSolverKind selects the Adapter implementation the integrator
// drives for each Newton iteration's linear solve.
type LinearSolverKind int

const (
	// DenseLUSolver densifies the iteration matrix and factors it with
	// gonum's LU decomposition. The default, and the only solver the
	// dae and bdf tests use.
	DenseLUSolver LinearSolverKind = iota
	// IterativeCGSolver uses conjugate gradients; suitable only when the
	// iteration matrix is symmetric positive definite.
	IterativeCGSolver
	// IterativeBiCGStabSolver uses bi-conjugate gradient stabilized,
	// suitable for general unsymmetric, diagonally dominant systems
	// without densifying.
	IterativeBiCGStabSolver
)

// MaxOrder is the largest BDF order and the largest history-buffer
// length the integrator will ever maintain.
const MaxOrder = 6

// Options bundles the immutable settings of a single integration run.
// Options has no file- or environment-sourced fields: the core persists
// nothing and consumes nothing outside of this in-process struct.
type Options struct {
	T0 float64

	DtInit, DtMin, DtMax float64

	Atol, Rtol float64

	// BDFOrder is the maximum permitted BDF order, 1..MaxOrder.
	BDFOrder int

	TimeStepping TimeStepping

	LinearSolver LinearSolverKind

	MaxNewtonIter int
	NewtonTol     float64

	// FactEveryIter, if false, reuses a single factorization across all
	// Newton iterations of one step instead of refactoring each
	// iteration.
	FactEveryIter bool

	// Verbosity controls diagnostic emission: 0 is silent, higher values
	// progressively emit step/order/iteration detail. Never part of the
	// stable contract.
	Verbosity int

	// JacobianFDTol is the perturbation epsilon used by the numerical
	// Jacobian estimator.
	JacobianFDTol float64

	// MassConstant declares that MassFunc returns the same matrix for
	// every t; the integrator then evaluates it once and caches the
	// result instead of calling it every step. MassMatrixIdentity and
	// MassMatrixZero are both constant in this sense.
	MassConstant bool
}

// DefaultOptions returns the solver's default configuration: adaptive
// H211b stepping, dense-LU linear solves, order up to 5, and tolerances
// suited to moderately stiff problems. Callers override individual fields
// on the returned struct before passing it to NewSolver.
func DefaultOptions() Options {
	return Options{
		T0:            0,
		DtInit:        1e-4,
		DtMin:         1e-12,
		DtMax:         1e2,
		Atol:          1e-8,
		Rtol:          1e-6,
		BDFOrder:      5,
		TimeStepping:  AdaptiveH211b,
		LinearSolver:  DenseLUSolver,
		MaxNewtonIter: 8,
		NewtonTol:     1e-8,
		FactEveryIter: false,
		Verbosity:     0,
		JacobianFDTol: 1e-7,
	}
}

// validate checks the cross-entity invariants of Options: h bounds are
// sane and the requested order fits within MaxOrder.
func (o Options) validate() error {
	if o.DtMin <= 0 || o.DtMax <= o.DtMin {
		return newError(KindShape, "options", o.T0, nil)
	}
	if o.BDFOrder < 1 || o.BDFOrder > MaxOrder {
		return newError(KindShape, "options", o.T0, nil)
	}
	if o.DtInit < o.DtMin || o.DtInit > o.DtMax {
		return newError(KindShape, "options", o.T0, nil)
	}
	return nil
}
