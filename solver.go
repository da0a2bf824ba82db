// Package dae implements a variable-step, variable-order BDF integrator
// for semi-explicit and fully implicit differential-algebraic systems
// M(t)·dx/dt = f(x,t), coupled with Newton iteration and a pluggable
// sparse linear solve.
package dae

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/nlsolvers/daecore/bdf"
	"github.com/nlsolvers/daecore/linsolve"
	"github.com/nlsolvers/daecore/sparse"
)

// Solver is a configured, reusable DAE integrator bound to one (rhs,
// jacobian, mass) triple and one N. A Solver may run multiple independent
// Integrate calls; each starts fresh from the x and t1 given to it.
type Solver struct {
	n    int
	opts Options

	rhs  RHSFunc
	mass MassFunc

	jac  *JacobianProvider
	diag *diagnostics

	observer ObserverFunc
}

// NewSolver validates opts, cross-checks the mass matrix's declared shape
// against n (the supplemented mass-matrix shape check recovered from the
// original test suite), and returns a ready-to-run Solver. jac may be nil,
// in which case the Jacobian is estimated by finite differences.
func NewSolver(n int, rhs RHSFunc, jac JacobianFunc, mass MassFunc, opts Options) (*Solver, error) {
	if n <= 0 {
		return nil, newError(KindShape, "new-solver", opts.T0, fmt.Errorf("n=%d must be positive", n))
	}
	if rhs == nil {
		return nil, newError(KindUserError, "new-solver", opts.T0, fmt.Errorf("rhs must not be nil"))
	}
	if mass == nil {
		return nil, newError(KindUserError, "new-solver", opts.T0, fmt.Errorf("mass must not be nil"))
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	probe := sparse.New(n, n)
	mass(probe, opts.T0)
	if err := probe.Finalize(); err != nil {
		return nil, newError(KindShape, "mass-shape", opts.T0, err)
	}
	if err := probe.Validate(); err != nil {
		return nil, newError(KindShape, "mass-shape", opts.T0, err)
	}
	if r, c := probe.Dims(); r != n || c != n {
		return nil, newError(KindShape, "mass-shape", opts.T0, fmt.Errorf("mass matrix is %dx%d, want %dx%d", r, c, n, n))
	}

	return &Solver{
		n:    n,
		opts: opts,
		rhs:  rhs,
		mass: mass,
		jac:  NewJacobianProvider(jac, rhs, n, opts.JacobianFDTol, opts.Atol),
		diag: newDiagnostics(nil, opts.Verbosity),
	}, nil
}

// SetObserver installs a callback invoked once per accepted step. Pass nil
// to remove a previously installed observer.
func (s *Solver) SetObserver(obs ObserverFunc) { s.observer = obs }

func (s *Solver) newAdapter() (linsolve.Adapter, error) {
	switch s.opts.LinearSolver {
	case DenseLUSolver:
		return linsolve.NewDenseLU(s.n), nil
	case IterativeCGSolver:
		return linsolve.NewIterativeCG(s.n, s.opts.NewtonTol, 0), nil
	case IterativeBiCGStabSolver:
		return linsolve.NewIterativeBiCGStab(s.n, s.opts.NewtonTol, 0), nil
	default:
		return nil, newError(KindShape, "new-solver", s.opts.T0, fmt.Errorf("unknown linear solver kind %d", s.opts.LinearSolver))
	}
}

func (s *Solver) newController() (bdf.StepController, error) {
	switch s.opts.TimeStepping {
	case AdaptiveH211b:
		return bdf.NewAdaptiveH211bController(), nil
	case SimpleStability:
		return bdf.NewSimpleStabilityController(), nil
	case Fixed:
		return bdf.NewFixedController(), nil
	default:
		return nil, newError(KindShape, "new-solver", s.opts.T0, fmt.Errorf("unknown time-stepping kind %d", s.opts.TimeStepping))
	}
}

// Integrate advances x in place from opts.T0 to t1, returning an *Error
// (KindOf-inspectable) on any failure. ctx is checked once per accepted
// step; a cancelled context stops the integration with ctx.Err() (not
// wrapped in *Error, so callers can match it directly with errors.Is).
func (s *Solver) Integrate(ctx context.Context, x *mat.VecDense, t1 float64) error {
	if x.Len() != s.n {
		return newError(KindShape, "integrate", s.opts.T0, fmt.Errorf("x has length %d, want %d", x.Len(), s.n))
	}
	if t1 < s.opts.T0 {
		return newError(KindShape, "integrate", s.opts.T0, fmt.Errorf("t1=%g precedes T0=%g", t1, s.opts.T0))
	}

	adapter, err := s.newAdapter()
	if err != nil {
		return err
	}
	controller, err := s.newController()
	if err != nil {
		return err
	}

	cfg := bdf.Config{
		N:              s.n,
		T0:             s.opts.T0,
		DtInit:         s.opts.DtInit,
		DtMin:          s.opts.DtMin,
		DtMax:          s.opts.DtMax,
		Atol:           s.opts.Atol,
		Rtol:           s.opts.Rtol,
		MaxOrder:       s.opts.BDFOrder,
		MaxNewtonIter:  s.opts.MaxNewtonIter,
		NewtonTol:      s.opts.NewtonTol,
		FactEveryIter:  s.opts.FactEveryIter,
		MassIsConstant: s.opts.MassConstant,
		Controller:     controller,
		Adapter:        adapter,
		Jacobian:       s.jac,
		Diag:           s.diag,
	}
	if s.observer != nil {
		cfg.Observer = bdf.ObserverFunc(s.observer)
	}

	it := bdf.New(cfg, bdf.RHSFunc(s.rhs), bdf.MassFunc(s.mass))
	if err := it.Run(ctx, x, t1); err != nil {
		return translateIntegratorError(err)
	}
	return nil
}

// translateIntegratorError maps a *bdf.Error onto the root package's Kind
// taxonomy, preserving ctx.Err() and other untyped errors as-is so callers
// can still errors.Is against context.Canceled/DeadlineExceeded.
func translateIntegratorError(err error) error {
	berr, ok := err.(*bdf.Error)
	if !ok {
		return err
	}
	var kind Kind
	switch berr.Kind {
	case bdf.KindSingular:
		kind = KindSingular
	case bdf.KindNumericBreakdown:
		kind = KindNumericBreakdown
	case bdf.KindNonlinearFail:
		kind = KindNonlinearFail
	case bdf.KindStepUnderflow:
		kind = KindStepUnderflow
	case bdf.KindMemory:
		kind = KindMemory
	case bdf.KindUserError:
		kind = KindUserError
	case bdf.KindShape:
		kind = KindShape
	default:
		kind = KindNone
	}
	return newError(kind, berr.Op, berr.T, berr.Err)
}
