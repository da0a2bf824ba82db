// Package bdf implements the variable-step, variable-order BDF time
// integrator: the history buffer, the predictor/corrector pair, the
// Newton iteration and its iteration matrix, the local-error-driven
// step/order adaptation, and the five-state integration state machine.
package bdf

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/nlsolvers/daecore/linsolve"
	"github.com/nlsolvers/daecore/numeric"
	"github.com/nlsolvers/daecore/sparse"
)

// RHSFunc evaluates f(x, t) into out.
type RHSFunc func(out, x *mat.VecDense, t float64)

// MassFunc writes M(t) into the supplied sparse matrix.
type MassFunc func(mass *sparse.Matrix, t float64)

// ObserverFunc is called once per accepted step, in strictly increasing
// time order.
type ObserverFunc func(x *mat.VecDense, t float64)

// JacobianProvider returns a finalized N×N sparse Jacobian at (x, t). The
// dae package's JacobianProvider (wrapping either an analytical callback
// or the finite-difference estimator) satisfies this interface
// structurally, without bdf importing dae.
type JacobianProvider interface {
	Evaluate(x *mat.VecDense, t float64) (*sparse.Matrix, error)
}

// DiagSink receives diagnostic events gated by verbosity; the dae
// package's logfmt diagnostics implement it structurally.
type DiagSink interface {
	Step(t, h float64, order int, accepted bool)
	Newton(t float64, iter int, wrms float64)
	Reject(t, h float64, reason string)
}

type nullDiag struct{}

func (nullDiag) Step(float64, float64, int, bool) {}
func (nullDiag) Newton(float64, int, float64)     {}
func (nullDiag) Reject(float64, float64, string)  {}

// Phase is a state of the integrator's state machine.
type Phase int

const (
	Idle Phase = iota
	Starting
	Stepping
	Rejected
	Terminal
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Stepping:
		return "stepping"
	case Rejected:
		return "rejected"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Kind classifies why a Run call failed.
type Kind int

const (
	KindNone Kind = iota
	KindSingular
	KindNumericBreakdown
	KindNonlinearFail
	KindStepUnderflow
	KindMemory
	KindUserError
	KindShape
)

// Error is the failure type Run returns.
type Error struct {
	Kind Kind
	Op   string
	T    float64
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bdf: %s at t=%g: %v", e.Op, e.T, e.Err)
	}
	return fmt.Sprintf("bdf: %s at t=%g", e.Op, e.T)
}
func (e *Error) Unwrap() error { return e.Err }

func fail(kind Kind, op string, t float64, cause error) *Error {
	return &Error{Kind: kind, Op: op, T: t, Err: cause}
}

// Config bundles everything an Integrator needs beyond the RHS/mass
// callbacks: solver options translated out of dae.Options, plus the
// collaborating components (Jacobian provider, linear-solver adapter,
// step controller, diagnostics sink) the dae package wires up.
type Config struct {
	N int

	T0, DtInit, DtMin, DtMax float64
	Atol, Rtol               float64

	MaxOrder int // capped at maxOrder (6)

	MaxNewtonIter int
	NewtonTol     float64
	FactEveryIter bool

	MassIsConstant bool

	Controller StepController
	Adapter    linsolve.Adapter
	Jacobian   JacobianProvider
	Diag       DiagSink
	Observer   ObserverFunc
}

const (
	rejectsBeforeOrderDrop = 3
	rejectsBeforeFatal     = 5
	finalStepEpsFactor     = 1e3
)

// Integrator drives the BDF/Newton time-stepping loop over a single
// RHS/mass pair. It is single-threaded and synchronous: one Integrator
// serves one call to Run at a time, and Run does not return until the
// integration reaches t1 or fails fatally.
type Integrator struct {
	cfg Config

	rhs  RHSFunc
	mass MassFunc

	hist  *history
	phase Phase

	h     float64
	order int

	consecutiveRejects int
	stepsSinceOrderChg int
	singularRetried    bool

	stepCount, rejectCount int

	massCache *sparse.Matrix
}

// New constructs an Integrator. rhs and mass are required; cfg.Jacobian,
// cfg.Adapter and cfg.Controller must be non-nil.
func New(cfg Config, rhs RHSFunc, mass MassFunc) *Integrator {
	if cfg.MaxOrder < 1 {
		cfg.MaxOrder = 1
	}
	if cfg.MaxOrder > maxOrder {
		cfg.MaxOrder = maxOrder
	}
	if cfg.Diag == nil {
		cfg.Diag = nullDiag{}
	}
	return &Integrator{
		cfg:   cfg,
		rhs:   rhs,
		mass:  mass,
		hist:  newHistory(),
		phase: Idle,
	}
}

// Phase reports the current state-machine phase.
func (it *Integrator) Phase() Phase { return it.phase }

// massAt returns M(t), evaluating the callback unless the mass matrix was
// declared constant, in which case the first evaluation is cached and
// reused for the life of the Integrator.
func (it *Integrator) massAt(t float64) (*sparse.Matrix, error) {
	if it.cfg.MassIsConstant && it.massCache != nil {
		return it.massCache, nil
	}
	m := sparse.New(it.cfg.N, it.cfg.N)
	it.mass(m, t)
	if err := m.Finalize(); err != nil {
		return nil, err
	}
	if it.cfg.MassIsConstant {
		it.massCache = m
	}
	return m, nil
}

// lagrangeExtrapolate evaluates, at tEval, the unique degree-(len(times)-1)
// vector polynomial interpolating (times[i], xs[i]).
func lagrangeExtrapolate(times []float64, xs []*mat.VecDense, tEval float64) *mat.VecDense {
	n := xs[0].Len()
	out := mat.NewVecDense(n, nil)
	k := len(times)
	for j := 0; j < k; j++ {
		lj := 1.0
		for i := 0; i < k; i++ {
			if i == j {
				continue
			}
			lj *= (tEval - times[i]) / (times[j] - times[i])
		}
		if lj == 0 {
			continue
		}
		out.AddScaledVec(out, lj, xs[j])
	}
	return out
}

// iterationMatrix assembles A = alpha0*M - h*J as a fresh finalized
// sparse matrix, summing the two contributions entry-wise.
func iterationMatrix(n int, mass, jac *sparse.Matrix, alpha0, h float64) (*sparse.Matrix, error) {
	a := sparse.New(n, n)
	a.Reserve(mass.NElements() + jac.NElements())
	mass.Each(func(v float64, i, j int) { a.Insert(alpha0*v, i, j) })
	jac.Each(func(v float64, i, j int) { a.Insert(-h*v, i, j) })
	if err := a.Finalize(); err != nil {
		return nil, err
	}
	return a, nil
}

// residual computes r = M*(sum alpha_k x_{n+1-k}) - h*f(xNew, tNew) where
// the sum's k=0 term is alpha[0]*xNew and the rest come from history.
func residual(n int, mass *sparse.Matrix, alpha []float64, xNew *mat.VecDense, histX []*mat.VecDense, fNew *mat.VecDense, h float64) *mat.VecDense {
	sum := mat.NewVecDense(n, nil)
	sum.AddScaledVec(sum, alpha[0], xNew)
	for k := 1; k < len(alpha); k++ {
		sum.AddScaledVec(sum, alpha[k], histX[k-1])
	}
	mx := mat.NewVecDense(n, nil)
	mx.MulVec(mass.CSR(), sum)
	r := mat.NewVecDense(n, nil)
	r.AddScaledVec(mx, -h, fNew)
	return r
}

// newtonResult reports the outcome of a single corrector solve.
type newtonResult struct {
	x         *mat.VecDense
	iters     int
	converged bool
}

// solveCorrector runs Newton iteration on the BDF corrector equation for
// the candidate step (tNew, h, alpha), starting from the predictor xPred.
func (it *Integrator) solveCorrector(ctx context.Context, tNew, h float64, alpha []float64, xPred *mat.VecDense, histX []*mat.VecDense) (newtonResult, error) {
	n := it.cfg.N
	x := mat.VecDenseCopyOf(xPred)
	fNew := mat.NewVecDense(n, nil)

	mass, err := it.massAt(tNew)
	if err != nil {
		return newtonResult{}, err
	}

	for iter := 0; iter < it.cfg.MaxNewtonIter; iter++ {
		it.rhs(fNew, x, tNew)
		for i := 0; i < n; i++ {
			if v := fNew.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
				return newtonResult{}, fail(KindUserError, "rhs", tNew, fmt.Errorf("non-finite rhs component %d", i))
			}
		}

		// FactEveryIter=false reuses the factorization from iteration 0
		// for the rest of this step's Newton loop (a modified-Newton
		// iteration), refactoring only on the first iteration of each
		// step, since the predictor is usually close enough that the
		// iteration matrix barely moves within one step.
		if iter == 0 || it.cfg.FactEveryIter {
			jac, err := it.cfg.Jacobian.Evaluate(x, tNew)
			if err != nil {
				return newtonResult{}, err
			}
			a, err := iterationMatrix(n, mass, jac, alpha[0], h)
			if err != nil {
				return newtonResult{}, err
			}
			if numeric.HasNonFinite(a.Dense()) {
				return newtonResult{}, fail(KindNumericBreakdown, "iteration-matrix", tNew, fmt.Errorf("non-finite entry in alpha0*M - h*J"))
			}
			if err := it.cfg.Adapter.Symbolic(a); err != nil {
				return newtonResult{}, fail(KindSingular, "symbolic", tNew, err)
			}
			if err := it.cfg.Adapter.Numeric(a); err != nil {
				return newtonResult{}, fail(KindSingular, "numeric", tNew, err)
			}
		}

		r := residual(n, mass, alpha, x, histX, fNew, h)
		delta := mat.NewVecDense(n, nil)
		rNeg := mat.NewVecDense(n, nil)
		rNeg.ScaleVec(-1, r)
		if err := it.cfg.Adapter.Solve(delta, rNeg); err != nil {
			return newtonResult{}, fail(KindNumericBreakdown, "solve", tNew, err)
		}

		x.AddVec(x, delta)
		norm := wrms(delta, x, it.cfg.Atol, it.cfg.Rtol)
		it.cfg.Diag.Newton(tNew, iter, norm)
		if norm <= it.cfg.NewtonTol {
			return newtonResult{x: x, iters: iter + 1, converged: true}, nil
		}
	}
	return newtonResult{x: x, iters: it.cfg.MaxNewtonIter, converged: false}, nil
}

// candidateH estimates the step size the controller would propose for a
// hypothetical order q, given the WRMS norm of the order-q error estimate
// at the current h. Used to compare neighbouring orders during adaptation.
func candidateH(h, errNorm float64, q int) float64 {
	if errNorm <= 0 {
		return h * 10
	}
	return h * clampRatio(stepSafety*math.Pow(errNorm, -1.0/float64(q+1)))
}

// Run integrates from (cfg.T0, x0) to t1 in place, calling cfg.Observer
// (if set) after every accepted step including the initial point. x0 is
// mutated to hold the final state. ctx is checked once per accepted step.
func (it *Integrator) Run(ctx context.Context, x0 *mat.VecDense, t1 float64) error {
	t := it.cfg.T0
	it.hist.reset()
	it.hist.push(t, x0)
	it.phase = Starting
	it.h = it.cfg.DtInit
	it.order = 1
	it.consecutiveRejects = 0
	it.stepsSinceOrderChg = 0
	it.singularRetried = false
	it.cfg.Controller.Reset()

	if it.cfg.Observer != nil {
		it.cfg.Observer(x0, t)
	}

	for t < t1 {
		if it.phase == Terminal {
			return fail(KindUserError, "run", t, fmt.Errorf("integrator already terminal"))
		}
		h := it.h
		if h > it.cfg.DtMax {
			h = it.cfg.DtMax
		}
		if h < it.cfg.DtMin {
			return fail(KindStepUnderflow, "step", t, fmt.Errorf("h=%g below DtMin=%g", h, it.cfg.DtMin))
		}
		if remaining := t1 - t; h > remaining {
			h = remaining
		} else if remaining-h < finalStepEpsFactor*it.cfg.DtMin {
			h = remaining
		}

		p := it.order
		if p > it.hist.len() {
			p = it.hist.len()
		}
		if p < 1 {
			p = 1
		}

		histT, histX := it.hist.stencil(p)
		times := make([]float64, 0, p+1)
		times = append(times, t+h)
		times = append(times, histT...)
		alpha := bdfAlpha(times)

		xPred := lagrangeExtrapolate(histT, histX, t+h)

		res, err := it.solveCorrector(ctx, t+h, h, alpha, xPred, histX)
		if err != nil {
			var berr *Error
			singular := errors.As(err, &berr) && (berr.Kind == KindSingular || berr.Kind == KindNumericBreakdown)
			if !singular || it.singularRetried {
				return err
			}
			// A singular iteration matrix or linear-solver breakdown gets
			// one step-halving retry before it is treated as fatal, so a
			// Jacobian that is singular only at the starting point does
			// not abort the run before it gets going.
			it.singularRetried = true
			it.rejectCount++
			it.phase = Rejected
			it.cfg.Diag.Reject(t+h, h, "singular")
			it.cfg.Controller.Reset()
			it.h = h * 0.5
			continue
		}

		var errNorm float64
		accept := res.converged
		if res.converged {
			lteT, lteX := histT, histX
			if it.hist.len() > p {
				lteT, lteX = it.hist.stencil(p + 1)
			}
			lte := localTruncationError(p, h, t+h, res.x, lteT, lteX)
			errNorm = wrms(lte, res.x, it.cfg.Atol, it.cfg.Rtol)
			accept = errNorm <= 1.0
		}

		it.stepCount++
		if !accept {
			it.rejectCount++
			it.consecutiveRejects++
			it.phase = Rejected
			reason := "newton"
			if res.converged {
				reason = "lte"
			}
			it.cfg.Diag.Reject(t+h, h, reason)
			it.cfg.Controller.Reset()

			if it.consecutiveRejects >= rejectsBeforeFatal {
				return fail(KindNonlinearFail, "step", t+h, fmt.Errorf("%d consecutive rejections", it.consecutiveRejects))
			}
			if it.consecutiveRejects%rejectsBeforeOrderDrop == 0 && it.order > 1 {
				it.order--
				it.stepsSinceOrderChg = 0
			}
			it.h = h * 0.5
			continue
		}

		it.consecutiveRejects = 0
		it.singularRetried = false
		it.stepsSinceOrderChg++
		it.phase = Stepping
		t = t + h
		it.hist.push(t, res.x)
		x0.CopyVec(res.x)
		if it.cfg.Observer != nil {
			it.cfg.Observer(res.x, t)
		}
		it.cfg.Diag.Step(t, h, p, true)

		hNext := it.cfg.Controller.Next(h, p, errNorm)
		newOrder := p
		if it.stepsSinceOrderChg > p && it.hist.len() > p {
			if p < it.cfg.MaxOrder && it.hist.len() >= p+2 {
				upT, upX := it.hist.stencil(p + 2)
				upLte := localTruncationError(p+1, h, t, upX[0], upT[1:], upX[1:])
				upErr := wrms(upLte, upX[0], it.cfg.Atol, it.cfg.Rtol)
				if candidateH(h, upErr, p+1) > hNext {
					newOrder = p + 1
					hNext = candidateH(h, upErr, p+1)
				}
			}
			if p > 1 {
				downT, downX := it.hist.stencil(p + 1)
				downLte := localTruncationError(p-1, h, t, res.x, downT[1:], downX[1:])
				downErr := wrms(downLte, res.x, it.cfg.Atol, it.cfg.Rtol)
				if candidateH(h, downErr, p-1) > hNext {
					newOrder = p - 1
					hNext = candidateH(h, downErr, p-1)
				}
			}
			if newOrder != p {
				it.stepsSinceOrderChg = 0
			}
		}
		it.order = newOrder
		if hNext > it.cfg.DtMax {
			hNext = it.cfg.DtMax
		}
		it.h = hNext

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	it.phase = Terminal
	return nil
}
