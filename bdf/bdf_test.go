package bdf

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/nlsolvers/daecore/linsolve"
	"github.com/nlsolvers/daecore/sparse"
)

// scalarJacobian evaluates J(x,t) into jac for a scalar (n=1) ODE with
// analytical derivative given by df.
type scalarJacobian struct {
	df func(x, t float64) float64
}

func (j scalarJacobian) Evaluate(x *mat.VecDense, t float64) (*sparse.Matrix, error) {
	m := sparse.New(1, 1)
	m.Insert(j.df(x.AtVec(0), t), 0, 0)
	if err := m.Finalize(); err != nil {
		return nil, err
	}
	return m, nil
}

func identityMass(m *sparse.Matrix, t float64) {
	m.Insert(1, 0, 0)
}

// fnJacobian adapts a plain function to JacobianProvider, for tests whose
// Jacobian needs more than the scalar case scalarJacobian covers.
type fnJacobian struct {
	fn func(x *mat.VecDense, t float64) (*sparse.Matrix, error)
}

func (j fnJacobian) Evaluate(x *mat.VecDense, t float64) (*sparse.Matrix, error) {
	return j.fn(x, t)
}

func newScalarIntegrator(t0, atol, rtol float64, rhs RHSFunc, jac JacobianProvider, maxOrder int) *Integrator {
	cfg := Config{
		N:             1,
		T0:            t0,
		DtInit:        1e-3,
		DtMin:         1e-12,
		DtMax:         1.0,
		Atol:          atol,
		Rtol:          rtol,
		MaxOrder:      maxOrder,
		MaxNewtonIter: 10,
		NewtonTol:     1e-10,
		Controller:    NewAdaptiveH211bController(),
		Adapter:       linsolve.NewDenseLU(1),
		Jacobian:      jac,
	}
	return New(cfg, rhs, identityMass)
}

// TestExponentialDecayConverges integrates dx/dt = -x from x(0)=1 and
// checks the result tracks e^-t within a loose tolerance driven by atol.
func TestExponentialDecayConverges(t *testing.T) {
	rhs := RHSFunc(func(out, x *mat.VecDense, tt float64) {
		out.SetVec(0, -x.AtVec(0))
	})
	jac := scalarJacobian{df: func(x, tt float64) float64 { return -1 }}

	it := newScalarIntegrator(0, 1e-9, 1e-7, rhs, jac, 5)
	x0 := mat.NewVecDense(1, []float64{1})
	if err := it.Run(context.Background(), x0, 1.0); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := math.Exp(-1.0)
	got := x0.AtVec(0)
	if math.Abs(got-want) > 1e-4 {
		t.Fatalf("x(1)=%g, want approx %g", got, want)
	}
	if it.Phase() != Terminal {
		t.Fatalf("phase=%v, want Terminal", it.Phase())
	}
}

// TestDeterministicRerun checks that two independent Runs over identical
// inputs produce bitwise-identical trajectories (no hidden nondeterminism
// from map iteration, goroutine scheduling, etc.)
func TestDeterministicRerun(t *testing.T) {
	rhs := RHSFunc(func(out, x *mat.VecDense, tt float64) {
		out.SetVec(0, -2*x.AtVec(0))
	})
	jac := scalarJacobian{df: func(x, tt float64) float64 { return -2 }}

	run := func() float64 {
		it := newScalarIntegrator(0, 1e-8, 1e-6, rhs, jac, 4)
		x0 := mat.NewVecDense(1, []float64{3})
		if err := it.Run(context.Background(), x0, 0.5); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return x0.AtVec(0)
	}
	a := run()
	b := run()
	if a != b {
		t.Fatalf("nondeterministic rerun: %v != %v", a, b)
	}
}

// TestFixedOrderOneMatchesBackwardEuler pins MaxOrder=1 and checks the
// integrator behaves as plain backward Euler: first-order local accuracy
// halves the global error when h halves.
func TestFixedOrderOneMatchesBackwardEuler(t *testing.T) {
	rhs := RHSFunc(func(out, x *mat.VecDense, tt float64) {
		out.SetVec(0, -x.AtVec(0))
	})
	jac := scalarJacobian{df: func(x, tt float64) float64 { return -1 }}

	errAt := func(dtInit float64) float64 {
		cfg := Config{
			N: 1, T0: 0, DtInit: dtInit, DtMin: 1e-12, DtMax: dtInit,
			Atol: 1e-12, Rtol: 1e-12, MaxOrder: 1,
			MaxNewtonIter: 10, NewtonTol: 1e-12,
			Controller: NewFixedController(),
			Adapter:    linsolve.NewDenseLU(1),
			Jacobian:   jac,
		}
		it := New(cfg, rhs, identityMass)
		x0 := mat.NewVecDense(1, []float64{1})
		if err := it.Run(context.Background(), x0, 1.0); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return math.Abs(x0.AtVec(0) - math.Exp(-1.0))
	}
	e1 := errAt(0.05)
	e2 := errAt(0.025)
	if e2 >= e1 {
		t.Fatalf("halving h did not reduce error: e(h)=%g e(h/2)=%g", e1, e2)
	}
}

// TestStepUnderflowReported forces DtMin above the step a pathologically
// stiff, non-converging system would need, and checks the integrator
// reports KindStepUnderflow or KindNonlinearFail rather than looping
// forever or silently returning a bad answer.
func TestStepUnderflowReported(t *testing.T) {
	// df/dx deliberately wrong (zero) so Newton never converges: the
	// iteration matrix A = alpha0*M - h*J degenerates toward alpha0*M,
	// which does not solve the real corrector equation, so the residual
	// never shrinks into tolerance.
	rhs := RHSFunc(func(out, x *mat.VecDense, tt float64) {
		out.SetVec(0, -1e6*x.AtVec(0)*x.AtVec(0)*x.AtVec(0))
	})
	jac := scalarJacobian{df: func(x, tt float64) float64 { return 0 }}

	cfg := Config{
		N: 1, T0: 0, DtInit: 1e-2, DtMin: 1e-6, DtMax: 1e-2,
		Atol: 1e-12, Rtol: 1e-12, MaxOrder: 2,
		MaxNewtonIter: 3, NewtonTol: 1e-14,
		Controller: NewAdaptiveH211bController(),
		Adapter:    linsolve.NewDenseLU(1),
		Jacobian:   jac,
	}
	it := New(cfg, rhs, identityMass)
	x0 := mat.NewVecDense(1, []float64{10})
	err := it.Run(context.Background(), x0, 1.0)
	if err == nil {
		t.Fatalf("expected a failure, got nil")
	}
	var berr *Error
	if !asError(err, &berr) {
		t.Fatalf("expected *bdf.Error, got %T: %v", err, err)
	}
	if berr.Kind != KindStepUnderflow && berr.Kind != KindNonlinearFail {
		t.Fatalf("unexpected Kind: %v", berr.Kind)
	}
}

func asError(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}

// TestLagrangeExtrapolateIsExactForLinear checks the predictor reproduces
// a linear function exactly given only two stencil points.
func TestLagrangeExtrapolateIsExactForLinear(t *testing.T) {
	times := []float64{1.0, 0.0}
	xs := []*mat.VecDense{
		mat.NewVecDense(1, []float64{2 * 1.0}),
		mat.NewVecDense(1, []float64{2 * 0.0}),
	}
	got := lagrangeExtrapolate(times, xs, 2.5)
	want := 2 * 2.5
	if math.Abs(got.AtVec(0)-want) > 1e-12 {
		t.Fatalf("got %g, want %g", got.AtVec(0), want)
	}
}

// TestBdfAlphaUniformOrderOneIsBackwardEuler checks bdfAlpha recovers the
// textbook backward-Euler coefficients (1, -1)/h for a uniform order-1
// stencil.
func TestBdfAlphaUniformOrderOneIsBackwardEuler(t *testing.T) {
	h := 0.1
	alpha := bdfAlpha([]float64{h, 0})
	if math.Abs(alpha[0]-1.0) > 1e-9 {
		t.Fatalf("alpha0 = %g, want 1", alpha[0])
	}
	if math.Abs(alpha[1]-(-1.0)) > 1e-9 {
		t.Fatalf("alpha1 = %g, want -1", alpha[1])
	}
}

// TestBdfAlphaExactForPolynomialsUpToOrder checks the defining exactness
// property of an order-p BDF formula: applied to exact samples of a
// degree-p polynomial on an arbitrary non-uniform stencil, the order-p
// coefficients reproduce the polynomial's true derivative at the
// evaluation point, since the degree-p Lagrange interpolant through p+1
// points of a degree-p polynomial is the polynomial itself.
func TestBdfAlphaExactForPolynomialsUpToOrder(t *testing.T) {
	for p := 1; p <= 4; p++ {
		// Non-uniform, strictly descending stencil times[0] > times[1]
		// > ... > times[p], so the check does not rely on a uniform grid.
		times := make([]float64, p+1)
		tt := 0.0
		for k := 0; k <= p; k++ {
			times[k] = tt
			tt -= 0.1 + 0.02*float64(k)
		}
		tEval := times[0]

		poly := func(x float64) float64 { return math.Pow(x, float64(p)) }
		dpoly := func(x float64) float64 { return float64(p) * math.Pow(x, float64(p-1)) }

		alpha := bdfAlpha(times)
		sum := 0.0
		for k := 0; k <= p; k++ {
			sum += alpha[k] * poly(times[k])
		}
		// bdfAlpha's relation is Sum(alpha_k * x_k) = h * x'(tEval), with
		// h = times[0]-times[1].
		h := times[0] - times[1]
		want := h * dpoly(tEval)
		if tol := 1e-8 * math.Max(1, math.Abs(want)); math.Abs(sum-want) > tol {
			t.Fatalf("order %d: got %g, want %g (should be exact for degree-%d polynomials)", p, sum, want, p)
		}
	}
}

// TestSingularAtStartRecoversByHalving exercises the recovery policy for
// a singular iteration matrix: a contrived two-state system whose
// iteration matrix is exactly singular at the default first step
// (t = DtInit) but regular at half that step, so Run must retry with a
// halved h instead of failing the integration outright.
func TestSingularAtStartRecoversByHalving(t *testing.T) {
	const dtInit = 0.01

	// x' = -x (regular), and a constraint row whose Jacobian entries are
	// both proportional to (t - dtInit): exactly zero, hence a singular
	// iteration matrix row, only when t lands exactly on dtInit, which is
	// precisely the first trial's evaluation time.
	rhs := RHSFunc(func(out, x *mat.VecDense, tt float64) {
		out.SetVec(0, -x.AtVec(0))
		out.SetVec(1, (tt-dtInit)*(x.AtVec(0)+x.AtVec(1)-1))
	})
	jac := fnJacobian{fn: func(x *mat.VecDense, tt float64) (*sparse.Matrix, error) {
		m := sparse.New(2, 2)
		m.Insert(-1, 0, 0)
		m.Insert(tt-dtInit, 1, 0)
		m.Insert(tt-dtInit, 1, 1)
		if err := m.Finalize(); err != nil {
			return nil, err
		}
		return m, nil
	}}
	mass := func(m *sparse.Matrix, tt float64) { m.Insert(1, 0, 0) }

	cfg := Config{
		N: 2, T0: 0, DtInit: dtInit, DtMin: 1e-9, DtMax: 1.0,
		Atol: 1e-10, Rtol: 1e-8, MaxOrder: 1,
		MaxNewtonIter: 10, NewtonTol: 1e-9,
		Controller: NewFixedController(),
		Adapter:    linsolve.NewDenseLU(2),
		Jacobian:   jac,
	}
	it := New(cfg, rhs, mass)
	x0 := mat.NewVecDense(2, []float64{2, 0})
	if err := it.Run(context.Background(), x0, 1.0); err != nil {
		t.Fatalf("Run failed despite the one-retry-then-proceed singular recovery policy: %v", err)
	}
	if it.Phase() != Terminal {
		t.Fatalf("phase=%v, want Terminal", it.Phase())
	}
}
