package dae

import (
	"errors"
	"fmt"
)

// Kind classifies why a solver operation failed, mirroring the error
// taxonomy of the integrator: only Kind, not a Go type hierarchy, is part
// of the contract a caller can depend on.
type Kind int

const (
	// KindNone indicates no error.
	KindNone Kind = iota
	// KindShape indicates a sparse-matrix invariant was violated (mass
	// matrix or Jacobian shape mismatch). It is also returned for invalid
	// Options, a non-positive n, a state vector of the wrong length, t1
	// before T0, and an unknown linear-solver or time-stepping kind.
	KindShape
	// KindSingular indicates the iteration matrix was singular at the
	// current (x, t).
	KindSingular
	// KindNumericBreakdown indicates the linear solver's factorization
	// broke down (pivot growth, non-finite factor entries).
	KindNumericBreakdown
	// KindNonlinearFail indicates Newton iteration failed to converge
	// after the retry policy was exhausted.
	KindNonlinearFail
	// KindStepUnderflow indicates h was driven below dt_min by repeated
	// rejections.
	KindStepUnderflow
	// KindMemory indicates an allocation failure in some subsystem.
	KindMemory
	// KindUserError indicates RHS or Jacobian produced non-finite output.
	KindUserError
)

func (k Kind) String() string {
	switch k {
	case KindShape:
		return "shape"
	case KindSingular:
		return "singular"
	case KindNumericBreakdown:
		return "numeric-breakdown"
	case KindNonlinearFail:
		return "nonlinear-fail"
	case KindStepUnderflow:
		return "step-underflow"
	case KindMemory:
		return "memory"
	case KindUserError:
		return "user-error"
	default:
		return "none"
	}
}

// Error is the error type returned across the solver's public surface. Op
// names the failing operation (e.g. "integrate", "step", "numeric");
// Err, when non-nil, carries the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	T    float64
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dae: %s at t=%g: %s: %v", e.Op, e.T, e.Kind, e.Err)
	}
	return fmt.Sprintf("dae: %s at t=%g: %s", e.Op, e.T, e.Kind)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind. Kind itself
// is not an error value, so callers match on it via KindOf below rather
// than errors.Is(err, someKind) directly.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind carried by err, if any, returning KindNone
// otherwise. This is the idiomatic way for a caller to branch on failure
// kind without depending on *Error's fields directly.
func KindOf(err error) Kind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return KindNone
}

func newError(kind Kind, op string, t float64, cause error) *Error {
	return &Error{Kind: kind, Op: op, T: t, Err: cause}
}
