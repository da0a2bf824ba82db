package dae

import (
	"io"
	"os"

	kitlog "github.com/go-kit/kit/log"
)

// diagnostics wraps a kitlog.Logger emitting logfmt lines gated by
// Options.Verbosity. Grounded on ChristopherRabotin-smd/estimate.go's use
// of kitlog.NewLogfmtLogger over a synced stdout writer, with per-run
// context attached via With. Diagnostic emission is never part of the
// stable contract (spec §6): no caller should parse these lines.
type diagnostics struct {
	logger    kitlog.Logger
	verbosity int
}

func newDiagnostics(w io.Writer, verbosity int) *diagnostics {
	if w == nil {
		w = os.Stdout
	}
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(w))
	return &diagnostics{logger: logger, verbosity: verbosity}
}

// Step, Newton and Reject implement bdf.DiagSink structurally, so a
// *diagnostics can be handed to bdf.Config.Diag without dae importing
// bdf's interface type.

func (d *diagnostics) Step(t, h float64, order int, accepted bool) {
	if d == nil || d.verbosity < 1 {
		return
	}
	d.logger.Log("event", "step", "t", t, "h", h, "order", order, "accepted", accepted)
}

func (d *diagnostics) Newton(t float64, iter int, wrms float64) {
	if d == nil || d.verbosity < 2 {
		return
	}
	d.logger.Log("event", "newton", "t", t, "iter", iter, "wrms", wrms)
}

func (d *diagnostics) Reject(t, h float64, reason string) {
	if d == nil || d.verbosity < 1 {
		return
	}
	d.logger.Log("event", "reject", "t", t, "h", h, "reason", reason)
}
