// Package diagnostics is an optional external collaborator: a recorder of
// per-step (t, h, order) triples and a gonum/plot renderer for them.
// Nothing in dae or bdf imports this package; callers wire it in when
// they want a visual trace of step-size and order adaptation, matching
// the "optional plotting hooks" mention of the solver's contract.
package diagnostics

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Recorder accumulates the trajectory of a single integration run: the
// accepted time points, the step size that produced each, and the BDF
// order used. Its Step method has the same signature as bdf.DiagSink.Step,
// so a Recorder can be driven directly by an integrator's diagnostics
// hook, or manually from an ObserverFunc wrapper that tracks h itself.
type Recorder struct {
	t     []float64
	h     []float64
	order []int

	lastT float64
	have  bool
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Step records one accepted or rejected step. Rejected steps are dropped:
// the recorder only ever plots the accepted trajectory.
func (r *Recorder) Step(t, h float64, order int, accepted bool) {
	if !accepted {
		return
	}
	r.t = append(r.t, t)
	r.h = append(r.h, h)
	r.order = append(r.order, order)
	r.lastT = t
	r.have = true
}

// Newton and Reject satisfy bdf.DiagSink structurally; the plotting hook
// only cares about accepted-step history.
func (r *Recorder) Newton(float64, int, float64) {}
func (r *Recorder) Reject(float64, float64, string) {}

// Observe is an ObserverFunc-compatible method: it records a step-size
// history point by differencing consecutive call times, for callers that
// only have an observer slot (no DiagSink) to drive the recorder from.
// Order is recorded as 0 ("unknown") in this path.
func (r *Recorder) Observe(x *mat.VecDense, t float64) {
	if !r.have {
		r.t = append(r.t, t)
		r.h = append(r.h, 0)
		r.order = append(r.order, 0)
		r.lastT = t
		r.have = true
		return
	}
	r.t = append(r.t, t)
	r.h = append(r.h, t-r.lastT)
	r.order = append(r.order, 0)
	r.lastT = t
}

// Plot renders step size and BDF order against time to a PNG at path.
func (r *Recorder) Plot(path string) error {
	if len(r.t) == 0 {
		return fmt.Errorf("diagnostics: no recorded steps")
	}

	hPts := make(plotter.XYs, len(r.t))
	orderPts := make(plotter.XYs, len(r.t))
	for i := range r.t {
		hPts[i].X = r.t[i]
		hPts[i].Y = r.h[i]
		orderPts[i].X = r.t[i]
		orderPts[i].Y = float64(r.order[i])
	}

	p := plot.New()
	p.Title.Text = "step size and order history"
	p.X.Label.Text = "t"
	p.Y.Label.Text = "h / order"

	if err := plotutil.AddLines(p, "h", hPts, "order", orderPts); err != nil {
		return fmt.Errorf("diagnostics: adding lines: %w", err)
	}

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("diagnostics: saving plot: %w", err)
	}
	return nil
}
