package bdf

import "gonum.org/v1/gonum/mat"

// maxOrder is the largest history length and BDF order the integrator
// will ever carry.
const maxOrder = 6

// history is a ring of up to maxOrder accepted (t, x) points, most
// recent first when read via Times/States. Owned exclusively by
// Integrator; never exposed to user callbacks.
type history struct {
	t []float64
	x []*mat.VecDense
}

func newHistory() *history {
	return &history{t: make([]float64, 0, maxOrder), x: make([]*mat.VecDense, 0, maxOrder)}
}

// push records a newly accepted point, evicting the oldest once the ring
// is full.
func (h *history) push(t float64, x *mat.VecDense) {
	xc := mat.VecDenseCopyOf(x)
	h.t = append([]float64{t}, h.t...)
	h.x = append([]*mat.VecDense{xc}, h.x...)
	if len(h.t) > maxOrder {
		h.t = h.t[:maxOrder]
		h.x = h.x[:maxOrder]
	}
}

// len reports how many accepted points are currently retained.
func (h *history) len() int { return len(h.t) }

// newest returns the most recently accepted (t, x), or (0, nil, false)
// if history is empty.
func (h *history) newest() (float64, *mat.VecDense, bool) {
	if len(h.t) == 0 {
		return 0, nil, false
	}
	return h.t[0], h.x[0], true
}

// stencil returns the k most recent timestamps and states, most recent
// first. It panics if fewer than k points are available; callers must
// check len() first.
func (h *history) stencil(k int) ([]float64, []*mat.VecDense) {
	if k > len(h.t) {
		panic("bdf: stencil request exceeds available history")
	}
	return h.t[:k], h.x[:k]
}

// reset clears all history, used when (re)starting an integration.
func (h *history) reset() {
	h.t = h.t[:0]
	h.x = h.x[:0]
}
