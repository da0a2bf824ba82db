// Package sparse implements the coordinate-form sparse matrix container
// used throughout daecore: the Jacobian provider, the mass-matrix callback
// and the linear solver adapter all exchange matrices through the Matrix
// type defined here.
package sparse

import (
	"fmt"
	"sort"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

// Kind classifies why a Matrix operation failed.
type Kind int

const (
	// KindNone indicates no error.
	KindNone Kind = iota
	// KindShape indicates a violated coordinate-matrix invariant: an
	// out-of-range index, a duplicate (i,j) pair pre-finalize, or an
	// inconsistent finalized row/column length.
	KindShape
)

// ShapeError reports a violated Matrix invariant.
type ShapeError struct {
	Op  string
	Msg string
}

func (e *ShapeError) Error() string { return fmt.Sprintf("sparse: %s: %s", e.Op, e.Msg) }

// Kind always reports KindShape for a *ShapeError.
func (e *ShapeError) Kind() Kind { return KindShape }

type triple struct {
	i, j int
	v    float64
}

// Matrix is a three-array coordinate-style sparse matrix of size rows×cols.
// Entries are accumulated with Insert, and Finalize sorts and de-duplicates
// them (summing values of repeated (i,j) pairs) before handing the result
// to github.com/james-bowman/sparse for the compressed-row form consumed by
// the linear solver adapter.
type Matrix struct {
	rows, cols int

	entries []triple
	final   bool

	// finalRows/finalCols/finalVals hold the sorted, de-duplicated
	// triples produced by the last Finalize call.
	finalRows, finalCols []int
	finalVals            []float64

	csr *sparse.CSR
}

// New returns an empty rows×cols coordinate matrix. Reserve should follow
// if the final non-zero count is known, to avoid incremental reallocation.
func New(rows, cols int) *Matrix {
	return &Matrix{rows: rows, cols: cols}
}

// Reserve pre-allocates storage for at least nnz entries.
func (m *Matrix) Reserve(nnz int) {
	if cap(m.entries)-len(m.entries) < nnz {
		grown := make([]triple, len(m.entries), len(m.entries)+nnz)
		copy(grown, m.entries)
		m.entries = grown
	}
}

// Insert appends a non-zero entry (value, row, col). Insert panics if the
// indices are out of [0,rows)x[0,cols): this is a programmer error, not a
// recoverable runtime condition.
func (m *Matrix) Insert(value float64, row, col int) {
	if row < 0 || row >= m.rows || col < 0 || col >= m.cols {
		panic(fmt.Sprintf("sparse: insert index (%d,%d) out of range for %dx%d matrix", row, col, m.rows, m.cols))
	}
	m.entries = append(m.entries, triple{row, col, value})
	m.final = false
	m.csr = nil
}

// NElements reports the number of accumulated (pre-duplicate-summing)
// entries.
func (m *Matrix) NElements() int { return len(m.entries) }

// Dims returns the matrix shape.
func (m *Matrix) Dims() (int, int) { return m.rows, m.cols }

// Clear empties the matrix while preserving the entries slice's capacity.
func (m *Matrix) Clear() {
	m.entries = m.entries[:0]
	m.final = false
	m.csr = nil
	m.finalRows, m.finalCols, m.finalVals = nil, nil, nil
}

// Finalize sorts the accumulated triples row-major with column-ascending
// ties, sums duplicate (i,j) pairs, and builds the compressed-row
// representation consumed by linsolve. After Finalize, iteration order
// over the matrix is row 0..rows-1 ascending, columns ascending within a
// row, with every (i,j) pair appearing at most once.
func (m *Matrix) Finalize() error {
	sorted := make([]triple, len(m.entries))
	copy(sorted, m.entries)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].i != sorted[b].i {
			return sorted[a].i < sorted[b].i
		}
		return sorted[a].j < sorted[b].j
	})

	rows := make([]int, 0, len(sorted))
	cols := make([]int, 0, len(sorted))
	vals := make([]float64, 0, len(sorted))
	for _, e := range sorted {
		n := len(vals)
		if n > 0 && rows[n-1] == e.i && cols[n-1] == e.j {
			vals[n-1] += e.v
			continue
		}
		rows = append(rows, e.i)
		cols = append(cols, e.j)
		vals = append(vals, e.v)
	}

	coo := sparse.NewCOO(m.rows, m.cols, rows, cols, vals)
	m.csr = coo.ToCSR()
	m.finalRows, m.finalCols, m.finalVals = rows, cols, vals
	m.final = true
	return nil
}

// CSR returns the compressed-row form produced by the last Finalize call.
// CSR panics if called before Finalize, mirroring the container's
// "finalize-then-consume" contract.
func (m *Matrix) CSR() *sparse.CSR {
	if !m.final || m.csr == nil {
		panic("sparse: CSR() called before Finalize()")
	}
	return m.csr
}

// Dense materializes the finalized matrix as a dense gonum matrix, used by
// the linsolve package's DenseLU adapter.
func (m *Matrix) Dense() *mat.Dense {
	d := mat.NewDense(m.rows, m.cols, nil)
	for k, v := range m.finalVals {
		d.Set(m.finalRows[k], m.finalCols[k], v)
	}
	return d
}

// Validate checks the coordinate-matrix invariants: indices in range
// and, once Finalize has run, that no duplicate (i,j) pair survived it
// and that the finalized shape still matches the declared dimensions.
// Duplicates are legal before Finalize; Finalize sums them. Validate
// returns a *ShapeError (Kind() == KindShape) on violation.
func (m *Matrix) Validate() error {
	for _, e := range m.entries {
		if e.i < 0 || e.i >= m.rows || e.j < 0 || e.j >= m.cols {
			return &ShapeError{Op: "validate", Msg: fmt.Sprintf("index (%d,%d) out of range", e.i, e.j)}
		}
	}
	if !m.final {
		return nil
	}
	if r, c := m.rows, m.cols; r < 0 || c < 0 {
		return &ShapeError{Op: "validate", Msg: "negative dimension"}
	}
	if len(m.finalCols) != len(m.finalRows) || len(m.finalVals) != len(m.finalRows) {
		return &ShapeError{Op: "validate", Msg: "inconsistent finalized array lengths"}
	}
	if r, c := m.csr.Dims(); r != m.rows || c != m.cols {
		return &ShapeError{Op: "validate", Msg: fmt.Sprintf("finalized shape %dx%d does not match declared %dx%d", r, c, m.rows, m.cols)}
	}
	for k := 1; k < len(m.finalRows); k++ {
		if m.finalRows[k] == m.finalRows[k-1] && m.finalCols[k] == m.finalCols[k-1] {
			return &ShapeError{Op: "validate", Msg: fmt.Sprintf("duplicate entry (%d,%d) survived finalize", m.finalRows[k], m.finalCols[k])}
		}
	}
	return nil
}

// Each calls fn once per finalized non-zero entry (value, row, col), in
// the row-major order Finalize establishes. Each panics if called before
// Finalize.
func (m *Matrix) Each(fn func(v float64, i, j int)) {
	if !m.final {
		panic("sparse: Each() called before Finalize()")
	}
	for k := range m.finalVals {
		fn(m.finalVals[k], m.finalRows[k], m.finalCols[k])
	}
}

// PatternFingerprint identifies a matrix's non-zero sparsity pattern,
// independent of values, so the linear solver adapter can detect when a
// new symbolic factorization is required.
type PatternFingerprint string

// Pattern returns the fingerprint of the finalized non-zero pattern.
// Pattern panics if called before Finalize.
func (m *Matrix) Pattern() PatternFingerprint {
	if !m.final {
		panic("sparse: Pattern() called before Finalize()")
	}
	buf := make([]byte, 0, len(m.finalRows)*10)
	for k := range m.finalRows {
		buf = append(buf, fmt.Sprintf("%d,%d;", m.finalRows[k], m.finalCols[k])...)
	}
	return PatternFingerprint(buf)
}
