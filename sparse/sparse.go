// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sparse implements the canonical sparse relation structure used to
// describe adjacency and incidence between the levels of a hierarchical cell
// complex (nodes, edges, higher-order cells), along with the key-linking
// index that lets dense tensors indexed by one relation's nonzeros be
// re-expressed on another relation's nonzeros.
//
// A Relation is an immutable value object: a COO (coordinate) list of
// nonzeros in canonical form -- entries sorted by (row, col), duplicates
// summed at construction -- plus a precomputed column-key to
// first-occurrence table. Canonical order is what makes "one row of a dense
// tensor per nonzero" a well-defined contract, so every operation in this
// package and in the layer packages built on top of it refers to nonzero
// positions in this order.
//
// Relations are host (CPU) structures: they are prepared once per complex and
// then embedded as constants in computation graphs by the layer code.
package sparse

import (
	"fmt"
	"sort"
	"strings"

	humanize "github.com/dustin/go-humanize"

	. "github.com/gomlx/exceptions"
)

// NoFirstOccurrence marks a column key with no nonzero in a relation.
//
// Linking resolves each shared key to the first nonzero carrying it, in
// canonical order ("first occurrence wins"). Keys that never occur map to
// NoFirstOccurrence and are later zero-filled, not errors. Averaging over all
// occurrences would be a reasonable alternative, but it would silently change
// numerical results, so the first-occurrence policy is fixed and tested.
const NoFirstOccurrence = int32(-1)

// Relation is a sparse relation (adjacency or incidence) between two index
// spaces, in canonical COO form.
//
// The exported fields are for reading (and gob encoding) only: mutating them
// breaks the canonical-order invariant. Use the constructors and the algebra
// methods, which always return new values.
type Relation struct {
	// Name is optional and used only in diagnostics (String, error messages).
	Name string

	// NumRows and NumCols are the dimensions of the two index spaces.
	NumRows, NumCols int

	// Rows and Cols hold the nonzero coordinates, sorted by (row, col).
	Rows, Cols []int32

	// Values are aligned with Rows/Cols. Construction with nil values fills
	// in ones. Explicit zeros are kept: the nonzero pattern is structural
	// (a zero-weight incidence still participates in linking).
	Values []float64

	// colFirst[k] is the position of the first nonzero whose column is k, or
	// NoFirstOccurrence. Rebuilt by index() after construction or decoding.
	colFirst []int32
}

// New creates a canonical Relation with the given dimensions and nonzeros.
//
// The entry slices are copied, sorted by (row, col) and duplicate coordinates
// are summed. A nil values slice means all entries have value 1. It panics on
// inconsistent slice lengths or out-of-range indices.
func New(numRows, numCols int, rows, cols []int32, values []float64) *Relation {
	if numRows < 0 || numCols < 0 {
		Panicf("sparse.New: dimensions must be non-negative, got %d x %d", numRows, numCols)
	}
	if len(rows) != len(cols) {
		Panicf("sparse.New: rows and cols must have the same length, got %d and %d", len(rows), len(cols))
	}
	if values != nil && len(values) != len(rows) {
		Panicf("sparse.New: values must be nil or aligned with the %d entries, got %d", len(rows), len(values))
	}
	nnz := len(rows)
	r := &Relation{
		NumRows: numRows,
		NumCols: numCols,
		Rows:    make([]int32, nnz),
		Cols:    make([]int32, nnz),
		Values:  make([]float64, nnz),
	}
	copy(r.Rows, rows)
	copy(r.Cols, cols)
	if values == nil {
		for p := range r.Values {
			r.Values[p] = 1
		}
	} else {
		copy(r.Values, values)
	}
	for p := range nnz {
		if r.Rows[p] < 0 || int(r.Rows[p]) >= numRows || r.Cols[p] < 0 || int(r.Cols[p]) >= numCols {
			Panicf("sparse.New: entry #%d is (%d, %d), out of range for a %d x %d relation",
				p, r.Rows[p], r.Cols[p], numRows, numCols)
		}
	}
	r.canonicalize()
	r.index()
	return r
}

// FromRowMajor creates a Relation from a dense row-major matrix, keeping only
// the nonzero entries. Mostly a convenience for tests and small fixtures.
func FromRowMajor(dense [][]float64) *Relation {
	numRows := len(dense)
	numCols := 0
	if numRows > 0 {
		numCols = len(dense[0])
	}
	var rows, cols []int32
	var values []float64
	for i, denseRow := range dense {
		if len(denseRow) != numCols {
			Panicf("sparse.FromRowMajor: row %d has %d columns, expected %d", i, len(denseRow), numCols)
		}
		for j, v := range denseRow {
			if v == 0 {
				continue
			}
			rows = append(rows, int32(i))
			cols = append(cols, int32(j))
			values = append(values, v)
		}
	}
	return New(numRows, numCols, rows, cols, values)
}

// canonicalize sorts the entries by (row, col) and sums duplicates in place.
func (r *Relation) canonicalize() {
	nnz := len(r.Rows)
	if nnz == 0 {
		return
	}
	perm := make([]int, nnz)
	for p := range perm {
		perm[p] = p
	}
	sort.SliceStable(perm, func(a, b int) bool {
		pa, pb := perm[a], perm[b]
		if r.Rows[pa] != r.Rows[pb] {
			return r.Rows[pa] < r.Rows[pb]
		}
		return r.Cols[pa] < r.Cols[pb]
	})
	rows := make([]int32, 0, nnz)
	cols := make([]int32, 0, nnz)
	values := make([]float64, 0, nnz)
	for _, p := range perm {
		last := len(rows) - 1
		if last >= 0 && rows[last] == r.Rows[p] && cols[last] == r.Cols[p] {
			values[last] += r.Values[p]
			continue
		}
		rows = append(rows, r.Rows[p])
		cols = append(cols, r.Cols[p])
		values = append(values, r.Values[p])
	}
	r.Rows, r.Cols, r.Values = rows, cols, values
}

// index builds the column-key to first-occurrence table. Entries are already
// canonical, so the first position seen per key is the smallest.
func (r *Relation) index() {
	first := make([]int32, r.NumCols)
	for k := range first {
		first[k] = NoFirstOccurrence
	}
	for p, c := range r.Cols {
		if first[c] == NoFirstOccurrence {
			first[c] = int32(p)
		}
	}
	r.colFirst = first
}

// NNZ returns the number of (canonical) nonzero entries.
func (r *Relation) NNZ() int { return len(r.Rows) }

// Dims returns the relation dimensions (rows, cols).
func (r *Relation) Dims() (numRows, numCols int) { return r.NumRows, r.NumCols }

// At returns the value at (row, col), or 0 when the coordinate holds no
// entry. Lookup is a binary search over the canonical entries.
func (r *Relation) At(row, col int32) float64 {
	if row < 0 || int(row) >= r.NumRows || col < 0 || int(col) >= r.NumCols {
		Panicf("sparse: At(%d, %d) out of range for %s", row, col, r.describe())
	}
	p := sort.Search(len(r.Rows), func(p int) bool {
		if r.Rows[p] != row {
			return r.Rows[p] > row
		}
		return r.Cols[p] >= col
	})
	if p < len(r.Rows) && r.Rows[p] == row && r.Cols[p] == col {
		return r.Values[p]
	}
	return 0
}

// describe returns a short identification used in error messages.
func (r *Relation) describe() string {
	if r.Name == "" {
		return fmt.Sprintf("relation %dx%d", r.NumRows, r.NumCols)
	}
	return fmt.Sprintf("relation %q (%dx%d)", r.Name, r.NumRows, r.NumCols)
}

// String returns a one-line description of the relation.
func (r *Relation) String() string {
	var parts []string
	if r.Name != "" {
		parts = append(parts, fmt.Sprintf("Relation %q:", r.Name))
	} else {
		parts = append(parts, "Relation:")
	}
	parts = append(parts, fmt.Sprintf("%s x %s,",
		humanize.Comma(int64(r.NumRows)), humanize.Comma(int64(r.NumCols))))
	parts = append(parts, fmt.Sprintf("%s nonzeros", humanize.Comma(int64(r.NNZ()))))
	return strings.Join(parts, " ")
}
