// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	. "github.com/gomlx/exceptions"

	"github.com/gomlx/etnn/internal/workerspool"
)

// workers runs the row-block scans of MatMul. Results are merged in block
// order, so the parallelism is invisible in the output.
var workers = workerspool.New()

// matMulBlockRows is the number of output rows each parallel block handles.
const matMulBlockRows = 512

// Transpose returns the relation with rows and columns swapped, in canonical
// form.
func (r *Relation) Transpose() *Relation {
	return New(r.NumCols, r.NumRows, r.Cols, r.Rows, r.Values)
}

// Scale returns the relation with every value multiplied by alpha. The
// nonzero pattern is unchanged (alpha = 0 keeps explicit zeros).
func (r *Relation) Scale(alpha float64) *Relation {
	values := make([]float64, len(r.Values))
	for p, v := range r.Values {
		values[p] = alpha * v
	}
	return New(r.NumRows, r.NumCols, r.Rows, r.Cols, values)
}

// rowStarts returns the CSR-style row offsets of the canonical entries:
// row i's entries live at positions [starts[i], starts[i+1]).
func (r *Relation) rowStarts() []int32 {
	starts := make([]int32, r.NumRows+1)
	for _, row := range r.Rows {
		starts[row+1]++
	}
	for i := 1; i <= r.NumRows; i++ {
		starts[i] += starts[i-1]
	}
	return starts
}

// MatMul returns the sparse product r · o.
//
// Output rows are computed in independent blocks, in parallel, each row
// accumulating value products per output column. Entries that cancel to zero
// stay in the result as explicit zeros, consistent with the construction
// policy.
func (r *Relation) MatMul(o *Relation) *Relation {
	if r.NumCols != o.NumRows {
		Panicf("sparse: cannot multiply %s by %s: inner dimensions differ", r.describe(), o.describe())
	}
	rStarts := r.rowStarts()
	oStarts := o.rowStarts()
	numBlocks := (r.NumRows + matMulBlockRows - 1) / matMulBlockRows

	type block struct {
		rows, cols []int32
		values     []float64
	}
	blocks := make([]block, numBlocks)
	workers.For(numBlocks, func(b int) {
		first := b * matMulBlockRows
		last := min(first+matMulBlockRows, r.NumRows)
		out := &blocks[b]
		acc := make(map[int32]float64)
		for i := first; i < last; i++ {
			clear(acc)
			for p := rStarts[i]; p < rStarts[i+1]; p++ {
				k, v := r.Cols[p], r.Values[p]
				for q := oStarts[k]; q < oStarts[k+1]; q++ {
					acc[o.Cols[q]] += v * o.Values[q]
				}
			}
			if len(acc) == 0 {
				continue
			}
			cols := make([]int32, 0, len(acc))
			for c := range acc {
				cols = append(cols, c)
			}
			sort.Slice(cols, func(a, b int) bool { return cols[a] < cols[b] })
			for _, c := range cols {
				out.rows = append(out.rows, int32(i))
				out.cols = append(out.cols, c)
				out.values = append(out.values, acc[c])
			}
		}
	})

	var total int
	for b := range blocks {
		total += len(blocks[b].rows)
	}
	rows := make([]int32, 0, total)
	cols := make([]int32, 0, total)
	values := make([]float64, 0, total)
	for b := range blocks {
		rows = append(rows, blocks[b].rows...)
		cols = append(cols, blocks[b].cols...)
		values = append(values, blocks[b].values...)
	}
	return New(r.NumRows, o.NumCols, rows, cols, values)
}

// AdjacencyVia returns the node-to-node relation induced by a shared
// incidence: for an incidence relation of higher-order cells to nodes
// (cells x nodes), the result is incᵀ·inc (nodes x nodes), with entry (i, j)
// accumulating the value products over every cell incident to both i and j.
//
// This is how the node adjacencies "via" edges or higher cells are derived
// from raw incidences before a layer pass.
func AdjacencyVia(inc *Relation) *Relation {
	return inc.Transpose().MatMul(inc)
}

// Dense converts the relation to a gonum dense matrix. Intended for interop
// and test references; it panics when a dimension is zero (gonum requires
// positive dimensions).
func (r *Relation) Dense() *mat.Dense {
	if r.NumRows == 0 || r.NumCols == 0 {
		Panicf("sparse: cannot densify %s: zero dimension", r.describe())
	}
	d := mat.NewDense(r.NumRows, r.NumCols, nil)
	for p := range r.Rows {
		d.Set(int(r.Rows[p]), int(r.Cols[p]), r.Values[p])
	}
	return d
}

// FromMatrix creates a Relation from any gonum matrix, keeping the nonzero
// entries.
func FromMatrix(m mat.Matrix) *Relation {
	numRows, numCols := m.Dims()
	var rows, cols []int32
	var values []float64
	for i := range numRows {
		for j := range numCols {
			v := m.At(i, j)
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
