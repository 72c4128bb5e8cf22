// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sparse

import (
	. "github.com/gomlx/exceptions"
)

// Linkable reports whether a dense tensor indexed by src's nonzeros can be
// relinked onto dst's nonzeros: src's column space and dst's row space must
// denote the same key set.
func Linkable(src, dst *Relation) bool {
	return src.NumCols == dst.NumRows
}

// FirstWithColumn returns the position (in canonical order) of the first
// nonzero whose column is key, or NoFirstOccurrence when no entry has that
// column.
func (r *Relation) FirstWithColumn(key int32) int32 {
	if key < 0 || int(key) >= r.NumCols {
		Panicf("sparse: FirstWithColumn(%d) out of range for %s", key, r.describe())
	}
	return r.colFirst[key]
}

// LinkPositions resolves, for every nonzero of dst, the position of src's
// nonzero that carries the same key: the q-th result is
// src.FirstWithColumn(dst.Rows[q]), so a dense tensor with one row per
// nonzero of src can be gathered into one with a row per nonzero of dst.
// Keys absent from src yield NoFirstOccurrence, to be zero-filled by the
// caller.
//
// src and dst must share the key space (Linkable). The cost is linear:
// O(nnz(dst)) here, on top of the O(nnz(src) + numCols) first-occurrence
// table already built at construction.
func (src *Relation) LinkPositions(dst *Relation) []int32 {
	if !Linkable(src, dst) {
		Panicf("sparse: cannot link %s to %s: source columns and destination rows must index the same key space",
			src.describe(), dst.describe())
	}
	positions := make([]int32, dst.NNZ())
	for q, key := range dst.Rows {
		positions[q] = src.colFirst[key]
	}
	return positions
}
