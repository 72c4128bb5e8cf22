// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package etnn

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"

	"github.com/gomlx/etnn/sparse"
)

// indicesNode embeds a host-side index list as a graph constant shaped
// [len(indices), 1], ready for Gather and Scatter.
func indicesNode(g *Graph, indices []int32) *Node {
	return InsertAxes(Const(g, indices), -1)
}

// valuesNode embeds a relation's values as a graph constant shaped
// [len(values), 1], in the given dtype.
func valuesNode(g *Graph, values []float64, dtype dtypes.DType) *Node {
	return InsertAxes(ConvertDType(Const(g, values), dtype), -1)
}

// Relink re-expresses a dense tensor indexed by src's nonzeros (one row per
// nonzero, in canonical order) as one indexed by dst's nonzeros.
//
// src's columns and dst's rows must index the same key space
// (sparse.Linkable). Each dst nonzero takes the row of the first src nonzero
// sharing its key; keys with no src occurrence produce all-zero rows. The
// position table is resolved on the host once per graph and embedded as a
// constant, so the relinking itself is a single gather.
func Relink(x *Node, src, dst *sparse.Relation) *Node {
	if x.Rank() != 2 {
		Panicf("etnn.Relink: expected x shaped [nnz, featDim], got %s", x.Shape())
	}
	if x.Shape().Dimensions[0] != src.NNZ() {
		Panicf("etnn.Relink: x has %d rows but source %s has %d nonzeros",
			x.Shape().Dimensions[0], src, src.NNZ())
	}
	g := x.Graph()
	featDim := x.Shape().Dimensions[1]
	if dst.NNZ() == 0 || src.NNZ() == 0 {
		// Nothing to gather (or gather from): every output row is zero.
		return Zeros(g, shapes.Make(x.DType(), dst.NNZ(), featDim))
	}
	positions := src.LinkPositions(dst)
	clamped := make([]int32, len(positions))
	valid := make([]bool, len(positions))
	numValid := 0
	for q, p := range positions {
		if p == sparse.NoFirstOccurrence {
			continue // Gather from row 0, masked out below.
		}
		clamped[q] = p
		valid[q] = true
		numValid++
	}
	gathered := Gather(x, indicesNode(g, clamped))
	if numValid == len(positions) {
		return gathered
	}
	mask := InsertAxes(Const(g, valid), -1)
	return Where(mask, gathered, ZerosLike(gathered))
}
