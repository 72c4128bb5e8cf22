// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package etnn

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/etnn/sparse"
)

// ScaleBySource returns one row per nonzero of rel (canonical order): the
// features row of the nonzero's row index, scaled by the nonzero's value.
// features must be shaped [rel.NumRows, featDim].
//
// For an incidence of cells to nodes this is the raw per-incidence message of
// each cell, usually relinked afterwards onto an adjacency (see Relink).
func ScaleBySource(rel *sparse.Relation, features *Node) *Node {
	if features.Rank() != 2 || features.Shape().Dimensions[0] != rel.NumRows {
		Panicf("etnn.ScaleBySource: features must be shaped [%d, featDim] to match %s, got %s",
			rel.NumRows, rel, features.Shape())
	}
	g := features.Graph()
	gathered := Gather(features, indicesNode(g, rel.Rows))
	return Mul(gathered, valuesNode(g, rel.Values, features.DType()))
}

// ScaleByTarget is ScaleBySource with the column index: one row per nonzero,
// the features row of the nonzero's column, scaled by the nonzero's value.
// features must be shaped [rel.NumCols, featDim].
func ScaleByTarget(rel *sparse.Relation, features *Node) *Node {
	if features.Rank() != 2 || features.Shape().Dimensions[0] != rel.NumCols {
		Panicf("etnn.ScaleByTarget: features must be shaped [%d, featDim] to match %s, got %s",
			rel.NumCols, rel, features.Shape())
	}
	g := features.Graph()
	gathered := Gather(features, indicesNode(g, rel.Cols))
	return Mul(gathered, valuesNode(g, rel.Values, features.DType()))
}

// trackMessages computes one message per nonzero (i, j) of the track's
// adjacency: the transformer applied to [h_i, h_j, distance(i, j)] plus, if
// the track has an incidence, the carried features of the first cell
// incident to i. Only relative distances enter, never raw positions, which
// is what keeps the features E(n)-invariant.
func (c *Config) trackMessages(ctx *context.Context, nb *Neighborhood) *Node {
	rel := nb.Adjacency
	g := c.h0.Graph()
	rows := indicesNode(g, rel.Rows)
	cols := indicesNode(g, rel.Cols)

	hi := Gather(c.h0, rows)
	hj := Gather(c.h0, cols)
	distance := L2Norm(Sub(Gather(c.x, rows), Gather(c.x, cols)), -1)
	parts := []*Node{hi, hj, distance}
	if nb.Incidence != nil {
		carried := Relink(ScaleBySource(nb.Incidence, nb.Features), nb.Incidence, rel)
		parts = append(parts, carried)
	}

	transformer := nb.Transformer
	if transformer == nil {
		transformer = defaultTransformer(c.h0.Shape().Dimensions[1], c.h0.Shape().Dimensions[1])
	}
	messages := transformer(ctx.In("message"), Concatenate(parts, -1))
	if messages.Rank() != 2 || messages.Shape().Dimensions[0] != rel.NNZ() {
		Panicf("etnn: neighborhood %q messages must keep one row per nonzero ([%d, messageDim]), got %s",
			nb.Name, rel.NNZ(), messages.Shape())
	}
	if NanLogger != nil {
		NanLogger.TraceFirstNaN(messages, fmt.Sprintf("messages(%s)", ctx.Scope()))
	}
	return messages
}
