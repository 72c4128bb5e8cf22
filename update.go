// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package etnn

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// positionDelta computes one track's equivariant position update: each
// nonzero (i, j) pulls node i along the direction x_i - x_j, scaled by a
// learned per-message weight and damped by 1/(distance+1); node i moves by
// the mean of its incoming contributions (count clamped to at least one).
//
// Directions are differences of positions and the weights depend on
// E(n)-invariant messages only, so the delta rotates and translates with x.
func (c *Config) positionDelta(ctx *context.Context, nb *Neighborhood, messages *Node) *Node {
	rel := nb.Adjacency
	g := c.x.Graph()
	numNodes := c.x.Shape().Dimensions[0]
	spaceDim := c.x.Shape().Dimensions[1]
	nnz := rel.NNZ()

	weightTransformer := nb.WeightTransformer
	if weightTransformer == nil {
		weightTransformer = defaultTransformer(1, messages.Shape().Dimensions[1])
	}
	weights := weightTransformer(ctx.In("weights"), messages)
	if weights.Rank() != 2 || weights.Shape().Dimensions[0] != nnz || weights.Shape().Dimensions[1] != 1 {
		Panicf("etnn: neighborhood %q position weights must be shaped [%d, 1], got %s",
			nb.Name, nnz, weights.Shape())
	}
	// Weights are re-expressed on the adjacency itself: every nonzero (i, j)
	// uses the weight of the first nonzero keyed by i.
	weights = Relink(weights, rel, rel)

	dtype := c.x.DType()
	dtypePool := dtype
	if dtype.IsFloat16() {
		// Up-precision to 32 bits for pooling.
		dtypePool = dtypes.Float32
	}
	rows := indicesNode(g, rel.Rows)
	cols := indicesNode(g, rel.Cols)
	diffs := Sub(Gather(c.x, rows), Gather(c.x, cols))
	distance := L2Norm(diffs, -1)
	scaled := Div(Mul(weights, diffs), AddScalar(distance, 1))
	if dtypePool != dtype {
		scaled = ConvertDType(scaled, dtypePool)
	}
	summed := Scatter(rows, scaled, shapes.Make(dtypePool, numNodes, spaceDim), false, false)
	ones := Ones(g, shapes.Make(dtypePool, nnz, 1))
	count := Scatter(rows, ones, shapes.Make(dtypePool, numNodes, 1), false, false)
	count = MaxScalar(count, 1) // To avoid division by 0.
	delta := ConvertDType(Div(summed, count), dtype)
	if NanLogger != nil {
		NanLogger.TraceFirstNaN(delta, fmt.Sprintf("positionDelta(%s)", ctx.Scope()))
	}
	return delta
}
