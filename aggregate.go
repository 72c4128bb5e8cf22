// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package etnn

import (
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"

	"github.com/gomlx/etnn/sparse"
)

// numReducers returns how many "|"-separated reducers a combination holds.
func numReducers(reducers string) int {
	return len(strings.Split(reducers, "|"))
}

// AggregateIntra pools the per-nonzero messages of one track into one summary
// row per node: messages is shaped [rel.NNZ(), messageDim], in canonical
// nonzero order, and each message is pooled into its nonzero's row index.
//
// reducers is "sum", "mean" or "max", or a "|"-separated combination,
// concatenated feature-wise (so "mean|max" returns [numNodes, 2*messageDim]).
// Nodes with no incoming nonzeros summarize to zeros; the mean divides by the
// count clamped to at least one, so it never divides by zero.
func AggregateIntra(rel *sparse.Relation, messages *Node, reducers string) *Node {
	if messages.Rank() != 2 || messages.Shape().Dimensions[0] != rel.NNZ() {
		Panicf("etnn.AggregateIntra: messages must be shaped [%d, messageDim] to match %s, got %s",
			rel.NNZ(), rel, messages.Shape())
	}
	g := messages.Graph()
	dtype := messages.DType()
	dtypePool := dtype
	if dtype.IsFloat16() {
		// Up-precision to 32 bits for pooling.
		dtypePool = dtypes.Float32
	}
	numNodes := rel.NumRows
	messageDim := messages.Shape().Dimensions[1]
	nnz := rel.NNZ()
	rows := indicesNode(g, rel.Rows)

	values := messages
	if dtypePool != dtype {
		values = ConvertDType(values, dtypePool)
	}
	reducersList := strings.Split(reducers, "|")
	parts := make([]*Node, 0, len(reducersList))
	var pooled *Node
	for _, reducer := range reducersList {
		switch reducer {
		case "sum", "mean":
			pooled = Scatter(rows, values, shapes.Make(dtypePool, numNodes, messageDim), false, false)
			if reducer == "mean" {
				ones := Ones(g, shapes.Make(dtypePool, nnz, 1))
				pooledCount := Scatter(rows, ones, shapes.Make(dtypePool, numNodes, 1), false, false)
				pooledCount = MaxScalar(pooledCount, 1) // To avoid division by 0.
				pooled = Div(pooled, pooledCount)
			}
		case "max":
			lowest := BroadcastToDims(Infinity(g, dtypePool, -1), numNodes, messageDim)
			pooled = ScatterMax(lowest, rows, values, false, false)
			// Rows nothing scattered into stay -inf: zero them.
			ones := Ones(g, shapes.Make(dtypePool, nnz, 1))
			pooledCount := Scatter(rows, ones, shapes.Make(dtypePool, numNodes, 1), false, false)
			pooled = Where(ConvertDType(pooledCount, dtypes.Bool), pooled, ZerosLike(pooled))
		default:
			Panicf("etnn.AggregateIntra: unknown reducer %q (of %q) -- valid values are sum, mean and max, or a combination of them separated by '|'",
				reducer, reducers)
		}
		parts = append(parts, pooled)
	}
	if len(parts) == 1 {
		return ConvertDType(parts[0], dtype)
	}
	return ConvertDType(Concatenate(parts, -1), dtype)
}

// AggregateInter combines the per-track summaries element-wise into a single
// tensor with the same shape: reducer is "sum", "mean" or "max". Track order
// is fixed by the layer configuration, so the combination is deterministic.
func AggregateInter(summaries []*Node, reducer string) *Node {
	if len(summaries) == 0 {
		Panicf("etnn.AggregateInter: no summaries to combine")
	}
	if len(summaries) == 1 {
		return summaries[0]
	}
	stacked := Stack(summaries, 0)
	switch reducer {
	case "sum":
		return ReduceSum(stacked, 0)
	case "mean":
		return ReduceMean(stacked, 0)
	case "max":
		return ReduceMax(stacked, 0)
	}
	Panicf("etnn.AggregateInter: unknown reducer %q -- valid values are sum, mean and max", reducer)
	return nil
}
