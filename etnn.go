// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package etnn implements an E(n)-equivariant message-passing layer over
// hierarchical cell complexes (nodes, edges, faces and higher-order cells),
// in the style of E(n) Equivariant Topological Neural Networks.
//
// The layer updates a node feature matrix H0 ([numNodes, featDim]) and,
// optionally, node positions X ([numNodes, spaceDim]), from one or more
// neighborhood tracks. Each track is a sparse node-to-node adjacency
// (see the sparse package), optionally paired with an incidence to
// higher-order cells whose features are carried into the node messages.
// Messages are a function of the two endpoint features and their distance
// only, so updated features are invariant -- and position updates
// equivariant -- under rotations and translations of X.
//
// A layer is built with the usual configuration idiom:
//
//	h1, x1 := etnn.New(ctx.In("layer_0"), h0, x,
//		&etnn.Neighborhood{Name: "via_edges", Adjacency: adjEdges, Incidence: incEdges, Features: edgeFeatures},
//		&etnn.Neighborhood{Name: "via_faces", Adjacency: adjFaces, Incidence: incFaces, Features: faceFeatures},
//	).PositionUpdate(true).Done()
//
// Stack layers by calling it again under a different scope. Transformers
// (the learned message, weight and update functions) default to FNNs
// configured by the usual context hyperparameters, or KANs if the
// hyperparameter "kan" is set; any of them can be replaced by a custom
// Transformer.
package etnn

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/nanlogger"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/layers/kan"

	"github.com/gomlx/etnn/sparse"
)

const (
	// ParamPositionUpdate is the context hyperparameter that enables the
	// equivariant position update. Default to false: only features are
	// updated, positions pass through unchanged.
	ParamPositionUpdate = "etnn_position_update"

	// ParamIntraReducer is the context hyperparameter with the reducer(s)
	// pooling per-nonzero messages into one row per node, within a track.
	// Valid values are "sum", "mean" and "max", or a combination separated
	// by "|" (concatenated feature-wise). Default to "mean".
	ParamIntraReducer = "etnn_intra_reducer"

	// ParamInterReducer is the context hyperparameter with the reducer
	// combining the per-track summaries element-wise: "sum", "mean" or
	// "max". Default to "sum".
	ParamInterReducer = "etnn_inter_reducer"
)

// NanLogger, if set, is used to monitor all messages and updates of every
// layer, reporting on the first NaN to show up, with the scope it appeared
// in.
var NanLogger *nanlogger.NanLogger

// Transformer is a learned function applied to a dense tensor shaped
// [numRows, featuresDim], returning one with the same number of rows. The
// message, position-weight and feature-update functions of a layer are
// Transformers, each called under its own context scope.
type Transformer func(ctx *context.Context, x *Node) *Node

// Neighborhood is one message-passing track of a layer: a node-to-node
// adjacency, optionally enriched with features of the higher-order cells
// inducing it.
type Neighborhood struct {
	// Name scopes the track's variables and appears in error messages and
	// NaN traces. Required, and unique within a layer.
	Name string

	// Adjacency relates nodes to nodes: one message flows along each nonzero
	// (i, j), from j to i. Required, shaped [numNodes, numNodes].
	Adjacency *sparse.Relation

	// Incidence optionally relates higher-order cells (rows) to nodes
	// (columns). When set, Features must hold one row per cell, and each
	// message along (i, j) carries the features of the first cell incident
	// to i, scaled by the incidence value.
	Incidence *sparse.Relation

	// Features of the higher-order cells, shaped
	// [Incidence.NumRows, cellFeatDim]. Set together with Incidence.
	Features *Node

	// Transformer computes messages from the concatenation
	// [h_i, h_j, distance(i, j), carried cell features]. If nil, a default
	// FNN (or KAN) with the node feature dimension as output is used.
	Transformer Transformer

	// WeightTransformer computes the position-update weight of each message,
	// shaped [nnz, 1]. If nil, a default FNN (or KAN) with one output is
	// used. Only used when the position update is enabled.
	WeightTransformer Transformer
}

// Config is created with New and can be further configured before calling
// Done.
type Config struct {
	ctx           *context.Context
	h0, x         *Node
	neighborhoods []*Neighborhood

	positionUpdate             bool
	intraReducer, interReducer string
	updateTransformer          Transformer
}

// New starts the configuration of one layer pass over node features h0
// ([numNodes, featDim]) and positions x ([numNodes, spaceDim]), with one
// message-passing track per neighborhood.
//
// It panics on malformed inputs: shapes are checked eagerly, against the
// relation dimensions, so mistakes fail at graph-building time with the
// offending track named.
//
// The returned Config can be furthered configured. Call Done when finished,
// it returns the updated features and positions.
func New(ctx *context.Context, h0, x *Node, neighborhoods ...*Neighborhood) *Config {
	if h0 == nil || h0.Rank() != 2 {
		Panicf("etnn: node features must be shaped [numNodes, featDim], got %s", h0.Shape())
	}
	if x == nil || x.Rank() != 2 {
		Panicf("etnn: node positions must be shaped [numNodes, spaceDim], got %s", x.Shape())
	}
	numNodes := h0.Shape().Dimensions[0]
	if x.Shape().Dimensions[0] != numNodes {
		Panicf("etnn: features have %d nodes, positions have %d", numNodes, x.Shape().Dimensions[0])
	}
	if x.DType() != h0.DType() {
		Panicf("etnn: features (%s) and positions (%s) must have the same dtype", h0.DType(), x.DType())
	}
	seen := make(map[string]bool, len(neighborhoods))
	for _, nb := range neighborhoods {
		if nb.Name == "" {
			Panicf("etnn: every neighborhood needs a Name, it scopes the track's variables")
		}
		if seen[nb.Name] {
			Panicf("etnn: duplicate neighborhood name %q", nb.Name)
		}
		seen[nb.Name] = true
		if nb.Adjacency == nil {
			Panicf("etnn: neighborhood %q is missing its adjacency", nb.Name)
		}
		if nb.Adjacency.NumRows != numNodes || nb.Adjacency.NumCols != numNodes {
			Panicf("etnn: neighborhood %q adjacency is %dx%d, expected %dx%d",
				nb.Name, nb.Adjacency.NumRows, nb.Adjacency.NumCols, numNodes, numNodes)
		}
		if (nb.Incidence == nil) != (nb.Features == nil) {
			Panicf("etnn: neighborhood %q must set Incidence and Features together", nb.Name)
		}
		if nb.Incidence == nil {
			continue
		}
		if nb.Incidence.NumCols != numNodes {
			Panicf("etnn: neighborhood %q incidence has %d columns, expected one per node (%d)",
				nb.Name, nb.Incidence.NumCols, numNodes)
		}
		if nb.Features.Rank() != 2 || nb.Features.Shape().Dimensions[0] != nb.Incidence.NumRows {
			Panicf("etnn: neighborhood %q cell features must be shaped [%d, cellFeatDim], got %s",
				nb.Name, nb.Incidence.NumRows, nb.Features.Shape())
		}
		if nb.Features.DType() != h0.DType() {
			Panicf("etnn: neighborhood %q cell features dtype (%s) differs from node features (%s)",
				nb.Name, nb.Features.DType(), h0.DType())
		}
	}
	return &Config{
		ctx:            ctx,
		h0:             h0,
		x:              x,
		neighborhoods:  neighborhoods,
		positionUpdate: context.GetParamOr(ctx, ParamPositionUpdate, false),
		intraReducer:   context.GetParamOr(ctx, ParamIntraReducer, "mean"),
		interReducer:   context.GetParamOr(ctx, ParamInterReducer, "sum"),
	}
}

// PositionUpdate sets whether positions are updated equivariantly along with
// the features. It overrides [ParamPositionUpdate].
func (c *Config) PositionUpdate(enabled bool) *Config {
	c.positionUpdate = enabled
	return c
}

// IntraReducer sets the reducer(s) pooling per-nonzero messages into one row
// per node within a track: "sum", "mean", "max" or a "|"-separated
// combination, concatenated feature-wise. It overrides [ParamIntraReducer].
func (c *Config) IntraReducer(reducers string) *Config {
	c.intraReducer = reducers
	return c
}

// InterReducer sets the reducer combining per-track summaries element-wise:
// "sum", "mean" or "max". It overrides [ParamInterReducer].
func (c *Config) InterReducer(reducer string) *Config {
	c.interReducer = reducer
	return c
}

// UpdateTransformer replaces the default feature-update transformer, applied
// to the concatenation of the current features and the combined track
// summaries. Its output is added to the features (residual), so it must
// return the node feature dimension.
func (c *Config) UpdateTransformer(t Transformer) *Config {
	c.updateTransformer = t
	return c
}

// Done builds the layer and returns the updated node features and positions.
//
// With no neighborhoods the layer is the identity. Tracks whose adjacency has
// no nonzeros contribute an all-zeros summary and no position delta. When the
// position update is disabled, the positions are returned unchanged.
func (c *Config) Done() (h0, x *Node) {
	h0, x = c.h0, c.x
	if len(c.neighborhoods) == 0 {
		return
	}
	g := h0.Graph()
	dtype := h0.DType()
	numNodes := h0.Shape().Dimensions[0]
	featDim := h0.Shape().Dimensions[1]

	summaries := make([]*Node, len(c.neighborhoods))
	var deltas []*Node
	for nbIdx, nb := range c.neighborhoods {
		if nb.Adjacency.NNZ() == 0 {
			continue // Zero-filled below, once the summary width is known.
		}
		nbCtx := c.ctx.In(nb.Name)
		messages := c.trackMessages(nbCtx, nb)
		summaries[nbIdx] = AggregateIntra(nb.Adjacency, messages, c.intraReducer)
		if c.positionUpdate {
			deltas = append(deltas, c.positionDelta(nbCtx, nb, messages))
		}
	}

	// Tracks without nonzeros summarize to zeros, in the width of the other
	// tracks (or of the default transformer, if every track is empty).
	summaryWidth := featDim * numReducers(c.intraReducer)
	for _, summary := range summaries {
		if summary != nil {
			summaryWidth = summary.Shape().Dimensions[1]
		}
	}
	for nbIdx, summary := range summaries {
		if summary == nil {
			summaries[nbIdx] = Zeros(g, shapes.Make(dtype, numNodes, summaryWidth))
		}
	}

	combined := AggregateInter(summaries, c.interReducer)
	update := c.updateTransformer
	if update == nil {
		update = defaultTransformer(featDim, featDim)
	}
	h0 = Add(h0, update(c.ctx.In("update"), Concatenate([]*Node{h0, combined}, -1)))
	if NanLogger != nil {
		NanLogger.TraceFirstNaN(h0, fmt.Sprintf("updateFeatures(%s)", c.ctx.Scope()))
	}

	for _, delta := range deltas {
		x = Add(x, delta)
	}
	return
}

// defaultTransformer builds the standard learned function: an FNN -- or a KAN
// if the context hyperparameter "kan" is set -- with one hidden layer of
// defaultHiddenNodes nodes, overridable by the usual fnn hyperparameters.
// Activation, normalization and dropout also come from the context.
func defaultTransformer(outputDim, defaultHiddenNodes int) Transformer {
	return func(ctx *context.Context, input *Node) *Node {
		numHiddenLayers := context.GetParamOr(ctx, fnn.ParamNumHiddenLayers, 1)
		numHiddenNodes := context.GetParamOr(ctx, fnn.ParamNumHiddenNodes, defaultHiddenNodes)
		if context.GetParamOr(ctx, "kan", false) {
			return kan.New(ctx, input, outputDim).NumHiddenLayers(numHiddenLayers, numHiddenNodes).Done()
		}
		return fnn.New(ctx, input, outputDim).NumHiddenLayers(numHiddenLayers, numHiddenNodes).Done()
	}
}
