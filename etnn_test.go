package etnn

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/vnn"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/gomlx/etnn/sparse"
)

// sliceColumns builds a stub Transformer that picks a column range of its
// input, so layer outputs can be hand-computed.
func sliceColumns(from, to int) Transformer {
	return func(ctx *context.Context, x *Node) *Node {
		return Slice(x, AxisRange(), AxisRange(from, to))
	}
}

// TestLayerHandComputed runs one layer over a complex of 4 collinear nodes
// and a single cell covering all of them, with stub transformers that pick
// columns of their inputs, and checks features and positions against values
// computed by hand.
func TestLayerHandComputed(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	// Single cell covering all 4 nodes with weight 0.5; the adjacency it
	// induces is the full 4x4 pattern (values 0.25, only the pattern is
	// used).
	incidence := sparse.New(1, 4,
		[]int32{0, 0, 0, 0},
		[]int32{0, 1, 2, 3},
		[]float64{0.5, 0.5, 0.5, 0.5})
	adjacency := sparse.AdjacencyVia(incidence)
	require.Equal(t, 16, adjacency.NNZ())

	// Message stub: picks h_j from [h_i, h_j, distance, carried], checking
	// on the way that the carried cell features were concatenated.
	messageStub := func(ctx *context.Context, x *Node) *Node {
		require.Equal(t, 2+2+1+2, x.Shape().Dimensions[1])
		return Slice(x, AxisRange(), AxisRange(2, 4))
	}

	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		h0 := Const(g, [][]float64{{1, 2}, {3, 4}, {5, 6}, {7, 8}})
		x := Const(g, [][]float64{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}, {3, 0, 0}})
		cellFeatures := Const(g, [][]float64{{10, 20}})
		h1, x1 := New(ctx, h0, x, &Neighborhood{
			Name:              "via_cell",
			Adjacency:         adjacency,
			Incidence:         incidence,
			Features:          cellFeatures,
			Transformer:       messageStub,
			WeightTransformer: sliceColumns(0, 1),
		}).
			PositionUpdate(true).
			UpdateTransformer(sliceColumns(2, 4)).
			Done()
		return []*Node{h1, x1}
	})

	// Every node averages h_j over all nodes: [4, 5]. Update stub adds it.
	wantH := [][]float64{{5, 7}, {7, 9}, {9, 11}, {11, 13}}
	require.Truef(t, xslices.SlicesInDelta(outputs[0].Value(), wantH, 1e-6),
		"features: got %v, want %v", outputs[0].Value(), wantH)

	// Position weight of every nonzero (i, j) relinks to the first nonzero
	// keyed by i -- the message of (0, i), whose h_j[0] is h0[i][0]. Each
	// node then moves by the count-clamped mean of
	// w * (x_i - x_j)/(distance+1).
	wantX := [][]float64{
		{-23.0 / 48, 0, 0},
		{0.5, 0, 0},
		{17.0 / 6, 0, 0},
		{305.0 / 48, 0, 0},
	}
	require.Truef(t, xslices.SlicesInDelta(outputs[1].Value(), wantX, 1e-6),
		"positions: got %v, want %v", outputs[1].Value(), wantX)
}

// TestLayerIntraReducerParam checks the reducer hyperparameter is picked up
// from the context.
func TestLayerIntraReducerParam(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	adjacency := sparse.New(3, 3, []int32{0, 0}, []int32{1, 2}, nil)
	run := func(ctx *context.Context) any {
		got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			h0 := Const(g, [][]float64{{1}, {2}, {4}})
			x := Zeros(g, shapes.Make(dtypes.Float64, 3, 3))
			h1, _ := New(ctx, h0, x, &Neighborhood{
				Name:        "pairs",
				Adjacency:   adjacency,
				Transformer: sliceColumns(1, 2), // h_j of [h_i, h_j, distance].
			}).UpdateTransformer(sliceColumns(1, 2)).Done()
			return h1
		})
		return got.Value()
	}

	ctxSum := context.New()
	ctxSum.SetParam(ParamIntraReducer, "sum")
	got := run(ctxSum)
	want := [][]float64{{7}, {2}, {4}}
	require.Truef(t, xslices.SlicesInDelta(got, want, 1e-6), "sum: got %v, want %v", got, want)

	// Default reducer is the mean.
	got = run(context.New())
	want = [][]float64{{4}, {2}, {4}}
	require.Truef(t, xslices.SlicesInDelta(got, want, 1e-6), "mean: got %v, want %v", got, want)
}

func TestLayerIdentityWithoutNeighborhoods(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	outputs := context.MustExecOnceN(backend, context.New(), func(ctx *context.Context, g *Graph) []*Node {
		h0 := Const(g, [][]float64{{1, 2}, {3, 4}})
		x := Const(g, [][]float64{{0, 0, 1}, {2, 0, 0}})
		h1, x1 := New(ctx, h0, x).Done()
		return []*Node{h1, x1}
	})
	require.Equal(t, [][]float64{{1, 2}, {3, 4}}, outputs[0].Value())
	require.Equal(t, [][]float64{{0, 0, 1}, {2, 0, 0}}, outputs[1].Value())
}

// TestLayerPositionsFrozenByDefault: without the position update, positions
// come back unchanged while features still update.
func TestLayerPositionsFrozenByDefault(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	adjacency := sparse.New(2, 2, []int32{0, 1}, []int32{1, 0}, nil)
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		h0 := Const(g, [][]float64{{1, 2}, {3, 4}})
		x := Const(g, [][]float64{{0, 0, 1}, {2, 0, 0}})
		h1, x1 := New(ctx, h0, x, &Neighborhood{Name: "pair", Adjacency: adjacency}).Done()
		return []*Node{h1, x1, ReduceAllMax(Abs(Sub(h1, h0)))}
	})
	require.Equal(t, [][]float64{{0, 0, 1}, {2, 0, 0}}, outputs[1].Value())
	require.Greater(t, tensors.ToScalar[float64](outputs[2]), 0.0)
}

// TestLayerEquivariance checks the E(n) contract on a small complex with the
// default (learned) transformers: rotating and translating the positions
// leaves updated features unchanged and moves updated positions by the same
// rotation and translation.
func TestLayerEquivariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)

	const numNodes = 10
	var ringRows, ringCols []int32
	for i := range numNodes {
		j := (i + 1) % numNodes
		ringRows = append(ringRows, int32(i), int32(j))
		ringCols = append(ringCols, int32(j), int32(i))
	}
	ring := sparse.New(numNodes, numNodes, ringRows, ringCols, nil)

	var incRows, incCols []int32
	for nodeIdx := 0; nodeIdx <= 4; nodeIdx++ {
		incRows = append(incRows, 0)
		incCols = append(incCols, int32(nodeIdx))
	}
	for nodeIdx := 3; nodeIdx <= 9; nodeIdx++ {
		incRows = append(incRows, 1)
		incCols = append(incCols, int32(nodeIdx))
	}
	incidence := sparse.New(2, numNodes, incRows, incCols, nil)
	viaCells := sparse.AdjacencyVia(incidence)

	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		pi2 := math.Pi * 2.0
		h0 := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, numNodes, 4))
		x := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, numNodes, 3))
		cellFeatures := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, 2, 4))
		roll := MulScalar(ctx.RandomUniform(g, shapes.Make(dtypes.Float64)), pi2)
		pitch := MulScalar(ctx.RandomUniform(g, shapes.Make(dtypes.Float64)), pi2)
		yaw := MulScalar(ctx.RandomUniform(g, shapes.Make(dtypes.Float64)), pi2)
		shift := Const(g, [][]float64{{0.5, -1.0, 2.0}})

		// Layer applied twice with shared weights.
		ctx = ctx.Checked(false)
		layerFn := func(h, pos *Node) (*Node, *Node) {
			return New(ctx.In("layer"), h, pos,
				&Neighborhood{Name: "ring", Adjacency: ring},
				&Neighborhood{Name: "via_cells", Adjacency: viaCells, Incidence: incidence, Features: cellFeatures},
			).PositionUpdate(true).Done()
		}
		h1, x1 := layerFn(h0, x)
		h2, x2 := layerFn(h0, Add(vnn.RotateOnOrigin(x, roll, pitch, yaw), shift))

		wantX2 := Add(vnn.RotateOnOrigin(x1, roll, pitch, yaw), shift)
		return []*Node{
			ReduceAllMean(Abs(Sub(h1, h2))),
			ReduceAllMean(Abs(Sub(x2, wantX2))),
		}
	})
	hDiff := tensors.ToScalar[float64](outputs[0])
	xDiff := tensors.ToScalar[float64](outputs[1])
	fmt.Printf("\tFeature invariance abs difference: %g\n", hDiff)
	fmt.Printf("\tPosition equivariance abs difference: %g\n", xDiff)
	require.Less(t, hDiff, 1e-3)
	require.Less(t, xDiff, 1e-3)
}

// TestLayerDeterminism: rebuilding and re-running the same layer with the
// same weights yields bit-identical results.
func TestLayerDeterminism(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().Checked(false)
	ctx.SetRNGStateFromSeed(42)
	adjacency := sparse.New(3, 3, []int32{0, 1, 1, 2}, []int32{1, 0, 2, 1}, nil)
	run := func() []*tensors.Tensor {
		return context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			h0 := Const(g, [][]float64{{1, 2}, {3, 4}, {5, 6}})
			x := Const(g, [][]float64{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}})
			h1, x1 := New(ctx.In("layer"), h0, x, &Neighborhood{Name: "chain", Adjacency: adjacency}).
				PositionUpdate(true).Done()
			return []*Node{h1, x1}
		})
	}
	first := run()
	second := run()
	require.Equal(t, first[0].GoStr(), second[0].GoStr())
	require.Equal(t, first[1].GoStr(), second[1].GoStr())
}

// TestLayerDegenerateComplex: tracks with no nonzeros contribute zero
// summaries and no position deltas, and the layer still runs.
func TestLayerDegenerateComplex(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	empty := sparse.New(4, 4, nil, nil, nil)
	pairs := sparse.New(4, 4, []int32{0, 1}, []int32{1, 0}, nil)
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		h0 := Const(g, [][]float64{{1, 2}, {3, 4}, {5, 6}, {7, 8}})
		x := Const(g, [][]float64{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}, {3, 0, 0}})
		h1, x1 := New(ctx.In("onlyEmpty"), h0, x, &Neighborhood{Name: "none", Adjacency: empty}).
			PositionUpdate(true).Done()
		h2, x2 := New(ctx.In("mixed"), h0, x,
			&Neighborhood{Name: "none", Adjacency: empty},
			&Neighborhood{Name: "pairs", Adjacency: pairs},
		).PositionUpdate(true).Done()
		return []*Node{h1, x1, ReduceAllMax(Abs(h2)), ReduceAllMax(Abs(x2))}
	})
	// No nonzeros anywhere: positions can't move.
	require.Equal(t, [][]float64{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}, {3, 0, 0}}, outputs[1].Value())
	require.Equal(t, 4, outputs[0].Shape().Dimensions[0])
	for _, scalar := range outputs[2:] {
		v := tensors.ToScalar[float64](scalar)
		require.False(t, math.IsNaN(v))
		require.Less(t, v, 1e6)
	}
}

func TestLayerValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	adjacency := sparse.New(2, 2, []int32{0, 1}, []int32{1, 0}, nil)
	incidence := sparse.New(1, 2, []int32{0, 0}, []int32{0, 1}, nil)
	buildWith := func(fn func(ctx *context.Context, g *Graph) *Node) func() {
		return func() {
			context.MustExecOnce(backend, context.New(), fn)
		}
	}

	// Features must be rank 2.
	require.Panics(t, buildWith(func(ctx *context.Context, g *Graph) *Node {
		h1, _ := New(ctx, Const(g, []float64{1, 2}), Const(g, [][]float64{{0}, {1}})).Done()
		return h1
	}))
	// Feature and position node counts must match.
	require.Panics(t, buildWith(func(ctx *context.Context, g *Graph) *Node {
		h1, _ := New(ctx, Const(g, [][]float64{{1}, {2}}), Const(g, [][]float64{{0}})).Done()
		return h1
	}))
	// Adjacency must be numNodes x numNodes.
	require.Panics(t, buildWith(func(ctx *context.Context, g *Graph) *Node {
		h1, _ := New(ctx, Const(g, [][]float64{{1}, {2}, {3}}), Const(g, [][]float64{{0}, {1}, {2}}),
			&Neighborhood{Name: "bad", Adjacency: adjacency}).Done()
		return h1
	}))
	// Names are required and must be unique.
	require.Panics(t, buildWith(func(ctx *context.Context, g *Graph) *Node {
		h1, _ := New(ctx, Const(g, [][]float64{{1}, {2}}), Const(g, [][]float64{{0}, {1}}),
			&Neighborhood{Adjacency: adjacency}).Done()
		return h1
	}))
	require.Panics(t, buildWith(func(ctx *context.Context, g *Graph) *Node {
		h1, _ := New(ctx, Const(g, [][]float64{{1}, {2}}), Const(g, [][]float64{{0}, {1}}),
			&Neighborhood{Name: "dup", Adjacency: adjacency},
			&Neighborhood{Name: "dup", Adjacency: adjacency}).Done()
		return h1
	}))
	// Incidence and Features go together.
	require.Panics(t, buildWith(func(ctx *context.Context, g *Graph) *Node {
		h1, _ := New(ctx, Const(g, [][]float64{{1}, {2}}), Const(g, [][]float64{{0}, {1}}),
			&Neighborhood{Name: "cells", Adjacency: adjacency, Incidence: incidence}).Done()
		return h1
	}))
	// Cell features must have one row per cell.
	require.Panics(t, buildWith(func(ctx *context.Context, g *Graph) *Node {
		h1, _ := New(ctx, Const(g, [][]float64{{1}, {2}}), Const(g, [][]float64{{0}, {1}}),
			&Neighborhood{Name: "cells", Adjacency: adjacency, Incidence: incidence,
				Features: Const(g, [][]float64{{1}, {2}})}).Done()
		return h1
	}))
}
