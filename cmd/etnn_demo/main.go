// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// etnn_demo runs a randomly initialized stack of equivariant layers over a
// toy hierarchical cell complex -- a noisy helix chain of nodes, with edges
// as 1-cells and overlapping segments as 2-cells -- and relaxes the node
// positions with it for a few rounds.
//
// It is a smoke test and a showcase: it prints the derived sparse relations,
// tracks the relaxation with a progress bar, reports displacement statistics
// and optionally plots initial vs. relaxed positions and saves the relations
// to disk.
//
// Example:
//
//	go run ./cmd/etnn_demo --nodes=96 --rounds=20 --plot=/tmp/relaxed.png
package main

import (
	"flag"
	"fmt"
	"image/color"
	"math"
	"math/rand"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"

	"github.com/gomlx/etnn"
	"github.com/gomlx/etnn/sparse"
)

var (
	flagNodes   = flag.Int("nodes", 64, "Number of nodes in the helix chain.")
	flagSegment = flag.Int("segment", 8, "Nodes per 2-cell segment; segments overlap by half.")
	flagLayers  = flag.Int("layers", 2, "Number of stacked layers per relaxation round.")
	flagRounds  = flag.Int("rounds", 10, "Relaxation rounds: each round feeds positions and features back in.")
	flagNoise   = flag.Float64("noise", 0.3, "Stddev of the gaussian jitter added to the helix positions.")
	flagSeed    = flag.Int64("seed", 42, "Seed for the jitter and the layer weights.")
	flagPlot    = flag.String("plot", "", "If set, saves a plot of initial vs. relaxed positions (x/y projection) to this file.")
	flagSaveDir = flag.String("save_dir", "", "If set, saves the complex's relations to this directory and loads one back as a check.")
)

func main() {
	flag.Parse()

	edges, segments := buildComplex(*flagNodes, *flagSegment)
	viaEdges := sparse.AdjacencyVia(edges)
	viaEdges.Name = "nodes_via_edges"
	viaSegments := sparse.AdjacencyVia(segments)
	viaSegments.Name = "nodes_via_segments"
	printRelations(edges, segments, viaEdges, viaSegments)
	if *flagSaveDir != "" {
		saveRelations(*flagSaveDir, edges, segments, viaEdges, viaSegments)
	}

	rng := rand.New(rand.NewSource(*flagSeed))
	initial := helixPositions(rng, *flagNodes, *flagNoise)
	edgeFeatures := cellFeatures(edges.NumRows, *flagNodes)
	segmentFeatures := cellFeatures(segments.NumRows, *flagNodes)

	backend := backends.MustNew()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(*flagSeed)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, h0, x *Node) []*Node {
		g := h0.Graph()
		for layerIdx := range *flagLayers {
			h0, x = etnn.New(ctx.In(fmt.Sprintf("layer_%d", layerIdx)), h0, x,
				&etnn.Neighborhood{
					Name:      "via_edges",
					Adjacency: viaEdges,
					Incidence: edges,
					Features:  Const(g, edgeFeatures),
				},
				&etnn.Neighborhood{
					Name:      "via_segments",
					Adjacency: viaSegments,
					Incidence: segments,
					Features:  Const(g, segmentFeatures),
				},
			).PositionUpdate(true).Done()
		}
		return []*Node{h0, x}
	})

	bar := progressbar.NewOptions(*flagRounds,
		progressbar.OptionSetDescription("relaxing"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rounds"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII))
	hT := tensors.FromValue(nodeFeatures(*flagNodes))
	xT := tensors.FromValue(initial)
	for range *flagRounds {
		outputs := exec.MustExec(hT, xT)
		hT, xT = outputs[0], outputs[1]
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Println()

	relaxed := xT.Value().([][]float64)
	printDisplacements(initial, relaxed)
	if *flagPlot != "" {
		plotPositions(*flagPlot, initial, relaxed)
		klog.Infof("Saved positions plot to %s", *flagPlot)
	}
}

// buildComplex returns the chain's incidences: edges (1-cells) to nodes and
// overlapping segments (2-cells) to nodes.
func buildComplex(numNodes, segmentSize int) (edges, segments *sparse.Relation) {
	var rows, cols []int32
	for e := 0; e < numNodes-1; e++ {
		rows = append(rows, int32(e), int32(e))
		cols = append(cols, int32(e), int32(e+1))
	}
	edges = sparse.New(numNodes-1, numNodes, rows, cols, nil)
	edges.Name = "edges_to_nodes"

	rows, cols = nil, nil
	stride := max(segmentSize/2, 1)
	numSegments := 0
	for start := 0; start < numNodes; start += stride {
		end := min(start+segmentSize, numNodes)
		for node := start; node < end; node++ {
			rows = append(rows, int32(numSegments))
			cols = append(cols, int32(node))
		}
		numSegments++
		if end == numNodes {
			break
		}
	}
	segments = sparse.New(numSegments, numNodes, rows, cols, nil)
	segments.Name = "segments_to_nodes"
	return
}

func helixPositions(rng *rand.Rand, numNodes int, noise float64) [][]float64 {
	positions := make([][]float64, numNodes)
	for i := range positions {
		angle := float64(i) * 0.35
		positions[i] = []float64{
			3*math.Cos(angle) + noise*rng.NormFloat64(),
			3*math.Sin(angle) + noise*rng.NormFloat64(),
			0.2*float64(i) + noise*rng.NormFloat64(),
		}
	}
	return positions
}

// nodeFeatures are simple chain-position encodings, independent of the
// (noisy) spatial positions.
func nodeFeatures(numNodes int) [][]float64 {
	features := make([][]float64, numNodes)
	for i := range features {
		phase := float64(i) * math.Pi / 8
		features[i] = []float64{1, math.Sin(phase), math.Cos(phase), float64(i) / float64(numNodes)}
	}
	return features
}

func cellFeatures(numCells, numNodes int) [][]float64 {
	features := make([][]float64, numCells)
	for c := range features {
		features[c] = []float64{1, float64(c) / float64(numNodes)}
	}
	return features
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).PaddingLeft(1).PaddingRight(1)
	evenRowStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).PaddingLeft(1).PaddingRight(1)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == 1:
				s = headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			return
		})
}

func printRelations(relations ...*sparse.Relation) {
	fmt.Println(titleStyle.Render("Cell complex relations"))
	table := newPlainTable()
	table.Row("Relation", "Rows", "Cols", "Nonzeros")
	for _, r := range relations {
		table.Row(r.Name,
			humanize.Comma(int64(r.NumRows)),
			humanize.Comma(int64(r.NumCols)),
			humanize.Comma(int64(r.NNZ())))
	}
	fmt.Println(table.Render())
}

func saveRelations(dir string, relations ...*sparse.Relation) {
	for _, r := range relations {
		filePath := filepath.Join(dir, r.Name+".bin")
		must.M(r.Save(filePath))
	}
	// Round-trip check on the first one.
	reloaded := must.M1(sparse.Load(filepath.Join(dir, relations[0].Name+".bin")))
	klog.Infof("Saved %d relations to %s (checked %s)", len(relations), dir, reloaded)
}

func printDisplacements(initial, relaxed [][]float64) {
	displacements := make([]float64, len(initial))
	for i := range initial {
		var sq float64
		for d := range initial[i] {
			diff := relaxed[i][d] - initial[i][d]
			sq += diff * diff
		}
		displacements[i] = math.Sqrt(sq)
	}
	fmt.Println(titleStyle.Render("Relaxation displacement"))
	table := newPlainTable()
	table.Row("Statistic", "Value")
	table.Row("mean", fmt.Sprintf("%.4f", stat.Mean(displacements, nil)))
	table.Row("stddev", fmt.Sprintf("%.4f", stat.StdDev(displacements, nil)))
	table.Row("max", fmt.Sprintf("%.4f", maxOf(displacements)))
	fmt.Println(table.Render())
}

func maxOf(values []float64) float64 {
	maxValue := math.Inf(-1)
	for _, v := range values {
		maxValue = math.Max(maxValue, v)
	}
	return maxValue
}

func plotPositions(filePath string, initial, relaxed [][]float64) {
	p := plot.New()
	p.Title.Text = "Helix relaxation (x/y projection)"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	toXYs := func(positions [][]float64) plotter.XYs {
		xys := make(plotter.XYs, len(positions))
		for i, pos := range positions {
			xys[i].X, xys[i].Y = pos[0], pos[1]
		}
		return xys
	}
	before := must.M1(plotter.NewScatter(toXYs(initial)))
	before.GlyphStyle.Color = color.RGBA{R: 180, G: 180, B: 180, A: 255}
	after := must.M1(plotter.NewScatter(toXYs(relaxed)))
	after.GlyphStyle.Color = color.RGBA{B: 255, A: 255}
	p.Add(before, after)
	p.Legend.Add("initial", before)
	p.Legend.Add("relaxed", after)
	must.M(p.Save(8*vg.Inch, 8*vg.Inch, filePath))
}
