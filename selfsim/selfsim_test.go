// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package selfsim

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/ctxtest"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestSimilarityWeightedAttention(t *testing.T) {
	// All-equal similarities: the attention over each causal window is
	// uniform, and the weights outside the window are exactly 0.
	graphtest.RunTestGraphFn(t, "uniform windows",
		func(g *Graph) (inputs, outputs []*Node) {
			targets := Const(g, [][][]float32{{{1, 0}, {0, 1}, {2, 2}}})
			similarity := Zeros(g, shapes.Make(dtypes.Float32, 1, 2, 3))
			inputs = []*Node{targets, similarity}
			outputs = []*Node{SimilarityWeightedAttention(targets, similarity)}
			return
		}, []any{
			// Row 0 window covers targets {0, 1}, row 1 covers all 3.
			[][][]float32{{{0.5, 0.5}, {1, 1}}},
		}, 1e-5)

	// A huge similarity on a future target must not leak into earlier rows:
	// row 0's window excludes target 2, so its distribution is unchanged.
	graphtest.RunTestGraphFn(t, "future targets carry zero weight",
		func(g *Graph) (inputs, outputs []*Node) {
			targets := Const(g, [][][]float32{{{1, 0}, {0, 1}, {2, 2}}})
			similarity := Const(g, [][][]float32{{{0, 0, 100}, {0, 0, 0}}})
			inputs = []*Node{targets, similarity}
			outputs = []*Node{SimilarityWeightedAttention(targets, similarity)}
			return
		}, []any{
			[][][]float32{{{0.5, 0.5}, {1, 1}}},
		}, 1e-5)

	// With no history the first row has an empty window and gets an
	// all-zero attention output; later windows grow one target per step.
	graphtest.RunTestGraphFn(t, "empty window on first step",
		func(g *Graph) (inputs, outputs []*Node) {
			targets := Const(g, [][][]float32{{{1, 0}, {0, 2}}})
			similarity := Zeros(g, shapes.Make(dtypes.Float32, 1, 3, 2))
			inputs = []*Node{targets, similarity}
			outputs = []*Node{SimilarityWeightedAttention(targets, similarity)}
			return
		}, []any{
			[][][]float32{{{0, 0}, {1, 0}, {0.5, 1}}},
		}, 1e-5)
}

func TestSimilarityWeightedAttentionPanicsOnTooFewTargets(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "too few targets")
	targets := Zeros(g, shapes.Make(dtypes.Float32, 1, 2, 2))
	similarity := Zeros(g, shapes.Make(dtypes.Float32, 1, 4, 2))
	require.Panics(t, func() { SimilarityWeightedAttention(targets, similarity) })
}

func TestInputEmbeddingsShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, numSteps := range []int{0, 1, 5} {
		ctx := context.New()
		g := NewGraph(backend, fmt.Sprintf("embeddings numSteps=%d", numSteps))
		x := Zeros(g, shapes.Make(dtypes.Float32, 2, numSteps, 3))
		embeddings := InputEmbeddings(ctx.In("embedding"), x, 4)
		assert.EqualValues(t, []int{2, numSteps, 4}, embeddings.Shape().Dimensions,
			"InputEmbeddings must preserve batch and time axes and map features to the embedding size")
	}
}

func TestAttention(t *testing.T) {
	// All weights and biases initialized to 1, so with scalar features the
	// embedding of x is relu(x+1) and every expected value below can be
	// derived by hand.
	ctxtest.RunTestGraphFn(t, "no history",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][][]float32{{{1}, {2}, {3}}})
			past := Zeros(g, shapes.Make(dtypes.Float32, 1, 0, 1))
			attention, similarity := Attention(ctx.WithInitializer(initializers.One), x, past, 1)
			inputs = []*Node{x}
			outputs = []*Node{attention, similarity}
			return
		}, []any{
			// Embeddings: current [2, 3, 4], targets(minus last) [2, 3].
			// Windows per row: 0, 1 and 2 over attention targets [2, 3].
			[][][]float32{{{0}, {2}, {2.9820138}}},
			[][][]float32{{{4, 6}, {6, 9}, {8, 12}}},
		}, 1e-4)

	// Same sequence with the first step moved into past history: windows
	// simply start larger, the overlapping rows are unchanged.
	ctxtest.RunTestGraphFn(t, "with history",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][][]float32{{{2}, {3}}})
			past := Const(g, [][][]float32{{{1}}})
			attention, similarity := Attention(ctx.WithInitializer(initializers.One), x, past, 1)
			inputs = []*Node{x, past}
			outputs = []*Node{attention, similarity}
			return
		}, []any{
			[][][]float32{{{2}, {2.9820138}}},
			[][][]float32{{{6, 9}, {8, 12}}},
		}, 1e-4)

	// Single step, no history: there is nothing to attend to, the output is
	// zero and the similarity matrix has zero targets.
	ctxtest.RunTestGraphFn(t, "single step",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][][]float32{{{5}}})
			past := Zeros(g, shapes.Make(dtypes.Float32, 1, 0, 1))
			attention, similarity := Attention(ctx.WithInitializer(initializers.One), x, past, 1)
			assert.EqualValues(t, []int{1, 1, 0}, similarity.Shape().Dimensions,
				"similarity matrix must have zero targets for a single step without history")
			inputs = []*Node{x}
			outputs = []*Node{attention}
			return
		}, []any{
			[][][]float32{{{0}}},
		}, 1e-5)
}
