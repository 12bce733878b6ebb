// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradclip

import (
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// quadraticStep builds one training step minimizing (w - 3)^2 over a scalar
// variable w, and returns the loss before the update.
func quadraticStep(optimizer *clippedAdam) func(ctx *context.Context, g *Graph) *Node {
	return func(ctx *context.Context, g *Graph) *Node {
		w := ctx.VariableWithValue("w", float32(0)).ValueGraph(g)
		loss := Square(AddScalar(w, -3))
		optimizer.UpdateGraph(ctx, g, loss)
		return loss
	}
}

func TestClippedAdamConverges(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	optimizer := Adam().LearningRate(0.1).ClipNorm(1.0).Done().(*clippedAdam)
	exec := context.NewExec(backend, ctx, quadraticStep(optimizer))

	first := tensors.ToScalar[float32](exec.Call()[0])
	var last float32
	for range 200 {
		last = tensors.ToScalar[float32](exec.Call()[0])
	}
	assert.InDelta(t, 9.0, first, 1e-5, "w starts at 0, so the first loss is (0-3)^2")
	assert.Less(t, last, float32(0.1), "loss must approach 0 after enough steps")
}

func TestClipNormBoundsTheUpdate(t *testing.T) {
	// With loss (w-3)^2 and w=0 the gradient is -6; clipped to norm 1 the
	// first moment is built from a gradient of magnitude 1, so the very
	// first debiased Adam step is learningRate * 1/sqrt(1) = learningRate.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	optimizer := Adam().LearningRate(0.5).ClipNorm(1.0).Epsilon(0).Done().(*clippedAdam)
	exec := context.NewExec(backend, ctx, quadraticStep(optimizer))
	exec.Call()

	wVar := ctx.InspectVariable(context.ScopeSeparator, "w")
	require.NotNil(t, wVar)
	w := tensors.ToScalar[float32](wVar.Value())
	assert.InDelta(t, 0.5, w, 1e-5, "first step size must equal the learning rate")
}

func TestClearDeletesOptimizerVariables(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	optimizer := Adam().LearningRate(0.1).Done().(*clippedAdam)
	exec := context.NewExec(backend, ctx, quadraticStep(optimizer))
	exec.Call()

	countInScope := func() (count int) {
		ctx.EnumerateVariables(func(v *context.Variable) {
			if strings.Contains(v.Scope(), DefaultScope) {
				count++
			}
		})
		return
	}
	require.NotZero(t, countInScope(), "the update must create moment and step variables")
	optimizer.Clear(ctx)
	assert.Zero(t, countInScope(), "Clear must delete every optimizer variable")
}
