// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rnn implements the recurrent core of the self-similarity RNN: a
// stack of LSTM sub-cells composed sequentially, unrolled over the sequence
// at graph construction time.
//
// Since GoMLX doesn't implement loops, the graph is O(numSteps) in size --
// each step is instantiated as its own graph nodes.
//
// The stack supports ragged sequences (see CellStack.Ragged) and externally
// fed initial state (see CellStack.InitialState), so recurrence can be
// carried across separate graph invocations: flatten the final State, feed
// the tensors back, and rebuild it with UnflattenState.
package rnn

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
)

// CellStack holds the configuration of an LSTM cell stack. Create it with
// New, configure it, then apply it to the input sequence with Done.
type CellStack struct {
	ctx       *context.Context
	x         *Node
	xLengths  *Node
	initial   State
	cellSizes []int
}

// New creates an LSTM cell stack to be configured and then applied to x with
// CellStack.Done.
//
// x must be shaped [batchSize, numSteps, featuresSize]; numSteps must be at
// least 1. cellSizes gives the hidden size of each sub-cell; the output of
// each sub-cell feeds the next, and the last sub-cell's outputs are the
// stack's outputs.
//
// Variables are created under ctx, one scope per sub-cell, so the same ctx
// with context.Context.Reuse rebuilds the same stack in a later graph.
func New(ctx *context.Context, x *Node, cellSizes []int) *CellStack {
	if x.Rank() != 3 {
		Panicf("rnn.New requires x shaped [batchSize, numSteps, featuresSize], got %s", x.Shape())
	}
	if x.Shape().Dim(1) < 1 {
		Panicf("rnn.New requires at least one step, got x shaped %s", x.Shape())
	}
	if len(cellSizes) == 0 {
		Panicf("rnn.New requires at least one sub-cell, got cellSizes=%v", cellSizes)
	}
	for _, size := range cellSizes {
		if size <= 0 {
			Panicf("rnn.New requires positive cell sizes, got cellSizes=%v", cellSizes)
		}
	}
	return &CellStack{
		ctx:       ctx,
		x:         x,
		cellSizes: cellSizes,
	}
}

// Ragged indicates that x is "ragged" (the sequences are not used to the
// end), and its lengths are given by sequenceLengths, shaped [batchSize].
//
// Steps at or beyond a sequence's length emit zero outputs and leave the
// state frozen at its last valid value.
//
// The default is to assume all sequences are dense -- used to the end.
func (s *CellStack) Ragged(sequenceLengths *Node) *CellStack {
	s.xLengths = sequenceLengths
	return s
}

// InitialState configures the stack's initial state, typically the final
// state returned by a previous invocation (see UnflattenState). If not set,
// it defaults to all zeros.
func (s *CellStack) InitialState(state State) *CellStack {
	s.initial = state
	return s
}

// Done applies the configured stack to the input sequence.
//
// It returns the last sub-cell's outputs, shaped
// [batchSize, numSteps, lastCellSize], and the final state of every sub-cell.
func (s *CellStack) Done() (outputs *Node, finalState State) {
	g := s.x.Graph()
	dtype := s.x.DType()
	batchSize := s.x.Shape().Dim(0)
	numSteps := s.x.Shape().Dim(1)

	if s.initial != nil && len(s.initial) != len(s.cellSizes) {
		Panicf("rnn: initial state has %d sub-cell states, stack has %d sub-cells",
			len(s.initial), len(s.cellSizes))
	}
	if s.xLengths != nil {
		s.xLengths.AssertDims(batchSize)
	}

	finalState = make(State, len(s.cellSizes))
	layerInput := s.x
	for cellIdx, cellSize := range s.cellSizes {
		ctx := s.ctx.In(fmt.Sprintf("cell_%d", cellIdx))
		featuresSize := layerInput.Shape().Dim(2)

		// Gate order along axis n: input, output, forget, cell candidate.
		inputsW := ctx.VariableWithShape("inputsW",
			shapes.Make(dtype, 4, cellSize, featuresSize)).ValueGraph(g)
		recurrentW := ctx.VariableWithShape("recurrentW",
			shapes.Make(dtype, 4, cellSize, cellSize)).ValueGraph(g)
		biasesW := ctx.WithInitializer(initializers.Zero).VariableWithShape("biases",
			shapes.Make(dtype, 4, cellSize)).ValueGraph(g)

		// All input projections at once.
		// b->batchSize, t->numSteps, f->featuresSize, n=4, h->cellSize.
		projX := Einsum("btf,nhf->nbth", layerInput, inputsW)
		projX = Add(projX, ExpandAxes(biasesW, 1, 2))

		prevHidden, prevCell := Zeros(g, shapes.Make(dtype, batchSize, cellSize)),
			Zeros(g, shapes.Make(dtype, batchSize, cellSize))
		if s.initial != nil {
			s.initial[cellIdx].Hidden.AssertDims(batchSize, cellSize)
			s.initial[cellIdx].Cell.AssertDims(batchSize, cellSize)
			prevHidden = s.initial[cellIdx].Hidden
			prevCell = s.initial[cellIdx].Cell
		}

		stepOutputs := make([]*Node, numSteps)
		for step := range numSteps {
			projState := Einsum("bh,njh->nbj", prevHidden, recurrentW) // [4, batchSize, cellSize]
			gateFn := func(gateIdx int) *Node {
				proj := Slice(projX, AxisElem(gateIdx), AxisRange(), AxisElem(step))
				proj = Reshape(proj, batchSize, cellSize)
				return Add(proj, Squeeze(Slice(projState, AxisElem(gateIdx)), 0))
			}

			iT := Sigmoid(gateFn(0))
			oT := Sigmoid(gateFn(1))
			fT := Sigmoid(gateFn(2))
			cT := Tanh(gateFn(3))
			cellState := Add(Mul(prevCell, fT), Mul(cT, iT))
			hiddenState := Mul(oT, Tanh(cellState))

			emitted := hiddenState
			if s.xLengths != nil {
				// Past the sequence end: keep the state frozen and emit zeros.
				masked := GreaterOrEqual(Scalar(g, s.xLengths.DType(), step), s.xLengths)
				masked = ExpandAxes(masked, -1)
				hiddenState = Where(masked, prevHidden, hiddenState)
				cellState = Where(masked, prevCell, cellState)
				emitted = Where(masked, ZerosLike(hiddenState), hiddenState)
			}

			stepOutputs[step] = emitted
			prevHidden = hiddenState
			prevCell = cellState
		}

		finalState[cellIdx] = CellState{Hidden: prevHidden, Cell: prevCell}
		layerInput = Stack(stepOutputs, 1) // [batchSize, numSteps, cellSize]
	}
	outputs = layerInput
	return
}
