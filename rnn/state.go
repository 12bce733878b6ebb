// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rnn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// CellState is the state of one LSTM sub-cell: hidden and cell vectors, each
// shaped [batchSize, cellSize].
type CellState struct {
	Hidden, Cell *Node
}

// State is the structured state of a cell stack, one CellState per sub-cell,
// in stack order.
//
// Structured state cannot be re-attached across separate graph builds, so it
// crosses invocation boundaries as a flat ordered list of tensors: see
// State.Flatten and UnflattenState. The schema is fixed -- hidden then cell,
// per sub-cell in order -- not derived by runtime introspection.
type State []CellState

// Flatten returns the state as a flat ordered list of nodes: hidden and cell
// of each sub-cell, in stack order.
func (s State) Flatten() []*Node {
	flat := make([]*Node, 0, 2*len(s))
	for _, cell := range s {
		flat = append(flat, cell.Hidden, cell.Cell)
	}
	return flat
}

// UnflattenState reassembles a State from the flat ordered list produced by
// State.Flatten. It panics if the list length is odd.
func UnflattenState(flat []*Node) State {
	if len(flat)%2 != 0 {
		Panicf("rnn.UnflattenState: flattened state must hold hidden/cell pairs, got %d tensors", len(flat))
	}
	state := make(State, len(flat)/2)
	for ii := range state {
		state[ii] = CellState{Hidden: flat[2*ii], Cell: flat[2*ii+1]}
	}
	return state
}

// StateShapes returns the shapes of the flattened state of a cell stack, in
// State.Flatten order. Useful to create placeholder parameters or zero
// tensors to feed a first invocation.
func StateShapes(dtype dtypes.DType, batchSize int, cellSizes []int) []shapes.Shape {
	shapesList := make([]shapes.Shape, 0, 2*len(cellSizes))
	for _, size := range cellSizes {
		stateShape := shapes.Make(dtype, batchSize, size)
		shapesList = append(shapesList, stateShape, stateShape)
	}
	return shapesList
}

// ZeroState returns the all-zeros state for a cell stack.
func ZeroState(g *Graph, dtype dtypes.DType, batchSize int, cellSizes []int) State {
	state := make(State, len(cellSizes))
	for ii, size := range cellSizes {
		stateShape := shapes.Make(dtype, batchSize, size)
		state[ii] = CellState{
			Hidden: Zeros(g, stateShape),
			Cell:   Zeros(g, stateShape),
		}
	}
	return state
}
