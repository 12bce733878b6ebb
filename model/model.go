// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model assembles the full self-similarity RNN computation graph: a
// stack of recurrent layers, each augmented with self-similarity attention
// over its own output history, followed by a mode-specific tail -- loss,
// metrics and optimizer update for training, streaming metrics for
// evaluation, or a temperature-scaled sampling distribution for generation.
//
// Build validates the mode and configuration and returns a Model; the
// Model's graph-building methods (TrainStepGraph, EvalStepGraph,
// GenerateGraph, or the parameter-feeding BuildGraph) are then used with
// context.NewExec. Each build constructs an independent graph; variables
// live in the context and are shared across builds of the same Model.
package model

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/selfsimrnn/rnn"
	"github.com/gomlx/selfsimrnn/selfsim"
)

// Model assembles graphs for one mode and configuration. Create it with
// Build.
type Model struct {
	mode   Mode
	config *Config
}

// Build validates the mode and configuration and returns a graph assembler.
// It fails with an invalid-argument error before any graph work happens.
func Build(mode Mode, config *Config) (*Model, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("building %s model: hparams=%+v", mode, config.HParams)
	return &Model{mode: mode, config: config}, nil
}

// Mode the model was built for.
func (m *Model) Mode() Mode { return m.mode }

// Config the model was built with.
func (m *Model) Config() *Config { return m.config }

// forward holds everything the mode-specific tails need from the shared
// layer stack.
type forward struct {
	// outputs is the last layer's recurrent+attention concatenation, shaped
	// [batchSize, numSteps, lastSize*2].
	outputs *Node

	// targets are the per-layer raw recurrent outputs, this invocation's
	// contribution to each layer's attention history.
	targets []*Node

	// pastTargets are the per-layer histories the stack was built with.
	pastTargets []*Node

	// initialStates and finalStates are the per-layer recurrent states.
	initialStates []rnn.State
	finalStates   []rnn.State

	// selfSimilarity are the per-layer similarity matrices.
	selfSimilarity []*Node
}

// forwardGraph builds the shared layer stack: per layer, an LSTM cell stack
// followed by self-similarity attention over the layer's output history, the
// concatenation feeding the next layer.
//
// lengths may be nil (dense sequences); initialStates may be nil (zero
// state). pastTargets must have one entry per layer, zero-length histories
// included.
func (m *Model) forwardGraph(ctx *context.Context, inputs, lengths *Node, pastTargets []*Node, initialStates []rnn.State) *forward {
	g := inputs.Graph()
	hp := m.config.HParams
	numLayers := m.config.numLayers()
	if len(pastTargets) != numLayers {
		Panicf("model: got %d past-target histories for %d layers", len(pastTargets), numLayers)
	}
	if initialStates != nil && len(initialStates) != numLayers {
		Panicf("model: got %d initial states for %d layers", len(initialStates), numLayers)
	}

	fwd := &forward{
		pastTargets:    pastTargets,
		targets:        make([]*Node, numLayers),
		initialStates:  make([]rnn.State, numLayers),
		finalStates:    make([]rnn.State, numLayers),
		selfSimilarity: make([]*Node, numLayers),
	}
	layerInputs := inputs
	for layer := range numLayers {
		layerCtx := ctx.In(fmt.Sprintf("layer_%d", layer+1))

		cells := rnn.New(layerCtx, layerInputs, hp.RNNLayerSizes[layer])
		if lengths != nil {
			cells.Ragged(lengths)
		}
		if initialStates == nil {
			fwd.initialStates[layer] = rnn.ZeroState(g, inputs.DType(), hp.BatchSize, hp.RNNLayerSizes[layer])
		} else {
			fwd.initialStates[layer] = initialStates[layer]
		}
		cells.InitialState(fwd.initialStates[layer])
		rnnOutputs, finalState := cells.Done()

		attentionOutputs, selfSimilarity := selfsim.Attention(
			layerCtx, rnnOutputs, pastTargets[layer], hp.EmbeddingSizes[layer])

		fwd.targets[layer] = rnnOutputs
		fwd.finalStates[layer] = finalState
		fwd.selfSimilarity[layer] = selfSimilarity

		// The concatenation is the next layer's input.
		layerInputs = Concatenate([]*Node{rnnOutputs, attentionOutputs}, -1)
	}
	fwd.outputs = layerInputs
	return fwd
}

// logitsFlatGraph projects the stack outputs to class logits over flattened
// steps: [batchSize*numSteps, numClasses]. The projection weights are shared
// across modes through the ctx scope.
func (m *Model) logitsFlatGraph(ctx *context.Context, outputs *Node) *Node {
	batchSize := outputs.Shape().Dim(0)
	numSteps := outputs.Shape().Dim(1)
	depth := outputs.Shape().Dim(2)
	flat := Reshape(outputs, batchSize*numSteps, depth)
	return layers.Dense(ctx.In("logits"), flat, true, m.config.EncoderDecoder.NumClasses())
}

// validMaskFlatGraph returns a [batchSize*numSteps] boolean mask of the
// non-padded positions, per the given sequence lengths.
func validMaskFlatGraph(lengths *Node, numSteps int) *Node {
	g := lengths.Graph()
	batchSize := lengths.Shape().Dim(0)
	positions := Iota(g, shapes.Make(lengths.DType(), batchSize, numSteps), 1)
	valid := LessThan(positions, ExpandAxes(lengths, -1))
	return Reshape(valid, batchSize*numSteps)
}

// zeroHistories returns per-layer zero-length past-target histories, used by
// train and eval modes where no history is carried across invocations.
func (m *Model) zeroHistories(g *Graph, dtype dtypes.DType) []*Node {
	histories := make([]*Node, m.config.numLayers())
	for layer := range histories {
		histories[layer] = Zeros(g,
			shapes.Make(dtype, m.config.HParams.BatchSize, 0, m.config.layerOutputSize(layer)))
	}
	return histories
}

// BuildGraph builds the mode's full graph with fed inputs: it creates the
// graph parameters the mode needs and dispatches to the mode's tail builder.
// It returns the named-output registry; return Outputs.Nodes from the graph
// function to make every named output fetchable.
//
// numSteps is the sequence length of this build; numPastSteps is the length
// of the per-layer past-target histories (generate mode only, use 0 on the
// first invocation). Graphs are built per shape, so different lengths imply
// different graph builds -- context.NewExec handles that transparently.
//
// Parameters created, in order:
//   - train/eval: inputs [B, T, inputSize] float32, labels [B, T] int32,
//     lengths [B] int32, num_steps scalar float32 (see BatchNumSteps).
//   - generate: inputs [B, T, inputSize] float32, temperature scalar
//     float32, per-layer past_targets_<l> [B, Tp, layerSize] float32, and
//     per-layer flattened initial state tensors initial_state_<l>_<i> (see
//     rnn.StateShapes).
func (m *Model) BuildGraph(ctx *context.Context, g *Graph, numSteps, numPastSteps int) *Outputs {
	hp := m.config.HParams
	codec := m.config.EncoderDecoder
	inputs := Parameter(g, "inputs", shapes.Make(dtypes.Float32, hp.BatchSize, numSteps, codec.InputSize()))

	switch m.mode {
	case ModeTrain, ModeEval:
		labels := Parameter(g, "labels", shapes.Make(dtypes.Int32, hp.BatchSize, numSteps))
		lengths := Parameter(g, "lengths", shapes.Make(dtypes.Int32, hp.BatchSize))
		batchNumSteps := Parameter(g, "num_steps", shapes.Make(dtypes.Float32))
		if m.mode == ModeTrain {
			return m.TrainStepGraph(ctx, inputs, labels, lengths, batchNumSteps)
		}
		return m.EvalStepGraph(ctx, inputs, labels, lengths, batchNumSteps)

	case ModeGenerate:
		temperature := Parameter(g, "temperature", shapes.Make(dtypes.Float32))
		pastTargets := make([]*Node, m.config.numLayers())
		initialStates := make([]rnn.State, m.config.numLayers())
		for layer := range pastTargets {
			pastTargets[layer] = Parameter(g, fmt.Sprintf("past_targets_%d", layer+1),
				shapes.Make(dtypes.Float32, hp.BatchSize, numPastSteps, m.config.layerOutputSize(layer)))
			stateShapes := rnn.StateShapes(dtypes.Float32, hp.BatchSize, hp.RNNLayerSizes[layer])
			flat := make([]*Node, len(stateShapes))
			for ii, stateShape := range stateShapes {
				flat[ii] = Parameter(g, fmt.Sprintf("initial_state_%d_%d", layer+1, ii), stateShape)
			}
			initialStates[layer] = rnn.UnflattenState(flat)
		}
		return m.GenerateGraph(ctx, inputs, temperature, pastTargets, initialStates)
	}
	Panicf("model: cannot build graph for mode %q", m.mode) // Build validates the mode, so unreachable.
	return nil
}
