// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"

	"github.com/gomlx/selfsimrnn/rnn"
)

// TemperatureSoftmax returns softmax(logits / temperature) over the last
// axis. temperature must be a scalar; 1.0 reproduces a plain softmax, lower
// values sharpen the distribution, higher values flatten it.
func TemperatureSoftmax(logits, temperature *Node) *Node {
	return Softmax(Div(logits, temperature))
}

// GenerateGraph builds the sampling graph: forward pass over externally fed
// inputs and histories, then a temperature-scaled softmax over the class
// logits.
//
// pastTargets must hold one [B, Tp, layerSize] history per layer (Tp may be
// 0 on the first invocation); initialStates may be nil for zero state, or
// hold each layer's state carried from the previous invocation.
//
// Registered outputs: "inputs", "temperature", "softmax" ([B, T, numClasses])
// and, per layer in order: "targets" (this invocation's raw recurrent
// outputs, to be appended to the fed history), "past_targets", and the
// flattened "initial_state" and "final_state" tensors, ordered per
// rnn.State.Flatten. Feeding a later invocation with the fetched "final_state"
// values as its initial state and targets appended to past_targets continues
// the sequence exactly.
func (m *Model) GenerateGraph(ctx *context.Context, inputs, temperature *Node, pastTargets []*Node, initialStates []rnn.State) *Outputs {
	fwd := m.forwardGraph(ctx, inputs, nil, pastTargets, initialStates)
	logitsFlat := m.logitsFlatGraph(ctx, fwd.outputs)

	batchSize := inputs.Shape().Dim(0)
	numSteps := inputs.Shape().Dim(1)
	numClasses := m.config.EncoderDecoder.NumClasses()
	softmax := Reshape(TemperatureSoftmax(logitsFlat, temperature), batchSize, numSteps, numClasses)

	outputs := &Outputs{}
	outputs.add("inputs", inputs)
	outputs.add("temperature", temperature)
	outputs.add("softmax", softmax)
	for layer := range fwd.targets {
		outputs.add("targets", fwd.targets[layer])
		outputs.add("past_targets", fwd.pastTargets[layer])
		outputs.addAll("initial_state", fwd.initialStates[layer].Flatten())
		outputs.addAll("final_state", fwd.finalStates[layer].Flatten())
	}
	return outputs
}
