// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/selfsimrnn/gradclip"
)

// lossTerms are the per-position quantities shared by the train and eval
// tails. All of them are zero at padded positions.
type lossTerms struct {
	// crossEntropy is the per-position softmax cross-entropy, [B*T].
	crossEntropy *Node

	// numValid is the scalar count of non-padded positions.
	numValid *Node

	// correct is 1 where the prediction matches the label, [B*T] float32.
	correct *Node

	// eventPositions and noEventPositions mark positions whose label is an
	// event / the no-event label, [B*T] float32.
	eventPositions, noEventPositions *Node

	labelsFlat, predictionsFlat *Node
}

// lossTermsGraph computes the cross-entropy and prediction statistics over
// flattened steps, with padded positions contributing exactly zero
// everywhere.
func (m *Model) lossTermsGraph(logitsFlat, labels, lengths *Node) *lossTerms {
	numSteps := labels.Shape().Dim(1)
	numFlat := labels.Shape().Size()
	labelsFlat := Reshape(labels, numFlat)
	maskFlat := validMaskFlatGraph(lengths, numSteps)

	crossEntropy := losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{ExpandAxes(labelsFlat, -1), maskFlat}, []*Node{logitsFlat})
	numValid := ReduceAllSum(ConvertDType(maskFlat, dtypes.Float32))

	predictionsFlat := ArgMax(logitsFlat, -1, labelsFlat.DType())
	correct := ConvertDType(And(Equal(labelsFlat, predictionsFlat), maskFlat), dtypes.Float32)
	noEventLabel := Scalar(labels.Graph(), labelsFlat.DType(), m.config.EncoderDecoder.DefaultEventLabel())
	eventPositions := ConvertDType(And(NotEqual(labelsFlat, noEventLabel), maskFlat), dtypes.Float32)
	noEventPositions := ConvertDType(And(Equal(labelsFlat, noEventLabel), maskFlat), dtypes.Float32)

	return &lossTerms{
		crossEntropy:     crossEntropy,
		numValid:         numValid,
		correct:          correct,
		eventPositions:   eventPositions,
		noEventPositions: noEventPositions,
		labelsFlat:       labelsFlat,
		predictionsFlat:  predictionsFlat,
	}
}

// safeRatio divides sum by count, returning zero when count is zero -- used
// for accuracies over possibly empty position sets.
func safeRatio(sum, count *Node) *Node {
	one := ScalarOne(count.Graph(), count.DType())
	ratio := Div(sum, Max(count, one))
	return Where(Equal(count, ZerosLike(count)), ZerosLike(ratio), ratio)
}

// TrainStepGraph builds the training graph: forward pass, batch loss and
// metrics, and the gradient-clipped Adam update of every trainable variable.
//
// inputs must be [B, T, inputSize] float32, labels [B, T] integer, lengths
// [B] integer and numSteps a float32 scalar with the batch's domain-specific
// step count (see BatchNumSteps).
//
// Registered outputs: "loss", "metrics/perplexity", "metrics/accuracy",
// "metrics/event_accuracy", "metrics/no_event_accuracy",
// "metrics/loss_per_step", "metrics/perplexity_per_step", and one
// "self_similarity_<l>" matrix per layer for visualization.
func (m *Model) TrainStepGraph(ctx *context.Context, inputs, labels, lengths, numSteps *Node) *Outputs {
	g := inputs.Graph()
	fwd := m.forwardGraph(ctx, inputs, lengths, m.zeroHistories(g, inputs.DType()), nil)
	logitsFlat := m.logitsFlatGraph(ctx, fwd.outputs)
	terms := m.lossTermsGraph(logitsFlat, labels, lengths)

	loss := Div(ReduceAllSum(terms.crossEntropy), terms.numValid)
	accuracy := Div(ReduceAllSum(terms.correct), terms.numValid)
	eventAccuracy := safeRatio(
		ReduceAllSum(Mul(terms.correct, terms.eventPositions)),
		ReduceAllSum(terms.eventPositions))
	noEventAccuracy := safeRatio(
		ReduceAllSum(Mul(terms.correct, terms.noEventPositions)),
		ReduceAllSum(terms.noEventPositions))
	lossPerStep := Div(ReduceAllSum(terms.crossEntropy), numSteps)

	hp := m.config.HParams
	optimizer := gradclip.Adam().
		LearningRate(hp.LearningRate).
		ClipNorm(hp.ClipNorm).
		Done()
	optimizer.UpdateGraph(ctx, g, loss)

	outputs := &Outputs{}
	outputs.add("loss", loss)
	outputs.add("metrics/perplexity", Exp(loss))
	outputs.add("metrics/accuracy", accuracy)
	outputs.add("metrics/event_accuracy", eventAccuracy)
	outputs.add("metrics/no_event_accuracy", noEventAccuracy)
	outputs.add("metrics/loss_per_step", lossPerStep)
	outputs.add("metrics/perplexity_per_step", Exp(lossPerStep))
	for layer, selfSimilarity := range fwd.selfSimilarity {
		outputs.add(fmt.Sprintf("self_similarity_%d", layer+1), selfSimilarity)
	}
	return outputs
}
