// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package selfsim implements self-similarity attention over sequences: each
// time step attends over its own history (past and current target vectors)
// through learned embeddings, with a causal window that grows one target
// position per step.
//
// The package is organized leaves-first:
//
//   - InputEmbeddings projects each step independently into the embedding
//     space used to measure similarity.
//   - SimilarityWeightedAttention computes the causally-masked softmax
//     attention over target vectors, given a raw similarity matrix.
//   - Attention composes the two over a layer's recurrent outputs and its
//     carried history, returning both the attention output and the
//     similarity matrix.
//
// Since GoMLX graphs have static shapes, the per-step window is resolved at
// graph construction time: each input row gets its own softmax over its own
// causal prefix, and zeros elsewhere. A single fixed mask over the full
// target width would not do -- the window is a function of the row index.
package selfsim

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// InputEmbeddings projects a batch of sequences into the embedding space used
// to compute self-similarity. The same affine transform plus a Relu is
// applied to every time step independently -- there is no cross-step
// interaction.
//
// inputs must be shaped [batchSize, numSteps, inputSize]. numSteps may be 0
// (empty history), in which case the result is shaped
// [batchSize, 0, embeddingSize].
//
// The transform weights live in ctx, so distinct scopes create distinct
// embeddings: input and target embeddings are separate projections.
func InputEmbeddings(ctx *context.Context, inputs *Node, embeddingSize int) *Node {
	if inputs.Rank() != 3 {
		Panicf("selfsim.InputEmbeddings requires inputs shaped [batchSize, numSteps, inputSize], got %s",
			inputs.Shape())
	}
	if embeddingSize <= 0 {
		Panicf("selfsim.InputEmbeddings requires embeddingSize > 0, got %d", embeddingSize)
	}
	return activations.Relu(layers.Dense(ctx, inputs, true, embeddingSize))
}

// SimilarityWeightedAttention computes similarity-weighted softmax attention
// over target vectors.
//
// targets must be shaped [batchSize, numTargetSteps, targetSize], and
// selfSimilarity [batchSize, numInputSteps, numTargetSteps], where entry
// (b, i, j) holds the raw similarity between input step i and target step j.
//
// Input row i sees only the causal window of targets [0, offset+i+1), with
// offset = numTargetSteps - numInputSteps: the window grows by one target per
// input step, anchoring each row's last visible target to its own position.
// Softmax is normalized over the window only; positions outside it get
// weight exactly 0, not merely logit 0. A row whose window is empty (the
// first step when there is no history) gets an all-zero attention
// distribution.
//
// Returns the attention-weighted sum of targets, shaped
// [batchSize, numInputSteps, targetSize].
//
// It panics if numInputSteps > numTargetSteps+1: under the documented
// contract targets hold all past plus current steps minus the very first
// one, so at most one row (the first, with no history) may have an empty
// window.
func SimilarityWeightedAttention(targets, selfSimilarity *Node) *Node {
	if targets.Rank() != 3 || selfSimilarity.Rank() != 3 {
		Panicf("selfsim.SimilarityWeightedAttention: targets and selfSimilarity must be rank-3, got %s and %s",
			targets.Shape(), selfSimilarity.Shape())
	}
	batchSize := targets.Shape().Dim(0)
	numTargetSteps := targets.Shape().Dim(1)
	numInputSteps := selfSimilarity.Shape().Dim(1)
	if selfSimilarity.Shape().Dim(0) != batchSize || selfSimilarity.Shape().Dim(2) != numTargetSteps {
		Panicf("selfsim.SimilarityWeightedAttention: selfSimilarity (%s) must be shaped "+
			"[batchSize=%d, numInputSteps, numTargetSteps=%d]",
			selfSimilarity.Shape(), batchSize, numTargetSteps)
	}

	offset := numTargetSteps - numInputSteps
	if offset < -1 {
		Panicf("selfsim.SimilarityWeightedAttention: %d input steps but only %d targets -- targets must "+
			"cover every input step except at most the first (no history to attend to before it)",
			numInputSteps, numTargetSteps)
	}

	// One row per input step, each with its own causal softmax window.
	rows := make([]*Node, numInputSteps)
	for i := range numInputSteps {
		window := offset + i + 1
		rowSimilarity := Slice(selfSimilarity, AxisRange(), AxisElem(i)) // [batchSize, 1, numTargetSteps]
		switch {
		case window <= 0:
			rows[i] = ZerosLike(rowSimilarity)
		case window >= numTargetSteps:
			rows[i] = Softmax(rowSimilarity)
		default:
			visible := Slice(rowSimilarity, AxisRange(), AxisRange(), AxisRangeFromStart(window))
			future := Slice(rowSimilarity, AxisRange(), AxisRange(), AxisRangeToEnd(window))
			rows[i] = Concatenate([]*Node{Softmax(visible), ZerosLike(future)}, -1)
		}
	}
	attention := Concatenate(rows, 1) // [batchSize, numInputSteps, numTargetSteps]
	return Einsum("bij,bjd->bid", attention, targets)
}

// Attention runs self-similarity attention over a layer's current outputs and
// carried history.
//
// inputs are the current step vectors (typically raw recurrent outputs),
// shaped [batchSize, numSteps, inputSize] with numSteps >= 1; pastInputs is
// the history carried from previous invocations, shaped
// [batchSize, numPastSteps, inputSize], where numPastSteps may be 0.
// Neither is mutated.
//
// The target set is the concatenation of past and current inputs. Target
// embeddings drop the last target -- it has no preceding current-step
// analog -- and attention drops the first -- nothing precedes it, so it can
// never be attended to.
//
// Returns the attention output shaped [batchSize, numSteps, inputSize] and
// the self-similarity matrix shaped
// [batchSize, numSteps, numPastSteps+numSteps-1], the latter exposed for
// diagnostics and visualization.
func Attention(ctx *context.Context, inputs, pastInputs *Node, embeddingSize int) (attentionOutputs, selfSimilarity *Node) {
	if inputs.Rank() != 3 || pastInputs.Rank() != 3 {
		Panicf("selfsim.Attention: inputs and pastInputs must be rank-3, got %s and %s",
			inputs.Shape(), pastInputs.Shape())
	}
	if inputs.Shape().Dim(1) < 1 {
		Panicf("selfsim.Attention requires at least one input step, got inputs shaped %s", inputs.Shape())
	}
	if pastInputs.Shape().Dim(0) != inputs.Shape().Dim(0) || pastInputs.Shape().Dim(2) != inputs.Shape().Dim(2) {
		Panicf("selfsim.Attention: pastInputs (%s) must match inputs (%s) on batch and feature axes",
			pastInputs.Shape(), inputs.Shape())
	}

	embeddings := InputEmbeddings(ctx.In("input_embedding"), inputs, embeddingSize)

	targets := Concatenate([]*Node{pastInputs, inputs}, 1)
	numTargets := targets.Shape().Dim(1)
	targetEmbeddings := InputEmbeddings(ctx.In("target_embedding"),
		Slice(targets, AxisRange(), AxisRangeFromStart(numTargets-1)), embeddingSize)

	// Similarity between each current embedding and the embeddings of all
	// targets but the last.
	selfSimilarity = Einsum("bie,bje->bij", embeddings, targetEmbeddings)

	// Attention over all targets but the first.
	attentionOutputs = SimilarityWeightedAttention(
		Slice(targets, AxisRange(), AxisRangeToEnd(1)), selfSimilarity)
	return
}
