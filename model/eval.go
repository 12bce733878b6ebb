// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// evalMetricsScope holds the streaming metric accumulators, outside the
// checked (reuse/new) variable discipline since the same variables are
// created on the first build and reused on every subsequent one.
const evalMetricsScope = "eval_metrics"

// streamingRatio accumulates sum and weight into metric-owned variables and
// returns the ratio of the running totals. Each distinct name gets its own
// accumulators; calling it in successive graph builds of the same ctx keeps
// streaming into the same totals.
func streamingRatio(ctx *context.Context, name string, sum, weight *Node) *Node {
	g := sum.Graph()
	ctx = ctx.Checked(false).In(evalMetricsScope).In(strings.ReplaceAll(name, "/", "_"))
	totalVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("total", sum.Shape()).SetTrainable(false)
	weightVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("weight", weight.Shape()).SetTrainable(false)
	total := Add(totalVar.ValueGraph(g), sum)
	totalWeight := Add(weightVar.ValueGraph(g), weight)
	totalVar.SetValueGraph(total)
	weightVar.SetValueGraph(totalWeight)
	return safeRatio(total, totalWeight)
}

// perClassAccuracyGraph streams per-class prediction counts and returns the
// mean of the per-class accuracies. Classes not yet seen contribute zero.
func (m *Model) perClassAccuracyGraph(ctx *context.Context, terms *lossTerms) *Node {
	g := terms.correct.Graph()
	numClasses := m.config.EncoderDecoder.NumClasses()
	ctx = ctx.Checked(false).In(evalMetricsScope).In("per_class_accuracy")
	countsVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("counts", shapes.Make(dtypes.Float32, numClasses)).SetTrainable(false)
	correctsVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("corrects", shapes.Make(dtypes.Float32, numClasses)).SetTrainable(false)

	// One-hot by label, zeroed at padding: the sum over positions gives the
	// per-class occurrence and correct-prediction counts for this batch.
	labelsOneHot := OneHot(terms.labelsFlat, numClasses, dtypes.Float32) // [B*T, numClasses]
	validWeights := ExpandAxes(Add(terms.eventPositions, terms.noEventPositions), -1)
	counts := Add(countsVar.ValueGraph(g), ReduceSum(Mul(labelsOneHot, validWeights), 0))
	corrects := Add(correctsVar.ValueGraph(g), ReduceSum(Mul(labelsOneHot, ExpandAxes(terms.correct, -1)), 0))
	countsVar.SetValueGraph(counts)
	correctsVar.SetValueGraph(corrects)

	perClass := safeRatio(corrects, counts)
	return ReduceAllMean(perClass)
}

// EvalStepGraph builds the evaluation graph: forward pass plus streaming
// metric updates. Metric accumulators are context variables, so repeated
// executions aggregate across batches; the returned values are the running
// aggregates after this batch. See ResetEvalMetrics to start a new round.
//
// Inputs are as in TrainStepGraph. Registered outputs: "loss",
// "metrics/accuracy", "metrics/per_class_accuracy", "metrics/event_accuracy",
// "metrics/no_event_accuracy", "metrics/loss_per_step", and the derived
// "metrics/perplexity" and "metrics/perplexity_per_step" -- the perplexities
// are exponentials of the aggregated losses, not independently aggregated.
func (m *Model) EvalStepGraph(ctx *context.Context, inputs, labels, lengths, numSteps *Node) *Outputs {
	g := inputs.Graph()
	fwd := m.forwardGraph(ctx, inputs, lengths, m.zeroHistories(g, inputs.DType()), nil)
	logitsFlat := m.logitsFlatGraph(ctx, fwd.outputs)
	terms := m.lossTermsGraph(logitsFlat, labels, lengths)

	loss := streamingRatio(ctx, "loss",
		ReduceAllSum(terms.crossEntropy), terms.numValid)
	accuracy := streamingRatio(ctx, "metrics/accuracy",
		ReduceAllSum(terms.correct), terms.numValid)
	perClassAccuracy := m.perClassAccuracyGraph(ctx, terms)
	eventAccuracy := streamingRatio(ctx, "metrics/event_accuracy",
		ReduceAllSum(Mul(terms.correct, terms.eventPositions)),
		ReduceAllSum(terms.eventPositions))
	noEventAccuracy := streamingRatio(ctx, "metrics/no_event_accuracy",
		ReduceAllSum(Mul(terms.correct, terms.noEventPositions)),
		ReduceAllSum(terms.noEventPositions))

	// Per-step loss: a mean of the cross-entropy with every valid position
	// weighted by numSteps/numValid, so the accumulated weight per batch is
	// exactly its step count.
	stepWeight := Div(numSteps, terms.numValid)
	lossPerStep := streamingRatio(ctx, "metrics/loss_per_step",
		Mul(ReduceAllSum(terms.crossEntropy), stepWeight), numSteps)

	outputs := &Outputs{}
	outputs.add("loss", loss)
	outputs.add("metrics/perplexity", Exp(loss))
	outputs.add("metrics/accuracy", accuracy)
	outputs.add("metrics/per_class_accuracy", perClassAccuracy)
	outputs.add("metrics/event_accuracy", eventAccuracy)
	outputs.add("metrics/no_event_accuracy", noEventAccuracy)
	outputs.add("metrics/loss_per_step", lossPerStep)
	outputs.add("metrics/perplexity_per_step", Exp(lossPerStep))
	return outputs
}

// ResetEvalMetrics deletes every streaming metric accumulator, starting a new
// evaluation round. ctx must be the same context used with EvalStepGraph.
func ResetEvalMetrics(ctx *context.Context) {
	ctx.In(evalMetricsScope).DeleteVariablesInScope()
}
