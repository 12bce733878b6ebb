// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gradclip implements an Adam optimizer with gradient clipping by
// global norm: before the Adam update, all gradients are jointly rescaled so
// their global L2 norm never exceeds a configured threshold.
//
// It implements optimizers.Interface and can be used anywhere a plain
// optimizers.Adam() would, including train.Trainer.
package gradclip

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// DefaultLearningRate is used if no learning rate is configured, neither
	// here nor in the context params.
	DefaultLearningRate = 0.001

	// DefaultScope is the scope name under which the optimizer stores its
	// moments and step count.
	DefaultScope = "ClippedAdamOptimizer"
)

// Adam returns a configuration for a gradient-clipped Adam optimizer. Set its
// parameters and call Config.Done to build the optimizers.Interface.
//
// By default no clipping is applied: see Config.ClipNorm.
func Adam() *Config {
	return &Config{
		scopeName:    DefaultScope,
		learningRate: -1, // < 0 means take it from the context params.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// Config for the gradient-clipped Adam optimizer, created with Adam.
type Config struct {
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	clipNorm     float64
}

// Scope sets the top-level scope used to store the gradient moments and the
// optimizer's step count. It defaults to DefaultScope.
func (c *Config) Scope(name string) *Config {
	c.scopeName = name
	return c
}

// LearningRate sets the base learning rate.
//
// The default is the "learning_rate" context param if set, DefaultLearningRate
// otherwise.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// Betas sets the two moving average constants (exponential decays). They
// default to 0.9 and 0.999.
func (c *Config) Betas(beta1, beta2 float64) *Config {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *Config) Epsilon(epsilon float64) *Config {
	c.epsilon = epsilon
	return c
}

// ClipNorm sets the maximum global L2 norm of the gradients. When the actual
// global norm exceeds it, every gradient is scaled down by the same factor so
// the norm equals the threshold; smaller gradients pass through unchanged.
//
// A value <= 0 disables clipping, which is the default.
func (c *Config) ClipNorm(clipNorm float64) *Config {
	c.clipNorm = clipNorm
	return c
}

// Done finishes the configuration and builds the optimizers.Interface.
func (c *Config) Done() optimizers.Interface {
	return &clippedAdam{config: c}
}

type clippedAdam struct {
	config *Config
}

// UpdateGraph builds the variable updates for one training step: global-norm
// gradient clipping followed by the Adam update. It implements
// optimizers.Interface.
func (o *clippedAdam) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("gradclip: optimizer requires a scalar loss, got loss.shape=%s", loss.Shape())
	}
	dtype := loss.DType()

	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate)
	}
	lrVar := optimizers.LearningRateVar(ctx, dtype, lrValue)
	learningRate := lrVar.ValueGraph(g)

	// Keep a separate step count for this optimizer, so it can be reset
	// independently of the global step.
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	adamStep := optimizers.IncrementGlobalStepGraph(ctx.In(o.config.scopeName), g, dtype)
	beta1 := Const(g, shapes.CastAsDType(o.config.beta1, dtype))
	debiasTermBeta1 := Inverse(OneMinus(Pow(beta1, adamStep)))
	beta2 := Const(g, shapes.CastAsDType(o.config.beta2, dtype))
	debiasTermBeta2 := Inverse(OneMinus(Pow(beta2, adamStep)))
	epsilon := Const(g, shapes.CastAsDType(o.config.epsilon, dtype))

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("gradclip: no trainable variables to optimize")
	}
	grads = o.clipByGlobalNormGraph(g, grads, dtype)

	// Apply gradients one variable at a time.
	varIdx := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			if varIdx < len(grads) {
				o.applyAdamGraph(ctx, g, v, grads[varIdx],
					learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon)
			}
			varIdx++
		}
	})
	if varIdx != len(grads) {
		Panicf("gradclip: got gradients for %d variables but saw %d trainable variables -- "+
			"were new variables created in between ?", len(grads), varIdx)
	}
}

// clipByGlobalNormGraph scales all gradients by min(1, clipNorm/globalNorm).
// Disabled (clipNorm <= 0) it returns grads unchanged.
func (o *clippedAdam) clipByGlobalNormGraph(g *Graph, grads []*Node, dtype dtypes.DType) []*Node {
	if o.config.clipNorm <= 0 {
		return grads
	}
	sumSquares := ScalarZero(g, dtype)
	for _, grad := range grads {
		sumSquares = Add(sumSquares, ReduceAllSum(Square(grad)))
	}
	globalNorm := Sqrt(sumSquares)
	clipNorm := Const(g, shapes.CastAsDType(o.config.clipNorm, dtype))
	scale := Div(clipNorm, Max(globalNorm, clipNorm))
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, scale)
	}
	return clipped
}

func (o *clippedAdam) applyAdamGraph(ctx *context.Context, g *Graph, v *context.Variable, grad *Node,
	learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon *Node) {
	m1Var, m2Var := o.momentVariables(ctx, v)
	moment1, moment2 := m1Var.ValueGraph(g), m2Var.ValueGraph(g)

	moment1 = Add(Mul(beta1, moment1), Mul(OneMinus(beta1), grad))
	m1Var.SetValueGraph(moment1)
	debiasedMoment1 := Mul(moment1, debiasTermBeta1)

	moment2 = Add(Mul(beta2, moment2), Mul(OneMinus(beta2), Square(grad)))
	m2Var.SetValueGraph(moment2)
	debiasedMoment2 := Mul(moment2, debiasTermBeta2)

	value := v.ValueGraph(g)
	stepDirection := Div(debiasedMoment1, Add(Sqrt(debiasedMoment2), epsilon))
	v.SetValueGraph(Sub(value, Mul(learningRate, stepDirection)))
}

// momentVariables returns (creating if needed) the 1st and 2nd order moment
// variables for the given trainable variable, stored under the optimizer's
// scope mirroring the variable's own scope.
func (o *clippedAdam) momentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	shape := trainable.Shape()
	m1 = ctx.InAbsPath(scopePath).WithInitializer(initializers.Zero).
		VariableWithShape(fmt.Sprintf("%s_1st_moment", trainable.Name()), shape).SetTrainable(false)
	m2 = ctx.InAbsPath(scopePath).WithInitializer(initializers.Zero).
		VariableWithShape(fmt.Sprintf("%s_2nd_moment", trainable.Name()), shape).SetTrainable(false)
	return
}

// Clear deletes the optimizer's moment and step variables. It implements
// optimizers.Interface.
func (o *clippedAdam) Clear(ctx *context.Context) {
	ctx.In(o.config.scopeName).DeleteVariablesInScope()
}
