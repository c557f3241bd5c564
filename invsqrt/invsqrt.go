// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package invsqrt implements the inverse square root learning rate schedule with a linear warmup, as introduced
// in "Attention Is All You Need" (Vaswani et al., 2017):
//
//	lr = scale * modelDim^-0.5 * min(step^-0.5, step * warmup^-1.5)
//
// The learning rate grows linearly for the first `warmup` steps, and then decays proportionally to the inverse
// square root of the step.
//
// See New for details and example of usage.
package invsqrt

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// ParamWarmupSteps is the number of warmup steps of the schedule. If set to 0 (the default), the schedule
	// is disabled.
	ParamWarmupSteps = "warmup_steps"

	// ParamModelDim is the model dimension used to scale the learning rate. Default is 0, which disables the schedule.
	ParamModelDim = "invsqrt_model_dim"

	// ParamScale is an extra multiplicative factor on the learning rate. Default is 1.0.
	ParamScale = "invsqrt_scale"
)

// Scope of the step counter kept by the schedule, under the optimizers.Scope.
const Scope = "invsqrt_schedule"

// Config is returned by New to configure the schedule. When finished configuring, call Done.
type Config struct {
	ctx          *context.Context
	graph        *Graph
	dtype        dtypes.DType
	warmupSteps  int
	modelDim     int
	scale        float64
	initialValue float64
}

// New creates a configuration to apply the inverse square root schedule with warmup to the learning rate.
//
// It returns a Config that can be configured. When finished configuring call Done and it will generate the
// computation graph that updates the learning rate at every training step.
//
// Example:
//
//	func modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
//		g := inputs[0].Graph()
//		invsqrt.New(ctx, g, dtypes.Float32).FromContext().Done()
//		...
//	}
func New(ctx *context.Context, graph *Graph, dtype dtypes.DType) *Config {
	return &Config{
		ctx:   ctx,
		graph: graph,
		dtype: dtype,
		scale: 1.0,
	}
}

// FromContext configures the schedule from the context hyperparameters ParamWarmupSteps, ParamModelDim and
// ParamScale.
func (c *Config) FromContext() *Config {
	c.warmupSteps = context.GetParamOr(c.ctx, ParamWarmupSteps, 0)
	c.modelDim = context.GetParamOr(c.ctx, ParamModelDim, 0)
	c.scale = context.GetParamOr(c.ctx, ParamScale, 1.0)
	return c
}

// WarmupSteps sets the number of steps of the linear warmup. If 0, the schedule is silently disabled.
func (c *Config) WarmupSteps(steps int) *Config {
	c.warmupSteps = steps
	return c
}

// ModelDim sets the model dimension that scales the learning rate by `modelDim^-0.5`.
// If 0, the schedule is silently disabled.
func (c *Config) ModelDim(dim int) *Config {
	c.modelDim = dim
	return c
}

// Scale sets an extra multiplicative factor for the learning rate. Default is 1.0.
func (c *Config) Scale(scale float64) *Config {
	c.scale = scale
	return c
}

// LearningRate returns the learning rate of the schedule at the given step (starting at 1), computed on the host.
func LearningRate(step, warmupSteps, modelDim int, scale float64) float64 {
	s := float64(max(step, 1))
	return scale / math.Sqrt(float64(modelDim)) * min(1/math.Sqrt(s), s*math.Pow(float64(warmupSteps), -1.5))
}

// Done generates the computation graph that updates the learning rate variable.
// It is a no-op if not training. If the schedule is disabled, the learning rate variable keeps the value of
// the optimizers.ParamLearningRate hyperparameter.
func (c *Config) Done() {
	ctx := c.ctx.Checked(false)
	g := c.graph
	if !ctx.IsTraining(g) {
		return
	}
	if c.warmupSteps == 0 || c.modelDim == 0 {
		optimizers.LearningRateVarWithValue(ctx, c.dtype,
			context.GetParamOr(ctx, optimizers.ParamLearningRate, optimizers.AdamDefaultLearningRate))
		return
	}
	if c.warmupSteps < 0 || c.modelDim < 0 || c.scale <= 0 {
		exceptions.Panicf("invalid inverse square root schedule: warmup_steps=%d, model_dim=%d, scale=%g",
			c.warmupSteps, c.modelDim, c.scale)
	}

	// The schedule keeps its own step counter, starting at 1.
	step := optimizers.IncrementGlobalStepGraph(ctx.In(optimizers.Scope).In(Scope), g, c.dtype)
	decay := Rsqrt(step)
	warmup := MulScalar(step, math.Pow(float64(c.warmupSteps), -1.5))
	lr := MulScalar(Min(decay, warmup), c.scale/math.Sqrt(float64(c.modelDim)))

	lrVar := optimizers.LearningRateVarWithValue(ctx, c.dtype, LearningRate(1, c.warmupSteps, c.modelDim, c.scale))
	lrVar.SetValueGraph(lr)
}
