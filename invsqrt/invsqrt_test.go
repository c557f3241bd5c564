// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package invsqrt

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestLearningRate(t *testing.T) {
	warmup, dim := 10, 256
	// Peak at the end of the warmup.
	peak := LearningRate(warmup, warmup, dim, 1)
	assert.InDelta(t, 1/math.Sqrt(float64(dim))/math.Sqrt(float64(warmup)), peak, 1e-12)
	for step := 1; step < warmup; step++ {
		assert.Less(t, LearningRate(step, warmup, dim, 1), LearningRate(step+1, warmup, dim, 1),
			"must increase during warmup, step %d", step)
	}
	for step := warmup; step < 10*warmup; step++ {
		assert.Greater(t, LearningRate(step, warmup, dim, 1), LearningRate(step+1, warmup, dim, 1),
			"must decrease after warmup, step %d", step)
	}
	assert.InDelta(t, 2*peak, LearningRate(warmup, warmup, dim, 2), 1e-12)
}

func TestScheduleGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamWarmupSteps: 3,
		ParamModelDim:    16,
		ParamScale:       0.5,
	})
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		New(ctx, g, dtypes.Float64).FromContext().Done()
		return optimizers.LearningRateVar(ctx, dtypes.Float64, 0).ValueGraph(g)
	})
	for step := 1; step <= 8; step++ {
		got := tensors.ToScalar[float64](exec.Call()[0])
		require.InDelta(t, LearningRate(step, 3, 16, 0.5), got, 1e-12, "step %d", step)
	}
}

func TestScheduleDisabled(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, params := range []map[string]any{
		// No warmup set.
		{optimizers.ParamLearningRate: 0.1},
		// No model dimension.
		{optimizers.ParamLearningRate: 0.2, ParamWarmupSteps: 10, ParamModelDim: 0},
	} {
		ctx := context.New()
		ctx.SetParams(params)
		want := params[optimizers.ParamLearningRate].(float64)
		exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			ctx.SetTraining(g, true)
			New(ctx, g, dtypes.Float64).FromContext().Done()
			return optimizers.LearningRateVar(ctx, dtypes.Float64, 0).ValueGraph(g)
		})
		for range 3 {
			require.Equal(t, want, tensors.ToScalar[float64](exec.Call()[0]))
		}
	}
}
