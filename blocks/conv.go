// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// ConvResidualBlock applies a residual block of dilated 1D convolutions, each stage modulated by the
// conditioning vector (see ConditionalAffine).
//
//   - skip: convolution (kernel 3, same padding) of the input to `filters` channels.
//   - swish, convolution to filters/2 channels with dilations[0], ConditionalAffine, dropout.
//   - swish, convolution to filters channels with dilations[1], ConditionalAffine, dropout.
//   - swish, dense projection, ConditionalAffine, dropout.
//
// The output is the sum of the skip and the last stage, shaped `[batch_size, sequence_length, filters]`.
// Dropout is configured with the layers.ParamDropoutRate hyperparameter.
func ConvResidualBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x, conditioning *Node,
	filters int, dilations [2]int) *Node {
	x.AssertRank(3)
	if filters < 2 {
		exceptions.Panicf("ConvResidualBlock: filters must be >= 2, got %d", filters)
	}
	nextCtx := scopeCounter(ctx)

	skip := layers.Convolution(nextCtx("skip"), x).Filters(filters).KernelSize(3).PadSame().Done()
	nanLogger.TraceFirstNaN(skip, "ConvResidualBlock:skip")

	x = layers.Convolution(nextCtx("conv"), activations.Swish(x)).
		Filters(filters / 2).KernelSize(3).PadSame().Dilations(dilations[0]).Done()
	x = ConditionalAffine(nextCtx("affine"), x, conditioning)
	x = layers.DropoutFromContext(ctx, x)

	x = layers.Convolution(nextCtx("conv"), activations.Swish(x)).
		Filters(filters).KernelSize(3).PadSame().Dilations(dilations[1]).Done()
	x = ConditionalAffine(nextCtx("affine"), x, conditioning)
	x = layers.DropoutFromContext(ctx, x)

	x = layers.Dense(nextCtx("projection"), activations.Swish(x), true, filters)
	x = ConditionalAffine(nextCtx("affine"), x, conditioning)
	x = layers.DropoutFromContext(ctx, x)
	nanLogger.TraceFirstNaN(x, "ConvResidualBlock:x")

	return Add(x, skip)
}
