// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
)

// ConditionalAffine modulates x with a per-channel scale (gamma) and shift (beta), both learned projections
// of the conditioning vector: `x * gamma(conditioning) + beta(conditioning)`.
//
// x must be shaped `[batch_size, ..., channels]` and conditioning `[batch_size, conditioning_dim]` or
// `[batch_size]`. Gamma and beta are broadcast over all the axes of x other than the batch and channels.
//
// The projections are zero initialized and gamma is offset by 1, so a freshly created ConditionalAffine is
// the identity.
func ConditionalAffine(ctx *context.Context, x, conditioning *Node) *Node {
	if x.Rank() < 2 {
		exceptions.Panicf("ConditionalAffine: x must have rank >= 2, shaped [batch_size, ..., channels], got %s", x.Shape())
	}
	batchSize := x.Shape().Dimensions[0]
	numChannels := x.Shape().Dimensions[x.Rank()-1]
	conditioning = normalizeConditioning(conditioning, batchSize)
	if conditioning.DType() != x.DType() {
		conditioning = ConvertDType(conditioning, x.DType())
	}

	zeroCtx := ctx.WithInitializer(initializers.Zero)
	gamma := OnePlus(layers.Dense(zeroCtx.In("gamma"), conditioning, true, numChannels))
	beta := layers.Dense(zeroCtx.In("beta"), conditioning, true, numChannels)

	// [batch_size, numChannels] -> [batch_size, 1, ..., 1, numChannels]
	broadcastDims := make([]int, x.Rank())
	for ii := range broadcastDims {
		broadcastDims[ii] = 1
	}
	broadcastDims[0] = batchSize
	broadcastDims[x.Rank()-1] = numChannels
	gamma = Reshape(gamma, broadcastDims...)
	beta = Reshape(beta, broadcastDims...)
	return Add(Mul(x, gamma), beta)
}

// normalizeConditioning returns the conditioning shaped `[batchSize, conditioning_dim]`.
func normalizeConditioning(conditioning *Node, batchSize int) *Node {
	switch conditioning.Rank() {
	case 1:
		conditioning = InsertAxes(conditioning, -1)
	case 2:
	default:
		exceptions.Panicf("conditioning must be shaped [batch_size] or [batch_size, conditioning_dim], got %s",
			conditioning.Shape())
	}
	if conditioning.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("conditioning batch size (%s) doesn't match the input batch size %d",
			conditioning.Shape(), batchSize)
	}
	return conditioning
}
