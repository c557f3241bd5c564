// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blocks implements the building blocks of the handwriting denoising network: the noise conditioned
// affine transformation, the sinusoidal positional table, the convolutional residual block, the cross-attention
// block and the fusion of text with the writer style.
//
// All blocks operate on sequences shaped `[batch_size, sequence_length, channels]` and are modulated by a
// conditioning vector shaped `[batch_size, conditioning_dim]`, derived from the noise level.
//
// Hyperparameters are read from the context, see the Param* constants.
package blocks

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

const (
	// ParamLayerNormEpsilon is the epsilon used by the (non-learned) layer normalizations of the blocks.
	// Default is 1e-6.
	ParamLayerNormEpsilon = "blocks_layer_norm_epsilon"

	// ParamStyleDropoutRate is the dropout rate applied to the style embedding before it is fused with the text.
	// Default is 0.3.
	ParamStyleDropoutRate = "style_dropout_rate"

	// ParamStyleExpansion is the factor by which the style embedding sequence is expanded (and its channels
	// divided) before fusing it with the text. Default is 5.
	ParamStyleExpansion = "style_expansion_factor"

	// ParamFusionNumHeads is the number of heads of the text/style attention. Default is 8.
	ParamFusionNumHeads = "fusion_num_heads"

	// ParamVocabSize is the number of distinct text tokens, including the padding token 0. Default is 73.
	ParamVocabSize = "text_vocab_size"

	// ParamPositionalMaxLen is the number of positions in the sinusoidal positional tables.
	// Sequences longer than that fail. Default is 2000.
	ParamPositionalMaxLen = "positional_max_len"
)

// scopeCounter returns a function that creates sub-scopes prefixed with an increasing counter, to give a nice
// ordering to the variables.
func scopeCounter(ctx *context.Context) func(format string, args ...any) *context.Context {
	layerNum := 0
	return func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}
}

// normalize applies a layer normalization on the last axis, without learned gain or offset: those are
// provided by the ConditionalAffine that always follows it.
func normalize(ctx *context.Context, x *Node) *Node {
	epsilon := context.GetParamOr(ctx, ParamLayerNormEpsilon, 1e-6)
	return layers.LayerNormalization(ctx, x, -1).
		LearnedOffset(false).
		LearnedGain(false).
		Epsilon(epsilon).
		Done()
}
