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

// CrossAttentionBlock fuses the sequence x with the text: a cross-attention from x to the text, followed by a
// self-attention on x and a feed-forward block. Each step is normalized and modulated by the conditioning
// (see ConditionalAffine), with residual connections.
//
// Parameters:
//   - x: sequence shaped `[batch_size, seq_len, d]`.
//   - text: text representation shaped `[batch_size, text_len, text_dim]`, projected to d by the block.
//   - textMask: shaped `[batch_size, text_len]`, true for the valid (non-padding) text positions.
//     Masked positions get zero attention weight. It can be nil, in which case all positions are valid.
//   - conditioning: `[batch_size, conditioning_dim]`.
//   - numHeads: number of attention heads, it must divide d.
//   - posFactor: the positional encoding of x is divided by posFactor, the text one is not.
//
// It returns the updated x (same shape) and the cross-attention coefficients, shaped
// `[batch_size, seq_len, numHeads, text_len]`.
func CrossAttentionBlock(ctx *context.Context, nanLogger *nanlogger.NanLogger, x, text, textMask, conditioning *Node,
	numHeads int, posFactor float64) (output, attention *Node) {
	x.AssertRank(3)
	text.AssertRank(3)
	batchSize, dim := x.Shape().Dimensions[0], x.Shape().Dimensions[2]
	textLen := text.Shape().Dimensions[1]
	if text.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("CrossAttentionBlock: x (%s) and text (%s) have different batch sizes", x.Shape(), text.Shape())
	}
	if textMask != nil {
		textMask.AssertDims(batchSize, textLen)
	}
	if numHeads <= 0 || dim%numHeads != 0 {
		exceptions.Panicf("CrossAttentionBlock: number of heads (%d) must divide the number of channels (%d)",
			numHeads, dim)
	}
	headDim := dim / numHeads
	nextCtx := scopeCounter(ctx)

	// Text projected to the width of x.
	text = layers.Dense(nextCtx("text_projection"), activations.Swish(text), true, dim)
	text = ConditionalAffine(nextCtx("affine"), normalize(ctx, text), conditioning)
	textPE := AddPositionalEncoding(ctx, text, 1)
	xPE := AddPositionalEncoding(ctx, x, posFactor)

	// Cross-attention.
	mha := layers.MultiHeadAttention(nextCtx("cross_attention"), xPE, textPE, textPE, numHeads, headDim).
		SetOutputDim(dim)
	if textMask != nil {
		mha = mha.SetKeyMask(textMask)
	}
	var x2 *Node
	x2, attention = mha.DoneWithCoefficients()
	x2 = normalize(ctx, layers.DropoutFromContext(ctx, x2))
	x2 = Add(ConditionalAffine(nextCtx("affine"), x2, conditioning), x)
	nanLogger.TraceFirstNaN(x2, "CrossAttentionBlock:cross-attention")

	// Self-attention: positional encoding only on the query and key.
	x2PE := AddPositionalEncoding(ctx, x2, posFactor)
	x3 := layers.MultiHeadAttention(nextCtx("self_attention"), x2PE, x2PE, x2, numHeads, headDim).
		SetOutputDim(dim).
		Done()
	x3 = normalize(ctx, Add(x2, layers.DropoutFromContext(ctx, x3)))
	x3 = ConditionalAffine(nextCtx("affine"), x3, conditioning)
	nanLogger.TraceFirstNaN(x3, "CrossAttentionBlock:self-attention")

	// Feed-forward.
	x4 := FeedForward(nextCtx("feed_forward"), x3, 2*dim, dim)
	x4 = Add(layers.DropoutFromContext(ctx, x4), x3)
	output = ConditionalAffine(nextCtx("affine"), normalize(ctx, x4), conditioning)
	nanLogger.TraceFirstNaN(output, "CrossAttentionBlock:output")
	return
}
