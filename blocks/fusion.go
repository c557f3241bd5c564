// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// ExpandStyle reshapes the style embedding `[batch_size, N, D]` to `[batch_size, N*factor, D/factor]`,
// trading channels for sequence length. D must be divisible by factor.
func ExpandStyle(style *Node, factor int) *Node {
	style.AssertRank(3)
	dims := style.Shape().Dimensions
	if factor <= 0 || dims[2]%factor != 0 {
		exceptions.Panicf("style embedding channels (%s) must be divisible by the expansion factor %d",
			style.Shape(), factor)
	}
	return Reshape(style, dims[0], dims[1]*factor, dims[2]/factor)
}

// TextStyleFusion embeds the text tokens and combines them with the writer style, through an attention from the
// text (query) to the style (key/value). Each step is normalized and modulated by the conditioning.
//
// Parameters:
//   - tokens: int token ids shaped `[batch_size, text_len]`, 0 is padding.
//   - style: style embedding shaped `[batch_size, N, D]`, D divisible by the ParamStyleExpansion factor.
//   - conditioning: `[batch_size, conditioning_dim]`.
//   - dim: channels of the output.
//
// It returns the text representation shaped `[batch_size, text_len, dim]`: the style only changes the values,
// never the length of the text.
func TextStyleFusion(ctx *context.Context, nanLogger *nanlogger.NanLogger, tokens, style, conditioning *Node,
	dim int) *Node {
	tokens.AssertRank(2)
	style.AssertRank(3)
	batchSize, textLen := tokens.Shape().Dimensions[0], tokens.Shape().Dimensions[1]
	if style.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("TextStyleFusion: tokens (%s) and style (%s) have different batch sizes",
			tokens.Shape(), style.Shape())
	}
	if !tokens.DType().IsInt() {
		exceptions.Panicf("TextStyleFusion: tokens must be integer ids, got %s", tokens.Shape())
	}
	vocabSize := context.GetParamOr(ctx, ParamVocabSize, 73)
	numHeads := context.GetParamOr(ctx, ParamFusionNumHeads, 8)
	expansion := context.GetParamOr(ctx, ParamStyleExpansion, 5)
	styleDropout := context.GetParamOr(ctx, ParamStyleDropoutRate, 0.3)
	if dim%numHeads != 0 {
		exceptions.Panicf("TextStyleFusion: number of heads (%d) must divide the number of channels (%d)",
			numHeads, dim)
	}
	nextCtx := scopeCounter(ctx)
	dtype := style.DType()

	// Style.
	style = ExpandStyle(layers.DropoutStatic(ctx, style, styleDropout), expansion)
	style = FeedForward(nextCtx("style_feed_forward"), style, 2*dim, dim)
	style = ConditionalAffine(nextCtx("affine"), normalize(ctx, style), conditioning)
	nanLogger.TraceFirstNaN(style, "TextStyleFusion:style")

	// Text.
	text := layers.Embedding(nextCtx("embeddings"), InsertAxes(tokens, -1), dtype, vocabSize, dim)
	text.AssertDims(batchSize, textLen, dim)
	text = ConditionalAffine(nextCtx("affine"), normalize(ctx, text), conditioning)

	// Text attending to the style.
	attended := layers.MultiHeadAttention(nextCtx("style_attention"), text, style, style, numHeads, dim/numHeads).
		SetOutputDim(dim).
		Done()
	text = ConditionalAffine(nextCtx("affine"), normalize(ctx, Add(text, attended)), conditioning)

	text = FeedForward(nextCtx("text_feed_forward"), text, 2*dim, dim)
	text = ConditionalAffine(nextCtx("affine"), normalize(ctx, text), conditioning)
	nanLogger.TraceFirstNaN(text, "TextStyleFusion:text")
	return text
}
