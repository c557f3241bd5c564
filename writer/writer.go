// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package writer implements the denoising network of the handwriting diffusion model: a U-Net shaped sequence
// model over the stroke displacements, conditioned on the noise level, the text to write and the writer style.
//
// The network has 3 resolution levels (each one halving the sequence length), a bottleneck of cross-attention
// blocks and a decoder that mirrors the encoder with skip connections. Every block is modulated by a
// conditioning vector derived from the noise level (see blocks.ConditionalAffine).
//
// Hyperparameters are read from the context, see DefaultParams.
package writer

import (
	"github.com/gomlx/diffwriter/blocks"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
)

// ModelScope is the scope of the context where the network variables are created.
const ModelScope = "diffwriter"

// NumLevels is the number of times the sequence is halved by the encoder: the sequence length must be
// divisible by 2^NumLevels.
const NumLevels = 3

// Widths holds the number of channels of each part of the network, all derived from the base number of channels.
type Widths struct {
	// Level1, Level2 and Level3 are the widths of the encoder (and decoder) convolutional blocks for each
	// resolution level.
	Level1, Level2, Level3 int

	// Bottleneck is the width of the cross-attention blocks at the lowest resolution and of the text
	// representation.
	Bottleneck int

	// Conditioning is the dimension of the noise level conditioning vector.
	Conditioning int
}

// WidthsFor returns the widths of the network for the given base number of channels.
// It panics if channels is not a positive multiple of 8.
func WidthsFor(channels int) Widths {
	if channels <= 0 || channels%8 != 0 {
		exceptions.Panicf("invalid number of channels %d (%q): it must be a positive multiple of 8",
			channels, ParamChannels)
	}
	w := Widths{
		Level1:       channels,
		Level2:       channels * 3 / 2,
		Level3:       channels * 2,
		Conditioning: channels / 4,
	}
	w.Bottleneck = 2 * w.Level2
	return w
}

// SkipWidths returns the widths the encoder outputs (level 1, 2 and 3) are projected to, before being added to
// the up-sampled decoder input at the same resolution.
//
// These are also the widths of the decoder input at each level: the bottleneck width for level 3, and
// the width of the previous decoder block for the others.
func (w Widths) SkipWidths() [3]int {
	return [3]int{w.Level2, w.Level3, w.Bottleneck}
}

// sigmaConditioning maps the noise level to the conditioning vector used by all blocks.
func sigmaConditioning(ctx *context.Context, sigma *Node, widths Widths) *Node {
	hiddenDim := context.GetParamOr(ctx, ParamSigmaHiddenDim, 2048)
	return blocks.FeedForward(ctx, sigma, hiddenDim, widths.Conditioning)
}

// UpSample doubles the sequence length of x, shaped `[batch_size, seq_len, channels]`, by repeating each
// position.
func UpSample(x *Node) *Node {
	x.AssertRank(3)
	dims := x.Shape().Dimensions
	upSampled := Concatenate([]*Node{x, x}, -1)
	return Reshape(upSampled, dims[0], 2*dims[1], dims[2])
}

// Pool halves the sequence length of x, shaped `[batch_size, seq_len, channels]`, averaging consecutive pairs.
func Pool(x *Node) *Node {
	return MeanPool(x).Window(2).NoPadding().Done()
}

// Denoise runs the denoising network.
//
// Parameters:
//   - noisyDisplacement: corrupted stroke displacements `{dx, dy}`, shaped `[batch_size, seq_len, 2]`.
//     seq_len must be divisible by 2^NumLevels.
//   - textTokens: int token ids `[batch_size, text_len]`, where 0 is padding.
//   - sigma: the noise level, `sqrt(alpha)`, shaped `[batch_size]`, `[batch_size, 1]` or `[batch_size, 1, 1]`.
//   - style: writer style embedding `[batch_size, N, D]`, D divisible by the style expansion factor.
//
// It returns the predicted noise residual `[batch_size, seq_len, 2]`, the pen-lift probabilities
// `[batch_size, seq_len, 1]` and the cross-attention coefficients of the last bottleneck block, shaped
// `[batch_size, seq_len/8, num_heads, text_len]`.
func Denoise(ctx *context.Context, nanLogger *nanlogger.NanLogger, noisyDisplacement, textTokens, sigma, style *Node) (
	displacement, penLift, attention *Node) {
	noisyDisplacement.AssertRank(3)
	batchSize, seqLen := noisyDisplacement.Shape().Dimensions[0], noisyDisplacement.Shape().Dimensions[1]
	dtype := noisyDisplacement.DType()
	noisyDisplacement.AssertDims(batchSize, seqLen, 2)
	textTokens.AssertRank(2)
	if textTokens.Shape().Dimensions[0] != batchSize || style.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("Denoise: batch size mismatch: strokes %s, text %s, style %s",
			noisyDisplacement.Shape(), textTokens.Shape(), style.Shape())
	}
	if sigma.Shape().Size() != batchSize {
		exceptions.Panicf("Denoise: sigma must have one value per example, got shape %s for batch size %d",
			sigma.Shape(), batchSize)
	}
	if seqLen%(1<<NumLevels) != 0 {
		exceptions.Panicf("Denoise: the strokes sequence length (%d) must be divisible by %d",
			seqLen, 1<<NumLevels)
	}
	numAttentionLayers := context.GetParamOr(ctx, ParamNumAttentionLayers, 2)
	if numAttentionLayers < 1 {
		exceptions.Panicf("Denoise: %q must be >= 1, got %d", ParamNumAttentionLayers, numAttentionLayers)
	}
	widths := WidthsFor(context.GetParamOr(ctx, ParamChannels, 128))
	skipWidths := widths.SkipWidths()

	ctx = ctx.In(ModelScope).WithInitializer(initializers.XavierNormalFn(ctx))
	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}
	nanLogger.TraceFirstNaN(noisyDisplacement, "Denoise:noisyDisplacement")

	// Conditioning: noise level and text (fused with the style).
	sigma = ConvertDType(Reshape(sigma, batchSize, 1), dtype)
	conditioning := sigmaConditioning(nextCtx("SigmaConditioning"), sigma, widths)
	nanLogger.TraceFirstNaN(conditioning, "Denoise:conditioning")
	textMask := NotEqual(textTokens, ZerosLike(textTokens))
	text := blocks.TextStyleFusion(nextCtx("TextStyleFusion"), nanLogger, textTokens, ConvertDType(style, dtype),
		conditioning, widths.Bottleneck)

	// Encoder.
	x := layers.Dense(nextCtx("InputProjection"), noisyDisplacement, true, widths.Level1)
	h1 := blocks.ConvResidualBlock(nextCtx("Encoder1"), nanLogger, x, conditioning, widths.Level1, [2]int{1, 2})
	x = Pool(h1)

	x = blocks.ConvResidualBlock(nextCtx("Encoder2"), nanLogger, x, conditioning, widths.Level2, [2]int{1, 2})
	h2, _ := blocks.CrossAttentionBlock(nextCtx("Encoder2Attention"), nanLogger, x, text, textMask, conditioning, 3, 4)
	x = Pool(h2)

	x = blocks.ConvResidualBlock(nextCtx("Encoder3"), nanLogger, x, conditioning, widths.Level3, [2]int{1, 2})
	h3, _ := blocks.CrossAttentionBlock(nextCtx("Encoder3Attention"), nanLogger, x, text, textMask, conditioning, 4, 2)
	x = Pool(h3)
	nanLogger.TraceFirstNaN(x, "Denoise:encoded")

	// Bottleneck: only the attention of the last block is returned.
	x = layers.Dense(nextCtx("BottleneckProjection"), x, true, widths.Bottleneck)
	for ii := range numAttentionLayers {
		x, attention = blocks.CrossAttentionBlock(nextCtx("Bottleneck_%d", ii), nanLogger, x, text, textMask,
			conditioning, 6, 1)
	}

	// Decoder: up-sample and add the projected encoder output at the same resolution.
	skipProjection := func(ctx *context.Context, skip *Node, width int) *Node {
		return layers.Convolution(ctx, skip).Filters(width).KernelSize(3).PadSame().Done()
	}
	x = Add(UpSample(x), skipProjection(nextCtx("Skip3"), h3, skipWidths[2]))
	x = blocks.ConvResidualBlock(nextCtx("Decoder3"), nanLogger, x, conditioning, widths.Level3, [2]int{1, 2})

	x = Add(UpSample(x), skipProjection(nextCtx("Skip2"), h2, skipWidths[1]))
	x = blocks.ConvResidualBlock(nextCtx("Decoder2"), nanLogger, x, conditioning, widths.Level2, [2]int{1, 1})

	x = Add(UpSample(x), skipProjection(nextCtx("Skip1"), h1, skipWidths[0]))
	x = blocks.ConvResidualBlock(nextCtx("Decoder1"), nanLogger, x, conditioning, widths.Level1, [2]int{1, 1})
	nanLogger.TraceFirstNaN(x, "Denoise:decoded")

	// Readouts.
	displacement = layers.Dense(nextCtx("DisplacementReadout"), x, true, 2)
	penLift = Sigmoid(layers.Dense(nextCtx("PenLiftReadout"), x, true, 1))
	return
}
