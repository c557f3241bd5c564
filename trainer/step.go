// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/diffwriter/invsqrt"
	"github.com/gomlx/diffwriter/schedule"
	"github.com/gomlx/diffwriter/strokes"
	"github.com/gomlx/diffwriter/writer"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
)

// Indices of the outputs of the model built by Config.BuildTrainingModelGraph.
const (
	OutputResidual = iota
	OutputPenLift
	OutputLoss
	OutputResidualLoss
	OutputPenLiftLoss
	NumOutputs
)

// PenLiftEpsilon is the margin from 0 and 1 the predicted pen-lift probabilities are clipped to, before taking
// their log in the binary cross-entropy.
const PenLiftEpsilon = 1e-7

// Corruption is the forward diffusion of a batch of strokes: the displacements are mixed with Gaussian noise.
type Corruption struct {
	// Displacement `[batch_size, seq_len, 2]` and PenLift `[batch_size, seq_len, 1]` split from the strokes.
	Displacement, PenLift *Node

	// Alpha `[batch_size, 1]` is the fraction of the signal variance kept, and Sigma its square root.
	Alpha, Sigma *Node

	// Noise `[batch_size, seq_len, 2]` mixed into the displacements.
	Noise *Node

	// Corrupted displacements `[batch_size, seq_len, 2]`.
	Corrupted *Node
}

// CorruptStrokes mixes the displacement with the noise, according to alpha:
//
//	corrupted = sqrt(alpha) * displacement + sqrt(1 - alpha) * noise
//
// displacement and noise are shaped `[batch_size, seq_len, 2]`, and alpha `[batch_size, 1]`.
// It returns the corrupted displacement and sigma = sqrt(alpha).
func CorruptStrokes(displacement, noise, alpha *Node) (corrupted, sigma *Node) {
	displacement.AssertRank(3)
	batchSize := displacement.Shape().Dimensions[0]
	noise.AssertDims(displacement.Shape().Dimensions...)
	alpha.AssertDims(batchSize, 1)
	sigma = Sqrt(alpha)
	alpha3 := InsertAxes(alpha, -1)
	corrupted = Add(
		Mul(displacement, Sqrt(alpha3)),
		Mul(noise, Sqrt(OneMinus(alpha3))))
	return
}

// CorruptBatch splits the strokes `[batch_size, seq_len, 3]` into displacements and pen-lifts, samples one
// alpha per example from the schedule and corrupts the displacements with noise drawn from the context random
// number generator.
func CorruptBatch(ctx *context.Context, noiseSchedule *schedule.Schedule, strokesBatch *Node) *Corruption {
	strokesBatch.AssertRank(3)
	g := strokesBatch.Graph()
	dims := strokesBatch.Shape().Dimensions
	if dims[2] != 3 {
		exceptions.Panicf("strokes must be shaped [batch_size, seq_len, 3], got %s", strokesBatch.Shape())
	}
	c := &Corruption{
		Displacement: Slice(strokesBatch, AxisRange(), AxisRange(), AxisRange(0, 2)),
		PenLift:      Slice(strokesBatch, AxisRange(), AxisRange(), AxisRange(2, 3)),
	}
	c.Alpha = noiseSchedule.SampleAlphaGraph(ctx, g, strokesBatch.DType(), dims[0])
	c.Noise = ctx.RandomNormal(g, c.Displacement.Shape())
	c.Corrupted, c.Sigma = CorruptStrokes(c.Displacement, c.Noise, c.Alpha)
	c.Corrupted = StopGradient(c.Corrupted)
	return c
}

// maskedMean returns the mean of x `[batch_size, seq_len]` over the positions where mask is true.
// If mask is nil, it is a plain mean.
func maskedMean(x, mask *Node) *Node {
	if mask == nil {
		return ReduceAllMean(x)
	}
	maskF := ConvertDType(mask, x.DType())
	count := MaxScalar(ReduceAllSum(maskF), 1)
	return Div(ReduceAllSum(Mul(x, maskF)), count)
}

// Loss of the denoising network:
//
//   - residual loss: the squared error between noise and predicted residual, summed over the 2 displacement
//     channels and averaged over the (valid) positions.
//   - pen-lift loss: the binary cross-entropy of the predicted pen-lift probabilities (clipped to
//     [PenLiftEpsilon, 1-PenLiftEpsilon]), averaged over the same positions. If the ParamPenLiftAlphaWeighting
//     hyperparameter is set, each example is weighted by its alpha.
//
// The total loss is `residual + pen_lift_loss_weight * pen-lift`.
//
// noise and residual are shaped `[batch_size, seq_len, 2]`, penLift and predictedPenLift `[batch_size, seq_len, 1]`,
// alpha `[batch_size, 1]` and strokeMask (optional, it can be nil) is a boolean `[batch_size, seq_len]`.
func Loss(ctx *context.Context, noise, residual, penLift, predictedPenLift, alpha, strokeMask *Node) (
	loss, residualLoss, penLiftLoss *Node) {
	noise.AssertRank(3)
	batchSize, seqLen := noise.Shape().Dimensions[0], noise.Shape().Dimensions[1]
	residual.AssertDims(batchSize, seqLen, 2)
	penLift.AssertDims(batchSize, seqLen, 1)
	predictedPenLift.AssertDims(batchSize, seqLen, 1)
	alpha.AssertDims(batchSize, 1)
	if strokeMask != nil {
		strokeMask.AssertDims(batchSize, seqLen)
		if strokeMask.DType() != dtypes.Bool {
			exceptions.Panicf("stroke mask must be bool, got %s", strokeMask.Shape())
		}
	}

	squaredError := ReduceSum(Square(Sub(noise, residual)), -1)
	residualLoss = maskedMean(squaredError, strokeMask)

	target := Reshape(penLift, batchSize, seqLen)
	p := ClipScalar(Reshape(predictedPenLift, batchSize, seqLen), PenLiftEpsilon, 1-PenLiftEpsilon)
	bce := Neg(Add(
		Mul(target, Log(p)),
		Mul(OneMinus(target), Log(OneMinus(p)))))
	if context.GetParamOr(ctx, ParamPenLiftAlphaWeighting, false) {
		bce = Mul(bce, alpha)
	}
	penLiftLoss = maskedMean(bce, strokeMask)

	weight := context.GetParamOr(ctx, ParamPenLiftLossWeight, 1.0)
	loss = Add(residualLoss, MulScalar(penLiftLoss, weight))
	return
}

// BuildTrainingModelGraph builds the model for training: it takes the inputs yielded by strokes.Dataset (no
// labels), and returns the outputs indexed by OutputResidual, OutputPenLift, OutputLoss, OutputResidualLoss and
// OutputPenLiftLoss.
//
// It also updates the learning rate with the inverse square root schedule (see package invsqrt), whose model
// dimension defaults to the widest level of the network.
func (c *Config) BuildTrainingModelGraph() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		if len(inputs) != strokes.NumInputs && len(inputs) != strokes.NumInputs-1 {
			exceptions.Panicf("training model expects %d or %d inputs (strokes, text, style and optional stroke mask), got %d",
				strokes.NumInputs-1, strokes.NumInputs, len(inputs))
		}
		g := inputs[0].Graph()
		strokesBatch := ConvertDType(inputs[strokes.InputStrokes], c.DType)
		text := inputs[strokes.InputText]
		style := ConvertDType(inputs[strokes.InputStyle], c.DType)
		var strokeMask *Node
		if len(inputs) == strokes.NumInputs {
			strokeMask = inputs[strokes.InputStrokeMask]
		}

		lrSchedule := invsqrt.New(ctx, g, c.DType).FromContext()
		if context.GetParamOr(ctx, invsqrt.ParamModelDim, 0) == 0 {
			lrSchedule.ModelDim(writer.WidthsFor(context.GetParamOr(ctx, writer.ParamChannels, 128)).Level3)
		}
		lrSchedule.Done()

		corruption := CorruptBatch(ctx, c.Schedule, strokesBatch)
		c.NanLogger.TraceFirstNaN(corruption.Corrupted, "corrupted")
		residual, predictedPenLift, _ := writer.Denoise(ctx, c.NanLogger, corruption.Corrupted, text,
			corruption.Sigma, style)
		loss, residualLoss, penLiftLoss := Loss(ctx, corruption.Noise, residual, corruption.PenLift,
			predictedPenLift, corruption.Alpha, strokeMask)
		c.NanLogger.TraceFirstNaN(loss, "loss")

		outputs := make([]*Node, NumOutputs)
		outputs[OutputResidual] = residual
		outputs[OutputPenLift] = predictedPenLift
		outputs[OutputLoss] = loss
		outputs[OutputResidualLoss] = residualLoss
		outputs[OutputPenLiftLoss] = penLiftLoss
		return outputs
	}
}
