// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"maps"

	"github.com/gomlx/diffwriter/invsqrt"
	"github.com/gomlx/diffwriter/schedule"
	"github.com/gomlx/diffwriter/writer"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

const (
	// ParamTrainSteps is the target global step of the training. Restarting from a checkpoint only trains the
	// missing steps.
	ParamTrainSteps = "train_steps"

	// ParamBatchSize is the number of examples per training step.
	ParamBatchSize = "batch_size"

	// ParamMaxSeqLen is the maximum number of stroke points: it is rounded up to a multiple of 8, and longer
	// examples are skipped.
	ParamMaxSeqLen = "max_seq_len"

	// ParamMaxTextLen is the number of text tokens per example: longer texts are truncated.
	ParamMaxTextLen = "max_text_len"

	// ParamCheckpointEvery is the number of steps between checkpoints.
	ParamCheckpointEvery = "checkpoint_every"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamLogEvery is the number of steps between loss reports.
	ParamLogEvery = "log_every"

	// ParamSeed seeds the context random number generator and the dataset shuffling. If 0, a random seed is used.
	ParamSeed = "seed"

	// ParamPrefetch is the number of batches prepared in the background. If 0, batches are prepared synchronously.
	ParamPrefetch = "prefetch"

	// ParamStrokeMask excludes the padding of the stroke sequences from the loss. If false, padded positions
	// are trained to predict the noise and no pen-lift.
	ParamStrokeMask = "stroke_mask"

	// ParamPenLiftLossWeight multiplies the pen-lift term of the loss.
	ParamPenLiftLossWeight = "pen_lift_loss_weight"

	// ParamPenLiftAlphaWeighting weights the pen-lift loss of each example by its alpha (the fraction of the
	// signal kept by the corruption), de-emphasizing the noisier examples.
	ParamPenLiftAlphaWeighting = "pen_lift_alpha_weighting"

	// ParamAdamBeta1 and ParamAdamBeta2 are the exponential decay rates of the Adam moments.
	ParamAdamBeta1 = "adam_beta1"
	ParamAdamBeta2 = "adam_beta2"

	// ParamAdamWeightDecay is the decoupled weight decay of Adam. 0 disables it.
	ParamAdamWeightDecay = "adam_weight_decay"
)

var (
	// ParamsExcludedFromLoading is the list of parameters (see CreateDefaultContext) that shouldn't be loaded
	// from models checkpoints.
	//
	// These are appended to the list of settings given in the command line in the flag -set.
	ParamsExcludedFromLoading = []string{
		ParamTrainSteps, ParamCheckpointEvery, ParamNumCheckpoints, ParamLogEvery, ParamPrefetch, "nan_logger",
	}
)

// CreateDefaultContext sets the context with default hyperparameters to use with NewConfig and Session.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	params := map[string]any{
		ParamTrainSteps:      60_000,
		ParamCheckpointEvery: 10_000,
		ParamNumCheckpoints:  5,
		ParamLogEvery:        1000,

		// Data:
		ParamBatchSize:  32,
		ParamMaxSeqLen:  994,
		ParamMaxTextLen: 50,
		ParamPrefetch:   4,

		// dtype to use for the model.
		"dtype": "float32",

		// Reproducibility: a seed != 0 overrides rng_reset.
		ParamSeed: 0,

		// rng_reset enables resetting the random number generator state with a new random value -- useful when
		// continuing training.
		"rng_reset": true,

		// Debugging: add a NanLogger to help debug where NaNs may appear in the model.
		"nan_logger": false,

		// Noise schedule.
		schedule.ParamNumSteps:   60,
		schedule.ParamBetaOffset: 0.02,
		schedule.ParamBetaMin:    1e-5,
		schedule.ParamBetaMax:    0.4,

		// Loss.
		ParamStrokeMask:            true,
		ParamPenLiftLossWeight:     1.0,
		ParamPenLiftAlphaWeighting: false,

		// Optimizer and learning rate schedule: if invsqrt.ParamModelDim is 0, it is set to 2 * channels.
		optimizers.ParamLearningRate: 1e-3,
		invsqrt.ParamWarmupSteps:     10_000,
		invsqrt.ParamModelDim:        0,
		invsqrt.ParamScale:           1.0,
		ParamAdamBeta1:               0.9,
		ParamAdamBeta2:               0.98,
		optimizers.ParamAdamEpsilon:  1e-9,
		ParamAdamWeightDecay:         0.0,
	}
	maps.Copy(params, writer.DefaultParams())
	ctx.SetParams(params)
	return ctx
}
