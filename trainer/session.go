// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"math"
	"time"

	"github.com/gomlx/diffwriter/strokes"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Indices of the metrics returned by the training steps: the batch loss followed by the moving averages of
// the loss and of its two terms.
const (
	MetricBatchLoss = iota
	MetricMovingLoss
	MetricMovingResidualLoss
	MetricMovingPenLiftLoss
)

// Session of training: it wires the trainer, the training loop, checkpoints and the loss journal.
type Session struct {
	Config  *Config
	Trainer *train.Trainer
	Loop    *train.Loop

	// Journal of the loss reports, if there is a checkpoint.
	Journal *Journal

	// Loss accumulated since the last report.
	lossSum      float64
	lossNumSteps int
}

// NewOptimizer creates the Adam optimizer configured by the context hyperparameters.
func NewOptimizer(ctx *context.Context) optimizers.Interface {
	return optimizers.Adam().
		LearningRate(context.GetParamOr(ctx, optimizers.ParamLearningRate, 1e-3)).
		Betas(context.GetParamOr(ctx, ParamAdamBeta1, 0.9), context.GetParamOr(ctx, ParamAdamBeta2, 0.98)).
		Epsilon(context.GetParamOr(ctx, optimizers.ParamAdamEpsilon, 1e-9)).
		WeightDecay(context.GetParamOr(ctx, ParamAdamWeightDecay, 0.0)).
		Done()
}

// NewSession creates the trainer and the training loop for the configuration.
//
// If progressBar is true, a progress bar is attached to the loop.
// Checkpoints (if configured) are saved every "checkpoint_every" steps, and the loss is reported
// (with klog, and to the Journal) every "log_every" steps.
// A non-finite loss stops the training with an error, before any checkpoint of that step is saved.
func NewSession(config *Config, progressBar bool) *Session {
	ctx := config.Context
	s := &Session{Config: config}

	// Custom loss: the model returns the scalar loss as one of its outputs.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[OutputLoss] }
	outputMetricFn := func(output int) metrics.BaseMetricGraph {
		return func(ctx *context.Context, labels, predictions []*Node) *Node {
			return predictions[output]
		}
	}
	pprintLossFn := func(t *tensors.Tensor) string {
		return fmt.Sprintf("%.4f", t.Value())
	}
	trainMetrics := []metrics.Interface{
		metrics.NewExponentialMovingAverageMetric(
			"Moving Loss", "~loss", "loss", outputMetricFn(OutputLoss), pprintLossFn, 0.01),
		metrics.NewExponentialMovingAverageMetric(
			"Moving Residual Loss", "~residual", "residual_loss", outputMetricFn(OutputResidualLoss), pprintLossFn, 0.01),
		metrics.NewExponentialMovingAverageMetric(
			"Moving Pen-Lift Loss", "~pen_lift", "pen_lift_loss", outputMetricFn(OutputPenLiftLoss), pprintLossFn, 0.01),
	}

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	s.Trainer = train.NewTrainer(
		config.Backend, ctx, config.BuildTrainingModelGraph(), customLoss,
		NewOptimizer(ctx),
		trainMetrics, // trainMetrics
		nil)          // evalMetrics
	config.NanLogger.AttachToTrainer(s.Trainer) // It's a no-op if NanLogger is nil.

	// Use a standard training loop.
	s.Loop = train.NewLoop(s.Trainer)
	if progressBar {
		commandline.AttachProgressBar(s.Loop)
	}
	s.Loop.OnStep("non-finite loss", -100, s.checkLoss)

	if config.Checkpoint != nil {
		s.Journal = NewJournal(config.Checkpoint.Dir())
		checkpointEvery := context.GetParamOr(ctx, ParamCheckpointEvery, 10_000)
		if checkpointEvery > 0 {
			train.EveryNSteps(s.Loop, checkpointEvery, "saving checkpoint", 100,
				func(loop *train.Loop, metrics []*tensors.Tensor) error {
					klog.Infof("[saving checkpoint@%d]", loop.LoopStep)
					return config.Checkpoint.Save()
				})
		}
	}
	if logEvery := context.GetParamOr(ctx, ParamLogEvery, 1000); logEvery > 0 {
		train.EveryNSteps(s.Loop, logEvery, "loss report", 50, s.report)
	}
	return s
}

// scalarValue converts a scalar float tensor to float64.
func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		exceptions.Panicf("expected a float scalar, got %s", t.Shape())
	}
	return 0
}

// checkLoss is an OnStep hook that stops the training if the batch loss is not finite, and accumulates it for
// the next report otherwise.
func (s *Session) checkLoss(loop *train.Loop, metrics []*tensors.Tensor) error {
	loss := scalarValue(metrics[MetricBatchLoss])
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return errors.Errorf("non-finite loss (%g) at step %d, training interrupted", loss, loop.LoopStep)
	}
	s.lossSum += loss
	s.lossNumSteps++
	return nil
}

// report logs the mean loss since the last report and the moving averages of its terms, and appends them to
// the journal.
func (s *Session) report(loop *train.Loop, metrics []*tensors.Tensor) error {
	if s.lossNumSteps == 0 {
		return nil
	}
	entry := JournalEntry{
		Step:         loop.LoopStep + 1, // Steps completed.
		Time:         time.Now(),
		Loss:         s.lossSum / float64(s.lossNumSteps),
		ResidualLoss: scalarValue(metrics[MetricMovingResidualLoss]),
		PenLiftLoss:  scalarValue(metrics[MetricMovingPenLiftLoss]),
		NumSteps:     s.lossNumSteps,
		MedianStepMs: loop.MedianTrainStepDuration().Milliseconds(),
	}
	s.lossSum, s.lossNumSteps = 0, 0
	klog.Infof("Step %d: loss %.6f (~residual %.6f, ~pen-lift %.6f) [median train step: %d ms]",
		entry.Step, entry.Loss, entry.ResidualLoss, entry.PenLiftLoss, entry.MedianStepMs)
	if s.Journal != nil {
		return s.Journal.Append(entry)
	}
	return nil
}

// TrainStep runs one training step on the batch: it samples the noise levels, corrupts the strokes, runs the
// denoising network, and updates the model parameters with the gradient of the loss.
//
// It returns the batch loss, or an error if the batch is invalid, the step fails or the loss is not finite.
func (s *Session) TrainStep(batch *strokes.Batch) (loss float64, err error) {
	if err = batch.Validate(); err != nil {
		return 0, errors.WithMessage(err, "invalid batch")
	}
	err = exceptions.TryCatch[error](func() {
		metrics := s.Trainer.TrainStep(nil, batch.Inputs(), nil)
		loss = scalarValue(metrics[MetricBatchLoss])
	})
	if err != nil {
		return 0, errors.WithMessage(err, "training step failed")
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return loss, errors.Errorf("non-finite loss (%g), training interrupted", loss)
	}
	return loss, nil
}

// validatedDataset checks every batch yielded by the wrapped dataset (see strokes.Batch.Validate) before it is
// fed to the trainer.
type validatedDataset struct {
	train.Dataset
}

// Yield implements train.Dataset.
func (ds validatedDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = ds.Dataset.Yield()
	if err != nil {
		return
	}
	batch, err := strokes.BatchFromInputs(inputs)
	if err == nil {
		err = batch.Validate()
	}
	if err != nil {
		err = errors.WithMessagef(err, "invalid batch from dataset %q", ds.Name())
	}
	return
}

// Run the training loop on the dataset until the global step reaches the "train_steps" hyperparameter, and
// saves a final checkpoint.
//
// Every batch is validated before the training step, and on error no further checkpoint is saved.
func (s *Session) Run(ds train.Dataset) error {
	ctx := s.Config.Context
	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		klog.Infof("Restarting training from global_step=%d", globalStep)
		s.Trainer.SetContext(ctx.Reuse())
	}
	if globalStep >= numTrainSteps {
		klog.Infof("Target %s=%d already reached: to train further, set a number larger than the current "+
			"global step %d", ParamTrainSteps, numTrainSteps, globalStep)
		return nil
	}

	_, err := s.Loop.RunSteps(validatedDataset{ds}, numTrainSteps-globalStep)
	if err != nil {
		return errors.WithMessagef(err, "training interrupted at step %d", s.Loop.LoopStep)
	}
	klog.Infof("Training finished at step %d: median train step: %d ms", s.Loop.LoopStep,
		s.Loop.MedianTrainStepDuration().Milliseconds())
	if s.Config.Checkpoint != nil {
		if err = s.Config.Checkpoint.Save(); err != nil {
			return errors.WithMessage(err, "saving final checkpoint")
		}
	}
	return nil
}
