// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer trains the handwriting diffusion model: it implements the training step (noise level sampling,
// stroke corruption, denoising and loss), and a training Session that wires the trainer, the training loop,
// checkpoints and the loss journal.
//
// All hyperparameters are in the context, see CreateDefaultContext.
package trainer

import (
	"fmt"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/diffwriter/blocks"
	"github.com/gomlx/diffwriter/schedule"
	"github.com/gomlx/diffwriter/strokes"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ArgsFile is saved in the checkpoint directory with the command line arguments used to create the model.
const ArgsFile = "args.txt"

// Config holds the configuration of the training, read from the context hyperparameters.
//
// See NewConfig.
type Config struct {
	Backend backends.Backend
	Context *context.Context // Usually, at the root scope.

	// ParamsSet are hyperparameters overridden, that it should not load from the checkpoint (see
	// commandline.ParseContextSettings).
	ParamsSet []string

	DType                            dtypes.DType
	BatchSize, MaxSeqLen, MaxTextLen int
	Seed                             int64

	// Schedule is the noise schedule, built from the context hyperparameters.
	Schedule *schedule.Schedule

	// Checkpoint if a checkpoint directory was given.
	Checkpoint *checkpoints.Handler

	// NanLogger is enabled by setting the hyperparameter "nan_logger=true".
	NanLogger *nanlogger.NanLogger
}

// NewConfig creates the training configuration.
//
// If checkpointDir is not empty, the checkpoint is attached to the context first: the variables and the
// hyperparameters of a previous training are loaded, except those in paramsSet and ParamsExcludedFromLoading.
// For a new checkpoint directory, the command line arguments are saved in ArgsFile. For an existing one, they
// are compared to the saved ones, and differences are logged.
//
// The context random number generator is then seeded with the "seed" hyperparameter if set, or reset with a
// random value if "rng_reset" is true.
func NewConfig(backend backends.Backend, ctx *context.Context, checkpointDir string, paramsSet []string) (
	*Config, error) {
	cfg := &Config{
		Backend:   backend,
		Context:   ctx,
		ParamsSet: paramsSet,
	}
	if checkpointDir != "" {
		if err := cfg.attachCheckpoint(checkpointDir); err != nil {
			return nil, err
		}
	}

	var err error
	cfg.DType, err = dtypes.DTypeString(context.GetParamOr(ctx, "dtype", "float32"))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid \"dtype\" hyperparameter")
	}
	if !cfg.DType.IsFloat() {
		return nil, errors.Errorf("\"dtype\" must be a float type, got %s", cfg.DType)
	}
	cfg.BatchSize = context.GetParamOr(ctx, ParamBatchSize, 32)
	cfg.MaxSeqLen = context.GetParamOr(ctx, ParamMaxSeqLen, 994)
	cfg.MaxTextLen = context.GetParamOr(ctx, ParamMaxTextLen, 50)
	if cfg.BatchSize <= 0 || cfg.MaxSeqLen <= 0 || cfg.MaxTextLen <= 0 {
		return nil, errors.Errorf("%q, %q and %q must be positive, got %d, %d and %d",
			ParamBatchSize, ParamMaxSeqLen, ParamMaxTextLen, cfg.BatchSize, cfg.MaxSeqLen, cfg.MaxTextLen)
	}
	cfg.Schedule, err = schedule.FromContext(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "noise schedule")
	}

	cfg.Seed = int64(context.GetParamOr(ctx, ParamSeed, 0))
	if cfg.Seed != 0 {
		ctx.RngStateFromSeed(cfg.Seed)
	} else if context.GetParamOr(ctx, "rng_reset", true) {
		ctx.RngStateReset()
	}
	if context.GetParamOr(ctx, "nan_logger", false) {
		cfg.NanLogger = nanlogger.New()
	}
	return cfg, nil
}

// attachCheckpoint creates the checkpoint handler, which loads a previous checkpoint if there is one.
func (c *Config) attachCheckpoint(checkpointDir string) error {
	checkpointDir = data.ReplaceTildeInDir(checkpointDir)
	excludeParams := slices.Concat(c.ParamsSet, ParamsExcludedFromLoading)
	var err error
	c.Checkpoint, err = checkpoints.Build(c.Context).
		Dir(checkpointDir).
		Keep(context.GetParamOr(c.Context, ParamNumCheckpoints, 5)).
		ExcludeParams(excludeParams...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "attaching checkpoint %q", checkpointDir)
	}
	return compareArgs(path.Join(c.Checkpoint.Dir(), ArgsFile), os.Args[1:])
}

// compareArgs saves args in argsPath if it doesn't exist yet. Otherwise, it logs the differences between the
// saved arguments and args.
func compareArgs(argsPath string, args []string) error {
	argsBytes, err := os.ReadFile(argsPath)
	if err != nil && os.IsNotExist(err) {
		// Doesn't exist yet, so let's create it.
		if err = os.WriteFile(argsPath, []byte(strings.Join(args, "\n")), 0664); err != nil {
			return errors.Wrapf(err, "saving arguments to %q", argsPath)
		}
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "reading %q", argsPath)
	}
	originalArgs := types.MakeSet[string]()
	originalArgs.Insert(strings.Split(string(argsBytes), "\n")...)
	currentArgs := types.MakeSet[string]()
	currentArgs.Insert(args...)
	for arg := range originalArgs.Sub(currentArgs) {
		if !isArgIrrelevant(arg) {
			klog.Warningf("missing argument %q used when model was originally created", arg)
		}
	}
	for arg := range currentArgs.Sub(originalArgs) {
		if !isArgIrrelevant(arg) {
			klog.Warningf("argument %q not used when model was originally created", arg)
		}
	}
	return nil
}

var irrelevantArgs = types.SetWith("", "-synthetic", "--synthetic")

func isArgIrrelevant(arg string) bool {
	if irrelevantArgs.Has(arg) {
		return true
	}
	for _, prefix := range []string{"-steps", "--steps", "-checkpoint", "--checkpoint", "-log_every", "--log_every",
		"-v=", "--v="} {
		if strings.HasPrefix(arg, prefix) {
			return true
		}
	}
	return false
}

// CreateDataset creates the training dataset over the corpus: shuffled with Config.Seed (or a random seed if it
// is 0), infinite, with the stroke mask if the "stroke_mask" hyperparameter is true, and prefetched in the
// background if the "prefetch" hyperparameter is > 0.
//
// It returns an error if the corpus uses token ids out of the text vocabulary.
func (c *Config) CreateDataset(corpus *strokes.Corpus) (train.Dataset, error) {
	vocabSize := context.GetParamOr(c.Context, blocks.ParamVocabSize, 73)
	for ii, example := range corpus.Examples {
		for _, token := range example.Text {
			if int(token) >= vocabSize {
				return nil, errors.Errorf("example #%d has token id %d, but %q is %d",
					ii, token, blocks.ParamVocabSize, vocabSize)
			}
		}
	}
	ds, err := strokes.NewDataset("train", corpus, c.BatchSize, c.MaxSeqLen, c.MaxTextLen)
	if err != nil {
		return nil, err
	}
	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	ds.Shuffle(seed).Infinite(true).WithStrokeMask(context.GetParamOr(c.Context, ParamStrokeMask, true))
	klog.V(1).Infof("Training dataset: %d examples, sequence length %d, text length %d",
		ds.NumExamples(), ds.SeqLen(), ds.TextLen())
	if prefetch := context.GetParamOr(c.Context, ParamPrefetch, 0); prefetch > 0 {
		// A single producer goroutine keeps the order of the batches deterministic.
		return data.CustomParallel(ds).Parallelism(1).Buffer(prefetch).Start(), nil
	}
	return ds, nil
}

// String implements fmt.Stringer.
func (c *Config) String() string {
	checkpointDir := "<none>"
	if c.Checkpoint != nil {
		checkpointDir = c.Checkpoint.Dir()
	}
	return fmt.Sprintf("dtype=%s, batch_size=%d, max_seq_len=%d, max_text_len=%d, seed=%d, schedule_steps=%d, checkpoint=%s",
		c.DType, c.BatchSize, c.MaxSeqLen, c.MaxTextLen, c.Seed, c.Schedule.Len(), checkpointDir)
}
