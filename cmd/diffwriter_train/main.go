// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// diffwriter_train trains the handwriting diffusion model.
//
// It trains on a stroke corpus saved with strokes.Corpus.Save (-data), or on a small synthetic corpus
// (-synthetic). Hyperparameters can be set with -set="param1=value1;param2=value2;...", and the most common
// ones also have their own flags, which take precedence over -set.
//
// With -checkpoint, training resumes from the last checkpoint in the directory, if there is one.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/diffwriter/blocks"
	"github.com/gomlx/diffwriter/invsqrt"
	"github.com/gomlx/diffwriter/strokes"
	"github.com/gomlx/diffwriter/trainer"
	"github.com/gomlx/diffwriter/writer"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagDataDir   = flag.String("data", "", "Directory with the stroke corpus tensors (strokes, text and style).")
	flagSynthetic = flag.Bool("synthetic", false, "Train on a small synthetic corpus, instead of -data.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

// paramFlag is a command line flag that sets a hyperparameter, only if given in the command line.
type paramFlag struct {
	name, param, usage string
	defaultValue       any
}

var paramFlags = []paramFlag{
	{"steps", trainer.ParamTrainSteps, "Number of training steps.", 0},
	{"batch", trainer.ParamBatchSize, "Batch size.", 0},
	{"max_seq_len", trainer.ParamMaxSeqLen, "Maximum number of points of a stroke sequence, rounded up to a multiple of 8.", 0},
	{"max_text_len", trainer.ParamMaxTextLen, "Maximum number of text tokens.", 0},
	{"warmup", invsqrt.ParamWarmupSteps, "Warm-up steps of the learning rate schedule.", 0},
	{"dropout", layers.ParamDropoutRate, "Dropout rate of the convolutional and attention blocks.", 0.0},
	{"attention_layers", writer.ParamNumAttentionLayers, "Number of cross-attention blocks at the bottleneck.", 0},
	{"channels", writer.ParamChannels, "Base number of channels of the network, a multiple of 8.", 0},
	{"checkpoint_every", trainer.ParamCheckpointEvery, "Save a checkpoint every N steps.", 0},
	{"log_every", trainer.ParamLogEvery, "Report the loss every N steps.", 0},
	{"seed", trainer.ParamSeed, "Random seed, 0 for a random one.", 0},
}

// registerParamFlags defines the paramFlags in the flag set.
func registerParamFlags(fs *flag.FlagSet) {
	for _, pf := range paramFlags {
		usage := fmt.Sprintf("%s (hyperparameter %q)", pf.usage, pf.param)
		switch v := pf.defaultValue.(type) {
		case int:
			fs.Int(pf.name, v, usage)
		case float64:
			fs.Float64(pf.name, v, usage)
		}
	}
}

func main() {
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	registerParamFlags(flag.CommandLine)
	klog.InitFlags(nil)
	flag.Parse()

	err := exceptions.TryCatch[error](func() {
		paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
		paramsSet = append(paramsSet, must.M1(applyParamFlags(ctx, flag.CommandLine))...)
		train(ctx, paramsSet)
	})
	if err != nil {
		klog.Errorf("Failed with error: %+v", err)
		os.Exit(1)
	}
}

// applyParamFlags sets the hyperparameters of the flags given in the command line, and returns their names.
func applyParamFlags(ctx *context.Context, fs *flag.FlagSet) (paramsSet []string, err error) {
	params := make(map[string]string, len(paramFlags))
	for _, pf := range paramFlags {
		params[pf.name] = pf.param
	}
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		param, found := params[f.Name]
		if !found {
			return
		}
		value := f.Value.(flag.Getter).Get()
		if rate, ok := value.(float64); ok && param == layers.ParamDropoutRate && (rate < 0 || rate >= 1) {
			err = errors.Errorf("-%s must be in [0, 1), got %g", f.Name, rate)
			return
		}
		ctx.SetParam(param, value)
		paramsSet = append(paramsSet, param)
	})
	return
}

// loadCorpus from -data or, with -synthetic, generates one.
func loadCorpus(ctx *context.Context) (*strokes.Corpus, error) {
	if *flagSynthetic {
		cfg := strokes.DefaultSyntheticConfig()
		cfg.VocabSize = context.GetParamOr(ctx, blocks.ParamVocabSize, cfg.VocabSize)
		return strokes.Synthetic(cfg, int64(context.GetParamOr(ctx, trainer.ParamSeed, 0))+1)
	}
	if *flagDataDir == "" {
		return nil, errors.New("either -data or -synthetic must be given")
	}
	return strokes.Load(*flagDataDir)
}

func train(ctx *context.Context, paramsSet []string) {
	backend := must.M1(backends.New())
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	config := must.M1(trainer.NewConfig(backend, ctx, *flagCheckpoint, paramsSet))
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if *flagVerbosity >= 1 {
		fmt.Printf("Training configuration: %s\n", config)
	}

	corpus := must.M1(loadCorpus(ctx))
	ds := must.M1(config.CreateDataset(corpus))
	session := trainer.NewSession(config, *flagVerbosity >= 0)
	must.M(session.Run(ds))

	if *flagVerbosity >= 1 {
		var numParams, numBytes uint64
		ctx.InAbsPath(context.RootScope+writer.ModelScope).EnumerateVariablesInScope(func(v *context.Variable) {
			numParams += uint64(v.Shape().Size())
			numBytes += uint64(v.Shape().Memory())
		})
		fmt.Printf("Model: %s parameters, %s\n", humanize.Comma(int64(numParams)), humanize.Bytes(numBytes))
		if session.Journal != nil {
			fmt.Printf("Loss journal: %s\n", session.Journal.Path())
		}
	}
}
