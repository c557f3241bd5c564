// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"math"
	"os"
	"path"
	"testing"

	"github.com/gomlx/diffwriter/blocks"
	"github.com/gomlx/diffwriter/invsqrt"
	"github.com/gomlx/diffwriter/schedule"
	"github.com/gomlx/diffwriter/strokes"
	"github.com/gomlx/diffwriter/writer"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// testContext returns the default context with a tiny model and short training.
func testContext() *context.Context {
	ctx := CreateDefaultContext()
	ctx.SetParams(map[string]any{
		writer.ParamChannels:           8,
		writer.ParamSigmaHiddenDim:     16,
		writer.ParamNumAttentionLayers: 1,
		blocks.ParamFusionNumHeads:     2,
		ParamBatchSize:                 2,
		ParamMaxSeqLen:                 16,
		ParamMaxTextLen:                6,
		ParamPrefetch:                  0,
		ParamSeed:                      42,
		ParamTrainSteps:                3,
		ParamLogEvery:                  1,
		ParamCheckpointEvery:           2,
		invsqrt.ParamWarmupSteps:       10,
	})
	return ctx
}

func testCorpus(t *testing.T) *strokes.Corpus {
	cfg := strokes.DefaultSyntheticConfig()
	cfg.NumExamples = 8
	cfg.MinPoints, cfg.MaxPoints = 4, 16
	cfg.MaxTextLen = 6
	corpus, err := strokes.Synthetic(cfg, 1)
	require.NoError(t, err)
	return corpus
}

func testBatch(t *testing.T) *strokes.Batch {
	ds, err := strokes.NewDataset("test", testCorpus(t), 2, 16, 6)
	require.NoError(t, err)
	batch, err := ds.NextBatch()
	require.NoError(t, err)
	return batch
}

func TestCorruptStrokes(t *testing.T) {
	graphtest.RunTestGraphFn(t, "CorruptStrokes", func(g *Graph) (inputs, outputs []*Node) {
		displacement := Const(g, [][][]float32{{{1, 2}}, {{3, 4}}})
		noise := Const(g, [][][]float32{{{10, 20}}, {{30, 40}}})
		alpha := Const(g, [][]float32{{0.25}, {0.64}})
		inputs = []*Node{displacement, noise, alpha}
		corrupted, sigma := CorruptStrokes(displacement, noise, alpha)
		outputs = []*Node{corrupted, sigma}
		return
	}, []any{
		[][][]float32{
			{{0.5*1 + float32(math.Sqrt(0.75))*10, 0.5*2 + float32(math.Sqrt(0.75))*20}},
			{{0.8*3 + 0.6*30, 0.8*4 + 0.6*40}},
		},
		[][]float32{{0.5}, {0.8}},
	}, 1e-4)
}

func TestCorruptBatchDeterminism(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	batch := testBatch(t)
	noiseSchedule := must.M1(schedule.Build(schedule.DefaultConfig()))
	corrupt := func(seed int64) []*tensors.Tensor {
		ctx := context.New()
		ctx.RngStateFromSeed(seed)
		exec := context.NewExec(backend, ctx, func(ctx *context.Context, strokesBatch *Node) []*Node {
			c := CorruptBatch(ctx, noiseSchedule, strokesBatch)
			return []*Node{c.Corrupted, c.Alpha, c.Noise}
		})
		return exec.Call(batch.Strokes)
	}
	run1, run2 := corrupt(42), corrupt(42)
	for ii := range run1 {
		assert.Equal(t, tensors.CopyFlatData[float32](run1[ii]), tensors.CopyFlatData[float32](run2[ii]),
			"output #%d differs for the same seed", ii)
	}
	for _, alpha := range tensors.CopyFlatData[float32](run1[1]) {
		assert.True(t, alpha > 0 && alpha < 1, "alpha=%g out of (0, 1)", alpha)
	}
	run3 := corrupt(43)
	assert.NotEqual(t, tensors.CopyFlatData[float32](run1[0]), tensors.CopyFlatData[float32](run3[0]))
}

func TestAlphaOneIsClamped(t *testing.T) {
	require.Error(t, schedule.ValidateAlpha(1))

	backend := graphtest.BuildTestBackend()
	degenerate := &schedule.Schedule{Betas: []float64{0, 0}, Alphas: []float64{1, 1}}
	ctx := context.New()
	ctx.RngStateFromSeed(1)
	outputs := context.NewExec(backend, ctx, func(ctx *context.Context, strokesBatch *Node) []*Node {
		c := CorruptBatch(ctx, degenerate, strokesBatch)
		return []*Node{c.Alpha, Sub(c.Corrupted, MulScalar(c.Displacement, math.Sqrt(1-schedule.AlphaEpsilon)))}
	}).Call(testBatch(t).Strokes)
	for _, alpha := range tensors.CopyFlatData[float32](outputs[0]) {
		require.InDelta(t, 1-schedule.AlphaEpsilon, alpha, 1e-7)
		require.Less(t, alpha, float32(1))
	}
	// Some noise must be mixed in.
	var noiseSum float64
	for _, v := range tensors.CopyFlatData[float32](outputs[1]) {
		noiseSum += math.Abs(float64(v))
	}
	require.Greater(t, noiseSum, 0.0)
}

// bce is the binary cross-entropy computed on the host.
func bce(target, p float64) float64 {
	return -(target*math.Log(p) + (1-target)*math.Log(1-p))
}

func TestLossPerfectPredictor(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	penLift := [][][]float32{{{0}, {1}, {0}, {1}}, {{1}, {0}, {0}, {0}}}
	predicted := [][][]float32{{{0.1}, {0.8}, {0.3}, {0.6}}, {{0.9}, {0.2}, {0.5}, {0.99}}}
	var wantBCE, wantMaskedBCE float64
	for b := range 2 {
		for l := range 4 {
			v := bce(float64(penLift[b][l][0]), float64(predicted[b][l][0]))
			wantBCE += v / 8
			if l < 2 {
				wantMaskedBCE += v / 4
			}
		}
	}

	computeLoss := func(ctx *context.Context, withMask bool) []float64 {
		exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			zeros := Zeros(g, shapes.Make(dtypes.Float32, 2, 4, 2))
			var mask *Node
			if withMask {
				mask = Const(g, [][]bool{{true, true, false, false}, {true, true, false, false}})
			}
			loss, residualLoss, penLiftLoss := Loss(ctx, zeros, zeros, Const(g, penLift), Const(g, predicted),
				Const(g, [][]float32{{0.5}, {0.5}}), mask)
			return []*Node{loss, residualLoss, penLiftLoss}
		})
		results := exec.Call()
		values := make([]float64, len(results))
		for ii, r := range results {
			values[ii] = float64(tensors.ToScalar[float32](r))
		}
		return values
	}

	ctx := testContext()
	values := computeLoss(ctx, false)
	assert.InDelta(t, wantBCE, values[0], 1e-5, "total loss must equal the pen-lift BCE")
	assert.InDelta(t, 0, values[1], 1e-7, "residual loss must be zero")
	assert.InDelta(t, wantBCE, values[2], 1e-5)

	values = computeLoss(ctx, true)
	assert.InDelta(t, wantMaskedBCE, values[0], 1e-5, "masked positions must not contribute")

	ctx.SetParam(ParamPenLiftLossWeight, 2.0)
	ctx.SetParam(ParamPenLiftAlphaWeighting, true)
	values = computeLoss(ctx, false)
	assert.InDelta(t, 2*0.5*wantBCE, values[0], 1e-5)
}

func TestTrainingModelDeterminism(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	batch := testBatch(t)
	run := func() []*tensors.Tensor {
		ctx := testContext()
		config, err := NewConfig(backend, ctx, "", nil)
		require.NoError(t, err)
		modelFn := config.BuildTrainingModelGraph()
		exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
			return modelFn(ctx, nil, inputs)
		})
		inputs := batch.Inputs()
		args := make([]any, len(inputs))
		for ii, input := range inputs {
			args[ii] = input
		}
		return exec.Call(args...)
	}
	run1, run2 := run(), run()
	require.Len(t, run1, NumOutputs)
	require.NoError(t, run1[OutputResidual].Shape().CheckDims(2, 16, 2))
	require.NoError(t, run1[OutputPenLift].Shape().CheckDims(2, 16, 1))
	for ii := range run1 {
		assert.Equal(t, tensors.CopyFlatData[float32](run1[ii]), tensors.CopyFlatData[float32](run2[ii]),
			"output #%d differs for the same seed", ii)
	}
	loss := tensors.ToScalar[float32](run1[OutputLoss])
	fmt.Printf("\tloss=%g\n", loss)
	assert.False(t, math.IsNaN(float64(loss)) || math.IsInf(float64(loss), 0))
}

func TestNewConfig(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := testContext()
	config, err := NewConfig(backend, ctx, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, config.BatchSize)
	assert.Equal(t, int64(42), config.Seed)
	assert.Equal(t, 60, config.Schedule.Len())
	assert.Nil(t, config.NanLogger)

	ctx = testContext()
	ctx.SetParam("dtype", "int32")
	_, err = NewConfig(backend, ctx, "", nil)
	require.Error(t, err)

	ctx = testContext()
	ctx.SetParam(schedule.ParamNumSteps, 0)
	_, err = NewConfig(backend, ctx, "", nil)
	require.Error(t, err)

	ctx = testContext()
	config = must.M1(NewConfig(backend, ctx, "", nil))
	corpus := testCorpus(t)
	corpus.Examples[0].Text[0] = 1000
	_, err = config.CreateDataset(corpus)
	require.Error(t, err, "token id out of the vocabulary")
}

func TestCompareArgs(t *testing.T) {
	argsPath := path.Join(t.TempDir(), ArgsFile)
	require.NoError(t, compareArgs(argsPath, []string{"-channels=64", "-steps=10"}))
	contents, err := os.ReadFile(argsPath)
	require.NoError(t, err)
	assert.Equal(t, "-channels=64\n-steps=10", string(contents))
	require.NoError(t, compareArgs(argsPath, []string{"-channels=128", "-steps=20"}))
	assert.True(t, isArgIrrelevant("-steps=20"))
	assert.False(t, isArgIrrelevant("-channels=128"))
}

func TestCheckLoss(t *testing.T) {
	s := &Session{}
	loop := &train.Loop{LoopStep: 7}
	require.NoError(t, s.checkLoss(loop, []*tensors.Tensor{tensors.FromScalar(float32(0.5))}))
	require.NoError(t, s.checkLoss(loop, []*tensors.Tensor{tensors.FromScalar(float32(1.5))}))
	assert.Equal(t, 2, s.lossNumSteps)
	assert.InDelta(t, 2.0, s.lossSum, 1e-9)
	require.Error(t, s.checkLoss(loop, []*tensors.Tensor{tensors.FromScalar(float32(math.NaN()))}))
	require.Error(t, s.checkLoss(loop, []*tensors.Tensor{tensors.FromScalar(math.Inf(1))}))
}

func TestSessionTrainStep(t *testing.T) {
	if testing.Short() {
		fmt.Println("TestSessionTrainStep skipped with go test -short: it compiles the training graph.")
		return
	}
	backend := graphtest.BuildTestBackend()
	config := must.M1(NewConfig(backend, testContext(), "", nil))
	session := NewSession(config, false)
	batch := testBatch(t)
	for range 2 {
		loss, err := session.TrainStep(batch)
		require.NoError(t, err)
		fmt.Printf("\tloss=%g\n", loss)
	}
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(config.Context))

	batch.Text = tensors.FromFlatDataAndDimensions(make([]int32, 12), 2, 6)
	_, err := session.TrainStep(batch)
	require.Error(t, err, "all padding text must be rejected")
}

// modelVariables returns the flat values of the model variables, indexed by their scope and name.
func modelVariables(ctx *context.Context) map[string][]float32 {
	values := make(map[string][]float32)
	ctx.InAbsPath(context.RootScope+writer.ModelScope).EnumerateVariablesInScope(func(v *context.Variable) {
		if v.Shape().DType != dtypes.Float32 {
			return
		}
		values[v.Scope()+"/"+v.Name()] = tensors.CopyFlatData[float32](v.Value())
	})
	return values
}

func TestSessionTrainStepDeterminism(t *testing.T) {
	if testing.Short() {
		fmt.Println("TestSessionTrainStepDeterminism skipped with go test -short: it compiles the training graph.")
		return
	}
	backend := graphtest.BuildTestBackend()
	batch := testBatch(t)
	trainSteps := func(seed int) (losses []float64, variables map[string][]float32) {
		ctx := testContext()
		ctx.SetParam(ParamSeed, seed)
		ctx.SetParam(layers.ParamDropoutRate, 0.1)
		config := must.M1(NewConfig(backend, ctx, "", nil))
		session := NewSession(config, false)
		for range 2 {
			loss, err := session.TrainStep(batch)
			require.NoError(t, err)
			losses = append(losses, loss)
		}
		return losses, modelVariables(ctx)
	}
	losses1, variables1 := trainSteps(42)
	losses2, variables2 := trainSteps(42)
	assert.Equal(t, losses1, losses2, "losses differ for the same seed")
	require.NotEmpty(t, variables1)
	require.Equal(t, len(variables1), len(variables2))
	for name, values := range variables1 {
		assert.Equal(t, values, variables2[name], "variable %q differs for the same seed", name)
	}

	losses3, _ := trainSteps(43)
	assert.NotEqual(t, losses1, losses3, "a different seed must draw different noise levels")
}

// fixedDataset yields the same inputs forever.
type fixedDataset struct {
	inputs []*tensors.Tensor
}

func (ds *fixedDataset) Name() string { return "fixed" }
func (ds *fixedDataset) Reset()       {}
func (ds *fixedDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return ds, ds.inputs, nil, nil
}

func TestValidatedDataset(t *testing.T) {
	batch := testBatch(t)
	_, inputs, _, err := validatedDataset{&fixedDataset{batch.Inputs()}}.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, len(batch.Inputs()))

	_, _, _, err = validatedDataset{&fixedDataset{batch.Inputs()[:2]}}.Yield()
	require.Error(t, err, "missing inputs")

	batch.Text = tensors.FromFlatDataAndDimensions(make([]int32, 12), 2, 6)
	_, _, _, err = validatedDataset{&fixedDataset{batch.Inputs()}}.Yield()
	require.Error(t, err, "all padding text must be rejected")
}

func TestSessionRun(t *testing.T) {
	if testing.Short() {
		fmt.Println("TestSessionRun skipped with go test -short: it trains a model for a few steps.")
		return
	}
	backend := graphtest.BuildTestBackend()
	checkpointDir := t.TempDir()
	config := must.M1(NewConfig(backend, testContext(), checkpointDir, nil))
	ds := must.M1(config.CreateDataset(testCorpus(t)))
	session := NewSession(config, false)
	require.NoError(t, session.Run(ds))
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(config.Context))

	entries, err := LoadJournal(session.Journal.Path())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for ii, entry := range entries {
		assert.Equal(t, ii+1, entry.Step)
		assert.Equal(t, 1, entry.NumSteps)
		assert.False(t, math.IsNaN(entry.Loss))
	}
	checkpointNames, err := config.Checkpoint.ListCheckpoints()
	require.NoError(t, err)
	assert.NotEmpty(t, checkpointNames)

	// Restarting from the checkpoint with the target already reached is a no-op.
	config = must.M1(NewConfig(backend, testContext(), checkpointDir, nil))
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(config.Context))
	session = NewSession(config, false)
	require.NoError(t, session.Run(must.M1(config.CreateDataset(testCorpus(t)))))
}
