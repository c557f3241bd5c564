// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedule builds the noise schedule of the diffusion process: the "betas" (variance of the
// noise added at each diffusion step) and their cumulative products, the "alphas", which define how much
// of the original signal is kept after each step.
//
// The schedule is computed once, on the host, in float64, and is immutable after Build.
// Training samples a continuous alpha per example, interpolating between two consecutive
// alphas of the schedule, see Schedule.SampleAlphaGraph.
package schedule

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// ParamNumSteps is the hyperparameter with the number of steps of the noise schedule. Default is 60.
	ParamNumSteps = "schedule_steps"

	// ParamBetaOffset is a constant added to every beta of the schedule. Default is 0.02.
	ParamBetaOffset = "schedule_beta_offset"

	// ParamBetaMin is the start of the exponentially spaced part of the betas. Default is 1e-5.
	ParamBetaMin = "schedule_beta_min"

	// ParamBetaMax is the end of the exponentially spaced part of the betas. Default is 0.4.
	ParamBetaMax = "schedule_beta_max"
)

// AlphaEpsilon is the margin kept from 0 and 1 when clamping alphas: the corruption takes the square root
// of both alpha and 1-alpha, and an alpha of exactly 1 would inject no noise at all.
const AlphaEpsilon = 1e-5

// Config of a noise schedule.
//
// The betas are `BetaOffset + exp(linspace(log(BetaMin), log(BetaMax), NumSteps))`.
type Config struct {
	NumSteps                     int
	BetaOffset, BetaMin, BetaMax float64
}

// DefaultConfig returns the schedule configuration used by default for training.
func DefaultConfig() Config {
	return Config{
		NumSteps:   60,
		BetaOffset: 0.02,
		BetaMin:    1e-5,
		BetaMax:    0.4,
	}
}

// ConfigFromContext reads the schedule configuration from the context hyperparameters, using
// DefaultConfig for those not set.
func ConfigFromContext(ctx *context.Context) Config {
	cfg := DefaultConfig()
	cfg.NumSteps = context.GetParamOr(ctx, ParamNumSteps, cfg.NumSteps)
	cfg.BetaOffset = context.GetParamOr(ctx, ParamBetaOffset, cfg.BetaOffset)
	cfg.BetaMin = context.GetParamOr(ctx, ParamBetaMin, cfg.BetaMin)
	cfg.BetaMax = context.GetParamOr(ctx, ParamBetaMax, cfg.BetaMax)
	return cfg
}

// Schedule holds the betas and the alphas (cumulative products of 1-beta) of a noise schedule.
//
// Alphas are strictly decreasing, and they all lie in (0, 1).
type Schedule struct {
	Betas, Alphas []float64
}

// Build the noise schedule for the given configuration.
//
// It returns an error if the configuration is invalid, or if the resulting betas are not strictly within (0, 1).
func Build(cfg Config) (*Schedule, error) {
	if cfg.NumSteps <= 0 {
		return nil, errors.Errorf("noise schedule must have a positive number of steps, got %d", cfg.NumSteps)
	}
	if cfg.BetaMin <= 0 || cfg.BetaMax < cfg.BetaMin {
		return nil, errors.Errorf("invalid noise schedule range [%g, %g]: it must satisfy 0 < min <= max",
			cfg.BetaMin, cfg.BetaMax)
	}
	s := &Schedule{
		Betas:  make([]float64, cfg.NumSteps),
		Alphas: make([]float64, cfg.NumSteps),
	}
	logMin, logMax := math.Log(cfg.BetaMin), math.Log(cfg.BetaMax)
	alpha := 1.0
	for ii := range cfg.NumSteps {
		logBeta := logMin
		if cfg.NumSteps > 1 {
			logBeta += (logMax - logMin) * float64(ii) / float64(cfg.NumSteps-1)
		}
		beta := cfg.BetaOffset + math.Exp(logBeta)
		if !(beta > 0 && beta < 1) {
			return nil, errors.Errorf("noise schedule beta[%d]=%g is not in the open interval (0, 1) -- "+
				"check the schedule configuration %+v", ii, beta, cfg)
		}
		alpha *= 1 - beta
		if err := ValidateAlpha(alpha); err != nil {
			return nil, errors.WithMessagef(err, "noise schedule alpha[%d], use fewer steps or smaller betas", ii)
		}
		s.Betas[ii] = beta
		s.Alphas[ii] = alpha
	}
	return s, nil
}

// FromContext builds the schedule configured by the context hyperparameters. See ConfigFromContext.
func FromContext(ctx *context.Context) (*Schedule, error) {
	return Build(ConfigFromContext(ctx))
}

// Len returns the number of steps in the schedule.
func (s *Schedule) Len() int { return len(s.Alphas) }

// ValidateAlpha returns an error if alpha cannot be used to corrupt a signal: it must be strictly
// within (0, 1).
func ValidateAlpha(alpha float64) error {
	if math.IsNaN(alpha) || alpha <= 0 || alpha >= 1 {
		return errors.Errorf("alpha=%g is not valid for the diffusion corruption, it must be in the open interval (0, 1)", alpha)
	}
	return nil
}

// SampleAlphaGraph samples one alpha per example, using the context random number generator, so it is
// reproducible given the context RNG state (see context.Context.RngStateFromSeed).
//
// For each example it picks a random step `i` in `[0, Len()-2]` and then interpolates uniformly between
// `Alphas[i+1]` and `Alphas[i]`. The values are clamped with ClampAlphaGraph.
//
// It returns alphas shaped `[batchSize, 1]` of the given dtype.
func (s *Schedule) SampleAlphaGraph(ctx *context.Context, g *Graph, dtype dtypes.DType, batchSize int) *Node {
	n := s.Len()
	table := Const(g, s.Alphas)
	var alpha *Node
	if n == 1 {
		alpha = BroadcastToDims(Reshape(Slice(table, AxisRange(0, 1))), batchSize)
	} else {
		steps := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, batchSize))
		idx := MinScalar(Floor(MulScalar(steps, float64(n-1))), float64(n-2))
		idx = ConvertDType(idx, dtypes.Int32)
		upper := Gather(table, InsertAxes(idx, -1))
		lower := Gather(table, InsertAxes(AddScalar(idx, 1), -1))
		t := ctx.RandomUniform(g, shapes.Make(dtypes.Float64, batchSize))
		alpha = Add(lower, Mul(t, Sub(upper, lower)))
	}
	alpha = ClampAlphaGraph(alpha)
	return ConvertDType(Reshape(alpha, batchSize, 1), dtype)
}

// ClampAlphaGraph clamps alpha values to `[AlphaEpsilon, 1-AlphaEpsilon]`.
func ClampAlphaGraph(alpha *Node) *Node {
	return ClipScalar(alpha, AlphaEpsilon, 1-AlphaEpsilon)
}
