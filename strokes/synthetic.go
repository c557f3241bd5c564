// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strokes

import (
	"math/rand"

	"github.com/pkg/errors"
)

// SyntheticConfig configures the toy corpus generated by Synthetic.
type SyntheticConfig struct {
	NumExamples        int
	MinPoints          int
	MaxPoints          int
	MaxTextLen         int
	VocabSize          int // Token ids are drawn from [1, VocabSize).
	StyleLen, StyleDim int

	// PenLiftProbability is the chance of a pen-lift at each point. The last point always lifts the pen.
	PenLiftProbability float64
}

// DefaultSyntheticConfig returns a small configuration for smoke tests.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		NumExamples:        64,
		MinPoints:          8,
		MaxPoints:          60,
		MaxTextLen:         12,
		VocabSize:          73,
		StyleLen:           4,
		StyleDim:           20,
		PenLiftProbability: 0.1,
	}
}

// Synthetic generates a deterministic (for a given seed) corpus of random walks with pen lifts, random texts
// and random style embeddings.
func Synthetic(cfg SyntheticConfig, seed int64) (*Corpus, error) {
	if cfg.NumExamples <= 0 || cfg.MinPoints <= 0 || cfg.MaxPoints < cfg.MinPoints || cfg.MaxTextLen <= 0 ||
		cfg.VocabSize < 2 || cfg.StyleLen <= 0 || cfg.StyleDim <= 0 {
		return nil, errors.Errorf("invalid synthetic corpus configuration %+v", cfg)
	}
	rng := rand.New(rand.NewSource(seed))
	corpus := &Corpus{
		StyleLen: cfg.StyleLen,
		StyleDim: cfg.StyleDim,
		Examples: make([]Example, cfg.NumExamples),
	}
	for ii := range corpus.Examples {
		example := &corpus.Examples[ii]
		numPoints := cfg.MinPoints + rng.Intn(cfg.MaxPoints-cfg.MinPoints+1)
		example.Points = make([][3]float32, numPoints)
		for jj := range example.Points {
			point := &example.Points[jj]
			point[0] = float32(rng.NormFloat64() * 0.5)
			point[1] = float32(rng.NormFloat64() * 0.5)
			if jj == numPoints-1 || rng.Float64() < cfg.PenLiftProbability {
				point[2] = 1
			}
		}
		example.Text = make([]int32, 1+rng.Intn(cfg.MaxTextLen))
		for jj := range example.Text {
			example.Text[jj] = int32(1 + rng.Intn(cfg.VocabSize-1))
		}
		example.Style = make([]float32, cfg.StyleLen*cfg.StyleDim)
		for jj := range example.Style {
			example.Style[jj] = float32(rng.NormFloat64())
		}
	}
	return corpus, nil
}
