// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package writer

import (
	"github.com/gomlx/diffwriter/blocks"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/fnn"
)

const (
	// ParamChannels is the base number of channels (C) of the network: the three resolution levels use C, 3C/2
	// and 2C channels, and the bottleneck 3C. It must be a positive multiple of 8. Default is 128.
	ParamChannels = "channels"

	// ParamNumAttentionLayers is the number of cross-attention blocks at the bottleneck, the lowest resolution.
	// It must be >= 1. Default is 2.
	ParamNumAttentionLayers = "num_attention_layers"

	// ParamSigmaHiddenDim is the number of hidden units of the FNN that maps the noise level to the
	// conditioning vector. Default is 2048.
	ParamSigmaHiddenDim = "sigma_hidden_dim"
)

// DefaultParams returns the default hyperparameters of the denoising network.
//
// It also sets the activation used in between the FNN layers to "swish", and disables the FNN dropout.
func DefaultParams() map[string]any {
	return map[string]any{
		ParamChannels:                128,
		ParamNumAttentionLayers:      2,
		ParamSigmaHiddenDim:          2048,
		blocks.ParamVocabSize:        73,
		blocks.ParamFusionNumHeads:   8,
		blocks.ParamStyleExpansion:   5,
		blocks.ParamStyleDropoutRate: 0.3,
		blocks.ParamLayerNormEpsilon: 1e-6,
		blocks.ParamPositionalMaxLen: 2000,
		activations.ParamActivation:  "swish",
		layers.ParamDropoutRate:      0.0,
		fnn.ParamDropoutRate:         0.0,
	}
}
