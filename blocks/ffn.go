// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/fnn"
)

// FeedForward applies a swish activation followed by a 2 layer FNN: one hidden layer with hiddenDim units, and
// an output layer with outputDim units.
//
// The activation in between layers and its dropout are configured by the context, see fnn.New: the default
// context created by the writer package sets them to "swish" and no dropout.
func FeedForward(ctx *context.Context, x *Node, hiddenDim, outputDim int) *Node {
	x = activations.Swish(x)
	return fnn.New(ctx.In("ffn"), x, outputDim).
		NumHiddenLayers(1, hiddenDim).
		Done()
}
