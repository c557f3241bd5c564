// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// PositionalTable returns the sinusoidal positional table shaped `[maxLen, dim]` (flat, row-major), with the
// values divided by factor.
//
// Even channels hold `sin(position * freq_i)`, odd channels `cos(position * freq_i)`, with
// `freq_i = 10000^(-2i/dim)`.
func PositionalTable(maxLen, dim int, factor float64) []float64 {
	if maxLen <= 0 || dim <= 0 || factor <= 0 {
		exceptions.Panicf("invalid positional table configuration maxLen=%d, dim=%d, factor=%g: all must be > 0",
			maxLen, dim, factor)
	}
	table := make([]float64, maxLen*dim)
	logScale := -math.Log(10000.0) / float64(dim)
	for pos := range maxLen {
		row := table[pos*dim : (pos+1)*dim]
		for ii := range row {
			freq := math.Exp(float64(2*(ii/2)) * logScale)
			angle := float64(pos) * freq
			if ii%2 == 0 {
				row[ii] = math.Sin(angle) / factor
			} else {
				row[ii] = math.Cos(angle) / factor
			}
		}
	}
	return table
}

// AddPositionalEncoding adds the sinusoidal positional encoding, divided by factor, to x shaped
// `[batch_size, sequence_length, channels]`.
//
// The table for "positional_max_len" positions is a constant of the graph, sliced to the sequence length.
func AddPositionalEncoding(ctx *context.Context, x *Node, factor float64) *Node {
	x.AssertRank(3)
	g := x.Graph()
	seqLen, dim := x.Shape().Dimensions[1], x.Shape().Dimensions[2]
	maxLen := context.GetParamOr(ctx, ParamPositionalMaxLen, 2000)
	if seqLen > maxLen {
		exceptions.Panicf("sequence length %d is larger than the positional table (%q=%d)",
			seqLen, ParamPositionalMaxLen, maxLen)
	}
	table := Reshape(Const(g, PositionalTable(maxLen, dim, factor)), maxLen, dim)
	pe := Slice(table, AxisRange(0, seqLen))
	pe = InsertAxes(ConvertDType(pe, x.DType()), 0)
	return Add(x, pe)
}
