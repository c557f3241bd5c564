// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package strokes holds the handwriting data: in-memory corpora of stroke sequences with their text and writer
// style, batches in the layout the training graph expects, a train.Dataset over a corpus, `.tensor` file I/O and
// a synthetic corpus generator for smoke tests.
package strokes

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Indices of the inputs yielded by Dataset, and expected by the training graph.
const (
	InputStrokes = iota
	InputText
	InputStyle
	InputStrokeMask
	NumInputs
)

// PadMultiple is the multiple the stroke sequence length is padded to: the denoising network halves the sequence
// 3 times.
const PadMultiple = 8

// PaddedLength returns n rounded up to a multiple of PadMultiple.
func PaddedLength(n int) int {
	return (n + PadMultiple - 1) / PadMultiple * PadMultiple
}

// Batch of training examples.
type Batch struct {
	// Strokes shaped `[batch_size, seq_len, 3]` (float32), with `{dx, dy, pen_lift}` per point.
	Strokes *tensors.Tensor

	// Text token ids shaped `[batch_size, text_len]` (int32). 0 is padding.
	Text *tensors.Tensor

	// Style embedding shaped `[batch_size, N, D]` (float32).
	Style *tensors.Tensor

	// StrokeMask shaped `[batch_size, seq_len]` (bool), true for valid (non-padding) points. Optional.
	StrokeMask *tensors.Tensor
}

// Inputs returns the batch tensors in the order of InputStrokes, InputText, InputStyle and InputStrokeMask.
// The stroke mask is omitted if not set.
func (b *Batch) Inputs() []*tensors.Tensor {
	inputs := []*tensors.Tensor{b.Strokes, b.Text, b.Style}
	if b.StrokeMask != nil {
		inputs = append(inputs, b.StrokeMask)
	}
	return inputs
}

// BatchFromInputs is the inverse of Batch.Inputs.
func BatchFromInputs(inputs []*tensors.Tensor) (*Batch, error) {
	if len(inputs) != NumInputs && len(inputs) != NumInputs-1 {
		return nil, errors.Errorf("expected %d or %d inputs (strokes, text, style and optional stroke mask), got %d",
			NumInputs-1, NumInputs, len(inputs))
	}
	b := &Batch{
		Strokes: inputs[InputStrokes],
		Text:    inputs[InputText],
		Style:   inputs[InputStyle],
	}
	if len(inputs) == NumInputs {
		b.StrokeMask = inputs[InputStrokeMask]
	}
	return b, nil
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return b.Strokes.Shape().Dimensions[0]
}

// Validate checks shapes and dtypes of the batch, that the sequence length is a multiple of PadMultiple, and
// that every example has at least one text token and one valid stroke point.
func (b *Batch) Validate() error {
	if b.Strokes == nil || b.Text == nil || b.Style == nil {
		return errors.New("batch is missing strokes, text or style")
	}
	strokesShape := b.Strokes.Shape()
	if strokesShape.Rank() != 3 || strokesShape.Dimensions[2] != 3 {
		return errors.Errorf("strokes must be shaped [batch_size, seq_len, 3], got %s", strokesShape)
	}
	if !strokesShape.DType.IsFloat() {
		return errors.Errorf("strokes must be a float tensor, got %s", strokesShape)
	}
	batchSize, seqLen := strokesShape.Dimensions[0], strokesShape.Dimensions[1]
	if seqLen == 0 || seqLen%PadMultiple != 0 {
		return errors.Errorf("strokes sequence length must be a positive multiple of %d, got %s",
			PadMultiple, strokesShape)
	}

	textShape := b.Text.Shape()
	if textShape.Rank() != 2 || textShape.DType != dtypes.Int32 {
		return errors.Errorf("text must be an int32 tensor shaped [batch_size, text_len], got %s", textShape)
	}
	if textShape.Dimensions[0] != batchSize {
		return errors.Errorf("text batch size (%s) doesn't match strokes batch size (%s)", textShape, strokesShape)
	}
	textLen := textShape.Dimensions[1]
	text := tensors.CopyFlatData[int32](b.Text)
	for example := range batchSize {
		numTokens := 0
		for _, token := range text[example*textLen : (example+1)*textLen] {
			if token < 0 {
				return errors.Errorf("text of example %d has negative token id %d", example, token)
			}
			if token != 0 {
				numTokens++
			}
		}
		if numTokens == 0 {
			return errors.Errorf("text of example %d is all padding", example)
		}
	}

	styleShape := b.Style.Shape()
	if styleShape.Rank() != 3 || !styleShape.DType.IsFloat() || styleShape.Dimensions[0] != batchSize {
		return errors.Errorf("style must be a float tensor shaped [batch_size=%d, N, D], got %s",
			batchSize, styleShape)
	}

	if b.StrokeMask != nil {
		if err := b.StrokeMask.Shape().CheckDims(batchSize, seqLen); err != nil {
			return errors.WithMessage(err, "stroke mask must be shaped [batch_size, seq_len]")
		}
		if b.StrokeMask.DType() != dtypes.Bool {
			return errors.Errorf("stroke mask must be bool, got %s", b.StrokeMask.Shape())
		}
		mask := tensors.CopyFlatData[bool](b.StrokeMask)
		for example := range batchSize {
			valid := false
			for _, v := range mask[example*seqLen : (example+1)*seqLen] {
				valid = valid || v
			}
			if !valid {
				return errors.Errorf("stroke mask of example %d has no valid points", example)
			}
		}
	}
	return nil
}
