// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strokes

import (
	"github.com/pkg/errors"
)

// Example of handwriting: a stroke sequence, the text it writes and the style embedding of its writer.
type Example struct {
	// Points of the stroke sequence, with `{dx, dy, pen_lift}` each.
	Points [][3]float32

	// Text token ids, without padding: 0 is reserved for padding.
	Text []int32

	// Style embedding flattened from `[StyleLen, StyleDim]`.
	Style []float32
}

// Corpus is an in-memory collection of examples, all with the same style embedding shape.
type Corpus struct {
	StyleLen, StyleDim int
	Examples           []Example
}

// Len returns the number of examples.
func (c *Corpus) Len() int { return len(c.Examples) }

// MaxLengths returns the length of the longest stroke sequence and of the longest text.
func (c *Corpus) MaxLengths() (maxPoints, maxText int) {
	for _, example := range c.Examples {
		maxPoints = max(maxPoints, len(example.Points))
		maxText = max(maxText, len(example.Text))
	}
	return
}

// Validate checks that the corpus is not empty, and that every example has points, text without padding or
// negative ids, and a style embedding of the corpus shape.
func (c *Corpus) Validate() error {
	if len(c.Examples) == 0 {
		return errors.New("corpus has no examples")
	}
	if c.StyleLen <= 0 || c.StyleDim <= 0 {
		return errors.Errorf("invalid corpus style shape [%d, %d]", c.StyleLen, c.StyleDim)
	}
	styleSize := c.StyleLen * c.StyleDim
	for ii, example := range c.Examples {
		if len(example.Points) == 0 {
			return errors.Errorf("example #%d has no stroke points", ii)
		}
		if len(example.Text) == 0 {
			return errors.Errorf("example #%d has no text", ii)
		}
		for _, token := range example.Text {
			if token <= 0 {
				return errors.Errorf("example #%d has invalid token id %d in its text", ii, token)
			}
		}
		if len(example.Style) != styleSize {
			return errors.Errorf("example #%d has style of size %d, but corpus style is shaped [%d, %d]",
				ii, len(example.Style), c.StyleLen, c.StyleDim)
		}
	}
	return nil
}
