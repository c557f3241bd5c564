// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strokes

import (
	"os"
	"path"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the files in a corpus directory.
const (
	StrokesFile       = "strokes.tensor"
	TextFile          = "text.tensor"
	StyleFile         = "style.tensor"
	StrokeLengthsFile = "stroke_lengths.tensor"
)

// Load a corpus from a directory with the GoMLX tensor files:
//
//   - StrokesFile: float32 shaped `[num_examples, max_points, 3]`.
//   - TextFile: int32 shaped `[num_examples, max_text_len]`, padded with 0s at the end.
//   - StyleFile: float32 shaped `[num_examples, N, D]`.
//   - StrokeLengthsFile (optional): int32 shaped `[num_examples]`, the number of valid points of each example.
//     If missing, all max_points are used.
func Load(dir string) (*Corpus, error) {
	dir = data.ReplaceTildeInDir(dir)
	load := func(name string, dtype dtypes.DType, rank int) (*tensors.Tensor, error) {
		filePath := path.Join(dir, name)
		t, err := tensors.Load(filePath)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading %q", filePath)
		}
		if t.DType() != dtype || t.Shape().Rank() != rank {
			return nil, errors.Errorf("%q must be %s of rank %d, got %s", filePath, dtype, rank, t.Shape())
		}
		return t, nil
	}
	strokesT, err := load(StrokesFile, dtypes.Float32, 3)
	if err != nil {
		return nil, err
	}
	textT, err := load(TextFile, dtypes.Int32, 2)
	if err != nil {
		return nil, err
	}
	styleT, err := load(StyleFile, dtypes.Float32, 3)
	if err != nil {
		return nil, err
	}
	numExamples, maxPoints := strokesT.Shape().Dimensions[0], strokesT.Shape().Dimensions[1]
	if strokesT.Shape().Dimensions[2] != 3 {
		return nil, errors.Errorf("strokes must have 3 values (dx, dy, pen_lift) per point, got %s", strokesT.Shape())
	}
	if textT.Shape().Dimensions[0] != numExamples || styleT.Shape().Dimensions[0] != numExamples {
		return nil, errors.Errorf("number of examples mismatch: strokes %s, text %s, style %s",
			strokesT.Shape(), textT.Shape(), styleT.Shape())
	}
	lengths := make([]int32, numExamples)
	for ii := range lengths {
		lengths[ii] = int32(maxPoints)
	}
	if lengthsPath := path.Join(dir, StrokeLengthsFile); data.FileExists(lengthsPath) {
		lengthsT, err := load(StrokeLengthsFile, dtypes.Int32, 1)
		if err != nil {
			return nil, err
		}
		if lengthsT.Shape().Dimensions[0] != numExamples {
			return nil, errors.Errorf("%q shaped %s, but there are %d examples",
				lengthsPath, lengthsT.Shape(), numExamples)
		}
		lengths = tensors.CopyFlatData[int32](lengthsT)
	}

	corpus := &Corpus{
		StyleLen: styleT.Shape().Dimensions[1],
		StyleDim: styleT.Shape().Dimensions[2],
		Examples: make([]Example, numExamples),
	}
	points := tensors.CopyFlatData[float32](strokesT)
	text := tensors.CopyFlatData[int32](textT)
	style := tensors.CopyFlatData[float32](styleT)
	textLen := textT.Shape().Dimensions[1]
	styleSize := corpus.StyleLen * corpus.StyleDim
	for ii := range corpus.Examples {
		length := int(lengths[ii])
		if length <= 0 || length > maxPoints {
			return nil, errors.Errorf("example #%d has invalid stroke length %d (max is %d)", ii, length, maxPoints)
		}
		example := &corpus.Examples[ii]
		example.Points = make([][3]float32, length)
		for jj := range example.Points {
			copy(example.Points[jj][:], points[(ii*maxPoints+jj)*3:])
		}
		exampleText := text[ii*textLen : (ii+1)*textLen]
		for len(exampleText) > 0 && exampleText[len(exampleText)-1] == 0 {
			exampleText = exampleText[:len(exampleText)-1]
		}
		example.Text = append([]int32(nil), exampleText...)
		example.Style = append([]float32(nil), style[ii*styleSize:(ii+1)*styleSize]...)
	}
	if err := corpus.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "corpus in %q", dir)
	}
	klog.V(1).Infof("Loaded %d examples from %q: max %d points, style shaped [%d, %d]",
		numExamples, dir, maxPoints, corpus.StyleLen, corpus.StyleDim)
	return corpus, nil
}

// Save the corpus to the directory, in the format read by Load. The directory is created if needed.
func (c *Corpus) Save(dir string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	dir = data.ReplaceTildeInDir(dir)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "creating corpus directory %q", dir)
	}
	maxPoints, maxText := c.MaxLengths()
	numExamples := c.Len()
	points := make([]float32, numExamples*maxPoints*3)
	text := make([]int32, numExamples*maxText)
	styleSize := c.StyleLen * c.StyleDim
	style := make([]float32, 0, numExamples*styleSize)
	lengths := make([]int32, numExamples)
	for ii, example := range c.Examples {
		for jj, point := range example.Points {
			copy(points[(ii*maxPoints+jj)*3:], point[:])
		}
		copy(text[ii*maxText:], example.Text)
		style = append(style, example.Style...)
		lengths[ii] = int32(len(example.Points))
	}
	for name, t := range map[string]*tensors.Tensor{
		StrokesFile:       tensors.FromFlatDataAndDimensions(points, numExamples, maxPoints, 3),
		TextFile:          tensors.FromFlatDataAndDimensions(text, numExamples, maxText),
		StyleFile:         tensors.FromFlatDataAndDimensions(style, numExamples, c.StyleLen, c.StyleDim),
		StrokeLengthsFile: tensors.FromFlatDataAndDimensions(lengths, numExamples),
	} {
		if err := t.Save(path.Join(dir, name)); err != nil {
			return errors.WithMessagef(err, "saving %q", name)
		}
	}
	return nil
}
