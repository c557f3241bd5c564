// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strokes

import (
	"io"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallCorpus() *Corpus {
	return &Corpus{
		StyleLen: 1,
		StyleDim: 2,
		Examples: []Example{
			{Points: [][3]float32{{1, 1, 0}, {2, 2, 1}}, Text: []int32{5, 6, 7}, Style: []float32{0.5, 0.5}},
			{Points: [][3]float32{{3, 3, 1}}, Text: []int32{8}, Style: []float32{1, 1}},
			{Points: make([][3]float32, 20), Text: []int32{9}, Style: []float32{2, 2}}, // Too long for seqLen=8.
			{Points: [][3]float32{{4, 4, 0}, {5, 5, 0}, {6, 6, 1}}, Text: []int32{1, 2}, Style: []float32{3, 3}},
		},
	}
}

// batchContents returns the host values of a batch, for comparisons.
type batchContents struct {
	Strokes []float32
	Text    []int32
	Style   []float32
	Mask    []bool
}

func contentsOf(b *Batch) batchContents {
	c := batchContents{
		Strokes: tensors.CopyFlatData[float32](b.Strokes),
		Text:    tensors.CopyFlatData[int32](b.Text),
		Style:   tensors.CopyFlatData[float32](b.Style),
	}
	if b.StrokeMask != nil {
		c.Mask = tensors.CopyFlatData[bool](b.StrokeMask)
	}
	return c
}

func TestPaddedLength(t *testing.T) {
	for n, want := range map[int]int{1: 8, 8: 8, 9: 16, 994: 1000} {
		assert.Equal(t, want, PaddedLength(n), "PaddedLength(%d)", n)
	}
}

func TestDatasetBatches(t *testing.T) {
	ds, err := NewDataset("test", smallCorpus(), 2, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 8, ds.SeqLen())
	assert.Equal(t, 3, ds.NumExamples())

	batch, err := ds.NextBatch()
	require.NoError(t, err)
	require.NoError(t, batch.Validate())
	require.NoError(t, batch.Strokes.Shape().CheckDims(2, 8, 3))
	got := contentsOf(batch)
	wantStrokes := make([]float32, 2*8*3)
	copy(wantStrokes, []float32{1, 1, 0, 2, 2, 1})
	copy(wantStrokes[8*3:], []float32{3, 3, 1})
	wantMask := make([]bool, 2*8)
	wantMask[0], wantMask[1], wantMask[8] = true, true, true
	want := batchContents{
		Strokes: wantStrokes,
		Text:    []int32{5, 6, 8, 0}, // First text truncated to 2 tokens, second padded.
		Style:   []float32{0.5, 0.5, 1, 1},
		Mask:    wantMask,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected batch contents (-want +got):\n%s", diff)
	}

	// Only one example left: the incomplete batch is dropped.
	_, err = ds.NextBatch()
	require.ErrorIs(t, err, io.EOF)
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Len(t, inputs, NumInputs)
	assert.Empty(t, labels)
}

func TestDatasetInfiniteShuffle(t *testing.T) {
	corpus, err := Synthetic(DefaultSyntheticConfig(), 7)
	require.NoError(t, err)
	newDS := func() *Dataset {
		ds, err := NewDataset("train", corpus, 5, 60, 12)
		require.NoError(t, err)
		return ds.Shuffle(42).Infinite(true)
	}
	ds1, ds2 := newDS(), newDS()

	// Same seed gives the same sequence of batches, across epochs (64 examples, batch 5).
	var first []batchContents
	for range 30 {
		b1, err := ds1.NextBatch()
		require.NoError(t, err)
		b2, err := ds2.NextBatch()
		require.NoError(t, err)
		require.NoError(t, b1.Validate())
		c1, c2 := contentsOf(b1), contentsOf(b2)
		if diff := cmp.Diff(c1, c2); diff != "" {
			t.Fatalf("datasets with the same seed diverged (-ds1 +ds2):\n%s", diff)
		}
		first = append(first, c1)
	}

	// Reset restarts the same sequence.
	ds1.Reset()
	for ii := range 3 {
		b, err := ds1.NextBatch()
		require.NoError(t, err)
		require.True(t, cmp.Equal(first[ii], contentsOf(b)), "batch %d differs after Reset", ii)
	}

	// A different seed gives a different order.
	ds3, err := NewDataset("train", corpus, 5, 60, 12)
	require.NoError(t, err)
	ds3.Shuffle(43).Infinite(true)
	b3, err := ds3.NextBatch()
	require.NoError(t, err)
	assert.False(t, cmp.Equal(first[0], contentsOf(b3)))
}

func TestDatasetErrors(t *testing.T) {
	_, err := NewDataset("empty", &Corpus{StyleLen: 1, StyleDim: 1}, 2, 8, 2)
	require.Error(t, err)

	_, err = NewDataset("too-long", &Corpus{StyleLen: 1, StyleDim: 1, Examples: []Example{
		{Points: make([][3]float32, 20), Text: []int32{1}, Style: []float32{1}},
	}}, 1, 8, 2)
	require.Error(t, err)

	corpus := smallCorpus()
	corpus.Examples[1].Text = nil
	_, err = NewDataset("no-text", corpus, 1, 8, 2)
	require.Error(t, err)

	corpus = smallCorpus()
	corpus.Examples[0].Style = []float32{1}
	_, err = NewDataset("bad-style", corpus, 1, 8, 2)
	require.Error(t, err)
}

func TestBatchValidate(t *testing.T) {
	newBatch := func() *Batch {
		return &Batch{
			Strokes:    tensors.FromFlatDataAndDimensions(make([]float32, 2*8*3), 2, 8, 3),
			Text:       tensors.FromFlatDataAndDimensions([]int32{1, 0, 2, 3}, 2, 2),
			Style:      tensors.FromFlatDataAndDimensions(make([]float32, 2*3), 2, 1, 3),
			StrokeMask: tensors.FromFlatDataAndDimensions(append(make([]bool, 15), true), 2, 8),
		}
	}
	require.Error(t, newBatch().Validate(), "first example has no valid stroke points")

	b := newBatch()
	b.StrokeMask = nil
	require.NoError(t, b.Validate())

	b.Strokes = tensors.FromFlatDataAndDimensions(make([]float32, 2*12*3), 2, 12, 3)
	require.Error(t, b.Validate(), "sequence length not a multiple of 8")

	b = newBatch()
	b.StrokeMask = nil
	b.Text = tensors.FromFlatDataAndDimensions([]int32{1, 0, 0, 0}, 2, 2)
	require.Error(t, b.Validate(), "second example text is all padding")

	b = newBatch()
	b.StrokeMask = nil
	b.Style = tensors.FromFlatDataAndDimensions(make([]float32, 3), 1, 1, 3)
	require.Error(t, b.Validate(), "style batch size mismatch")

	fromInputs, err := BatchFromInputs(newBatch().Inputs())
	require.NoError(t, err)
	assert.NotNil(t, fromInputs.StrokeMask)
	_, err = BatchFromInputs(fromInputs.Inputs()[:2])
	require.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.NumExamples = 5
	corpus, err := Synthetic(cfg, 3)
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, corpus.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	if diff := cmp.Diff(corpus, loaded); diff != "" {
		t.Fatalf("loaded corpus differs (-saved +loaded):\n%s", diff)
	}

	_, err = Load(t.TempDir())
	require.Error(t, err, "empty directory")
}

func TestSynthetic(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	c1, err := Synthetic(cfg, 11)
	require.NoError(t, err)
	c2, err := Synthetic(cfg, 11)
	require.NoError(t, err)
	require.NoError(t, c1.Validate())
	assert.True(t, cmp.Equal(c1, c2), "same seed must generate the same corpus")
	maxPoints, maxText := c1.MaxLengths()
	assert.LessOrEqual(t, maxPoints, cfg.MaxPoints)
	assert.LessOrEqual(t, maxText, cfg.MaxTextLen)
	for _, example := range c1.Examples {
		assert.Equal(t, float32(1), example.Points[len(example.Points)-1][2], "last point must lift the pen")
	}

	cfg.VocabSize = 1
	_, err = Synthetic(cfg, 11)
	require.Error(t, err)
}

func TestDatasetWithoutStrokeMask(t *testing.T) {
	ds, err := NewDataset("test", smallCorpus(), 3, 8, 4)
	require.NoError(t, err)
	ds.WithStrokeMask(false)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	assert.Len(t, inputs, NumInputs-1)
	assert.Empty(t, labels)
	batch, err := BatchFromInputs(inputs)
	require.NoError(t, err)
	assert.Nil(t, batch.StrokeMask)
	require.NoError(t, batch.Validate())
}
