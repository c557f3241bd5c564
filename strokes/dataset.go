// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strokes

import (
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	AssertDatasetIsTrainDataset *Dataset
	_                           train.Dataset = AssertDatasetIsTrainDataset
)

// Dataset implements train.Dataset over a Corpus. It yields fixed-size batches with the inputs laid out as
// InputStrokes, InputText, InputStyle and InputStrokeMask, and no labels.
//
// Stroke sequences are padded with zeros to the dataset sequence length (a multiple of PadMultiple), and texts
// are truncated or padded with 0s to the dataset text length.
type Dataset struct {
	name           string
	corpus         *Corpus
	indices        []int // Examples that fit the sequence length.
	batchSize      int
	seqLen         int
	textLen        int
	infinite       bool
	shuffle        bool
	seed           int64
	withStrokeMask bool

	mu       sync.Mutex
	rng      *rand.Rand
	order    []int
	position int
}

// NewDataset creates a dataset over the corpus.
//
// maxSeqLen is rounded up to a multiple of PadMultiple: examples with more points than that are skipped.
// Texts longer than maxTextLen are truncated.
//
// By default, it yields the examples in order, dropping the last incomplete batch, with a stroke mask.
// See Shuffle, Infinite and WithStrokeMask to configure it.
func NewDataset(name string, corpus *Corpus, batchSize, maxSeqLen, maxTextLen int) (*Dataset, error) {
	if err := corpus.Validate(); err != nil {
		return nil, err
	}
	if batchSize <= 0 || maxSeqLen <= 0 || maxTextLen <= 0 {
		return nil, errors.Errorf("invalid dataset configuration: batch_size=%d, max_seq_len=%d, max_text_len=%d",
			batchSize, maxSeqLen, maxTextLen)
	}
	ds := &Dataset{
		name:           name,
		corpus:         corpus,
		batchSize:      batchSize,
		seqLen:         PaddedLength(maxSeqLen),
		textLen:        maxTextLen,
		withStrokeMask: true,
	}
	for ii, example := range corpus.Examples {
		if len(example.Points) <= ds.seqLen {
			ds.indices = append(ds.indices, ii)
		}
	}
	if skipped := corpus.Len() - len(ds.indices); skipped > 0 {
		klog.V(1).Infof("Dataset %q: skipped %d examples longer than %d points", name, skipped, ds.seqLen)
	}
	if len(ds.indices) == 0 {
		return nil, errors.Errorf("dataset %q: no example fits in max_seq_len=%d", name, ds.seqLen)
	}
	ds.Reset()
	return ds, nil
}

// Shuffle the examples at every epoch, with a random number generator seeded with seed.
// Reset restarts the generator, so the sequence of batches is reproducible.
func (ds *Dataset) Shuffle(seed int64) *Dataset {
	ds.mu.Lock()
	ds.shuffle = true
	ds.seed = seed
	ds.mu.Unlock()
	ds.Reset()
	return ds
}

// Infinite makes the dataset loop over the examples indefinitely, starting a new epoch as soon as the previous
// ends, so no batch is ever incomplete.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.infinite = infinite
	return ds
}

// WithStrokeMask configures whether the stroke mask is included in the yielded inputs. Default is true.
func (ds *Dataset) WithStrokeMask(enabled bool) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.withStrokeMask = enabled
	return ds
}

// SeqLen returns the padded stroke sequence length of the yielded batches.
func (ds *Dataset) SeqLen() int { return ds.seqLen }

// TextLen returns the text length of the yielded batches.
func (ds *Dataset) TextLen() int { return ds.textLen }

// NumExamples used by the dataset, after skipping the ones too long.
func (ds *Dataset) NumExamples() int { return len(ds.indices) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the dataset from the first epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.shuffle {
		ds.rng = rand.New(rand.NewSource(ds.seed))
	}
	ds.newEpochLocked()
}

// newEpochLocked must be called with ds.mu locked.
func (ds *Dataset) newEpochLocked() {
	ds.position = 0
	ds.order = append(ds.order[:0], ds.indices...)
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// Yield implements train.Dataset. It returns the inputs of NextBatch (see Batch.Inputs) and no labels.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	var batch *Batch
	batch, err = ds.NextBatch()
	if err != nil {
		return
	}
	inputs = batch.Inputs()
	return
}

// NextBatch returns the next batch, or io.EOF at the end of the epoch if the dataset is not infinite.
func (ds *Dataset) NextBatch() (*Batch, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	selected := make([]int, 0, ds.batchSize)
	for len(selected) < ds.batchSize {
		if ds.position >= len(ds.order) {
			if !ds.infinite {
				return nil, io.EOF
			}
			ds.newEpochLocked()
		}
		selected = append(selected, ds.order[ds.position])
		ds.position++
	}
	if !ds.infinite && ds.position+ds.batchSize > len(ds.order) {
		// Drop the incomplete last batch of the epoch.
		ds.position = len(ds.order)
	}
	return ds.makeBatch(selected), nil
}

// makeBatch pads and packs the selected examples.
func (ds *Dataset) makeBatch(selected []int) *Batch {
	batchSize := len(selected)
	styleSize := ds.corpus.StyleLen * ds.corpus.StyleDim
	points := make([]float32, batchSize*ds.seqLen*3)
	text := make([]int32, batchSize*ds.textLen)
	style := make([]float32, 0, batchSize*styleSize)
	mask := make([]bool, batchSize*ds.seqLen)
	for ii, exampleIdx := range selected {
		example := &ds.corpus.Examples[exampleIdx]
		for jj, point := range example.Points {
			copy(points[(ii*ds.seqLen+jj)*3:], point[:])
			mask[ii*ds.seqLen+jj] = true
		}
		exampleText := example.Text
		if len(exampleText) > ds.textLen {
			exampleText = exampleText[:ds.textLen]
		}
		copy(text[ii*ds.textLen:], exampleText)
		style = append(style, example.Style...)
	}
	batch := &Batch{
		Strokes: tensors.FromFlatDataAndDimensions(points, batchSize, ds.seqLen, 3),
		Text:    tensors.FromFlatDataAndDimensions(text, batchSize, ds.textLen),
		Style:   tensors.FromFlatDataAndDimensions(style, batchSize, ds.corpus.StyleLen, ds.corpus.StyleDim),
	}
	if ds.withStrokeMask {
		batch.StrokeMask = tensors.FromFlatDataAndDimensions(mask, batchSize, ds.seqLen)
	}
	return batch
}
