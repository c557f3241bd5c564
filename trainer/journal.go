// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"encoding/json"
	"io"
	"os"
	"path"
	"time"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
)

// JournalFileName is the name of the loss journal file in the checkpoint directory.
const JournalFileName = "training_loss.jsonl"

// JournalEntry is one loss report, written as one JSON object per line.
type JournalEntry struct {
	Step         int       `json:"step"`
	Time         time.Time `json:"time"`
	Loss         float64   `json:"loss"`
	ResidualLoss float64   `json:"residual_loss"`
	PenLiftLoss  float64   `json:"pen_lift_loss"`

	// NumSteps averaged in the losses of the entry.
	NumSteps int `json:"num_steps"`

	// MedianStepMs is the median duration of a train step so far, in milliseconds.
	MedianStepMs int64 `json:"median_step_ms"`
}

// Journal appends loss reports to a file.
type Journal struct {
	filePath string
}

// NewJournal creates a journal in the given directory, usually the checkpoint directory.
// Entries are appended to an existing journal.
func NewJournal(dir string) *Journal {
	return &Journal{filePath: path.Join(data.ReplaceTildeInDir(dir), JournalFileName)}
}

// Path of the journal file.
func (j *Journal) Path() string { return j.filePath }

// Append the entry to the journal file.
func (j *Journal) Append(entry JournalEntry) error {
	f, err := os.OpenFile(j.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return errors.Wrapf(err, "failed to open loss journal %q for append", j.filePath)
	}
	if err = json.NewEncoder(f).Encode(entry); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode journal entry %+v", entry)
	}
	return errors.Wrapf(f.Close(), "closing loss journal %q", j.filePath)
}

// LoadJournal parses all entries of a loss journal file.
func LoadJournal(filePath string) ([]JournalEntry, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read loss journal %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	var entries []JournalEntry
	for {
		var entry JournalEntry
		err := dec.Decode(&entry)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding loss journal %q", filePath)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
