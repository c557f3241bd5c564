// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// diffwriter_checkpoints reports on the checkpoint of a handwriting diffusion model: its hyperparameters,
// variables and the losses journaled during training.
//
// Usage:
//
//	diffwriter_checkpoints [-summary] [-params] [-vars] [-losses [-last=N]] <checkpoint_dir>
package main

import (
	"flag"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/diffwriter/trainer"
	"github.com/gomlx/diffwriter/writer"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", context.RootScope+writer.ModelScope,
		"The scope of the variables considered by -summary and -vars. The optimizer variables are outside of "+
			"the default scope.")
	flagSummary = flag.Bool("summary", false, "Display a summary of the model size and the global step.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the variables under -scope.")
	flagLosses  = flag.Bool("losses", false,
		fmt.Sprintf("Lists the losses journaled during training in file %q.", trainer.JournalFileName))
	flagLast = flag.Int("last", 0, "If > 0, -losses lists only the last N entries.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint directory, got %d arguments. See 'diffwriter_checkpoints -help'.",
			len(args))
		os.Exit(1)
	}
	if !*flagSummary && !*flagParams && !*flagVars && !*flagLosses {
		*flagSummary = true
	}
	checkpointPath := data.ReplaceTildeInDir(args[0])
	if !data.FileExists(checkpointPath) {
		klog.Errorf("Checkpoint directory %q not found.", checkpointPath)
		os.Exit(1)
	}

	ctx := context.New()
	if *flagSummary || *flagParams || *flagVars {
		_ = must.M1(checkpoints.Build(ctx).Dir(checkpointPath).Immediate().Done())
	}
	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		fmt.Println(summary(ctx, checkpointPath, *flagScope))
	}
	if *flagParams {
		fmt.Println(titleStyle.Render("Hyperparameters"))
		fmt.Println(params(ctx))
	}
	if *flagVars {
		fmt.Println(titleStyle.Render("Variables"))
		fmt.Println(variables(ctx, *flagScope))
	}
	if *flagLosses {
		report, err := losses(checkpointPath, *flagLast)
		if err != nil {
			klog.Errorf("Failed to report losses: %+v", err)
			os.Exit(1)
		}
		fmt.Println(titleStyle.Render("Losses"))
		fmt.Println(report)
	}
}

// summary renders the global step and the size of the variables under scope.
func summary(ctx *context.Context, checkpointPath, scope string) string {
	table := newTable(nil, lipgloss.Right, lipgloss.Left)
	table.Row("checkpoint", checkpointPath)
	table.Row("scope", scope)
	table.Row("global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))

	var numVars, numParams int
	var numBytes uint64
	ctx.InAbsPath(scope).EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		numParams += v.Shape().Size()
		numBytes += uint64(v.Shape().Memory())
	})
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(numParams)))
	table.Row("# bytes", humanize.Bytes(numBytes))
	return table.Render()
}

func params(ctx *context.Context) string {
	table := newTable([]string{"Scope", "Name", "Type", "Value"})
	ctx.EnumerateParams(func(scope, key string, value any) {
		table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	return table.Render()
}

// variables renders the variables under scope, sorted by scope and name.
func variables(ctx *context.Context, scope string) string {
	table := newTable([]string{"Scope", "Name", "Shape", "Size", "Bytes"},
		lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	var rows [][]string
	ctx.InAbsPath(scope).EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	return table.Render()
}

// losses renders the loss journal of the checkpoint, only the last entries if last > 0.
func losses(checkpointPath string, last int) (string, error) {
	journalPath := path.Join(checkpointPath, trainer.JournalFileName)
	entries, err := trainer.LoadJournal(journalPath)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.Errorf("no losses found in %q", journalPath)
	}
	if last > 0 && len(entries) > last {
		entries = entries[len(entries)-last:]
	}
	table := newTable([]string{"Global Step", "Time", "Loss", "~Residual", "~Pen-Lift", "Steps", "Median Step"},
		lipgloss.Right, lipgloss.Left, lipgloss.Right)
	for _, entry := range entries {
		table.Row(
			humanize.Comma(int64(entry.Step)),
			entry.Time.Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%.6f", entry.Loss),
			fmt.Sprintf("%.6f", entry.ResidualLoss),
			fmt.Sprintf("%.6f", entry.PenLiftLoss),
			humanize.Comma(int64(entry.NumSteps)),
			fmt.Sprintf("%d ms", entry.MedianStepMs))
	}
	return table.Render(), nil
}
