// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/pruning/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "pruning.ui.commandline.progressBar"

// ExtraMetricFn returns a name and a value to display below the progress bar. It is called at every update.
type ExtraMetricFn func() (name, value string)

var (
	// RefreshPeriod is the longest time between updates of the progress bar.
	RefreshPeriod = 3 * time.Second

	// ProgressbarStyle to use. Consider progressbar.ThemeUnicode if the terminal supports it.
	ProgressbarStyle = progressbar.ThemeASCII

	// minDrawInterval throttles terminal output: updates arriving faster are merged.
	minDrawInterval = 200 * time.Millisecond

	statsNameStyle   = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	statsValueStyle  = lipgloss.NewStyle().Padding(0, 1)
	tableBorderColor = "#705090"
)

// statsUpdate is one snapshot of the training, sent to the drawing goroutine.
type statsUpdate struct {
	stepsDone int
	rows      [][2]string
}

type progressBar struct {
	extraMetricFns []ExtraMetricFn
	out            *termenv.Output

	bar          *progressbar.ProgressBar
	nextStep     int
	linesDrawn   int
	updates      chan statsUpdate
	drawFinished sync.WaitGroup
}

// AttachProgressBar displays a progress bar on the terminal while the loop runs, along with a table
// with the current step, the loss, the regularization penalty, the number of non-zero weights and the
// median duration of a training step. Each extraMetrics function adds one row to the table.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		extraMetricFns: extraMetrics,
		out:            termenv.NewOutput(os.Stdout),
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	total := loop.EndStep - loop.StartStep
	if loop.EndStep < 0 {
		total = -1 // Spinner until the number of steps is known.
	}
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.nextStep = loop.LoopStep
	pBar.linesDrawn = 0
	pBar.updates = make(chan statsUpdate, 100)
	pBar.drawFinished.Add(1)
	go pBar.draw()
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, loss float64) error {
	done := loop.LoopStep + 1 - pBar.nextStep
	if done <= 0 || pBar.bar.IsFinished() {
		return nil
	}
	pBar.nextStep = loop.LoopStep + 1
	rows := [][2]string{
		{"Step", humanizeInt(loop.LoopStep+1) + " of " + humanizeInt(loop.EndStep)},
		{"Loss", fmt.Sprintf("%.4g", loss)},
		{"Penalty", fmt.Sprintf("%.4g", loop.Trainer.LastPenalty())},
		{"Non-zero weights", humanizeInt(loop.State.Weights().CountNonZero(0))},
		{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
	}
	for _, fn := range pBar.extraMetricFns {
		name, value := fn()
		rows = append(rows, [2]string{name, value})
	}
	pBar.updates <- statsUpdate{stepsDone: done, rows: rows}
	return nil
}

func (pBar *progressBar) onEnd(*train.Loop, float64) error {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.drawFinished.Wait()
		pBar.updates = nil
	}
	pBar.out.ShowCursor()
	fmt.Println()
	return nil
}

// draw runs in its own goroutine, so a slow terminal doesn't slow down training.
func (pBar *progressBar) draw() {
	defer pBar.drawFinished.Done()
	for update := range pBar.updates {
		steps := update.stepsDone
	merge:
		for {
			select {
			case next, ok := <-pBar.updates:
				if !ok {
					break merge
				}
				steps += next.stepsDone
				update = next
			default:
				break merge
			}
		}

		table := lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(_, col int) lipgloss.Style {
				if col == 0 {
					return statsNameStyle
				}
				return statsValueStyle
			})
		for _, row := range update.rows {
			table.Row(row[0], row[1])
		}
		rendered := lipgloss.NewStyle().PaddingLeft(8).Render(table.String())

		pBar.out.HideCursor()
		if pBar.linesDrawn > 0 {
			pBar.out.CursorPrevLine(pBar.linesDrawn)
		}
		fmt.Println(rendered)
		_ = pBar.bar.Add(steps)
		fmt.Println()
		// Table, progress bar line and the empty line after it.
		pBar.linesDrawn = strings.Count(rendered, "\n") + 1 + 2
		pBar.out.ShowCursor()
		time.Sleep(minDrawInterval)
	}
}

// humanizeInt formats integers with "_" separating the thousands.
func humanizeInt[I ~int | ~int64 | ~int32](n I) string {
	return strings.ReplaceAll(humanize.Comma(int64(n)), ",", "_")
}
