package main

import (
	"fmt"
	"io"
	"math"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/pruning/pkg/ml/checkpoints"
	"github.com/gomlx/pruning/pkg/ml/pruning"
	"github.com/gomlx/pruning/pkg/support/fsutil"
	"github.com/gomlx/pruning/ui/plots"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	inspectExperiment string
	inspectMetrics    bool
)

func newInspectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint-dir>",
		Short: "Print the parameters stored in the latest checkpoint: paths, shapes and sparsity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0], inspectExperiment, inspectMetrics)
		},
	}
	cmd.Flags().StringVar(&inspectExperiment, "experiment", "",
		"Experiment to inspect. If empty, all experiments in the directory are inspected.")
	cmd.Flags().BoolVar(&inspectMetrics, "metrics", false,
		fmt.Sprintf("Lists the metrics collected for plotting in file %q, if present", plots.TrainingPlotFileName))
	return cmd
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = evenRowStyle
			default:
				s = oddRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
}

func inspect(w io.Writer, dir, experiment string, withMetrics bool) error {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	experiments := []string{experiment}
	if experiment == "" {
		if experiments, err = checkpoints.Experiments(dir); err != nil {
			return err
		}
		if len(experiments) == 0 {
			return errors.Errorf("no checkpoints found in %q", dir)
		}
	}
	for _, name := range experiments {
		if err = inspectExperimentCheckpoint(w, dir, name); err != nil {
			return err
		}
	}
	if withMetrics {
		points, err := plots.LoadPointsFromCheckpoint(dir)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, titleStyle.Render("Metrics"))
		_, _ = fmt.Fprintln(w, plots.NewPoints(points).String())
	}
	return nil
}

func inspectExperimentCheckpoint(w io.Writer, dir, experiment string) error {
	handler, err := checkpoints.Build(dir).Experiment(experiment).Done()
	if err != nil {
		return err
	}
	ckpt, err := handler.Load()
	if err != nil {
		return err
	}
	if ckpt == nil {
		return errors.Errorf("no checkpoints for experiment %q in %q", experiment, dir)
	}
	state := ckpt.State
	weights := state.Weights()

	_, _ = fmt.Fprintln(w, titleStyle.Render("Checkpoint "+ckpt.BaseName))
	summary := newPlainTable()
	summary.Row("experiment", experiment)
	summary.Row("step", humanize.Comma(state.Step))
	summary.Row("epoch", humanize.Comma(int64(ckpt.Epoch)))
	summary.Row("augmented", fmt.Sprint(state.Augmented))
	summary.Row("# weights", humanize.Comma(int64(weights.NumParameters())))
	summary.Row("# non-zero", humanize.Comma(int64(weights.CountNonZero(0))))
	summary.Row("sparsity", fmt.Sprintf("%.1f%%", 100*pruning.Sparsity(weights)))
	if n := len(ckpt.Logs.TrainLoss); n > 0 {
		summary.Row("last logged loss", fmt.Sprintf("%.5g", ckpt.Logs.TrainLoss[n-1]))
	}
	_, _ = fmt.Fprintln(w, summary.Render())

	table := newPlainTable()
	table.Headers("Path", "Shape", "Size", "Bytes", "Non-zero", "Scalar/MAV", "RMS", "MaxAV")
	for path, leaf := range state.Parameters.Leaves() {
		data := leaf.Data()
		var sumAbs, sumSquares, maxAbs float64
		for _, v := range data {
			sumAbs += math.Abs(v)
			sumSquares += v * v
			maxAbs = max(maxAbs, math.Abs(v))
		}
		var mav, rms, maxAV string
		if len(data) == 1 {
			mav = fmt.Sprintf("%.5g", data[0])
		} else if len(data) > 0 {
			n := float64(len(data))
			mav = fmt.Sprintf("%.3g", sumAbs/n)
			rms = fmt.Sprintf("%.3g", math.Sqrt(sumSquares/n))
			maxAV = fmt.Sprintf("%.3g", maxAbs)
		}
		table.Row(path, leaf.Shape().String(),
			humanize.Comma(int64(leaf.Size())),
			humanize.Bytes(uint64(leaf.Shape().Memory())),
			humanize.Comma(int64(leaf.Size()-countZeros(data))),
			mav, rms, maxAV)
	}
	_, _ = fmt.Fprintln(w, table.Render())
	return nil
}

func countZeros(data []float64) (n int) {
	for _, v := range data {
		if v == 0 {
			n++
		}
	}
	return
}
