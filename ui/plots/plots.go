// Package plots define the plot points collected during a pruning run, and utilities to save, load,
// tabulate and draw them.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/pruning/pkg/ml/pruning"
	"github.com/gomlx/pruning/pkg/ml/train/metrics"
	"github.com/gomlx/pruning/pkg/support/fsutil"
	"github.com/gomlx/pruning/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the default file name within a checkpoint directory to store
// plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Metric types of the points created from the training logs and the threshold search.
const (
	TypeLoss      = "loss"
	TypeL0Norm    = "l0_norm"
	TypePenalty   = "penalty"
	TypeThreshold = "threshold"
)

// Point is one value of a metric, as saved to and loaded from the plot points file.
type Point struct {
	// MetricName identifies the line, e.g. "Train: loss".
	MetricName string

	// Short name, used in compact displays.
	Short string

	// MetricType groups lines drawn in the same plot: one of the Type* constants.
	MetricType string

	// Step of the training (or the evaluation number in the threshold search).
	Step float64

	Value float64
}

// FromLogs converts the training logs to plot points, skipping non-finite values.
// The prefix (e.g. "Train" or "Fine-tune") is prepended to the metric names.
func FromLogs(prefix string, logs *metrics.Logs) []Point {
	var points []Point
	add := func(name, short, metricType string, steps []int64, values []float64) {
		for ii, value := range values {
			if ii >= len(steps) || math.IsNaN(value) || math.IsInf(value, 0) {
				continue
			}
			points = append(points, Point{
				MetricName: fmt.Sprintf("%s: %s", prefix, name),
				Short:      short,
				MetricType: metricType,
				Step:       float64(steps[ii]),
				Value:      value,
			})
		}
	}
	add("loss", "loss", TypeLoss, logs.TrainLossX, logs.TrainLoss)
	add("L0 norm", "L0", TypeL0Norm, logs.L0NormX, logs.L0Norm)
	add("penalty", "pen", TypePenalty, logs.L0NormX, logs.Penalty)
	return points
}

// FromSearch converts the trace of a threshold search to plot points: the thresholds and the criterion
// values, indexed by the evaluation number.
func FromSearch(trace []pruning.Evaluation) []Point {
	points := make([]Point, 0, 2*len(trace))
	for ii, eval := range trace {
		step := float64(ii + 1)
		points = append(points,
			Point{MetricName: "Search: threshold", Short: "thr", MetricType: TypeThreshold, Step: step, Value: eval.Threshold},
			Point{MetricName: "Search: criterion", Short: "crit", MetricType: TypeThreshold, Step: step, Value: eval.Value})
	}
	return points
}

// LoadPointsFromCheckpoint loads the points saved in [TrainingPlotFileName] of the given directory.
func LoadPointsFromCheckpoint(checkpointDir string) ([]Point, error) {
	return LoadPoints(path.Join(fsutil.MustReplaceTildeInDir(checkpointDir), TrainingPlotFileName))
}

// LoadPoints reads the points of a file written by AppendPoints.
func LoadPoints(filePath string) (points []Point, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "plots: opening %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	for {
		var point Point
		if err = dec.Decode(&point); errors.Is(err, io.EOF) {
			return points, nil
		} else if err != nil {
			return nil, errors.Wrapf(err, "plots: decoding %q", filePath)
		}
		points = append(points, point)
	}
}

// AppendPoints appends the points to the given file, one JSON object per line. The file is created if needed.
func AppendPoints(filePath string, points []Point) error {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return errors.Wrapf(err, "failed to open Plots file %q for append", filePath)
	}
	enc := json.NewEncoder(f)
	for _, point := range points {
		if err = enc.Encode(point); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to encode point %v", point)
		}
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close Plots file %q", filePath)
	}
	klog.V(1).Infof("plots: %d points appended to %q", len(points), filePath)
	return nil
}

// Points indexes a collection of Point by their Step.
type Points map[float64][]Point

// NewPoints indexes rawPoints by step.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map calls fn on every point, in step order. Changes to Point.Step are not re-indexed.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range slices.Sorted(maps.Keys(points)) {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Filter removes the points for which fn returns false.
func (points Points) Filter(fn func(p Point) bool) {
	for _, step := range slices.Sorted(maps.Keys(points)) {
		stepPoints := points[step]
		newStepPoints := make([]Point, 0, len(stepPoints))
		for _, pt := range stepPoints {
			if fn(pt) {
				newStepPoints = append(newStepPoints, pt)
			}
		}
		if len(newStepPoints) == len(stepPoints) {
			continue // Nothing filtered.
		}
		if len(newStepPoints) == 0 {
			delete(points, step)
		} else {
			points[step] = newStepPoints
		}
	}
}

// Extract returns all points as a slice sorted by step.
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		nameToType[p.MetricName] = p.MetricType
	})
	names := xslices.SortedKeys(nameToType)
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// TableForMetrics returns a table with the first column being the `Step` followed
// by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metrics ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	// Headers from metric names.
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	headers := []string{"Step"}
	headers = append(headers, metrics...)
	table.Headers(headers...)

	for _, step := range slices.Sorted(maps.Keys(points)) {
		row := make([]string, 1+len(metrics))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			idx := slices.Index(metrics, pt.MetricName)
			if idx != -1 {
				row[idx+1] = fmt.Sprintf("%f", pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}

// SavePNG draws one line per metric of the given type and saves it as a PNG image.
func (points Points) SavePNG(filePath, title, metricType string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	p.Y.Label.Text = metricType
	p.Legend.Top = true

	lines := make(map[string]plotter.XYs)
	points.Map(func(pt *Point) {
		if pt.MetricType == metricType {
			lines[pt.MetricName] = append(lines[pt.MetricName], plotter.XY{X: pt.Step, Y: pt.Value})
		}
	})
	if len(lines) == 0 {
		return errors.Errorf("plots: no points of type %q to plot", metricType)
	}
	for ii, name := range slices.Sorted(maps.Keys(lines)) {
		line, err := plotter.NewLine(lines[name])
		if err != nil {
			return errors.Wrapf(err, "plots: line for %q", name)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "plots: saving %q", filePath)
	}
	return nil
}
