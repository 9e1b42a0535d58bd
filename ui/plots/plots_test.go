package plots

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/pruning/pkg/ml/pruning"
	"github.com/gomlx/pruning/pkg/ml/train/metrics"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogs() *metrics.Logs {
	logs := metrics.NewLogs()
	for step := int64(10); step <= 40; step += 10 {
		logs.RecordLoss(step, 0, 1/float64(step))
		logs.RecordL0Norm(step, 0, float64(100-step), 0.5)
	}
	return logs
}

func TestFromLogs(t *testing.T) {
	raw := FromLogs("Train", testLogs())
	require.Len(t, raw, 12)
	points := NewPoints(raw)
	assert.Len(t, points, 4)
	assert.Equal(t, []string{"Train: L0 norm", "Train: loss", "Train: penalty"}, points.MetricsNames())

	points.Filter(func(p Point) bool { return p.MetricType == TypeLoss })
	extracted := points.Extract()
	require.Len(t, extracted, 4)
	assert.Equal(t, 10.0, extracted[0].Step)
	assert.InDelta(t, 0.1, extracted[0].Value, 1e-12)
	table := points.String()
	assert.Contains(t, table, "Train: loss")
	assert.Contains(t, table, "0.025000")
}

func TestFromSearch(t *testing.T) {
	trace := []pruning.Evaluation{{Threshold: 0.5, Value: 0.3}, {Threshold: 0.75, Value: 0.6, Satisfied: true}}
	points := NewPoints(FromSearch(trace))
	assert.Len(t, points, 2)
	assert.Len(t, points[2], 2)
	assert.Equal(t, 0.75, points[2][0].Value)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	raw := append(FromLogs("Train", testLogs()), FromLogs("Fine-tune", testLogs())...)
	require.NoError(t, AppendPoints(filepath.Join(dir, TrainingPlotFileName), raw[:5]))
	require.NoError(t, AppendPoints(filepath.Join(dir, TrainingPlotFileName), raw[5:]))
	loaded := must.M1(LoadPointsFromCheckpoint(dir))
	assert.Equal(t, raw, loaded)

	points := NewPoints(loaded)
	pngPath := filepath.Join(dir, "loss.png")
	require.NoError(t, points.SavePNG(pngPath, "Loss", TypeLoss))
	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	require.Error(t, points.SavePNG(filepath.Join(dir, "none.png"), "None", "accuracy"))
	_, err = LoadPoints(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}
