package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/pruning/pkg/config"
	"github.com/gomlx/pruning/ui/plots"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	for _, setting := range []string{
		"kind=rl1", "alpha=0.001",
		"optimizer.name=sgd", "optimizer.learning_rate=0.05",
		"training.steps=60", "training.finetune_steps=20", "training.batch_size=64", "training.log_every=10",
		"data.num_examples=128", "data.num_features=20", "data.num_relevant=3",
		"pruning.criterion=sparsity", "pruning.target_sparsity=0.75",
		"checkpoint.experiment=small", "checkpoint.every_n_steps=25",
	} {
		require.NoError(t, cfg.Set(setting), "setting %q", setting)
	}
	cfg.Checkpoint.Dir = t.TempDir()
	return cfg
}

func TestRunProcedure(t *testing.T) {
	cfg := smallConfig(t)
	registry := prometheus.NewRegistry()
	opts := runOptions{PlotsDir: cfg.Checkpoint.Dir, Registerer: registry}
	report, err := runProcedure(cfg, opts)
	require.NoError(t, err)

	assert.EqualValues(t, 60, report.TrainSteps)
	assert.Zero(t, report.ResumedAtStep)
	assert.True(t, report.Pruned)
	assert.Equal(t, 21, report.Total) // weights and bias.
	assert.Less(t, report.Kept, report.Total)
	assert.InDelta(t, 1-float64(report.Kept)/21, report.Sparsity, 1e-9)
	assert.NotEmpty(t, report.SearchTrace)
	assert.LessOrEqual(t, report.Evaluations, report.SearchBudget)
	assert.Equal(t, "small-pruned", report.CheckpointBase)
	assert.NotEmpty(t, report.TrainLogs.TrainLoss)
	assert.NotEmpty(t, report.FineTuneLogs.TrainLoss)

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	for _, name := range []string{plots.TrainingPlotFileName, "loss.png", "l0_norm.png", "threshold.png"} {
		_, err := os.Stat(filepath.Join(cfg.Checkpoint.Dir, name))
		assert.NoError(t, err, "file %q", name)
	}
	matches, err := filepath.Glob(filepath.Join(cfg.Checkpoint.Dir, "small-pruned-n*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	var buf bytes.Buffer
	require.NoError(t, printReport(&buf, report))
	assert.Contains(t, buf.String(), "Recovered features")

	// A second run resumes from the end of the regularized training.
	report2, err := runProcedure(cfg, runOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 60, report2.ResumedAtStep)
	assert.EqualValues(t, 60, report2.TrainSteps)
	assert.InDelta(t, report.TrainLoss, report2.TrainLoss, 1e-9)
}

func TestInspect(t *testing.T) {
	cfg := smallConfig(t)
	_, err := runProcedure(cfg, runOptions{PlotsDir: cfg.Checkpoint.Dir})
	require.NoError(t, err)

	var buf bytes.Buffer
	root := newRootCommand()
	root.SetOut(&buf)
	root.SetArgs([]string{"inspect", "--metrics", cfg.Checkpoint.Dir})
	require.NoError(t, root.Execute())
	output := buf.String()
	assert.Contains(t, output, "small-pruned")
	assert.Contains(t, output, "/dense/weights")
	assert.Contains(t, output, "Train: loss")

	require.Error(t, inspect(&buf, t.TempDir(), "", false))
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("", []string{"kind=pmmp;alpha=0.5", "training.steps=7"})
	require.NoError(t, err)
	assert.Equal(t, "pmmp", cfg.Regularizer.Kind)
	assert.Equal(t, 0.5, cfg.Regularizer.Alpha)
	assert.Equal(t, 7, cfg.Training.Steps)

	_, err = loadConfig("", []string{"kind=unknown"})
	require.Error(t, err)
}
