// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"testing"
	"time"

	"github.com/gomlx/pruning/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	cfg := config.Default()
	keys, err := ParseSettings(cfg, "alpha=0.5;training.steps=13;", "optimizer.name=sgd")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "training.steps", "optimizer.name"}, keys)
	assert.Equal(t, 0.5, cfg.Regularizer.Alpha)
	assert.Equal(t, 13, cfg.Training.Steps)
	assert.Equal(t, "sgd", cfg.Optimizer.Name)

	// Unknown key.
	_, err = ParseSettings(config.Default(), "q=3")
	require.Error(t, err)

	// Invalid final configuration.
	_, err = ParseSettings(config.Default(), "training.steps=0")
	require.Error(t, err)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "1_234_567", humanizeInt(1234567))
	assert.Equal(t, "-1_000", humanizeInt(-1000))
	assert.Equal(t, "12", humanizeInt(int64(12)))
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
}

func TestSummary(t *testing.T) {
	s := NewSummary("Pruning").Add("Threshold", 0.123456, "%.3f").Add("Kept", "3 of 11")
	assert.Equal(t, 2, s.Len())
	var buf bytes.Buffer
	require.NoError(t, s.Print(&buf))
	out := buf.String()
	assert.Contains(t, out, "Pruning")
	assert.Contains(t, out, "0.123")
	assert.Contains(t, out, "3 of 11")
}
