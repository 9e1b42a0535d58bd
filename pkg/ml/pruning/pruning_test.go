// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"math"
	"testing"

	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/pmmp"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcCriterion counts its evaluations.
type funcCriterion struct {
	value     func(t float64) float64
	satisfied func(v float64) bool
	calls     int
}

func (c *funcCriterion) Evaluate(t float64) (float64, error) {
	c.calls++
	return c.value(t), nil
}

func (c *funcCriterion) Satisfied(v float64) bool { return c.satisfied(v) }

func TestSearchAbove(t *testing.T) {
	criterion := &funcCriterion{
		value:     func(t float64) float64 { return t },
		satisfied: func(v float64) bool { return v >= 0.37 },
	}
	searcher, err := Search(criterion).Tolerance(1e-3).Done()
	require.NoError(t, err)
	assert.Equal(t, 10, searcher.Budget())
	result, err := searcher.Run()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Threshold, 0.37)
	assert.LessOrEqual(t, result.Threshold, 0.37+1e-3)
	assert.LessOrEqual(t, criterion.calls, 10)
	assert.Equal(t, criterion.calls, result.Evaluations)
	assert.Len(t, result.Trace, result.Evaluations)
}

func TestSearchBelow(t *testing.T) {
	criterion := &funcCriterion{
		value:     func(t float64) float64 { return t * t },
		satisfied: func(v float64) bool { return v <= 0.25 },
	}
	searcher, err := Search(criterion).Range(0, 2).Tolerance(1e-4).SatisfiedBelow().Done()
	require.NoError(t, err)
	result, err := searcher.Run()
	require.NoError(t, err)
	assert.LessOrEqual(t, result.Threshold, 0.5)
	assert.GreaterOrEqual(t, result.Threshold, 0.5-1e-4)
	assert.LessOrEqual(t, result.Evaluations, int(math.Ceil(math.Log2(2/1e-4))))
}

func TestSearchNotConverged(t *testing.T) {
	criterion := &funcCriterion{
		value:     func(t float64) float64 { return t },
		satisfied: func(v float64) bool { return v >= 2 },
	}
	searcher, err := Search(criterion).Done()
	require.NoError(t, err)
	_, err = searcher.Run()
	require.ErrorIs(t, err, ErrNotConverged)
	var notConverged *NotConvergedError
	require.ErrorAs(t, err, &notConverged)
	assert.False(t, notConverged.Satisfied)
	assert.Equal(t, 10, notConverged.Evaluations)
	assert.InDelta(t, 1, notConverged.Best, 1e-3)
	assert.Equal(t, notConverged.Best, notConverged.BestValue)
	assert.Less(t, notConverged.Best, 1.0)

	// Budget too small to reach the tolerance.
	criterion.satisfied = func(v float64) bool { return v >= 0.3 }
	searcher, err = Search(criterion).MaxEvaluations(3).Done()
	require.NoError(t, err)
	_, err = searcher.Run()
	require.ErrorAs(t, err, &notConverged)
	assert.True(t, notConverged.Satisfied)
	assert.Equal(t, 3, notConverged.Evaluations)
	assert.GreaterOrEqual(t, notConverged.Best, 0.3)
}

func TestSearchConfigErrors(t *testing.T) {
	criterion := &funcCriterion{}
	_, err := Search(criterion).Range(1, 1).Done()
	require.Error(t, err)
	_, err = Search(criterion).Tolerance(0).Done()
	require.Error(t, err)
	_, err = Search(criterion).MaxEvaluations(-1).Done()
	require.Error(t, err)
	_, err = Search(nil).Done()
	require.Error(t, err)

	failing := &failingCriterion{}
	searcher, err := Search(failing).Done()
	require.NoError(t, err)
	_, err = searcher.Run()
	require.ErrorIs(t, err, errFailing)
}

var errFailing = errors.New("evaluation failed")

type failingCriterion struct{}

func (failingCriterion) Evaluate(float64) (float64, error) { return 0, errFailing }
func (failingCriterion) Satisfied(float64) bool            { return false }

func tenWeights() *params.Tree {
	values := make([]float64, 10)
	for ii := range values {
		values[ii] = (float64(ii) + 0.5) / 10 // 0.05, 0.15, ..., 0.95
		if ii%2 == 1 {
			values[ii] = -values[ii]
		}
	}
	return params.New().SetTree("dense", params.New().Set("weights", tensors.FromFlatDataAndDimensions(values, 2, 5)))
}

func TestSparsityCriterion(t *testing.T) {
	state := trainstate.New(tenWeights())
	scores := Scores(state)
	lo, hi := ScoreRange(scores)
	assert.InDelta(t, 0.05, lo, 1e-12)
	assert.InDelta(t, 0.95, hi, 1e-12)

	searcher, err := Search(SparsityCriterion(scores, 0.5)).Tolerance(1e-4).Done()
	require.NoError(t, err)
	result, err := searcher.Run()
	require.NoError(t, err)
	assert.Greater(t, result.Threshold, 0.45)
	assert.LessOrEqual(t, result.Threshold, 0.55)
	assert.Equal(t, 0.5, result.Value)

	mask := MaskFromScores(scores, result.Threshold)
	assert.Equal(t, 0.5, Sparsity(mask))
	require.NoError(t, Harden(state, mask))
	assert.Equal(t, 5, state.Weights().CountNonZero(0))
	for ii, w := range state.Weights().GetPath("/dense/weights").Data() {
		if math.Abs(w) > 0 {
			assert.Greater(t, math.Abs(w), 0.5, "weight #%d", ii)
		}
	}
}

func TestLossCriterion(t *testing.T) {
	weights := tenWeights()
	original := weights.Clone()
	scores := Scores(trainstate.New(weights))

	// Loss is the squared norm of the pruned weights: pruning everything below 0.45 costs
	// 0.05^2 + 0.15^2 + 0.25^2 + 0.35^2 = 0.21.
	evalFn := func(masked *params.Tree) (float64, error) {
		loss := params.Sum(func(v ...float64) float64 { return (v[0] - v[1]) * (v[0] - v[1]) }, original, masked)
		return loss, nil
	}
	searcher, err := Search(LossCriterion(scores, weights, evalFn, 0.22)).Tolerance(1e-4).Done()
	require.NoError(t, err)
	result, err := searcher.Run()
	require.NoError(t, err)
	assert.Greater(t, result.Threshold, 0.35)
	assert.LessOrEqual(t, result.Threshold, 0.45)
	assert.InDelta(t, 0.21, result.Value, 1e-12)

	// Live weights untouched.
	for path, leaf := range weights.Leaves() {
		assert.Equal(t, original.GetPath(path).Value(), leaf.Value())
	}
}

func TestHardenAugmented(t *testing.T) {
	state := trainstate.New(tenWeights())
	require.NoError(t, pmmp.Augment(state, pmmp.Options{InitialP: 0.5, UFactor: 1}))
	pp := state.Aux(trainstate.KeyMaskLogit).GetPath("/dense/weights").Data()
	for ii := range pp {
		pp[ii] = float64(ii) / 10
	}
	mask := MaskFromScores(Scores(state), 0.3)
	require.NoError(t, Harden(state, mask))

	pw := state.Aux(trainstate.KeyShadow).GetPath("/dense/weights").Data()
	p := state.Weights().GetPath("/dense/weights").Data()
	for ii := range pp {
		if ii < 3 {
			assert.Equal(t, 0.0, pp[ii])
			assert.Equal(t, 0.0, pw[ii])
		} else {
			assert.Equal(t, 1.0, pp[ii])
			assert.NotEqual(t, 0.0, pw[ii])
		}
		assert.Equal(t, pw[ii], p[ii])
	}
	require.Error(t, Harden(state, params.New()))
}
