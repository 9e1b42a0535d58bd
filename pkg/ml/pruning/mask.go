// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pruning

import (
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scores returns the per-weight scores used to decide what to prune, congruent to state.Weights():
// the keep probabilities pp for augmented states, or the magnitude |w| of the weights otherwise.
//
// For augmented states the returned tree is shared with the state.
func Scores(state *trainstate.State) *params.Tree {
	if state.Augmented {
		return state.Aux(trainstate.KeyMaskLogit)
	}
	weights := state.Weights()
	scores := weights.ZerosLike()
	params.Map1(scores, weights, math.Abs)
	return scores
}

// ScoreRange returns the minimum and maximum scores.
func ScoreRange(scores *params.Tree) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, leaf := range scores.Leaves() {
		for _, v := range leaf.Data() {
			lo, hi = min(lo, v), max(hi, v)
		}
	}
	return
}

// MaskFromScores returns the binary mask for the threshold: 0 where the score is below threshold (pruned),
// 1 otherwise.
func MaskFromScores(scores *params.Tree, threshold float64) *params.Tree {
	mask := scores.ZerosLike()
	params.Map1(mask, scores, func(score float64) float64 {
		if score < threshold {
			return 0
		}
		return 1
	})
	return mask
}

// Sparsity returns the fraction of zeros in the mask (or any tree).
func Sparsity(mask *params.Tree) float64 {
	total := mask.NumParameters()
	if total == 0 {
		return 0
	}
	return float64(total-mask.CountNonZero(0)) / float64(total)
}

// ApplyMask multiplies tree by mask element-wise, in place. They must be congruent.
func ApplyMask(tree, mask *params.Tree) {
	params.Map2(tree, tree, mask, func(v, m float64) float64 {
		if m == 0 {
			return 0
		}
		return v
	})
}

// Harden applies the binary mask to the training state.
//
// For augmented states the pruned shadow weights are zeroed, the keep probabilities become the mask,
// and the effective weights become the (masked) shadow weights. Otherwise, the weights are masked.
func Harden(state *trainstate.State, mask *params.Tree) error {
	weights := state.Weights()
	if err := params.CheckCongruent(weights, mask); err != nil {
		return errors.WithMessage(err, "pruning.Harden")
	}
	if state.Augmented {
		shadow := state.Aux(trainstate.KeyShadow)
		ApplyMask(shadow, mask)
		params.Map1(state.Aux(trainstate.KeyMaskLogit), mask, func(m float64) float64 { return m })
		params.Map1(weights, shadow, func(w float64) float64 { return w })
	} else {
		ApplyMask(weights, mask)
	}
	klog.Infof("pruning: hardened mask, %s of %s weights kept (sparsity %.2f%%)",
		humanize.Comma(int64(mask.CountNonZero(0))), humanize.Comma(int64(mask.NumParameters())), 100*Sparsity(mask))
	return nil
}

// sparsityCriterion is satisfied when the sparsity reaches the target.
type sparsityCriterion struct {
	scores *params.Tree
	target float64
}

// SparsityCriterion is satisfied when pruning the scores below the threshold yields at least the target
// sparsity. It's monotone increasing with the threshold, so the search returns the smallest threshold
// reaching the target.
func SparsityCriterion(scores *params.Tree, target float64) Criterion {
	return &sparsityCriterion{scores: scores, target: target}
}

func (c *sparsityCriterion) Evaluate(threshold float64) (float64, error) {
	total := c.scores.NumParameters()
	if total == 0 {
		return 0, errors.New("pruning.SparsityCriterion: no scores")
	}
	pruned := 0
	for _, leaf := range c.scores.Leaves() {
		for _, v := range leaf.Data() {
			if v < threshold {
				pruned++
			}
		}
	}
	return float64(pruned) / float64(total), nil
}

func (c *sparsityCriterion) Satisfied(value float64) bool { return value >= c.target }

func (c *sparsityCriterion) Direction() Direction { return Above }

// EvalFn evaluates the model with the given weights, returning its loss (e.g.: on a validation set).
// It must not modify the weights.
type EvalFn func(weights *params.Tree) (float64, error)

// lossCriterion is satisfied while the loss of the pruned model is at most maxLoss.
type lossCriterion struct {
	scores, weights *params.Tree
	evalFn          EvalFn
	maxLoss         float64
}

// LossCriterion is satisfied when the loss of the model, with the weights whose scores are below the
// threshold pruned, is at most maxLoss. The weights are masked on a copy, the live weights are not touched.
// The search returns the largest threshold keeping the loss within maxLoss.
func LossCriterion(scores, weights *params.Tree, evalFn EvalFn, maxLoss float64) Criterion {
	return &lossCriterion{scores: scores, weights: weights, evalFn: evalFn, maxLoss: maxLoss}
}

func (c *lossCriterion) Evaluate(threshold float64) (float64, error) {
	masked := c.weights.Clone()
	ApplyMask(masked, MaskFromScores(c.scores, threshold))
	return c.evalFn(masked)
}

func (c *lossCriterion) Satisfied(value float64) bool {
	return value <= c.maxLoss && !math.IsNaN(value)
}

func (c *lossCriterion) Direction() Direction { return Below }
