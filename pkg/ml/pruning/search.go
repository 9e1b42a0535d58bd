// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pruning converts learned soft masks into hard pruning decisions.
//
// A binary search over a threshold t finds the threshold at the boundary of a monotone criterion (e.g.: the
// sparsity obtained, or the loss of the pruned model), and weights whose score is below t are pruned.
//
// Example:
//
//	scores := pruning.Scores(state)
//	searcher, err := pruning.Search(pruning.SparsityCriterion(scores, 0.9)).Tolerance(1e-3).Done()
//	result, err := searcher.Run()
//	if err != nil { ... } // err may be a *pruning.NotConvergedError.
//	mask := pruning.MaskFromScores(scores, result.Threshold)
//	pruning.Harden(state, mask)
package pruning

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Direction in which a monotone criterion is satisfied.
type Direction int

const (
	// Above means the criterion is satisfied for all thresholds above some t*.
	// The search returns the smallest satisfying threshold found.
	Above Direction = iota

	// Below means the criterion is satisfied for all thresholds below some t*.
	// The search returns the largest satisfying threshold found.
	Below
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Below {
		return "below"
	}
	return "above"
}

// Criterion evaluates a candidate threshold. It must be monotone in the threshold.
type Criterion interface {
	// Evaluate the pruned model at the given threshold, returning the criterion value.
	Evaluate(threshold float64) (float64, error)

	// Satisfied returns whether the value meets the target.
	Satisfied(value float64) bool
}

// Directed is optionally implemented by a Criterion to set the default search Direction.
type Directed interface {
	Direction() Direction
}

// Evaluation of one candidate threshold.
type Evaluation struct {
	Threshold, Value float64
	Satisfied        bool
}

// Result of a successful search.
type Result struct {
	// Threshold found, always one that satisfies the criterion.
	Threshold float64

	// Value of the criterion at Threshold.
	Value float64

	// Evaluations of the criterion used.
	Evaluations int

	// Trace of all evaluations, in order.
	Trace []Evaluation
}

// ErrNotConverged is wrapped by NotConvergedError.
var ErrNotConverged = errors.New("threshold search did not converge")

// NotConvergedError is returned when no threshold in the search interval satisfied the criterion, or
// when the evaluations budget ended before reaching the tolerance.
//
// It's a recoverable failure: the caller decides whether to accept Best.
type NotConvergedError struct {
	// Best is the closest threshold to the satisfying region, if Satisfied is false, or the best satisfying
	// threshold found, if Satisfied is true (but the tolerance was not reached).
	Best float64

	// BestValue is the criterion value at Best.
	BestValue float64

	// Satisfied indicates whether Best satisfies the criterion.
	Satisfied bool

	// Evaluations of the criterion used.
	Evaluations int

	// Trace of all evaluations, in order.
	Trace []Evaluation
}

// Error implements error.
func (e *NotConvergedError) Error() string {
	return fmt.Sprintf("%s after %d evaluations: best threshold %g (value=%g, satisfied=%v)",
		ErrNotConverged, e.Evaluations, e.Best, e.BestValue, e.Satisfied)
}

// Unwrap returns ErrNotConverged.
func (e *NotConvergedError) Unwrap() error { return ErrNotConverged }

// SearchConfig holds the configuration of a threshold search. Create it with Search, and once configured
// call Done to get a Searcher.
type SearchConfig struct {
	criterion      Criterion
	lo, hi         float64
	tolerance      float64
	maxEvaluations int
	direction      Direction
}

// Search creates a configuration to search the threshold satisfying the criterion, with the following defaults:
//
//   - Range: [0, 1], the domain of keep probabilities.
//   - Tolerance: 1e-3.
//   - MaxEvaluations: no limit other than the one given by the range and tolerance.
//   - Direction: the one from the criterion, if it implements Directed, or Above.
func Search(criterion Criterion) *SearchConfig {
	c := &SearchConfig{
		criterion: criterion,
		lo:        0,
		hi:        1,
		tolerance: 1e-3,
		direction: Above,
	}
	if directed, ok := criterion.(Directed); ok {
		c.direction = directed.Direction()
	}
	return c
}

// Range sets the interval of thresholds searched. The end points are never evaluated.
func (c *SearchConfig) Range(lo, hi float64) *SearchConfig {
	c.lo, c.hi = lo, hi
	return c
}

// Tolerance sets the width of the final interval around the boundary of the criterion.
func (c *SearchConfig) Tolerance(tolerance float64) *SearchConfig {
	c.tolerance = tolerance
	return c
}

// MaxEvaluations limits the number of evaluations of the criterion. 0 means no limit.
func (c *SearchConfig) MaxEvaluations(n int) *SearchConfig {
	c.maxEvaluations = n
	return c
}

// SatisfiedAbove sets the criterion as satisfied for large thresholds (e.g.: minimum sparsity).
func (c *SearchConfig) SatisfiedAbove() *SearchConfig {
	c.direction = Above
	return c
}

// SatisfiedBelow sets the criterion as satisfied for small thresholds (e.g.: maximum loss).
func (c *SearchConfig) SatisfiedBelow() *SearchConfig {
	c.direction = Below
	return c
}

// Done validates the configuration and returns the Searcher.
func (c *SearchConfig) Done() (*Searcher, error) {
	if c.criterion == nil {
		return nil, errors.New("pruning.Search: criterion is nil")
	}
	if !(c.lo < c.hi) || math.IsInf(c.hi-c.lo, 0) {
		return nil, errors.Errorf("pruning.Search: invalid range [%g, %g]", c.lo, c.hi)
	}
	if !(c.tolerance > 0) {
		return nil, errors.Errorf("pruning.Search: tolerance must be > 0, got %g", c.tolerance)
	}
	if c.maxEvaluations < 0 {
		return nil, errors.Errorf("pruning.Search: max evaluations must be >= 0, got %d", c.maxEvaluations)
	}
	s := &Searcher{config: *c}
	s.budget = max(1, int(math.Ceil(math.Log2((c.hi-c.lo)/c.tolerance))))
	if c.maxEvaluations > 0 {
		s.budget = min(s.budget, c.maxEvaluations)
	}
	return s, nil
}

// Searcher runs the binary search of a threshold.
type Searcher struct {
	config SearchConfig
	budget int
}

// Budget returns the maximum number of evaluations Run will do: ceil(log2(range/tolerance)), limited by
// MaxEvaluations.
func (s *Searcher) Budget() int { return s.budget }

// Run the binary search. It returns a *NotConvergedError if no satisfying threshold is found within
// the tolerance. Errors from the criterion are returned as is.
func (s *Searcher) Run() (Result, error) {
	c := &s.config
	lo, hi := c.lo, c.hi
	var (
		trace           []Evaluation
		best            Evaluation
		found           bool
		closest         Evaluation
		closestAssigned bool
	)
	for len(trace) < s.budget {
		mid := lo + (hi-lo)/2
		value, err := c.criterion.Evaluate(mid)
		if err != nil {
			return Result{}, errors.WithMessagef(err, "pruning.Search: evaluating threshold %g", mid)
		}
		eval := Evaluation{Threshold: mid, Value: value, Satisfied: c.criterion.Satisfied(value)}
		trace = append(trace, eval)
		klog.V(1).Infof("pruning.Search: #%d threshold=%g value=%g satisfied=%v", len(trace), mid, value, eval.Satisfied)

		// Move towards the boundary: when satisfied, away from the satisfying side, and vice versa.
		towardsLow := eval.Satisfied == (c.direction == Above)
		if eval.Satisfied {
			best, found = eval, true
		} else {
			closest, closestAssigned = eval, true
		}
		if towardsLow {
			hi = mid
		} else {
			lo = mid
		}
		if s.withinTolerance(lo, hi) && found {
			break
		}
	}

	if !found {
		err := &NotConvergedError{Evaluations: len(trace), Trace: trace}
		if closestAssigned {
			err.Best, err.BestValue = closest.Threshold, closest.Value
		}
		return Result{}, err
	}
	if !s.withinTolerance(lo, hi) {
		return Result{}, &NotConvergedError{
			Best: best.Threshold, BestValue: best.Value, Satisfied: true,
			Evaluations: len(trace), Trace: trace,
		}
	}
	return Result{Threshold: best.Threshold, Value: best.Value, Evaluations: len(trace), Trace: trace}, nil
}

// withinTolerance allows for rounding errors accumulated by the halving of the interval.
func (s *Searcher) withinTolerance(lo, hi float64) bool {
	return hi-lo <= s.config.tolerance*(1+1e-9)
}
