// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainstate holds State, the mutable training state updated once per batch.
package trainstate

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
)

// Keys used in the parameters tree of an augmented State: each of the weight, shadow, mask logit and noise keys
// hold a tree congruent to the model weights.
const (
	// KeyWeight holds the effective weights seen by the model.
	KeyWeight = "p"

	// KeyShadow holds the unmasked underlying weights.
	KeyShadow = "pw"

	// KeyMaskLogit holds the per-weight parameter of the keep probability.
	KeyMaskLogit = "pp"

	// KeyNoise holds the per-weight reparameterization noise (or dual variable).
	KeyNoise = "u"

	// KeyNoiseScale is the optional scalar leaf with the learned Gaussian-noise scale.
	// In a non-augmented State it sits at the root of the parameters tree, next to the layers.
	KeyNoiseScale = "sigma"
)

// State of training. It's a single-writer resource: only one update call may mutate it at a time.
type State struct {
	// Parameters holds all learnable tensors. Once Augmented, it holds the {p, pw, pp, u, [sigma]} trees.
	Parameters *params.Tree

	// Augmented is set once the auxiliary pruning state has been attached to Parameters.
	Augmented bool

	// Step is the number of update steps applied so far.
	Step int64
}

// New creates a State with the given model parameters.
func New(parameters *params.Tree) *State {
	return &State{Parameters: parameters}
}

// Weights returns the tree of effective model weights, without auxiliary state or noise scale.
// The tensors are shared with Parameters.
func (s *State) Weights() *params.Tree {
	if s.Augmented {
		return s.Parameters.Subtree(KeyWeight)
	}
	return s.Parameters.Without(KeyNoiseScale)
}

// ModelParameters returns the tree the model reads its parameters from, and to which gradients computed by
// the model are congruent: the effective weights, plus the "sigma" noise scale at the root if present.
//
// Before augmentation it's Parameters itself.
func (s *State) ModelParameters() *params.Tree {
	if !s.Augmented {
		return s.Parameters
	}
	view := s.Weights().Without()
	if sigma := s.NoiseScale(); sigma != nil {
		view.Set(KeyNoiseScale, sigma)
	}
	return view
}

// NoiseScale returns the shared scalar noise scale "sigma", or nil if the model doesn't have one.
func (s *State) NoiseScale() *tensors.Tensor {
	return s.Parameters.Leaf(KeyNoiseScale)
}

// Aux returns the auxiliary tree under key (KeyShadow, KeyMaskLogit or KeyNoise), or nil if not Augmented.
func (s *State) Aux(key string) *params.Tree {
	if !s.Augmented {
		return nil
	}
	return s.Parameters.Subtree(key)
}

// String implements fmt.Stringer.
func (s *State) String() string {
	weights := s.Weights()
	return fmt.Sprintf("State(step=%d, augmented=%v, weights=%s, non-zero=%s)",
		s.Step, s.Augmented, humanize.Comma(int64(weights.NumParameters())),
		humanize.Comma(int64(weights.CountNonZero(0))))
}
