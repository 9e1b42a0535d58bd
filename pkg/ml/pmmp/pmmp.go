// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pmmp implements the auxiliary state of the probabilistic-mask minimax L0 relaxation (PMMP).
//
// Each real weight w is represented by the 4-tuple (p, pw, pp, u):
//
//   - p: the effective weight used by the model, realized as a function of pw and pp after every update.
//   - pw: the shadow weight, the value w would take if not pruned.
//   - pp: the keep probability parameter, projected into [0, 1] after every update.
//   - u: the dual variable (noise seed) that pushes pp towards a binary {0, 1} value.
//
// Optionally a scalar "sigma" (Gaussian-noise scale shared by the whole model) is learned alongside.
//
// Augment converts a plain training state into an augmented one, and Template holds the reusable
// gradient tree with the same structure.
package pmmp

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options for the initialization of the auxiliary state.
type Options struct {
	// InitialP is the initial value of every pp (keep probability parameter).
	InitialP float64

	// InitialU is the initial value of every u.
	InitialU float64

	// UFactor multiplies the update of u.
	UFactor float64
}

// DefaultOptions keeps every weight (pp=1) and starts with no binarization pressure (u=0).
func DefaultOptions() Options {
	return Options{InitialP: 1, InitialU: 0, UFactor: 1}
}

// Augment attaches the auxiliary state to the training state, restructuring its parameters into the
// {p, pw, pp, u, [sigma]} trees, and sets state.Augmented.
//
// It is a no-op for an already augmented state. The current weights become p (the same tensors, so
// any optimizer state keyed on them is preserved), pw is a deep copy of them, pp and u are filled with
// InitialP and InitialU. A "sigma" leaf at the root of the parameters is moved to the root of the new tree.
func Augment(state *trainstate.State, opts Options) error {
	if state.Augmented {
		return nil
	}
	weights := state.Weights()
	if weights.NumLeaves() == 0 {
		return errors.New("pmmp.Augment: model has no weights")
	}
	augmented := params.New().
		SetTree(trainstate.KeyWeight, weights).
		SetTree(trainstate.KeyShadow, weights.Clone()).
		SetTree(trainstate.KeyMaskLogit, weights.FullLike(opts.InitialP)).
		SetTree(trainstate.KeyNoise, weights.FullLike(opts.InitialU))
	if sigma := state.NoiseScale(); sigma != nil {
		augmented.Set(trainstate.KeyNoiseScale, sigma)
	}
	state.Parameters = augmented
	state.Augmented = true
	klog.Infof("PMMP: augmented %s weights (%d tensors) with shadow, mask and noise state (initial p=%g, u=%g)",
		humanize.Comma(int64(weights.NumParameters())), weights.NumLeaves(), opts.InitialP, opts.InitialU)
	return nil
}

// Template is the gradient tree written by the PMMP corrections and handed to the optimizer.
// It mirrors the augmented parameters: {p, pw, pp, u, [sigma]}.
//
// It's reused every step, and it must be fully overwritten at every step.
type Template struct {
	// Grads is congruent to the augmented state parameters.
	Grads *params.Tree

	// ModelParamNumber is the total number of model weights, used to normalize the L0 penalty.
	ModelParamNumber int
}

// NewTemplate creates a zero initialized Template for the given augmented state.
func NewTemplate(state *trainstate.State) (*Template, error) {
	if !state.Augmented {
		return nil, errors.New("pmmp.NewTemplate: training state is not augmented")
	}
	for _, key := range []string{trainstate.KeyWeight, trainstate.KeyShadow, trainstate.KeyMaskLogit, trainstate.KeyNoise} {
		if state.Parameters.Subtree(key) == nil {
			return nil, errors.Errorf("pmmp.NewTemplate: augmented state is missing the %q tree", key)
		}
	}
	return &Template{
		Grads:            state.Parameters.ZerosLike(),
		ModelParamNumber: state.Weights().NumParameters(),
	}, nil
}

// Zero overwrites every leaf of the template with 0.
func (t *Template) Zero() {
	for _, leaf := range t.Grads.Leaves() {
		leaf.Zero()
	}
}

// Tree returns the template subtree for key (trainstate.KeyWeight, KeyShadow, KeyMaskLogit or KeyNoise).
func (t *Template) Tree(key string) *params.Tree {
	return t.Grads.Subtree(key)
}
