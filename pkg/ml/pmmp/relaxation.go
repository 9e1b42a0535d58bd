// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pmmp

import (
	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
)

// Relaxation defines the mask relaxation: how the effective weight is realized from (pw, pp), and the
// closed-form partials of the relaxed objective with respect to each auxiliary variable.
type Relaxation interface {
	// Partials returns the gradients for (p, pw, pp, u), given the (already corrected) gradient of the
	// loss with respect to the effective weight gp, and the current auxiliary values.
	Partials(gp, pw, pp, u float64) (dp, dpw, dpp, du float64)

	// Realize returns the effective weight p for the shadow weight pw and keep probability pp.
	Realize(pw, pp float64) float64
}

// MinimaxRelaxation is the default Relaxation. It minimizes over (pw, pp) and maximizes over u the objective
//
//	F = L(pw·pp) + Alpha/ParamNumber · Σ pp + Σ u·pp·(1-pp)
//
// where pp is kept in [0, 1] by the projection. The first term is the model loss at the effective
// weight p = pw·pp, the second the expected fraction of kept weights (the L0 proxy), and the last
// the binarization constraint, enforced by the dual variable u.
type MinimaxRelaxation struct {
	// Alpha is the strength of the L0 proxy.
	Alpha float64

	// ParamNumber is the total number of model weights.
	ParamNumber int

	// UFactor multiplies the ascent step of u.
	UFactor float64
}

var _ Relaxation = MinimaxRelaxation{}

// Partials implements Relaxation.
//
// p is realized after every update, so its own gradient is 0. u ascends, so its descent gradient is negated.
func (r MinimaxRelaxation) Partials(gp, pw, pp, u float64) (dp, dpw, dpp, du float64) {
	dpw = gp * pp
	dpp = gp*pw + r.Alpha/float64(max(r.ParamNumber, 1)) + u*(1-2*pp)
	du = -r.UFactor * pp * (1 - pp)
	return
}

// Realize implements Relaxation.
func (r MinimaxRelaxation) Realize(pw, pp float64) float64 {
	return pw * pp
}

// Realize rewrites the effective weights p of an augmented state from its shadow weights and keep probabilities.
// It's a no-op for non-augmented states.
func Realize(state *trainstate.State, relaxation Relaxation) {
	if !state.Augmented {
		return
	}
	params.Map2(state.Weights(), state.Aux(trainstate.KeyShadow), state.Aux(trainstate.KeyMaskLogit), relaxation.Realize)
}

// Penalty returns the value of the L0 proxy and binarization terms of the MinimaxRelaxation objective,
// for logging.
func (r MinimaxRelaxation) Penalty(state *trainstate.State) float64 {
	if !state.Augmented {
		return 0
	}
	scale := r.Alpha / float64(max(r.ParamNumber, 1))
	return params.Sum(func(v ...float64) float64 {
		pp, u := v[0], v[1]
		return scale*pp + u*pp*(1-pp)
	}, state.Aux(trainstate.KeyMaskLogit), state.Aux(trainstate.KeyNoise))
}

// WritePartials overwrites the template with the partials of the relaxation, for the given gradients
// with respect to the effective weights (congruent to state.Weights()).
//
// The template's "sigma" leaf, if present, is left untouched.
func WritePartials(template *Template, state *trainstate.State, weightGrads *params.Tree, relaxation Relaxation) {
	params.Walk(func(_ string, leaves []*tensors.Tensor) {
		gp, pw, pp, u := leaves[0].Data(), leaves[1].Data(), leaves[2].Data(), leaves[3].Data()
		tp, tpw, tpp, tu := leaves[4].Data(), leaves[5].Data(), leaves[6].Data(), leaves[7].Data()
		for idx := range gp {
			tp[idx], tpw[idx], tpp[idx], tu[idx] = relaxation.Partials(gp[idx], pw[idx], pp[idx], u[idx])
		}
	},
		weightGrads,
		state.Aux(trainstate.KeyShadow), state.Aux(trainstate.KeyMaskLogit), state.Aux(trainstate.KeyNoise),
		template.Tree(trainstate.KeyWeight), template.Tree(trainstate.KeyShadow),
		template.Tree(trainstate.KeyMaskLogit), template.Tree(trainstate.KeyNoise))
}
