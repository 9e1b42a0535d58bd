// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package regularizers

import (
	"math"

	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/pmmp"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/pkg/errors"
)

// base implements the parts common to all variants.
type base struct {
	cfg Config
}

func (b *base) Kind() Kind { return b.cfg.Kind }

func (b *base) Config() Config { return b.cfg }

// checkNoiseScale makes sure Gaussian kinds have a "sigma" to learn.
func (b *base) checkNoiseScale(state *trainstate.State) error {
	if b.cfg.Kind.Gaussian() && state.NoiseScale() == nil {
		return errors.Errorf("regularizer %s requires the model to have a scalar %q parameter at the root",
			b.cfg.Kind, trainstate.KeyNoiseScale)
	}
	return nil
}

// modelTargets returns the model parameters to update and their gradients. The noise scale is only
// trained by the Gaussian kinds.
func (b *base) modelTargets(state *trainstate.State, grads *params.Tree) (target, updates *params.Tree) {
	target, updates = state.ModelParameters(), grads
	if !b.cfg.Kind.Gaussian() {
		target, updates = target.Without(trainstate.KeyNoiseScale), updates.Without(trainstate.KeyNoiseScale)
	}
	return
}

// plain passes the gradients through unchanged.
type plain struct {
	cfg Config
}

func (p *plain) Kind() Kind { return KindNone }

func (p *plain) Config() Config { return p.cfg }

func (p *plain) Prepare(*trainstate.State) error { return nil }

func (p *plain) ApplyCorrections(state *trainstate.State, grads *params.Tree) (target, updates *params.Tree, err error) {
	return state.ModelParameters(), grads, nil
}

func (p *plain) Penalty(*trainstate.State) float64 { return 0 }

// rl1 adds L1 (alpha) and L2 (rho) corrections.
type rl1 struct {
	base
}

func (r *rl1) Prepare(state *trainstate.State) error { return r.checkNoiseScale(state) }

func (r *rl1) ApplyCorrections(state *trainstate.State, grads *params.Tree) (target, updates *params.Tree, err error) {
	Apply(grads.Without(trainstate.KeyNoiseScale), state.Weights(), Combine(L1(r.cfg.Alpha), L2(r.cfg.Rho)))
	target, updates = r.modelTargets(state, grads)
	return
}

func (r *rl1) Penalty(state *trainstate.State) float64 {
	alpha, rho := r.cfg.Alpha, r.cfg.Rho
	return params.Sum(func(v ...float64) float64 {
		return alpha*math.Abs(v[0]) + rho*v[0]*v[0]
	}, state.Weights())
}

// drr adds the exponential decay correction, optionally normalized per layer, and the L2 correction.
type drr struct {
	base
}

func (r *drr) Prepare(state *trainstate.State) error { return r.checkNoiseScale(state) }

// scales returns the per-layer scaling function: LayerScales if Norm is set, 1 otherwise.
func (r *drr) scales(weights *params.Tree) func(layer string) float64 {
	if !r.cfg.Norm {
		return func(string) float64 { return 1 }
	}
	scales := LayerScales(weights)
	return func(layer string) float64 { return scales[layer] }
}

func (r *drr) ApplyCorrections(state *trainstate.State, grads *params.Tree) (target, updates *params.Tree, err error) {
	weights := state.Weights()
	scaleFn := r.scales(weights)
	l2 := L2(r.cfg.Rho)
	ApplyPerLayer(grads.Without(trainstate.KeyNoiseScale), weights, func(layer string) Correction {
		return Combine(DRR(r.cfg.Alpha, r.cfg.Beta, scaleFn(layer)), l2)
	})
	target, updates = r.modelTargets(state, grads)
	return
}

func (r *drr) Penalty(state *trainstate.State) float64 {
	weights := state.Weights()
	scaleFn := r.scales(weights)
	alpha, beta, rho := r.cfg.Alpha, r.cfg.Beta, r.cfg.Rho
	var penalty float64
	params.Walk(func(path string, leaves []*tensors.Tensor) {
		scale := scaleFn(TopLayer(path))
		for _, w := range leaves[0].Data() {
			penalty += alpha*(1-math.Exp(-beta*math.Abs(w)))*scale + rho*w*w
		}
	}, weights)
	return penalty
}

// pmmpRegularizer implements the probabilistic mask minimax L0 relaxation.
//
// It owns the gradient template, reused (and fully overwritten) at every step.
type pmmpRegularizer struct {
	base
	template   *pmmp.Template
	relaxation pmmp.Relaxation
}

func (r *pmmpRegularizer) Prepare(state *trainstate.State) error {
	if err := r.checkNoiseScale(state); err != nil {
		return err
	}
	if err := pmmp.Augment(state, r.cfg.PMMP); err != nil {
		return err
	}
	if r.template != nil && params.CheckCongruent(r.template.Grads, state.Parameters) == nil {
		return nil
	}
	template, err := pmmp.NewTemplate(state)
	if err != nil {
		return err
	}
	r.template = template
	if r.cfg.Relaxation != nil {
		r.relaxation = r.cfg.Relaxation(r.cfg, template.ModelParamNumber)
	} else {
		r.relaxation = pmmp.MinimaxRelaxation{
			Alpha:       r.cfg.Alpha,
			ParamNumber: template.ModelParamNumber,
			UFactor:     r.cfg.PMMP.UFactor,
		}
	}
	return nil
}

// Template returns the gradient template, nil before Prepare.
func (r *pmmpRegularizer) Template() *pmmp.Template { return r.template }

func (r *pmmpRegularizer) ApplyCorrections(state *trainstate.State, grads *params.Tree) (target, updates *params.Tree, err error) {
	if !state.Augmented || r.template == nil {
		return nil, nil, errors.Errorf("regularizer %s: Prepare must be called before ApplyCorrections", r.cfg.Kind)
	}
	weightGrads := grads.Without(trainstate.KeyNoiseScale)
	shrinkage := Combine(L2(r.cfg.Rho), L1(r.cfg.L1Alpha))
	if r.cfg.Alpha == 0 {
		// Fine-tuning: the mask is no longer trained, and the effective weights are updated directly.
		Apply(weightGrads, state.Weights(), shrinkage)
		target, updates = r.modelTargets(state, grads)
		return
	}

	Apply(weightGrads, state.Aux(trainstate.KeyShadow), shrinkage)
	r.template.Zero()
	pmmp.WritePartials(r.template, state, weightGrads, r.relaxation)
	target, updates = state.Parameters, r.template.Grads
	if !r.cfg.Kind.Gaussian() {
		target, updates = target.Without(trainstate.KeyNoiseScale), updates.Without(trainstate.KeyNoiseScale)
		return
	}
	sigmaGrad := grads.Leaf(trainstate.KeyNoiseScale)
	if sigmaGrad == nil {
		return nil, nil, errors.Errorf("regularizer %s: missing gradient of %q", r.cfg.Kind, trainstate.KeyNoiseScale)
	}
	if err = r.template.Grads.Leaf(trainstate.KeyNoiseScale).CopyFrom(sigmaGrad); err != nil {
		return nil, nil, errors.WithMessagef(err, "regularizer %s: gradient of %q", r.cfg.Kind, trainstate.KeyNoiseScale)
	}
	return
}

// Project clamps the keep probabilities and realizes the effective weights. It's a no-op while fine-tuning.
func (r *pmmpRegularizer) Project(state *trainstate.State) error {
	if r.cfg.Alpha == 0 || !state.Augmented {
		return nil
	}
	if r.relaxation == nil {
		return errors.Errorf("regularizer %s: Prepare must be called before Project", r.cfg.Kind)
	}
	r.cfg.Projection.Apply(state.Aux(trainstate.KeyMaskLogit))
	pmmp.Realize(state, r.relaxation)
	return nil
}

func (r *pmmpRegularizer) Penalty(state *trainstate.State) float64 {
	if !state.Augmented {
		return 0
	}
	var penalty float64
	if withPenalty, ok := r.relaxation.(interface {
		Penalty(state *trainstate.State) float64
	}); ok && r.cfg.Alpha != 0 {
		penalty = withPenalty.Penalty(state)
	}
	rho, l1Alpha := r.cfg.Rho, r.cfg.L1Alpha
	return penalty + params.Sum(func(v ...float64) float64 {
		return rho*v[0]*v[0] + l1Alpha*math.Abs(v[0])
	}, state.Aux(trainstate.KeyShadow))
}
