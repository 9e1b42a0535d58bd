/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package train holds tools to help run a training loop.
//
// The Trainer runs one regularized update step at a time: it asks the model for the gradients
// of the loss, has the Regularizer correct them, and hands them to the optimizer exactly once.
// The Loop drives the Trainer over a Dataset, calling the registered hooks.
package train

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/gomlx/pruning/pkg/ml/regularizers"
	"github.com/gomlx/pruning/pkg/ml/train/optimizers"
	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GradientFn computes the loss of the model on one batch and its gradients with respect to
// state.ModelParameters().
//
// The returned gradients must be congruent to state.ModelParameters(): the weights (plus the noise scale
// "sigma" for Gaussian models) for plain states, or the effective weights "p" (plus "sigma") for augmented
// states. The Trainer may modify the gradients in place.
type GradientFn func(state *trainstate.State, inputs, labels []*tensors.Tensor) (grads *params.Tree, loss float64, err error)

// Trainer runs the update of the parameters for one batch at a time.
type Trainer struct {
	regularizer regularizers.Regularizer
	gradFn      GradientFn
	optimizer   optimizers.Interface

	// mask, when set, freezes pruned weights at zero.
	mask *params.Tree

	lastPenalty float64
}

// NewTrainer creates a Trainer for the given regularizer, model gradient function and optimizer.
func NewTrainer(regularizer regularizers.Regularizer, gradFn GradientFn, optimizer optimizers.Interface) *Trainer {
	if regularizer == nil || gradFn == nil || optimizer == nil {
		exceptions.Panicf("train.NewTrainer: regularizer, gradFn and optimizer must all be given")
	}
	return &Trainer{
		regularizer: regularizer,
		gradFn:      gradFn,
		optimizer:   optimizer,
	}
}

// Regularizer used by the trainer.
func (r *Trainer) Regularizer() regularizers.Regularizer { return r.regularizer }

// Optimizer used by the trainer.
func (r *Trainer) Optimizer() optimizers.Interface { return r.optimizer }

// SetRegularizer replaces the regularizer, for instance with an alpha=0 version for fine-tuning.
func (r *Trainer) SetRegularizer(regularizer regularizers.Regularizer) {
	r.regularizer = regularizer
}

// FreezeMask sets a binary mask, congruent to the weights, of the weights that are allowed to change.
// Masked-out weights get their gradients zeroed before the update and are re-zeroed after it.
//
// Set it to nil to unfreeze.
func (r *Trainer) FreezeMask(mask *params.Tree) {
	r.mask = mask
}

// Mask returns the current freeze mask, or nil.
func (r *Trainer) Mask() *params.Tree { return r.mask }

// LastPenalty returns the regularization penalty computed at the end of the last TrainStep.
func (r *Trainer) LastPenalty() float64 { return r.lastPenalty }

// TrainStep runs one update of the state's parameters on the given batch and returns the model loss.
//
// The state is prepared (augmented, for the PMMP kinds), the model gradients are computed and corrected
// by the regularizer and the optimizer is applied once. Projections are applied after the optimizer.
//
// Gradients that are not congruent to the parameters abort the step with an error, before any
// parameter is changed.
func (r *Trainer) TrainStep(state *trainstate.State, inputs, labels []*tensors.Tensor) (loss float64, err error) {
	if err = r.regularizer.Prepare(state); err != nil {
		return 0, errors.WithMessagef(err, "TrainStep(step=%d): preparing state", state.Step)
	}
	var grads *params.Tree
	grads, loss, err = r.gradFn(state, inputs, labels)
	if err != nil {
		return 0, errors.WithMessagef(err, "TrainStep(step=%d): computing gradients", state.Step)
	}
	if err = params.CheckCongruent(state.ModelParameters(), grads); err != nil {
		return 0, errors.WithMessagef(err, "TrainStep(step=%d): gradients don't match the model parameters", state.Step)
	}
	if r.mask != nil {
		err = exceptions.TryCatch[error](func() {
			applyMask(grads.Without(trainstate.KeyNoiseScale), r.mask)
		})
		if err != nil {
			return 0, errors.WithMessagef(err, "TrainStep(step=%d): freeze mask", state.Step)
		}
	}

	var target, updates *params.Tree
	var correctionErr error
	err = exceptions.TryCatch[error](func() {
		target, updates, correctionErr = r.regularizer.ApplyCorrections(state, grads)
	})
	if err == nil {
		err = correctionErr
	}
	if err != nil {
		return 0, errors.WithMessagef(err, "TrainStep(step=%d): regularizer %s", state.Step, r.regularizer.Kind())
	}
	if err = r.optimizer.Apply(target, updates); err != nil {
		return 0, errors.WithMessagef(err, "TrainStep(step=%d): optimizer %s", state.Step, r.optimizer.Name())
	}
	if projector, ok := r.regularizer.(regularizers.Projector); ok {
		if err = projector.Project(state); err != nil {
			return 0, errors.WithMessagef(err, "TrainStep(step=%d): projection", state.Step)
		}
	}
	if r.mask != nil {
		applyMask(state.Weights(), r.mask)
		if state.Augmented {
			applyMask(state.Aux(trainstate.KeyShadow), r.mask)
		}
	}
	state.Step++
	r.lastPenalty = r.regularizer.Penalty(state)
	if klog.V(2).Enabled() {
		klog.Infof("train: step %d, loss=%g, penalty=%g", state.Step, loss, r.lastPenalty)
	}
	return loss, nil
}

// applyMask zeros the values of tree where the mask is 0.
func applyMask(tree, mask *params.Tree) {
	params.Map2(tree, tree, mask, func(v, m float64) float64 {
		if m == 0 {
			return 0
		}
		return v
	})
}

// IsFinite returns false for NaN or infinite losses.
func IsFinite(loss float64) bool {
	return !math.IsNaN(loss) && !math.IsInf(loss, 0)
}
