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

// Package optimizers implements a collection of optimizers that can be used by train.Trainer,
// or by themselves. They all implement optimizers.Interface.
//
// Optimizers update a tree of parameters in place given a congruent tree of gradients. Any internal
// state (e.g. momentum) is keyed by the identity of the parameter tensors, so the same tensors must
// be given at every step.
package optimizers

import (
	"maps"
	"math"
	"slices"

	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Apply one update step to parameters, given the gradients, which must be congruent to parameters.
	//
	// Non-finite gradients (NaN or Inf) are reported as an error wrapping ErrNonFinite, and no update is made.
	Apply(parameters, grads *params.Tree) error

	// Reset deletes all internal state (moments, step counter) of the optimizer.
	Reset()

	// Name of the optimizer.
	Name() string
}

// Schedule returns the learning rate for the given step. Steps start at 1.
type Schedule func(step int64) float64

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors, configured
	// with the given learning rate (if > 0).
	KnownOptimizers = map[string]func(learningRate float64) Interface{
		"sgd": func(lr float64) Interface { return StochasticGradientDescent().WithLearningRate(lr).Done() },
		"momentum": func(lr float64) Interface {
			return StochasticGradientDescent().WithLearningRate(lr).WithMomentum(0.9).WithDecay(false).Done()
		},
		"adam":    func(lr float64) Interface { return Adam().LearningRate(lr).Done() },
		"adamax":  func(lr float64) Interface { return Adam().Adamax().LearningRate(lr).Done() },
		"adamw":   func(lr float64) Interface { return Adam().WeightDecay(0.004).LearningRate(lr).Done() },
		"rmsprop": func(lr float64) Interface { return RMSProp().LearningRate(lr).Done() },
	}

	// ErrNonFinite is returned (wrapped) when gradients have NaN or Inf values.
	ErrNonFinite = errors.New("non-finite gradient")
)

// ByName returns an optimizer given the name, or an error if it does not exist.
// learningRate <= 0 selects the optimizer's default.
func ByName(optName string, learningRate float64) (Interface, error) {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		names := slices.Sorted(maps.Keys(KnownOptimizers))
		return nil, errors.Errorf("unknown optimizer %q, valid values are %v", optName, names)
	}
	return optBuilder(learningRate), nil
}

// checkGradients verifies that grads is congruent to parameters and all values are finite.
func checkGradients(optName string, parameters, grads *params.Tree) error {
	if err := params.CheckCongruent(parameters, grads); err != nil {
		return errors.WithMessagef(err, "optimizer %s", optName)
	}
	for path, leaf := range grads.Leaves() {
		if tensors.HasNonFinite(leaf) {
			return errors.Wrapf(ErrNonFinite, "optimizer %s: gradient of %q", optName, path)
		}
	}
	return nil
}

// clipStep clips the step to [-clip, clip], if clip > 0.
func clipStep(step, clip float64) float64 {
	if clip <= 0 {
		return step
	}
	return tensors.Clamp(step, -clip, clip)
}

// SGDConfig implements a Stochastic Gradient Descent optimizer, with optional momentum.
type SGDConfig struct {
	initialLearningRate float64
	momentum            float64
	clipStepByValue     float64
	schedule            Schedule

	// Whether to decay the learning rate with the step.
	useDecay bool
}

// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SGDDefaultLearningRate = 0.1

// StochasticGradientDescent creates an optimizer that performs SGD.
//
// By default, it has a learning rate decay given by: `learning_rate = initial_learning_rate / Sqrt(step)`
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{
		initialLearningRate: -1, // -1 means not set.
		useDecay:            true,
	}
}

// WithDecay sets whether to use a learning rate decay with the step.
//
// It is enabled by default, but tests may want to disable it.
func (sgd *SGDConfig) WithDecay(enabled bool) *SGDConfig {
	sgd.useDecay = enabled
	return sgd
}

// WithLearningRate sets the initial learning rate. The default value is SGDDefaultLearningRate.
// Values <= 0 select the default.
func (sgd *SGDConfig) WithLearningRate(initialLearningRate float64) *SGDConfig {
	sgd.initialLearningRate = initialLearningRate
	return sgd
}

// WithMomentum sets the momentum coefficient (0 disables it, the default).
func (sgd *SGDConfig) WithMomentum(momentum float64) *SGDConfig {
	sgd.momentum = momentum
	return sgd
}

// WithSchedule sets a learning rate schedule. It replaces the learning rate and the decay.
func (sgd *SGDConfig) WithSchedule(schedule Schedule) *SGDConfig {
	sgd.schedule = schedule
	return sgd
}

// ClipStepByValue clips each value of the step taken, after being scaled by the learning rate, to
// [-clip, +clip]. 0 disables it (the default).
func (sgd *SGDConfig) ClipStepByValue(clip float64) *SGDConfig {
	sgd.clipStepByValue = clip
	return sgd
}

// Done returns the configured optimizer.
func (sgd *SGDConfig) Done() Interface {
	config := *sgd
	if config.initialLearningRate <= 0 {
		config.initialLearningRate = SGDDefaultLearningRate
	}
	return &sgdOptimizer{config: config, velocity: make(map[*tensors.Tensor][]float64)}
}

type sgdOptimizer struct {
	config   SGDConfig
	step     int64
	velocity map[*tensors.Tensor][]float64
}

func (o *sgdOptimizer) Name() string { return "sgd" }

func (o *sgdOptimizer) Reset() {
	o.step = 0
	clear(o.velocity)
}

// learningRate for the current step.
func (o *sgdOptimizer) learningRate() float64 {
	if o.config.schedule != nil {
		return o.config.schedule(o.step)
	}
	lr := o.config.initialLearningRate
	if o.config.useDecay {
		lr /= math.Sqrt(float64(o.step))
	}
	return lr
}

// Apply implements Interface.
func (o *sgdOptimizer) Apply(parameters, grads *params.Tree) error {
	if err := checkGradients(o.Name(), parameters, grads); err != nil {
		return err
	}
	o.step++
	lr := o.learningRate()
	params.Walk(func(_ string, leaves []*tensors.Tensor) {
		values, gradValues := leaves[0].Data(), leaves[1].Data()
		if o.config.momentum == 0 {
			for ii, g := range gradValues {
				values[ii] -= clipStep(lr*g, o.config.clipStepByValue)
			}
			return
		}
		velocity, found := o.velocity[leaves[0]]
		if !found {
			velocity = make([]float64, len(values))
			o.velocity[leaves[0]] = velocity
		}
		for ii, g := range gradValues {
			velocity[ii] = o.config.momentum*velocity[ii] + g
			values[ii] -= clipStep(lr*velocity[ii], o.config.clipStepByValue)
		}
	}, parameters, grads)
	return nil
}
