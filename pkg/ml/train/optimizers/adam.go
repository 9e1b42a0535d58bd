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

package optimizers

import (
	"math"

	"github.com/gomlx/pruning/pkg/core/tensors"
	"github.com/gomlx/pruning/pkg/ml/params"
)

// AdamDefaultLearningRate is used by Adam if no learning rate is set.
const AdamDefaultLearningRate = 0.001

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an optimizers.Interface that can be used with the `train.Trainer` or directly in a custom
// optimization loop.
//
// Moments are kept per parameter tensor: when the pruning auxiliary state is trained, the shadow weights, keep
// probabilities and noise each get their own moments.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// RMSProp is an optimizer that divides the learning rate for a weight by a running average
// of the recent gradients magnitudes (L2) for that weight.
//
// It uses Adam to implement it -- it's somewhat equivalent to an Adam without the 1st moment
// of the gradients.
func RMSProp() *AdamConfig {
	c := Adam()
	c.rmsProp = true
	return c
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizers.Interface.
type AdamConfig struct {
	learningRate    float64
	schedule        Schedule
	beta1, beta2    float64
	epsilon         float64
	adamax          bool    // Works as Adamax.
	weightDecay     float64 // Works as AdamW.
	rmsProp         bool    // Works as RMSProp.
	backoffSteps    int
	clipStepByValue float64
}

// LearningRate sets the base learning rate. Values <= 0 select AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Schedule sets a learning rate schedule, which replaces the fixed learning rate.
func (c *AdamConfig) Schedule(schedule Schedule) *AdamConfig {
	c.schedule = schedule
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
//
// The first is for the gradient momentum (the numerator of the step taken), and the second
// is for the variance of the gradients (denominator).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use an L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
// This is because L2 regularization doesn't work well with Adam.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// WithBackoffSteps prevents any gradient steps to be taken, until numSteps steps have been taken
// to allow for a better estimate of the gradient momentums (numerator) and variance of gradients (denominator)
// before the optimization start.
//
// If set to <= 0, no backoff is configured.
func (c *AdamConfig) WithBackoffSteps(numSteps int) *AdamConfig {
	c.backoffSteps = numSteps
	return c
}

// ClipStepByValue clips each value of the step taken, after being scaled by the learning rate, to
// [-clip, +clip]. 0 disables it (the default).
func (c *AdamConfig) ClipStepByValue(clip float64) *AdamConfig {
	c.clipStepByValue = clip
	return c
}

// Done will finish the configuration and construct an optimizers.Interface implementing Adam.
func (c *AdamConfig) Done() Interface {
	config := *c
	if config.learningRate <= 0 {
		config.learningRate = AdamDefaultLearningRate
	}
	return &adam{config: config, moments: make(map[*tensors.Tensor]*adamMoments)}
}

// adamMoments of one parameter tensor.
type adamMoments struct {
	moment1, moment2 []float64
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	config  AdamConfig
	step    int64
	moments map[*tensors.Tensor]*adamMoments
}

func (o *adam) Name() string {
	switch {
	case o.config.rmsProp:
		return "rmsprop"
	case o.config.adamax:
		return "adamax"
	case o.config.weightDecay > 0:
		return "adamw"
	}
	return "adam"
}

// Reset implements Interface.
func (o *adam) Reset() {
	o.step = 0
	clear(o.moments)
}

// getMoments returns the moments corresponding to the parameter given, creating them (zero initialized) if needed.
func (o *adam) getMoments(parameter *tensors.Tensor) *adamMoments {
	m, found := o.moments[parameter]
	if !found {
		m = &adamMoments{moment2: make([]float64, parameter.Size())}
		if !o.config.rmsProp {
			m.moment1 = make([]float64, parameter.Size())
		}
		o.moments[parameter] = m
	}
	return m
}

// Apply implements Interface.
func (o *adam) Apply(parameters, grads *params.Tree) error {
	if err := checkGradients(o.Name(), parameters, grads); err != nil {
		return err
	}
	o.step++
	learningRate := o.config.learningRate
	if o.config.schedule != nil {
		learningRate = o.config.schedule(o.step)
	}
	if o.config.backoffSteps > 0 && o.step <= int64(o.config.backoffSteps) {
		// Only update the moments.
		learningRate = 0
	}
	debiasTermBeta1 := 1 / (1 - math.Pow(o.config.beta1, float64(o.step)))
	debiasTermBeta2 := 1 / (1 - math.Pow(o.config.beta2, float64(o.step)))
	params.Walk(func(_ string, leaves []*tensors.Tensor) {
		o.applyAdam(leaves[0], leaves[1], learningRate, debiasTermBeta1, debiasTermBeta2)
	}, parameters, grads)
	return nil
}

// applyAdam updates the parameter and its 1st and 2nd order moments.
// If `Adamax` is set, we use instead moment2 to store the L-infinity (the max) of the gradient.
func (o *adam) applyAdam(parameter, grad *tensors.Tensor, learningRate, debiasTermBeta1, debiasTermBeta2 float64) {
	c := &o.config
	m := o.getMoments(parameter)
	values, gradValues := parameter.Data(), grad.Data()
	for ii, g := range gradValues {
		// The momentum is disabled (we simply take the gradient) if rmsProp is set.
		debiasedMoment1 := g
		if !c.rmsProp {
			m.moment1[ii] = c.beta1*m.moment1[ii] + (1-c.beta1)*g
			debiasedMoment1 = m.moment1[ii] * debiasTermBeta1
		}

		var denominator float64
		if c.adamax {
			m.moment2[ii] = max(c.beta2*m.moment2[ii], math.Abs(g))
			denominator = m.moment2[ii] + c.epsilon
		} else {
			m.moment2[ii] = c.beta2*m.moment2[ii] + (1-c.beta2)*g*g
			denominator = math.Sqrt(m.moment2[ii]*debiasTermBeta2) + c.epsilon
		}

		stepDirection := learningRate * debiasedMoment1 / denominator

		// Weight decay: also scaled by the learning rate.
		if c.weightDecay > 0 {
			stepDirection += learningRate * c.weightDecay * values[ii]
		}
		values[ii] -= clipStep(stepDirection, c.clipStepByValue)
	}
}
