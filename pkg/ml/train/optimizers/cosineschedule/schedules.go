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

// Package cosineschedule implements a cosine annealing schedule for the learning rate: within each
// period it decays from the learning rate to the minimum learning rate following half a cosine cycle,
// and then restarts.
package cosineschedule

import (
	"math"

	"github.com/gomlx/pruning/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Config of a cosine schedule, created with New and finalized with Done.
type Config struct {
	learningRate, minLearningRate float64
	period, warmUp                int
}

// New starts the configuration of a cosine schedule for the given peak learning rate.
// PeriodInSteps is required.
//
// A single decay over the whole training, with 100 warm-up steps:
//
//	schedule, err := cosineschedule.New(0.01).WarmUpSteps(100).PeriodInSteps(numSteps).Done()
//	opt := optimizers.Adam().Schedule(schedule).Done()
func New(learningRate float64) *Config {
	return &Config{learningRate: learningRate, period: -1}
}

// PeriodInSteps sets the length of one cosine cycle. 0 keeps the learning rate constant after the warm-up.
func (c *Config) PeriodInSteps(steps int) *Config {
	c.period = steps
	return c
}

// MinLearningRate reached at the end of each cycle. Default is 0.
func (c *Config) MinLearningRate(lr float64) *Config {
	c.minLearningRate = lr
	return c
}

// WarmUpSteps during which the learning rate grows linearly up to the peak, before the cycles start.
func (c *Config) WarmUpSteps(steps int) *Config {
	c.warmUp = steps
	return c
}

// Done validates the configuration and returns the schedule.
func (c *Config) Done() (optimizers.Schedule, error) {
	switch {
	case c.learningRate <= 0:
		return nil, errors.Errorf("cosineschedule: learning rate must be > 0, got %g", c.learningRate)
	case c.period < 0:
		return nil, errors.New("cosineschedule: PeriodInSteps must be set")
	case c.minLearningRate < 0 || c.minLearningRate > c.learningRate:
		return nil, errors.Errorf("cosineschedule: invalid min learning rate %g for learning rate %g",
			c.minLearningRate, c.learningRate)
	}
	peak, low := c.learningRate, c.minLearningRate
	period, warmUp := int64(c.period), int64(c.warmUp)
	return func(step int64) float64 {
		// Steps are counted from 1.
		pos := step - 1
		if pos < warmUp {
			return peak * float64(pos+1) / float64(warmUp)
		}
		if period == 0 {
			return peak
		}
		frac := float64((pos-warmUp)%period) / float64(period)
		return low + (peak-low)*(1+math.Cos(math.Pi*frac))/2
	}, nil
}
