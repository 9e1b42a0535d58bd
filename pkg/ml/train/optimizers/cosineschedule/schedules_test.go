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

package cosineschedule_test

import (
	"math"
	"testing"

	"github.com/gomlx/pruning/pkg/ml/train/optimizers/cosineschedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineAnnealingSchedule(t *testing.T) {
	const periodInSteps = 100
	const minLearningRate = 0.001
	const baseLearningRate = 1.0

	t.Run("periodSteps", func(t *testing.T) {
		schedule, err := cosineschedule.New(baseLearningRate).
			PeriodInSteps(periodInSteps).
			MinLearningRate(minLearningRate).
			Done()
		require.NoError(t, err)
		for ii := range 2 * periodInSteps {
			lr := schedule(int64(ii + 1))
			cycle := float64(ii%periodInSteps) / periodInSteps
			want := (math.Cos(cycle*math.Pi)+1)/2*(baseLearningRate-minLearningRate) + minLearningRate
			assert.InDeltaf(t, want, lr, 1e-9, "step %d", ii)
		}
		assert.InDelta(t, baseLearningRate, schedule(1), 1e-12)
		assert.InDelta(t, baseLearningRate, schedule(periodInSteps+1), 1e-12)
	})

	t.Run("warmUp", func(t *testing.T) {
		schedule, err := cosineschedule.New(baseLearningRate).WarmUpSteps(10).PeriodInSteps(0).Done()
		require.NoError(t, err)
		assert.InDelta(t, 0.1, schedule(1), 1e-12)
		assert.InDelta(t, 1.0, schedule(10), 1e-12)
		assert.InDelta(t, 1.0, schedule(500), 1e-12)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := cosineschedule.New(baseLearningRate).Done()
		require.Error(t, err)
		_, err = cosineschedule.New(0).PeriodInSteps(10).Done()
		require.Error(t, err)
		_, err = cosineschedule.New(0.1).PeriodInSteps(10).MinLearningRate(1).Done()
		require.Error(t, err)
	})
}
