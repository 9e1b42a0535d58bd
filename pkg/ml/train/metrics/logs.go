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

// Package metrics holds the training logs (loss and L0-norm curves) and their export as Prometheus
// collectors.
package metrics

import (
	"time"

	"github.com/gomlx/pruning/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RuntimeBatches is the number of batches the runtime is reported for.
const RuntimeBatches = 250

// Logs of a training run. They are saved along with the checkpoints, with the JSON keys below.
//
// Each curve has its values plus the step ("_X") and epoch ("_X_epoch") at which they were recorded.
type Logs struct {
	TrainLoss         []float64 `json:"train_loss"`
	TrainLossX        []int64   `json:"train_loss_X"`
	TrainLossXEpoch   []int     `json:"train_loss_X_epoch"`
	RuntimePerBatches []float64 `json:"runtime_per_250_batches"`
	L0Norm            []float64 `json:"l0_norm"`
	L0NormX           []int64   `json:"l0_norm_X"`
	L0NormXEpoch      []int     `json:"l0_norm_X_epoch"`
	Penalty           []float64 `json:"penalty,omitempty"`
}

// NewLogs returns empty logs.
func NewLogs() *Logs {
	return &Logs{}
}

// RecordLoss appends a train loss value.
func (l *Logs) RecordLoss(step int64, epoch int, loss float64) {
	l.TrainLoss = append(l.TrainLoss, loss)
	l.TrainLossX = append(l.TrainLossX, step)
	l.TrainLossXEpoch = append(l.TrainLossXEpoch, epoch)
}

// RecordL0Norm appends the number of non-zero weights, and the regularization penalty at that point.
func (l *Logs) RecordL0Norm(step int64, epoch int, l0Norm, penalty float64) {
	l.L0Norm = append(l.L0Norm, l0Norm)
	l.L0NormX = append(l.L0NormX, step)
	l.L0NormXEpoch = append(l.L0NormXEpoch, epoch)
	l.Penalty = append(l.Penalty, penalty)
}

// RecordRuntime appends the runtime, in seconds, of RuntimeBatches batches given the median step duration.
func (l *Logs) RecordRuntime(medianStep time.Duration) {
	l.RuntimePerBatches = append(l.RuntimePerBatches, (medianStep * RuntimeBatches).Seconds())
}

// Validate checks that the curves are consistent with their x-axes.
func (l *Logs) Validate() error {
	if len(l.TrainLoss) != len(l.TrainLossX) || len(l.TrainLoss) != len(l.TrainLossXEpoch) {
		return errors.Errorf("logs: train_loss has %d values, but %d steps and %d epochs",
			len(l.TrainLoss), len(l.TrainLossX), len(l.TrainLossXEpoch))
	}
	if len(l.L0Norm) != len(l.L0NormX) || len(l.L0Norm) != len(l.L0NormXEpoch) {
		return errors.Errorf("logs: l0_norm has %d values, but %d steps and %d epochs",
			len(l.L0Norm), len(l.L0NormX), len(l.L0NormXEpoch))
	}
	return nil
}

// Attach registers hooks in the loop that record into logs every n steps: the median of the losses seen
// since the last record, the L0 norm of the weights and the runtime. It also records at the end of the loop.
//
// If recorder is not nil, the values are also exported to it.
func Attach(loop *train.Loop, logs *Logs, recorder *Recorder, n int) {
	median := NewStreamingMedian()
	record := func(loop *train.Loop) error {
		loss, err := median.Median()
		if err != nil {
			// Nothing seen since the last record.
			return nil
		}
		median.Reset()
		step := loop.State.Step
		weights := loop.State.Weights()
		l0 := float64(weights.CountNonZero(0))
		penalty := loop.Trainer.LastPenalty()
		logs.RecordLoss(step, loop.Epoch, loss)
		logs.RecordL0Norm(step, loop.Epoch, l0, penalty)
		logs.RecordRuntime(loop.MedianTrainStepDuration())
		if recorder != nil {
			recorder.Observe(loss, penalty, l0, float64(weights.NumParameters()))
		}
		klog.V(1).Infof("step %d: loss=%g, l0_norm=%g, penalty=%g", step, loss, l0, penalty)
		return nil
	}
	loop.OnStep("metrics.Logs: loss", 0, func(loop *train.Loop, loss float64) error {
		median.Update(loss)
		if recorder != nil {
			recorder.steps.Inc()
		}
		return nil
	})
	train.EveryNSteps(loop, n, "metrics.Logs", 1, func(loop *train.Loop, _ float64) error {
		return record(loop)
	})
	loop.OnEnd("metrics.Logs", 1, func(loop *train.Loop, _ float64) error {
		return record(loop)
	})
}
