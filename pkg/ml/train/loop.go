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

package train

import (
	"io"
	"slices"
	"time"

	"github.com/gomlx/pruning/pkg/ml/trainstate"
	"github.com/pkg/errors"
)

// Priority of a hook: lower values run first, and hooks with the same priority run in the order
// they were registered. Negative values are ok.
type Priority int

// OnStartFn is called once at the start of RunSteps or RunEpochs.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is called after each training step with the model loss of the batch.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn is called once after the last training step with the loss of the last batch.
type OnEndFn func(loop *Loop, loss float64) error

// Loop drives Trainer.TrainStep over a Dataset and calls the registered hooks:
// checkpointing, progress bars, metrics and logs are all attached as hooks.
//
// The public fields are for reading only.
type Loop struct {
	Trainer *Trainer
	State   *trainstate.State

	// LoopStep is the step being executed. It starts at State.Step.
	LoopStep int

	// StartStep and EndStep delimit the current run: EndStep is one past the last step, or -1 if
	// not known yet (during the first epoch of RunEpochs).
	StartStep, EndStep int

	// Epoch being run by RunEpochs, starting from 0.
	Epoch int

	// TrainStepDurations of the current run.
	TrainStepDurations []time.Duration

	onStart hooks[OnStartFn]
	onStep  hooks[OnStepFn]
	onEnd   hooks[OnEndFn]
}

// NewLoop creates a training loop for the trainer and state.
func NewLoop(trainer *Trainer, state *trainstate.State) *Loop {
	return &Loop{
		Trainer:  trainer,
		State:    state,
		LoopStep: int(state.Step),
	}
}

// OnStart registers a hook called at the start of each run. The name is used in error messages.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.add(name, priority, fn)
}

// OnStep registers a hook called after each Trainer.TrainStep.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.add(name, priority, fn)
}

// OnEnd registers a hook called after the last step of each run.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.add(name, priority, fn)
}

func (loop *Loop) start(ds Dataset) error {
	for _, h := range loop.onStart {
		if err := h.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStart(%q)", h.name)
		}
	}
	return nil
}

// step trains one batch. A non-finite loss interrupts training, after the OnStep hooks had a chance
// to see it.
func (loop *Loop) step(ds Dataset) (float64, error) {
	inputs, labels, err := ds.Yield()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	loss, err := loop.Trainer.TrainStep(loop.State, inputs, labels)
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(start))
	if err != nil {
		return 0, err
	}
	for _, h := range loop.onStep {
		if err = h.fn(loop, loss); err != nil {
			return 0, errors.WithMessagef(err, "train.Loop.OnStep(%q)", h.name)
		}
	}
	if !IsFinite(loss) {
		return 0, errors.Errorf("batch loss is %g at step %d, training interrupted", loss, loop.LoopStep)
	}
	return loss, nil
}

func (loop *Loop) end(loss float64) error {
	for _, h := range loop.onEnd {
		if err := h.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "train.Loop.OnEnd(%q)", h.name)
		}
	}
	return nil
}

// RunSteps trains for the given number of steps, starting from the current LoopStep, so consecutive
// calls continue where the previous one stopped. The dataset must not end before that.
//
// It returns the loss of the last step.
func (loop *Loop) RunSteps(ds Dataset, steps int) (loss float64, err error) {
	if steps <= 0 {
		return 0, nil
	}
	loop.StartStep, loop.EndStep = loop.LoopStep, loop.LoopStep+steps
	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	if err = loop.start(ds); err != nil {
		return 0, err
	}
	for ; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		loss, err = loop.step(ds)
		if errors.Is(err, io.EOF) {
			return 0, errors.Errorf("train.Loop.RunSteps(%d): dataset ended after %d steps, use an infinite "+
				"dataset or RunEpochs", steps, loop.LoopStep-loop.StartStep)
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "train.Loop.RunSteps(%d) at step %d", steps, loop.LoopStep)
		}
	}
	if err = loop.end(loss); err != nil {
		return 0, err
	}
	return loss, nil
}

// RunEpochs trains over the dataset the given number of times, calling Dataset.Reset after each epoch.
// EndStep is -1 during the first epoch and is extrapolated from its length afterward.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (loss float64, err error) {
	loop.StartStep, loop.EndStep = loop.LoopStep, -1
	loop.TrainStepDurations = nil
	if err = loop.start(ds); err != nil {
		return 0, err
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		epochStart := loop.LoopStep
		for {
			stepLoss, err := loop.step(ds)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return 0, errors.WithMessagef(err, "train.Loop.RunEpochs(%d) in epoch %d at step %d",
					epochs, loop.Epoch, loop.LoopStep)
			}
			loss = stepLoss
			loop.LoopStep++
		}
		loop.EndStep = loop.LoopStep + (loop.LoopStep-epochStart)*(epochs-loop.Epoch-1)
		ds.Reset()
	}
	if err = loop.end(loss); err != nil {
		return 0, err
	}
	return loss, nil
}

// MedianTrainStepDuration of the current run, or 1 millisecond if no step was run yet.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	durations := slices.Sorted(slices.Values(loop.TrainStepDurations))
	return durations[len(durations)/2]
}

type hook[F any] struct {
	name     string
	priority Priority
	fn       F
}

// hooks is kept sorted by priority.
type hooks[F any] []hook[F]

func (hs *hooks[F]) add(name string, priority Priority, fn F) {
	pos, _ := slices.BinarySearchFunc(*hs, priority+1, func(h hook[F], target Priority) int {
		if h.priority < target {
			return -1
		}
		return 1
	})
	*hs = slices.Insert(*hs, pos, hook[F]{name: name, priority: priority, fn: fn})
}
