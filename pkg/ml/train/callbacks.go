package train

import (
	"fmt"
	"time"
)

// EveryNSteps registers an OnStep hook that calls fn once every n steps of the loop.
// The count is kept across runs of the loop, and the last step is not necessarily included.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	n = max(n, 1)
	count := 0
	loop.OnStep(fmt.Sprintf("EveryNSteps(%d): %s", n, name), priority, func(loop *Loop, loss float64) error {
		count++
		if count%n != 0 {
			return nil
		}
		return fn(loop, loss)
	})
}

// NTimesDuringLoop registers an OnStep hook that calls fn about n times per run, evenly spread, and
// always at the last step.
//
// If the number of steps is not known (EndStep < 0), it calls fn at exponentially spaced steps: 128, 256, 512...
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	calls, lastStart := 0, -1
	loop.OnStep(fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name), priority, func(loop *Loop, loss float64) error {
		if loop.StartStep != lastStart {
			calls, lastStart = 0, loop.StartStep
		}
		done := loop.LoopStep - loop.StartStep + 1
		switch {
		case loop.EndStep < 0:
			if done < 128<<calls {
				return nil
			}
		case loop.LoopStep < loop.EndStep-1:
			interval := float64(loop.EndStep-loop.StartStep) / float64(n)
			if interval > 1 && float64(calls) > float64(done)/interval {
				return nil
			}
		}
		calls++
		return fn(loop, loss)
	})
}

// PeriodicCallback registers an OnStep hook that calls fn at most once per period. The clock starts at
// the first step, and restarts after each call to fn, so the time spent in fn is not counted.
//
// If callOnEnd is set, fn is also called at the end of the loop.
func PeriodicCallback(loop *Loop, period time.Duration, callOnEnd bool, name string, priority Priority, fn OnStepFn) {
	var last time.Time
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, func(loop *Loop, loss float64) error {
		if last.IsZero() {
			last = time.Now()
			return nil
		}
		if time.Since(last) < period {
			return nil
		}
		err := fn(loop, loss)
		last = time.Now()
		return err
	})
	if callOnEnd {
		loop.OnEnd(fullName, priority, OnEndFn(fn))
	}
}
