// File: internal/sched/sched.go

// Package sched provides a minimal cancellable-timer abstraction so that
// components driven by single-shot timers can be tested against a manually
// advanced clock instead of the wall clock.
package sched

import "time"

// Task is a handle to a scheduled callback. Stop reports whether the call was
// prevented from running; stopping an already-fired or already-stopped task is
// a safe no-op.
type Task interface {
	Stop() bool
}

// Scheduler schedules a callback to run once after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Task
}

// realScheduler delegates to the runtime timer.
type realScheduler struct{}

type realTask struct {
	t *time.Timer
}

func (t *realTask) Stop() bool { return t.t.Stop() }

// New returns a Scheduler backed by time.AfterFunc.
func New() Scheduler {
	return realScheduler{}
}

func (realScheduler) AfterFunc(d time.Duration, f func()) Task {
	return &realTask{t: time.AfterFunc(d, f)}
}
