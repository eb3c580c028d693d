// File: internal/sched/fake.go
package sched

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Scheduler driven by a manually advanced clock. Callbacks fire
// synchronously inside Advance, in due-time order, which makes timer-driven
// transitions deterministic in tests.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*fakeTask
}

type fakeTask struct {
	owner   *Fake
	due     time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTask) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// NewFake returns a Fake scheduler starting at an arbitrary fixed instant.
func NewFake() *Fake {
	return &Fake{now: time.Unix(1700000000, 0)}
}

// Now returns the fake clock's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers a callback due after d on the fake clock.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTask{owner: f, due: f.now.Add(d), seq: f.seq, fn: fn}
	f.tasks = append(f.tasks, t)
	return t
}

// PendingCount returns the number of tasks that are scheduled and not yet
// fired or stopped.
func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tasks {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d and runs every due callback in order.
// Callbacks may schedule further tasks; those are honored within the same
// Advance when they fall inside the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		t := f.nextDue(target)
		if t == nil {
			break
		}
		f.mu.Lock()
		if t.due.After(f.now) {
			f.now = t.due
		}
		t.fired = true
		f.mu.Unlock()
		t.fn()
	}

	f.mu.Lock()
	f.now = target
	f.compact()
	f.mu.Unlock()
}

// nextDue picks the earliest live task due at or before target.
func (f *Fake) nextDue(target time.Time) *fakeTask {
	f.mu.Lock()
	defer f.mu.Unlock()

	live := make([]*fakeTask, 0, len(f.tasks))
	for _, t := range f.tasks {
		if !t.fired && !t.stopped && !t.due.After(target) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].due.Equal(live[j].due) {
			return live[i].seq < live[j].seq
		}
		return live[i].due.Before(live[j].due)
	})
	return live[0]
}

// compact drops finished tasks so long-running tests do not accumulate them.
func (f *Fake) compact() {
	kept := f.tasks[:0]
	for _, t := range f.tasks {
		if !t.fired && !t.stopped {
			kept = append(kept, t)
		}
	}
	f.tasks = kept
}
