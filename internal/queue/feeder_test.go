// File: internal/queue/feeder_test.go
package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hexforge/promptbridge/api/schemas"
	"github.com/hexforge/promptbridge/internal/machine"
	"github.com/hexforge/promptbridge/internal/sched"
)

// fakeRunner is a scriptable machine stand-in. It accepts a start only when
// idle, like the real interaction machine. onStart, when set, runs once
// before the next start attempt is judged; rejectNext fails that many start
// attempts with ErrBusy.
type fakeRunner struct {
	mu         sync.Mutex
	busy       bool
	started    []string
	reject     bool
	rejectNext int
	onStart    func()
}

func (r *fakeRunner) CanStart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.busy
}

func (r *fakeRunner) StartInteraction(prompt, correlationID string) error {
	r.mu.Lock()
	hook := r.onStart
	r.onStart = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rejectNext > 0 {
		r.rejectNext--
		return machine.ErrBusy
	}
	if r.busy || r.reject {
		return machine.ErrBusy
	}
	r.busy = true
	r.started = append(r.started, correlationID)
	return nil
}

func (r *fakeRunner) finish() {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
}

func (r *fakeRunner) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func newTestFeeder(t *testing.T) (*Queue, *fakeRunner, *Feeder, *sched.Fake) {
	t.Helper()
	q := NewQueue()
	r := &fakeRunner{}
	clock := sched.NewFake()
	f := NewFeeder(zaptest.NewLogger(t), q, r, time.Second, WithScheduler(clock))
	return q, r, f, clock
}

func TestFeedOnEnqueueWhenReady(t *testing.T) {
	q, r, f, _ := newTestFeeder(t)
	f.SetReady(true)

	q.Enqueue("c-1", "prompt", "")
	assert.Equal(t, []string{"c-1"}, r.startedIDs())

	// A second request queues behind the busy machine.
	q.Enqueue("c-2", "prompt", "")
	assert.Equal(t, []string{"c-1"}, r.startedIDs())
	assert.Equal(t, 2, q.Len())
}

func TestNoFeedBeforeReady(t *testing.T) {
	q, r, f, _ := newTestFeeder(t)

	q.Enqueue("c-1", "prompt", "")
	assert.Empty(t, r.startedIDs())

	// Readiness arrival feeds the backlog.
	f.SetReady(true)
	assert.Equal(t, []string{"c-1"}, r.startedIDs())
}

func TestCompletedDebouncesNextFeed(t *testing.T) {
	q, r, f, clock := newTestFeeder(t)
	f.SetReady(true)

	q.Enqueue("c-1", "prompt", "")
	q.Enqueue("c-2", "prompt", "")
	require.Equal(t, []string{"c-1"}, r.startedIDs())

	r.finish()
	f.Completed("c-1", schemas.StatusSucceeded)

	// Nothing is fed until the settle window elapses.
	assert.Equal(t, []string{"c-1"}, r.startedIDs())
	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, []string{"c-1"}, r.startedIDs())

	clock.Advance(time.Millisecond)
	assert.Equal(t, []string{"c-1", "c-2"}, r.startedIDs())
	assert.Equal(t, 1, q.Len())
}

func TestBackToBackRequestsDrainWithSettleGaps(t *testing.T) {
	q, r, f, clock := newTestFeeder(t)
	f.SetReady(true)

	q.Enqueue("c-1", "prompt", "")
	q.Enqueue("c-2", "prompt", "")
	q.Enqueue("c-3", "prompt", "")
	require.Equal(t, []string{"c-1"}, r.startedIDs())

	r.finish()
	f.Completed("c-1", schemas.StatusSucceeded)
	clock.Advance(time.Second)
	require.Equal(t, []string{"c-1", "c-2"}, r.startedIDs())

	r.finish()
	f.Completed("c-2", schemas.StatusFailed)
	clock.Advance(time.Second)
	require.Equal(t, []string{"c-1", "c-2", "c-3"}, r.startedIDs())

	r.finish()
	f.Completed("c-3", schemas.StatusSucceeded)
	assert.Equal(t, 1, clock.PendingCount())
	clock.Advance(time.Second)
	assert.Zero(t, clock.PendingCount())
	assert.Zero(t, q.Len())
}

func TestSettleWindowSuppressesImmediateTrigger(t *testing.T) {
	q, r, f, clock := newTestFeeder(t)
	f.SetReady(true)

	q.Enqueue("c-1", "prompt", "")
	require.Equal(t, []string{"c-1"}, r.startedIDs())
	r.finish()
	f.Completed("c-1", schemas.StatusSucceeded)

	// Arrivals and explicit triggers inside the settle window start nothing,
	// even though the machine is already idle again.
	q.Enqueue("c-2", "prompt", "")
	f.Trigger()
	assert.Equal(t, []string{"c-1"}, r.startedIDs())

	clock.Advance(time.Second)
	assert.Equal(t, []string{"c-1", "c-2"}, r.startedIDs())
}

func TestTriggerDuringFeedPassIsNotLost(t *testing.T) {
	q, r, f, _ := newTestFeeder(t)
	f.SetReady(true)

	// A request arrives while a feed pass is mid-flight, so its trigger is
	// swallowed by that pass. The pass must re-scan before exiting or the
	// backlog sits unserved with the machine idle.
	r.mu.Lock()
	r.rejectNext = 1
	r.onStart = func() { q.Enqueue("c-2", "prompt", "") }
	r.mu.Unlock()

	q.Enqueue("c-1", "prompt", "")

	assert.Equal(t, []string{"c-1"}, r.startedIDs())
	assert.True(t, q.Has("c-2"))
}

func TestRejectedStartRequeues(t *testing.T) {
	q, r, f, _ := newTestFeeder(t)
	r.reject = true
	f.SetReady(true)

	q.Enqueue("c-1", "prompt", "")
	assert.Empty(t, r.startedIDs())

	// The request stays queued in pending state for the next trigger.
	req, ok := q.NextPending()
	require.True(t, ok)
	assert.Equal(t, "c-1", req.CorrelationID)

	r.mu.Lock()
	r.reject = false
	r.mu.Unlock()
	f.Trigger()
	assert.Equal(t, []string{"c-1"}, r.startedIDs())
}

func TestNotReadyStopsFeeding(t *testing.T) {
	q, r, f, clock := newTestFeeder(t)
	f.SetReady(true)
	q.Enqueue("c-1", "prompt", "")
	require.Equal(t, []string{"c-1"}, r.startedIDs())

	f.SetReady(false)
	r.finish()
	f.Completed("c-1", schemas.StatusSucceeded)
	q.Enqueue("c-2", "prompt", "")
	clock.Advance(time.Minute)

	assert.Equal(t, []string{"c-1"}, r.startedIDs())
}
