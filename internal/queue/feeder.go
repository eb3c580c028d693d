// File: internal/queue/feeder.go

package queue

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexforge/promptbridge/api/schemas"
	"github.com/hexforge/promptbridge/internal/sched"
)

// Runner is the slice of the interaction machine the feeder drives.
type Runner interface {
	CanStart() bool
	StartInteraction(prompt, correlationID string) error
}

// Feeder hands queued requests to the interaction machine, one at a time.
// Feeds are single-flight: however many triggers arrive while the machine is
// busy, at most one request is started per idle window. After a request
// completes, feeding pauses for the debounce window so the page can settle
// before the next request starts.
type Feeder struct {
	logger *zap.Logger
	queue  *Queue
	runner Runner
	sched  sched.Scheduler

	debounce time.Duration

	mu        sync.Mutex
	ready     bool
	feeding   bool
	retrigger bool
	settling  bool
	debounced sched.Task
}

// FeederOption configures a Feeder.
type FeederOption func(*Feeder)

// WithScheduler replaces the wall-clock scheduler, used by tests.
func WithScheduler(s sched.Scheduler) FeederOption {
	return func(f *Feeder) { f.sched = s }
}

// NewFeeder wires a feeder to its queue and runner. debounce is the delay
// between a request finishing and the next feed attempt.
func NewFeeder(logger *zap.Logger, q *Queue, r Runner, debounce time.Duration, opts ...FeederOption) *Feeder {
	f := &Feeder{
		logger:   logger.Named("feeder"),
		queue:    q,
		runner:   r,
		sched:    sched.New(),
		debounce: debounce,
	}
	for _, opt := range opts {
		opt(f)
	}
	q.SetChangeHandler(f.Trigger)
	return f
}

// SetReady gates feeding on page readiness. Becoming ready triggers an
// immediate feed attempt.
func (f *Feeder) SetReady(ready bool) {
	f.mu.Lock()
	f.ready = ready
	f.mu.Unlock()
	if ready {
		f.Trigger()
	}
}

// Trigger attempts to start the next pending request. Safe to call from any
// goroutine and any number of times; redundant triggers are cheap no-ops. A
// trigger arriving while a feed pass is already in flight is remembered and
// consumed by that pass before it exits, so an enqueue racing the pass can
// never be lost. Triggers are suppressed while the post-completion settle
// window is open; the settle task re-triggers when it closes.
func (f *Feeder) Trigger() {
	f.mu.Lock()
	if !f.ready || f.settling {
		f.mu.Unlock()
		return
	}
	if f.feeding {
		f.retrigger = true
		f.mu.Unlock()
		return
	}
	f.feeding = true
	f.mu.Unlock()

	for {
		f.feedOnce()

		f.mu.Lock()
		again := f.retrigger && f.ready && !f.settling
		f.retrigger = false
		if !again {
			f.feeding = false
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
	}
}

// feedOnce makes one attempt at starting the oldest pending request.
func (f *Feeder) feedOnce() {
	req, ok := f.queue.NextPending()
	if !ok {
		return
	}
	if !f.runner.CanStart() {
		return
	}
	if !f.queue.Claim(req.CorrelationID) {
		return
	}

	if err := f.runner.StartInteraction(req.Prompt, req.CorrelationID); err != nil {
		// The machine turned busy between CanStart and the start call.
		// Leave the request queued for the next trigger.
		f.logger.Debug("Feed attempt rejected, requeueing.",
			zap.String("correlation_id", req.CorrelationID),
			zap.Error(err))
		f.queue.Release(req.CorrelationID)
		return
	}

	f.logger.Info("Fed request to interaction machine.",
		zap.String("correlation_id", req.CorrelationID),
		zap.Int("queued", f.queue.Len()))
}

// Completed marks a finished request with its terminal status, drops it from
// the queue and opens the settle window. No request is fed until the window
// closes, whatever triggers arrive in the meantime.
func (f *Feeder) Completed(correlationID string, status schemas.RequestStatus) {
	// The window opens before the finished request leaves the queue, so a
	// concurrent feed pass cannot slip in between the two steps. The timer is
	// armed only once the queue is settled.
	f.mu.Lock()
	if f.debounced != nil {
		f.debounced.Stop()
	}
	f.settling = true
	f.mu.Unlock()

	if final, ok := f.queue.Complete(correlationID, status); ok {
		f.logger.Debug("Request reached terminal status.",
			zap.String("correlation_id", final.CorrelationID),
			zap.String("status", string(final.Status)))
	}

	f.mu.Lock()
	f.debounced = f.sched.AfterFunc(f.debounce, f.settle)
	f.mu.Unlock()
}

// settle closes the post-completion window and feeds the next request.
func (f *Feeder) settle() {
	f.mu.Lock()
	f.settling = false
	f.mu.Unlock()
	f.Trigger()
}
