// File: internal/correlation/tracker.go

// Package correlation tracks in-flight request correlation ids. The tracker,
// not message arrival order, is authoritative for matching a response to its
// originating request, and it bounds how long a caller can wait: an entry
// that is not resolved within the configured timeout is expired with a
// failure notification, exactly once.
package correlation

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexforge/promptbridge/internal/sched"
)

// ErrDuplicateCorrelation is returned when a correlation id is tracked while
// a live entry for the same id exists. The second request is rejected rather
// than silently overwriting the first.
var ErrDuplicateCorrelation = errors.New("correlation id already in flight")

// entry is the pending-request metadata held per correlation id.
type entry struct {
	requestedAt time.Time
	timeout     sched.Task
}

// Tracker maps correlation ids to pending-request metadata. At most one live
// entry exists per id; resolution removes the entry and stops its timer.
type Tracker struct {
	logger  *zap.Logger
	sched   sched.Scheduler
	timeout time.Duration

	// onExpire is invoked (outside the lock) when an entry times out before
	// being resolved.
	onExpire func(correlationID string)

	mu      sync.Mutex
	pending map[string]*entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithScheduler replaces the wall-clock scheduler, used by tests.
func WithScheduler(s sched.Scheduler) Option {
	return func(t *Tracker) { t.sched = s }
}

// WithExpireHandler sets the callback fired when a tracked id expires.
func WithExpireHandler(fn func(correlationID string)) Option {
	return func(t *Tracker) { t.onExpire = fn }
}

// New creates a Tracker. Entries unresolved after timeout expire with a
// failure notification; a non-positive timeout disables expiry.
func New(logger *zap.Logger, timeout time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		logger:  logger.Named("correlation"),
		sched:   sched.New(),
		timeout: timeout,
		pending: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track registers a correlation id as in flight. A live duplicate is
// rejected with ErrDuplicateCorrelation.
func (t *Tracker) Track(correlationID string) error {
	if correlationID == "" {
		return errors.New("correlation id must not be empty")
	}

	t.mu.Lock()
	if _, exists := t.pending[correlationID]; exists {
		t.mu.Unlock()
		return ErrDuplicateCorrelation
	}

	e := &entry{requestedAt: time.Now().UTC()}
	if t.timeout > 0 {
		e.timeout = t.sched.AfterFunc(t.timeout, func() { t.expire(correlationID) })
	}
	t.pending[correlationID] = e
	t.mu.Unlock()

	t.logger.Debug("Tracking correlation id.", zap.String("correlation_id", correlationID))
	return nil
}

// Resolve removes a pending entry and cancels its timeout. It reports whether
// the id was still pending, so callers can enforce exactly-one terminal
// response per request.
func (t *Tracker) Resolve(correlationID string) (time.Duration, bool) {
	t.mu.Lock()
	e, ok := t.pending[correlationID]
	if !ok {
		t.mu.Unlock()
		return 0, false
	}
	delete(t.pending, correlationID)
	t.mu.Unlock()

	if e.timeout != nil {
		e.timeout.Stop()
	}
	return time.Since(e.requestedAt), true
}

// Pending reports whether an id is currently tracked.
func (t *Tracker) Pending(correlationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[correlationID]
	return ok
}

// Len returns the number of in-flight entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// expire is the timeout-task body. Resolution and expiry race benignly: the
// first to delete the entry wins and the other is a no-op.
func (t *Tracker) expire(correlationID string) {
	t.mu.Lock()
	e, ok := t.pending[correlationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, correlationID)
	t.mu.Unlock()

	t.logger.Warn("Correlation id expired before resolution.",
		zap.String("correlation_id", correlationID),
		zap.Duration("waited", time.Since(e.requestedAt)))

	if t.onExpire != nil {
		t.onExpire(correlationID)
	}
}
