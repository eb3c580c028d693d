// File: internal/queue/queue.go

// Package queue holds automation requests awaiting execution. Requests are
// served strictly in arrival order; at most one request is marked processing
// at a time, and the feeder decides when the next one is handed to the
// interaction machine.
package queue

import (
	"sync"
	"time"

	"github.com/hexforge/promptbridge/api/schemas"
)

// Queue is an ordered, mutex-guarded request list.
type Queue struct {
	mu       sync.Mutex
	items    []*schemas.AutomationRequest
	onChange func()
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// SetChangeHandler registers a callback invoked (outside the lock) whenever
// a new request is enqueued. Removals do not fire it; the feeder owns the
// debounced re-feed after a request completes.
func (q *Queue) SetChangeHandler(fn func()) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// Enqueue appends a request in pending status.
func (q *Queue) Enqueue(correlationID, prompt, targetURL string) {
	q.mu.Lock()
	q.items = append(q.items, &schemas.AutomationRequest{
		CorrelationID: correlationID,
		Prompt:        prompt,
		TargetURL:     targetURL,
		EnqueuedAt:    time.Now().UTC(),
		Status:        schemas.StatusPending,
	})
	fn := q.onChange
	q.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// NextPending returns a copy of the oldest pending request, or false when
// none is waiting or another request is already processing.
func (q *Queue) NextPending() (schemas.AutomationRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.Status == schemas.StatusProcessing {
			return schemas.AutomationRequest{}, false
		}
		if it.Status == schemas.StatusPending {
			return *it, true
		}
	}
	return schemas.AutomationRequest{}, false
}

// Claim marks a pending request as processing. It fails if the request is
// gone, already claimed, or another request holds the processing slot.
func (q *Queue) Claim(correlationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	var target *schemas.AutomationRequest
	for _, it := range q.items {
		if it.Status == schemas.StatusProcessing {
			return false
		}
		if it.CorrelationID == correlationID {
			target = it
		}
	}
	if target == nil || target.Status != schemas.StatusPending {
		return false
	}
	target.Status = schemas.StatusProcessing
	return true
}

// Release returns a processing request to pending status, keeping its queue
// position.
func (q *Queue) Release(correlationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.CorrelationID == correlationID && it.Status == schemas.StatusProcessing {
			it.Status = schemas.StatusPending
			return
		}
	}
}

// Complete marks a request with its terminal status and drops it from the
// queue, returning the final immutable copy. Non-terminal statuses and
// unknown ids report false.
func (q *Queue) Complete(correlationID string, status schemas.RequestStatus) (schemas.AutomationRequest, bool) {
	if !status.Terminal() {
		return schemas.AutomationRequest{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.CorrelationID == correlationID {
			it.Status = status
			final := *it
			q.items = append(q.items[:i], q.items[i+1:]...)
			return final, true
		}
	}
	return schemas.AutomationRequest{}, false
}

// Remove deletes a request by correlation id, reporting whether it existed.
func (q *Queue) Remove(correlationID string) bool {
	q.mu.Lock()
	idx := -1
	for i, it := range q.items {
		if it.CorrelationID == correlationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.mu.Unlock()
	return true
}

// Has reports whether a request with the given id is queued.
func (q *Queue) Has(correlationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.CorrelationID == correlationID {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the queue contents in arrival order, for
// diagnostics and tests.
func (q *Queue) Snapshot() []schemas.AutomationRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]schemas.AutomationRequest, len(q.items))
	for i, it := range q.items {
		out[i] = *it
	}
	return out
}

// Len returns the number of queued requests, processing included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
