// File: internal/machine/context.go
package machine

// InteractionContext is the live working state of the single in-flight
// interaction. It is owned exclusively by the machine; callers only ever see
// copies via Machine.Context. The context is reset when the machine returns to Ready
// after completion, on reset, and when recovery is exhausted; a later request
// must never observe leftovers from a previous one.
type InteractionContext struct {
	Active        bool
	CorrelationID string
	Prompt        string

	CurrentState  State
	PreviousState State

	// LastContainer is the response-container identity recorded just before
	// submission; the wait poll fires on the first distinct identity.
	LastContainer string

	RetryCount int
	LastError  error

	// Extracted response metadata.
	ResultText     string
	ResultImageURL string
}

// reset clears everything back to the pristine idle shape. The retry counter
// is zeroed so a new request never inherits a spent budget.
func (c *InteractionContext) reset() {
	*c = InteractionContext{
		CurrentState:  c.CurrentState,
		PreviousState: c.PreviousState,
	}
}

// Snapshot is a copy of the context safe to hand outside the machine's lock.
func (c *InteractionContext) Snapshot() InteractionContext {
	return *c
}
