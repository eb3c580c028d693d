// File: api/schemas/requests.go
package schemas

import "time"

// -- Automation Request Lifecycle --

// RequestStatus tracks the lifecycle of a queued automation request.
// A request is immutable once it reaches a terminal status.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusSucceeded  RequestStatus = "succeeded"
	StatusFailed     RequestStatus = "failed"
)

// Terminal reports whether the status will never change again.
func (s RequestStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// AutomationRequest is a single unit of work: one prompt to drive through the
// page, owned by the request queue until claimed by the feeder.
type AutomationRequest struct {
	CorrelationID string        `json:"correlationId"`
	Prompt        string        `json:"prompt"`
	TargetURL     string        `json:"targetUrl,omitempty"`
	EnqueuedAt    time.Time     `json:"enqueuedAt"`
	Status        RequestStatus `json:"status"`
}

// InteractionResult is the extracted outcome of one completed interaction.
type InteractionResult struct {
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl,omitempty"`
}
