// File: internal/machine/errors.go
package machine

import "errors"

// Interaction failure taxonomy. Transient failures feed the recovery loop;
// ErrRecoveryExhausted and ErrInteractionAborted are permanent and surface as
// a failed request.
var (
	// ErrBusy is returned by StartInteraction while an interaction is already
	// in flight. The feeder treats it as "try again on the next trigger".
	ErrBusy = errors.New("an interaction is already in flight")

	// ErrElementsNotFound indicates the page adapter could not locate the
	// prompt input or submit control.
	ErrElementsNotFound = errors.New("page elements not found")

	// ErrTypingFailed indicates the prompt text could not be written.
	ErrTypingFailed = errors.New("typing prompt failed")

	// ErrSubmissionFailed indicates the submit control could not be activated.
	ErrSubmissionFailed = errors.New("prompt submission failed")

	// ErrResponseTimeout indicates no new response container appeared within
	// the response wait budget.
	ErrResponseTimeout = errors.New("timed out waiting for a response")

	// ErrExtractionFailed indicates the response content could not be read.
	ErrExtractionFailed = errors.New("response extraction failed")

	// ErrRecoveryExhausted is the permanent failure reported after the retry
	// budget is spent.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

	// ErrInteractionAborted is the permanent failure reported when a reset
	// (manual or page-closed) interrupts a live interaction.
	ErrInteractionAborted = errors.New("interaction aborted by reset")
)
