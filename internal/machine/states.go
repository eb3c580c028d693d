// File: internal/machine/states.go
package machine

// State is one of the ten lifecycle states of an interaction. Idle is the
// initial state; there is no terminal state. Error recovers back to Idle via
// reset or the automatic recovery loop.
type State string

const (
	StateIdle               State = "IDLE"
	StateLocatingElements   State = "LOCATING_ELEMENTS"
	StateReady              State = "READY"
	StateTypingPrompt       State = "TYPING_PROMPT"
	StateSubmitting         State = "SUBMITTING"
	StateWaitingResponse    State = "WAITING_RESPONSE"
	StateProcessingResponse State = "PROCESSING_RESPONSE"
	StateExtractingImage    State = "EXTRACTING_IMAGE"
	StateError              State = "ERROR"
	StateRecovering         State = "RECOVERING"
)

// AllStates lists every defined state, used to build the per-state reset
// transitions and by invariant checks in tests.
var AllStates = []State{
	StateIdle,
	StateLocatingElements,
	StateReady,
	StateTypingPrompt,
	StateSubmitting,
	StateWaitingResponse,
	StateProcessingResponse,
	StateExtractingImage,
	StateError,
	StateRecovering,
}

// Event triggers a transition lookup against the current state.
type Event string

const (
	EventStartInteraction  Event = "START_INTERACTION"
	EventElementsFound     Event = "ELEMENTS_FOUND"
	EventElementsNotFound  Event = "ELEMENTS_NOT_FOUND"
	EventBeginTyping       Event = "BEGIN_TYPING"
	EventPromptTyped       Event = "PROMPT_TYPED"
	EventTypingFailed      Event = "TYPING_FAILED"
	EventPromptSubmitted   Event = "PROMPT_SUBMITTED"
	EventSubmissionFailed  Event = "SUBMISSION_FAILED"
	EventResponseDetected  Event = "RESPONSE_DETECTED"
	EventResponseTimeout   Event = "RESPONSE_TIMEOUT"
	EventImageDetected     Event = "IMAGE_DETECTED"
	EventResponseComplete  Event = "RESPONSE_COMPLETE"
	EventExtractionFailed  Event = "EXTRACTION_FAILED"
	EventStartRecovery     Event = "START_RECOVERY"
	EventRetryInteraction  Event = "RETRY_INTERACTION"
	EventRecoveryExhausted Event = "RECOVERY_EXHAUSTED"
	EventReset             Event = "RESET"
)
