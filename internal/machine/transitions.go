// File: internal/machine/transitions.go
package machine

// buildTransitionTable constructs the per-state event table. Modelling the
// table as a map per state keeps lookup exact-match and lets tests enumerate
// coverage; guards never raise, they only decline.
func buildTransitionTable() map[State]map[Event][]transition {
	canStart := func(m *Machine) bool { return !m.ictx.Active }
	hasBudget := func(m *Machine) bool { return m.ictx.RetryCount < m.cfg.MaxRetries }

	start := transition{
		target: StateLocatingElements,
		guard:  canStart,
		action: func(m *Machine, payload interface{}) {
			p, ok := payload.(startPayload)
			if !ok {
				return
			}
			m.ictx.reset()
			m.ictx.Active = true
			m.ictx.Prompt = p.prompt
			m.ictx.CorrelationID = p.correlationID
		},
	}

	toError := func(err error) transition {
		return transition{
			target: StateError,
			action: func(m *Machine, payload interface{}) {
				if cause, ok := payload.(error); ok && cause != nil {
					m.ictx.LastError = cause
				} else {
					m.ictx.LastError = err
				}
			},
		}
	}

	complete := transition{
		target: StateReady,
		action: func(m *Machine, payload interface{}) {
			out := Outcome{CorrelationID: m.ictx.CorrelationID}
			if res, ok := payload.(resultPayload); ok {
				out.Result.Text = res.text
				out.Result.ImageURL = res.imageURL
			}
			m.emitOutcomeLocked(out)
			m.resetContextLocked()
		},
	}

	table := map[State]map[Event][]transition{
		StateIdle: {
			EventStartInteraction: {start},
		},
		StateReady: {
			EventStartInteraction: {start},
			EventBeginTyping: {{
				target: StateTypingPrompt,
				guard:  func(m *Machine) bool { return m.ictx.Active },
			}},
		},
		StateLocatingElements: {
			EventElementsFound:    {{target: StateReady}},
			EventElementsNotFound: {toError(ErrElementsNotFound)},
		},
		StateTypingPrompt: {
			EventPromptTyped:  {{target: StateSubmitting}},
			EventTypingFailed: {toError(ErrTypingFailed)},
		},
		StateSubmitting: {
			EventPromptSubmitted: {{
				target: StateWaitingResponse,
				action: func(m *Machine, payload interface{}) {
					// Baseline container recorded just before submission; the
					// wait poll fires on the first identity distinct from it.
					if id, ok := payload.(string); ok {
						m.ictx.LastContainer = id
					}
				},
			}},
			EventSubmissionFailed: {toError(ErrSubmissionFailed)},
		},
		StateWaitingResponse: {
			EventResponseDetected: {{
				target: StateProcessingResponse,
				action: func(m *Machine, payload interface{}) {
					if id, ok := payload.(string); ok {
						m.ictx.LastContainer = id
					}
				},
			}},
			EventResponseTimeout: {toError(ErrResponseTimeout)},
		},
		StateProcessingResponse: {
			EventImageDetected: {{
				target: StateExtractingImage,
				action: func(m *Machine, payload interface{}) {
					if text, ok := payload.(string); ok {
						m.ictx.ResultText = text
					}
				},
			}},
			EventResponseComplete: {complete},
			EventExtractionFailed: {toError(ErrExtractionFailed)},
		},
		StateExtractingImage: {
			EventResponseComplete: {complete},
			EventExtractionFailed: {toError(ErrExtractionFailed)},
		},
		StateError: {
			EventStartRecovery: {{
				target: StateRecovering,
				guard:  hasBudget,
				action: func(m *Machine, payload interface{}) {
					m.ictx.RetryCount++
				},
			}},
			EventRecoveryExhausted: {{
				target: StateIdle,
				action: func(m *Machine, payload interface{}) {
					m.emitOutcomeLocked(Outcome{
						CorrelationID: m.ictx.CorrelationID,
						Err:           exhaustedError(m.ictx.LastError),
					})
					m.resetContextLocked()
				},
			}},
		},
		StateRecovering: {
			// Recovery always restarts from element discovery with a fresh
			// lookup; prior element references are assumed invalid.
			EventRetryInteraction: {{
				target: StateLocatingElements,
				action: func(m *Machine, payload interface{}) {
					m.pendingReset = true
				},
			}},
		},
	}

	// Reset is honored from every state: cancel timers, abort any live
	// interaction, return to Idle.
	resetTr := transition{
		target: StateIdle,
		action: func(m *Machine, payload interface{}) {
			if m.ictx.Active {
				m.emitOutcomeLocked(Outcome{
					CorrelationID: m.ictx.CorrelationID,
					Err:           ErrInteractionAborted,
				})
			}
			m.resetContextLocked()
		},
	}
	for _, st := range AllStates {
		if table[st] == nil {
			table[st] = make(map[Event][]transition)
		}
		table[st][EventReset] = []transition{resetTr}
	}

	return table
}

type resultPayload struct {
	text     string
	imageURL string
}
