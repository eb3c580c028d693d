// File: internal/machine/tasks.go
package machine

import (
	"fmt"

	"go.uber.org/zap"
)

// The run* methods are the bodies of the scheduled per-state tasks. They
// execute PageAdapter work outside the machine lock and feed the result back
// through Dispatch; an adapter failure is translated into the owning state's
// failure event rather than surfacing as an error. A task that fires after
// its state has already been left dispatches an event no transition matches,
// which is a logged no-op.

func (m *Machine) inState(st State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == st
}

func (m *Machine) runLocate() {
	if !m.inState(StateLocatingElements) {
		return
	}
	ctx, cancel := m.opContext()
	defer cancel()

	if err := m.adapter.LocateElements(ctx); err != nil {
		m.Dispatch(EventElementsNotFound, fmt.Errorf("%w: %v", ErrElementsNotFound, err))
		return
	}
	m.Dispatch(EventElementsFound, nil)
}

func (m *Machine) runType() {
	if !m.inState(StateTypingPrompt) {
		return
	}
	m.mu.Lock()
	prompt := m.ictx.Prompt
	m.mu.Unlock()

	ctx, cancel := m.opContext()
	defer cancel()

	if err := m.adapter.TypePrompt(ctx, prompt); err != nil {
		m.Dispatch(EventTypingFailed, fmt.Errorf("%w: %v", ErrTypingFailed, err))
		return
	}
	m.Dispatch(EventPromptTyped, nil)
}

func (m *Machine) runSubmit() {
	if !m.inState(StateSubmitting) {
		return
	}
	ctx, cancel := m.opContext()
	defer cancel()

	// Snapshot the newest container before submitting so the response poll
	// has a baseline to compare against.
	baseline, err := m.adapter.LatestResponseContainer(ctx)
	if err != nil {
		m.logger.Debug("Could not read response baseline before submit.", zap.Error(err))
		baseline = ""
	}

	if err := m.adapter.Submit(ctx); err != nil {
		m.Dispatch(EventSubmissionFailed, fmt.Errorf("%w: %v", ErrSubmissionFailed, err))
		return
	}
	m.Dispatch(EventPromptSubmitted, baseline)
}

func (m *Machine) runPoll() {
	m.mu.Lock()
	if m.state != StateWaitingResponse {
		m.mu.Unlock()
		return
	}
	last := m.ictx.LastContainer
	m.mu.Unlock()

	ctx, cancel := m.opContext()
	id, err := m.adapter.LatestResponseContainer(ctx)
	cancel()

	if err != nil {
		m.logger.Debug("Response poll failed; will retry.", zap.Error(err))
	} else if id != "" && id != last {
		m.Dispatch(EventResponseDetected, id)
		return
	}

	// Still waiting: re-arm the poll unless the state moved on meanwhile.
	m.mu.Lock()
	if m.state == StateWaitingResponse {
		m.pollTask = m.sched.AfterFunc(m.cfg.PollInterval, m.runPoll)
	}
	m.mu.Unlock()
}

func (m *Machine) runProcess() {
	if !m.inState(StateProcessingResponse) {
		return
	}
	ctx, cancel := m.opContext()
	defer cancel()

	text, err := m.adapter.ExtractText(ctx)
	if err != nil {
		m.Dispatch(EventExtractionFailed, fmt.Errorf("%w: %v", ErrExtractionFailed, err))
		return
	}

	hasImage, err := m.adapter.HasImage(ctx)
	if err != nil {
		// Text alone is still a valid result; treat an image probe failure as
		// "no image" rather than failing the whole interaction.
		m.logger.Debug("Image probe failed; completing with text only.", zap.Error(err))
		hasImage = false
	}

	if hasImage {
		m.Dispatch(EventImageDetected, text)
		return
	}
	m.Dispatch(EventResponseComplete, resultPayload{text: text})
}

func (m *Machine) runExtractImage() {
	if !m.inState(StateExtractingImage) {
		return
	}
	m.mu.Lock()
	text := m.ictx.ResultText
	m.mu.Unlock()

	ctx, cancel := m.opContext()
	defer cancel()

	imageURL, err := m.adapter.ExtractImageURL(ctx)
	if err != nil {
		m.Dispatch(EventExtractionFailed, fmt.Errorf("%w: %v", ErrExtractionFailed, err))
		return
	}
	m.Dispatch(EventResponseComplete, resultPayload{text: text, imageURL: imageURL})
}
