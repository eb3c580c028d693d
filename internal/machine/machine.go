// File: internal/machine/machine.go

// Package machine implements the interaction lifecycle state machine. One
// machine drives at most one interaction at a time through a PageAdapter,
// sequencing element discovery, typing, submission, response detection and
// extraction, with bounded retry on transient failure.
//
// Mutation is single-threaded in the cooperative sense: every change happens
// under one lock, events raised while an event is being processed are queued
// and handled in the same run-to-completion pass, and all timer-driven work
// goes through cancellable scheduled tasks that are stopped whenever the
// state they belong to is left.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexforge/promptbridge/api/schemas"
	"github.com/hexforge/promptbridge/internal/config"
	"github.com/hexforge/promptbridge/internal/sched"
)

// adapterOpTimeout bounds every individual PageAdapter call.
const adapterOpTimeout = 15 * time.Second

// Outcome is the terminal result of one interaction: exactly one Outcome is
// emitted per started interaction, with either a result or an error.
type Outcome struct {
	CorrelationID string
	Result        schemas.InteractionResult
	Err           error
}

// transition is one row of the transition table. The first candidate whose
// guard passes fires; a failing guard is a silent no-op, not an error.
type transition struct {
	target State
	guard  func(m *Machine) bool
	action func(m *Machine, payload interface{})
}

type queuedEvent struct {
	event   Event
	payload interface{}
}

type startPayload struct {
	prompt        string
	correlationID string
}

type observerEntry struct {
	id int
	fn func(State)
}

// Machine is the interaction state machine. Construct with New; a Machine is
// safe for concurrent use.
type Machine struct {
	logger  *zap.Logger
	adapter schemas.PageAdapter
	sched   sched.Scheduler
	cfg     config.AutomationConfig

	// runCtx is the session-lifetime context for PageAdapter calls.
	runCtx context.Context

	mu          sync.Mutex
	state       State
	ictx        InteractionContext
	transitions map[State]map[Event][]transition

	// stateTask is the single-shot timer belonging to the current state;
	// pollTask is the response poll active only while waiting for a response.
	// Both are stopped on every state change.
	stateTask sched.Task
	pollTask  sched.Task

	// queue holds events raised mid-pass by transition actions; they are
	// drained within the same run-to-completion pass.
	queue []queuedEvent

	// Deferred work collected during a run-to-completion pass and delivered
	// after the lock is released.
	pendingNotifs   []State
	pendingOutcomes []Outcome
	pendingReset    bool

	observers  map[State][]observerEntry
	observerID int
	resultFn   func(Outcome)
}

// Option configures a Machine.
type Option func(*Machine)

// WithScheduler replaces the wall-clock scheduler, used by tests to drive
// timers deterministically.
func WithScheduler(s sched.Scheduler) Option {
	return func(m *Machine) { m.sched = s }
}

// WithResultHandler sets the callback receiving terminal outcomes.
func WithResultHandler(fn func(Outcome)) Option {
	return func(m *Machine) { m.resultFn = fn }
}

// New creates a Machine in the Idle state.
func New(runCtx context.Context, cfg config.AutomationConfig, adapter schemas.PageAdapter, logger *zap.Logger, opts ...Option) (*Machine, error) {
	if runCtx == nil {
		return nil, errors.New("run context cannot be nil")
	}
	if adapter == nil {
		return nil, errors.New("page adapter cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	m := &Machine{
		logger:    logger.Named("machine"),
		adapter:   adapter,
		sched:     sched.New(),
		cfg:       cfg,
		runCtx:    runCtx,
		state:     StateIdle,
		observers: make(map[State][]observerEntry),
	}
	m.ictx.CurrentState = StateIdle
	m.transitions = buildTransitionTable()

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SetResultHandler installs the terminal-outcome callback after construction.
func (m *Machine) SetResultHandler(fn func(Outcome)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resultFn = fn
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the live interaction context.
func (m *Machine) Context() InteractionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ictx.Snapshot()
}

// CanStart reports whether a new interaction may begin: the machine must be
// Idle or Ready with no interaction in flight.
func (m *Machine) CanStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (m.state == StateIdle || m.state == StateReady) && !m.ictx.Active
}

// StartInteraction begins driving one prompt through the page. It fails with
// ErrBusy unless the machine is Idle or Ready with nothing in flight.
func (m *Machine) StartInteraction(prompt, correlationID string) error {
	if prompt == "" {
		return errors.New("prompt must not be empty")
	}
	if correlationID == "" {
		return errors.New("correlation id must not be empty")
	}
	if !m.Dispatch(EventStartInteraction, startPayload{prompt: prompt, correlationID: correlationID}) {
		return ErrBusy
	}
	return nil
}

// Reset aborts any live interaction, cancels all scheduled tasks and returns
// the machine to Idle. An aborted interaction emits a failure outcome so its
// caller is not left waiting.
func (m *Machine) Reset() {
	m.Dispatch(EventReset, nil)
}

// OnStateEnter registers a callback fired every time the given state becomes
// current, in registration order. The returned function unsubscribes it.
// Observer panics are recovered and logged; they never abort a transition.
func (m *Machine) OnStateEnter(state State, fn func(State)) func() {
	m.mu.Lock()
	m.observerID++
	id := m.observerID
	m.observers[state] = append(m.observers[state], observerEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.observers[state]
		for i, e := range entries {
			if e.id == id {
				m.observers[state] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Dispatch routes an event through the transition table and reports whether a
// transition fired. The lock is held for the whole pass; events raised by
// transition actions land on the internal queue and are drained before it is
// released, while observers and the result handler run after, so callbacks
// may dispatch freely. Dispatch never panics on unknown events; they are
// logged no-ops.
func (m *Machine) Dispatch(event Event, payload interface{}) bool {
	m.mu.Lock()
	fired := m.fireLocked(event, payload)
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.fireLocked(next.event, next.payload)
	}

	notifs := m.pendingNotifs
	outcomes := m.pendingOutcomes
	resetAdapter := m.pendingReset
	m.pendingNotifs = nil
	m.pendingOutcomes = nil
	m.pendingReset = false
	resultFn := m.resultFn
	m.mu.Unlock()

	// Deferred side effects run outside the lock so observers and the result
	// handler may safely call back into the machine.
	if resetAdapter {
		m.adapter.Reset()
	}
	for _, out := range outcomes {
		if resultFn != nil {
			resultFn(out)
		}
	}
	for _, st := range notifs {
		m.notifyStateEnter(st)
	}
	return fired
}

// fireLocked performs one transition lookup. Callers hold m.mu.
func (m *Machine) fireLocked(event Event, payload interface{}) bool {
	candidates := m.transitions[m.state][event]
	if len(candidates) == 0 {
		m.logger.Debug("No transition for event in current state; ignoring.",
			zap.String("state", string(m.state)), zap.String("event", string(event)))
		return false
	}

	for _, tr := range candidates {
		if tr.guard != nil && !tr.guard(m) {
			continue
		}
		prev := m.state
		m.cancelTasksLocked()
		m.state = tr.target
		m.ictx.PreviousState = prev
		m.ictx.CurrentState = tr.target
		if tr.action != nil {
			tr.action(m, payload)
		}
		m.logger.Debug("Transition fired.",
			zap.String("from", string(prev)),
			zap.String("event", string(event)),
			zap.String("to", string(tr.target)))
		m.pendingNotifs = append(m.pendingNotifs, tr.target)
		m.enterStateLocked(tr.target)
		return true
	}

	m.logger.Debug("Transition guard rejected event; no-op.",
		zap.String("state", string(m.state)), zap.String("event", string(event)))
	return false
}

// cancelTasksLocked stops the timers tied to the state being left so a stale
// timer can never fire into a later state or a reused context.
func (m *Machine) cancelTasksLocked() {
	if m.stateTask != nil {
		m.stateTask.Stop()
		m.stateTask = nil
	}
	if m.pollTask != nil {
		m.pollTask.Stop()
		m.pollTask = nil
	}
}

// enterStateLocked schedules the work belonging to the newly entered state.
func (m *Machine) enterStateLocked(st State) {
	switch st {
	case StateLocatingElements:
		m.stateTask = m.sched.AfterFunc(m.cfg.LocateDelay, m.runLocate)

	case StateReady:
		if m.ictx.Active {
			m.queue = append(m.queue, queuedEvent{event: EventBeginTyping})
		}

	case StateTypingPrompt:
		m.stateTask = m.sched.AfterFunc(0, m.runType)

	case StateSubmitting:
		m.stateTask = m.sched.AfterFunc(m.cfg.SubmitDelay, m.runSubmit)

	case StateWaitingResponse:
		m.stateTask = m.sched.AfterFunc(m.cfg.ResponseTimeout, func() {
			m.Dispatch(EventResponseTimeout, nil)
		})
		m.pollTask = m.sched.AfterFunc(m.cfg.PollInterval, m.runPoll)

	case StateProcessingResponse:
		m.stateTask = m.sched.AfterFunc(0, m.runProcess)

	case StateExtractingImage:
		m.stateTask = m.sched.AfterFunc(0, m.runExtractImage)

	case StateError:
		if m.ictx.RetryCount >= m.cfg.MaxRetries {
			m.queue = append(m.queue, queuedEvent{event: EventRecoveryExhausted})
			return
		}
		m.stateTask = m.sched.AfterFunc(m.cfg.ErrorRetryDelay, func() {
			m.Dispatch(EventStartRecovery, nil)
		})

	case StateRecovering:
		m.stateTask = m.sched.AfterFunc(m.cfg.RecoveryDelay, func() {
			m.Dispatch(EventRetryInteraction, nil)
		})
	}
}

// notifyStateEnter runs observers for one state entry, outside the lock.
func (m *Machine) notifyStateEnter(st State) {
	m.mu.Lock()
	entries := make([]observerEntry, len(m.observers[st]))
	copy(entries, m.observers[st])
	m.mu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("State observer panicked; transition unaffected.",
						zap.String("state", string(st)), zap.Any("panic", r))
				}
			}()
			e.fn(st)
		}()
	}
}

// emitOutcomeLocked records a terminal outcome for delivery after the pass.
func (m *Machine) emitOutcomeLocked(out Outcome) {
	m.pendingOutcomes = append(m.pendingOutcomes, out)
}

// resetContextLocked clears the interaction context and flags the adapter for
// a handle reset; element references must never survive into a new context.
func (m *Machine) resetContextLocked() {
	m.ictx.reset()
	m.pendingReset = true
}

// opContext derives a bounded context for one PageAdapter call.
func (m *Machine) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.runCtx, adapterOpTimeout)
}

// exhaustedError wraps the last transient error into the permanent failure.
func exhaustedError(lastErr error) error {
	if lastErr == nil {
		return ErrRecoveryExhausted
	}
	return fmt.Errorf("%w: last error: %v", ErrRecoveryExhausted, lastErr)
}
