// File: internal/bus/dispatcher_test.go
package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hexforge/promptbridge/api/schemas"
	"github.com/hexforge/promptbridge/internal/correlation"
)

// fakeChannel records everything sent through it.
type fakeChannel struct {
	mu      sync.Mutex
	sent    []interface{}
	sendErr error
}

func (c *fakeChannel) Connect(context.Context, string) error { return nil }
func (c *fakeChannel) Disconnect()                           {}
func (c *fakeChannel) Connected() bool                       { return true }

func (c *fakeChannel) Send(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) sentMessages() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.sent...)
}

// fakeAudit records audit writes.
type fakeAudit struct {
	mu        sync.Mutex
	requests  []string
	responses []string
}

func (a *fakeAudit) RecordRequest(_ context.Context, correlationID, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, correlationID)
	return nil
}

func (a *fakeAudit) RecordResponse(_ context.Context, correlationID string, _ schemas.ResponseStatus, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses = append(a.responses, correlationID)
	return nil
}

// recordingHandler counts the envelopes it saw.
type recordingHandler struct {
	name    string
	mu      sync.Mutex
	handled []schemas.MessageType
	err     error
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(_ context.Context, env *schemas.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, env.Type)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeChannel, *correlation.Tracker, *fakeAudit) {
	t.Helper()
	ch := &fakeChannel{}
	tracker := correlation.New(zaptest.NewLogger(t), 0)
	audit := &fakeAudit{}
	d := NewDispatcher(zaptest.NewLogger(t), ch, tracker, audit)
	return d, ch, tracker, audit
}

func TestDispatchRoutesByExactType(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	h := &recordingHandler{name: "h"}
	d.Register(schemas.MsgPing, h)

	require.NoError(t, d.Dispatch(context.Background(), []byte(`{"type":"Ping"}`)))
	assert.Equal(t, 1, h.count())

	// Exact match only: differently cased type does not route.
	err := d.Dispatch(context.Background(), []byte(`{"type":"PING"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
	assert.Equal(t, 1, h.count())
}

func TestRegisterIsIdempotentUpsert(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	first := &recordingHandler{name: "first"}
	second := &recordingHandler{name: "second"}

	d.Register(schemas.MsgPing, first)
	d.Register(schemas.MsgPing, first) // re-register same handler
	d.Register(schemas.MsgPing, second)

	require.NoError(t, d.Dispatch(context.Background(), []byte(`{"type":"Ping"}`)))
	assert.Zero(t, first.count())
	assert.Equal(t, 1, second.count())
}

func TestRegisterWithAliases(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	h := &recordingHandler{name: "automation"}
	d.RegisterWithAliases(h, schemas.MsgAutomationRequest, schemas.MsgAutomationRequestLegacy)

	// Canonical and legacy spellings both reach the same handler.
	require.NoError(t, d.Dispatch(context.Background(), []byte(`{"type":"AutomationRequest","correlationId":"c-1"}`)))
	require.NoError(t, d.Dispatch(context.Background(), []byte(`{"type":"automationRequest","correlationId":"c-2"}`)))
	assert.Equal(t, 2, h.count())
}

func TestDispatchMalformedEnvelope(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	assert.Error(t, d.Dispatch(context.Background(), []byte(`{not json`)))
	assert.Error(t, d.Dispatch(context.Background(), []byte(`{"payload":{}}`)), "missing type")
}

func TestHandlerErrorAnswersCorrelatedEnvelope(t *testing.T) {
	d, ch, _, audit := newTestDispatcher(t)
	h := &recordingHandler{name: "failing", err: errors.New("nope")}
	d.Register(schemas.MsgAutomationRequest, h)

	err := d.Dispatch(context.Background(), []byte(`{"type":"AutomationRequest","correlationId":"c-9"}`))
	require.Error(t, err)

	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	resp, ok := sent[0].(schemas.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "c-9", resp.CorrelationID)
	assert.Equal(t, schemas.ResponseError, resp.Status)
	assert.Contains(t, resp.Error, "nope")
	assert.Equal(t, []string{"c-9"}, audit.responses)
}

func TestHandlerErrorWithoutCorrelationIsSilent(t *testing.T) {
	d, ch, _, _ := newTestDispatcher(t)
	h := &recordingHandler{name: "failing", err: errors.New("nope")}
	d.Register(schemas.MsgPing, h)

	require.Error(t, d.Dispatch(context.Background(), []byte(`{"type":"Ping"}`)))
	assert.Empty(t, ch.sentMessages())
}

func TestSendResponseIsExactlyOnce(t *testing.T) {
	d, ch, tracker, audit := newTestDispatcher(t)
	require.NoError(t, tracker.Track("c-1"))

	d.SendResponse(context.Background(), "c-1", schemas.InteractionResult{Text: "done"})
	d.SendResponse(context.Background(), "c-1", schemas.InteractionResult{Text: "again"})
	d.SendErrorResponse(context.Background(), "c-1", errors.New("late failure"))

	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	resp, ok := sent[0].(schemas.SuccessResponse)
	require.True(t, ok)
	assert.Equal(t, "c-1", resp.CorrelationID)
	assert.Equal(t, schemas.ResponseSuccess, resp.Status)
	assert.Equal(t, []string{"c-1"}, audit.responses)
}

func TestSendErrorResponseResolvesTracker(t *testing.T) {
	d, ch, tracker, _ := newTestDispatcher(t)
	require.NoError(t, tracker.Track("c-2"))

	d.SendErrorResponse(context.Background(), "c-2", errors.New("element not found"))
	d.SendResponse(context.Background(), "c-2", nil)

	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	resp, ok := sent[0].(schemas.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "c-2", resp.CorrelationID)
	assert.False(t, tracker.Pending("c-2"))
}

func TestUntrackedResponseSuppressed(t *testing.T) {
	d, ch, _, _ := newTestDispatcher(t)
	d.SendResponse(context.Background(), "ghost", nil)
	d.SendErrorResponse(context.Background(), "ghost", errors.New("x"))
	assert.Empty(t, ch.sentMessages())
}

func TestSendDirectErrorBypassesTracker(t *testing.T) {
	d, ch, _, _ := newTestDispatcher(t)
	d.SendDirectError(context.Background(), "c-expired", errors.New("request expired"))

	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	resp, ok := sent[0].(schemas.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "c-expired", resp.CorrelationID)
}

func TestErrorResponseTimestampsAreUTC(t *testing.T) {
	d, ch, tracker, _ := newTestDispatcher(t)
	require.NoError(t, tracker.Track("c-3"))
	d.SendErrorResponse(context.Background(), "c-3", errors.New("x"))

	resp := ch.sentMessages()[0].(schemas.ErrorResponse)
	assert.Equal(t, time.UTC, resp.Timestamp.Location())
}
