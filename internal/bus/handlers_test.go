// File: internal/bus/handlers_test.go
package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/hexforge/promptbridge/api/schemas"
	"github.com/hexforge/promptbridge/internal/correlation"
	"github.com/hexforge/promptbridge/internal/policy"
	"github.com/hexforge/promptbridge/internal/queue"
)

type fakeLocator struct {
	url string
	err error
}

func (l *fakeLocator) PageURL(context.Context) (string, error) { return l.url, l.err }

func newAutomationFixture(t *testing.T, hosts []string, limit rate.Limit, burst int) (*AutomationHandler, *queue.Queue, *correlation.Tracker, *fakeAudit) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	tracker := correlation.New(logger, 0)
	q := queue.NewQueue()
	audit := &fakeAudit{}
	h := NewAutomationHandler(logger, tracker, q,
		policy.NewAllowlist(hosts),
		rate.NewLimiter(limit, burst),
		&fakeLocator{url: "https://chat.example.com/c/1"},
		audit)
	return h, q, tracker, audit
}

func automationEnvelope(correlationID, text, targetURL string) *schemas.Envelope {
	payload := `{"text":"` + text + `"`
	if targetURL != "" {
		payload += `,"url":"` + targetURL + `"`
	}
	payload += `}`
	return &schemas.Envelope{
		Type:          schemas.MsgAutomationRequest,
		CorrelationID: correlationID,
		Payload:       []byte(payload),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

func TestAutomationAcceptEnqueuesAndTracks(t *testing.T) {
	h, q, tracker, audit := newAutomationFixture(t, []string{"chat.example.com"}, rate.Inf, 1)

	err := h.Handle(context.Background(), automationEnvelope("c-1", "hello", ""))
	require.NoError(t, err)

	assert.True(t, tracker.Pending("c-1"))
	assert.True(t, q.Has("c-1"))
	req, ok := q.NextPending()
	require.True(t, ok)
	assert.Equal(t, "hello", req.Prompt)
	assert.Equal(t, []string{"c-1"}, audit.requests)
}

func TestAutomationExplicitTargetChecked(t *testing.T) {
	h, q, _, _ := newAutomationFixture(t, []string{"chat.example.com"}, rate.Inf, 1)

	err := h.Handle(context.Background(), automationEnvelope("c-1", "hello", "https://evil.io/prompt"))
	assert.ErrorIs(t, err, policy.ErrDomainNotAllowed)
	assert.False(t, q.Has("c-1"))

	require.NoError(t, h.Handle(context.Background(),
		automationEnvelope("c-2", "hello", "https://chat.example.com/c/2")))
	assert.True(t, q.Has("c-2"))
}

func TestAutomationFallsBackToCurrentPage(t *testing.T) {
	// No explicit target: the current page URL decides.
	h, q, _, _ := newAutomationFixture(t, []string{"other.example.org"}, rate.Inf, 1)

	err := h.Handle(context.Background(), automationEnvelope("c-1", "hello", ""))
	assert.ErrorIs(t, err, policy.ErrDomainNotAllowed)
	assert.False(t, q.Has("c-1"))
}

func TestAutomationDuplicateCorrelationRejected(t *testing.T) {
	h, q, _, _ := newAutomationFixture(t, []string{"chat.example.com"}, rate.Inf, 2)

	require.NoError(t, h.Handle(context.Background(), automationEnvelope("c-1", "first", "")))
	err := h.Handle(context.Background(), automationEnvelope("c-1", "second", ""))
	assert.ErrorIs(t, err, correlation.ErrDuplicateCorrelation)

	// The original request is untouched.
	assert.Equal(t, 1, q.Len())
	req, ok := q.NextPending()
	require.True(t, ok)
	assert.Equal(t, "first", req.Prompt)
}

func TestAutomationRateLimited(t *testing.T) {
	h, q, _, _ := newAutomationFixture(t, []string{"chat.example.com"}, rate.Limit(0.001), 1)

	require.NoError(t, h.Handle(context.Background(), automationEnvelope("c-1", "one", "")))
	err := h.Handle(context.Background(), automationEnvelope("c-2", "two", ""))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.False(t, q.Has("c-2"))
}

func TestAutomationValidation(t *testing.T) {
	h, _, _, _ := newAutomationFixture(t, []string{"chat.example.com"}, rate.Inf, 1)

	assert.Error(t, h.Handle(context.Background(), automationEnvelope("", "hello", "")),
		"missing correlation id")
	assert.Error(t, h.Handle(context.Background(), automationEnvelope("c-1", "", "")),
		"empty prompt")
	assert.Error(t, h.Handle(context.Background(), &schemas.Envelope{
		Type:          schemas.MsgAutomationRequest,
		CorrelationID: "c-2",
		Payload:       []byte(`{broken`),
	}), "malformed payload")
}

func TestPingAnswersImmediately(t *testing.T) {
	ch := &fakeChannel{}
	h := NewPingHandler(zaptest.NewLogger(t), ch)

	env := &schemas.Envelope{
		Type:          schemas.MsgPing,
		CorrelationID: "ping-1",
		Payload:       []byte(`{"echo":"abc"}`),
	}
	require.NoError(t, h.Handle(context.Background(), env))

	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	resp, ok := sent[0].(schemas.SuccessResponse)
	require.True(t, ok)
	assert.Equal(t, "ping-1", resp.CorrelationID)
	assert.Equal(t, schemas.ResponseSuccess, resp.Status)
}

func TestPingScalarPayloadStillPongs(t *testing.T) {
	ch := &fakeChannel{}
	h := NewPingHandler(zaptest.NewLogger(t), ch)

	// The payload is an arbitrary JSON value, not necessarily an object.
	env := &schemas.Envelope{
		Type:          schemas.MsgPing,
		CorrelationID: "p1",
		Payload:       []byte(`"x"`),
	}
	require.NoError(t, h.Handle(context.Background(), env))

	sent := ch.sentMessages()
	require.Len(t, sent, 1)
	resp, ok := sent[0].(schemas.SuccessResponse)
	require.True(t, ok)
	assert.Equal(t, "p1", resp.CorrelationID)
	assert.Equal(t, schemas.ResponseSuccess, resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["pong"])
	raw, err := json.Marshal(data["echo"])
	require.NoError(t, err)
	assert.JSONEq(t, `"x"`, string(raw))
}

func TestPingWithoutPayload(t *testing.T) {
	ch := &fakeChannel{}
	h := NewPingHandler(zaptest.NewLogger(t), ch)
	require.NoError(t, h.Handle(context.Background(), &schemas.Envelope{Type: schemas.MsgPing}))
	assert.Len(t, ch.sentMessages(), 1)
}

func TestAckHandlerUpdatesConnState(t *testing.T) {
	state := NewConnState()
	h := NewAckHandler(zaptest.NewLogger(t), state)

	require.True(t, state.RegisteredAt().IsZero())

	require.NoError(t, h.Handle(context.Background(), &schemas.Envelope{Type: schemas.MsgRegistrationAck}))
	assert.False(t, state.RegisteredAt().IsZero())

	require.NoError(t, h.Handle(context.Background(), &schemas.Envelope{Type: schemas.MsgHeartbeatAckLegacy}))
	assert.False(t, state.LastHeartbeatAt().IsZero())

	assert.Error(t, h.Handle(context.Background(), &schemas.Envelope{Type: schemas.MsgPing}))
}
