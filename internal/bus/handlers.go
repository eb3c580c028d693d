// File: internal/bus/handlers.go

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hexforge/promptbridge/api/schemas"
	"github.com/hexforge/promptbridge/internal/policy"
	"github.com/hexforge/promptbridge/internal/queue"
)

// ErrRateLimited marks a request rejected by the inbound rate limiter.
var ErrRateLimited = errors.New("request rate limit exceeded")

// RequestRecorder persists accepted automation requests for the audit trail.
type RequestRecorder interface {
	RecordRequest(ctx context.Context, correlationID, prompt, targetURL string) error
}

// CorrelationTracker is the slice of the correlation tracker the automation
// handler needs.
type CorrelationTracker interface {
	Track(correlationID string) error
}

// PageLocator resolves the current page URL when a request names no target.
type PageLocator interface {
	PageURL(ctx context.Context) (string, error)
}

// AutomationHandler admits automation requests: rate limit, target policy,
// correlation registration, then enqueue. Rejections are immediate; accepted
// requests answer only when the interaction finishes.
type AutomationHandler struct {
	logger    *zap.Logger
	tracker   CorrelationTracker
	queue     *queue.Queue
	allowlist *policy.Allowlist
	limiter   *rate.Limiter
	locator   PageLocator
	audit     RequestRecorder
}

// NewAutomationHandler wires the admission pipeline for automation requests.
func NewAutomationHandler(
	logger *zap.Logger,
	tracker CorrelationTracker,
	q *queue.Queue,
	allowlist *policy.Allowlist,
	limiter *rate.Limiter,
	locator PageLocator,
	audit RequestRecorder,
) *AutomationHandler {
	return &AutomationHandler{
		logger:    logger.Named("automation_handler"),
		tracker:   tracker,
		queue:     q,
		allowlist: allowlist,
		limiter:   limiter,
		locator:   locator,
		audit:     audit,
	}
}

// Name implements Handler.
func (h *AutomationHandler) Name() string { return "automation" }

// Handle implements Handler.
func (h *AutomationHandler) Handle(ctx context.Context, env *schemas.Envelope) error {
	if env.CorrelationID == "" {
		return errors.New("automation request missing correlation id")
	}

	var payload schemas.AutomationPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("malformed automation payload: %w", err)
	}
	if payload.Text == "" {
		return errors.New("automation request has empty prompt text")
	}

	if !h.limiter.Allow() {
		return ErrRateLimited
	}

	if err := h.checkTarget(ctx, payload.TargetURL); err != nil {
		return err
	}

	if err := h.tracker.Track(env.CorrelationID); err != nil {
		return err
	}

	h.queue.Enqueue(env.CorrelationID, payload.Text, payload.TargetURL)
	if err := h.audit.RecordRequest(ctx, env.CorrelationID, payload.Text, payload.TargetURL); err != nil {
		h.logger.Warn("Audit write failed for request.", zap.Error(err))
	}

	h.logger.Info("Automation request accepted.",
		zap.String("correlation_id", env.CorrelationID),
		zap.Int("queue_depth", h.queue.Len()))
	return nil
}

// checkTarget validates the request target, falling back to the page's
// current URL when the request names none.
func (h *AutomationHandler) checkTarget(ctx context.Context, targetURL string) error {
	if targetURL != "" {
		return h.allowlist.CheckURL(targetURL)
	}
	current, err := h.locator.PageURL(ctx)
	if err != nil {
		return fmt.Errorf("resolving current page url: %w", err)
	}
	return h.allowlist.CheckURL(current)
}

// PingHandler answers pings immediately over the channel. Pings are never
// tracked; their responses bypass the exactly-once gate.
type PingHandler struct {
	logger  *zap.Logger
	channel schemas.Channel
}

// NewPingHandler creates the ping responder.
func NewPingHandler(logger *zap.Logger, ch schemas.Channel) *PingHandler {
	return &PingHandler{logger: logger.Named("ping_handler"), channel: ch}
}

// Name implements Handler.
func (h *PingHandler) Name() string { return "ping" }

// Handle implements Handler.
func (h *PingHandler) Handle(ctx context.Context, env *schemas.Envelope) error {
	// The payload shape is the caller's choice: an object may carry an "echo"
	// field, any other JSON value is echoed back whole.
	var echo interface{}
	if len(env.Payload) > 0 {
		var payload schemas.PingPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			echo = payload.Echo
		} else {
			echo = append(env.Payload[:0:0], env.Payload...)
		}
	}

	resp := schemas.SuccessResponse{
		CorrelationID: env.CorrelationID,
		Status:        schemas.ResponseSuccess,
		Data:          map[string]interface{}{"pong": true, "echo": echo},
		Timestamp:     time.Now().UTC(),
	}
	if err := h.channel.Send(resp); err != nil {
		return fmt.Errorf("sending pong: %w", err)
	}
	return nil
}

// ConnState records controller acknowledgements observed on the current
// connection. It is metadata only; no handler on this path sends a response.
type ConnState struct {
	mu              sync.Mutex
	registeredAt    time.Time
	lastHeartbeatAt time.Time
}

// NewConnState creates an empty connection state record.
func NewConnState() *ConnState { return &ConnState{} }

// MarkRegistered records the registration acknowledgement time.
func (c *ConnState) MarkRegistered(t time.Time) {
	c.mu.Lock()
	c.registeredAt = t
	c.mu.Unlock()
}

// MarkHeartbeat records the latest heartbeat acknowledgement time.
func (c *ConnState) MarkHeartbeat(t time.Time) {
	c.mu.Lock()
	c.lastHeartbeatAt = t
	c.mu.Unlock()
}

// RegisteredAt returns when the controller acknowledged registration, zero if
// it has not.
func (c *ConnState) RegisteredAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registeredAt
}

// LastHeartbeatAt returns the most recent heartbeat acknowledgement time.
func (c *ConnState) LastHeartbeatAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeatAt
}

// AckHandler consumes RegistrationAck and HeartbeatAck messages, updating
// connection metadata without replying.
type AckHandler struct {
	logger *zap.Logger
	state  *ConnState
}

// NewAckHandler creates the acknowledgement consumer.
func NewAckHandler(logger *zap.Logger, state *ConnState) *AckHandler {
	return &AckHandler{logger: logger.Named("ack_handler"), state: state}
}

// Name implements Handler.
func (h *AckHandler) Name() string { return "ack" }

// Handle implements Handler.
func (h *AckHandler) Handle(_ context.Context, env *schemas.Envelope) error {
	now := time.Now().UTC()
	switch env.Type {
	case schemas.MsgRegistrationAck, schemas.MsgRegistrationAckLegacy:
		h.state.MarkRegistered(now)
		h.logger.Info("Controller acknowledged registration.")
	case schemas.MsgHeartbeatAck, schemas.MsgHeartbeatAckLegacy:
		h.state.MarkHeartbeat(now)
		h.logger.Debug("Heartbeat acknowledged.")
	default:
		return fmt.Errorf("ack handler received unexpected type %q", env.Type)
	}
	return nil
}
