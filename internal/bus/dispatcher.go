// File: internal/bus/dispatcher.go

// Package bus routes inbound controller messages to their handlers and owns
// the outbound response path. Routing is exact-match on message type; legacy
// aliases are registered explicitly next to their canonical types. Terminal
// responses are gated by the correlation tracker so every tracked request
// gets exactly one.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/hexforge/promptbridge/api/schemas"
	"github.com/hexforge/promptbridge/internal/correlation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnknownMessageType marks an envelope whose type has no registered handler.
var ErrUnknownMessageType = errors.New("unknown message type")

// Handler processes one inbound message type. Handle returns an error only
// for failures the controller should hear about; the dispatcher turns it into
// an error response when the envelope carries a correlation id.
type Handler interface {
	Name() string
	Handle(ctx context.Context, env *schemas.Envelope) error
}

// AuditRecorder persists the outbound response trail. Implementations must
// tolerate being called on every response.
type AuditRecorder interface {
	RecordResponse(ctx context.Context, correlationID string, status schemas.ResponseStatus, detail string) error
}

// Dispatcher is the type-keyed message router.
type Dispatcher struct {
	logger  *zap.Logger
	channel schemas.Channel
	tracker *correlation.Tracker
	audit   AuditRecorder

	mu       sync.RWMutex
	handlers map[schemas.MessageType]Handler
}

// NewDispatcher creates a dispatcher bound to its outbound channel, tracker
// and audit recorder. audit may be a disabled no-op recorder, never nil.
func NewDispatcher(logger *zap.Logger, ch schemas.Channel, tracker *correlation.Tracker, audit AuditRecorder) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("bus"),
		channel:  ch,
		tracker:  tracker,
		audit:    audit,
		handlers: make(map[schemas.MessageType]Handler),
	}
}

// Register binds a handler to a message type. Registration is an idempotent
// upsert: re-registering a type replaces the previous handler.
func (d *Dispatcher) Register(msgType schemas.MessageType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.handlers[msgType]; ok && prev.Name() != h.Name() {
		d.logger.Debug("Replacing handler registration.",
			zap.String("type", string(msgType)),
			zap.String("previous", prev.Name()),
			zap.String("handler", h.Name()))
	}
	d.handlers[msgType] = h
}

// RegisterWithAliases binds a handler to its canonical type and each alias.
func (d *Dispatcher) RegisterWithAliases(h Handler, canonical schemas.MessageType, aliases ...schemas.MessageType) {
	d.Register(canonical, h)
	for _, alias := range aliases {
		d.Register(alias, h)
	}
}

// Dispatch decodes a raw frame and routes it. Unknown types are logged with
// the full set of registered types and dropped without a response.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	var env schemas.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return errors.New("envelope missing type field")
	}

	d.mu.RLock()
	h, ok := d.handlers[env.Type]
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("No handler registered for message type.",
			zap.String("type", string(env.Type)),
			zap.Strings("registered_types", d.registeredTypes()))
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, env.Type)
	}

	if err := h.Handle(ctx, &env); err != nil {
		d.logger.Warn("Handler rejected message.",
			zap.String("type", string(env.Type)),
			zap.String("handler", h.Name()),
			zap.String("correlation_id", env.CorrelationID),
			zap.Error(err))
		if env.CorrelationID != "" {
			d.replyError(ctx, env.CorrelationID, err)
		}
		return err
	}
	return nil
}

// SendResponse delivers the terminal success response for a tracked request.
// If the id was already resolved (or never tracked) the send is suppressed.
func (d *Dispatcher) SendResponse(ctx context.Context, correlationID string, data interface{}) {
	elapsed, ok := d.tracker.Resolve(correlationID)
	if !ok {
		d.logger.Warn("Suppressing duplicate or untracked success response.",
			zap.String("correlation_id", correlationID))
		return
	}

	resp := schemas.SuccessResponse{
		CorrelationID: correlationID,
		Status:        schemas.ResponseSuccess,
		Data:          data,
		Timestamp:     time.Now().UTC(),
	}
	if err := d.channel.Send(resp); err != nil {
		d.logger.Error("Failed to send success response.",
			zap.String("correlation_id", correlationID), zap.Error(err))
	}
	if err := d.audit.RecordResponse(ctx, correlationID, schemas.ResponseSuccess, ""); err != nil {
		d.logger.Warn("Audit write failed for response.", zap.Error(err))
	}
	d.logger.Info("Request completed.",
		zap.String("correlation_id", correlationID),
		zap.Duration("elapsed", elapsed))
}

// SendErrorResponse delivers the terminal error response for a tracked
// request, with the same exactly-once suppression as SendResponse.
func (d *Dispatcher) SendErrorResponse(ctx context.Context, correlationID string, cause error) {
	if _, ok := d.tracker.Resolve(correlationID); !ok {
		d.logger.Warn("Suppressing duplicate or untracked error response.",
			zap.String("correlation_id", correlationID))
		return
	}
	d.replyError(ctx, correlationID, cause)
}

// SendDirectError sends an error response without the exactly-once gate.
// Used for tracker expiry, where the entry is already gone but the
// controller still needs a terminal answer.
func (d *Dispatcher) SendDirectError(ctx context.Context, correlationID string, cause error) {
	d.replyError(ctx, correlationID, cause)
}

// replyError sends an error response without consulting the tracker. Used
// for immediate rejections (rate limit, policy, duplicate id) that never
// entered the tracker.
func (d *Dispatcher) replyError(ctx context.Context, correlationID string, cause error) {
	resp := schemas.ErrorResponse{
		CorrelationID: correlationID,
		Status:        schemas.ResponseError,
		Error:         cause.Error(),
		Timestamp:     time.Now().UTC(),
	}
	if err := d.channel.Send(resp); err != nil {
		d.logger.Error("Failed to send error response.",
			zap.String("correlation_id", correlationID), zap.Error(err))
	}
	if err := d.audit.RecordResponse(ctx, correlationID, schemas.ResponseError, cause.Error()); err != nil {
		d.logger.Warn("Audit write failed for response.", zap.Error(err))
	}
}

func (d *Dispatcher) registeredTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, string(t))
	}
	sort.Strings(types)
	return types
}
