// File: internal/bridge/bridge.go

// Package bridge assembles one automation session: the websocket channel to
// the controller, the message dispatcher, the request queue and feeder, the
// correlation tracker and the interaction machine, all wired around a single
// browser page.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hexforge/promptbridge/api/schemas"
	"github.com/hexforge/promptbridge/internal/bus"
	"github.com/hexforge/promptbridge/internal/config"
	"github.com/hexforge/promptbridge/internal/correlation"
	"github.com/hexforge/promptbridge/internal/machine"
	"github.com/hexforge/promptbridge/internal/policy"
	"github.com/hexforge/promptbridge/internal/queue"
	"github.com/hexforge/promptbridge/internal/sched"
	"github.com/hexforge/promptbridge/internal/transport"
)

// errRequestExpired is the terminal cause reported when a tracked request
// outlives its TTL without completing.
var errRequestExpired = errors.New("request expired before completion")

// Navigator extends the page adapter with initial navigation, which only the
// bridge performs.
type Navigator interface {
	schemas.PageAdapter
	Navigate(ctx context.Context, url string) error
}

// AuditStore is the combined audit surface the bridge hands to its parts.
type AuditStore interface {
	bus.RequestRecorder
	bus.AuditRecorder
}

// Bridge owns the session wiring and its lifecycle.
type Bridge struct {
	logger     *zap.Logger
	cfg        config.Interface
	adapter    Navigator
	channel    *transport.WSChannel
	dispatcher *bus.Dispatcher
	machine    *machine.Machine
	tracker    *correlation.Tracker
	queue      *queue.Queue
	feeder     *queue.Feeder
	connState  *bus.ConnState

	runCtx context.Context
}

// Option configures a Bridge.
type Option func(*options)

type options struct {
	scheduler sched.Scheduler
}

// WithScheduler threads one scheduler through every timed component, used by
// tests.
func WithScheduler(s sched.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// New assembles a session. runCtx bounds every background operation; audit
// may be store.Disabled but never nil.
func New(runCtx context.Context, logger *zap.Logger, cfg config.Interface, adapter Navigator, channel *transport.WSChannel, audit AuditStore, opts ...Option) (*Bridge, error) {
	if adapter == nil || channel == nil || audit == nil {
		return nil, errors.New("bridge requires adapter, channel and audit store")
	}

	o := options{scheduler: sched.New()}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{
		logger:    logger.Named("bridge"),
		cfg:       cfg,
		adapter:   adapter,
		channel:   channel,
		queue:     queue.NewQueue(),
		connState: bus.NewConnState(),
		runCtx:    runCtx,
	}

	auto := cfg.Automation()

	b.tracker = correlation.New(logger, auto.RequestTTL,
		correlation.WithScheduler(o.scheduler),
		correlation.WithExpireHandler(b.onRequestExpired))

	m, err := machine.New(runCtx, auto, adapter, logger,
		machine.WithScheduler(o.scheduler),
		machine.WithResultHandler(b.onOutcome))
	if err != nil {
		return nil, fmt.Errorf("building interaction machine: %w", err)
	}
	b.machine = m

	b.feeder = queue.NewFeeder(logger, b.queue, m, auto.FeedDebounce,
		queue.WithScheduler(o.scheduler))

	// Whenever the machine settles back into READY the feeder gets a shot at
	// the next queued request.
	m.OnStateEnter(machine.StateReady, func(machine.State) { b.feeder.Trigger() })

	b.dispatcher = bus.NewDispatcher(logger, channel, b.tracker, audit)
	limiter := rate.NewLimiter(rate.Limit(auto.RequestRate), auto.RequestBurst)
	allowlist := policy.NewAllowlist(cfg.Policy().AllowedHosts)

	b.dispatcher.RegisterWithAliases(
		bus.NewAutomationHandler(logger, b.tracker, b.queue, allowlist, limiter, adapter, audit),
		schemas.MsgAutomationRequest, schemas.MsgAutomationRequestLegacy)
	b.dispatcher.RegisterWithAliases(
		bus.NewPingHandler(logger, channel),
		schemas.MsgPing, schemas.MsgPingLegacy)
	ack := bus.NewAckHandler(logger, b.connState)
	b.dispatcher.RegisterWithAliases(ack, schemas.MsgRegistrationAck, schemas.MsgRegistrationAckLegacy)
	b.dispatcher.RegisterWithAliases(ack, schemas.MsgHeartbeatAck, schemas.MsgHeartbeatAckLegacy)

	channel.SetMessageHandler(func(ctx context.Context, raw []byte) {
		// Dispatch errors are already logged and answered where appropriate.
		_ = b.dispatcher.Dispatch(ctx, raw)
	})

	return b, nil
}

// Run navigates the page, marks the feeder ready and connects to the
// controller. It returns once the session is established; the transport owns
// reconnection from there.
func (b *Bridge) Run(ctx context.Context) error {
	chatURL := b.cfg.Browser().ChatURL
	if chatURL != "" {
		if err := b.adapter.Navigate(ctx, chatURL); err != nil {
			return fmt.Errorf("preparing chat page: %w", err)
		}
	}
	b.feeder.SetReady(true)

	if err := b.channel.Connect(ctx, b.cfg.Transport().URL); err != nil {
		// The channel keeps redialling on its own; the session stays up.
		b.logger.Warn("Initial controller connection failed, transport will retry.", zap.Error(err))
	}
	return nil
}

// Close tears the session down: no more feeding, no reconnects, any active
// interaction aborted.
func (b *Bridge) Close() {
	b.feeder.SetReady(false)
	b.machine.Reset()
	b.channel.Disconnect()
	b.logger.Info("Bridge session closed.")
}

// Dispatcher exposes the message router, used by tests and diagnostics.
func (b *Bridge) Dispatcher() *bus.Dispatcher { return b.dispatcher }

// ConnState exposes controller acknowledgement metadata.
func (b *Bridge) ConnState() *bus.ConnState { return b.connState }

// onOutcome is the machine's terminal result callback. Exactly one response
// leaves here per tracked request; the tracker suppresses any second attempt.
func (b *Bridge) onOutcome(out machine.Outcome) {
	status := schemas.StatusSucceeded
	if out.Err != nil {
		status = schemas.StatusFailed
		b.dispatcher.SendErrorResponse(b.runCtx, out.CorrelationID, out.Err)
	} else {
		b.dispatcher.SendResponse(b.runCtx, out.CorrelationID, out.Result)
	}
	b.feeder.Completed(out.CorrelationID, status)
}

// onRequestExpired handles tracker TTL expiry: the entry is already resolved,
// so the controller is answered directly and the request is cleared out of
// the pipeline.
func (b *Bridge) onRequestExpired(correlationID string) {
	b.dispatcher.SendDirectError(b.runCtx, correlationID, errRequestExpired)

	if b.machine.Context().CorrelationID == correlationID {
		// The machine's abort outcome is suppressed by the resolved tracker;
		// feeder cleanup still runs through onOutcome.
		b.machine.Reset()
		return
	}
	if _, ok := b.queue.Complete(correlationID, schemas.StatusFailed); ok {
		b.feeder.Trigger()
	}
}
