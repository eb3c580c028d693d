// File: internal/transport/websocket.go

// Package transport maintains the websocket link to the controller. The
// channel owns its reconnect policy: an unexpected close schedules a redial
// after a fixed delay, a manual Disconnect suppresses it. Each successful
// (re)connect replays the registration handshake before any other traffic.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/hexforge/promptbridge/api/schemas"
	"github.com/hexforge/promptbridge/internal/config"
	"github.com/hexforge/promptbridge/internal/sched"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotConnected is returned by Send when no live connection exists.
var ErrNotConnected = errors.New("transport not connected")

// ErrSendBufferFull is returned when the outbound buffer has no room.
var ErrSendBufferFull = errors.New("transport send buffer full")

const sendBufferSize = 256

// MessageFunc receives each raw inbound frame.
type MessageFunc func(ctx context.Context, raw []byte)

// WSChannel is a websocket client channel to the controller, implementing
// schemas.Channel.
type WSChannel struct {
	logger *zap.Logger
	cfg    config.TransportConfig
	sched  sched.Scheduler

	onMessage MessageFunc
	onConnect func()

	registration schemas.RegistrationPayload

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	connected bool
	manual    bool
	url       string
	runCtx    context.Context
	redial    sched.Task
	pumps     sync.WaitGroup
}

// ChannelOption configures a WSChannel.
type ChannelOption func(*WSChannel)

// WithScheduler replaces the wall-clock scheduler, used by tests.
func WithScheduler(s sched.Scheduler) ChannelOption {
	return func(c *WSChannel) { c.sched = s }
}

// WithConnectHook registers a callback invoked after every successful
// (re)connect, once the registration handshake has been queued.
func WithConnectHook(fn func()) ChannelOption {
	return func(c *WSChannel) { c.onConnect = fn }
}

// NewWSChannel creates a channel for the given transport configuration.
// registration is replayed on every (re)connect.
func NewWSChannel(logger *zap.Logger, cfg config.TransportConfig, registration schemas.RegistrationPayload, opts ...ChannelOption) *WSChannel {
	c := &WSChannel{
		logger:       logger.Named("transport"),
		cfg:          cfg,
		sched:        sched.New(),
		registration: registration,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetMessageHandler registers the inbound frame consumer. Must be called
// before Connect.
func (c *WSChannel) SetMessageHandler(fn MessageFunc) {
	c.onMessage = fn
}

// Connect implements schemas.Channel. The context bounds the lifetime of the
// connection and all reconnect attempts.
func (c *WSChannel) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("transport already connected")
	}
	c.manual = false
	c.url = url
	c.runCtx = ctx
	c.mu.Unlock()

	return c.dial(ctx)
}

// Disconnect implements schemas.Channel. It closes the connection and
// suppresses any pending or future reconnect.
func (c *WSChannel) Disconnect() {
	c.mu.Lock()
	c.manual = true
	if c.redial != nil {
		c.redial.Stop()
		c.redial = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteWait))
		conn.Close()
	}
	c.pumps.Wait()
	c.logger.Info("Transport disconnected.")
}

// Send implements schemas.Channel. The message is marshalled and queued for
// the write pump; it fails fast when disconnected or the buffer is full.
func (c *WSChannel) Send(msg interface{}) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling outbound message: %w", err)
	}

	// The buffer push is non-blocking, so it stays under the lock; this keeps
	// Send from racing the teardown path closing the channel.
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Connected implements schemas.Channel.
func (c *WSChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// dial establishes one connection attempt. Failure schedules a redial unless
// the channel was manually disconnected.
func (c *WSChannel) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.logger.Warn("Controller dial failed.", zap.String("url", c.url), zap.Error(err))
		c.scheduleRedial()
		return fmt.Errorf("dialling controller: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, sendBufferSize)
	c.connected = true
	c.mu.Unlock()

	c.pumps.Add(2)
	go c.writePump(conn)
	go c.readPump(ctx, conn)

	c.logger.Info("Connected to controller.", zap.String("url", c.url))
	c.sendRegistration()
	if c.onConnect != nil {
		c.onConnect()
	}
	return nil
}

// sendRegistration queues the handshake envelope announcing this bridge.
func (c *WSChannel) sendRegistration() {
	payload, err := json.Marshal(c.registration)
	if err != nil {
		c.logger.Error("Failed to marshal registration payload.", zap.Error(err))
		return
	}
	env := schemas.Envelope{
		Type:          schemas.MsgBridgeRegistered,
		Payload:       payload,
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		EventID:       uuid.New().String(),
	}
	if err := c.Send(env); err != nil {
		c.logger.Error("Failed to queue registration handshake.", zap.Error(err))
	}
}

// readPump pumps inbound frames to the message handler until the connection
// drops, then tears down and schedules a redial if the drop was unexpected.
func (c *WSChannel) readPump(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		c.teardown(conn)
		c.pumps.Done()
	}()

	conn.SetReadLimit(c.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Controller connection read error.", zap.Error(err))
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(ctx, message)
		}
	}
}

// writePump drains the send buffer onto the wire and keeps the connection
// alive with protocol pings and application heartbeats.
func (c *WSChannel) writePump(conn *websocket.Conn) {
	pingPeriod := (c.cfg.PongWait * 9) / 10
	pingTicker := time.NewTicker(pingPeriod)
	heartbeatTicker := time.NewTicker(c.cfg.HeartbeatInterval)

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	defer func() {
		pingTicker.Stop()
		heartbeatTicker.Stop()
		conn.Close()
		c.pumps.Done()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-heartbeatTicker.C:
			c.queueHeartbeat()
		}
	}
}

// queueHeartbeat enqueues the application-level heartbeat envelope.
func (c *WSChannel) queueHeartbeat() {
	env := schemas.Envelope{
		Type:          schemas.MsgHeartbeat,
		CorrelationID: uuid.New().String(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		EventID:       uuid.New().String(),
	}
	if err := c.Send(env); err != nil {
		c.logger.Debug("Heartbeat not sent.", zap.Error(err))
	}
}

// teardown marks the channel disconnected after a pump exits and arms the
// redial timer unless the disconnect was requested.
func (c *WSChannel) teardown(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	close(c.send)
	manual := c.manual
	c.mu.Unlock()

	if manual {
		return
	}
	c.logger.Warn("Connection lost, scheduling reconnect.",
		zap.Duration("delay", c.cfg.ReconnectDelay))
	c.scheduleRedial()
}

// scheduleRedial arms a single fixed-delay reconnect attempt.
func (c *WSChannel) scheduleRedial() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manual {
		return
	}
	if c.redial != nil {
		c.redial.Stop()
	}
	ctx := c.runCtx
	c.redial = c.sched.AfterFunc(c.cfg.ReconnectDelay, func() {
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		manual := c.manual
		c.mu.Unlock()
		if manual {
			return
		}
		if err := c.dial(ctx); err != nil {
			c.logger.Debug("Reconnect attempt failed.", zap.Error(err))
		}
	})
}
