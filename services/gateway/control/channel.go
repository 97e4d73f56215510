// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edgegate/edgegate/pkg/backoff"
	"github.com/edgegate/edgegate/services/gateway/gerrors"
)

// Handler processes one inbound message. Handlers run on the read loop
// goroutine; long work should be handed off.
type Handler func(msg Message)

// Config tunes the control channel.
type Config struct {
	// URL is the backend WebSocket endpoint (ws:// or wss://).
	URL string

	// Headers are sent with the handshake (auth tokens, agent identity).
	Headers http.Header

	// HandshakeTimeout bounds the dial. Default: 10s.
	HandshakeTimeout time.Duration

	// HeartbeatInterval between heartbeat messages. Default: 30s.
	HeartbeatInterval time.Duration

	// MissedHeartbeatLimit marks the channel unhealthy after this many
	// unanswered heartbeats. The channel stays connected; reconnecting on
	// a slow backend would only add load. Default: 3.
	MissedHeartbeatLimit int

	// ReconnectBackoff schedules reconnect attempts. Default: base 1s,
	// multiplier 2, max 60s.
	ReconnectBackoff backoff.Policy

	// MaxReconnectAttempts stops automatic reconnection after this many
	// consecutive failures; ForceReconnect resumes. Zero means unlimited.
	// Default: 10.
	MaxReconnectAttempts int

	// OutboundQueueLimit caps messages held while offline. Default: 1000.
	OutboundQueueLimit int

	Logger *slog.Logger
}

// ErrStopped is returned by Send after the channel has been stopped.
var ErrStopped = errors.New("control channel stopped")

// Channel is the persistent control connection.
//
// The lifecycle is DISCONNECTED -> CONNECTING -> CONNECTED; a failed dial
// or dropped connection returns to DISCONNECTED and retries with
// exponential backoff capped at the policy maximum. After
// MaxReconnectAttempts consecutive failures the channel idles until
// ForceReconnect.
//
// Thread Safety: Safe for concurrent use.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	writeMu  sync.Mutex
	outbound []Message
	handlers map[string]Handler
	attempts int
	missed   int
	started  bool
	stopped  bool
}

// NewChannel validates the configuration and builds a channel. Start must
// be called to begin connecting.
func NewChannel(cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MissedHeartbeatLimit <= 0 {
		cfg.MissedHeartbeatLimit = 3
	}
	if cfg.ReconnectBackoff == (backoff.Policy{}) {
		cfg.ReconnectBackoff = backoff.Policy{Base: time.Second, Multiplier: 2, Max: 60 * time.Second}
	}
	if err := cfg.ReconnectBackoff.Validate(); err != nil {
		return nil, fmt.Errorf("reconnect backoff: %w", err)
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	} else if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.OutboundQueueLimit <= 0 {
		cfg.OutboundQueueLimit = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Channel{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:   cfg.Logger,
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		state:    StateDisconnected,
		handlers: make(map[string]Handler),
	}, nil
}

// Handle binds a handler to an inbound message type, replacing any
// previous binding. Heartbeat responses are consumed internally.
func (c *Channel) Handle(msgType string, h Handler) {
	c.mu.Lock()
	c.handlers[msgType] = h
	c.mu.Unlock()
}

// Start launches the connection loop. Safe to call once.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// Stop closes the connection and halts reconnection. Blocks until the
// loop exits.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	conn := c.conn
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
	if started {
		<-c.doneCh
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Healthy reports whether the heartbeat deficit is below the configured
// limit. An unhealthy channel stays connected; health feeds the gateway's
// aggregate status.
func (c *Channel) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.missed < c.cfg.MissedHeartbeatLimit
}

// QueuedOutbound returns the number of messages waiting for a connection.
func (c *Channel) QueuedOutbound() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

// ForceReconnect resets the attempt counter and forces a fresh dial,
// dropping the current connection if one exists.
func (c *Channel) ForceReconnect() {
	c.mu.Lock()
	c.attempts = 0
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Send delivers msg when connected, or appends it to the offline queue for
// delivery in enqueue order on the next connection. Missing envelope
// fields (id, timestamp, priority) are filled in.
func (c *Channel) Send(msg Message) error {
	normalize(&msg)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.state != StateConnected || c.conn == nil {
		defer c.mu.Unlock()
		return c.enqueueLocked(msg)
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.writeTo(conn, msg); err != nil {
		// The connection died under us; keep the message for the next one.
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stopped {
			return ErrStopped
		}
		return c.enqueueLocked(msg)
	}
	return nil
}

func (c *Channel) enqueueLocked(msg Message) error {
	if len(c.outbound) >= c.cfg.OutboundQueueLimit {
		return gerrors.Capacityf("outbound queue full (%d messages)", c.cfg.OutboundQueueLimit)
	}
	c.outbound = append(c.outbound, msg)
	outboundQueueDepth.Set(float64(len(c.outbound)))
	return nil
}

func (c *Channel) run() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, resp, err := c.dialer.Dial(c.cfg.URL, c.cfg.Headers)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if !c.backOff(err) {
				return
			}
			continue
		}

		reconnectsTotal.WithLabelValues("success").Inc()
		c.session(conn)
	}
}

// backOff handles one failed dial. Returns false when the channel is
// stopping.
func (c *Channel) backOff(dialErr error) bool {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	c.mu.Unlock()
	reconnectsTotal.WithLabelValues("failure").Inc()
	c.setState(StateDisconnected)

	if c.cfg.MaxReconnectAttempts > 0 && attempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Error("reconnect attempt ceiling reached, waiting for forced reconnect",
			"url", c.cfg.URL,
			"attempts", attempts,
			"error", dialErr,
		)
		select {
		case <-c.stopCh:
			return false
		case <-c.kick:
			return true
		}
	}

	delay := c.cfg.ReconnectBackoff.Delay(attempts)
	c.logger.Warn("control channel dial failed",
		"url", c.cfg.URL,
		"attempt", attempts,
		"retry_in", delay,
		"error", dialErr,
	)
	select {
	case <-c.stopCh:
		return false
	case <-c.kick:
		return true
	case <-time.After(delay):
		return true
	}
}

// session owns one live connection: it flushes the offline queue, runs the
// heartbeat ticker, and reads until the connection drops.
func (c *Channel) session(conn *websocket.Conn) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.attempts = 0
	c.missed = 0
	c.mu.Unlock()

	// Drain the offline queue before accepting new traffic. The state stays
	// CONNECTING until the queue is empty, so a concurrent Send keeps
	// enqueueing behind the backlog instead of interleaving ahead of it.
	flushed := 0
	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			conn.Close()
			return
		}
		if len(c.outbound) == 0 {
			c.conn = conn
			c.state = StateConnected
			c.mu.Unlock()
			break
		}
		queued := c.outbound
		c.outbound = nil
		c.mu.Unlock()

		var writeErr error
		for i, msg := range queued {
			if err := c.writeTo(conn, msg); err != nil {
				// Undelivered messages return to the head of the queue.
				c.mu.Lock()
				c.outbound = append(queued[i:], c.outbound...)
				outboundQueueDepth.Set(float64(len(c.outbound)))
				c.mu.Unlock()
				writeErr = err
				break
			}
			flushed++
		}
		if writeErr != nil {
			c.logger.Warn("control channel dropped during queue flush", "error", writeErr)
			conn.Close()
			c.setState(StateDisconnected)
			return
		}
	}
	recordState(StateConnected)
	outboundQueueDepth.Set(0)
	c.logger.Info("control channel connected", "url", c.cfg.URL, "flushed", flushed)

	hbStop := make(chan struct{})
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		c.heartbeatLoop(conn, hbStop)
	}()

	c.readLoop(conn)

	close(hbStop)
	hbDone.Wait()
	conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.setState(StateDisconnected)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.stopCh:
			default:
				c.logger.Warn("control channel read failed", "error", err)
			}
			return
		}
		messagesReceived.WithLabelValues(msg.Type).Inc()
		c.dispatch(conn, msg)
	}
}

// dispatch routes one inbound message. Command messages are acknowledged
// before the handler runs so the backend can mark delivery even if
// execution takes a while.
func (c *Channel) dispatch(conn *websocket.Conn, msg Message) {
	switch msg.Type {
	case TypeHeartbeatResponse:
		c.mu.Lock()
		c.missed = 0
		c.mu.Unlock()
		return
	case TypeCommand:
		if err := c.ack(conn, msg.ID); err != nil {
			c.logger.Warn("command ack failed", "message_id", msg.ID, "error", err)
		}
	}

	c.mu.Lock()
	h := c.handlers[msg.Type]
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("unhandled control message", "type", msg.Type, "id", msg.ID)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("control handler panicked", "type", msg.Type, "panic", r)
		}
	}()
	h(msg)
}

func (c *Channel) ack(conn *websocket.Conn, commandID string) error {
	body, err := json.Marshal(ackPayload{CommandID: commandID, Status: "received"})
	if err != nil {
		return err
	}
	msg := Message{Type: TypeAck, Payload: body}
	normalize(&msg)
	return c.writeTo(conn, msg)
}

func (c *Channel) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if pending {
				c.missed++
				heartbeatsMissed.Inc()
				if c.missed == c.cfg.MissedHeartbeatLimit {
					c.logger.Warn("control channel unresponsive",
						"missed_heartbeats", c.missed,
					)
				}
			}
			c.mu.Unlock()

			msg := Message{Type: TypeHeartbeat}
			normalize(&msg)
			if err := c.writeTo(conn, msg); err != nil {
				return
			}
			pending = true
		}
	}
}

// writeTo serializes writes; gorilla connections permit one writer at a
// time.
func (c *Channel) writeTo(conn *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write control message: %w", err)
	}
	messagesSent.WithLabelValues(msg.Type).Inc()
	return nil
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	recordState(s)
}

func normalize(msg *Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Priority < 1 {
		msg.Priority = 3
	} else if msg.Priority > 5 {
		msg.Priority = 5
	}
}
