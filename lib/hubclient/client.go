// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hubclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bureau-foundation/bureau-hub/lib/clock"
	"github.com/bureau-foundation/bureau-hub/lib/codec"
	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
	"github.com/bureau-foundation/bureau-hub/transport"
)

// DefaultRequestTimeout bounds a Request when Options leaves it unset.
const DefaultRequestTimeout = 30 * time.Second

// ErrTimeout is returned when no ack arrives within the request timeout.
var ErrTimeout = errors.New("hubclient: request timed out")

// RequestError is a reply that came back with success=false.
type RequestError struct {
	Event   string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Event, e.Message)
}

// Handler processes one event from the hub. It runs on the read
// goroutine; long work should be handed off, acking from wherever it
// finishes.
type Handler func(ctx context.Context, in *transport.Inbound)

// Options configures a Client.
type Options struct {
	// HostID identifies this runner in heartbeats. Dial fills it from
	// the credentials.
	HostID string

	// RequestTimeout bounds Request and Call. Default 30s.
	RequestTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	WebSocket transport.WebSocketOptions
}

// Client is one runner's connection to a hub.
type Client struct {
	session *transport.Session
	hostID  string
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	done chan struct{}
}

// Dial connects to the hub endpoint at url, presenting credentials in
// the upgrade request. A rejected key surfaces as a
// *transport.HandshakeError with status 401.
func Dial(ctx context.Context, url string, credentials registry.Credentials, options Options) (*Client, error) {
	if options.HostID == "" {
		options.HostID = credentials.HostID
	}
	if options.WebSocket.Logger == nil {
		options.WebSocket.Logger = options.Logger
	}
	conn, err := transport.Dial(ctx, url, credentials.Header(), options.WebSocket)
	if err != nil {
		return nil, fmt.Errorf("connecting to hub: %w", err)
	}
	return New(conn, options), nil
}

// New wraps an established connection. Call Run to start reading.
func New(conn transport.Conn, options Options) *Client {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	timeout := options.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		session:  transport.NewSession(conn, logger),
		hostID:   options.HostID,
		timeout:  timeout,
		clock:    clk,
		logger:   logger,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
}

// Handle registers fn for event, replacing any earlier handler.
func (c *Client) Handle(event string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

// Run reads from the hub until the connection drops or ctx is
// cancelled. Events without a handler are acked with nothing if the
// hub expects a reply, so its pending entry does not leak.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)
	return c.session.Run(ctx, func(in *transport.Inbound) {
		c.mu.RLock()
		handler := c.handlers[in.Event]
		c.mu.RUnlock()
		if handler == nil {
			c.logger.Debug("no handler for hub event", "event", in.Event)
			if in.ExpectsAck() {
				in.Ack(nil)
			}
			return
		}
		handler(ctx, in)
	})
}

// Done is closed when Run returns.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close drops the connection.
func (c *Client) Close() error {
	return c.session.Close()
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, payload any) error {
	return c.session.Emit(event, payload)
}

// Request sends event and waits for its ack, decoding the ack payload
// into out when out is non-nil. On timeout or cancellation the request
// is forgotten so a late ack is dropped.
func (c *Client) Request(ctx context.Context, event string, payload any, out any) error {
	result := make(chan codec.RawMessage, 1)
	id, err := c.session.Request(event, payload, func(ack codec.RawMessage) {
		result <- ack
	})
	if err != nil {
		return err
	}

	var ack codec.RawMessage
	select {
	case ack = <-result:
	case <-c.clock.After(c.timeout):
		if c.session.Cancel(id) {
			return fmt.Errorf("%s: %w", event, ErrTimeout)
		}
		ack = <-result
	case <-ctx.Done():
		if c.session.Cancel(id) {
			return ctx.Err()
		}
		ack = <-result
	case <-c.done:
		return fmt.Errorf("%s: %w", event, transport.ErrClosed)
	}

	if out == nil || len(ack) == 0 {
		return nil
	}
	if err := codec.Unmarshal(ack, out); err != nil {
		return fmt.Errorf("decoding %s reply: %w", event, err)
	}
	return nil
}

// Call is Request for the success/error reply shape shared by the
// placement and relay events. A reply with success=false becomes a
// *RequestError.
func (c *Client) Call(ctx context.Context, event string, payload any) (*schema.Reply, error) {
	var reply schema.Reply
	if err := c.Request(ctx, event, payload, &reply); err != nil {
		return nil, err
	}
	if err := schema.Validate(&reply); err != nil {
		return nil, fmt.Errorf("invalid %s reply: %w", event, err)
	}
	if !reply.Succeeded() {
		return &reply, &RequestError{Event: event, Message: reply.Error}
	}
	return &reply, nil
}

// Heartbeat reports the agents currently running on this host.
func (c *Client) Heartbeat(activeAgentIDs []string) error {
	if activeAgentIDs == nil {
		activeAgentIDs = []string{}
	}
	return c.Emit(schema.EventHeartbeat, schema.Heartbeat{
		HostID:         c.hostID,
		ActiveAgentIDs: activeAgentIDs,
	})
}

// RunHeartbeat sends a heartbeat every interval until ctx is done or
// the connection closes. The first one goes out immediately.
func (c *Client) RunHeartbeat(ctx context.Context, interval time.Duration, activeAgents func() []string) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Heartbeat(activeAgents()); err != nil {
			c.logger.Debug("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C():
		}
	}
}

// IsUnauthorized reports whether err is the hub rejecting the access key.
func IsUnauthorized(err error) bool {
	var handshake *transport.HandshakeError
	return errors.As(err, &handshake) && handshake.StatusCode == http.StatusUnauthorized
}
