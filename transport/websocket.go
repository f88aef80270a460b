// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/bureau-hub/lib/codec"
)

// WebSocketOptions tunes a WebSocketConn. Zero values take defaults.
type WebSocketOptions struct {
	// SendQueue is the number of encoded frames buffered ahead of the
	// write goroutine. Default 256.
	SendQueue int

	// PongWait is how long the reader waits for any message (including
	// pongs) before treating the peer as dead. Default 60s.
	PongWait time.Duration

	// PingPeriod is how often the writer pings. Must be less than
	// PongWait. Default 9/10 of PongWait.
	PingPeriod time.Duration

	// WriteWait bounds a single write. Default 10s.
	WriteWait time.Duration

	// MaxMessageSize bounds an inbound message before decompression.
	// Default codec.MaxFrameSize.
	MaxMessageSize int64

	Logger *slog.Logger
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = codec.MaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// ErrSendQueueFull is returned by Send when the peer has fallen a full
// queue behind. The connection is closed with it.
var ErrSendQueueFull = errors.New("transport: send queue full")

// WebSocketConn is a Conn over a gorilla WebSocket.
type WebSocketConn struct {
	ws      *websocket.Conn
	options WebSocketOptions
	send    chan []byte
	done    chan struct{}

	closeOnce sync.Once
}

var _ Conn = (*WebSocketConn)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	// Runners and peer hubs are not browsers; the access key is the
	// only admission check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Accept upgrades an HTTP request to a WebSocketConn. On failure the
// upgrader has already written an HTTP error response.
func Accept(w http.ResponseWriter, r *http.Request, options WebSocketOptions) (*WebSocketConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading %s: %w", r.RemoteAddr, err)
	}
	return newWebSocketConn(ws, options), nil
}

// Dial opens a WebSocketConn to url, sending header with the upgrade
// request. On an HTTP-level rejection the returned error wraps the
// status code.
func Dial(ctx context.Context, url string, header http.Header, options WebSocketOptions) (*WebSocketConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
		ReadBufferSize:   16 * 1024,
		WriteBufferSize:  16 * 1024,
	}
	ws, response, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if response != nil {
			response.Body.Close()
			return nil, &HandshakeError{StatusCode: response.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return newWebSocketConn(ws, options), nil
}

// HandshakeError reports a WebSocket upgrade the server refused.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake rejected with HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func newWebSocketConn(ws *websocket.Conn, options WebSocketOptions) *WebSocketConn {
	options = options.withDefaults()
	conn := &WebSocketConn{
		ws:      ws,
		options: options,
		send:    make(chan []byte, options.SendQueue),
		done:    make(chan struct{}),
	}
	ws.SetReadLimit(options.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(options.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(options.PongWait))
	})
	go conn.writePump()
	return conn
}

// Send queues frame for the write goroutine without blocking. A peer
// too slow to drain the queue is disconnected: Send closes the
// connection and returns ErrSendQueueFull. After Close it returns
// ErrClosed.
func (c *WebSocketConn) Send(frame Frame) error {
	data, err := codec.EncodeFrame(frame)
	if err != nil {
		return err
	}
	if err := c.enqueue(data); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			c.options.Logger.Warn("closing websocket with full send queue",
				"remote", c.RemoteAddr(),
				"queued", len(c.send),
			)
			c.Close()
		}
		return err
	}
	return nil
}

func (c *WebSocketConn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Receive reads the next binary message and decodes it. Text messages
// are skipped.
func (c *WebSocketConn) Receive() (Frame, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return Frame{}, ErrClosed
			default:
			}
			c.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Frame{}, ErrClosed
			}
			return Frame{}, err
		}
		c.ws.SetReadDeadline(time.Now().Add(c.options.PongWait))
		if messageType != websocket.BinaryMessage {
			c.options.Logger.Debug("ignoring non-binary websocket message",
				"remote", c.RemoteAddr(),
				"type", messageType,
			)
			continue
		}
		var frame Frame
		if err := codec.DecodeFrame(data, &frame); err != nil {
			return Frame{}, err
		}
		return frame, nil
	}
}

// Close sends a close message on a best-effort basis and tears down the
// socket. Safe to call more than once.
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.options.WriteWait))
		err = c.ws.Close()
	})
	return err
}

// RemoteAddr returns the peer's network address.
func (c *WebSocketConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *WebSocketConn) writePump() {
	ticker := time.NewTicker(c.options.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.options.Logger.Debug("websocket write failed",
					"remote", c.RemoteAddr(),
					"error", err,
				)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.options.WriteWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
