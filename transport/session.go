// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bureau-foundation/bureau-hub/lib/codec"
)

// Inbound is one event received on a Session.
type Inbound struct {
	Event   string
	Payload codec.RawMessage

	id      string
	session *Session
	acked   atomic.Bool
}

// ExpectsAck reports whether the sender asked for a response.
func (in *Inbound) ExpectsAck() bool {
	return in.id != ""
}

// Ack sends v as the response to this event. Only the first call sends
// anything; later calls are logged and dropped. Acking an event that
// carried no correlation id is a no-op.
func (in *Inbound) Ack(v any) error {
	if in.id == "" {
		return nil
	}
	if !in.acked.CompareAndSwap(false, true) {
		in.session.logger.Warn("dropping duplicate ack",
			"event", in.Event,
			"id", in.id,
		)
		return nil
	}
	payload, err := EncodePayload(v)
	if err != nil {
		return fmt.Errorf("acking %s: %w", in.Event, err)
	}
	return in.session.conn.Send(Frame{Kind: KindAck, ID: in.id, Payload: payload})
}

// Session correlates requests and acks over one Conn.
type Session struct {
	conn    Conn
	pending *Pending
	logger  *slog.Logger
}

// NewSession wraps conn. The session does nothing until Run is called.
func NewSession(conn Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{conn: conn, pending: NewPending(), logger: logger}
}

// Conn returns the underlying connection.
func (s *Session) Conn() Conn {
	return s.conn
}

// Emit sends a fire-and-forget event.
func (s *Session) Emit(event string, v any) error {
	payload, err := EncodePayload(v)
	if err != nil {
		return fmt.Errorf("emitting %s: %w", event, err)
	}
	return s.conn.Send(Frame{Kind: KindEvent, Event: event, Payload: payload})
}

// Request sends event and registers onAck for its response. It returns
// the correlation id so the caller can Cancel on its own timeout. If
// the send fails, the pending entry is removed and onAck never runs.
func (s *Session) Request(event string, v any, onAck AckFunc) (string, error) {
	payload, err := EncodePayload(v)
	if err != nil {
		return "", fmt.Errorf("requesting %s: %w", event, err)
	}
	id := s.pending.Add(onAck)
	if err := s.conn.Send(Frame{Kind: KindEvent, ID: id, Event: event, Payload: payload}); err != nil {
		s.pending.Remove(id)
		return "", fmt.Errorf("requesting %s: %w", event, err)
	}
	return id, nil
}

// Cancel forgets the request with the given id. A late ack for it is
// ignored. Returns false if the request already resolved.
func (s *Session) Cancel(id string) bool {
	return s.pending.Remove(id)
}

// PendingCount returns the number of requests awaiting an ack.
func (s *Session) PendingCount() int {
	return s.pending.Len()
}

// Run reads frames until the connection fails or ctx is cancelled,
// resolving acks and passing events to dispatch. Dispatch runs on the
// read goroutine and must not block waiting for another frame on this
// session. On return every pending request is dropped uninvoked and
// the connection is closed.
func (s *Session) Run(ctx context.Context, dispatch func(*Inbound)) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()
	defer func() {
		s.conn.Close()
		if dropped := s.pending.DropAll(); dropped > 0 {
			s.logger.Debug("dropped pending requests on close",
				"remote", s.conn.RemoteAddr(),
				"count", dropped,
			)
		}
	}()

	for {
		frame, err := s.conn.Receive()
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading from %s: %w", s.conn.RemoteAddr(), err)
		}
		if err := frame.Validate(); err != nil {
			s.logger.Warn("ignoring malformed frame",
				"remote", s.conn.RemoteAddr(),
				"error", err,
			)
			continue
		}
		switch frame.Kind {
		case KindAck:
			if !s.pending.Resolve(frame.ID, frame.Payload) {
				s.logger.Debug("ignoring ack for unknown request",
					"remote", s.conn.RemoteAddr(),
					"id", frame.ID,
				)
			}
		case KindEvent:
			dispatch(&Inbound{
				Event:   frame.Event,
				Payload: frame.Payload,
				id:      frame.ID,
				session: s,
			})
		}
	}
}

// Close closes the underlying connection, ending Run.
func (s *Session) Close() error {
	return s.conn.Close()
}
