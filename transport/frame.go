// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"

	"github.com/bureau-foundation/bureau-hub/lib/codec"
)

// FrameKind distinguishes events from acknowledgements.
type FrameKind uint8

const (
	// KindEvent is a named event. A non-empty ID asks the receiver for
	// an ack carrying the same ID.
	KindEvent FrameKind = 1

	// KindAck answers the event whose correlation id it carries.
	KindAck FrameKind = 2
)

// String returns "event", "ack", or a numeric fallback.
func (k FrameKind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindAck:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is one message on the wire. Keys are kept short because every
// heartbeat and ack pays for them.
type Frame struct {
	Kind    FrameKind        `cbor:"k"`
	ID      string           `cbor:"id,omitempty"`
	Event   string           `cbor:"e,omitempty"`
	Payload codec.RawMessage `cbor:"p,omitempty"`
}

// Validate reports frames no peer should ever send.
func (f Frame) Validate() error {
	switch f.Kind {
	case KindEvent:
		if f.Event == "" {
			return fmt.Errorf("transport: event frame without event name")
		}
	case KindAck:
		if f.ID == "" {
			return fmt.Errorf("transport: ack frame without correlation id")
		}
	default:
		return fmt.Errorf("transport: unknown frame %s", f.Kind)
	}
	return nil
}

// EncodePayload marshals v for a frame payload. A nil v yields a nil
// payload.
func EncodePayload(v any) (codec.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(codec.RawMessage); ok {
		return raw, nil
	}
	encoded, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return encoded, nil
}
