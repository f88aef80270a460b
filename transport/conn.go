// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "errors"

// ErrClosed is returned by Send and Receive once the connection has
// been closed by either side.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a bidirectional frame channel. Send may be called from any
// goroutine. Receive must be called from a single reader goroutine.
type Conn interface {
	Send(frame Frame) error
	Receive() (Frame, error)
	Close() error

	// RemoteAddr describes the remote end for logging.
	RemoteAddr() string
}
