// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"

	"github.com/bureau-foundation/bureau-hub/lib/codec"
)

// Pipe returns two connected in-memory Conns. Frames sent on one are
// received on the other after a full encode/decode round trip. Closing
// either end closes both.
func Pipe() (Conn, Conn) {
	shared := &pipeShared{done: make(chan struct{})}
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	return &pipeConn{shared: shared, inbound: bToA, outbound: aToB, name: "pipe-a"},
		&pipeConn{shared: shared, inbound: aToB, outbound: bToA, name: "pipe-b"}
}

type pipeShared struct {
	done      chan struct{}
	closeOnce sync.Once
}

type pipeConn struct {
	shared   *pipeShared
	inbound  chan []byte
	outbound chan []byte
	name     string
}

func (p *pipeConn) Send(frame Frame) error {
	data, err := codec.EncodeFrame(frame)
	if err != nil {
		return err
	}
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	select {
	case p.outbound <- data:
		return nil
	case <-p.shared.done:
		return ErrClosed
	}
}

func (p *pipeConn) Receive() (Frame, error) {
	select {
	case data := <-p.inbound:
		var frame Frame
		if err := codec.DecodeFrame(data, &frame); err != nil {
			return Frame{}, err
		}
		return frame, nil
	case <-p.shared.done:
		return Frame{}, ErrClosed
	}
}

func (p *pipeConn) Close() error {
	p.shared.closeOnce.Do(func() { close(p.shared.done) })
	return nil
}

func (p *pipeConn) RemoteAddr() string {
	return p.name
}
