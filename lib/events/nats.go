// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// NATSPublisher publishes JSON event bodies to a NATS server.
type NATSPublisher struct {
	conn   *natsgo.Conn
	logger *slog.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// ConnectNATS connects to url. An unreachable server is not an error:
// the client keeps retrying in the background and buffers publishes
// until it connects.
func ConnectNATS(url, name string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn, err := natsgo.Connect(url,
		natsgo.Name(name),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		natsgo.ReconnectHandler(func(conn *natsgo.Conn) {
			logger.Info("nats reconnected", "url", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, logger: logger}, nil
}

// Publish encodes body as JSON and hands it to the NATS client. Errors
// are logged, never returned.
func (p *NATSPublisher) Publish(subject string, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("encoding event failed", "subject", subject, "error", err)
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Warn("publishing event failed", "subject", subject, "error", err)
	}
}

// Close flushes buffered events and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn.IsConnected() {
		if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
			p.logger.Warn("flushing events on close failed", "error", err)
		}
	}
	p.conn.Close()
}
