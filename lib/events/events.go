// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package events publishes hub lifecycle events to NATS.
//
// Publication is fire-and-forget: a hub with no NATS server
// configured uses [Nop], and a configured server that is unreachable
// buffers and reconnects in the background. Nothing on the sync or
// placement path ever waits for a publish.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/bureau-hub/lib/clock"
	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
)

// NATS subjects.
const (
	SubjectRunnerConnected    = "bureau.hub.runner.connected"
	SubjectRunnerDisconnected = "bureau.hub.runner.disconnected"
	SubjectAgentPlaced        = "bureau.hub.agent.placed"
	SubjectAgentStopped       = "bureau.hub.agent.stopped"
)

// Publisher delivers an event body to subject without blocking the
// caller on the broker.
type Publisher interface {
	Publish(subject string, body any)
}

// RunnerEvent is the body of the runner connected/disconnected subjects.
type RunnerEvent struct {
	HostID       string    `json:"host_id"`
	Hostname     string    `json:"hostname"`
	CanRunAgents bool      `json:"can_run_agents"`
	Generation   uint64    `json:"generation"`
	At           time.Time `json:"at"`
}

// AgentEvent is the body of the agent placed/stopped subjects.
type AgentEvent struct {
	UserID          string    `json:"user_id"`
	RequesterUserID string    `json:"requester_user_id,omitempty"`
	HostID          string    `json:"host_id,omitempty"`
	Hostname        string    `json:"hostname,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	At              time.Time `json:"at"`
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(string, any) {}

// Message is one event captured by a Recorder.
type Message struct {
	Subject string
	Body    json.RawMessage
}

// Recorder keeps every published event in memory, encoded as it would
// be on the wire.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Publish records body under subject.
func (r *Recorder) Publish(subject string, body any) {
	encoded, err := json.Marshal(body)
	if err != nil {
		encoded = nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Subject: subject, Body: encoded})
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Subjects returns the subjects recorded so far, in order.
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	subjects := make([]string, len(r.messages))
	for index, message := range r.messages {
		subjects[index] = message.Subject
	}
	return subjects
}

// SubscribeRunners publishes connect and disconnect events of runners.
func SubscribeRunners(runners *registry.Registry, publisher Publisher, clk clock.Clock, logger *slog.Logger) []*registry.Subscription {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	publish := func(subject string) registry.Handler {
		return func(_ context.Context, event registry.Event) {
			connection := event.Source
			publisher.Publish(subject, RunnerEvent{
				HostID:       connection.ID,
				Hostname:     connection.Hostname,
				CanRunAgents: connection.CanRunAgents,
				Generation:   connection.Generation(),
				At:           clk.Now().UTC(),
			})
			logger.Debug("published runner lifecycle event",
				"subject", subject,
				"host", connection.ID,
			)
		}
	}
	return []*registry.Subscription{
		runners.RegisterEvent(schema.EventConnect, publish(SubjectRunnerConnected), nil),
		runners.RegisterEvent(schema.EventDisconnect, publish(SubjectRunnerDisconnected), nil),
	}
}
