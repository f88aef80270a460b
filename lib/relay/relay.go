// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay forwards remote control requests from one runner to
// another named runner and carries the answer back.
//
// Each request names its target host. The relay checks that the
// sender is who it claims to be, that the target is some other
// connected host, and that the target's answer has the expected shape
// before passing it on. The relay sets no timeout: a target that never
// answers leaves the requester to its own deadline.
package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bureau-foundation/bureau-hub/lib/codec"
	"github.com/bureau-foundation/bureau-hub/lib/load"
	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
)

// Error strings returned to requesters.
const (
	ErrTargetIsSource    = "target is source host; handle locally"
	ErrSourceMismatch    = "sourceHostId does not match sending host"
	ErrTargetNotFound    = "target host not connected"
	ErrTargetUnreachable = "failed to reach target host"
	ErrInvalidResponse   = "invalid response from target host"
)

// Relay handles the remote_agent_* events.
type Relay struct {
	runners *registry.Registry
	load    *load.Tracker
	logger  *slog.Logger
}

// New returns a relay. tracker may be nil, in which case relayed
// starts and stops do not update host load.
func New(runners *registry.Registry, tracker *load.Tracker, logger *slog.Logger) (*Relay, error) {
	if runners == nil {
		return nil, errors.New("relay: runner registry is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Relay{runners: runners, load: tracker, logger: logger}, nil
}

// Subscribe registers the three relay handlers.
func (r *Relay) Subscribe() []*registry.Subscription {
	return []*registry.Subscription{
		r.runners.RegisterEvent(schema.EventRemoteAgentStart, r.handleStart, registry.SchemaOf[schema.RemoteAgentStartRequest]()),
		r.runners.RegisterEvent(schema.EventRemoteAgentStop, r.handleStop, registry.SchemaOf[schema.RemoteAgentStopRequest]()),
		r.runners.RegisterEvent(schema.EventRemoteAgentLogs, r.handleLogs, registry.SchemaOf[schema.RemoteAgentLogsRequest]()),
	}
}

func (r *Relay) handleStart(_ context.Context, event registry.Event) {
	request := *event.Decoded.(*schema.RemoteAgentStartRequest)
	r.forward(event, &request.SourceHostID, request.TargetHostID, &request, func(reply *schema.Reply) {
		if reply.Succeeded() && r.load != nil {
			r.load.AddStartedAgent(request.TargetHostID, request.UserID)
		}
	})
}

func (r *Relay) handleStop(_ context.Context, event registry.Event) {
	request := *event.Decoded.(*schema.RemoteAgentStopRequest)
	r.forward(event, &request.SourceHostID, request.TargetHostID, &request, func(reply *schema.Reply) {
		if reply.Succeeded() && r.load != nil {
			r.load.RemoveStoppedAgent(request.TargetHostID, request.UserID)
		}
	})
}

func (r *Relay) handleLogs(_ context.Context, event registry.Event) {
	request := *event.Decoded.(*schema.RemoteAgentLogsRequest)
	r.forward(event, &request.SourceHostID, request.TargetHostID, &request, nil)
}

// forward validates the routing fields, fills in a missing source, and
// relays request to the target. sourceHostID points into request so
// the filled-in value is what the target sees. onReply runs for every
// well-formed target answer, before the requester is answered.
func (r *Relay) forward(event registry.Event, sourceHostID *string, targetHostID string, request any, onReply func(*schema.Reply)) {
	sender := event.Source.ID
	if *sourceHostID == "" {
		*sourceHostID = sender
	}
	if *sourceHostID != sender {
		r.logger.Warn("rejecting relay with spoofed source",
			"event", event.Name,
			"host", sender,
			"claimed_source", *sourceHostID,
		)
		r.answer(event, schema.RemoteResponse{Error: ErrSourceMismatch})
		return
	}
	if targetHostID == sender {
		r.answer(event, schema.RemoteResponse{Error: ErrTargetIsSource})
		return
	}
	if !r.runners.IsConnected(targetHostID) {
		r.answer(event, schema.RemoteResponse{Error: ErrTargetNotFound})
		return
	}

	r.logger.Debug("relaying request",
		"event", event.Name,
		"source", sender,
		"target", targetHostID,
	)
	sent := r.runners.SendMessage(targetHostID, event.Name, request, func(payload codec.RawMessage) {
		reply, err := registry.Decode[schema.Reply](payload)
		if err != nil {
			r.logger.Warn("malformed relay response",
				"event", event.Name,
				"target", targetHostID,
				"error", err,
			)
			r.answer(event, schema.RemoteResponse{Error: ErrInvalidResponse})
			return
		}
		if onReply != nil {
			onReply(reply)
		}
		r.answer(event, schema.RemoteResponse{
			Success:  reply.Succeeded(),
			Error:    reply.Error,
			Hostname: reply.Hostname,
			Lines:    reply.Lines,
		})
	})
	if !sent {
		r.answer(event, schema.RemoteResponse{Error: ErrTargetUnreachable})
	}
}

func (r *Relay) answer(event registry.Event, response schema.RemoteResponse) {
	if err := event.Ack(response); err != nil {
		r.logger.Debug("answering relay request failed",
			"event", event.Name,
			"host", event.Source.ID,
			"error", err,
		)
	}
}
