// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/bureau-foundation/bureau-hub/lib/clock"
	"github.com/bureau-foundation/bureau-hub/lib/codec"
	"github.com/bureau-foundation/bureau-hub/lib/events"
	"github.com/bureau-foundation/bureau-hub/lib/load"
	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
)

// Error strings returned to requesters.
const (
	ErrNoEligibleHosts      = "no eligible hosts online"
	ErrNoTargetHosts        = "no target hosts connected"
	ErrInvalidResponse      = "invalid response from target host"
	ErrTargetUnreachable    = "failed to reach target host"
	ErrDirectoryUnavailable = "host directory unavailable"
)

// Directory resolves user-to-host assignments.
type Directory interface {
	AssignedHosts(ctx context.Context, userID string) ([]string, error)
}

// Task is a successfully started agent's initial instruction.
type Task struct {
	UserID          string
	RequesterUserID string
	HostID          string
	Description     string
}

// TaskDeliverer hands a task to the started agent. Called on its own
// goroutine after the requester has been answered.
type TaskDeliverer interface {
	DeliverTask(ctx context.Context, task Task) error
}

// Config holds the router's collaborators.
type Config struct {
	Runners   *registry.Registry
	Directory Directory
	Load      *load.Tracker

	// Deliverer is optional; without one, task descriptions are dropped.
	Deliverer TaskDeliverer

	// Publisher is optional; defaults to events.Nop.
	Publisher events.Publisher

	Clock  clock.Clock
	Logger *slog.Logger
}

// Router handles agent_start and agent_stop.
type Router struct {
	runners   *registry.Registry
	directory Directory
	load      *load.Tracker
	deliverer TaskDeliverer
	publisher events.Publisher
	clock     clock.Clock
	logger    *slog.Logger

	deliveries sync.WaitGroup
}

// New validates cfg and returns a router. Call Subscribe to attach it.
func New(cfg Config) (*Router, error) {
	if cfg.Runners == nil || cfg.Directory == nil || cfg.Load == nil {
		return nil, errors.New("placement: Runners, Directory, and Load are required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		runners:   cfg.Runners,
		directory: cfg.Directory,
		load:      cfg.Load,
		deliverer: cfg.Deliverer,
		publisher: cfg.Publisher,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

// Subscribe registers the start and stop handlers with the runner
// registry.
func (r *Router) Subscribe() []*registry.Subscription {
	return []*registry.Subscription{
		r.runners.RegisterEvent(schema.EventAgentStart, r.handleStart, registry.SchemaOf[schema.AgentStartRequest]()),
		r.runners.RegisterEvent(schema.EventAgentStop, r.handleStop, registry.SchemaOf[schema.AgentStopRequest]()),
	}
}

// Wait blocks until every task delivery started so far has finished.
func (r *Router) Wait() {
	r.deliveries.Wait()
}

// candidate pairs a connected host with its current load.
type candidate struct {
	connection   *registry.Connection
	activeAgents int
}

// SelectHost returns the connected, agent-capable host that should run
// an agent acting as userID, or nil with the failure reason.
func (r *Router) SelectHost(ctx context.Context, userID string) (*registry.Connection, string) {
	assigned, err := r.directory.AssignedHosts(ctx, userID)
	if err != nil {
		r.logger.Error("resolving assigned hosts failed",
			"user", userID,
			"error", err,
		)
		return nil, ErrDirectoryUnavailable
	}

	var eligible []*registry.Connection
	if len(assigned) > 0 {
		for _, hostID := range assigned {
			if connection := r.runners.GetByID(hostID); connection != nil {
				eligible = append(eligible, connection)
			}
		}
	} else {
		eligible = r.runners.GetConnected()
	}

	var candidates []candidate
	for _, connection := range eligible {
		if !connection.CanRunAgents {
			continue
		}
		candidates = append(candidates, candidate{
			connection:   connection,
			activeAgents: r.load.GetHostActiveAgentCount(connection.ID),
		})
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleHosts
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].activeAgents != candidates[j].activeAgents {
			return candidates[i].activeAgents < candidates[j].activeAgents
		}
		return candidates[i].connection.ID < candidates[j].connection.ID
	})
	return candidates[0].connection, ""
}

func (r *Router) handleStart(ctx context.Context, event registry.Event) {
	request := *event.Decoded.(*schema.AgentStartRequest)
	if request.SourceHostID == "" {
		request.SourceHostID = event.Source.ID
	}

	target, reason := r.SelectHost(ctx, request.StartUserID)
	if target == nil {
		r.logger.Info("agent placement failed",
			"user", request.StartUserID,
			"requester", request.RequesterUserID,
			"reason", reason,
		)
		r.answerStart(event, request, nil, schema.AgentStartResponse{Error: reason})
		return
	}

	r.logger.Info("placing agent",
		"user", request.StartUserID,
		"requester", request.RequesterUserID,
		"host", target.ID,
		"active_agents", r.load.GetHostActiveAgentCount(target.ID),
	)
	sent := r.runners.SendMessage(target.ID, schema.EventAgentStart, request, func(payload codec.RawMessage) {
		r.completeStart(ctx, event, request, target, payload)
	})
	if !sent {
		r.answerStart(event, request, target, schema.AgentStartResponse{Error: ErrTargetUnreachable})
	}
}

func (r *Router) completeStart(ctx context.Context, event registry.Event, request schema.AgentStartRequest, target *registry.Connection, payload codec.RawMessage) {
	reply, err := registry.Decode[schema.Reply](payload)
	if err != nil {
		r.logger.Warn("malformed agent_start response",
			"host", target.ID,
			"error", err,
		)
		r.answerStart(event, request, target, schema.AgentStartResponse{Error: ErrInvalidResponse})
		return
	}
	if !reply.Succeeded() {
		r.answerStart(event, request, target, schema.AgentStartResponse{Error: reply.Error})
		return
	}

	r.load.AddStartedAgent(target.ID, request.StartUserID)
	hostname := reply.Hostname
	if hostname == "" {
		hostname = target.Hostname
	}
	r.answerStart(event, request, target, schema.AgentStartResponse{Success: true, Hostname: hostname})

	if r.deliverer == nil || request.TaskDescription == "" {
		return
	}
	task := Task{
		UserID:          request.StartUserID,
		RequesterUserID: request.RequesterUserID,
		HostID:          target.ID,
		Description:     request.TaskDescription,
	}
	r.deliveries.Add(1)
	go func() {
		defer r.deliveries.Done()
		if err := r.deliverer.DeliverTask(context.WithoutCancel(ctx), task); err != nil {
			r.logger.Error("delivering task failed",
				"user", task.UserID,
				"host", task.HostID,
				"error", err,
			)
		}
	}()
}

// answerStart publishes before acking so the event is out by the time
// the requester sees the result.
func (r *Router) answerStart(event registry.Event, request schema.AgentStartRequest, target *registry.Connection, response schema.AgentStartResponse) {
	published := events.AgentEvent{
		UserID:          request.StartUserID,
		RequesterUserID: request.RequesterUserID,
		Hostname:        response.Hostname,
		Success:         response.Success,
		Error:           response.Error,
		At:              r.clock.Now().UTC(),
	}
	if target != nil {
		published.HostID = target.ID
	}
	r.publisher.Publish(events.SubjectAgentPlaced, published)

	if err := event.Ack(response); err != nil {
		r.logger.Debug("answering agent_start failed",
			"host", event.Source.ID,
			"error", err,
		)
	}
}

func (r *Router) handleStop(_ context.Context, event registry.Event) {
	request := *event.Decoded.(*schema.AgentStopRequest)
	if request.SourceHostID == "" {
		request.SourceHostID = event.Source.ID
	}

	var answer sync.Once
	respond := func(hostID string, response schema.AgentStopResponse) {
		answer.Do(func() {
			r.publisher.Publish(events.SubjectAgentStopped, events.AgentEvent{
				UserID:  request.UserID,
				HostID:  hostID,
				Reason:  request.Reason,
				Success: response.Success,
				Error:   response.Error,
				At:      r.clock.Now().UTC(),
			})
			if err := event.Ack(response); err != nil {
				r.logger.Debug("answering agent_stop failed",
					"host", event.Source.ID,
					"error", err,
				)
			}
		})
	}

	hosts := r.load.FindHostsForAgent(request.UserID)
	sent := 0
	for _, hostID := range hosts {
		ok := r.runners.SendMessage(hostID, schema.EventAgentStop, request, func(payload codec.RawMessage) {
			reply, err := registry.Decode[schema.Reply](payload)
			if err != nil {
				r.logger.Warn("malformed agent_stop response",
					"host", hostID,
					"error", err,
				)
				respond(hostID, schema.AgentStopResponse{Error: ErrInvalidResponse})
				return
			}
			if reply.Succeeded() {
				r.load.RemoveStoppedAgent(hostID, request.UserID)
			}
			respond(hostID, schema.AgentStopResponse{Success: reply.Succeeded(), Error: reply.Error})
		})
		if ok {
			sent++
		}
	}
	r.logger.Info("stopping agent",
		"user", request.UserID,
		"hosts", hosts,
		"sent", sent,
	)
	if sent == 0 {
		respond("", schema.AgentStopResponse{Error: ErrNoTargetHosts})
	}
}
