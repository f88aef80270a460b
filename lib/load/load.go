// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package load tracks which agents are active on which host.
//
// Entries come from two sources: explicit start/stop acknowledgements
// relayed through the hub, and periodic heartbeats in which a runner
// reports its full active set. Entries outlive the host's connection;
// only an acknowledged stop or a later heartbeat removes them. The
// same agent may briefly appear on more than one host, so
// [Tracker.FindHostsForAgent] returns every match.
package load

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
)

// Tracker maps host id to its set of active agent ids. Safe for
// concurrent use.
type Tracker struct {
	logger *slog.Logger

	mu    sync.Mutex
	hosts map[string]map[string]struct{}
}

// New returns an empty tracker.
func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tracker{logger: logger, hosts: make(map[string]map[string]struct{})}
}

// AddStartedAgent records agentID as active on hostID.
func (t *Tracker) AddStartedAgent(hostID, agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	agents := t.hosts[hostID]
	if agents == nil {
		agents = make(map[string]struct{})
		t.hosts[hostID] = agents
	}
	agents[agentID] = struct{}{}
}

// RemoveStoppedAgent clears agentID from hostID.
func (t *Tracker) RemoveStoppedAgent(hostID, agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	agents := t.hosts[hostID]
	delete(agents, agentID)
	if len(agents) == 0 {
		delete(t.hosts, hostID)
	}
}

// GetHostActiveAgentCount returns how many agents hostID is running.
func (t *Tracker) GetHostActiveAgentCount(hostID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hosts[hostID])
}

// FindHostsForAgent returns every host reporting agentID, sorted.
func (t *Tracker) FindHostsForAgent(agentID string) []string {
	t.mu.Lock()
	var hosts []string
	for hostID, agents := range t.hosts {
		if _, ok := agents[agentID]; ok {
			hosts = append(hosts, hostID)
		}
	}
	t.mu.Unlock()
	sort.Strings(hosts)
	return hosts
}

// ReconcileHeartbeat replaces hostID's active set with agentIDs.
func (t *Tracker) ReconcileHeartbeat(hostID string, agentIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(agentIDs) == 0 {
		delete(t.hosts, hostID)
		return
	}
	agents := make(map[string]struct{}, len(agentIDs))
	for _, agentID := range agentIDs {
		agents[agentID] = struct{}{}
	}
	t.hosts[hostID] = agents
}

// Snapshot returns a copy of every host's active agents, each list
// sorted.
func (t *Tracker) Snapshot() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := make(map[string][]string, len(t.hosts))
	for hostID, agents := range t.hosts {
		ids := make([]string, 0, len(agents))
		for agentID := range agents {
			ids = append(ids, agentID)
		}
		sort.Strings(ids)
		snapshot[hostID] = ids
	}
	return snapshot
}

// Subscribe attaches the tracker to heartbeat events from runners and
// returns the subscription.
func (t *Tracker) Subscribe(runners *registry.Registry) *registry.Subscription {
	return runners.RegisterEvent(schema.EventHeartbeat, t.handleHeartbeat, registry.SchemaOf[schema.Heartbeat]())
}

func (t *Tracker) handleHeartbeat(_ context.Context, event registry.Event) {
	heartbeat := event.Decoded.(*schema.Heartbeat)
	if heartbeat.HostID != event.Source.ID {
		t.logger.Warn("rejecting heartbeat for another host",
			"host", event.Source.ID,
			"claimed_host", heartbeat.HostID,
		)
		return
	}
	t.ReconcileHeartbeat(heartbeat.HostID, heartbeat.ActiveAgentIDs)
}
