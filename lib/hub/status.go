// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"time"

	"github.com/bureau-foundation/bureau-hub/lib/syncer"
)

// Status is the operator view served at /v1/status and to peers as the
// hub_status ack.
type Status struct {
	Runners        []RunnerStatus           `json:"runners"`
	Peers          int                      `json:"peers"`
	Sync           []syncer.ConnectionState `json:"sync"`
	SyncInFlight   int                      `json:"sync_in_flight"`
	Load           map[string][]string      `json:"load"`
	PendingForward map[string]int           `json:"pending_forward"`
}

// RunnerStatus describes one connected runner.
type RunnerStatus struct {
	HostID       string    `json:"host_id"`
	Hostname     string    `json:"hostname,omitempty"`
	CanRunAgents bool      `json:"can_run_agents"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// Status snapshots every component. Components are read one after
// another, so the view is not atomic across them.
func (h *Hub) Status() Status {
	status := Status{
		Peers:          h.peers.Count(),
		Load:           h.load.Snapshot(),
		PendingForward: make(map[string]int),
	}
	for _, connection := range h.runners.GetConnected() {
		status.Runners = append(status.Runners, RunnerStatus{
			HostID:       connection.ID,
			Hostname:     connection.Hostname,
			CanRunAgents: connection.CanRunAgents,
			ConnectedAt:  connection.ConnectedAt,
		})
	}
	status.Sync, status.SyncInFlight = h.syncer.Snapshot()
	for _, client := range h.forward.GetClients() {
		status.PendingForward[client] = h.forward.GetPendingCount(client)
	}
	return status
}
