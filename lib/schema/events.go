// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// Lifecycle events raised by the registry itself. Runners never send
// these names.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Hub to runner.
const (
	// EventSyncRequest polls a runner for records changed since the
	// hub's cursor. Acked with a SyncResponse.
	EventSyncRequest = "sync_request"
)

// Runner to hub.
const (
	// EventHeartbeat is fire-and-forget; carries Heartbeat.
	EventHeartbeat = "heartbeat"

	// EventAgentStart asks the hub to place an agent on the
	// least-loaded eligible runner. The hub forwards the same event
	// name to the chosen runner.
	EventAgentStart = "agent_start"

	// EventAgentStop asks the hub to stop an agent wherever it runs.
	EventAgentStop = "agent_stop"

	// Remote control requests name their target explicitly and are
	// relayed 1:1.
	EventRemoteAgentStart = "remote_agent_start"
	EventRemoteAgentStop  = "remote_agent_stop"
	EventRemoteAgentLogs  = "remote_agent_logs"
)

// Peer hub to hub.
const (
	EventHubStatus = "hub_status"
)
