// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// AgentStartRequest asks the hub to place and start the agent acting
// as StartUserID.
type AgentStartRequest struct {
	StartUserID     string `cbor:"startUserId" validate:"required"`
	RequesterUserID string `cbor:"requesterUserId" validate:"required"`
	TaskDescription string `cbor:"taskDescription"`
	SourceHostID    string `cbor:"sourceHostId"`
}

// AgentStartResponse answers an AgentStartRequest.
type AgentStartResponse struct {
	Success  bool   `cbor:"success"`
	Error    string `cbor:"error,omitempty"`
	Hostname string `cbor:"hostname,omitempty"`
}

// AgentStopRequest asks the hub to stop the agent acting as UserID on
// every host running it.
type AgentStopRequest struct {
	UserID       string `cbor:"userId" validate:"required"`
	Reason       string `cbor:"reason"`
	SourceHostID string `cbor:"sourceHostId"`
}

// AgentStopResponse answers an AgentStopRequest.
type AgentStopResponse struct {
	Success bool   `cbor:"success"`
	Error   string `cbor:"error,omitempty"`
}

// Heartbeat is a runner's periodic report of the agents it is running.
type Heartbeat struct {
	HostID         string   `cbor:"hostId" validate:"required"`
	ActiveAgentIDs []string `cbor:"activeAgentIds" validate:"dive,required"`
}

// Reply is the shape every runner ack to a forwarded start, stop, or
// remote request must have. The hub decodes target responses into it
// and validates before relaying.
type Reply struct {
	Success  *bool    `cbor:"success" validate:"required"`
	Error    string   `cbor:"error,omitempty"`
	Hostname string   `cbor:"hostname,omitempty"`
	Lines    []string `cbor:"lines,omitempty"`
}

// Succeeded reports the dereferenced Success.
func (r *Reply) Succeeded() bool {
	return r.Success != nil && *r.Success
}
