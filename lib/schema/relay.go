// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// RemoteAgentStartRequest starts UserID's agent on a specific host,
// bypassing placement.
type RemoteAgentStartRequest struct {
	SourceHostID    string `cbor:"sourceHostId"`
	TargetHostID    string `cbor:"targetHostId" validate:"required"`
	UserID          string `cbor:"userId" validate:"required"`
	RequesterUserID string `cbor:"requesterUserId"`
	TaskDescription string `cbor:"taskDescription"`
}

// RemoteAgentStopRequest stops UserID's agent on a specific host.
type RemoteAgentStopRequest struct {
	SourceHostID string `cbor:"sourceHostId"`
	TargetHostID string `cbor:"targetHostId" validate:"required"`
	UserID       string `cbor:"userId" validate:"required"`
	Reason       string `cbor:"reason"`
}

// RemoteAgentLogsRequest fetches the tail of UserID's agent log from a
// specific host.
type RemoteAgentLogsRequest struct {
	SourceHostID string `cbor:"sourceHostId"`
	TargetHostID string `cbor:"targetHostId" validate:"required"`
	UserID       string `cbor:"userId" validate:"required"`
	Lines        int    `cbor:"lines" validate:"gte=0,lte=10000"`
}

// RemoteResponse is what the hub acks back to the requesting runner.
type RemoteResponse struct {
	Success  bool     `cbor:"success"`
	Error    string   `cbor:"error,omitempty"`
	Hostname string   `cbor:"hostname,omitempty"`
	Lines    []string `cbor:"lines,omitempty"`
}
