// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// SchemaVersion is sent with every sync poll. A runner that does not
// understand it answers with an error ack instead of a SyncResponse.
const SchemaVersion = 3

// SyncRequest polls a runner for changes.
type SyncRequest struct {
	SchemaVersion int `cbor:"schemaVersion"`

	// Since maps table name to the hub's cursor for that table on this
	// runner. A table absent from the map has cursor 0.
	Since map[string]int64 `cbor:"since"`

	// Forwarded carries records other runners produced since this
	// runner was last polled, keyed by table. Omitted when nothing is
	// pending.
	Forwarded map[string][]Record `cbor:"forwarded,omitempty"`
}

// SyncResponse is a runner's answer to a SyncRequest.
type SyncResponse struct {
	HostID string `cbor:"hostId" validate:"required"`

	// HasMore reports that the runner truncated its answer and has
	// further changes queued. A pointer so an absent field fails
	// validation instead of reading as false.
	HasMore *bool `cbor:"hasMore" validate:"required"`

	Tables map[string][]Record `cbor:"tables" validate:"required"`
}

// More reports the dereferenced HasMore.
func (r *SyncResponse) More() bool {
	return r.HasMore != nil && *r.HasMore
}
