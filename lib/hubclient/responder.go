// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hubclient

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
	"github.com/bureau-foundation/bureau-hub/transport"
)

// DefaultPageSize is how many records per table a sync response
// carries before setting hasMore.
const DefaultPageSize = 500

// ChangeSource is where a runner's own records live. QueryChangedSince
// must not end a page between two records of equal cursor: the hub
// resumes strictly after the highest cursor it received.
type ChangeSource interface {
	Tables() *schema.Tables
	QueryChangedSince(ctx context.Context, table string, cursor int64, limit int) ([]schema.Record, bool, error)
}

// RecordSink receives records other runners produced.
type RecordSink interface {
	UpsertRecords(ctx context.Context, table string, records []schema.Record) error
}

// SyncResponder answers sync_request polls. Sink must not feed back
// into Source; a forwarded record that reappears among this runner's
// changes would be forwarded again to every other runner.
type SyncResponder struct {
	HostID   string
	Source   ChangeSource
	Sink     RecordSink
	PageSize int
	Logger   *slog.Logger
}

// Register installs the responder on client.
func (r *SyncResponder) Register(client *Client) {
	client.Handle(schema.EventSyncRequest, r.Handle)
}

// Handle applies forwarded records and acks with the changes since the
// hub's cursors.
func (r *SyncResponder) Handle(ctx context.Context, in *transport.Inbound) {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	request, err := registry.Decode[schema.SyncRequest](in.Payload)
	if err != nil {
		// An empty answer still releases the hub's poll slot.
		logger.Warn("answering malformed sync request with no changes", "error", err)
		r.answer(in, map[string][]schema.Record{}, false, logger)
		return
	}

	for table, records := range request.Forwarded {
		if r.Sink == nil {
			logger.Debug("no sink for forwarded records", "table", table, "count", len(records))
			continue
		}
		if err := r.Sink.UpsertRecords(ctx, table, records); err != nil {
			logger.Warn("applying forwarded records failed",
				"table", table,
				"count", len(records),
				"error", err,
			)
		}
	}

	pageSize := r.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	hasMore := false
	tables := make(map[string][]schema.Record)
	for _, table := range r.Source.Tables().Names() {
		records, more, err := r.Source.QueryChangedSince(ctx, table, request.Since[table], pageSize)
		if err != nil {
			logger.Warn("querying changes failed", "table", table, "error", err)
			continue
		}
		if len(records) > 0 {
			tables[table] = records
		}
		hasMore = hasMore || more
	}

	r.answer(in, tables, hasMore, logger)
}

func (r *SyncResponder) answer(in *transport.Inbound, tables map[string][]schema.Record, hasMore bool, logger *slog.Logger) {
	if err := in.Ack(schema.SyncResponse{
		HostID:  r.HostID,
		HasMore: &hasMore,
		Tables:  tables,
	}); err != nil {
		logger.Debug("sync ack failed", "error", err)
	}
}
