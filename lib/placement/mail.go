// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bureau-foundation/bureau-hub/lib/clock"
	"github.com/bureau-foundation/bureau-hub/lib/forward"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
)

// MailKindTask marks mail carrying an agent's initial task.
const MailKindTask = "task"

// RecordStore is the subset of the record store mail delivery needs.
type RecordStore interface {
	UpsertRecords(ctx context.Context, table string, records []schema.Record) error
}

// MailDeliverer delivers task descriptions as mail records: stored in
// the hub and queued for every runner, so the started agent's host
// receives it on its next sync poll.
type MailDeliverer struct {
	Store   RecordStore
	Forward *forward.Service
	Clock   clock.Clock
}

var _ TaskDeliverer = (*MailDeliverer)(nil)

// DeliverTask writes one mail record for task.
func (m *MailDeliverer) DeliverTask(ctx context.Context, task Task) error {
	clk := m.Clock
	if clk == nil {
		clk = clock.Real()
	}
	now := clk.Now().UnixMilli()
	record := schema.Record{
		schema.FieldID:  uuid.NewString(),
		schema.FieldSeq: now,
		"kind":          MailKindTask,
		"to_user_id":    task.UserID,
		"from_user_id":  task.RequesterUserID,
		"host_id":       task.HostID,
		"body":          task.Description,
		"created_at":    now,
	}
	if err := m.Store.UpsertRecords(ctx, schema.TableMail, []schema.Record{record}); err != nil {
		return fmt.Errorf("storing task mail for %s: %w", task.UserID, err)
	}
	m.Forward.EnqueueForOtherClients(forward.HubSourceID, map[string][]schema.Record{
		schema.TableMail: {record},
	})
	return nil
}
