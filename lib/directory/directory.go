// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package directory keeps the hub's canonical host records and the
// assignment of users to hosts, both in hub-private store tables.
//
// Assignments arrive by sync from runners or through [Directory.Assign].
// Removing an assignment writes a tombstone (removed: true) with a
// newer updated_at rather than deleting the row, so a stale copy
// synced later cannot resurrect it.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bureau-foundation/bureau-hub/lib/clock"
	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
)

// Record fields of the hosts and user_hosts tables.
const (
	fieldHostname     = "hostname"
	fieldCanRunAgents = "can_run_agents"
	fieldUserID       = "user_id"
	fieldHostID       = "host_id"
	fieldRemoved      = "removed"
)

// Store is the subset of the record store the directory needs.
type Store interface {
	UpsertRecords(ctx context.Context, table string, records []schema.Record) error
	QueryByField(ctx context.Context, table, field string, value any) ([]schema.Record, error)
	Get(ctx context.Context, table, primaryKey string) (schema.Record, bool, error)
}

// Host is a canonical host record.
type Host struct {
	ID           string `json:"id"`
	Hostname     string `json:"hostname"`
	CanRunAgents bool   `json:"can_run_agents"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Directory reads and writes hosts and assignments.
type Directory struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a directory over store.
func New(store Store, clk clock.Clock, logger *slog.Logger) *Directory {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Directory{store: store, clock: clk, logger: logger}
}

func (d *Directory) now() int64 {
	return d.clock.Now().UnixMilli()
}

// RegisterHost upserts host's record, stamping updated_at.
func (d *Directory) RegisterHost(ctx context.Context, host Host) error {
	record := schema.Record{
		schema.FieldID:        host.ID,
		fieldHostname:         host.Hostname,
		fieldCanRunAgents:     host.CanRunAgents,
		schema.FieldUpdatedAt: d.now(),
	}
	if err := d.store.UpsertRecords(ctx, schema.TableHosts, []schema.Record{record}); err != nil {
		return fmt.Errorf("registering host %s: %w", host.ID, err)
	}
	return nil
}

// Host returns the record for id.
func (d *Directory) Host(ctx context.Context, id string) (Host, bool, error) {
	record, ok, err := d.store.Get(ctx, schema.TableHosts, id)
	if err != nil || !ok {
		return Host{}, false, err
	}
	canRun, _ := record[fieldCanRunAgents].(bool)
	updatedAt, _ := record.Int64Field(schema.FieldUpdatedAt)
	return Host{
		ID:           id,
		Hostname:     record.StringField(fieldHostname),
		CanRunAgents: canRun,
		UpdatedAt:    updatedAt,
	}, true, nil
}

// AssignedHosts returns the hosts assigned to userID, sorted.
func (d *Directory) AssignedHosts(ctx context.Context, userID string) ([]string, error) {
	records, err := d.store.QueryByField(ctx, schema.TableUserHosts, fieldUserID, userID)
	if err != nil {
		return nil, fmt.Errorf("looking up hosts for %s: %w", userID, err)
	}
	seen := make(map[string]bool, len(records))
	var hosts []string
	for _, record := range records {
		if removed, _ := record[fieldRemoved].(bool); removed {
			continue
		}
		hostID := record.StringField(fieldHostID)
		if hostID == "" || seen[hostID] {
			continue
		}
		seen[hostID] = true
		hosts = append(hosts, hostID)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// Assign records that userID may run on hostID.
func (d *Directory) Assign(ctx context.Context, userID, hostID string) error {
	return d.writeAssignment(ctx, userID, hostID, false)
}

// Unassign tombstones the assignment of userID to hostID.
func (d *Directory) Unassign(ctx context.Context, userID, hostID string) error {
	return d.writeAssignment(ctx, userID, hostID, true)
}

func (d *Directory) writeAssignment(ctx context.Context, userID, hostID string, removed bool) error {
	record := schema.Record{
		schema.FieldID:        AssignmentID(userID, hostID),
		fieldUserID:           userID,
		fieldHostID:           hostID,
		schema.FieldUpdatedAt: d.now(),
	}
	if removed {
		record[fieldRemoved] = true
	}
	if err := d.store.UpsertRecords(ctx, schema.TableUserHosts, []schema.Record{record}); err != nil {
		return fmt.Errorf("writing assignment %s -> %s: %w", userID, hostID, err)
	}
	return nil
}

// AssignmentID is the primary key of a user_hosts record.
func AssignmentID(userID, hostID string) string {
	return userID + "/" + hostID
}

// Subscribe registers every runner connection as a host record.
func (d *Directory) Subscribe(runners *registry.Registry) *registry.Subscription {
	return runners.RegisterEvent(schema.EventConnect, func(ctx context.Context, event registry.Event) {
		connection := event.Source
		err := d.RegisterHost(context.WithoutCancel(ctx), Host{
			ID:           connection.ID,
			Hostname:     connection.Hostname,
			CanRunAgents: connection.CanRunAgents,
		})
		if err != nil {
			d.logger.Error("recording connected host failed",
				"host", connection.ID,
				"error", err,
			)
		}
	}, nil)
}
