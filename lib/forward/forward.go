// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package forward queues changed records for delivery to every runner
// other than the one that produced them.
//
// The queue is a fan-out optimization: records are already durable in
// the hub store before they are enqueued, and a runner that reconnects
// catches up through sync regardless. Nothing here is persisted.
package forward

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/bureau-foundation/bureau-hub/lib/schema"
)

// HubSourceID is the source id the hub uses for records it produces
// itself. It is never a client, so such records reach every client.
const HubSourceID = "hub"

// Service holds one outbound queue per registered client.
type Service struct {
	tables *schema.Tables
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]map[string][]schema.Record
}

// New returns an empty service that forwards only the tables marked
// forwardable in tables.
func New(tables *schema.Tables, logger *slog.Logger) *Service {
	if tables == nil {
		tables = schema.DefaultTables()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		tables: tables,
		logger: logger,
		queues: make(map[string]map[string][]schema.Record),
	}
}

// InitClient registers id with an empty queue. Re-initializing an
// existing client discards its pending records.
func (s *Service) InitClient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[id] = make(map[string][]schema.Record)
}

// RemoveClient drops id and anything queued for it.
func (s *Service) RemoveClient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, id)
}

// HasClient reports whether id is registered.
func (s *Service) HasClient(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[id]
	return ok
}

// EnqueueForOtherClients appends the forwardable, non-empty tables of
// a batch produced by sourceID to the queue of every other client.
func (s *Service) EnqueueForOtherClients(sourceID string, tables map[string][]schema.Record) {
	filtered := make(map[string][]schema.Record)
	for name, records := range tables {
		if len(records) == 0 || !s.tables.IsForwardable(name) {
			continue
		}
		filtered[name] = records
	}
	if len(filtered) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	recipients := 0
	for id, queue := range s.queues {
		if id == sourceID {
			continue
		}
		for name, records := range filtered {
			queue[name] = append(queue[name], records...)
		}
		recipients++
	}
	s.logger.Debug("enqueued records for forwarding",
		"source", sourceID,
		"tables", len(filtered),
		"recipients", recipients,
	)
}

// DequeueForClient takes everything queued for id, leaving a fresh
// empty queue. Returns nil, false when nothing is pending.
func (s *Service) DequeueForClient(id string) (map[string][]schema.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[id]
	if !ok || len(queue) == 0 {
		return nil, false
	}
	s.queues[id] = make(map[string][]schema.Record)
	return queue, true
}

// GetPendingCount returns the number of records queued for id.
func (s *Service) GetPendingCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, records := range s.queues[id] {
		count += len(records)
	}
	return count
}

// GetClients returns the registered client ids, sorted.
func (s *Service) GetClients() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}
