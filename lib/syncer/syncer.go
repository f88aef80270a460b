// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncer pulls changed records from connected runners.
//
// The hub never waits for runners to push. On every tick the
// [Orchestrator] picks the connection that has gone longest without a
// poll and sends it a sync_request carrying the hub's per-table cursors
// and any records other runners produced for it. The runner answers
// with records changed since those cursors; the hub stores them,
// queues them for every other runner, and advances the cursors. A
// response flagged hasMore is followed immediately by another poll of
// the same runner, reusing its slot so the concurrency cap holds.
//
// At most MaxInFlight polls are outstanding at once. That cap is the
// hub's only backpressure: a slow runner holds one slot, never more.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/bureau-hub/lib/clock"
	"github.com/bureau-foundation/bureau-hub/lib/codec"
	"github.com/bureau-foundation/bureau-hub/lib/forward"
	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
)

// Defaults for Config.
const (
	DefaultInterval    = time.Second
	DefaultMaxInFlight = 3
)

// RecordStore receives the records runners report.
type RecordStore interface {
	UpsertRecords(ctx context.Context, table string, records []schema.Record) error
}

// Config holds the orchestrator's collaborators and tuning.
type Config struct {
	Runners *registry.Registry
	Store   RecordStore
	Forward *forward.Service
	Tables  *schema.Tables

	Interval    time.Duration
	MaxInFlight int

	Clock  clock.Clock
	Logger *slog.Logger
}

// state is one connection's SyncState.
type state struct {
	// generation is the registry generation this state belongs to.
	generation uint64

	synced   bool
	lastSync time.Time
	inFlight bool

	// poll identifies the outstanding poll; responses carrying any
	// other value are stale.
	poll  uint64
	since map[string]int64
}

// Orchestrator runs catch-up polling.
type Orchestrator struct {
	runners     *registry.Registry
	store       RecordStore
	forward     *forward.Service
	tables      *schema.Tables
	interval    time.Duration
	maxInFlight int
	clock       clock.Clock
	logger      *slog.Logger

	mu            sync.Mutex
	running       bool
	states        map[string]*state
	inFlight      int
	nextPoll      uint64
	subscriptions []*registry.Subscription
	ticker        clock.Ticker
	stopped       chan struct{}
	loopDone      chan struct{}
}

// New validates cfg and returns a stopped orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Runners == nil || cfg.Store == nil || cfg.Forward == nil {
		return nil, errors.New("syncer: Runners, Store, and Forward are required")
	}
	if cfg.Tables == nil {
		cfg.Tables = schema.DefaultTables()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		runners:     cfg.Runners,
		store:       cfg.Store,
		forward:     cfg.Forward,
		tables:      cfg.Tables,
		interval:    cfg.Interval,
		maxInFlight: cfg.MaxInFlight,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		states:      make(map[string]*state),
	}, nil
}

// Start subscribes to connection lifecycle events, rebuilds state from
// the runners connected now, and starts the tick loop. State left from
// before a Stop is discarded; acks for its polls are ignored. Calling
// Start on a running orchestrator does nothing.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.states = make(map[string]*state)
	o.inFlight = 0
	o.stopped = make(chan struct{})
	o.loopDone = make(chan struct{})
	o.subscriptions = []*registry.Subscription{
		o.runners.RegisterEvent(schema.EventConnect, o.handleConnect, nil),
		o.runners.RegisterEvent(schema.EventDisconnect, o.handleDisconnect, nil),
	}
	o.ticker = o.clock.NewTicker(o.interval)
	ticks, stopped, loopDone := o.ticker.C(), o.stopped, o.loopDone
	o.mu.Unlock()

	connected := make(map[string]bool)
	for _, connection := range o.runners.GetConnected() {
		connected[connection.ID] = true
		o.reset(connection)
	}
	// Runners that left while stopped never had RemoveClient called.
	for _, id := range o.forward.GetClients() {
		if !connected[id] {
			o.forward.RemoveClient(id)
		}
	}

	go func() {
		defer close(loopDone)
		for {
			select {
			case <-ticks:
				o.Tick()
			case <-stopped:
				return
			}
		}
	}()
	o.logger.Info("sync orchestrator started",
		"interval", o.interval,
		"max_in_flight", o.maxInFlight,
	)
}

// Stop unsubscribes, stops the tick loop, and suppresses any hasMore
// re-poll. Responses to polls already sent are still applied.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	subscriptions := o.subscriptions
	o.subscriptions = nil
	o.ticker.Stop()
	close(o.stopped)
	loopDone := o.loopDone
	o.mu.Unlock()

	for _, subscription := range subscriptions {
		o.runners.UnregisterEvent(subscription)
	}
	<-loopDone
	o.logger.Info("sync orchestrator stopped")
}

func (o *Orchestrator) handleConnect(_ context.Context, event registry.Event) {
	o.reset(event.Source)
}

// reset installs fresh, immediately eligible state for connection. A
// poll outstanding for an older generation no longer counts against
// the cap.
func (o *Orchestrator) reset(connection *registry.Connection) {
	o.forward.InitClient(connection.ID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if previous := o.states[connection.ID]; previous != nil && previous.inFlight {
		o.inFlight--
	}
	o.states[connection.ID] = &state{
		generation: connection.Generation(),
		since:      make(map[string]int64),
	}
}

func (o *Orchestrator) handleDisconnect(_ context.Context, event registry.Event) {
	o.mu.Lock()
	current := o.states[event.Source.ID]
	matched := current != nil && current.generation == event.Source.Generation()
	if matched {
		if current.inFlight {
			o.inFlight--
		}
		delete(o.states, event.Source.ID)
	}
	o.mu.Unlock()
	if matched {
		o.forward.RemoveClient(event.Source.ID)
	}
}

// Tick runs one selection round: if a slot is free, poll the eligible
// connection that has waited longest.
func (o *Orchestrator) Tick() {
	o.mu.Lock()
	if o.inFlight >= o.maxInFlight {
		o.mu.Unlock()
		return
	}
	var chosen string
	var chosenState *state
	// Registry order breaks ties between never-synced connections.
	for _, connection := range o.runners.GetConnected() {
		candidate := o.states[connection.ID]
		if candidate == nil || candidate.inFlight || candidate.generation != connection.Generation() {
			continue
		}
		if chosenState == nil || older(candidate, chosenState) {
			chosen, chosenState = connection.ID, candidate
		}
	}
	if chosenState == nil {
		o.mu.Unlock()
		return
	}
	o.inFlight++
	poll, since := o.beginPollLocked(chosenState)
	o.mu.Unlock()

	o.send(chosen, poll, since)
}

func older(a, b *state) bool {
	if !a.synced || !b.synced {
		return !a.synced && b.synced
	}
	return a.lastSync.Before(b.lastSync)
}

// beginPollLocked marks st in flight under a fresh poll id. The caller
// has already accounted for the slot.
func (o *Orchestrator) beginPollLocked(st *state) (uint64, map[string]int64) {
	o.nextPoll++
	st.poll = o.nextPoll
	st.inFlight = true
	st.synced = true
	st.lastSync = o.clock.Now()
	return st.poll, maps.Clone(st.since)
}

func (o *Orchestrator) send(hostID string, poll uint64, since map[string]int64) {
	forwarded, _ := o.forward.DequeueForClient(hostID)
	request := schema.SyncRequest{
		SchemaVersion: schema.SchemaVersion,
		Since:         since,
		Forwarded:     forwarded,
	}
	sent := o.runners.SendMessage(hostID, schema.EventSyncRequest, request, func(payload codec.RawMessage) {
		o.handleResponse(hostID, poll, payload)
	})
	if !sent {
		o.logger.Debug("sync request not sent", "host", hostID)
		o.finishPoll(hostID, poll)
	}
}

// finishPoll releases the slot held by poll, if it is still current.
func (o *Orchestrator) finishPoll(hostID string, poll uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st := o.states[hostID]; st != nil && st.poll == poll && st.inFlight {
		st.inFlight = false
		o.inFlight--
	}
}

func (o *Orchestrator) current(hostID string, poll uint64) (map[string]int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.states[hostID]
	if st == nil || st.poll != poll || !st.inFlight {
		return nil, false
	}
	return maps.Clone(st.since), true
}

func (o *Orchestrator) handleResponse(hostID string, poll uint64, payload codec.RawMessage) {
	since, ok := o.current(hostID, poll)
	if !ok {
		o.logger.Debug("ignoring superseded sync response", "host", hostID)
		return
	}

	response, err := registry.Decode[schema.SyncResponse](payload)
	if err == nil && response.HostID != hostID {
		err = fmt.Errorf("response for host %q", response.HostID)
	}
	if err != nil {
		o.logger.Warn("invalid sync response",
			"host", hostID,
			"error", err,
		)
		o.finishPoll(hostID, poll)
		return
	}

	advanced, accepted := o.apply(hostID, since, response.Tables)
	o.forward.EnqueueForOtherClients(hostID, accepted)

	o.mu.Lock()
	st := o.states[hostID]
	if st == nil || st.poll != poll || !st.inFlight {
		o.mu.Unlock()
		return
	}
	for table, cursor := range advanced {
		if cursor > st.since[table] {
			st.since[table] = cursor
		}
	}
	if !response.More() || !o.running {
		st.inFlight = false
		o.inFlight--
		o.mu.Unlock()
		return
	}
	// Keep the slot: the follow-up poll replaces this one.
	nextPoll, nextSince := o.beginPollLocked(st)
	o.mu.Unlock()

	o.logger.Debug("re-polling runner with more changes", "host", hostID)
	o.send(hostID, nextPoll, nextSince)
}

// apply upserts every known table and returns the advanced cursors and
// the records accepted, both keyed by table. A table whose upsert
// fails keeps its cursor and is not forwarded.
func (o *Orchestrator) apply(hostID string, since map[string]int64, tables map[string][]schema.Record) (map[string]int64, map[string][]schema.Record) {
	advanced := make(map[string]int64, len(tables))
	accepted := make(map[string][]schema.Record, len(tables))
	names := slices.Collect(maps.Keys(tables))
	sort.Strings(names)
	for _, name := range names {
		records := tables[name]
		definition, ok := o.tables.Lookup(name)
		if !ok {
			o.logger.Warn("ignoring unknown table in sync response",
				"host", hostID,
				"table", name,
			)
			continue
		}
		if len(records) == 0 {
			continue
		}
		if err := o.store.UpsertRecords(context.Background(), name, records); err != nil {
			o.logger.Error("storing synced records failed",
				"host", hostID,
				"table", name,
				"records", len(records),
				"error", err,
			)
			continue
		}
		advanced[name] = schema.MaxCursor(definition, since[name], records)
		accepted[name] = records
	}
	return advanced, accepted
}

// ConnectionState is the exported view of one connection's SyncState.
type ConnectionState struct {
	HostID       string           `json:"host_id"`
	LastSyncTime *time.Time       `json:"last_sync_time,omitempty"`
	InFlight     bool             `json:"in_flight"`
	Since        map[string]int64 `json:"since"`
}

// Snapshot returns every connection's state sorted by host id, and the
// number of polls in flight.
func (o *Orchestrator) Snapshot() ([]ConnectionState, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	states := make([]ConnectionState, 0, len(o.states))
	for hostID, st := range o.states {
		entry := ConnectionState{
			HostID:   hostID,
			InFlight: st.inFlight,
			Since:    maps.Clone(st.since),
		}
		if st.synced {
			lastSync := st.lastSync
			entry.LastSyncTime = &lastSync
		}
		states = append(states, entry)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].HostID < states[j].HostID })
	return states, o.inFlight
}
