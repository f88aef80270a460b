// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/bureau-hub/lib/clock"
	"github.com/bureau-foundation/bureau-hub/lib/codec"
	"github.com/bureau-foundation/bureau-hub/lib/forward"
	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/registry/registrytest"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
	"github.com/bureau-foundation/bureau-hub/lib/testutil"
	"github.com/bureau-foundation/bureau-hub/transport"
)

const (
	testKey = "sync-test-key"

	// testInterval is long enough that advancing the fake clock by
	// seconds never fires the ticker; tests call Tick directly.
	testInterval = time.Hour
)

// memoryStore records upserts and can be told to fail a table.
type memoryStore struct {
	mu      sync.Mutex
	records map[string][]schema.Record
	failing map[string]bool
}

func (m *memoryStore) UpsertRecords(_ context.Context, table string, records []schema.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing[table] {
		return errors.New("disk full")
	}
	m.records[table] = append(m.records[table], records...)
	return nil
}

func (m *memoryStore) count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[table])
}

type harness struct {
	orchestrator *Orchestrator
	runners      *registry.Registry
	store        *memoryStore
	forward      *forward.Service
	clock        *clock.FakeClock
}

func newHarness(t *testing.T, maxInFlight int) *harness {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	runners, err := registry.New(registry.Config{
		Namespace: "runner",
		AccessKey: testKey,
		Clock:     fakeClock,
		Logger:    testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	registrytest.EnableFlush(runners)

	store := &memoryStore{records: make(map[string][]schema.Record), failing: make(map[string]bool)}
	forwardService := forward.New(nil, testutil.Logger())
	orchestrator, err := New(Config{
		Runners:     runners,
		Store:       store,
		Forward:     forwardService,
		Interval:    testInterval,
		MaxInFlight: maxInFlight,
		Clock:       fakeClock,
		Logger:      testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	orchestrator.Start()
	t.Cleanup(orchestrator.Stop)
	return &harness{
		orchestrator: orchestrator,
		runners:      runners,
		store:        store,
		forward:      forwardService,
		clock:        fakeClock,
	}
}

func (h *harness) connect(t *testing.T, hostID string) *registrytest.Client {
	t.Helper()
	return registrytest.Connect(t, h.runners, testKey, hostID, registry.CapabilityRunAgents)
}

func flush(t *testing.T, client *registrytest.Client) {
	t.Helper()
	client.Flush(t)
}

func decodeRequest(t *testing.T, in *transport.Inbound) schema.SyncRequest {
	t.Helper()
	var request schema.SyncRequest
	if err := codec.Unmarshal(in.Payload, &request); err != nil {
		t.Fatalf("decoding sync_request: %v", err)
	}
	return request
}

func respond(t *testing.T, client *registrytest.Client, in *transport.Inbound, more bool, tables map[string][]schema.Record) {
	t.Helper()
	if tables == nil {
		tables = map[string][]schema.Record{}
	}
	if err := in.Ack(schema.SyncResponse{HostID: client.ID, HasMore: &more, Tables: tables}); err != nil {
		t.Fatalf("acking sync_request: %v", err)
	}
	flush(t, client)
}

func inFlight(h *harness) int {
	_, count := h.orchestrator.Snapshot()
	return count
}

func sinceFor(h *harness, hostID, table string) int64 {
	states, _ := h.orchestrator.Snapshot()
	for _, st := range states {
		if st.HostID == hostID {
			return st.Since[table]
		}
	}
	return -1
}

func TestInFlightCapHolds(t *testing.T) {
	for _, connections := range []int{1, 3, 5, 8} {
		t.Run(fmt.Sprintf("%d connections", connections), func(t *testing.T) {
			h := newHarness(t, 3)
			var clients []*registrytest.Client
			for index := range connections {
				clients = append(clients, h.connect(t, string(rune('a'+index))+"-host"))
			}
			for range 2 * connections {
				h.orchestrator.Tick()
			}

			want := min(connections, 3)
			polled := 0
			for _, client := range clients {
				flush(t, client)
				select {
				case in := <-client.Events:
					if in.Event != schema.EventSyncRequest {
						t.Fatalf("%s received %q", client.ID, in.Event)
					}
					polled++
				default:
				}
			}
			if polled != want {
				t.Errorf("%d connections: %d polled, want %d", connections, polled, want)
			}
			if got := inFlight(h); got != want {
				t.Errorf("in-flight = %d, want %d", got, want)
			}
		})
	}
}

func TestSelectionPrefersNeverSyncedThenOldest(t *testing.T) {
	h := newHarness(t, 3)
	first := h.connect(t, "h1")
	second := h.connect(t, "h2")

	h.orchestrator.Tick()
	respond(t, first, first.Expect(t, schema.EventSyncRequest), false, nil)

	h.clock.Advance(time.Second)
	h.orchestrator.Tick()
	respond(t, second, second.Expect(t, schema.EventSyncRequest), false, nil)

	// h1 synced earliest, so it goes next.
	h.clock.Advance(time.Second)
	h.orchestrator.Tick()
	first.Expect(t, schema.EventSyncRequest)
	flush(t, second)
	second.ExpectNone(t)
}

func TestHasMoreRepollsImmediately(t *testing.T) {
	h := newHarness(t, 3)
	client := h.connect(t, "h1")

	h.orchestrator.Tick()
	request := client.Expect(t, schema.EventSyncRequest)
	if decodeRequest(t, request).SchemaVersion != schema.SchemaVersion {
		t.Error("sync_request missing schema version")
	}
	respond(t, client, request, true, map[string][]schema.Record{
		schema.TableUsers: {{"id": "u1", "updated_at": int64(100)}},
	})

	// No Tick: the follow-up poll is sent on the response path.
	followUp := decodeRequest(t, client.Expect(t, schema.EventSyncRequest))
	if followUp.Since[schema.TableUsers] != 100 {
		t.Errorf("follow-up since = %v, want users=100", followUp.Since)
	}
	if got := inFlight(h); got != 1 {
		t.Errorf("in-flight during follow-up = %d, want 1", got)
	}
}

func TestCursorAdvancesToMax(t *testing.T) {
	h := newHarness(t, 3)
	client := h.connect(t, "h1")

	h.orchestrator.Tick()
	respond(t, client, client.Expect(t, schema.EventSyncRequest), false, map[string][]schema.Record{
		schema.TableUsers: {
			{"id": "u1", "updated_at": int64(100)},
			{"id": "u2", "updated_at": int64(50)},
		},
		schema.TableMail: {{"id": "m1", "seq": int64(7)}},
	})
	if got := sinceFor(h, "h1", schema.TableUsers); got != 100 {
		t.Errorf("users cursor = %d, want 100", got)
	}
	if got := sinceFor(h, "h1", schema.TableMail); got != 7 {
		t.Errorf("mail cursor = %d, want 7", got)
	}

	h.clock.Advance(time.Second)
	h.orchestrator.Tick()
	respond(t, client, client.Expect(t, schema.EventSyncRequest), false, map[string][]schema.Record{
		schema.TableUsers: {{"id": "u3", "updated_at": int64(40)}},
	})
	if got := sinceFor(h, "h1", schema.TableUsers); got != 100 {
		t.Errorf("users cursor regressed to %d", got)
	}
	if h.store.count(schema.TableUsers) != 3 {
		t.Errorf("stored %d users, want 3", h.store.count(schema.TableUsers))
	}
}

func TestFailedTableKeepsCursor(t *testing.T) {
	h := newHarness(t, 3)
	h.store.failing[schema.TableMail] = true
	source := h.connect(t, "h1")
	other := h.connect(t, "h2")

	h.orchestrator.Tick()
	respond(t, source, source.Expect(t, schema.EventSyncRequest), false, map[string][]schema.Record{
		schema.TableUsers: {{"id": "u1", "updated_at": int64(10)}},
		schema.TableMail:  {{"id": "m1", "seq": int64(3)}},
	})
	if got := sinceFor(h, "h1", schema.TableMail); got != 0 {
		t.Errorf("mail cursor = %d after failed upsert, want 0", got)
	}
	if got := sinceFor(h, "h1", schema.TableUsers); got != 10 {
		t.Errorf("users cursor = %d, want 10", got)
	}
	if got := h.forward.GetPendingCount(other.ID); got != 1 {
		t.Errorf("forwarded %d records, want only the stored user", got)
	}
}

func TestInvalidResponseLeavesCursors(t *testing.T) {
	h := newHarness(t, 3)
	client := h.connect(t, "h1")

	h.orchestrator.Tick()
	request := client.Expect(t, schema.EventSyncRequest)
	more := false
	request.Ack(schema.SyncResponse{
		HostID:  "someone-else",
		HasMore: &more,
		Tables:  map[string][]schema.Record{schema.TableUsers: {{"id": "u1", "updated_at": int64(5)}}},
	})
	flush(t, client)

	if got := sinceFor(h, "h1", schema.TableUsers); got != 0 {
		t.Errorf("cursor = %d after invalid response", got)
	}
	if h.store.count(schema.TableUsers) != 0 {
		t.Error("invalid response was stored")
	}
	if got := inFlight(h); got != 0 {
		t.Errorf("in-flight = %d, want 0", got)
	}

	// A response missing hasMore is equally invalid.
	h.orchestrator.Tick()
	client.Expect(t, schema.EventSyncRequest).Ack(map[string]any{"hostId": "h1", "tables": map[string]any{}})
	flush(t, client)
	if got := inFlight(h); got != 0 {
		t.Errorf("in-flight = %d after response without hasMore", got)
	}
}

func TestForwardedRecordsRideNextPoll(t *testing.T) {
	h := newHarness(t, 3)
	first := h.connect(t, "h1")
	second := h.connect(t, "h2")

	h.orchestrator.Tick()
	respond(t, first, first.Expect(t, schema.EventSyncRequest), false, map[string][]schema.Record{
		schema.TableUsers: {{"id": "u1", "updated_at": int64(1)}},
		schema.TableHosts: {{"id": "h1", "updated_at": int64(1)}},
	})

	h.orchestrator.Tick()
	request := second.Expect(t, schema.EventSyncRequest)
	forwarded := decodeRequest(t, request).Forwarded
	if len(forwarded[schema.TableUsers]) != 1 || forwarded[schema.TableUsers][0]["id"] != "u1" {
		t.Errorf("h2 forwarded = %v, want user u1", forwarded)
	}
	if _, ok := forwarded[schema.TableHosts]; ok {
		t.Error("hub-private hosts table was forwarded")
	}
	respond(t, second, request, false, map[string][]schema.Record{
		schema.TableUsers: {{"id": "u2", "updated_at": int64(2)}},
	})

	h.clock.Advance(time.Second)
	h.orchestrator.Tick()
	back := decodeRequest(t, first.Expect(t, schema.EventSyncRequest)).Forwarded
	if len(back[schema.TableUsers]) != 1 || back[schema.TableUsers][0]["id"] != "u2" {
		t.Errorf("h1 forwarded = %v, want only u2", back)
	}
}

func TestDisconnectReleasesSlot(t *testing.T) {
	h := newHarness(t, 1)
	first := h.connect(t, "h1")
	second := h.connect(t, "h2")

	h.orchestrator.Tick()
	first.Expect(t, schema.EventSyncRequest)
	h.orchestrator.Tick()
	flush(t, second)
	second.ExpectNone(t)

	first.Disconnect(t)
	if got := inFlight(h); got != 0 {
		t.Errorf("in-flight = %d after disconnect", got)
	}
	h.orchestrator.Tick()
	second.Expect(t, schema.EventSyncRequest)
}

func TestReconnectResetsState(t *testing.T) {
	h := newHarness(t, 3)
	client := h.connect(t, "h1")
	h.orchestrator.Tick()
	respond(t, client, client.Expect(t, schema.EventSyncRequest), false, map[string][]schema.Record{
		schema.TableUsers: {{"id": "u1", "updated_at": int64(100)}},
	})

	h.orchestrator.Tick()
	client.Expect(t, schema.EventSyncRequest)

	replacement := h.connect(t, "h1")
	if got := inFlight(h); got != 0 {
		t.Errorf("in-flight = %d after reconnect, want 0", got)
	}
	if got := sinceFor(h, "h1", schema.TableUsers); got != 0 {
		t.Errorf("cursor = %d after reconnect, want reset", got)
	}
	h.orchestrator.Tick()
	replacement.Expect(t, schema.EventSyncRequest)
}

func TestStopSuppressesRepoll(t *testing.T) {
	h := newHarness(t, 3)
	client := h.connect(t, "h1")

	h.orchestrator.Tick()
	request := client.Expect(t, schema.EventSyncRequest)
	h.orchestrator.Stop()
	h.orchestrator.Stop()

	respond(t, client, request, true, map[string][]schema.Record{
		schema.TableUsers: {{"id": "u1", "updated_at": int64(1)}},
	})
	client.ExpectNone(t)
	if h.store.count(schema.TableUsers) != 1 {
		t.Error("response to an outstanding poll was not applied after Stop")
	}
}

func TestTickerDrivesPolls(t *testing.T) {
	h := newHarness(t, 3)
	client := h.connect(t, "h1")

	h.clock.Advance(testInterval)
	client.Expect(t, schema.EventSyncRequest)
}

func TestStartSeedsConnectedRunners(t *testing.T) {
	h := newHarness(t, 3)
	h.orchestrator.Stop()
	client := h.connect(t, "h1")

	h.orchestrator.Start()
	h.orchestrator.Start()
	h.orchestrator.Tick()
	client.Expect(t, schema.EventSyncRequest)
	if !h.forward.HasClient("h1") {
		t.Error("Start did not register h1 with the forward queue")
	}
}

func TestRestartDiscardsStateOfRunnersGoneWhileStopped(t *testing.T) {
	h := newHarness(t, 1)
	first := h.connect(t, "h1")
	h.orchestrator.Tick()
	first.Expect(t, schema.EventSyncRequest)

	h.orchestrator.Stop()
	first.Disconnect(t)
	h.orchestrator.Start()
	if got := inFlight(h); got != 0 {
		t.Errorf("in-flight = %d after restart, want 0", got)
	}
	if h.forward.HasClient("h1") {
		t.Error("forward queue still holds h1 after restart")
	}

	second := h.connect(t, "h2")
	h.orchestrator.Tick()
	second.Expect(t, schema.EventSyncRequest)
	if got := inFlight(h); got != 1 {
		t.Errorf("in-flight = %d, want only h2's poll", got)
	}
}
