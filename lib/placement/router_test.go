// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package placement

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/bureau-foundation/bureau-hub/lib/codec"
	"github.com/bureau-foundation/bureau-hub/lib/events"
	"github.com/bureau-foundation/bureau-hub/lib/forward"
	"github.com/bureau-foundation/bureau-hub/lib/load"
	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/registry/registrytest"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
	"github.com/bureau-foundation/bureau-hub/lib/testutil"
)

const testKey = "placement-key"

type fakeDirectory map[string][]string

func (d fakeDirectory) AssignedHosts(_ context.Context, userID string) ([]string, error) {
	return d[userID], nil
}

type recordingDeliverer struct {
	mu    sync.Mutex
	tasks []Task
}

func (d *recordingDeliverer) DeliverTask(_ context.Context, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

type harness struct {
	router    *Router
	runners   *registry.Registry
	load      *load.Tracker
	directory fakeDirectory
	deliverer *recordingDeliverer
	published *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	runners, err := registry.New(registry.Config{Namespace: "runner", AccessKey: testKey, Logger: testutil.Logger()})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	h := &harness{
		runners:   runners,
		load:      load.New(testutil.Logger()),
		directory: fakeDirectory{},
		deliverer: &recordingDeliverer{},
		published: &events.Recorder{},
	}
	h.router, err = New(Config{
		Runners:   runners,
		Directory: h.directory,
		Load:      h.load,
		Deliverer: h.deliverer,
		Publisher: h.published,
		Logger:    testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.router.Subscribe()
	registrytest.EnableFlush(runners)
	return h
}

func (h *harness) runner(t *testing.T, hostID string) *registrytest.Client {
	t.Helper()
	return registrytest.Connect(t, h.runners, testKey, hostID, registry.CapabilityRunAgents)
}

func (h *harness) observer(t *testing.T, hostID string) *registrytest.Client {
	t.Helper()
	return registrytest.Connect(t, h.runners, testKey, hostID)
}

func decodeStart(t *testing.T, raw codec.RawMessage) schema.AgentStartResponse {
	t.Helper()
	var response schema.AgentStartResponse
	if err := codec.Unmarshal(raw, &response); err != nil {
		t.Fatalf("decoding agent_start response: %v", err)
	}
	return response
}

func decodeStop(t *testing.T, raw codec.RawMessage) schema.AgentStopResponse {
	t.Helper()
	var response schema.AgentStopResponse
	if err := codec.Unmarshal(raw, &response); err != nil {
		t.Fatalf("decoding agent_stop response: %v", err)
	}
	return response
}

func startRequest(userID string) schema.AgentStartRequest {
	return schema.AgentStartRequest{StartUserID: userID, RequesterUserID: "requester", TaskDescription: "review the diff"}
}

func succeed(hostname string) map[string]any {
	return map[string]any{"success": true, "hostname": hostname}
}

func TestLeastLoadedHostWins(t *testing.T) {
	h := newHarness(t)
	requester := h.observer(t, "requester-host")
	hosts := map[string]*registrytest.Client{
		"host-a": h.runner(t, "host-a"),
		"host-b": h.runner(t, "host-b"),
		"host-c": h.runner(t, "host-c"),
	}
	h.load.AddStartedAgent("host-a", "x1")
	h.load.AddStartedAgent("host-a", "x2")
	h.load.AddStartedAgent("host-c", "x3")

	reply := requester.RequestAsync(t, schema.EventAgentStart, startRequest("agent-u"))
	forwarded := hosts["host-b"].Expect(t, schema.EventAgentStart)
	var request schema.AgentStartRequest
	codec.Unmarshal(forwarded.Payload, &request)
	if request.SourceHostID != "requester-host" || request.StartUserID != "agent-u" {
		t.Errorf("forwarded request = %+v", request)
	}
	forwarded.Ack(succeed("bravo"))

	response := decodeStart(t, testutil.RequireReceive(t, reply, registrytest.Timeout, "waiting for start response"))
	if !response.Success || response.Hostname != "bravo" {
		t.Errorf("response = %+v", response)
	}
	if hosts := h.load.FindHostsForAgent("agent-u"); !reflect.DeepEqual(hosts, []string{"host-b"}) {
		t.Errorf("load after start = %v", hosts)
	}
	h.router.Wait()
	if len(h.deliverer.tasks) != 1 || h.deliverer.tasks[0].HostID != "host-b" || h.deliverer.tasks[0].Description != "review the diff" {
		t.Errorf("delivered tasks = %+v", h.deliverer.tasks)
	}
	for _, id := range []string{"host-a", "host-c"} {
		hosts[id].Flush(t)
	}
}

func TestTieBreaksOnLowestHostID(t *testing.T) {
	h := newHarness(t)
	requester := h.observer(t, "requester-host")
	h.runner(t, "host-z")
	lowest := h.runner(t, "host-m")

	reply := requester.RequestAsync(t, schema.EventAgentStart, startRequest("agent-u"))
	lowest.Expect(t, schema.EventAgentStart).Ack(succeed(""))
	response := decodeStart(t, testutil.RequireReceive(t, reply, registrytest.Timeout, "waiting for start response"))
	if !response.Success || response.Hostname != "host-m.test" {
		t.Errorf("response = %+v, want success on host-m.test", response)
	}
}

func TestNoEligibleHosts(t *testing.T) {
	h := newHarness(t)
	requester := h.observer(t, "requester-host")
	bystander := h.observer(t, "no-agents-host")

	var response schema.AgentStartResponse
	requester.Request(t, schema.EventAgentStart, startRequest("agent-u"), &response)
	if response.Success || response.Error != ErrNoEligibleHosts {
		t.Errorf("response = %+v", response)
	}
	bystander.ExpectNone(t)
	requester.ExpectNone(t)
	if subjects := h.published.Subjects(); !reflect.DeepEqual(subjects, []string{events.SubjectAgentPlaced}) {
		t.Errorf("published = %v", subjects)
	}
}

func TestAssignedHostsRestrictPlacement(t *testing.T) {
	h := newHarness(t)
	requester := h.observer(t, "requester-host")
	h.runner(t, "host-a")
	assigned := h.runner(t, "host-b")
	h.load.AddStartedAgent("host-b", "busy")
	h.directory["agent-u"] = []string{"host-b", "host-offline"}

	reply := requester.RequestAsync(t, schema.EventAgentStart, startRequest("agent-u"))
	assigned.Expect(t, schema.EventAgentStart).Ack(succeed("bravo"))
	if response := decodeStart(t, testutil.RequireReceive(t, reply, registrytest.Timeout, "start response")); !response.Success {
		t.Errorf("response = %+v", response)
	}

	// Assigned but offline hosts never fall back to the whole fleet.
	h.directory["agent-v"] = []string{"host-offline"}
	var response schema.AgentStartResponse
	requester.Request(t, schema.EventAgentStart, startRequest("agent-v"), &response)
	if response.Error != ErrNoEligibleHosts {
		t.Errorf("offline assignment response = %+v", response)
	}
}

func TestTargetFailureRelayedUnchanged(t *testing.T) {
	h := newHarness(t)
	requester := h.observer(t, "requester-host")
	target := h.runner(t, "host-a")

	reply := requester.RequestAsync(t, schema.EventAgentStart, startRequest("agent-u"))
	target.Expect(t, schema.EventAgentStart).Ack(map[string]any{"success": false, "error": "sandbox quota exceeded"})
	response := decodeStart(t, testutil.RequireReceive(t, reply, registrytest.Timeout, "start response"))
	if response.Success || response.Error != "sandbox quota exceeded" {
		t.Errorf("response = %+v", response)
	}
	if h.load.GetHostActiveAgentCount("host-a") != 0 {
		t.Error("failed start recorded load")
	}
	h.router.Wait()
	if len(h.deliverer.tasks) != 0 {
		t.Error("task delivered for failed start")
	}
}

func TestMalformedTargetResponse(t *testing.T) {
	h := newHarness(t)
	requester := h.observer(t, "requester-host")
	target := h.runner(t, "host-a")

	reply := requester.RequestAsync(t, schema.EventAgentStart, startRequest("agent-u"))
	target.Expect(t, schema.EventAgentStart).Ack(map[string]any{"hostname": "alpha"})
	response := decodeStart(t, testutil.RequireReceive(t, reply, registrytest.Timeout, "start response"))
	if response.Success || response.Error != ErrInvalidResponse {
		t.Errorf("response = %+v", response)
	}
}

func TestInvalidStartRequestIgnored(t *testing.T) {
	h := newHarness(t)
	requester := h.observer(t, "requester-host")
	target := h.runner(t, "host-a")

	requester.Session.Request(schema.EventAgentStart, map[string]any{"taskDescription": "no user"}, func(codec.RawMessage) {
		t.Error("invalid request was answered")
	})
	target.Flush(t)
	requester.Flush(t)
	target.ExpectNone(t)
}

func TestStopFansOutFirstResponseWins(t *testing.T) {
	h := newHarness(t)
	requester := h.observer(t, "requester-host")
	first := h.runner(t, "host-a")
	second := h.runner(t, "host-b")
	h.load.AddStartedAgent("host-a", "agent-u")
	h.load.AddStartedAgent("host-b", "agent-u")
	h.load.AddStartedAgent("host-b", "other")

	reply := requester.RequestAsync(t, schema.EventAgentStop, schema.AgentStopRequest{UserID: "agent-u", Reason: "done"})
	atFirst := first.Expect(t, schema.EventAgentStop)
	atSecond := second.Expect(t, schema.EventAgentStop)

	atSecond.Ack(map[string]any{"success": true})
	response := decodeStop(t, testutil.RequireReceive(t, reply, registrytest.Timeout, "stop response"))
	if !response.Success {
		t.Errorf("response = %+v", response)
	}
	atFirst.Ack(map[string]any{"success": true})
	first.Flush(t)

	if hosts := h.load.FindHostsForAgent("agent-u"); len(hosts) != 0 {
		t.Errorf("agent-u still loaded on %v", hosts)
	}
	if h.load.GetHostActiveAgentCount("host-b") != 1 {
		t.Error("stop cleared unrelated agent")
	}
	select {
	case extra := <-reply:
		t.Errorf("requester answered twice: %v", extra)
	default:
	}
	if subjects := h.published.Subjects(); !reflect.DeepEqual(subjects, []string{events.SubjectAgentStopped}) {
		t.Errorf("published = %v", subjects)
	}
}

func TestStopWithoutConnectedHosts(t *testing.T) {
	h := newHarness(t)
	requester := h.observer(t, "requester-host")
	h.load.AddStartedAgent("host-gone", "agent-u")

	var response schema.AgentStopResponse
	requester.Request(t, schema.EventAgentStop, schema.AgentStopRequest{UserID: "agent-u"}, &response)
	if response.Success || response.Error != ErrNoTargetHosts {
		t.Errorf("response = %+v", response)
	}

	requester.Request(t, schema.EventAgentStop, schema.AgentStopRequest{UserID: "never-started"}, &response)
	if response.Error != ErrNoTargetHosts {
		t.Errorf("response for unknown agent = %+v", response)
	}
}

func TestMailDelivererStoresAndForwards(t *testing.T) {
	store := &memoryStore{}
	queue := forward.New(nil, testutil.Logger())
	queue.InitClient("host-a")
	queue.InitClient("host-b")
	deliverer := &MailDeliverer{Store: store, Forward: queue}

	err := deliverer.DeliverTask(context.Background(), Task{UserID: "agent-u", RequesterUserID: "alice", HostID: "host-a", Description: "ship it"})
	if err != nil {
		t.Fatalf("DeliverTask: %v", err)
	}
	if len(store.records) != 1 || store.records[0]["body"] != "ship it" || store.records[0]["kind"] != MailKindTask {
		t.Fatalf("stored = %v", store.records)
	}
	if _, ok := store.records[0].Int64Field(schema.FieldSeq); !ok {
		t.Error("mail record has no seq")
	}
	for _, id := range []string{"host-a", "host-b"} {
		if queue.GetPendingCount(id) != 1 {
			t.Errorf("%s pending = %d, want 1", id, queue.GetPendingCount(id))
		}
	}
}

type memoryStore struct {
	records []schema.Record
}

func (m *memoryStore) UpsertRecords(_ context.Context, table string, records []schema.Record) error {
	if table == schema.TableMail {
		m.records = append(m.records, records...)
	}
	return nil
}
