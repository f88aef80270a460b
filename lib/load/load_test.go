// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package load

import (
	"context"
	"reflect"
	"testing"

	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
)

func TestStartStopCounts(t *testing.T) {
	tracker := New(nil)
	tracker.AddStartedAgent("h1", "a1")
	tracker.AddStartedAgent("h1", "a2")
	tracker.AddStartedAgent("h1", "a2")

	if count := tracker.GetHostActiveAgentCount("h1"); count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	tracker.RemoveStoppedAgent("h1", "a1")
	tracker.RemoveStoppedAgent("h1", "never-started")
	if count := tracker.GetHostActiveAgentCount("h1"); count != 1 {
		t.Errorf("count after stop = %d, want 1", count)
	}
	if count := tracker.GetHostActiveAgentCount("h-unknown"); count != 0 {
		t.Errorf("unknown host count = %d", count)
	}
}

func TestFindHostsForAgentReturnsDuplicates(t *testing.T) {
	tracker := New(nil)
	tracker.AddStartedAgent("h2", "a1")
	tracker.AddStartedAgent("h1", "a1")
	tracker.AddStartedAgent("h3", "a2")

	if hosts := tracker.FindHostsForAgent("a1"); !reflect.DeepEqual(hosts, []string{"h1", "h2"}) {
		t.Errorf("FindHostsForAgent(a1) = %v, want [h1 h2]", hosts)
	}
	if hosts := tracker.FindHostsForAgent("missing"); len(hosts) != 0 {
		t.Errorf("FindHostsForAgent(missing) = %v", hosts)
	}
}

func TestReconcileHeartbeatReplacesSet(t *testing.T) {
	tracker := New(nil)
	tracker.AddStartedAgent("h1", "stale")
	tracker.AddStartedAgent("h2", "other")

	tracker.ReconcileHeartbeat("h1", []string{"a1", "a2"})
	want := map[string][]string{"h1": {"a1", "a2"}, "h2": {"other"}}
	if got := tracker.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot = %v, want %v", got, want)
	}

	tracker.ReconcileHeartbeat("h1", nil)
	if tracker.GetHostActiveAgentCount("h1") != 0 {
		t.Error("empty heartbeat left agents on h1")
	}
}

func TestHeartbeatFromOtherHostRejected(t *testing.T) {
	tracker := New(nil)
	tracker.AddStartedAgent("h2", "a1")

	tracker.handleHeartbeat(context.Background(), registry.Event{
		Name:    schema.EventHeartbeat,
		Source:  &registry.Connection{ID: "h1"},
		Decoded: &schema.Heartbeat{HostID: "h2"},
	})
	if tracker.GetHostActiveAgentCount("h2") != 1 {
		t.Error("spoofed heartbeat cleared h2")
	}

	tracker.handleHeartbeat(context.Background(), registry.Event{
		Name:    schema.EventHeartbeat,
		Source:  &registry.Connection{ID: "h1"},
		Decoded: &schema.Heartbeat{HostID: "h1", ActiveAgentIDs: []string{"a9"}},
	})
	if hosts := tracker.FindHostsForAgent("a9"); !reflect.DeepEqual(hosts, []string{"h1"}) {
		t.Errorf("FindHostsForAgent(a9) = %v", hosts)
	}
}
