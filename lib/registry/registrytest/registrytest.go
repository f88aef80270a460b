// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registrytest connects in-memory clients to a
// registry.Registry for tests of the services built on it.
package registrytest

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/bureau-hub/lib/codec"
	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
	"github.com/bureau-foundation/bureau-hub/lib/testutil"
	"github.com/bureau-foundation/bureau-hub/transport"
)

// Timeout bounds every wait in this package.
const Timeout = 5 * time.Second

// Client is the far end of a registered in-memory connection.
type Client struct {
	ID      string
	Session *transport.Session
	Events  chan *transport.Inbound

	served chan struct{}
}

// Connect registers a client with hostID and the given capabilities,
// returning once every connect subscriber has run for it.
func Connect(t *testing.T, runners *registry.Registry, accessKey, hostID string, capabilities ...string) *Client {
	t.Helper()
	return ConnectWith(t, runners, registry.Credentials{
		AccessKey:    accessKey,
		HostID:       hostID,
		Hostname:     hostID + ".test",
		Capabilities: capabilities,
	})
}

// ConnectWith is Connect with explicit credentials.
func ConnectWith(t *testing.T, runners *registry.Registry, credentials registry.Credentials) *Client {
	t.Helper()

	connected := make(chan struct{}, 1)
	subscription := runners.RegisterEvent(schema.EventConnect, func(_ context.Context, event registry.Event) {
		if event.Source.ID == credentials.HostID {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	}, nil)
	defer runners.UnregisterEvent(subscription)

	hubEnd, clientEnd := transport.Pipe()
	client := &Client{
		ID:      credentials.HostID,
		Session: transport.NewSession(clientEnd, testutil.Logger()),
		Events:  make(chan *transport.Inbound, 64),
		served:  make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(client.served)
		runners.Serve(ctx, hubEnd, credentials)
	}()
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		client.Session.Run(ctx, func(in *transport.Inbound) { client.Events <- in })
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, clientDone, Timeout, "client %s shutdown", client.ID)
		testutil.RequireClosed(t, client.served, Timeout, "registry serve for %s", client.ID)
	})

	testutil.RequireReceive(t, connected, Timeout, "waiting for %s to register", credentials.HostID)
	return client
}

// Next returns the next event delivered to the client.
func (c *Client) Next(t *testing.T) *transport.Inbound {
	t.Helper()
	return testutil.RequireReceive(t, c.Events, Timeout, "waiting for event on %s", c.ID)
}

// Expect returns the next event and fails unless it is named event.
func (c *Client) Expect(t *testing.T, event string) *transport.Inbound {
	t.Helper()
	in := c.Next(t)
	if in.Event != event {
		t.Fatalf("%s received %q, want %q", c.ID, in.Event, event)
	}
	return in
}

// ExpectNone fails if an event is already queued for the client.
func (c *Client) ExpectNone(t *testing.T) {
	t.Helper()
	testutil.RequireNone(t, c.Events, "event queued for %s", c.ID)
}

// Disconnect closes the client and waits until the registry has
// dispatched its disconnect.
func (c *Client) Disconnect(t *testing.T) {
	t.Helper()
	c.Session.Close()
	testutil.RequireClosed(t, c.served, Timeout, "waiting for %s to disconnect", c.ID)
}

// Request sends event to the hub and waits for the ack, decoding it
// into out.
func (c *Client) Request(t *testing.T, event string, payload, out any) {
	t.Helper()
	acks := make(chan codec.RawMessage, 1)
	if _, err := c.Session.Request(event, payload, func(raw codec.RawMessage) { acks <- raw }); err != nil {
		t.Fatalf("%s request %s: %v", c.ID, event, err)
	}
	raw := testutil.RequireReceive(t, acks, Timeout, "waiting for %s ack on %s", event, c.ID)
	if out != nil {
		if err := codec.Unmarshal(raw, out); err != nil {
			t.Fatalf("decoding %s ack: %v", event, err)
		}
	}
}

// RequestAsync sends event and returns a channel that receives the
// ack payload.
func (c *Client) RequestAsync(t *testing.T, event string, payload any) <-chan codec.RawMessage {
	t.Helper()
	acks := make(chan codec.RawMessage, 1)
	if _, err := c.Session.Request(event, payload, func(raw codec.RawMessage) { acks <- raw }); err != nil {
		t.Fatalf("%s request %s: %v", c.ID, event, err)
	}
	return acks
}

// FlushEvent is acked by any registry passed to EnableFlush.
const FlushEvent = "registrytest_flush"

// EnableFlush makes runners ack FlushEvent. Because a connection's
// events are handled in order on its read goroutine, a flush ack
// proves every earlier frame from that client has been handled.
func EnableFlush(runners *registry.Registry) {
	runners.RegisterEvent(FlushEvent, func(_ context.Context, event registry.Event) { event.Ack(nil) }, nil)
}

// Flush round-trips FlushEvent. The registry must have EnableFlush.
func (c *Client) Flush(t *testing.T) {
	t.Helper()
	c.Request(t, FlushEvent, nil, nil)
}
