// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks the live, authenticated connections of one
// namespace and dispatches their events to subscribers.
//
// A hub builds one [Registry] per namespace (runners, peer hubs), each
// with its own access key. [Registry.Authenticate] checks credentials
// before the WebSocket upgrade so a rejected client sees HTTP 401;
// [Registry.Serve] re-checks them, registers the connection, and runs
// its read loop until it ends.
//
// Connections are keyed by the host id declared at registration. A
// second registration of the same id is a reconnect: the old
// connection is closed and its "disconnect" event is dispatched before
// the new connection's "connect" event. Lifecycle dispatch is
// serialized across the registry, and no subscriber ever runs while a
// registry map lock is held.
//
// Subscribers attach with [Registry.RegisterEvent], optionally with a
// [Schema] that decodes and validates the payload first. A payload
// that fails a subscriber's schema is logged and that subscriber is
// skipped; other subscribers still run and the client stays connected.
//
// [Registry.SendMessage] and [Registry.Broadcast] deliver events to
// connections. An ack callback passed to SendMessage runs at most once
// and never runs if the connection goes away first. The registry sets
// no timeout on acks; callers that need one own it.
package registry
