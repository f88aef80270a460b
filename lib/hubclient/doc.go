// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hubclient is the runner side of a hub connection.
//
// A [Client] wraps one [transport.Session]: it dispatches hub events
// to handlers registered with [Client.Handle], sends requests with a
// bounded wait ([Client.Request], [Client.Call]) and emits
// fire-and-forget events such as heartbeats. A request that times out
// is cancelled locally, so an ack that arrives afterwards is ignored
// rather than delivered to a caller who has moved on.
//
// [SyncResponder] answers the hub's sync_request polls from a local
// record source and hands forwarded records to a sink.
package hubclient
