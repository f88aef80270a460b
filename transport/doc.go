// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries framed events between the hub and its
// runners and peer hubs.
//
// A [Conn] moves whole [Frame] values. [WebSocketConn] is the production
// implementation: one gorilla WebSocket connection with a dedicated
// write goroutine, ping/pong liveness deadlines, and one binary message
// per frame encoded by [codec.EncodeFrame]. [Pipe] returns a connected
// in-memory pair for tests; it runs every frame through the same codec
// so payload handling is identical to the wire.
//
// A [Session] layers request/response correlation on top of a Conn.
// Outbound events sent with [Session.Request] get a fresh correlation
// id and a [Pending] entry; the matching ack frame resolves it exactly
// once. Inbound events that carry an id are delivered as [Inbound]
// values whose Ack method sends at most one response. When the read
// loop ends, every pending entry is dropped without being invoked:
// timeouts are the caller's policy, not the session's.
package transport
