// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the hub protocol: event names, the payload
// structures carried by each event, the synced record shape, and the
// fixed table configuration that decides which tables are synced,
// which are forwarded between runners, and how each table's cursor is
// read.
//
// Wire event names are plain strings ([EventSyncRequest],
// [EventAgentStart], ...) so hubs and runners of different versions
// interoperate. Payload structs carry `cbor` tags for the wire and
// `validate` tags that the registry checks before a handler sees the
// payload.
//
// This package depends on no other hub packages.
package schema
