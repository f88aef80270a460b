// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the hub's durable record store: the storage
// collaborator behind catch-up sync.
//
// Every syncable table lives in one SQLite relation keyed by (table,
// primary key), with the table's cursor value in its own indexed column
// and the record body as JSON so directory lookups can filter on fields
// with json_extract.
//
// Upserts are idempotent by primary key. A regular table row is
// replaced only by a record whose updated_at is at least the stored
// one, so a stale re-offer never rolls a row back; an append-only table
// row is never replaced. Applying the same batch twice leaves the store
// unchanged.
//
// QueryChangedSince pages strictly after a cursor in (cursor, primary
// key) order and reports whether more rows follow the page.
package store
