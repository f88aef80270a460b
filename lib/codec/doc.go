// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the hub's wire encoding.
//
// Every frame exchanged between the hub and its runners is one CBOR
// value encoded with Core Deterministic Encoding (RFC 8949 §4.2), so the
// same logical message always yields identical bytes. Values decoded
// into interface targets use map[string]any, which is what synced
// records are on both ends.
//
// Sync batches can be large. EncodeFrame compresses any frame above
// CompressThreshold with zstd and marks it with a one-byte prefix;
// DecodeFrame reverses either form:
//
//	data, err := codec.EncodeFrame(frame)
//	err = codec.DecodeFrame(data, &frame)
//
// # Struct Tag Rules
//
// Types that only ever travel on the runner wire carry `cbor` tags.
// Types that are also rendered as JSON (status snapshots) carry `json`
// tags, which fxamacker/cbor reads as a fallback. Never both.
package codec
