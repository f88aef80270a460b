// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"github.com/bureau-foundation/bureau-hub/lib/codec"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
)

// Schema turns a raw payload into the value a subscriber receives as
// Event.Decoded, or fails.
type Schema func(event string, payload codec.RawMessage) (any, error)

// SchemaOf decodes the payload into a *T and checks its validate tags.
// Failures are returned as *ValidationError.
func SchemaOf[T any]() Schema {
	return func(event string, payload codec.RawMessage) (any, error) {
		decoded, err := Decode[T](payload)
		if err != nil {
			return nil, &ValidationError{Event: event, Err: err}
		}
		return decoded, nil
	}
}

// Decode decodes a CBOR payload into a *T and validates it. An empty
// payload validates the zero value.
func Decode[T any](payload codec.RawMessage) (*T, error) {
	value := new(T)
	if len(payload) > 0 {
		if err := codec.Unmarshal(payload, value); err != nil {
			return nil, err
		}
	}
	if err := schema.Validate(value); err != nil {
		return nil, err
	}
	return value, nil
}
