// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"errors"
	"fmt"
)

// ErrAuthRejected is returned for a bad access key or a missing or
// malformed host id. It is terminal: the client must not be retried
// with the same credentials.
var ErrAuthRejected = errors.New("registry: authentication rejected")

// ValidationError reports a payload that failed a subscriber's schema.
type ValidationError struct {
	Event string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validating %s payload: %v", e.Event, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
