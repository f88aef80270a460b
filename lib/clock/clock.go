// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the subset of the time package the hub schedules with.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels
	// the call if stopped first.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker delivers ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) Ticker
}

// Timer is a pending one-shot call created by AfterFunc.
type Timer interface {
	// Stop cancels the call. Reports whether the call was still
	// pending.
	Stop() bool
}

// Ticker delivers periodic ticks. The channel has capacity 1; ticks
// the consumer is too slow to read are dropped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}
