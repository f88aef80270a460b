// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the hub's injectable time source.
//
// Every hub component that stamps times or schedules work (the sync
// orchestrator's poll tick, the runner client's heartbeat loop and
// request timeouts) takes a Clock instead of calling the time package.
// Production wires Real(). Tests wire Fake() and move time forward with
// Advance, so a poll tick or a 30-second request timeout fires exactly
// when the test says it does:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	orchestrator := syncer.New(syncer.Config{Clock: fake, ...})
//	orchestrator.Start()
//	fake.WaitForTimers(1)      // ticker registered
//	fake.Advance(time.Second)  // one poll tick
//
// WaitForTimers closes the race between a goroutine arming a timer and
// the test advancing past it.
package clock
