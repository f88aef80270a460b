// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// Safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, without the
// clock's lock held, so a callback may arm new timers. It must not call
// Advance.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	now     time.Time
	pending []*fakeTimer
}

// fakeTimer is one armed After, AfterFunc, or ticker registration.
type fakeTimer struct {
	deadline time.Time
	interval time.Duration // non-zero for tickers
	channel  chan time.Time
	callback func()
	done     bool
}

// Fake returns a FakeClock that reads initial until advanced.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock passes now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.armLocked(&fakeTimer{deadline: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc arms f to run during the Advance that passes now+d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		f()
		return fakeStopper{clock: c, timer: &fakeTimer{done: true}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{deadline: c.now.Add(d), callback: f}
	c.armLocked(timer)
	return fakeStopper{clock: c, timer: timer}
}

// NewTicker arms a repeating timer.
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{
		deadline: c.now.Add(d),
		interval: d,
		channel:  make(chan time.Time, 1),
	}
	c.armLocked(timer)
	return fakeTicker{fakeStopper{clock: c, timer: timer}}
}

// Advance moves the clock forward by d and fires everything whose
// deadline is now due, earliest first. A ticker spanned by several
// intervals fires once per interval; ticks that find the channel full
// are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		timer, fireAt := c.nextDue(target)
		if timer == nil {
			return
		}
		if timer.callback != nil {
			timer.callback()
			continue
		}
		select {
		case timer.channel <- fireAt:
		default:
		}
	}
}

// nextDue pops the earliest timer due at or before target, rescheduling
// tickers. Returns nil when nothing is due.
func (c *FakeClock) nextDue(target time.Time) (*fakeTimer, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.compactLocked()
	if len(c.pending) == 0 || c.pending[0].deadline.After(target) {
		return nil, time.Time{}
	}
	timer := c.pending[0]
	fireAt := timer.deadline
	if timer.interval > 0 {
		timer.deadline = timer.deadline.Add(timer.interval)
		c.sortLocked()
	} else {
		timer.done = true
		c.pending = c.pending[1:]
	}
	return timer, fireAt
}

// WaitForTimers blocks until at least n timers are armed.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.armedLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of armed timers and tickers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armedLocked()
}

func (c *FakeClock) armLocked(timer *fakeTimer) {
	c.pending = append(c.pending, timer)
	c.sortLocked()
	c.changed.Broadcast()
}

func (c *FakeClock) sortLocked() {
	sort.SliceStable(c.pending, func(i, j int) bool {
		return c.pending[i].deadline.Before(c.pending[j].deadline)
	})
}

func (c *FakeClock) compactLocked() {
	live := c.pending[:0]
	for _, timer := range c.pending {
		if !timer.done {
			live = append(live, timer)
		}
	}
	c.pending = live
}

func (c *FakeClock) armedLocked() int {
	count := 0
	for _, timer := range c.pending {
		if !timer.done {
			count++
		}
	}
	return count
}

type fakeStopper struct {
	clock *FakeClock
	timer *fakeTimer
}

func (s fakeStopper) Stop() bool {
	s.clock.mu.Lock()
	defer s.clock.mu.Unlock()
	if s.timer.done {
		return false
	}
	s.timer.done = true
	return true
}

type fakeTicker struct {
	fakeStopper
}

func (t fakeTicker) C() <-chan time.Time { return t.timer.channel }

func (t fakeTicker) Stop() { t.fakeStopper.Stop() }
