// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/bureau-hub/lib/codec"
)

// AckFunc receives the payload of an ack frame.
type AckFunc func(payload codec.RawMessage)

// Pending tracks outstanding requests by correlation id. Each entry
// resolves at most once; whichever of Resolve, Remove, or DropAll gets
// it first wins.
type Pending struct {
	mu      sync.Mutex
	waiters map[string]AckFunc
}

// NewPending returns an empty table.
func NewPending() *Pending {
	return &Pending{waiters: make(map[string]AckFunc)}
}

// Add registers fn under a fresh correlation id and returns the id.
func (p *Pending) Add(fn AckFunc) string {
	id := uuid.NewString()
	p.mu.Lock()
	p.waiters[id] = fn
	p.mu.Unlock()
	return id
}

// Resolve removes the entry for id and invokes it with payload outside
// the lock. Returns false if id is unknown or already resolved.
func (p *Pending) Resolve(id string, payload codec.RawMessage) bool {
	p.mu.Lock()
	fn, ok := p.waiters[id]
	delete(p.waiters, id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	if fn != nil {
		fn(payload)
	}
	return true
}

// Remove discards the entry for id without invoking it.
func (p *Pending) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.waiters[id]
	delete(p.waiters, id)
	return ok
}

// DropAll discards every entry and returns how many there were.
func (p *Pending) DropAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := len(p.waiters)
	p.waiters = make(map[string]AckFunc)
	return count
}

// Len returns the number of outstanding entries.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
