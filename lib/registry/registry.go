// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/bureau-hub/lib/clock"
	"github.com/bureau-foundation/bureau-hub/lib/codec"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
	"github.com/bureau-foundation/bureau-hub/transport"
)

// maxHostIDLength bounds the declared identity.
const maxHostIDLength = 128

// ErrReservedEvent answers a client frame that uses a lifecycle event
// name. Only the registry dispatches connect and disconnect.
const ErrReservedEvent = "event name is reserved"

func isLifecycleEvent(name string) bool {
	return name == schema.EventConnect || name == schema.EventDisconnect
}

// Connection is one live, authenticated client.
type Connection struct {
	ID           string
	Hostname     string
	CanRunAgents bool
	ConnectedAt  time.Time

	// generation distinguishes successive connections of the same id.
	generation uint64
	session    *transport.Session
}

// Generation is unique per registration. A reconnect under the same id
// gets a larger generation.
func (c *Connection) Generation() uint64 {
	return c.generation
}

// Event is one dispatched event.
type Event struct {
	Name    string
	Source  *Connection
	Payload codec.RawMessage

	// Decoded is the subscriber's schema output, nil without a schema.
	Decoded any

	inbound *transport.Inbound
}

// ExpectsAck reports whether the sender is waiting for a response.
func (e Event) ExpectsAck() bool {
	return e.inbound != nil && e.inbound.ExpectsAck()
}

// Ack responds to the event. Only the first response is delivered;
// lifecycle events and fire-and-forget events ignore it.
func (e Event) Ack(v any) error {
	if e.inbound == nil {
		return nil
	}
	return e.inbound.Ack(v)
}

// Handler receives dispatched events. Handlers run on the source
// connection's read goroutine (or the lifecycle path) and must not
// block on another event from the same connection.
type Handler func(ctx context.Context, event Event)

// Subscription identifies one RegisterEvent call.
type Subscription struct {
	event string
	id    uint64
}

type subscriber struct {
	id      uint64
	handler Handler
	schema  Schema
}

// Config holds the parameters for New.
type Config struct {
	// Namespace names the registry in logs ("runner", "peer").
	Namespace string

	// AccessKey is the shared secret every client must present.
	AccessKey string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Registry holds the connections of one namespace.
type Registry struct {
	namespace string
	keyDigest [32]byte
	clock     clock.Clock
	logger    *slog.Logger

	// lifecycleMu serializes connect/disconnect dispatch. It is held
	// while lifecycle subscribers run; mu never is.
	lifecycleMu sync.Mutex

	mu             sync.Mutex
	connections    map[string]*Connection
	nextGeneration uint64

	subscribersMu sync.Mutex
	subscribers   map[string][]subscriber
	nextSubID     uint64
}

// New builds a registry. An empty access key is refused: a namespace
// that admits everyone is a configuration error.
func New(cfg Config) (*Registry, error) {
	if cfg.Namespace == "" {
		return nil, errors.New("registry: namespace is required")
	}
	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("registry %s: access key is required", cfg.Namespace)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		namespace:   cfg.Namespace,
		keyDigest:   blake3.Sum256([]byte(cfg.AccessKey)),
		clock:       cfg.Clock,
		logger:      cfg.Logger.With("namespace", cfg.Namespace),
		connections: make(map[string]*Connection),
		subscribers: make(map[string][]subscriber),
	}, nil
}

// Namespace returns the registry's namespace.
func (r *Registry) Namespace() string {
	return r.namespace
}

// CheckKey reports whether key is this namespace's access key.
func (r *Registry) CheckKey(key string) bool {
	digest := blake3.Sum256([]byte(key))
	return subtle.ConstantTimeCompare(digest[:], r.keyDigest[:]) == 1
}

// Authenticate checks credentials. Failures wrap ErrAuthRejected.
func (r *Registry) Authenticate(credentials Credentials) error {
	if !r.CheckKey(credentials.AccessKey) {
		return fmt.Errorf("%w: invalid access key", ErrAuthRejected)
	}
	if credentials.HostID == "" {
		return fmt.Errorf("%w: missing host id", ErrAuthRejected)
	}
	if len(credentials.HostID) > maxHostIDLength {
		return fmt.Errorf("%w: host id longer than %d bytes", ErrAuthRejected, maxHostIDLength)
	}
	for _, character := range credentials.HostID {
		if character <= ' ' || character == 0x7f {
			return fmt.Errorf("%w: host id contains whitespace or control characters", ErrAuthRejected)
		}
	}
	return nil
}

// Serve authenticates credentials, registers conn, and runs its read
// loop until the connection ends or ctx is cancelled. It returns
// ErrAuthRejected (wrapped) without registering on bad credentials.
func (r *Registry) Serve(ctx context.Context, conn transport.Conn, credentials Credentials) error {
	if err := r.Authenticate(credentials); err != nil {
		conn.Close()
		return err
	}

	session := transport.NewSession(conn, r.logger)
	connection := &Connection{
		ID:           credentials.HostID,
		Hostname:     credentials.Hostname,
		CanRunAgents: credentials.Has(CapabilityRunAgents),
		ConnectedAt:  r.clock.Now(),
		session:      session,
	}
	if connection.Hostname == "" {
		connection.Hostname = connection.ID
	}

	r.attach(ctx, connection)
	defer r.detach(ctx, connection)

	err := session.Run(ctx, func(inbound *transport.Inbound) {
		if isLifecycleEvent(inbound.Event) {
			r.rejectReserved(connection, inbound)
			return
		}
		r.dispatch(ctx, Event{
			Name:    inbound.Event,
			Source:  connection,
			Payload: inbound.Payload,
			inbound: inbound,
		})
	})
	if err != nil {
		r.logger.Info("connection ended with error",
			"host", connection.ID,
			"error", err,
		)
	}
	return nil
}

func (r *Registry) rejectReserved(connection *Connection, inbound *transport.Inbound) {
	r.logger.Warn("rejecting client frame with lifecycle event name",
		"host", connection.ID,
		"event", inbound.Event,
	)
	if !inbound.ExpectsAck() {
		return
	}
	success := false
	if err := inbound.Ack(schema.Reply{Success: &success, Error: ErrReservedEvent}); err != nil {
		r.logger.Debug("answering reserved event failed",
			"host", connection.ID,
			"error", err,
		)
	}
}

// attach evicts any previous connection under the same id, with its
// disconnect dispatched, before the new one becomes visible.
func (r *Registry) attach(ctx context.Context, connection *Connection) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	r.nextGeneration++
	connection.generation = r.nextGeneration
	previous := r.connections[connection.ID]
	delete(r.connections, connection.ID)
	r.mu.Unlock()

	if previous != nil {
		r.logger.Info("replacing connection on reconnect",
			"host", connection.ID,
			"previous_generation", previous.generation,
		)
		previous.session.Close()
		r.dispatch(ctx, Event{Name: schema.EventDisconnect, Source: previous})
	}

	r.mu.Lock()
	r.connections[connection.ID] = connection
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"host", connection.ID,
		"hostname", connection.Hostname,
		"can_run_agents", connection.CanRunAgents,
	)
	r.dispatch(ctx, Event{Name: schema.EventConnect, Source: connection})
}

func (r *Registry) detach(ctx context.Context, connection *Connection) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	current := r.connections[connection.ID] == connection
	if current {
		delete(r.connections, connection.ID)
	}
	r.mu.Unlock()

	// An evicted connection already had its disconnect dispatched.
	if !current {
		return
	}
	r.logger.Info("connection closed", "host", connection.ID)
	r.dispatch(ctx, Event{Name: schema.EventDisconnect, Source: connection})
}

// RegisterEvent subscribes handler to name. A non-nil schema runs
// before the handler; see the package documentation.
func (r *Registry) RegisterEvent(name string, handler Handler, payloadSchema Schema) *Subscription {
	r.subscribersMu.Lock()
	defer r.subscribersMu.Unlock()
	r.nextSubID++
	r.subscribers[name] = append(r.subscribers[name], subscriber{
		id:      r.nextSubID,
		handler: handler,
		schema:  payloadSchema,
	})
	return &Subscription{event: name, id: r.nextSubID}
}

// UnregisterEvent removes exactly the handler registered by sub.
// Returns false if it was already removed.
func (r *Registry) UnregisterEvent(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	r.subscribersMu.Lock()
	defer r.subscribersMu.Unlock()
	current := r.subscribers[sub.event]
	for index, entry := range current {
		if entry.id != sub.id {
			continue
		}
		remaining := make([]subscriber, 0, len(current)-1)
		remaining = append(remaining, current[:index]...)
		remaining = append(remaining, current[index+1:]...)
		if len(remaining) == 0 {
			delete(r.subscribers, sub.event)
		} else {
			r.subscribers[sub.event] = remaining
		}
		return true
	}
	return false
}

func (r *Registry) dispatch(ctx context.Context, event Event) {
	r.subscribersMu.Lock()
	subscribers := r.subscribers[event.Name]
	r.subscribersMu.Unlock()

	if len(subscribers) == 0 {
		if event.Source != nil {
			r.logger.Debug("no subscribers for event",
				"event", event.Name,
				"host", event.Source.ID,
			)
		}
		return
	}

	for _, entry := range subscribers {
		delivered := event
		if entry.schema != nil {
			decoded, err := entry.schema(event.Name, event.Payload)
			if err != nil {
				r.logger.Warn("dropping event that failed validation",
					"event", event.Name,
					"host", event.Source.ID,
					"error", err,
				)
				continue
			}
			delivered.Decoded = decoded
		}
		entry.handler(ctx, delivered)
	}
}

// SendMessage sends event to the connection with the given id. A
// non-nil ack is invoked with the response payload at most once.
// Returns false if the connection is not registered or the frame could
// not be queued.
func (r *Registry) SendMessage(id, event string, payload any, ack func(codec.RawMessage)) bool {
	connection := r.GetByID(id)
	if connection == nil {
		return false
	}
	var err error
	if ack == nil {
		err = connection.session.Emit(event, payload)
	} else {
		_, err = connection.session.Request(event, payload, ack)
	}
	if err != nil {
		r.logger.Debug("send failed",
			"host", id,
			"event", event,
			"error", err,
		)
		return false
	}
	return true
}

// Broadcast sends a fire-and-forget event to every connection and
// returns how many sends succeeded.
func (r *Registry) Broadcast(event string, payload any) int {
	sent := 0
	for _, connection := range r.GetConnected() {
		if err := connection.session.Emit(event, payload); err != nil {
			r.logger.Debug("broadcast send failed",
				"host", connection.ID,
				"event", event,
				"error", err,
			)
			continue
		}
		sent++
	}
	return sent
}

// GetConnected returns every live connection in registration order.
func (r *Registry) GetConnected() []*Connection {
	r.mu.Lock()
	connections := make([]*Connection, 0, len(r.connections))
	for _, connection := range r.connections {
		connections = append(connections, connection)
	}
	r.mu.Unlock()
	sort.Slice(connections, func(i, j int) bool {
		return connections[i].generation < connections[j].generation
	})
	return connections
}

// GetByID returns the live connection for id, or nil.
func (r *Registry) GetByID(id string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections[id]
}

// IsConnected reports whether id has a live connection.
func (r *Registry) IsConnected(id string) bool {
	return r.GetByID(id) != nil
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

// CloseAll closes every live connection. Each one's disconnect event
// fires as its read loop ends.
func (r *Registry) CloseAll() {
	for _, connection := range r.GetConnected() {
		connection.session.Close()
	}
}
