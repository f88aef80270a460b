// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub wires the coordination components into one process.
//
// A [Hub] owns the record store, one connection registry per namespace
// (runners and peer hubs) and every service subscribed to them: catch-up
// sync, forwarding, load tracking, placement, relay, the host directory,
// and lifecycle event publication. It serves WebSocket upgrades and a
// small HTTP status surface through a gin engine returned by
// [Hub.Handler]; the caller owns the listener.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/bureau-hub/lib/clock"
	"github.com/bureau-foundation/bureau-hub/lib/directory"
	"github.com/bureau-foundation/bureau-hub/lib/events"
	"github.com/bureau-foundation/bureau-hub/lib/forward"
	"github.com/bureau-foundation/bureau-hub/lib/load"
	"github.com/bureau-foundation/bureau-hub/lib/placement"
	"github.com/bureau-foundation/bureau-hub/lib/registry"
	"github.com/bureau-foundation/bureau-hub/lib/relay"
	"github.com/bureau-foundation/bureau-hub/lib/schema"
	"github.com/bureau-foundation/bureau-hub/lib/store"
	"github.com/bureau-foundation/bureau-hub/lib/syncer"
	"github.com/bureau-foundation/bureau-hub/transport"
)

// Config holds everything New needs. cmd/bureau-hub fills it from a
// config file; tests fill it directly.
type Config struct {
	RunnerKey string
	PeerKey   string

	DatabasePath string
	PoolSize     int

	// Tables defaults to schema.DefaultTables.
	Tables *schema.Tables

	SyncInterval time.Duration
	MaxInFlight  int

	// UpgradeRate and UpgradeBurst bound WebSocket upgrades across
	// both endpoints. Zero disables the limit.
	UpgradeRate  float64
	UpgradeBurst int

	// NATSURL enables lifecycle event publication.
	NATSURL  string
	NATSName string

	// Publisher overrides NATSURL; tests pass an events.Recorder.
	Publisher events.Publisher

	WebSocket transport.WebSocketOptions

	Clock  clock.Clock
	Logger *slog.Logger
}

// Hub is one running coordinator.
type Hub struct {
	store     *store.Store
	runners   *registry.Registry
	peers     *registry.Registry
	forward   *forward.Service
	load      *load.Tracker
	directory *directory.Directory
	syncer    *syncer.Orchestrator
	placement *placement.Router
	relay     *relay.Relay

	publisher events.Publisher
	nats      *events.NATSPublisher

	subscriptions []subscription
	limiter       *rate.Limiter
	websocket     transport.WebSocketOptions
	engine        *gin.Engine
	logger        *slog.Logger

	// serveCtx bounds every connection's read loop; Close cancels it.
	serveCtx    context.Context
	cancelServe context.CancelFunc

	mu          sync.Mutex
	closed      bool
	connections sync.WaitGroup
}

type subscription struct {
	registry *registry.Registry
	handle   *registry.Subscription
}

// New opens the store and builds every component. Nothing is polled
// until Start.
func New(ctx context.Context, cfg Config) (*Hub, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	tables := cfg.Tables
	if tables == nil {
		tables = schema.DefaultTables()
	}

	runners, err := registry.New(registry.Config{Namespace: "runner", AccessKey: cfg.RunnerKey, Clock: clk, Logger: logger})
	if err != nil {
		return nil, err
	}
	peers, err := registry.New(registry.Config{Namespace: "peer", AccessKey: cfg.PeerKey, Clock: clk, Logger: logger})
	if err != nil {
		return nil, err
	}

	records, err := store.Open(ctx, store.Config{
		Path:     cfg.DatabasePath,
		PoolSize: cfg.PoolSize,
		Tables:   tables,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	h := &Hub{
		store:     records,
		runners:   runners,
		peers:     peers,
		forward:   forward.New(tables, logger),
		load:      load.New(logger),
		directory: directory.New(records, clk, logger),
		publisher: cfg.Publisher,
		websocket: cfg.WebSocket,
		logger:    logger,
	}
	if h.websocket.Logger == nil {
		h.websocket.Logger = logger
	}
	if cfg.UpgradeRate > 0 {
		burst := cfg.UpgradeBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.UpgradeRate), burst)
	}

	if err := h.build(cfg, tables, clk); err != nil {
		h.closeResources()
		return nil, err
	}
	h.serveCtx, h.cancelServe = context.WithCancel(context.Background())
	h.engine = h.routes()
	return h, nil
}

func (h *Hub) build(cfg Config, tables *schema.Tables, clk clock.Clock) error {
	if h.publisher == nil {
		if cfg.NATSURL != "" {
			name := cfg.NATSName
			if name == "" {
				name = "bureau-hub"
			}
			publisher, err := events.ConnectNATS(cfg.NATSURL, name, h.logger)
			if err != nil {
				return err
			}
			h.nats = publisher
			h.publisher = publisher
		} else {
			h.publisher = events.Nop{}
		}
	}

	var err error
	h.syncer, err = syncer.New(syncer.Config{
		Runners:     h.runners,
		Store:       h.store,
		Forward:     h.forward,
		Tables:      tables,
		Interval:    cfg.SyncInterval,
		MaxInFlight: cfg.MaxInFlight,
		Clock:       clk,
		Logger:      h.logger,
	})
	if err != nil {
		return fmt.Errorf("building sync orchestrator: %w", err)
	}

	h.placement, err = placement.New(placement.Config{
		Runners:   h.runners,
		Directory: h.directory,
		Load:      h.load,
		Deliverer: &placement.MailDeliverer{Store: h.store, Forward: h.forward, Clock: clk},
		Publisher: h.publisher,
		Clock:     clk,
		Logger:    h.logger,
	})
	if err != nil {
		return fmt.Errorf("building placement router: %w", err)
	}

	h.relay, err = relay.New(h.runners, h.load, h.logger)
	if err != nil {
		return fmt.Errorf("building relay: %w", err)
	}

	h.subscribeRunners(h.load.Subscribe(h.runners), h.directory.Subscribe(h.runners))
	h.subscribeRunners(h.placement.Subscribe()...)
	h.subscribeRunners(h.relay.Subscribe()...)
	h.subscribeRunners(events.SubscribeRunners(h.runners, h.publisher, clk, h.logger)...)
	h.subscriptions = append(h.subscriptions, subscription{
		registry: h.peers,
		handle:   h.peers.RegisterEvent(schema.EventHubStatus, h.handleHubStatus, nil),
	})
	return nil
}

func (h *Hub) subscribeRunners(handles ...*registry.Subscription) {
	for _, handle := range handles {
		h.subscriptions = append(h.subscriptions, subscription{registry: h.runners, handle: handle})
	}
}

func (h *Hub) handleHubStatus(_ context.Context, event registry.Event) {
	if err := event.Ack(h.Status()); err != nil {
		h.logger.Debug("hub_status ack failed", "peer", event.Source.ID, "error", err)
	}
}

// Handler returns the HTTP surface: WebSocket endpoints and status.
func (h *Hub) Handler() *gin.Engine {
	return h.engine
}

// Runners returns the runner namespace registry.
func (h *Hub) Runners() *registry.Registry {
	return h.runners
}

// Peers returns the peer hub namespace registry.
func (h *Hub) Peers() *registry.Registry {
	return h.peers
}

// Store returns the record store.
func (h *Hub) Store() *store.Store {
	return h.store
}

// Directory returns the host/user directory.
func (h *Hub) Directory() *directory.Directory {
	return h.directory
}

// Start begins catch-up polling.
func (h *Hub) Start() {
	h.syncer.Start()
	h.logger.Info("hub started", "tables", h.store.Tables().Names())
}

// Close stops polling, disconnects every client, waits for their read
// loops and in-flight deliveries, and closes the store. Safe to call
// more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.syncer.Stop()
	for _, sub := range h.subscriptions {
		sub.registry.UnregisterEvent(sub.handle)
	}
	h.cancelServe()
	h.runners.CloseAll()
	h.peers.CloseAll()
	h.connections.Wait()
	h.placement.Wait()

	err := h.closeResources()
	h.logger.Info("hub stopped")
	return err
}

func (h *Hub) closeResources() error {
	var errs []error
	if h.nats != nil {
		h.nats.Close()
	}
	if err := h.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// admit registers one connection with the shutdown wait group, or
// reports that the hub is closing.
func (h *Hub) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.connections.Add(1)
	return true
}
