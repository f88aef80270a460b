// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bureau-hub is the coordination hub runners connect to. It polls
// every connected runner for changed records, forwards them to the
// others, places agents on the least-loaded eligible runner, and
// relays remote control requests between runners.
//
// Configuration comes from exactly one file, named by --config or the
// BUREAU_HUB_CONFIG environment variable. --listen overrides the
// configured listen address.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/bureau-hub/lib/config"
	"github.com/bureau-foundation/bureau-hub/lib/hub"
	"github.com/bureau-foundation/bureau-hub/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		listen      string
		logLevel    string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("bureau-hub", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the hub config file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&listen, "listen", "", "listen address, overriding server.listen")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("bureau-hub")
		return nil
	}

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	hubConfig, err := buildHubConfig(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := hub.New(ctx, hubConfig)
	if err != nil {
		return fmt.Errorf("starting hub: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		h.Close()
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	server := &http.Server{Handler: h.Handler()}

	h.Start()
	logger.Info("bureau-hub listening",
		append([]any{"address", listener.Addr().String(), "environment", cfg.Environment}, version.LogAttrs()...)...,
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		h.Close()
		return fmt.Errorf("serving: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by the server, so
	// the hub closes them itself.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return h.Close()
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// buildHubConfig resolves key files and maps the file layout onto the
// hub's constructor parameters.
func buildHubConfig(cfg *config.Config, logger *slog.Logger) (hub.Config, error) {
	runnerKey, err := cfg.RunnerAccessKey()
	if err != nil {
		return hub.Config{}, err
	}
	peerKey, err := cfg.PeerAccessKey()
	if err != nil {
		return hub.Config{}, err
	}
	return hub.Config{
		RunnerKey:    runnerKey,
		PeerKey:      peerKey,
		DatabasePath: cfg.Storage.DatabasePath,
		PoolSize:     cfg.Storage.PoolSize,
		SyncInterval: cfg.Sync.Interval,
		MaxInFlight:  cfg.Sync.MaxInFlight,
		UpgradeRate:  cfg.Server.UpgradeRate,
		UpgradeBurst: cfg.Server.UpgradeBurst,
		NATSURL:      cfg.Events.NATSURL,
		NATSName:     cfg.Events.ClientName,
		Logger:       logger,
	}, nil
}

func parseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: %w", name, err)
	}
	return level, nil
}
