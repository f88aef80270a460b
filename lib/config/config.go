// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when no --config flag is
// given.
const EnvironmentVariable = "BUREAU_HUB_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for the hub.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Server configures the HTTP listener and WebSocket endpoints.
	Server ServerConfig `yaml:"server"`

	// Storage configures the SQLite record store.
	Storage StorageConfig `yaml:"storage"`

	// Sync configures catch-up polling of runners.
	Sync SyncConfig `yaml:"sync"`

	// Auth holds the per-namespace access keys.
	Auth AuthConfig `yaml:"auth"`

	// Events configures lifecycle event publication.
	Events EventsConfig `yaml:"events"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Server  *ServerConfig  `yaml:"server,omitempty"`
	Storage *StorageConfig `yaml:"storage,omitempty"`
	Sync    *SyncConfig    `yaml:"sync,omitempty"`
	Events  *EventsConfig  `yaml:"events,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Listen is the TCP address to listen on.
	// Default: 127.0.0.1:7890
	Listen string `yaml:"listen"`

	// UpgradeRate is the sustained number of WebSocket upgrades
	// accepted per second across both endpoints.
	// Default: 20
	UpgradeRate float64 `yaml:"upgrade_rate"`

	// UpgradeBurst is how many upgrades may arrive at once, for
	// example when every runner reconnects after a hub restart.
	// Default: 50
	UpgradeBurst int `yaml:"upgrade_burst"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig configures the record store.
type StorageConfig struct {
	// DatabasePath is the SQLite database file.
	// Default: ${BUREAU_HUB_STATE}/hub.db
	DatabasePath string `yaml:"database_path"`

	// PoolSize is the number of SQLite connections.
	// Default: 4
	PoolSize int `yaml:"pool_size"`
}

// SyncConfig configures the sync orchestrator.
type SyncConfig struct {
	// Interval is the tick period.
	// Default: 1s
	Interval time.Duration `yaml:"interval"`

	// MaxInFlight caps concurrent polls.
	// Default: 3
	MaxInFlight int `yaml:"max_in_flight"`
}

// AuthConfig holds access keys. Each key may be given inline or as a
// path to a file containing it; the file wins when both are set.
type AuthConfig struct {
	RunnerKey     string `yaml:"runner_key"`
	RunnerKeyFile string `yaml:"runner_key_file"`
	PeerKey       string `yaml:"peer_key"`
	PeerKeyFile   string `yaml:"peer_key_file"`
}

// EventsConfig configures lifecycle event publication.
type EventsConfig struct {
	// NATSURL enables publication when set (e.g. nats://127.0.0.1:4222).
	NATSURL string `yaml:"nats_url"`

	// ClientName identifies the hub to the NATS server.
	// Default: bureau-hub
	ClientName string `yaml:"client_name"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Listen:          "127.0.0.1:7890",
			UpgradeRate:     20,
			UpgradeBurst:    50,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DatabasePath: "${BUREAU_HUB_STATE}/hub.db",
			PoolSize:     4,
		},
		Sync: SyncConfig{
			Interval:    time.Second,
			MaxInFlight: 3,
		},
		Events: EventsConfig{
			ClientName: "bureau-hub",
		},
	}
}

// Load loads configuration from the BUREAU_HUB_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if BUREAU_HUB_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your hub config file, or use --config flag", EnvironmentVariable)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values. The only expansion performed is ${HOME} and similar
// path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so stripped JSONC decodes through
		// the same path and keeps yaml tags and duration parsing.
		data = jsonc.ToJSON(data)
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Server != nil {
		if overrides.Server.Listen != "" {
			c.Server.Listen = overrides.Server.Listen
		}
		if overrides.Server.UpgradeRate > 0 {
			c.Server.UpgradeRate = overrides.Server.UpgradeRate
		}
		if overrides.Server.UpgradeBurst > 0 {
			c.Server.UpgradeBurst = overrides.Server.UpgradeBurst
		}
		if overrides.Server.ShutdownTimeout > 0 {
			c.Server.ShutdownTimeout = overrides.Server.ShutdownTimeout
		}
	}

	if overrides.Storage != nil {
		if overrides.Storage.DatabasePath != "" {
			c.Storage.DatabasePath = overrides.Storage.DatabasePath
		}
		if overrides.Storage.PoolSize > 0 {
			c.Storage.PoolSize = overrides.Storage.PoolSize
		}
	}

	if overrides.Sync != nil {
		if overrides.Sync.Interval > 0 {
			c.Sync.Interval = overrides.Sync.Interval
		}
		if overrides.Sync.MaxInFlight > 0 {
			c.Sync.MaxInFlight = overrides.Sync.MaxInFlight
		}
	}

	if overrides.Events != nil {
		if overrides.Events.NATSURL != "" {
			c.Events.NATSURL = overrides.Events.NATSURL
		}
		if overrides.Events.ClientName != "" {
			c.Events.ClientName = overrides.Events.ClientName
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	homeDir, _ := os.UserHomeDir()
	vars := map[string]string{
		"HOME":             homeDir,
		"BUREAU_HUB_STATE": filepath.Join(homeDir, ".local", "state", "bureau-hub"),
	}

	c.Storage.DatabasePath = expandVars(c.Storage.DatabasePath, vars)
	c.Auth.RunnerKeyFile = expandVars(c.Auth.RunnerKeyFile, vars)
	c.Auth.PeerKeyFile = expandVars(c.Auth.PeerKeyFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Environment first, so BUREAU_HUB_STATE can be pointed
		// elsewhere; then the built-in values.
		if value := os.Getenv(name); value != "" {
			return value
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Every problem is
// reported, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	}
	if c.Server.UpgradeRate <= 0 || c.Server.UpgradeBurst <= 0 {
		errs = append(errs, fmt.Errorf("server.upgrade_rate and server.upgrade_burst must be positive"))
	}

	if c.Storage.DatabasePath == "" {
		errs = append(errs, fmt.Errorf("storage.database_path is required"))
	}

	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive"))
	}
	if c.Sync.MaxInFlight <= 0 {
		errs = append(errs, fmt.Errorf("sync.max_in_flight must be positive"))
	}

	if c.Auth.RunnerKey == "" && c.Auth.RunnerKeyFile == "" {
		errs = append(errs, fmt.Errorf("auth.runner_key or auth.runner_key_file is required"))
	}
	if c.Auth.PeerKey == "" && c.Auth.PeerKeyFile == "" {
		errs = append(errs, fmt.Errorf("auth.peer_key or auth.peer_key_file is required"))
	}
	if c.Environment == Production && (c.Auth.RunnerKey != "" || c.Auth.PeerKey != "") {
		errs = append(errs, fmt.Errorf("production requires auth keys from files, not inline"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RunnerAccessKey returns the runner namespace key.
func (c *Config) RunnerAccessKey() (string, error) {
	return resolveSecret("auth.runner_key", c.Auth.RunnerKey, c.Auth.RunnerKeyFile)
}

// PeerAccessKey returns the peer namespace key.
func (c *Config) PeerAccessKey() (string, error) {
	return resolveSecret("auth.peer_key", c.Auth.PeerKey, c.Auth.PeerKeyFile)
}

func resolveSecret(name, inline, path string) (string, error) {
	if path == "" {
		if inline == "" {
			return "", fmt.Errorf("%s is not configured", name)
		}
		return inline, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s_file: %w", name, err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("%s_file %s is empty", name, path)
	}
	return secret, nil
}
