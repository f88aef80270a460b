// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}

	if cfg.Sync.Interval != time.Second {
		t.Errorf("expected sync.interval=1s, got %s", cfg.Sync.Interval)
	}

	if cfg.Sync.MaxInFlight != 3 {
		t.Errorf("expected sync.max_in_flight=3, got %d", cfg.Sync.MaxInFlight)
	}

	if cfg.Server.Listen != "127.0.0.1:7890" {
		t.Errorf("expected listen=127.0.0.1:7890, got %s", cfg.Server.Listen)
	}
}

func TestLoad_RequiresConfigVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected error when %s not set, got nil", EnvironmentVariable)
	}

	expectedMsg := EnvironmentVariable + " environment variable not set"
	if !strings.HasPrefix(err.Error(), expectedMsg) {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithConfigVariable(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hub.yaml")

	configContent := `
environment: staging
server:
  listen: 0.0.0.0:9000
sync:
  interval: 250ms
  max_in_flight: 5
auth:
  runner_key: runner-secret
  peer_key: peer-secret
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv(EnvironmentVariable, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("expected listen=0.0.0.0:9000, got %s", cfg.Server.Listen)
	}
	if cfg.Sync.Interval != 250*time.Millisecond {
		t.Errorf("expected interval=250ms, got %s", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxInFlight != 5 {
		t.Errorf("expected max_in_flight=5, got %d", cfg.Sync.MaxInFlight)
	}
	// Unset fields keep their defaults.
	if cfg.Storage.PoolSize != 4 {
		t.Errorf("expected pool_size=4, got %d", cfg.Storage.PoolSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hub.jsonc")

	configContent := `{
  // Comments and trailing commas are allowed.
  "sync": {
    "interval": "2s",
    "max_in_flight": 7,
  },
  "events": {"nats_url": "nats://127.0.0.1:4222"},
}`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.Sync.Interval != 2*time.Second {
		t.Errorf("expected interval=2s, got %s", cfg.Sync.Interval)
	}
	if cfg.Sync.MaxInFlight != 7 {
		t.Errorf("expected max_in_flight=7, got %d", cfg.Sync.MaxInFlight)
	}
	if cfg.Events.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("expected nats_url set, got %q", cfg.Events.NATSURL)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist in chain, got %v", err)
	}
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "hub.yaml")
	if err := os.WriteFile(configPath, []byte("sync: [unterminated"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := LoadFile(configPath); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hub.yaml")

	configContent := `
environment: production
sync:
  max_in_flight: 3
production:
  sync:
    max_in_flight: 10
  storage:
    database_path: /var/lib/bureau-hub/hub.db
  events:
    nats_url: nats://events.internal:4222
development:
  sync:
    max_in_flight: 1
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.Sync.MaxInFlight != 10 {
		t.Errorf("expected production override max_in_flight=10, got %d", cfg.Sync.MaxInFlight)
	}
	if cfg.Storage.DatabasePath != "/var/lib/bureau-hub/hub.db" {
		t.Errorf("expected production database path, got %s", cfg.Storage.DatabasePath)
	}
	if cfg.Events.NATSURL != "nats://events.internal:4222" {
		t.Errorf("expected production nats_url, got %s", cfg.Events.NATSURL)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("BUREAU_HUB_TEST_DIR", "/from/env")

	vars := map[string]string{
		"HOME":             "/home/test",
		"BUREAU_HUB_STATE": "/home/test/.local/state/bureau-hub",
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"${HOME}/hub.db", "/home/test/hub.db"},
		{"${BUREAU_HUB_STATE}/hub.db", "/home/test/.local/state/bureau-hub/hub.db"},
		{"${BUREAU_HUB_TEST_DIR}/hub.db", "/from/env/hub.db"},
		{"${UNDEFINED_BUREAU_VAR:-/fallback}/hub.db", "/fallback/hub.db"},
		{"${UNDEFINED_BUREAU_VAR}/hub.db", "/hub.db"},
		{"/absolute/path", "/absolute/path"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := expandVars(tt.input, vars)
			if result != tt.expected {
				t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.RunnerKey = "runner"
		cfg.Auth.PeerKey = "peer"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "invalid environment",
			mutate:  func(c *Config) { c.Environment = "testing" },
			wantErr: []string{"invalid environment"},
		},
		{
			name: "missing keys",
			mutate: func(c *Config) {
				c.Auth = AuthConfig{}
			},
			wantErr: []string{"auth.runner_key", "auth.peer_key"},
		},
		{
			name: "non-positive sync settings",
			mutate: func(c *Config) {
				c.Sync.Interval = 0
				c.Sync.MaxInFlight = 0
			},
			wantErr: []string{"sync.interval", "sync.max_in_flight"},
		},
		{
			name:    "production rejects inline keys",
			mutate:  func(c *Config) { c.Environment = Production },
			wantErr: []string{"production requires auth keys from files"},
		},
		{
			name: "production with key files",
			mutate: func(c *Config) {
				c.Environment = Production
				c.Auth = AuthConfig{RunnerKeyFile: "/run/secrets/runner", PeerKeyFile: "/run/secrets/peer"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want errors containing %v", tt.wantErr)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("Validate() = %q, missing %q", err.Error(), want)
				}
			}
		})
	}
}

func TestAccessKeys(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "runner.key")
	if err := os.WriteFile(keyPath, []byte("  from-file\n"), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	cfg := Default()
	cfg.Auth.RunnerKey = "inline"
	cfg.Auth.RunnerKeyFile = keyPath
	cfg.Auth.PeerKey = "peer-inline"

	runner, err := cfg.RunnerAccessKey()
	if err != nil {
		t.Fatalf("RunnerAccessKey() failed: %v", err)
	}
	if runner != "from-file" {
		t.Errorf("RunnerAccessKey() = %q, want file contents", runner)
	}

	peer, err := cfg.PeerAccessKey()
	if err != nil {
		t.Fatalf("PeerAccessKey() failed: %v", err)
	}
	if peer != "peer-inline" {
		t.Errorf("PeerAccessKey() = %q, want inline key", peer)
	}

	empty := filepath.Join(dir, "empty.key")
	if err := os.WriteFile(empty, []byte("\n"), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	cfg.Auth.PeerKeyFile = empty
	if _, err := cfg.PeerAccessKey(); err == nil {
		t.Error("expected error for empty key file")
	}

	cfg.Auth = AuthConfig{}
	if _, err := cfg.RunnerAccessKey(); err == nil {
		t.Error("expected error when no key configured")
	}
}
