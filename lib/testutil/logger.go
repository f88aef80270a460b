// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"log/slog"
	"path/filepath"
	"testing"
)

// Logger returns a logger that discards everything. Components under
// test keep logging from background goroutines after the test body
// returns, so routing through t.Log would panic.
func Logger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// DatabasePath returns a path for a fresh SQLite database inside
// t.TempDir. The file does not exist yet.
func DatabasePath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "hub.db")
}
