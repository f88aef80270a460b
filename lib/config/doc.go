// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the hub.
//
// Configuration is loaded from a single file specified by either the
// BUREAU_HUB_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search. This ensures
// deterministic, auditable configuration with no hidden overrides.
//
// Files ending in .json or .jsonc are read as JSON with comments and
// trailing commas (stripped by tidwall/jsonc); anything else is YAML.
// Both go through the same decoder, so durations are written as
// strings ("1s", "250ms") in either format.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production is stricter: access keys
// must come from key files, never inline.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${BUREAU_HUB_STATE}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Server, Storage, Sync, Auth, Events
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other hub packages.
package config
