// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the auditlogd configuration file.
//
// Configuration comes from a single file named by the --config flag
// (via [LoadFile]) or the AUDITLOGD_CONFIG environment variable (via
// [Load]). There is no search path and no per-field environment
// override, so the file on disk is the whole truth.
//
// Files ending in .json or .jsonc are read as JSON with comments and
// trailing commas permitted; anything else is YAML. Both decode
// through the same YAML struct tags, so durations are written as Go
// duration strings ("30s", "5m") in either syntax.
//
// After loading, ${VAR} and ${VAR:-default} references in path fields
// are expanded. [Config.Validate] reports every problem at once.
//
// Key exports:
//
//   - [Config] with [ServerConfig] and [RelayConfig] sections
//   - [Default] returns the built-in defaults the file is merged onto
//   - [Load] and [LoadFile]
package config
