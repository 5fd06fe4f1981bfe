// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the auditlogd build.
//
// Release builds inject GitCommit, GitDirty, BuildTime and Version
// with -ldflags -X:
//
//	go build -ldflags "-X github.com/bureau-foundation/auditlog/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds leave GitCommit as "unknown", and [Info] then
// reads the VCS stamp from the binary's embedded build info.
package version
