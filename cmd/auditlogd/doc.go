// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// auditlogd is the audit log collection server. It accepts audit
// clients over TCP or TLS, stores their session logs locally or relays
// them to an upstream collector, and reports commit points back to the
// clients as their data becomes durable.
//
// Configuration is read from the file named by --config or the
// AUDITLOGD_CONFIG environment variable; with neither, built-in
// defaults are used. SIGHUP re-reads the configuration and rebinds the
// listeners. SIGINT and SIGTERM drain open sessions and exit.
package main
