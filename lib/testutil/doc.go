// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the auditlog test suites.
//
// Server timers run on a fake clock in tests, so [RequireReceive] and
// [Eventually] carry the only real wall-clock timeouts: they keep a
// broken test from hanging the run. [UniqueID] names parallel test
// fixtures. [NewCertificateAuthority] mints throwaway certificates for
// TLS listeners, upstream dials and peer-address checks.
//
// Helpers fail the test with Fatalf instead of returning errors.
package testutil
