// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package server is the auditlogd session engine: it accepts audit
// client connections, runs each connection's protocol state machine,
// reports commit points, and relays sessions to upstream collectors.
//
// # Event loop
//
// One goroutine, started by [Server.Serve], owns every connection, the
// connection registry, the relay queue, and the listener set. Nothing
// else reads or writes that state. Work that blocks runs in helper
// goroutines that post a typed event back to the loop when done:
//
//   - accept goroutines, one per listener
//   - one reader goroutine per socket or replayed journal, which reads
//     a single frame, posts it, and waits to be re-armed before reading
//     the next, so frames are handled strictly in order and reads can
//     be stopped after an exit message
//   - one writer goroutine per in-flight write; a socket has at most
//     one write outstanding, with the rest queued in order
//   - TLS handshakes and upstream dials, each under the configured
//     timeout
//   - timers from the injected [clock.Clock] for commit points, the
//     relay queue, and the shutdown drain
//
// # Connection lifecycle
//
// A client connection starts INITIAL and moves to RUNNING on an accept
// or restart message, to EXITED on exit when I/O is being logged, and
// to FINISHED once the final commit point is queued (or directly on
// reject, or on exit without I/O). A FINISHED connection closes as
// soon as its write queue drains. Protocol errors queue an error
// message to the client and close after it is written; transport
// errors close immediately.
//
// # Modes
//
// With no relay hosts configured, sessions are stored locally through
// package iolog. With relay hosts and store_first unset, each client
// connection is paired with an upstream connection and frames are
// forwarded both ways after local validation. With store_first set,
// sessions are journaled locally (package journal) and, once FINISHED,
// the journal is handed to a new replay connection that forwards it
// upstream. A failed replay parks the connection in the relay queue,
// which retries with exponential backoff; the journal is deleted only
// after the upstream acknowledges the whole session.
package server
