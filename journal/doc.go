// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal stores audit sessions on local disk for
// store-and-forward relaying.
//
// A journal is the exact sequence of length-prefixed client frames a
// session produced, appended as they arrive. Journals live under a
// spool directory with three subdirectories:
//
//   - incoming/ holds journals for sessions still in progress
//   - outgoing/ holds sealed journals waiting to be relayed
//   - corrupt/ holds journals that failed digest verification
//
// [Journal.Seal] fsyncs the file, moves it from incoming/ to outgoing/,
// and writes a BLAKE3 digest beside it in a ".sum" file. The digest is
// computed incrementally while frames are appended, so sealing never
// rereads the file. [Store.OpenReplay] recomputes the digest before
// returning a [Reader] and reports [ErrCorrupt] on mismatch; the caller
// decides whether to [Store.Quarantine] the journal.
//
// Journals in incoming/ at startup belong to sessions that were cut off
// by a crash. They are never relayed because the upstream would see a
// session with no end; [Store.Outgoing] lists only sealed journals.
package journal
