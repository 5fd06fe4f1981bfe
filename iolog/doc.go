// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package iolog writes the durable record of an audited session's
// terminal and standard I/O.
//
// Each session is a directory named by its log ID under the configured
// I/O log root:
//
//	<root>/<log id>/
//	    info     CBOR [Info]: submit time, info records, exit status
//	    timing   blocks of CBOR [TimingEvent] records
//	    ttyin, ttyout, stdin, stdout, stderr
//	             blocks of raw stream bytes
//	    index    CBOR sequence of [IndexEntry], one per flush
//
// Writes are buffered in memory until [Log.Flush]. A flush appends one
// block per file that has pending data, syncs each touched file, and
// then appends an index entry recording the session's elapsed time and
// every file's size. The elapsed time in the newest index entry is the
// commit point: everything before it is on disk.
//
// Blocks carry a 9-byte header (compression tag, uncompressed length,
// stored length). Blocks are compressed with zstd or LZ4 when
// configured; a block that does not shrink is stored uncompressed.
//
// [Restart] reopens a session at a resume point. The resume point must
// equal the elapsed time of an index entry (or zero); every file is
// truncated back to the sizes recorded there, which discards whatever
// the interrupted connection wrote after its last commit.
//
// [Read] loads a session back for inspection and tests.
package iolog
