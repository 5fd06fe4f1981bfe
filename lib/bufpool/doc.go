// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bufpool provides the per-connection buffer free list used
// for framed reads and queued writes.
//
// A [Buffer] tracks unconsumed bytes with Offset and Length cursors
// over its backing array. A [Pool] hands out buffers from its free
// list, growing the backing array to the next power of two when a
// request does not fit, and takes them back with Release. Buffers are
// never shrunk, so a connection's memory is bounded by the largest
// message it has handled.
//
// A Pool is not safe for concurrent use. Each connection owns one, and
// only the server's event loop touches it.
package bufpool
