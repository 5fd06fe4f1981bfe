// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by every component
// that serializes data: protocol message payloads, I/O-log metadata and
// commit index records.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same message always produces the same bytes. That property matters
// for journals: a replayed journal frame is byte-identical to the frame
// the client sent.
//
// The decoder rejects duplicate map keys. Protocol messages are unions
// keyed by field name, and a payload carrying the same key twice is
// ambiguous rather than merely redundant.
//
//	data, err := codec.Marshal(message)
//	err = codec.Unmarshal(data, &message)
//
// Stream helpers ([NewEncoder], [NewDecoder]) are used for append-only
// record files.
package codec
