// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire format spoken between audit
// clients, collection servers, and upstream collectors.
//
// Every message in either direction is one frame: a 4-byte big-endian
// unsigned payload length followed by exactly that many payload bytes.
// A receiver that sees a length above its configured maximum fails the
// connection before reading or buffering any payload.
//
// The payload is a CBOR map (see lib/codec) holding exactly one union
// member. [ClientMessage] carries what an audit client sends:
//
//	hello          client identification, first message
//	accept         command accepted by policy, opens a session
//	reject         command rejected by policy, ends the session
//	restart        resume an interrupted session from a commit point
//	alert          policy alert, allowed at any time
//	ttyin_buf ...  I/O stream data (ttyin, ttyout, stdin, stdout, stderr)
//	winsize_event  terminal window change
//	suspend_event  command suspended or resumed
//	exit           command finished
//
// [ServerMessage] carries what a server sends back: hello, commit_point,
// log_id, error, and abort.
//
// A payload with zero or more than one member set is malformed.
package protocol
