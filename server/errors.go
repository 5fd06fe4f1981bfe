// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
)

// ProtocolError is a client error that is reported back to the client
// in an error message before the connection is closed: a malformed or
// oversized frame, a missing required field, or a message that is not
// valid in the connection's current state.
type ProtocolError struct {
	Reason string

	// kind is ErrStateMachine for state errors, nil otherwise.
	kind error
}

func (e *ProtocolError) Error() string { return e.Reason }

func (e *ProtocolError) Unwrap() error { return e.kind }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ErrStateMachine is wrapped by protocol errors for messages that are
// well-formed but not valid in the connection's current state.
var ErrStateMachine = errors.New("state machine error")

func unexpectedMessage(kind string, state connState) *ProtocolError {
	return &ProtocolError{
		Reason: fmt.Sprintf("unexpected %s in state %s", kind, state),
		kind:   ErrStateMachine,
	}
}

// ErrRelayExhausted is reported when every configured upstream host
// failed to connect.
var ErrRelayExhausted = errors.New("unable to connect to any relay host")
