// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
)

// Listener accepts inbound audit client connections.
type Listener interface {
	// Accept blocks until a connection arrives or the listener is
	// closed. After Close, Accept returns an error wrapping
	// net.ErrClosed.
	Accept() (net.Conn, error)

	// Address returns the bound address in "host:port" form. With a
	// configured port of 0 this is the port actually chosen.
	Address() string

	// TLS reports whether connections from this listener must complete
	// a TLS handshake before any protocol traffic.
	TLS() bool

	// Close stops accepting. Connections already accepted are
	// unaffected.
	Close() error
}

// Dialer opens connections to upstream collectors.
type Dialer interface {
	// DialContext connects to address (host:port). When useTLS is set
	// the returned connection has already completed a TLS client
	// handshake.
	DialContext(ctx context.Context, address string, useTLS bool) (net.Conn, error)
}
