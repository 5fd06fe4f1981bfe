// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener is a bound TCP socket with a TLS flag.
type TCPListener struct {
	listener net.Listener
	tls      bool
}

// Listen binds address (e.g. ":30343" or "127.0.0.1:0"). The useTLS
// flag is recorded for the server; the listener itself never wraps
// connections.
func Listen(address string, useTLS bool) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener, tls: useTLS}, nil
}

// Accept waits for the next connection.
func (l *TCPListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// TLS reports whether the listener was configured for TLS.
func (l *TCPListener) TLS() bool { return l.tls }

// Close shuts down the TCP listener.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// TCPDialer opens TCP connections to upstream collectors.
type TCPDialer struct {
	// Timeout bounds connection establishment and, for TLS hosts, the
	// handshake. Zero means only the context deadline applies.
	Timeout time.Duration

	// TLSConfig is used for hosts dialed with useTLS. ServerName is
	// filled in from the dialed address when empty.
	TLSConfig *tls.Config
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string, useTLS bool) (net.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if !useTLS {
		return conn, nil
	}

	if d.TLSConfig == nil {
		conn.Close()
		return nil, errors.New("TLS requested but no client TLS configuration")
	}
	config := d.TLSConfig.Clone()
	if config.ServerName == "" {
		host, _, splitErr := net.SplitHostPort(address)
		if splitErr != nil {
			conn.Close()
			return nil, splitErr
		}
		config.ServerName = host
	}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", address, err)
	}
	return tlsConn, nil
}

// hangups are the errors a read or write returns once either end of a
// connection has gone away.
var hangups = []error{io.EOF, io.ErrClosedPipe, net.ErrClosed, syscall.EPIPE, syscall.ECONNRESET}

// PeerClosed reports whether err only says that the connection is gone.
// A stream cut off inside a frame (io.ErrUnexpectedEOF) does not count.
func PeerClosed(err error) bool {
	for _, hangup := range hangups {
		if errors.Is(err, hangup) {
			return true
		}
	}
	return false
}
