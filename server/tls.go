// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/bureau-foundation/auditlog/transport"
)

type tlsState int

const (
	tlsNone tlsState = iota
	tlsHandshaking
	tlsEstablished
)

func (t tlsState) String() string {
	switch t {
	case tlsHandshaking:
		return "handshaking"
	case tlsEstablished:
		return "established"
	default:
		return "none"
	}
}

// acceptTLS registers a connection from a TLS listener and runs the
// server handshake in the background. The session begins in
// onHandshake.
func (s *Server) acceptTLS(netConn net.Conn) {
	c := s.newConn(netConn)
	c.tls = tlsHandshaking
	c.logger.Debug("accepted connection, starting TLS handshake")

	config := s.tlsConfig
	timeout := s.cfg.Server.Timeout
	checkPeer := s.cfg.Server.TLS.CheckPeer
	go func() {
		tlsConn := tls.Server(netConn, config)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := tlsConn.HandshakeContext(ctx)
		if err == nil && checkPeer {
			err = transport.VerifyPeerAddress(tlsConn.ConnectionState(), netConn.RemoteAddr())
		}
		if !s.post(handshakeEvent{conn: c, tlsConn: tlsConn, err: err}) {
			tlsConn.Close()
		}
	}()
}

func (s *Server) onHandshake(ev handshakeEvent) {
	c := ev.conn
	if c.closed {
		ev.tlsConn.Close()
		return
	}
	if ev.err != nil {
		if transport.PeerClosed(ev.err) {
			c.logger.Info("client closed during TLS handshake")
		} else {
			c.logger.Warn("TLS handshake failed", "error", ev.err)
		}
		s.closeConn(c)
		return
	}
	state := ev.tlsConn.ConnectionState()
	c.client.conn = ev.tlsConn
	c.tls = tlsEstablished
	c.logger.Debug("TLS established",
		"version", tls.VersionName(state.Version),
		"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
	)
	s.beginSession(c)
}
