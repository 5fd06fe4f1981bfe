// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/bureau-foundation/auditlog/lib/config"
	"github.com/bureau-foundation/auditlog/transport"
)

type listenerState struct {
	listener transport.Listener
	closed   bool
}

// buildListeners binds every configured address. On failure the ones
// already bound are closed. The TLS configuration is nil when no
// address uses TLS.
func buildListeners(settings config.ServerConfig) ([]*listenerState, *tls.Config, error) {
	var tlsConfig *tls.Config
	for _, address := range settings.Listen {
		if address.TLS {
			var err error
			if tlsConfig, err = transport.ServerTLSConfig(settings.TLS); err != nil {
				return nil, nil, err
			}
			break
		}
	}

	var states []*listenerState
	for _, address := range settings.Listen {
		listener, err := transport.Listen(address.Address, address.TLS)
		if err != nil {
			for _, state := range states {
				state.listener.Close()
			}
			return nil, nil, fmt.Errorf("listening on %s: %w", address, err)
		}
		states = append(states, &listenerState{listener: listener})
	}
	return states, tlsConfig, nil
}

func (s *Server) acceptLoop(state *listenerState) {
	for {
		conn, err := state.listener.Accept()
		if err != nil {
			s.post(acceptErrorEvent{listener: state, err: err})
			return
		}
		if !s.post(acceptEvent{listener: state, conn: conn}) {
			conn.Close()
			return
		}
	}
}

func (s *Server) closeListeners() {
	for _, state := range s.listeners {
		if !state.closed {
			state.closed = true
			state.listener.Close()
		}
	}
	s.listeners = nil
}

func (s *Server) onAcceptError(ev acceptErrorEvent) {
	if ev.listener.closed {
		return
	}
	// The listener is unusable. Sessions already accepted continue.
	s.logger.Error("accept failed, listener stopped",
		"address", ev.listener.listener.Address(),
		"error", ev.err,
	)
	ev.listener.closed = true
	ev.listener.listener.Close()
}

func (s *Server) onAccept(ev acceptEvent) {
	if ev.listener.closed || s.shuttingDown {
		ev.conn.Close()
		return
	}
	if ev.listener.listener.TLS() {
		s.acceptTLS(ev.conn)
		return
	}
	s.acceptPlain(ev.conn)
}

// acceptPlain starts a session on a connection from a plaintext
// listener.
func (s *Server) acceptPlain(netConn net.Conn) {
	c := s.newConn(netConn)
	c.logger.Debug("accepted connection")
	s.beginSession(c)
}

// beginSession runs once the client transport is ready: immediately for
// plaintext, after the handshake for TLS.
func (s *Server) beginSession(c *Conn) {
	if s.cfg.Relay.Enabled() && !s.cfg.Relay.StoreFirst {
		s.transition(c, stateConnecting)
		s.connectRelay(c)
		return
	}
	s.startProtocol(c)
}
