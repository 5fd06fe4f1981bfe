// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the network endpoints auditlogd uses:
// listening sockets for audit clients and outbound connections to
// upstream collectors.
//
// [Listen] opens a [TCPListener] that remembers whether the address was
// configured for TLS. Accepted connections are returned as plain TCP;
// the server performs the TLS handshake itself under its own timeout so
// that a stalled handshake never blocks the accept loop.
//
// [Dialer] opens upstream connections. [TCPDialer] completes the TLS
// client handshake before returning when the host is marked TLS, so
// callers see a ready-to-use net.Conn either way. Tests substitute an
// in-memory Dialer.
//
// [ServerTLSConfig] and [ClientTLSConfig] build crypto/tls
// configurations from certificate paths. [VerifyPeerAddress] implements
// peer checking: the verified peer certificate must name the address
// the connection came from.
//
// [PeerClosed] classifies EOF and reset errors as normal
// teardown so they are not logged as failures.
package transport
