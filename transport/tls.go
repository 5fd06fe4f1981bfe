// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/bureau-foundation/auditlog/lib/config"
)

// ServerTLSConfig builds the configuration for TLS listeners. With
// CheckPeer set, clients must present a certificate that chains to the
// CA bundle; the address match is checked separately by
// [VerifyPeerAddress] once the handshake completes.
func ServerTLSConfig(settings config.TLSConfig) (*tls.Config, error) {
	certificate, err := tls.LoadX509KeyPair(settings.Certificate, settings.Key)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}
	if settings.CheckPeer {
		pool, err := loadPool(settings.CABundle)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}

// ClientTLSConfig builds the configuration for upstream TLS dials. The
// client certificate is optional. With CheckPeer unset the upstream
// certificate is not verified.
func ClientTLSConfig(settings config.TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !settings.CheckPeer,
	}
	if settings.Certificate != "" {
		certificate, err := tls.LoadX509KeyPair(settings.Certificate, settings.Key)
		if err != nil {
			return nil, fmt.Errorf("loading relay client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}
	if settings.CheckPeer {
		pool, err := loadPool(settings.CABundle)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// loadPool reads a PEM CA bundle. An empty path returns nil, which
// crypto/tls treats as the system roots.
func loadPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("CA bundle %s contains no certificates", path)
	}
	return pool, nil
}

// ErrPeerMismatch is returned by VerifyPeerAddress when the peer
// certificate does not name the connecting address.
var ErrPeerMismatch = errors.New("peer certificate does not match connection address")

// VerifyPeerAddress checks that the leaf certificate presented in state
// names the IP address of remote, either as a subject alternative name
// or as the common name.
func VerifyPeerAddress(state tls.ConnectionState, remote net.Addr) error {
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("%w: no certificate presented", ErrPeerMismatch)
	}
	host := remote.String()
	if split, _, err := net.SplitHostPort(host); err == nil {
		host = split
	}
	leaf := state.PeerCertificates[0]
	if leaf.VerifyHostname(host) == nil || leaf.Subject.CommonName == host {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPeerMismatch, host)
}
