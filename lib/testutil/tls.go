// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

type fataler interface {
	Helper()
	Fatalf(format string, args ...any)
}

// CertificateAuthority is an in-memory CA for TLS tests.
type CertificateAuthority struct {
	Certificate *x509.Certificate
	Pool        *x509.CertPool
	PEM         []byte

	key    *ecdsa.PrivateKey
	serial int64
}

// NewCertificateAuthority creates a self-signed CA valid for one day.
func NewCertificateAuthority(t fataler) *CertificateAuthority {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}
	now := time.Now() //nolint:realclock certificate validity window
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "auditlog test CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(certificate)

	return &CertificateAuthority{
		Certificate: certificate,
		Pool:        pool,
		PEM:         pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		key:         key,
		serial:      1,
	}
}

// Issue returns a leaf certificate signed by the CA. Each host is added
// as an IP SAN when it parses as an IP address and a DNS SAN otherwise.
// The certificate is usable for both server and client authentication.
func (ca *CertificateAuthority) Issue(t fataler, commonName string, hosts ...string) tls.Certificate {
	t.Helper()
	certPEM, keyPEM := ca.issuePEM(t, commonName, hosts)
	certificate, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("loading issued key pair: %v", err)
	}
	return certificate
}

// WriteFiles issues a leaf certificate and writes it, its key, and the
// CA bundle into dir. It returns the three paths in that order.
func (ca *CertificateAuthority) WriteFiles(t fataler, dir, commonName string, hosts ...string) (certPath, keyPath, caPath string) {
	t.Helper()
	certPEM, keyPEM := ca.issuePEM(t, commonName, hosts)
	certPath = filepath.Join(dir, commonName+".crt")
	keyPath = filepath.Join(dir, commonName+".key")
	caPath = filepath.Join(dir, "ca.crt")
	for path, data := range map[string][]byte{certPath: certPEM, keyPath: keyPEM, caPath: ca.PEM} {
		if err := os.WriteFile(path, data, 0600); err != nil {
			t.Fatalf("writing %s: %v", path, err)
		}
	}
	return certPath, keyPath, caPath
}

func (ca *CertificateAuthority) issuePEM(t fataler, commonName string, hosts []string) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating leaf key: %v", err)
	}
	ca.serial++
	now := time.Now() //nolint:realclock certificate validity window
	template := &x509.Certificate{
		SerialNumber: big.NewInt(ca.serial),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.Certificate, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("creating leaf certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling leaf key: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}
