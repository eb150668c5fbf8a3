package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
)

// Bundle is a PEM certificate chain (leaf first) and its private key.
type Bundle struct {
	Fullchain []byte
	Key       []byte
}

// Verify checks that both parts are present, parse, and belong together. It
// returns the leaf certificate.
func (b *Bundle) Verify() (*x509.Certificate, error) {
	if b == nil || len(b.Fullchain) == 0 {
		return nil, errors.New("certificate chain is empty")
	}
	if len(b.Key) == 0 {
		return nil, errors.New("private key is empty")
	}
	pair, err := tls.X509KeyPair(b.Fullchain, b.Key)
	if err != nil {
		return nil, fmt.Errorf("certificate and key do not match: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	return leaf, nil
}

// SubjectOf returns the identity a leaf certificate was issued for: its
// first IP SAN, first DNS SAN, or common name.
func SubjectOf(leaf *x509.Certificate) string {
	switch {
	case len(leaf.IPAddresses) > 0:
		return leaf.IPAddresses[0].String()
	case len(leaf.DNSNames) > 0:
		return leaf.DNSNames[0]
	default:
		return leaf.Subject.CommonName
	}
}

// IsIP reports whether subject is an IP address rather than a hostname.
func IsIP(subject string) bool {
	return net.ParseIP(subject) != nil
}
