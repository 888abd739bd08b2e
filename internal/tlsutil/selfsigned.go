// Package tlsutil issues the self-signed certificate the WebTransport
// listener serves. Browsers pin it by its SHA-256 fingerprint.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// MaxPinnedValidity is the longest lifetime browsers accept for a
// certificate pinned through serverCertificateHashes.
const MaxPinnedValidity = 14 * 24 * time.Hour

// SelfSigned creates an ECDSA P-256 certificate valid for validity and
// returns the TLS config with the hex fingerprint of its DER encoding.
// hostname becomes the common name and is added next to localhost.
func SelfSigned(validity time.Duration, hostname string) (*tls.Config, string, error) {
	if validity <= 0 || validity > MaxPinnedValidity {
		validity = MaxPinnedValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("generate serial: %w", err)
	}

	cn := "driftchat"
	names := []string{"localhost"}
	if hostname != "" {
		cn = hostname
		if hostname != "localhost" {
			names = append(names, hostname)
		}
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              names,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, "", fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, "", fmt.Errorf("parse certificate: %w", err)
	}

	sum := sha256.Sum256(der)
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        leaf,
		}},
	}, hex.EncodeToString(sum[:]), nil
}
