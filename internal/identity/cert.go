package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/sha3"
)

const certValidity = 365 * 24 * time.Hour

var (
	ErrNoPeerCertificate  = errors.New("peer presented no certificate")
	ErrNotEd25519         = errors.New("peer certificate key is not ed25519")
	ErrUnexpectedIdentity = errors.New("peer identity mismatch")
)

// Fingerprint is a short SHA3-256 digest of the id, used as certificate
// serial and in certificate names.
func Fingerprint(id NodeID) []byte {
	sum := sha3.Sum256(id[:])
	return sum[:16]
}

// Certificate issues a self-signed certificate whose public key is the
// node's identity key. The remote NodeID of a connection is derived from
// this key, so the certificate cannot claim any other identity.
func Certificate(key SecretKey) (tls.Certificate, error) {
	if key.IsZero() {
		return tls.Certificate{}, ErrInvalidSecretKey
	}
	priv := key.PrivateKey()
	id := key.Public()
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: new(big.Int).SetBytes(Fingerprint(id)),
		Subject: pkix.Name{
			Organization: []string{"munin"},
			CommonName:   id.String(),
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// PeerID derives the NodeID from the leaf of a raw certificate chain and
// checks the self-signature and validity window.
func PeerID(rawCerts [][]byte) (NodeID, error) {
	if len(rawCerts) == 0 {
		return NodeID{}, ErrNoPeerCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return NodeID{}, fmt.Errorf("parse peer certificate: %w", err)
	}
	return PeerIDFromCertificate(cert)
}

func PeerIDFromCertificate(cert *x509.Certificate) (NodeID, error) {
	if cert == nil {
		return NodeID{}, ErrNoPeerCertificate
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return NodeID{}, ErrNotEd25519
	}
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return NodeID{}, fmt.Errorf("peer certificate signature: %w", err)
	}
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return NodeID{}, fmt.Errorf("peer certificate outside validity window")
	}
	return NodeIDFromBytes(pub)
}

// VerifyExpected returns a tls.Config VerifyPeerCertificate hook that
// accepts only the given NodeID.
func VerifyExpected(expected NodeID) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		got, err := PeerID(rawCerts)
		if err != nil {
			return err
		}
		if got != expected {
			return fmt.Errorf("%w: want %s, got %s", ErrUnexpectedIdentity, expected.ShortString(), got.ShortString())
		}
		return nil
	}
}

// VerifyAny accepts any well-formed identity certificate. Authorization is
// decided later against the allowlist.
func VerifyAny(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	_, err := PeerID(rawCerts)
	return err
}
