package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// SecretKey is the ed25519 seed a node's identity is derived from.
type SecretKey struct {
	seed []byte
}

var ErrInvalidSecretKey = errors.New("invalid secret key")

// GenerateSecretKey creates a fresh identity.
func GenerateSecretKey() (SecretKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return SecretKey{}, err
	}
	return SecretKey{seed: seed}, nil
}

// ParseSecretKey decodes the Base58 form produced by Encode.
func ParseSecretKey(s string) (SecretKey, error) {
	if s == "" {
		return SecretKey{}, ErrInvalidSecretKey
	}
	b, err := base58.Decode(s)
	if err != nil {
		return SecretKey{}, fmt.Errorf("%w: %v", ErrInvalidSecretKey, err)
	}
	if len(b) != ed25519.SeedSize {
		return SecretKey{}, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidSecretKey, ed25519.SeedSize, len(b))
	}
	return SecretKey{seed: b}, nil
}

// Encode returns the persisted string form of the key. Unlike String it
// reveals the key material.
func (k SecretKey) Encode() string {
	return base58.Encode(k.seed)
}

func (k SecretKey) IsZero() bool {
	return len(k.seed) == 0
}

func (k SecretKey) PrivateKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(k.seed)
}

func (k SecretKey) Public() NodeID {
	var id NodeID
	pub := k.PrivateKey().Public().(ed25519.PublicKey)
	copy(id[:], pub)
	return id
}

func (k SecretKey) String() string {
	return "SecretKey{REDACTED}"
}

func (k SecretKey) GoString() string {
	return "identity.SecretKey{REDACTED}"
}
