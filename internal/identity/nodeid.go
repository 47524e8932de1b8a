// Package identity holds the long-lived key material that names a munin
// node: the public NodeID used for addressing and authorization, the
// SecretKey it is derived from, portable tickets and the TLS certificates
// that bind a QUIC connection to a NodeID.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// NodeIDSize is the raw length of a NodeID (an ed25519 public key).
const NodeIDSize = ed25519.PublicKeySize

// NodeID is the public half of a node's identity key.
//
// Equality and ordering are defined over the raw bytes. The canonical
// string form is Base58 (Bitcoin alphabet).
type NodeID [NodeIDSize]byte

var ErrInvalidNodeID = errors.New("invalid node id")

// ParseNodeID decodes the canonical Base58 form of a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	if s == "" {
		return NodeID{}, ErrInvalidNodeID
	}
	b, err := base58.Decode(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	return NodeIDFromBytes(b)
}

// NodeIDFromBytes copies a raw 32-byte public key into a NodeID.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != NodeIDSize {
		return NodeID{}, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidNodeID, NodeIDSize, len(b))
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

func (id NodeID) String() string {
	return base58.Encode(id[:])
}

// ShortString is a log-friendly prefix of String.
func (id NodeID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func (id NodeID) Bytes() []byte {
	out := make([]byte, NodeIDSize)
	copy(out, id[:])
	return out
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Compare orders NodeIDs by their raw bytes.
func (id NodeID) Compare(other NodeID) int {
	return bytes.Compare(id[:], other[:])
}

// PublicKey returns the ed25519 key the id was derived from.
func (id NodeID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id.Bytes())
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
