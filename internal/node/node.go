package node

import (
	"bytes"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"opengrid/internal/crypto"
)

const nodeIDLabel = "opengrid:nodeid:v1"

// ErrFatalStartup marks failures that must abort daemon startup.
var ErrFatalStartup = errors.New("fatal startup error")

// NodeID is the SHA3-256 digest of the labelled identity public key.
type NodeID [32]byte

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the 8-byte prefix used in log lines.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:8])
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func ParseNodeID(s string) (NodeID, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return NodeID{}, fmt.Errorf("node id: %w", err)
	}
	if len(raw) != len(NodeID{}) {
		return NodeID{}, fmt.Errorf("node id: want %d bytes, got %d", len(NodeID{}), len(raw))
	}
	var id NodeID
	copy(id[:], raw)
	return id, nil
}

func DeriveNodeID(pub []byte) NodeID {
	var id NodeID
	copy(id[:], crypto.KDF(nodeIDLabel, pub))
	return id
}

// Identity is the process-lifetime keypair. It is never persisted and is
// immutable after NewIdentity returns.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	ID         NodeID
}

// NewIdentity generates a keypair from r, or from crypto/rand when r is nil.
func NewIdentity(r io.Reader) (*Identity, error) {
	pub, priv, err := crypto.GenKeypair(r)
	if err != nil {
		return nil, fmt.Errorf("%w: identity keygen: %v", ErrFatalStartup, err)
	}
	return &Identity{
		PublicKey:  pub,
		PrivateKey: priv,
		ID:         DeriveNodeID(pub),
	}, nil
}

func (i *Identity) Sign(msg []byte) ([]byte, error) {
	return crypto.Sign(i.PrivateKey, msg)
}

func (i *Identity) Certificate() (tls.Certificate, error) {
	return crypto.SelfSignedCert(i.PrivateKey, i.ID.String())
}
