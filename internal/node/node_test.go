package node

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opengrid/internal/crypto"
)

func seeded(b byte) *bytes.Reader {
	return bytes.NewReader(bytes.Repeat([]byte{b}, 64))
}

func TestDeriveNodeID(t *testing.T) {
	pub := []byte("test-pubkey")
	got := DeriveNodeID(pub)
	want := crypto.SHA3_256(append([]byte(nodeIDLabel), pub...))
	assert.Equal(t, want, got[:])
}

func TestNewIdentityDeterministicFromReader(t *testing.T) {
	a, err := NewIdentity(seeded(1))
	require.NoError(t, err)
	b, err := NewIdentity(seeded(1))
	require.NoError(t, err)
	c, err := NewIdentity(seeded(2))
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, DeriveNodeID(a.PublicKey), a.ID)
}

func TestNewIdentityEntropyFailureIsFatal(t *testing.T) {
	_, err := NewIdentity(bytes.NewReader([]byte{1, 2, 3}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatalStartup))
}

func TestIdentitySignAndCertificate(t *testing.T) {
	id, err := NewIdentity(nil)
	require.NoError(t, err)

	sig, err := id.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.True(t, crypto.Verify(id.PublicKey, []byte("payload"), sig))

	cert, err := id.Certificate()
	require.NoError(t, err)
	pub, err := crypto.PeerPublicKey(cert.Certificate)
	require.NoError(t, err)
	assert.Equal(t, id.ID, DeriveNodeID(pub))
}

func TestParseNodeID(t *testing.T) {
	id, err := NewIdentity(seeded(3))
	require.NoError(t, err)

	parsed, err := ParseNodeID(id.ID.String())
	require.NoError(t, err)
	assert.Equal(t, id.ID, parsed)
	assert.Len(t, id.ID.Short(), 16)

	_, err = ParseNodeID("zz")
	assert.Error(t, err)
	_, err = ParseNodeID("abcd")
	assert.Error(t, err)
	assert.True(t, NodeID{}.IsZero())
}
