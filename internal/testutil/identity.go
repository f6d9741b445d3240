package testutil

import (
	"bytes"
	"testing"

	"opengrid/internal/node"
)

// Identity returns a deterministic identity derived from seed.
func Identity(t testing.TB, seed byte) *node.Identity {
	t.Helper()
	id, err := node.NewIdentity(bytes.NewReader(bytes.Repeat([]byte{seed}, 32)))
	if err != nil {
		t.Fatalf("identity %d: %v", seed, err)
	}
	return id
}

// Identities returns n distinct deterministic identities.
func Identities(t testing.TB, n int) []*node.Identity {
	t.Helper()
	out := make([]*node.Identity, n)
	for i := range out {
		out[i] = Identity(t, byte(i+1))
	}
	return out
}
