package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"opengrid/internal/crypto"
	"opengrid/internal/node"
)

const (
	ALPN       = "opengrid/1"
	serverName = "opengrid"
)

func serverTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := crypto.PeerPublicKey(rawCerts)
			return err
		},
	}
}

// clientTLSConfig accepts exactly one server: the node whose ID is want.
// Chain verification is replaced by the key to node ID binding.
func clientTLSConfig(cert tls.Certificate, want node.NodeID) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
		ServerName:         serverName,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			pub, err := crypto.PeerPublicKey(rawCerts)
			if err != nil {
				return err
			}
			if got := node.DeriveNodeID(pub); got != want {
				return fmt.Errorf("%w: got %s, want %s", ErrIdentityMismatch, got.Short(), want.Short())
			}
			return nil
		},
	}
}

// peerNodeID derives the remote node ID from a completed handshake.
func peerNodeID(state tls.ConnectionState) (node.NodeID, error) {
	if len(state.PeerCertificates) == 0 {
		return node.NodeID{}, errors.New("no peer certificate")
	}
	raw := make([][]byte, 0, len(state.PeerCertificates))
	for _, c := range state.PeerCertificates {
		raw = append(raw, c.Raw)
	}
	pub, err := crypto.PeerPublicKey(raw)
	if err != nil {
		return node.NodeID{}, err
	}
	return node.DeriveNodeID(pub), nil
}
