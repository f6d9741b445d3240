package discovery

import (
	"errors"
	"fmt"
	"net"
	"time"

	"opengrid/internal/crypto"
	"opengrid/internal/node"
	"opengrid/internal/proto"
)

const (
	netKeyLabel = "opengrid:netkey:v1"
	announceAAD = "opengrid:announce:v1"
)

var (
	// errSelf marks our own announcement looping back.
	errSelf = errors.New("own announcement")
	// errSealing marks a datagram sealed when we expect plain text or the
	// other way round.
	errSealing = errors.New("announcement sealing mismatch")
)

// codec builds our announcement and parses everyone else's. With a network
// key every datagram is sealed with XChaCha20-Poly1305.
type codec struct {
	self  node.NodeID
	addrs []string
	key   []byte
}

func newCodec(self node.NodeID, addrs []string, networkKey string) *codec {
	c := &codec{self: self, addrs: append([]string(nil), addrs...)}
	if networkKey != "" {
		c.key = crypto.KDF(netKeyLabel, []byte(networkKey))
	}
	return c
}

func (c *codec) encode() ([]byte, error) {
	inner, err := proto.EncodeAnnouncement(proto.NewAnnouncement(c.self, c.addrs))
	if err != nil {
		return nil, err
	}
	if c.key == nil {
		return inner, nil
	}
	sealed, err := crypto.XSeal(c.key, inner, []byte(announceAAD))
	if err != nil {
		return nil, fmt.Errorf("seal announcement: %w", err)
	}
	return proto.EncodeAnnouncement(proto.Announcement{Version: proto.ProtoVersion, Sealed: sealed})
}

// decode turns a datagram from src into one observation per announced
// address. Unspecified hosts are replaced by the sender's IP.
func (c *codec) decode(data []byte, src *net.UDPAddr, now time.Time) ([]Observation, error) {
	a, err := proto.DecodeAnnouncement(data)
	if err != nil {
		return nil, err
	}
	sealed := len(a.Sealed) > 0
	switch {
	case sealed && c.key == nil, !sealed && c.key != nil:
		return nil, errSealing
	case sealed:
		inner, err := crypto.XOpen(c.key, a.Sealed, []byte(announceAAD))
		if err != nil {
			return nil, fmt.Errorf("%w: open announcement: %v", proto.ErrProtocolViolation, err)
		}
		a, err = proto.DecodeAnnouncement(inner)
		if err != nil {
			return nil, err
		}
		if len(a.Sealed) > 0 {
			return nil, fmt.Errorf("%w: nested sealed announcement", proto.ErrProtocolViolation)
		}
	}
	id, err := a.ID()
	if err != nil {
		return nil, err
	}
	if id == c.self {
		return nil, errSelf
	}
	out := make([]Observation, 0, len(a.Addrs))
	for _, addr := range a.Addrs {
		out = append(out, Observation{NodeID: id, Addr: substituteHost(addr, src), At: now})
	}
	return out, nil
}

func substituteHost(addr string, src *net.UDPAddr) string {
	if src == nil {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
		return addr
	}
	return net.JoinHostPort(src.IP.String(), port)
}
