package proto

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"opengrid/internal/node"
)

const (
	MaxAnnouncementSize  = 1 << 10
	MaxAnnouncementAddrs = 8
)

// Announcement is the multicast discovery datagram. When the grid runs with a
// shared key only Version and Sealed are set on the wire, and Sealed holds
// the encrypted inner announcement.
type Announcement struct {
	Version int      `json:"v"`
	NodeID  string   `json:"node_id,omitempty"`
	Addrs   []string `json:"addrs,omitempty"`
	Sealed  []byte   `json:"sealed,omitempty"`
}

func NewAnnouncement(id node.NodeID, addrs []string) Announcement {
	return Announcement{
		Version: ProtoVersion,
		NodeID:  id.String(),
		Addrs:   addrs,
	}
}

func EncodeAnnouncement(a Announcement) ([]byte, error) {
	if a.Version == 0 {
		a.Version = ProtoVersion
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxAnnouncementSize {
		return nil, fmt.Errorf("%w: announcement of %d bytes", ErrOversize, len(data))
	}
	return data, nil
}

// DecodeAnnouncement parses a datagram. Sealed announcements are returned
// without address validation; the caller opens them and calls Validate.
func DecodeAnnouncement(data []byte) (Announcement, error) {
	if len(data) > MaxAnnouncementSize {
		return Announcement{}, fmt.Errorf("%w: announcement of %d bytes", ErrOversize, len(data))
	}
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: announcement: %v", ErrProtocolViolation, err)
	}
	if err := checkVersion(a.Version); err != nil {
		return Announcement{}, err
	}
	if len(a.Sealed) > 0 {
		return a, nil
	}
	if err := a.Validate(); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

func (a Announcement) Validate() error {
	if _, err := a.ID(); err != nil {
		return err
	}
	if len(a.Addrs) == 0 || len(a.Addrs) > MaxAnnouncementAddrs {
		return fmt.Errorf("%w: announcement carries %d addrs", ErrProtocolViolation, len(a.Addrs))
	}
	for _, addr := range a.Addrs {
		if !ValidAddr(addr) {
			return fmt.Errorf("%w: bad announced addr %q", ErrProtocolViolation, addr)
		}
	}
	return nil
}

func (a Announcement) ID() (node.NodeID, error) {
	id, err := node.ParseNodeID(a.NodeID)
	if err != nil {
		return node.NodeID{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return id, nil
}

// ValidAddr accepts host:port with a literal IP and a non-zero port.
func ValidAddr(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if net.ParseIP(host) == nil {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p <= 65535
}
