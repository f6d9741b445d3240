package proto

import (
	"errors"
	"fmt"
)

// ProtoVersion is carried by every datagram and frame.
const ProtoVersion = 1

const (
	MsgTypeHello  = "hello"
	MsgTypeSubs   = "subs"
	MsgTypeGossip = "gossip"

	MaxHelloSize       = 1 << 10
	MaxSubsSize        = 32 << 10
	MaxTopicLen        = 128
	MaxTopicsPerPeer   = 256
	MaxGossipFrameSize = 256 << 10
)

var (
	// ErrProtocolViolation covers malformed, forged or out-of-protocol input.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUnknownVersion is returned for datagrams or frames from another
	// protocol version. Receivers ignore them.
	ErrUnknownVersion = errors.New("unknown protocol version")
	// ErrOversize is returned when a payload or frame exceeds its cap.
	ErrOversize = errors.New("message too large")
)

func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrProtocolViolation)
	}
	if len(topic) > MaxTopicLen {
		return fmt.Errorf("%w: topic longer than %d bytes", ErrProtocolViolation, MaxTopicLen)
	}
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		if c <= 0x20 || c >= 0x7f {
			return fmt.Errorf("%w: topic has non-printable byte at %d", ErrProtocolViolation, i)
		}
	}
	return nil
}

func checkVersion(v int) error {
	if v != ProtoVersion {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, v)
	}
	return nil
}

func checkType(got, want string) error {
	if got != want {
		return fmt.Errorf("%w: unexpected msg type %q", ErrProtocolViolation, got)
	}
	return nil
}
