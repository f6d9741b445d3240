package proto

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"opengrid/internal/node"
)

// HelloMsg is the first frame on a new stream. The dialer sends it so the
// acceptor sees the stream, and both sides cross-check the node ID against
// the TLS certificate.
type HelloMsg struct {
	Type    string `json:"type"`
	Version int    `json:"v"`
	NodeID  string `json:"node_id"`
}

// SubsMsg advertises the sender's complete topic subscription set.
type SubsMsg struct {
	Type    string   `json:"type"`
	Version int      `json:"v"`
	Topics  []string `json:"topics"`
	Digest  uint64   `json:"digest"`
}

func EncodeHello(id node.NodeID) ([]byte, error) {
	return json.Marshal(HelloMsg{Type: MsgTypeHello, Version: ProtoVersion, NodeID: id.String()})
}

func DecodeHello(data []byte) (node.NodeID, error) {
	var m HelloMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return node.NodeID{}, fmt.Errorf("%w: hello: %v", ErrProtocolViolation, err)
	}
	if err := checkType(m.Type, MsgTypeHello); err != nil {
		return node.NodeID{}, err
	}
	if err := checkVersion(m.Version); err != nil {
		return node.NodeID{}, err
	}
	id, err := node.ParseNodeID(m.NodeID)
	if err != nil {
		return node.NodeID{}, fmt.Errorf("%w: hello: %v", ErrProtocolViolation, err)
	}
	return id, nil
}

// NormalizeTopics sorts and dedups a topic list.
func NormalizeTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SubsDigest hashes a normalized topic set.
func SubsDigest(topics []string) uint64 {
	return xxhash.Sum64String(strings.Join(NormalizeTopics(topics), "\n"))
}

func NewSubsMsg(topics []string) SubsMsg {
	norm := NormalizeTopics(topics)
	return SubsMsg{
		Type:    MsgTypeSubs,
		Version: ProtoVersion,
		Topics:  norm,
		Digest:  SubsDigest(norm),
	}
}

func EncodeSubs(m SubsMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeSubs
	}
	if m.Version == 0 {
		m.Version = ProtoVersion
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxSubsSize {
		return nil, fmt.Errorf("%w: subs of %d bytes", ErrOversize, len(data))
	}
	return data, nil
}

func DecodeSubs(data []byte) (SubsMsg, error) {
	var m SubsMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return SubsMsg{}, fmt.Errorf("%w: subs: %v", ErrProtocolViolation, err)
	}
	if err := checkType(m.Type, MsgTypeSubs); err != nil {
		return SubsMsg{}, err
	}
	if err := checkVersion(m.Version); err != nil {
		return SubsMsg{}, err
	}
	if len(m.Topics) > MaxTopicsPerPeer {
		return SubsMsg{}, fmt.Errorf("%w: %d topics", ErrProtocolViolation, len(m.Topics))
	}
	for _, t := range m.Topics {
		if err := ValidateTopic(t); err != nil {
			return SubsMsg{}, err
		}
	}
	m.Topics = NormalizeTopics(m.Topics)
	if SubsDigest(m.Topics) != m.Digest {
		return SubsMsg{}, fmt.Errorf("%w: subs digest mismatch", ErrProtocolViolation)
	}
	return m, nil
}
