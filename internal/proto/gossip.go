package proto

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"opengrid/internal/crypto"
	"opengrid/internal/node"
)

const (
	msgIDLabel  = "opengrid:msgid:v1"
	msgSigLabel = "opengrid:gossip:sig:v1"

	// DefaultMaxPayload is the default cap on a published payload.
	DefaultMaxPayload = 64 << 10
	// MaxPayloadLimit bounds the configurable cap so a full envelope always
	// fits in MaxGossipFrameSize.
	MaxPayloadLimit = 128 << 10
)

// MessageID identifies a gossip message network-wide.
type MessageID [32]byte

func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

func (id MessageID) Short() string {
	return hex.EncodeToString(id[:8])
}

func ParseMessageID(s string) (MessageID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(MessageID{}) {
		return MessageID{}, fmt.Errorf("%w: bad message id", ErrProtocolViolation)
	}
	var id MessageID
	copy(id[:], raw)
	return id, nil
}

// NewMessageID derives a message ID from the origin and its per-process
// sequence number, so the same pair always yields the same ID.
func NewMessageID(origin node.NodeID, seq uint64) MessageID {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	var id MessageID
	copy(id[:], crypto.KDF(msgIDLabel, origin[:], seqBuf[:]))
	return id
}

// Envelope is a gossip message on the wire. Everything except Hops is covered
// by the origin signature.
type Envelope struct {
	Type      string `json:"type"`
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	Origin    string `json:"origin"`
	OriginPub []byte `json:"origin_pub"`
	Seq       uint64 `json:"seq"`
	Payload   []byte `json:"payload"`
	Hops      int    `json:"hops"`
	Sig       []byte `json:"sig"`
}

// Message is a verified Envelope with its identifiers decoded.
type Message struct {
	ID      MessageID
	Topic   string
	Origin  node.NodeID
	Seq     uint64
	Payload []byte
	Hops    int
}

func signingBytes(id MessageID, topic string, payload []byte) []byte {
	var topicLen [2]byte
	binary.BigEndian.PutUint16(topicLen[:], uint16(len(topic)))
	return crypto.KDF(msgSigLabel, id[:], topicLen[:], []byte(topic), crypto.SHA3_256(payload))
}

// NewEnvelope builds and signs a message originated by self.
func NewEnvelope(self *node.Identity, seq uint64, topic string, payload []byte, hops int) (Envelope, error) {
	if err := ValidateTopic(topic); err != nil {
		return Envelope{}, err
	}
	id := NewMessageID(self.ID, seq)
	sig, err := self.Sign(signingBytes(id, topic, payload))
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      MsgTypeGossip,
		Version:   ProtoVersion,
		ID:        id.String(),
		Topic:     topic,
		Origin:    self.ID.String(),
		OriginPub: append([]byte(nil), self.PublicKey...),
		Seq:       seq,
		Payload:   payload,
		Hops:      hops,
		Sig:       sig,
	}, nil
}

// Verify checks the origin key binding, the message ID and the signature.
func (e Envelope) Verify() (Message, error) {
	if err := checkType(e.Type, MsgTypeGossip); err != nil {
		return Message{}, err
	}
	if err := checkVersion(e.Version); err != nil {
		return Message{}, err
	}
	if err := ValidateTopic(e.Topic); err != nil {
		return Message{}, err
	}
	origin, err := node.ParseNodeID(e.Origin)
	if err != nil {
		return Message{}, fmt.Errorf("%w: origin: %v", ErrProtocolViolation, err)
	}
	if len(e.OriginPub) != ed25519.PublicKeySize || node.DeriveNodeID(e.OriginPub) != origin {
		return Message{}, fmt.Errorf("%w: origin key does not match origin id", ErrProtocolViolation)
	}
	id := NewMessageID(origin, e.Seq)
	if e.ID != id.String() {
		return Message{}, fmt.Errorf("%w: message id mismatch", ErrProtocolViolation)
	}
	if !crypto.Verify(e.OriginPub, signingBytes(id, e.Topic, e.Payload), e.Sig) {
		return Message{}, fmt.Errorf("%w: bad origin signature", ErrProtocolViolation)
	}
	return Message{
		ID:      id,
		Topic:   e.Topic,
		Origin:  origin,
		Seq:     e.Seq,
		Payload: e.Payload,
		Hops:    e.Hops,
	}, nil
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	if e.Type == "" {
		e.Type = MsgTypeGossip
	}
	if e.Version == 0 {
		e.Version = ProtoVersion
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxGossipFrameSize {
		return nil, fmt.Errorf("%w: gossip frame of %d bytes", ErrOversize, len(data))
	}
	return data, nil
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) > MaxGossipFrameSize {
		return Envelope{}, fmt.Errorf("%w: gossip frame of %d bytes", ErrOversize, len(data))
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: gossip: %v", ErrProtocolViolation, err)
	}
	if err := checkType(e.Type, MsgTypeGossip); err != nil {
		return Envelope{}, err
	}
	if err := checkVersion(e.Version); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
