package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the hard cap on any frame body.
	MaxFrameSize = 1 << 20
	// SoftMaxFrameSize is what a reader accepts before consulting the
	// per-type cap.
	SoftMaxFrameSize = 64 << 10
	// TypeSniffBytes bounds how much of a large frame is read before its
	// type is known.
	TypeSniffBytes = 512

	headerLen = 4
)

// EncodeFrame prefixes payload with its big-endian length.
func EncodeFrame(payload []byte) ([]byte, error) {
	if err := checkFrameLen(len(payload)); err != nil {
		return nil, err
	}
	out := make([]byte, headerLen, headerLen+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	return append(out, payload...), nil
}

func checkFrameLen(n int) error {
	switch {
	case n == 0:
		return fmt.Errorf("%w: empty frame", ErrProtocolViolation)
	case n > MaxFrameSize:
		return fmt.Errorf("%w: frame of %d bytes, max %d", ErrOversize, n, MaxFrameSize)
	}
	return nil
}

// WriteFrame writes one frame with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameWithTypeCap(r, 0, nil)
}

// ReadFrameWithTypeCap reads one frame. A body larger than softMax is only
// accepted when typeCap allows that size for the type named in its first
// TypeSniffBytes. softMax <= 0 disables the check.
func ReadFrameWithTypeCap(r io.Reader, softMax int, typeCap func(string) int) ([]byte, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(binary.BigEndian.Uint32(hdr[:]))
	if size == 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d", ErrProtocolViolation, size)
	}
	body := make([]byte, size)
	if softMax <= 0 || size <= softMax {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		return body, nil
	}

	head := body[:min(size, TypeSniffBytes)]
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	typ, ok := sniffType(head)
	if !ok {
		return nil, fmt.Errorf("%w: %d byte frame without a leading type", ErrProtocolViolation, size)
	}
	limit := 0
	if typeCap != nil {
		limit = typeCap(typ)
	}
	if size > limit {
		return nil, fmt.Errorf("%w: %d bytes for %q frame", ErrOversize, size, typ)
	}
	if _, err := io.ReadFull(r, body[len(head):]); err != nil {
		return nil, err
	}
	return body, nil
}

// MaxSizeForType is the per-type cap used with ReadFrameWithTypeCap.
func MaxSizeForType(msgType string) int {
	switch msgType {
	case MsgTypeHello:
		return MaxHelloSize
	case MsgTypeSubs:
		return MaxSubsSize
	case MsgTypeGossip:
		return MaxGossipFrameSize
	default:
		return 0
	}
}

// PeekType returns the "type" member of a frame body without decoding the
// rest of it.
func PeekType(data []byte) (string, error) {
	if typ, ok := sniffType(data[:min(len(data), TypeSniffBytes)]); ok {
		return typ, nil
	}
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &hdr); err != nil || hdr.Type == "" {
		return "", fmt.Errorf("%w: missing frame type", ErrProtocolViolation)
	}
	return hdr.Type, nil
}

// sniffType walks the top-level members of a possibly truncated JSON object
// and returns the first "type" string. Members before it must fit in head.
func sniffType(head []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(head))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", false
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return "", false
		}
		if key == "type" {
			v, err := dec.Token()
			s, ok := v.(string)
			return s, err == nil && ok && s != ""
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return "", false
		}
	}
	return "", false
}
