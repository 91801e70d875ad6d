// Package legacy implements the four-phase, length-prefixed BLE
// dialogue: a 32-bit big-endian length followed by a UTF-8 JSON
// payload (spec.md §4.6/§6).
//
// Grounded on the teacher's device/uapi.go line-oriented textual
// protocol parsing idiom, adapted to this protocol's length-prefixed
// JSON framing instead of uapi's newline-delimited key=value text.
package legacy

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// MaxFrameSize bounds a single length-prefixed frame to guard against
// a misbehaving peer claiming an unreasonable payload length.
const MaxFrameSize = 4 << 20 // 4 MiB

// WireMessage is one message as it appears on the wire, including the
// sender's view of (sharedFriends, senderFriends) the receiver needs
// to run trustmath.NewPriority on merge (spec.md §4.6).
type WireMessage struct {
	MessageID     string  `json:"messageId"`
	Text          string  `json:"text"`
	Timestamp     int64   `json:"timestamp"`
	HopCount      uint32  `json:"hopCount"`
	Priority      uint8   `json:"priority"`
	TrustScore    float64 `json:"trustScore"`
	SharedFriends uint32  `json:"sharedFriends"`
	SenderFriends uint32  `json:"senderFriends"`
}

// FriendsFrame is Phase 1: each side's blinded friend items. msgs is
// always empty in this phase; it is part of the frame shape shared
// with the message rounds so both phases use one Go type family.
type FriendsFrame struct {
	Msgs    []WireMessage `json:"msgs"`
	Blinded []string      `json:"blinded"` // base64-encoded blinded PSI items
}

// ServerReplyFrame is Phase 2: each side's double-blinded and
// singly-blinded-then-hashed PSI items.
type ServerReplyFrame struct {
	Double []string `json:"double"`
	Hashed []string `json:"hashed"`
}

// ExchangeInfoFrame is Phase 3: each side's outbound message count,
// capped by policy before being sent.
type ExchangeInfoFrame struct {
	Count uint32 `json:"count"`
}

// RoundFrame is one iteration of Phase 4: at most one message per
// round; blinded is always empty here.
type RoundFrame struct {
	Msgs    []WireMessage `json:"msgs"`
	Blinded []string      `json:"blinded"`
}

// WriteFrame writes v as a 4-byte-BE-length-prefixed JSON payload.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return errors.New("legacy: frame too large to send")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed JSON payload into v. io.EOF (or
// an unexpected EOF while reading the length) is returned unwrapped so
// callers can distinguish "peer closed cleanly between phases" from a
// genuine protocol error.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return errors.New("legacy: peer announced an oversized frame")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
