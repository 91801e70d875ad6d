// Package framed implements the typed, ACKed binary exchange protocol
// used over session-oriented transports (WiFi-Aware, and the TCP
// sub-channel used for WiFi-Direct/LAN): HELLO/HELLO_ACK handshake,
// MESSAGE/MESSAGE_ACK rounds, DONE/ERROR termination (spec.md §4.7).
//
// Grounded on the teacher's device/noise-types.go MessageInitiation/
// MessageResponse wire structs (fixed binary header, little use of
// variable-length fields beyond one payload) — generalized here to a
// single variable-length-payload Frame shape shared by all six
// message types, encoded with encoding/binary the way the teacher
// encodes its own counters and indices.
package framed

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

type FrameType uint8

const (
	FrameHello FrameType = iota + 1
	FrameHelloAck
	FrameMessage
	FrameMessageAck
	FrameDone
	FrameError
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "HELLO"
	case FrameHelloAck:
		return "HELLO_ACK"
	case FrameMessage:
		return "MESSAGE"
	case FrameMessageAck:
		return "MESSAGE_ACK"
	case FrameDone:
		return "DONE"
	case FrameError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ProtocolVersion is the framed protocol's wire version. A HELLO or
// HELLO_ACK carrying any other value fails the handshake.
const ProtocolVersion uint8 = 1

// MaxBatchSize is this side's maximum outstanding batch size, sent in
// every HELLO/HELLO_ACK; the effective batch size is the min of both
// sides' values.
const MaxBatchSize uint8 = 10

// MaxPayloadSize is the largest payload the u16 payload_len header
// field can describe; WriteFrame refuses anything longer.
const MaxPayloadSize = 1<<16 - 1

// Frame is the header-plus-payload unit on the wire:
// (type: u8, sequence: u32, payload_len: u16, payload: bytes).
type Frame struct {
	Type     FrameType
	Sequence uint32
	Payload  []byte
}

func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return errors.New("framed: payload too large to send")
	}
	// Header and payload go out in a single Write so that frames written
	// concurrently by a session's sender and receiver never interleave.
	buf := make([]byte, 7+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], f.Sequence)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(f.Payload)))
	copy(buf[7:], f.Payload)
	_, err := w.Write(buf)
	return err
}

func ReadFrame(r io.Reader) (Frame, error) {
	var header [7]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint16(header[5:7])
	if int(n) > MaxPayloadSize {
		return Frame{}, errors.New("framed: peer announced an oversized payload")
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: FrameType(header[0]), Sequence: binary.BigEndian.Uint32(header[1:5]), Payload: payload}, nil
}

// HelloPayload is the HELLO/HELLO_ACK payload: protocol_version,
// local_public_id_prefix[8], message_count, max_batch.
type HelloPayload struct {
	ProtocolVersion uint8
	PublicIDPrefix  string // exactly 8 ASCII hex chars
	MessageCount    uint16
	MaxBatch        uint8
}

func EncodeHello(p HelloPayload) []byte {
	prefix := [8]byte{}
	copy(prefix[:], p.PublicIDPrefix)
	buf := make([]byte, 0, 1+8+2+1)
	buf = append(buf, p.ProtocolVersion)
	buf = append(buf, prefix[:]...)
	var cnt [2]byte
	binary.BigEndian.PutUint16(cnt[:], p.MessageCount)
	buf = append(buf, cnt[:]...)
	buf = append(buf, p.MaxBatch)
	return buf
}

func DecodeHello(data []byte) (HelloPayload, error) {
	if len(data) != 12 {
		return HelloPayload{}, errors.New("framed: malformed HELLO payload")
	}
	return HelloPayload{
		ProtocolVersion: data[0],
		PublicIDPrefix:  string(bytes.TrimRight(data[1:9], "\x00")),
		MessageCount:    binary.BigEndian.Uint16(data[9:11]),
		MaxBatch:        data[11],
	}, nil
}

// MessagePayload is the MESSAGE payload: message_index, total_messages,
// message_hash (SHA-256 of MessageData), more_coming, message_data.
type MessagePayload struct {
	MessageIndex  uint16
	TotalMessages uint16
	Hash          [32]byte
	MoreComing    bool
	MessageData   []byte
}

func EncodeMessage(p MessagePayload) []byte {
	buf := make([]byte, 0, 2+2+32+1+len(p.MessageData))
	var idx, total [2]byte
	binary.BigEndian.PutUint16(idx[:], p.MessageIndex)
	binary.BigEndian.PutUint16(total[:], p.TotalMessages)
	buf = append(buf, idx[:]...)
	buf = append(buf, total[:]...)
	buf = append(buf, p.Hash[:]...)
	if p.MoreComing {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, p.MessageData...)
	return buf
}

func DecodeMessage(data []byte) (MessagePayload, error) {
	if len(data) < 2+2+32+1 {
		return MessagePayload{}, errors.New("framed: malformed MESSAGE payload")
	}
	var p MessagePayload
	p.MessageIndex = binary.BigEndian.Uint16(data[0:2])
	p.TotalMessages = binary.BigEndian.Uint16(data[2:4])
	copy(p.Hash[:], data[4:36])
	p.MoreComing = data[36] != 0
	p.MessageData = append([]byte(nil), data[37:]...)
	return p, nil
}

// AckPayload is the MESSAGE_ACK payload: acked_sequence, received_count.
type AckPayload struct {
	AckedSequence uint32
	ReceivedCount uint16
}

func EncodeAck(p AckPayload) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint32(buf[0:4], p.AckedSequence)
	binary.BigEndian.PutUint16(buf[4:6], p.ReceivedCount)
	return buf
}

func DecodeAck(data []byte) (AckPayload, error) {
	if len(data) != 6 {
		return AckPayload{}, errors.New("framed: malformed MESSAGE_ACK payload")
	}
	return AckPayload{
		AckedSequence: binary.BigEndian.Uint32(data[0:4]),
		ReceivedCount: binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// ErrorCode is the optional single byte carried by an ERROR frame.
type ErrorCode uint8

const (
	ErrorUnknown ErrorCode = iota
	ErrorVersionMismatch
	ErrorProtocol
)

func EncodeError(code ErrorCode) []byte { return []byte{byte(code)} }

func DecodeError(data []byte) ErrorCode {
	if len(data) == 0 {
		return ErrorUnknown
	}
	return ErrorCode(data[0])
}
