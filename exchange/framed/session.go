// Package framed drives one IDLE→HANDSHAKING→EXCHANGING→COMPLETING→
// {DONE|FAILED} session over a transport.SessionHandle (spec.md §4.7).
//
// Grounded on the teacher's device.go routines{starting, stopping
// sync.WaitGroup; stop chan struct{}} lifecycle: a sender routine and
// a receiver routine run concurrently against the same session,
// coordinating through a small mutex-guarded completion flag instead
// of WireGuard's per-peer running AtomicBool, generalized from "one
// goroutine per peer" to "two goroutines per session, one per
// direction of travel."
package framed

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rangzen-io/murmur-core/config"
	"github.com/rangzen-io/murmur-core/coreerr"
	"github.com/rangzen-io/murmur-core/store"
	"github.com/rangzen-io/murmur-core/transport"
	"github.com/rangzen-io/murmur-core/trustmath"
)

// State is the session's position in the IDLE→HANDSHAKING→EXCHANGING→
// COMPLETING→{DONE|FAILED} machine.
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateExchanging
	StateCompleting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateExchanging:
		return "EXCHANGING"
	case StateCompleting:
		return "COMPLETING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

const (
	HandshakeTimeout = 10 * time.Second
	MessageTimeout   = 5 * time.Second
	ExchangeTimeout  = 60 * time.Second
	MaxRetries       = 3
)

// Result reports how the session ended.
type Result struct {
	FinalState       State
	MessagesSent     uint32
	MessagesReceived uint32
}

// payload is the JSON encoding carried in a MESSAGE frame's
// message_data — the same fields as store.Message plus the sender's
// view of (sharedFriends, senderFriends) needed for new_priority on
// merge, mirroring the legacy dialogue's per-message fields.
type payload struct {
	MessageID     string  `json:"messageId"`
	Text          string  `json:"text"`
	Timestamp     int64   `json:"timestamp"`
	HopCount      uint32  `json:"hopCount"`
	Priority      uint8   `json:"priority"`
	TrustScore    float64 `json:"trustScore"`
	SharedFriends uint32  `json:"sharedFriends"`
	SenderFriends uint32  `json:"senderFriends"`
}

// Run drives one framed session to completion. commonFriends is the
// PSI cardinality and mine the local friend count established by a
// previous PSI round (the framed protocol itself carries no PSI
// phase; trust is established out of band and passed in).
func Run(ctx context.Context, handle transport.SessionHandle, initiator bool, localPublicIDPrefix string, commonFriends, mine uint32, cfg config.Config, messages *store.MessageStore, noise trustmath.NoiseSource) (*Result, error) {
	if noise == nil {
		noise = trustmath.ZeroNoise
	}

	ctx, cancel := context.WithTimeout(ctx, ExchangeTimeout)
	defer cancel()

	candidates, err := messages.CandidatesForExchange(commonFriends, cfg.MaxMessagesPerExchange)
	if err != nil {
		return nil, coreerr.New(coreerr.StoreFailure, err)
	}
	if len(candidates) > 0xFFFF {
		candidates = candidates[:0xFFFF]
	}

	peerCount, peerMaxBatch, err := handshake(ctx, handle, initiator, localPublicIDPrefix, uint16(len(candidates)))
	if err != nil {
		return &Result{FinalState: StateFailed}, err
	}

	effectiveMaxBatch := MaxBatchSize
	if peerMaxBatch < effectiveMaxBatch {
		effectiveMaxBatch = peerMaxBatch
	}
	if len(candidates) > int(effectiveMaxBatch) {
		candidates = candidates[:effectiveMaxBatch]
	}

	s := &session{
		ctx:           ctx,
		handle:        handle,
		messages:      messages,
		candidates:    candidates,
		peerCount:     peerCount,
		commonFriends: commonFriends,
		mine:          mine,
		noise:         noise,
		received:      make(map[[32]byte]bool),
		complete:      make(chan struct{}),
	}
	return s.exchange()
}

func handshake(ctx context.Context, handle transport.SessionHandle, initiator bool, localPrefix string, localCount uint16) (peerCount uint16, peerMaxBatch uint8, err error) {
	hctx, hcancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer hcancel()

	if initiator {
		hello := HelloPayload{ProtocolVersion: ProtocolVersion, PublicIDPrefix: localPrefix, MessageCount: localCount, MaxBatch: MaxBatchSize}
		if err := writeFrame(hctx, handle, Frame{Type: FrameHello, Sequence: 0, Payload: EncodeHello(hello)}); err != nil {
			return 0, 0, coreerr.New(coreerr.TransportUnavailable, err)
		}
		frame, err := readFrame(hctx, handle)
		if err != nil {
			return 0, 0, coreerr.New(coreerr.Timeout, err)
		}
		if frame.Type != FrameHelloAck {
			return 0, 0, coreerr.New(coreerr.ProtocolError, fmt.Errorf("framed: expected HELLO_ACK, got %s", frame.Type))
		}
		ack, err := DecodeHello(frame.Payload)
		if err != nil {
			return 0, 0, coreerr.New(coreerr.ProtocolError, err)
		}
		if ack.ProtocolVersion != ProtocolVersion {
			_ = writeFrame(hctx, handle, Frame{Type: FrameError, Payload: EncodeError(ErrorVersionMismatch)})
			return 0, 0, coreerr.New(coreerr.ProtocolError, fmt.Errorf("framed: protocol version mismatch"))
		}
		return ack.MessageCount, ack.MaxBatch, nil
	}

	frame, err := readFrame(hctx, handle)
	if err != nil {
		return 0, 0, coreerr.New(coreerr.Timeout, err)
	}
	if frame.Type != FrameHello {
		return 0, 0, coreerr.New(coreerr.ProtocolError, fmt.Errorf("framed: expected HELLO, got %s", frame.Type))
	}
	hello, err := DecodeHello(frame.Payload)
	if err != nil {
		return 0, 0, coreerr.New(coreerr.ProtocolError, err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = writeFrame(hctx, handle, Frame{Type: FrameError, Payload: EncodeError(ErrorVersionMismatch)})
		return 0, 0, coreerr.New(coreerr.ProtocolError, fmt.Errorf("framed: protocol version mismatch"))
	}
	ack := HelloPayload{ProtocolVersion: ProtocolVersion, PublicIDPrefix: localPrefix, MessageCount: localCount, MaxBatch: MaxBatchSize}
	if err := writeFrame(hctx, handle, Frame{Type: FrameHelloAck, Sequence: 0, Payload: EncodeHello(ack)}); err != nil {
		return 0, 0, coreerr.New(coreerr.TransportUnavailable, err)
	}
	return hello.MessageCount, hello.MaxBatch, nil
}

// session holds the mutable EXCHANGING/COMPLETING state shared between
// the sender and receiver goroutines.
type session struct {
	ctx           context.Context
	handle        transport.SessionHandle
	messages      *store.MessageStore
	candidates    []store.Message
	peerCount     uint16
	commonFriends uint32
	mine          uint32
	noise         trustmath.NoiseSource

	mu        sync.Mutex
	acked     map[uint32]uint16 // sequence -> peer's received_count at ack time
	ackSignal chan uint32

	recvMu   sync.Mutex
	received map[[32]byte]bool

	localDone, peerDone bool
	complete            chan struct{}
	completeOnce        sync.Once

	sent, recv uint32
}

func (s *session) exchange() (*Result, error) {
	s.acked = make(map[uint32]uint16)
	s.ackSignal = make(chan uint32, 8)

	var wg sync.WaitGroup
	wg.Add(2)

	var sendErr, recvErr error
	go func() {
		defer wg.Done()
		sendErr = s.runSender()
	}()
	go func() {
		defer wg.Done()
		recvErr = s.runReceiver()
	}()
	wg.Wait()

	result := &Result{MessagesSent: s.sent, MessagesReceived: s.recv}
	if sendErr != nil {
		result.FinalState = StateFailed
		return result, sendErr
	}
	if recvErr != nil {
		result.FinalState = StateFailed
		return result, recvErr
	}
	result.FinalState = StateDone
	return result, nil
}

func (s *session) runSender() error {
	for i, msg := range s.candidates {
		if err := s.sendOneWithRetry(uint32(i+1), uint16(i), msg); err != nil {
			s.abort()
			return err
		}
		s.sent++
	}
	if err := writeFrame(s.ctx, s.handle, Frame{Type: FrameDone}); err != nil {
		s.abort()
		return coreerr.New(coreerr.TransportUnavailable, err)
	}
	s.markLocalDone()
	return nil
}

func (s *session) sendOneWithRetry(seq uint32, index uint16, msg store.Message) error {
	data, err := json.Marshal(payload{
		MessageID:     msg.MessageID,
		Text:          msg.Text,
		Timestamp:     msg.Timestamp,
		HopCount:      msg.HopCount,
		Priority:      msg.Priority,
		TrustScore:    msg.TrustScore,
		SharedFriends: s.commonFriends,
		SenderFriends: s.mine,
	})
	if err != nil {
		return coreerr.New(coreerr.ProtocolError, err)
	}
	hash := sha256.Sum256(data)

	frame := Frame{
		Type:     FrameMessage,
		Sequence: seq,
		Payload: EncodeMessage(MessagePayload{
			MessageIndex:  index,
			TotalMessages: uint16(len(s.candidates)),
			Hash:          hash,
			MoreComing:    int(index)+1 < len(s.candidates),
			MessageData:   data,
		}),
	}

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if err := writeFrame(s.ctx, s.handle, frame); err != nil {
			return coreerr.New(coreerr.TransportUnavailable, err)
		}
		if s.waitForAck(seq) {
			return nil
		}
		if s.ctx.Err() != nil {
			return coreerr.New(coreerr.Cancelled, s.ctx.Err())
		}
	}
	return coreerr.New(coreerr.Timeout, fmt.Errorf("framed: sequence %d never acked after %d retries", seq, MaxRetries))
}

func (s *session) waitForAck(seq uint32) bool {
	deadline := time.NewTimer(MessageTimeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		_, ok := s.acked[seq]
		s.mu.Unlock()
		if ok {
			return true
		}
		select {
		case acked := <-s.ackSignal:
			if acked == seq {
				return true
			}
			// an ack for a different (stale retry) sequence; keep waiting
		case <-deadline.C:
			return false
		case <-s.ctx.Done():
			return false
		}
	}
}

func (s *session) runReceiver() error {
	for {
		frame, err := readFrame(s.ctx, s.handle)
		if err != nil {
			if s.isComplete() {
				return nil
			}
			return coreerr.New(coreerr.Timeout, err)
		}

		switch frame.Type {
		case FrameMessage:
			mp, err := DecodeMessage(frame.Payload)
			if err != nil {
				return coreerr.New(coreerr.ProtocolError, err)
			}
			if err := s.handleIncoming(mp); err != nil {
				return coreerr.New(coreerr.StoreFailure, err)
			}
			count := s.incRecv()
			ack := Frame{Type: FrameMessageAck, Sequence: frame.Sequence, Payload: EncodeAck(AckPayload{AckedSequence: frame.Sequence, ReceivedCount: count})}
			if err := writeFrame(s.ctx, s.handle, ack); err != nil {
				return coreerr.New(coreerr.TransportUnavailable, err)
			}

		case FrameMessageAck:
			ap, err := DecodeAck(frame.Payload)
			if err != nil {
				return coreerr.New(coreerr.ProtocolError, err)
			}
			s.recordAck(ap.AckedSequence, ap.ReceivedCount)

		case FrameDone:
			s.markPeerDone()
			if s.isComplete() {
				return nil
			}

		case FrameError:
			return coreerr.New(coreerr.ProtocolError, fmt.Errorf("framed: peer sent ERROR code %d", DecodeError(frame.Payload)))

		default:
			return coreerr.New(coreerr.ProtocolError, fmt.Errorf("framed: unexpected frame type %s in EXCHANGING", frame.Type))
		}
	}
}

func (s *session) handleIncoming(mp MessagePayload) error {
	sum := sha256.Sum256(mp.MessageData)
	s.recvMu.Lock()
	if s.received[sum] {
		s.recvMu.Unlock()
		return nil
	}
	s.received[sum] = true
	s.recvMu.Unlock()

	var p payload
	if err := json.Unmarshal(mp.MessageData, &p); err != nil {
		return err
	}

	existing, found, err := s.messages.Get(p.MessageID)
	if err != nil {
		return err
	}
	if found {
		newTrust := trustmath.NewPriority(p.TrustScore, existing.TrustScore, p.SharedFriends, s.mine, s.noise)
		return s.messages.UpdateTrust(p.MessageID, newTrust)
	}
	if p.Text == "" {
		return nil
	}
	initialTrust := trustmath.NewPriority(p.TrustScore, 0, p.SharedFriends, s.mine, s.noise)
	return s.messages.Insert(store.Message{
		MessageID:  p.MessageID,
		Text:       p.Text,
		Timestamp:  p.Timestamp,
		HopCount:   p.HopCount,
		Priority:   p.Priority,
		TrustScore: initialTrust,
	})
}

func (s *session) incRecv() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv++
	return uint16(s.recv)
}

func (s *session) recordAck(seq uint32, receivedCount uint16) {
	s.mu.Lock()
	s.acked[seq] = receivedCount
	s.mu.Unlock()
	select {
	case s.ackSignal <- seq:
	default:
	}
}

func (s *session) markLocalDone() {
	s.mu.Lock()
	s.localDone = true
	both := s.localDone && s.peerDone
	s.mu.Unlock()
	if both {
		s.completeOnce.Do(func() { close(s.complete) })
	}
}

func (s *session) markPeerDone() {
	s.mu.Lock()
	s.peerDone = true
	both := s.localDone && s.peerDone
	s.mu.Unlock()
	if both {
		s.completeOnce.Do(func() { close(s.complete) })
	}
}

func (s *session) isComplete() bool {
	select {
	case <-s.complete:
		return true
	default:
		return false
	}
}

func (s *session) abort() {
	s.completeOnce.Do(func() { close(s.complete) })
}

// ctxConn adapts a context-scoped transport.SessionHandle to the
// plain io.Reader/io.Writer that wire.go's frame codec operates on,
// binding one ctx for the lifetime of a single read or write call.
type ctxConn struct {
	ctx    context.Context
	handle transport.SessionHandle
}

func (c ctxConn) Read(b []byte) (int, error)  { return c.handle.Read(c.ctx, b) }
func (c ctxConn) Write(b []byte) (int, error) { return c.handle.Write(c.ctx, b) }

func writeFrame(ctx context.Context, handle transport.SessionHandle, f Frame) error {
	return WriteFrame(ctxConn{ctx, handle}, f)
}

func readFrame(ctx context.Context, handle transport.SessionHandle) (Frame, error) {
	return ReadFrame(ctxConn{ctx, handle})
}
