package framed

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rangzen-io/murmur-core/config"
	"github.com/rangzen-io/murmur-core/store"
	"github.com/rangzen-io/murmur-core/trustmath"
)

// pipeHandle is a test-only transport.SessionHandle backed by an
// io.Pipe half, honoring ctx cancellation the way a real transport's
// session would.
type pipeHandle struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newHandlePair() (*pipeHandle, *pipeHandle) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	return &pipeHandle{r: ar, w: bw}, &pipeHandle{r: br, w: aw}
}

type ioResult struct {
	n   int
	err error
}

func (p *pipeHandle) Read(ctx context.Context, buf []byte) (int, error) {
	ch := make(chan ioResult, 1)
	go func() {
		n, err := p.r.Read(buf)
		ch <- ioResult{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *pipeHandle) Write(ctx context.Context, buf []byte) (int, error) {
	ch := make(chan ioResult, 1)
	go func() {
		n, err := p.w.Write(buf)
		ch <- ioResult{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *pipeHandle) Close() error {
	p.r.Close()
	return p.w.Close()
}

func openMessageStore(t *testing.T, minTrust float64) *store.MessageStore {
	t.Helper()
	ms, err := store.OpenMessageStore(filepath.Join(t.TempDir(), "messages.db"), minTrust)
	if err != nil {
		t.Fatalf("open message store: %v", err)
	}
	t.Cleanup(func() { ms.Close() })
	return ms
}

func TestFramedHappyPathTwoMessagesEachDirection(t *testing.T) {
	handleA, handleB := newHandlePair()

	messagesA := openMessageStore(t, 0)
	messagesB := openMessageStore(t, 0)

	if err := messagesA.Insert(store.Message{MessageID: "a1", Text: "from a, one", Timestamp: 1, Priority: 5, TrustScore: 0.4}); err != nil {
		t.Fatalf("seed a1: %v", err)
	}
	if err := messagesA.Insert(store.Message{MessageID: "a2", Text: "from a, two", Timestamp: 2, Priority: 5, TrustScore: 0.4}); err != nil {
		t.Fatalf("seed a2: %v", err)
	}
	if err := messagesB.Insert(store.Message{MessageID: "b1", Text: "from b, one", Timestamp: 1, Priority: 5, TrustScore: 0.4}); err != nil {
		t.Fatalf("seed b1: %v", err)
	}
	if err := messagesB.Insert(store.Message{MessageID: "b2", Text: "from b, two", Timestamp: 2, Priority: 5, TrustScore: 0.4}); err != nil {
		t.Fatalf("seed b2: %v", err)
	}

	cfg := config.Default()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	var resA, resB *Result
	var errA, errB error

	go func() {
		defer wg.Done()
		resA, errA = Run(ctx, handleA, true, "aaaaaaaa", 2, 2, cfg, messagesA, trustmath.ZeroNoise)
	}()
	go func() {
		defer wg.Done()
		resB, errB = Run(ctx, handleB, false, "bbbbbbbb", 2, 2, cfg, messagesB, trustmath.ZeroNoise)
	}()
	wg.Wait()

	if errA != nil {
		t.Fatalf("initiator failed: %v", errA)
	}
	if errB != nil {
		t.Fatalf("responder failed: %v", errB)
	}
	if resA.FinalState != StateDone || resB.FinalState != StateDone {
		t.Fatalf("expected both sides DONE, got %v / %v", resA.FinalState, resB.FinalState)
	}
	if resA.MessagesSent != 2 || resA.MessagesReceived != 2 {
		t.Fatalf("side A: expected sent=2 received=2, got sent=%d received=%d", resA.MessagesSent, resA.MessagesReceived)
	}
	if resB.MessagesSent != 2 || resB.MessagesReceived != 2 {
		t.Fatalf("side B: expected sent=2 received=2, got sent=%d received=%d", resB.MessagesSent, resB.MessagesReceived)
	}

	if _, found, err := messagesA.Get("b1"); err != nil || !found {
		t.Fatalf("expected b1 merged into A's store, found=%v err=%v", found, err)
	}
	if _, found, err := messagesB.Get("a2"); err != nil || !found {
		t.Fatalf("expected a2 merged into B's store, found=%v err=%v", found, err)
	}
}

func TestFramedProtocolVersionMismatchFailsHandshake(t *testing.T) {
	handleA, handleB := newHandlePair()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		hello := HelloPayload{ProtocolVersion: ProtocolVersion + 1, PublicIDPrefix: "aaaaaaaa", MessageCount: 0, MaxBatch: MaxBatchSize}
		_ = writeFrame(ctx, handleA, Frame{Type: FrameHello, Payload: EncodeHello(hello)})
	}()
	go func() {
		defer wg.Done()
		_, _, err := handshake(ctx, handleB, false, "bbbbbbbb", 0)
		if err == nil {
			t.Error("expected a protocol version mismatch error")
		}
	}()
	wg.Wait()
}

func TestFramedDedupSuppressesRepeatedMessageHash(t *testing.T) {
	handleA, handleB := newHandlePair()
	messagesB := openMessageStore(t, 0)

	s := &session{
		ctx:      context.Background(),
		handle:   handleB,
		messages: messagesB,
		noise:    trustmath.ZeroNoise,
		received: make(map[[32]byte]bool),
		complete: make(chan struct{}),
	}

	mp := MessagePayload{MessageIndex: 0, TotalMessages: 1, MessageData: []byte(`{"messageId":"dup","text":"hi","trustScore":0.5}`)}
	if err := s.handleIncoming(mp); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := s.handleIncoming(mp); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	msg, found, err := messagesB.Get("dup")
	if err != nil || !found {
		t.Fatalf("expected message merged once, found=%v err=%v", found, err)
	}
	if msg.Text != "hi" {
		t.Fatalf("unexpected text: %q", msg.Text)
	}
	_ = handleA
}
