package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rangzen-io/murmur-core/config"
	"github.com/rangzen-io/murmur-core/registry"
)

type fakeDialer struct {
	mu       sync.Mutex
	calls    int32
	fail     map[string]bool
	inFlight int32
	maxSeen  int32
}

func (f *fakeDialer) Dial(ctx context.Context, cand registry.Candidate) error {
	atomic.AddInt32(&f.calls, 1)
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)

	f.mu.Lock()
	shouldFail := f.fail[cand.Key]
	f.mu.Unlock()
	if shouldFail {
		return errFake
	}
	return nil
}

var errFake = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fake dial failure" }

func TestSchedulerLaunchesReadyPeersAndTracksBackoff(t *testing.T) {
	reg := registry.New(30 * time.Second)
	now := time.Now()
	reg.Report(registry.LAN, "peer1", registry.TransportInfo{Address: "10.0.0.1:1", LastSeen: now})
	reg.Report(registry.LAN, "peer2", registry.TransportInfo{Address: "10.0.0.2:1", LastSeen: now})

	dialer := &fakeDialer{fail: map[string]bool{"peer2": true}}
	cfg := config.Default()
	s := New(reg, dialer, cfg, nil, 4)

	s.tick(now)
	// give the launched goroutines time to finish
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&dialer.calls) != 2 {
		t.Fatalf("expected 2 dial attempts, got %d", dialer.calls)
	}

	s.mu.Lock()
	b1 := s.backoffs["peer1"]
	b2 := s.backoffs["peer2"]
	s.mu.Unlock()

	if b1 == nil || b1.Attempts != 0 {
		t.Fatalf("peer1 should have succeeded with attempts reset to 0, got %+v", b1)
	}
	if b2 == nil || b2.Attempts != 1 {
		t.Fatalf("peer2 should have failed once, got %+v", b2)
	}
}

func TestSchedulerRespectsConcurrencyCap(t *testing.T) {
	reg := registry.New(30 * time.Second)
	now := time.Now()
	for i, addr := range []string{"a", "b", "c", "d", "e", "f"} {
		reg.Report(registry.LAN, string(rune('A'+i))+"peer", registry.TransportInfo{Address: addr, LastSeen: now})
	}

	dialer := &fakeDialer{fail: map[string]bool{}}
	cfg := config.Default()
	s := New(reg, dialer, cfg, nil, 2)

	s.tick(now)
	time.Sleep(10 * time.Millisecond)
	s.tick(now) // a second tick while the first batch is still in flight must not exceed the cap
	time.Sleep(60 * time.Millisecond)

	if dialer.maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent dials, observed %d", dialer.maxSeen)
	}
}

func TestSchedulerSkipsPeerNotYetReady(t *testing.T) {
	reg := registry.New(30 * time.Second)
	now := time.Now()
	reg.Report(registry.LAN, "peer1", registry.TransportInfo{Address: "10.0.0.1:1", LastSeen: now})

	dialer := &fakeDialer{fail: map[string]bool{}}
	cfg := config.Default()
	s := New(reg, dialer, cfg, nil, 4)

	s.mu.Lock()
	s.backoffs["peer1"] = &Backoff{Attempts: 1, LastExchange: now}
	s.mu.Unlock()

	s.tick(now.Add(time.Second)) // well within the backoff window
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&dialer.calls) != 0 {
		t.Fatalf("expected peer1 to be skipped while backed off, got %d calls", dialer.calls)
	}
}
