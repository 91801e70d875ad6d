// Package scheduler ties together the PeerRegistry, the per-peer
// backoff table, and the transport-appropriate exchange driver,
// bounding concurrency globally.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rangzen-io/murmur-core/config"
	"github.com/rangzen-io/murmur-core/coreerr"
	"github.com/rangzen-io/murmur-core/logger"
	"github.com/rangzen-io/murmur-core/registry"
)

// Dialer is the scheduler's view of how to actually run an exchange
// once it has picked a peer and transport: it is handed the chosen
// candidate and returns the exchange's outcome. This package has no
// dependency on either exchange protocol package and does not itself
// choose between the legacy and framed drivers; that choice belongs to
// the Dialer implementation. cmd/murmurd's only Dialer runs neither
// protocol: it reports TransportUnavailable for every candidate.
type Dialer interface {
	Dial(ctx context.Context, candidate registry.Candidate) error
}

// DefaultMaxConcurrentExchanges bounds the number of sessions running
// at once, independent of how many peers are ready (spec.md §5), when
// New is given no positive cap.
const DefaultMaxConcurrentExchanges = 4

// Scheduler drives one exchange per ready peer at a time, globally
// bounded by a counting semaphore — generalized from the teacher's
// per-CPU goroutine bring-up (DeviceRoutineNumberPerCPU) to "at most N
// concurrent sessions" rather than "N fixed worker goroutines."
type Scheduler struct {
	reg     *registry.Registry
	dialer  Dialer
	cfg     config.Config
	log     logger.Logger
	maxJobs int

	mu       sync.Mutex
	backoffs map[string]*Backoff
	active   map[string]bool // peer keys with an exchange currently running

	sem chan struct{}

	stop     chan struct{}
	stopping sync.WaitGroup
}

// New creates a Scheduler over reg, driving exchanges through dialer.
// maxConcurrent <= 0 falls back to DefaultMaxConcurrentExchanges.
func New(reg *registry.Registry, dialer Dialer, cfg config.Config, log logger.Logger, maxConcurrent int) *Scheduler {
	if log == nil {
		log = logger.New(logger.LevelSilent, "")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentExchanges
	}
	return &Scheduler{
		reg:      reg,
		dialer:   dialer,
		cfg:      cfg,
		log:      log,
		maxJobs:  maxConcurrent,
		backoffs: make(map[string]*Backoff),
		active:   make(map[string]bool),
		sem:      make(chan struct{}, maxConcurrent),
		stop:     make(chan struct{}),
	}
}

// Start begins the polling loop, ticking every pollInterval until
// Stop is called.
func (s *Scheduler) Start(pollInterval time.Duration) {
	s.stopping.Add(1)
	go func() {
		defer s.stopping.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick(time.Now())
			}
		}
	}()
}

// Stop signals the polling loop to exit and waits for it to do so.
// In-flight exchanges launched before Stop are allowed to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.stopping.Wait()
}

// tick is one polling iteration: prune stale peers, then launch an
// exchange for every ready, non-active candidate that fits under the
// concurrency cap.
func (s *Scheduler) tick(now time.Time) {
	s.reg.Prune(now)

	for _, cand := range s.reg.CandidatesForExchange(now) {
		if !s.claimIfReady(cand, now) {
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			// At the concurrency cap; release the claim so a later tick
			// can retry this peer.
			s.clearActive(cand.Key)
			continue
		}

		s.stopping.Add(1)
		go s.run(cand)
	}
}

// claimIfReady marks cand as active if its backoff window has elapsed
// and it is not already running. Returns false if the peer should be
// skipped this tick.
func (s *Scheduler) claimIfReady(cand registry.Candidate, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active[cand.Key] {
		return false
	}
	b, ok := s.backoffs[cand.Key]
	if !ok {
		b = &Backoff{}
		s.backoffs[cand.Key] = b
	}
	if !b.Ready(now, s.cfg.BackoffBase, s.cfg.BackoffMax) {
		return false
	}
	s.active[cand.Key] = true
	return true
}

func (s *Scheduler) clearActive(key string) {
	s.mu.Lock()
	delete(s.active, key)
	s.mu.Unlock()
}

func (s *Scheduler) run(cand registry.Candidate) {
	defer s.stopping.Done()
	defer func() { <-s.sem }()
	defer s.clearActive(cand.Key)

	log := s.log.With("peer", cand.Key, "transport", cand.Transport.Kind)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExchangeSessionTimeout)
	defer cancel()

	log.Debug("dialing")
	err := s.dialer.Dial(ctx, cand)

	now := time.Now()
	s.mu.Lock()
	b := s.backoffs[cand.Key]
	s.mu.Unlock()
	if b == nil {
		return
	}
	if err != nil {
		b.OnFailure(now)
		log.Debugf("exchange failed: %v", classify(err))
		return
	}
	b.OnSuccess(now)
	log.Debug("exchange succeeded")
}

func classify(err error) coreerr.Kind {
	var ce *coreerr.Error
	if e, ok := err.(*coreerr.Error); ok {
		ce = e
	}
	if ce == nil {
		return coreerr.Unknown
	}
	return ce.Kind
}

// IsInitiator implements spec.md §4.5's tiebreak: the peer whose
// public id compares lexicographically less is the initiator. When
// only a prefix is known on one or both sides, both ids are first
// truncated to the shorter of the two lengths so the comparison is
// never asymmetric (full id vs. prefix).
func IsInitiator(localID, remoteID string) bool {
	n := len(localID)
	if len(remoteID) < n {
		n = len(remoteID)
	}
	return strings.Compare(localID[:n], remoteID[:n]) < 0
}
