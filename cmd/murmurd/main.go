// Command murmurd is the reference process wiring the exchange core
// together: identity, the message/friend stores, the peer registry,
// and the scheduler. Platform transport drivers (BLE, WiFi-Direct,
// LAN, WiFi-Aware radio APIs) are out of scope (spec.md §1) and are
// registered by the embedding application through transport.Adapter;
// this binary runs with none wired in by default, so every scheduled
// exchange fails fast with TransportUnavailable — enough to exercise
// identity/store/registry/scheduler startup and shutdown end to end.
//
// Grounded on the teacher's main.go: parse flags, open persistent
// state, start the core, then block waiting on a termination signal
// before a clean shutdown — generalized from WireGuard's
// device.Wait()/uapi.Close() pair to the scheduler's Start()/Stop().
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rangzen-io/murmur-core/coreerr"
	"github.com/rangzen-io/murmur-core/identity"
	"github.com/rangzen-io/murmur-core/logger"
	"github.com/rangzen-io/murmur-core/registry"
	"github.com/rangzen-io/murmur-core/scheduler"
	"github.com/rangzen-io/murmur-core/store"
)

const (
	ExitSuccess = 0
	ExitFailure = 1
)

// pollInterval is how often the scheduler re-scans the registry for
// ready peers.
const pollInterval = 5 * time.Second

func levelFromString(s string) int {
	switch s {
	case "debug":
		return logger.LevelDebug
	case "info":
		return logger.LevelInfo
	case "error":
		return logger.LevelError
	case "silent":
		return logger.LevelSilent
	default:
		return logger.LevelInfo
	}
}

// noDriverDialer is the scheduler.Dialer this binary uses: it has no
// transport driver, so every dial attempt reports TransportUnavailable,
// which still exercises the scheduler's backoff bookkeeping against
// peer observations fed into the registry externally.
type noDriverDialer struct{}

func (noDriverDialer) Dial(ctx context.Context, cand registry.Candidate) error {
	return coreerr.New(coreerr.TransportUnavailable, fmt.Errorf("no transport driver registered for %s", cand.Transport.Kind))
}

func main() {
	opts, err := ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitFailure)
	}
	if opts.ShowVersion {
		fmt.Println("murmurd v0 (core exchange engine)")
		return
	}

	log := logger.New(levelFromString(opts.LogLevel), "(murmurd) ")

	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		log.Errorf("failed to create data dir %s: %v", opts.DataDir, err)
		os.Exit(ExitFailure)
	}

	keyStore, err := store.OpenBoltKeyStore(filepath.Join(opts.DataDir, "identity.db"))
	if err != nil {
		log.Errorf("failed to open identity store: %v", err)
		os.Exit(ExitFailure)
	}
	defer keyStore.Close()

	id, err := identity.Init(keyStore)
	if err != nil {
		log.Errorf("failed to initialize identity: %v", err)
		os.Exit(ExitFailure)
	}
	log.Infof("device identity %s", id.PublicIdPrefix())

	friendStore, err := store.OpenFriendStore(filepath.Join(opts.DataDir, "friends.db"))
	if err != nil {
		log.Errorf("failed to open friend store: %v", err)
		os.Exit(ExitFailure)
	}
	defer friendStore.Close()

	cfg := opts.toConfig()

	messageStore, err := store.OpenMessageStore(filepath.Join(opts.DataDir, "messages.db"), 0)
	if err != nil {
		log.Errorf("failed to open message store: %v", err)
		os.Exit(ExitFailure)
	}
	defer messageStore.Close()

	reg := registry.New(cfg.Stale)
	sched := scheduler.New(reg, noDriverDialer{}, cfg, log, opts.MaxConcurrentExchanges)
	sched.Start(pollInterval)

	log.Info("core engine started")

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)
	<-term

	log.Info("shutting down")
	sched.Stop()
}
