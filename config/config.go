// Package config holds the installer-configured policy knobs that
// tune the exchange engine. Grounded on the teacher's
// device.KeyRotationConfig (typed struct + Default*Config
// constructor) and flags.Options (flat struct parsed by pflag in
// cmd/murmurd).
package config

import "time"

// Config is the enumerated configuration table of spec.md §6.
type Config struct {
	// UseTrust runs the legacy session's PSI phases; when false the
	// legacy session skips them and treats common_friends as 0. The
	// framed session does not read it: it uses the commonFriends value
	// its caller passes in.
	UseTrust bool

	// MinSharedContactsForExchange aborts a legacy session in Phase 2
	// when UseTrust is on and the computed common_friends is below
	// this threshold.
	MinSharedContactsForExchange uint32

	// MaxMessagesPerExchange caps the Phase 3 message count (legacy)
	// and the effective per-session batch (framed).
	MaxMessagesPerExchange uint32

	// ExchangeSessionTimeout bounds one legacy session end to end.
	ExchangeSessionTimeout time.Duration

	// BackoffBase and BackoffMax parameterize the scheduler's
	// per-peer exponential backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Stale is the transport staleness threshold used by PeerRegistry.
	Stale time.Duration

	// WifiDirectServiceType and WifiDirectPort are DNS-SD advertisement
	// values handed to the external WiFi-Direct transport driver; the
	// core never advertises a service itself.
	WifiDirectServiceType string
	WifiDirectPort        uint16
}

// Default returns the spec's default configuration.
func Default() Config {
	return Config{
		UseTrust:                     true,
		MinSharedContactsForExchange: 0,
		MaxMessagesPerExchange:       100,
		ExchangeSessionTimeout:       30 * time.Second,
		BackoffBase:                  10 * time.Second,
		BackoffMax:                   320 * time.Second,
		Stale:                        30 * time.Second,
		WifiDirectServiceType:        "_murmur._tcp",
		WifiDirectPort:               0,
	}
}
