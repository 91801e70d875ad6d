// Grounded directly on the teacher's flags/flags.go and
// flags/options.go: a flat Options struct populated by pflag,
// generalized from WireGuard's single --mtu/--foreground pair to this
// daemon's policy knobs (spec.md §6's Configuration table).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/rangzen-io/murmur-core/config"
)

type Options struct {
	DataDir     string
	LogLevel    string
	Foreground  bool
	ShowVersion bool

	UseTrust                     bool
	MinSharedContactsForExchange uint32
	MaxMessagesPerExchange       uint32
	ExchangeSessionTimeoutMs     uint32
	BackoffBaseMs                uint32
	BackoffMaxMs                 uint32
	StaleMs                      uint32
	WifiDirectServiceType        string
	WifiDirectPort               uint16
	MaxConcurrentExchanges       int
}

func NewOptions() *Options {
	d := config.Default()
	return &Options{
		DataDir:                      "./murmur-data",
		LogLevel:                     "info",
		UseTrust:                     d.UseTrust,
		MinSharedContactsForExchange: d.MinSharedContactsForExchange,
		MaxMessagesPerExchange:       d.MaxMessagesPerExchange,
		ExchangeSessionTimeoutMs:     uint32(d.ExchangeSessionTimeout.Milliseconds()),
		BackoffBaseMs:                uint32(d.BackoffBase.Milliseconds()),
		BackoffMaxMs:                 uint32(d.BackoffMax.Milliseconds()),
		StaleMs:                      uint32(d.Stale.Milliseconds()),
		WifiDirectServiceType:        d.WifiDirectServiceType,
		WifiDirectPort:               d.WifiDirectPort,
		MaxConcurrentExchanges:       4,
	}
}

func ParseFlags() (*Options, error) {
	opts := NewOptions()

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.StringVar(&opts.DataDir, "data-dir", opts.DataDir, "Directory holding the message and friend stores")
	pflag.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "One of: silent, error, info, debug")
	pflag.BoolVar(&opts.Foreground, "foreground", false, "Remain in the foreground")
	pflag.BoolVarP(&opts.ShowVersion, "version", "v", false, "Print the version number and exit")

	pflag.BoolVar(&opts.UseTrust, "use-trust", opts.UseTrust, "Run the PSI friendship test before exchanging messages")
	pflag.Uint32Var(&opts.MinSharedContactsForExchange, "min-shared-contacts", opts.MinSharedContactsForExchange, "Minimum common friends required to exchange")
	pflag.Uint32Var(&opts.MaxMessagesPerExchange, "max-messages-per-exchange", opts.MaxMessagesPerExchange, "Cap on messages exchanged per session")
	pflag.Uint32Var(&opts.ExchangeSessionTimeoutMs, "exchange-session-timeout-ms", opts.ExchangeSessionTimeoutMs, "Total legacy session bound, in milliseconds")
	pflag.Uint32Var(&opts.BackoffBaseMs, "backoff-base-ms", opts.BackoffBaseMs, "Base per-peer retry delay, in milliseconds")
	pflag.Uint32Var(&opts.BackoffMaxMs, "backoff-max-ms", opts.BackoffMaxMs, "Per-peer retry delay cap, in milliseconds")
	pflag.Uint32Var(&opts.StaleMs, "stale-ms", opts.StaleMs, "Transport staleness threshold, in milliseconds")
	pflag.StringVar(&opts.WifiDirectServiceType, "wifi-direct-service-type", opts.WifiDirectServiceType, "DNS-SD service type advertised to the WiFi-Direct driver")
	pflag.Uint16Var(&opts.WifiDirectPort, "wifi-direct-port", opts.WifiDirectPort, "Port advertised to the WiFi-Direct driver")
	pflag.IntVar(&opts.MaxConcurrentExchanges, "max-concurrent-exchanges", opts.MaxConcurrentExchanges, "Global cap on simultaneously running exchange sessions")

	pflag.Parse()

	if opts.ShowVersion {
		return opts, nil
	}
	return opts, nil
}

func (o *Options) toConfig() config.Config {
	return config.Config{
		UseTrust:                     o.UseTrust,
		MinSharedContactsForExchange: o.MinSharedContactsForExchange,
		MaxMessagesPerExchange:       o.MaxMessagesPerExchange,
		ExchangeSessionTimeout:       time.Duration(o.ExchangeSessionTimeoutMs) * time.Millisecond,
		BackoffBase:                  time.Duration(o.BackoffBaseMs) * time.Millisecond,
		BackoffMax:                   time.Duration(o.BackoffMaxMs) * time.Millisecond,
		Stale:                        time.Duration(o.StaleMs) * time.Millisecond,
		WifiDirectServiceType:        o.WifiDirectServiceType,
		WifiDirectPort:               o.WifiDirectPort,
	}
}
