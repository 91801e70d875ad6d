// Package transport defines the narrow interface the core exposes to
// each external transport driver (BLE, WiFi-Direct, LAN, WiFi-Aware)
// and the interface the core consumes from them. Platform radio APIs
// themselves are out of scope (spec.md §1) — this package is the
// seam.
//
// Grounded directly on the teacher's conn.Bind/conn.Endpoint pair:
// Bind's listen/send/close, best-effort semantics map to Adapter's
// outbound methods; Endpoint's source/destination caching maps to
// registry.TransportInfo.
package transport

import (
	"context"
	"errors"

	"github.com/rangzen-io/murmur-core/registry"
)

// ErrNoSession is returned by SessionHandle operations once a session
// has been closed.
var ErrNoSession = errors.New("transport: session closed")

// SessionHandle is an opaque, transport-specific connected session
// (e.g. a WiFi-Aware framed socket, or a BLE GATT characteristic
// pipe). Read/Write are blocking and must respect ctx's deadline.
type SessionHandle interface {
	Read(ctx context.Context, buf []byte) (int, error)
	Write(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// Adapter is the outbound surface the core calls on a transport
// driver: a best-effort unconnected send, and connect/close for
// sessions. Both exchange protocols (the legacy BLE dialogue and the
// framed protocol) run over a SessionHandle; neither calls Send.
type Adapter interface {
	// Send is a best-effort, bounded-latency unconnected write. It
	// reports whether the driver believes the write was handed to the
	// radio; it never blocks past the driver's own internal timeout.
	Send(kind registry.TransportKind, address string, payload []byte) bool

	// Connect opens a session-oriented channel to address over kind.
	Connect(ctx context.Context, kind registry.TransportKind, address string) (SessionHandle, error)

	// Close tears down a previously connected session.
	Close(handle SessionHandle)
}

// Inbound is the interface a transport driver calls into the core.
// Every method is non-blocking from the driver's perspective; the
// core hands the work off to the registry/scheduler and returns.
type Inbound interface {
	// OnPeerObserved reports a sighting of a peer on kind at address.
	// advertisedID is "" if the transport has not yet learned any
	// identity for it (a pure address-only observation).
	OnPeerObserved(kind registry.TransportKind, address string, advertisedID string)

	// OnFrame delivers raw bytes received out-of-band from an active
	// session (used by transports that multiplex frames onto a
	// datagram channel rather than a SessionHandle).
	OnFrame(kind registry.TransportKind, address string, payload []byte)

	// OpenSessionAccepted hands the core a session the driver accepted
	// as a responder (as opposed to one the core itself opened via
	// Adapter.Connect).
	OpenSessionAccepted(kind registry.TransportKind, address string, handle SessionHandle)
}
