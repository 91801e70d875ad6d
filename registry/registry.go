// Package registry implements cross-transport peer correlation: the
// same physical device can be observed over several transports and
// addressing schemes, and some transports truncate identity to an
// 8-hex-char prefix. One authoritative UnifiedPeer record is kept per
// physical device; tentative-prefix peers are first-class records
// until promoted to a full publicId.
//
// Grounded on the teacher's device.go ("peers.keyMap map[NoisePublicKey]*Peer"
// guarded by a single sync.RWMutex, looked up/mutated only while holding
// it) and peer.go's per-peer state (an AtomicBool running flag plus a
// sync.RWMutex covering mutable fields like the roaming endpoint) —
// here generalized from "one endpoint per peer" to "a small map of
// TransportInfo per peer".
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// TransportKind is one of the four physical link abstractions a peer
// can be observed over.
type TransportKind int

const (
	BLE TransportKind = iota
	WIFI_DIRECT
	LAN
	WIFI_AWARE
)

func (k TransportKind) String() string {
	switch k {
	case BLE:
		return "BLE"
	case WIFI_DIRECT:
		return "WIFI_DIRECT"
	case LAN:
		return "LAN"
	case WIFI_AWARE:
		return "WIFI_AWARE"
	default:
		return "UNKNOWN"
	}
}

// transportPriority orders transports for scheduling and for
// CandidatesForExchange: WIFI_DIRECT > LAN > WIFI_AWARE > BLE.
func transportPriority(k TransportKind) int {
	switch k {
	case WIFI_DIRECT:
		return 3
	case LAN:
		return 2
	case WIFI_AWARE:
		return 1
	case BLE:
		return 0
	default:
		return -1
	}
}

// TransportInfo carries transport-specific addressing for one
// TransportKind on one peer.
type TransportInfo struct {
	Kind           TransportKind
	Address        string // BLE address, WiFi-Direct MAC, LAN host:port, or WiFi-Aware PeerHandle string
	PlatformHandle string // optional, e.g. a BLE platform-specific handle
	LastSeen       time.Time
	SignalStrength *int
	ServicePort    *uint16
}

func (t TransportInfo) isStale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(t.LastSeen) > staleAfter
}

// UnifiedPeer is the cross-transport-correlated view of one physical
// device.
type UnifiedPeer struct {
	PublicID            string // full 64-char id, 8-char prefix, or "" pre-handshake
	Transports          map[TransportKind]TransportInfo
	FirstSeen           time.Time
	LastActivity        time.Time
	HandshakeCompleted  bool
}

func newPeer(id string, now time.Time) *UnifiedPeer {
	return &UnifiedPeer{
		PublicID:     id,
		Transports:   make(map[TransportKind]TransportInfo),
		FirstSeen:    now,
		LastActivity: now,
	}
}

func (p *UnifiedPeer) attach(info TransportInfo) {
	p.Transports[info.Kind] = info
	if info.LastSeen.After(p.LastActivity) {
		p.LastActivity = info.LastSeen
	}
}

func isHexPrefix(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

type transportKey struct {
	kind    TransportKind
	address string
}

// Registry is the process-wide singleton correlating peers across
// transports. All mutation goes through report/promote/prune, which
// serialize via a single mutex; readers see a consistent snapshot.
type Registry struct {
	mu         sync.RWMutex
	peers      map[string]*UnifiedPeer // keyed by PublicID, prefix, or a synthetic tentative key
	byTransport map[transportKey]string // (kind,address) -> peers map key
	staleAfter time.Duration
}

// New creates an empty registry with the given transport staleness
// threshold (config.Config.Stale).
func New(staleAfter time.Duration) *Registry {
	return &Registry{
		peers:       make(map[string]*UnifiedPeer),
		byTransport: make(map[transportKey]string),
		staleAfter:  staleAfter,
	}
}

func tentativeKey(kind TransportKind, address string) string {
	return "tentative:" + kind.String() + ":" + address
}

// Report records an observation of a peer on one transport.
// observedID may be a full publicId, an 8-hex-char prefix, or empty
// (address-only, awaiting handshake). Correlation is applied in the
// order documented in spec.md §4.3:
//  1. exact publicId match
//  2. unambiguous prefix match
//  3. transport-key collision (detach before attach)
//  4. otherwise, create a new peer
//
// Report returns the key under which the peer now lives in the
// registry (a PublicID, a prefix, or a tentative synthetic key).
func (r *Registry) Report(kind TransportKind, observedID string, info TransportInfo) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := info.LastSeen
	if now.IsZero() {
		now = time.Now()
		info.LastSeen = now
	}
	info.Kind = kind
	tk := transportKey{kind: kind, address: info.Address}

	// Rule 1: exact publicId match.
	if observedID != "" {
		if p, ok := r.peers[observedID]; ok {
			r.detachFromOthers(tk, observedID)
			p.attach(info)
			r.byTransport[tk] = observedID
			return observedID
		}
	}

	// Rule 2: unambiguous prefix match.
	if isHexPrefix(observedID) {
		var match string
		ambiguous := false
		for key, p := range r.peers {
			if strings.HasPrefix(p.PublicID, observedID) && len(p.PublicID) >= len(observedID) {
				if match != "" && match != key {
					ambiguous = true
					break
				}
				match = key
			}
		}
		if match != "" && !ambiguous {
			p := r.peers[match]
			r.detachFromOthers(tk, match)
			p.attach(info)
			r.byTransport[tk] = match
			return match
		}
	}

	// Rule 3: transport-key collision with a different peer.
	if existingKey, ok := r.byTransport[tk]; ok {
		newKey := observedID
		if newKey == "" {
			newKey = tentativeKey(kind, info.Address)
		}
		if existingKey != newKey {
			r.detach(tk, existingKey)
		}
	}

	// Rule 4: create (or reuse) the peer for this key.
	key := observedID
	if key == "" {
		key = tentativeKey(kind, info.Address)
	}
	p, ok := r.peers[key]
	if !ok {
		p = newPeer(observedID, now)
		r.peers[key] = p
	}
	p.attach(info)
	r.byTransport[tk] = key
	return key
}

// detach removes the transport key tk from the peer stored under
// peerKey, deleting that peer entirely if it is left with none.
func (r *Registry) detach(tk transportKey, peerKey string) {
	p, ok := r.peers[peerKey]
	if !ok {
		delete(r.byTransport, tk)
		return
	}
	delete(p.Transports, tk.kind)
	delete(r.byTransport, tk)
	if len(p.Transports) == 0 {
		delete(r.peers, peerKey)
	}
}

// detachFromOthers ensures tk is not still indexed under any peer key
// other than keepKey (used right before attaching it to keepKey).
func (r *Registry) detachFromOthers(tk transportKey, keepKey string) {
	if existingKey, ok := r.byTransport[tk]; ok && existingKey != keepKey {
		r.detach(tk, existingKey)
	}
}

// Promote replaces a tentative-prefix peer with its full-id record
// after a handshake completes, merging transports into the full
// record (creating it if this is the first time the full id has been
// seen).
func (r *Registry) Promote(tentativeID, fullPublicID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tentative, ok := r.peers[tentativeID]
	if !ok {
		return
	}

	full, ok := r.peers[fullPublicID]
	if !ok {
		full = newPeer(fullPublicID, tentative.FirstSeen)
		r.peers[fullPublicID] = full
	}

	for kind, info := range tentative.Transports {
		full.attach(info)
		r.byTransport[transportKey{kind: kind, address: info.Address}] = fullPublicID
	}
	if tentative.FirstSeen.Before(full.FirstSeen) {
		full.FirstSeen = tentative.FirstSeen
	}
	full.HandshakeCompleted = true

	delete(r.peers, tentativeID)
}

// Prune removes stale transports and any peer left with zero
// transports as a result.
func (r *Registry) Prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, p := range r.peers {
		for kind, info := range p.Transports {
			if info.isStale(now, r.staleAfter) {
				delete(p.Transports, kind)
				delete(r.byTransport, transportKey{kind: kind, address: info.Address})
			}
		}
		if len(p.Transports) == 0 {
			delete(r.peers, key)
		}
	}
}

// Candidate is one schedulable peer with the highest-priority
// non-stale transport it currently has.
type Candidate struct {
	Key       string
	Peer      *UnifiedPeer
	Transport TransportInfo
}

// CandidatesForExchange returns every peer with at least one
// non-stale transport, each paired with its highest-priority such
// transport (WIFI_DIRECT > LAN > WIFI_AWARE > BLE), ordered by that
// transport's priority and, within one priority, most recently active
// first.
func (r *Registry) CandidatesForExchange(now time.Time) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0, len(r.peers))
	for key, p := range r.peers {
		best, ok := bestTransport(p, now, r.staleAfter)
		if !ok {
			continue
		}
		out = append(out, Candidate{Key: key, Peer: p, Transport: best})
	}

	sort.Slice(out, func(i, j int) bool {
		pi, pj := transportPriority(out[i].Transport.Kind), transportPriority(out[j].Transport.Kind)
		if pi != pj {
			return pi > pj
		}
		return out[i].Peer.LastActivity.After(out[j].Peer.LastActivity)
	})
	return out
}

func bestTransport(p *UnifiedPeer, now time.Time, staleAfter time.Duration) (TransportInfo, bool) {
	var (
		best    TransportInfo
		found   bool
		bestPri = -1
	)
	for _, info := range p.Transports {
		if info.isStale(now, staleAfter) {
			continue
		}
		if pri := transportPriority(info.Kind); pri > bestPri {
			bestPri = pri
			best = info
			found = true
		}
	}
	return best, found
}

// Get returns the peer stored under key, if any (test/debug helper).
func (r *Registry) Get(key string) (*UnifiedPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[key]
	return p, ok
}

// Len reports the number of peer records currently tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
