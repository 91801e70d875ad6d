package registry

import (
	"testing"
	"time"
)

func info(addr string, seen time.Time) TransportInfo {
	return TransportInfo{Address: addr, LastSeen: seen}
}

func TestReportCorrelationIdempotence(t *testing.T) {
	r := New(30 * time.Second)
	now := time.Now()

	r.Report(LAN, "AAAA1111", info("192.168.1.10:41235", now))
	r.Report(LAN, "AAAA1111", info("192.168.1.10:41235", now.Add(time.Second)))

	if r.Len() != 1 {
		t.Fatalf("expected 1 peer after repeated identical report, got %d", r.Len())
	}
}

func TestCollisionResolutionDetachesOldPeer(t *testing.T) {
	r := New(30 * time.Second)
	now := time.Now()

	r.Report(LAN, "AAAA1111", info("192.168.1.10:41235", now))
	r.Report(LAN, "BBBB2222", info("192.168.1.10:41235", now.Add(time.Second)))

	if _, ok := r.Get("AAAA1111"); ok {
		t.Fatal("old peer AAAA1111 should have been deleted once its only transport moved")
	}
	p, ok := r.Get("BBBB2222")
	if !ok {
		t.Fatal("new peer BBBB2222 missing")
	}
	if _, has := p.Transports[LAN]; !has {
		t.Fatal("new peer missing the LAN transport")
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly 1 peer after collision, got %d", r.Len())
	}
}

func TestCollisionResolutionKeepsOldPeerIfOtherTransportsRemain(t *testing.T) {
	r := New(30 * time.Second)
	now := time.Now()

	r.Report(LAN, "AAAA1111", info("192.168.1.10:41235", now))
	r.Report(BLE, "AAAA1111", info("aa:bb:cc:dd:ee:ff", now))
	r.Report(LAN, "BBBB2222", info("192.168.1.10:41235", now.Add(time.Second)))

	old, ok := r.Get("AAAA1111")
	if !ok {
		t.Fatal("AAAA1111 should survive: it still has its BLE transport")
	}
	if _, has := old.Transports[LAN]; has {
		t.Fatal("AAAA1111 should have lost its LAN transport")
	}
	if _, has := old.Transports[BLE]; !has {
		t.Fatal("AAAA1111 should still have its BLE transport")
	}
}

func TestPrefixMatchMergesUnderFullID(t *testing.T) {
	r := New(30 * time.Second)
	now := time.Now()
	full := "aaaaaaaabbbbbbbbccccccccddddddddeeeeeeeeffffffff0000000011111111"

	r.Report(BLE, full, info("ble-addr", now))
	r.Report(WIFI_AWARE, full[:8], info("wifi-aware-handle", now))

	if r.Len() != 1 {
		t.Fatalf("expected prefix report to merge into the full-id peer, got %d peers", r.Len())
	}
	p, ok := r.Get(full)
	if !ok {
		t.Fatal("full id peer missing")
	}
	if len(p.Transports) != 2 {
		t.Fatalf("expected 2 transports merged under full id, got %d", len(p.Transports))
	}
}

func TestPromoteMergesTentativeIntoFull(t *testing.T) {
	r := New(30 * time.Second)
	now := time.Now()

	tentativeKey := r.Report(BLE, "", info("ble-addr", now))
	full := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	r.Promote(tentativeKey, full)

	if _, ok := r.Get(tentativeKey); ok {
		t.Fatal("tentative peer should be gone after promotion")
	}
	p, ok := r.Get(full)
	if !ok {
		t.Fatal("promoted full-id peer missing")
	}
	if !p.HandshakeCompleted {
		t.Fatal("promoted peer should be marked HandshakeCompleted")
	}
	if _, has := p.Transports[BLE]; !has {
		t.Fatal("promoted peer missing merged BLE transport")
	}
}

func TestPruneRemovesStaleTransportsAndEmptyPeers(t *testing.T) {
	r := New(10 * time.Second)
	now := time.Now()

	r.Report(BLE, "id1", info("addr1", now.Add(-time.Minute)))
	r.Report(LAN, "id2", info("addr2", now))

	r.Prune(now)

	if _, ok := r.Get("id1"); ok {
		t.Fatal("id1 should be pruned: its only transport is stale")
	}
	if _, ok := r.Get("id2"); !ok {
		t.Fatal("id2 should survive: its transport is fresh")
	}
}

func TestCandidatesForExchangeOrdersByTransportPriority(t *testing.T) {
	r := New(30 * time.Second)
	now := time.Now()

	r.Report(BLE, "id1", info("b", now))
	r.Report(WIFI_DIRECT, "id1", info("wd", now))

	cands := r.CandidatesForExchange(now)
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	if cands[0].Transport.Kind != WIFI_DIRECT {
		t.Fatalf("expected WIFI_DIRECT to win over BLE, got %v", cands[0].Transport.Kind)
	}
}

func TestCandidatesForExchangeOrdersAcrossPeersByTransportPriority(t *testing.T) {
	r := New(30 * time.Second)
	now := time.Now()

	// id1 is only reachable over BLE but was active most recently;
	// id2 is reachable over LAN but less recently active. Transport
	// priority must win over recency across peers.
	r.Report(BLE, "id1", info("b1", now))
	r.Report(LAN, "id2", info("l2", now.Add(-time.Second)))

	cands := r.CandidatesForExchange(now)
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].Key != "id2" || cands[0].Transport.Kind != LAN {
		t.Fatalf("expected id2/LAN first despite being less recently active, got %s/%v", cands[0].Key, cands[0].Transport.Kind)
	}
	if cands[1].Key != "id1" || cands[1].Transport.Kind != BLE {
		t.Fatalf("expected id1/BLE second, got %s/%v", cands[1].Key, cands[1].Transport.Kind)
	}
}

func TestCandidatesForExchangeExcludesFullyStalePeers(t *testing.T) {
	r := New(5 * time.Second)
	now := time.Now()
	r.Report(BLE, "id1", info("b", now.Add(-time.Minute)))

	cands := r.CandidatesForExchange(now)
	if len(cands) != 0 {
		t.Fatalf("expected 0 candidates for a fully stale peer, got %d", len(cands))
	}
}
