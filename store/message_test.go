package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, minTrust float64) *MessageStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.db")
	s, err := OpenMessageStore(path, minTrust)
	if err != nil {
		t.Fatalf("OpenMessageStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertRejectsEmptyText(t *testing.T) {
	s := openTestStore(t, 0)
	err := s.Insert(Message{MessageID: "a", Text: ""})
	if err == nil {
		t.Fatal("expected error inserting empty-text message")
	}
}

func TestInsertIdempotentOnCollision(t *testing.T) {
	s := openTestStore(t, 0)
	msg := Message{MessageID: "a", Text: "hello", TrustScore: 0.2}
	if err := s.Insert(msg); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTrust("a", 0.9); err != nil {
		t.Fatal(err)
	}

	// Re-inserting the same id must not revert the trust raised above.
	if err := s.Insert(msg); err != nil {
		t.Fatal(err)
	}
	got, found, err := s.Get("a")
	if err != nil || !found {
		t.Fatalf("Get: %v found=%v", err, found)
	}
	if got.TrustScore != 0.9 {
		t.Fatalf("trust score reverted: got %v, want 0.9", got.TrustScore)
	}
}

func TestTrustMonotonicity(t *testing.T) {
	s := openTestStore(t, 0)
	if err := s.Insert(Message{MessageID: "a", Text: "hi", TrustScore: 0.5}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateTrust("a", 0.2); err != nil {
		t.Fatal(err)
	}
	got, _, _ := s.Get("a")
	if got.TrustScore != 0.5 {
		t.Fatalf("trust decreased: got %v, want 0.5", got.TrustScore)
	}

	if err := s.UpdateTrust("a", 0.7); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.Get("a")
	if got.TrustScore != 0.7 {
		t.Fatalf("trust did not raise: got %v, want 0.7", got.TrustScore)
	}
}

func TestCandidatesOrderingAndLimit(t *testing.T) {
	s := openTestStore(t, 0)
	msgs := []Message{
		{MessageID: "low", Text: "x", TrustScore: 0.1, Priority: 0, Timestamp: 1},
		{MessageID: "high", Text: "x", TrustScore: 0.9, Priority: 0, Timestamp: 1},
		{MessageID: "mid-newer", Text: "x", TrustScore: 0.5, Priority: 1, Timestamp: 10},
		{MessageID: "mid-older", Text: "x", TrustScore: 0.5, Priority: 1, Timestamp: 1},
	}
	for _, m := range msgs {
		if err := s.Insert(m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.CandidatesForExchange(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"high", "mid-newer", "mid-older", "low"}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].MessageID != id {
			t.Fatalf("position %d: got %s, want %s", i, got[i].MessageID, id)
		}
	}

	limited, err := s.CandidatesForExchange(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(limited))
	}
}

func TestCandidatesMinTrustGateWhenNoSharedFriends(t *testing.T) {
	s := openTestStore(t, 0.5)
	if err := s.Insert(Message{MessageID: "below", Text: "x", TrustScore: 0.2}); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(Message{MessageID: "above", Text: "x", TrustScore: 0.8}); err != nil {
		t.Fatal(err)
	}

	got, err := s.CandidatesForExchange(0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].MessageID != "above" {
		t.Fatalf("expected only the above-gate message, got %+v", got)
	}

	// With shared friends, the gate does not apply.
	got, err = s.CandidatesForExchange(3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both messages with shared friends present, got %d", len(got))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.db")
	s, err := OpenMessageStore(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(Message{MessageID: "a", Text: "hi", TrustScore: 0.4}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := OpenMessageStore(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, found, err := s2.Get("a")
	if err != nil || !found {
		t.Fatalf("Get after reopen: %v found=%v", err, found)
	}
	if got.TrustScore != 0.4 {
		t.Fatalf("trust score not persisted: got %v", got.TrustScore)
	}

	candidates, err := s2.CandidatesForExchange(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 1 {
		t.Fatalf("index not rebuilt on reopen: got %d candidates", len(candidates))
	}
}
