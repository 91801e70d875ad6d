// Package store implements the crash-safe message and friend
// persistence the exchange engine reads and writes. Grounded on
// go-mcast's types.Storage interface shape (opaque Set/Get over
// entries) and backed concretely by go.etcd.io/bbolt, the embedded
// single-writer/multi-reader KV store already present in the
// corpus's dependency graph (chaitanyaphalak-go-mcast's go.mod
// replaces coreos/bbolt with go.etcd.io/bbolt). A secondary in-memory
// ordering index uses github.com/google/btree, inherited from the
// teacher's own go.mod, so candidates_for_exchange never needs a full
// bucket scan.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	bolt "go.etcd.io/bbolt"
)

var messagesBucket = []byte("messages")

// Message mirrors spec.md §3's Message record. Invariants: MessageID
// unique in the store; TrustScore monotonically non-decreasing under
// UpdateTrust; Text never mutated after Insert.
type Message struct {
	MessageID  string  `json:"messageId"`
	Text       string  `json:"text"`
	Timestamp  int64   `json:"timestamp"`
	HopCount   uint32  `json:"hopCount"`
	Priority   uint8   `json:"priority"`
	TrustScore float64 `json:"trustScore"`
}

// orderKey is the btree element backing candidates_for_exchange's
// ordering: trustScore desc, then priority desc, then recency
// (timestamp desc), then messageId for a total order.
type orderKey struct {
	trustScore float64
	priority   uint8
	timestamp  int64
	messageID  string
}

func orderKeyLess(a, b orderKey) bool {
	if a.trustScore != b.trustScore {
		return a.trustScore > b.trustScore
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.timestamp != b.timestamp {
		return a.timestamp > b.timestamp
	}
	return a.messageID < b.messageID
}

// MessageStore is a persistent, trust-scored, deduplicated set of
// messages. Multi-reader, single-writer: Insert/UpdateTrust take the
// write lock; CandidatesForExchange takes the read lock; Get takes no
// lock and reads through a bbolt read transaction only.
type MessageStore struct {
	db *bolt.DB

	mu      sync.RWMutex
	index   *btree.BTreeG[orderKey]
	keyOf   map[string]orderKey // messageId -> current order key, for removal before re-insert
	minTrust float64           // installer-configured minimum-trust gate (common_friends == 0)
}

// OpenMessageStore opens (creating if absent) the bbolt database at
// path and rebuilds the in-memory ordering index from it.
func OpenMessageStore(path string, minTrust float64) (*MessageStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open message db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init message bucket: %w", err)
	}

	s := &MessageStore{
		db:       db,
		index:    btree.NewG(32, orderKeyLess),
		keyOf:    make(map[string]orderKey),
		minTrust: minTrust,
	}

	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		return b.ForEach(func(_, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			s.indexLocked(msg)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: rebuild index: %w", err)
	}

	return s, nil
}

func (s *MessageStore) Close() error {
	return s.db.Close()
}

// indexLocked must be called with s.mu held for writing.
func (s *MessageStore) indexLocked(msg Message) {
	if old, ok := s.keyOf[msg.MessageID]; ok {
		s.index.Delete(old)
	}
	key := orderKey{
		trustScore: msg.TrustScore,
		priority:   msg.Priority,
		timestamp:  msg.Timestamp,
		messageID:  msg.MessageID,
	}
	s.index.ReplaceOrInsert(key)
	s.keyOf[msg.MessageID] = key
}

func (s *MessageStore) put(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).Put([]byte(msg.MessageID), data)
	})
}

// Insert adds msg to the store. Rejected if Text is empty; idempotent
// on MessageID collision (a second Insert of the same id is a no-op,
// it never reverts a trust score raised since via UpdateTrust).
func (s *MessageStore) Insert(msg Message) error {
	if msg.Text == "" {
		return errors.New("store: message text must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keyOf[msg.MessageID]; exists {
		return nil
	}

	if err := s.put(msg); err != nil {
		return err
	}
	s.indexLocked(msg)
	return nil
}

// Get returns the stored message for id, if present.
func (s *MessageStore) Get(id string) (Message, bool, error) {
	var (
		msg   Message
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(messagesBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &msg)
	})
	return msg, found, err
}

// UpdateTrust sets id's trust score to max(old, newTrust); it never
// decreases a message's trust. No-op if id is unknown.
func (s *MessageStore) UpdateTrust(id string, newTrust float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msg Message
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(messagesBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &msg)
	})
	if err != nil || !found {
		return err
	}

	if newTrust <= msg.TrustScore {
		return nil
	}
	msg.TrustScore = newTrust

	if err := s.put(msg); err != nil {
		return err
	}
	s.indexLocked(msg)
	return nil
}

// CandidatesForExchange returns up to limit messages ordered by
// trustScore desc, then priority desc, then recency. When
// commonFriends == 0, only messages at or above the installer's
// minimum-trust gate are eligible.
func (s *MessageStore) CandidatesForExchange(commonFriends uint32, limit uint32) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit == 0 {
		return nil, nil
	}

	ids := make([]string, 0, limit)
	s.index.Ascend(func(k orderKey) bool {
		if commonFriends == 0 && k.trustScore < s.minTrust {
			// Primary order key is trustScore desc: once below the
			// gate, every remaining entry is too.
			return false
		}
		ids = append(ids, k.messageID)
		return uint32(len(ids)) < limit
	})

	out := make([]Message, 0, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		for _, id := range ids {
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			out = append(out, msg)
		}
		return nil
	})
	return out, err
}
