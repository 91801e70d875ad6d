package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var friendsBucket = []byte("friends")

// FriendID is a normalized E.164 phone string, the friend set's key.
type FriendID string

// FriendStore is a persistent set of normalized friend identifiers,
// keyed by FriendID. Backed by the same crash-safe bbolt semantics as
// MessageStore (one commit per op, multi-reader/single-writer).
type FriendStore struct {
	db *bolt.DB
}

// OpenFriendStore opens (creating if absent) the bbolt database at path.
func OpenFriendStore(path string) (*FriendStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open friend db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(friendsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init friend bucket: %w", err)
	}
	return &FriendStore{db: db}, nil
}

func (s *FriendStore) Close() error {
	return s.db.Close()
}

// Add inserts id into the friend set. Idempotent.
func (s *FriendStore) Add(id FriendID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(friendsBucket).Put([]byte(id), []byte{1})
	})
}

// Remove deletes id from the friend set, if present.
func (s *FriendStore) Remove(id FriendID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(friendsBucket).Delete([]byte(id))
	})
}

// Contains reports whether id is a friend.
func (s *FriendStore) Contains(id FriendID) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(friendsBucket).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// All returns the raw bytes of every friend id, suitable for feeding
// directly into psi.PsiLocal/psi.PsiReply.
func (s *FriendStore) All() ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(friendsBucket)
		return b.ForEach(func(k, _ []byte) error {
			cp := make([]byte, len(k))
			copy(cp, k)
			out = append(out, cp)
			return nil
		})
	})
	return out, err
}

// Count returns the number of friends currently stored (the "mine"
// term in trustmath.Compute).
func (s *FriendStore) Count() (uint32, error) {
	var n uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(friendsBucket).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}
