package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/rangzen-io/murmur-core/identity"
)

var identityBucket = []byte("identity")
var privateKeyKey = []byte("privateKey")

// BoltKeyStore persists the device's long-lived keypair in the same
// kind of bbolt database as MessageStore/FriendStore, satisfying
// identity.KeyStore.
type BoltKeyStore struct {
	db *bolt.DB
}

// OpenBoltKeyStore opens (creating if absent) the bbolt database at path.
func OpenBoltKeyStore(path string) (*BoltKeyStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open identity db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(identityBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init identity bucket: %w", err)
	}
	return &BoltKeyStore{db: db}, nil
}

func (s *BoltKeyStore) Close() error {
	return s.db.Close()
}

func (s *BoltKeyStore) LoadPrivateKey() (identity.PrivateKey, bool, error) {
	var (
		key   identity.PrivateKey
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(identityBucket).Get(privateKeyKey)
		if v == nil {
			return nil
		}
		if len(v) != identity.KeySize {
			return fmt.Errorf("store: corrupt private key (len %d)", len(v))
		}
		copy(key[:], v)
		found = true
		return nil
	})
	return key, found, err
}

func (s *BoltKeyStore) SavePrivateKey(key identity.PrivateKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identityBucket).Put(privateKeyKey, key[:])
	})
}
