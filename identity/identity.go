// Package identity manages the process-wide device keypair and its
// derived publicId, persisted across restarts.
//
// Grounded on the teacher's wgcfg.PrivateKey/PublicKey (curve25519,
// clamped scalar, constant-time equality) and device.go's
// staticIdentity (create-or-load, guarded by a single mutex).
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

// PrivateKey is a clamped curve25519 scalar.
type PrivateKey [KeySize]byte

// PublicKey is a curve25519 group element.
type PublicKey [KeySize]byte

func (k PrivateKey) IsZero() bool {
	var zero PrivateKey
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

func (k *PrivateKey) clamp() {
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
}

// NewPrivateKey generates a fresh, clamped curve25519 secret key.
func NewPrivateKey() (PrivateKey, error) {
	var pk PrivateKey
	if _, err := rand.Read(pk[:]); err != nil {
		return PrivateKey{}, err
	}
	pk.clamp()
	return pk, nil
}

// Public derives the matching public key.
func (k PrivateKey) Public() PublicKey {
	if k.IsZero() {
		return PublicKey{}
	}
	var p [KeySize]byte
	curve25519.ScalarBaseMult(&p, (*[KeySize]byte)(&k))
	return PublicKey(p)
}

func (k PublicKey) Equals(o PublicKey) bool {
	return subtle.ConstantTimeCompare(k[:], o[:]) == 1
}

func (k PublicKey) Hex() string { return hex.EncodeToString(k[:]) }

// PublicId is hex(SHA-256(publicKey)) — the stable 64-char identifier
// peers correlate on. See Identity.PublicIdPrefix for the 8-char
// truncated form used where transport payload size forbids the full
// value.
func (k PublicKey) PublicId() string {
	sum := sha256.Sum256(k[:])
	return hex.EncodeToString(sum[:])
}

// KeyStore persists a single device keypair across process restarts.
// A real embedding application backs this with its platform key store;
// store.BoltKeyStore is the default for this module.
type KeyStore interface {
	LoadPrivateKey() (PrivateKey, bool, error)
	SavePrivateKey(PrivateKey) error
}

// Identity is the process-wide DeviceIdentity: a long-lived keypair
// plus its derived publicId, created or loaded once and reused for the
// life of the process.
type Identity struct {
	mu         sync.RWMutex
	privateKey PrivateKey
	publicKey  PublicKey
	publicId   string
}

// Init creates or loads the persistent keypair from store. It is safe
// to call once at process start; the resulting Identity is shared by
// every session the scheduler drives.
func Init(store KeyStore) (*Identity, error) {
	if store == nil {
		return nil, errors.New("identity: nil key store")
	}

	sk, ok, err := store.LoadPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: load key: %w", err)
	}
	if !ok {
		sk, err = NewPrivateKey()
		if err != nil {
			return nil, fmt.Errorf("identity: generate key: %w", err)
		}
		if err := store.SavePrivateKey(sk); err != nil {
			return nil, fmt.Errorf("identity: persist key: %w", err)
		}
	}

	pub := sk.Public()
	return &Identity{
		privateKey: sk,
		publicKey:  pub,
		publicId:   pub.PublicId(),
	}, nil
}

// PublicId returns the stable 64-char hex identifier for this device.
func (id *Identity) PublicId() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.publicId
}

// PublicIdPrefix returns the first 8 hex chars, used on transports
// whose payload size forbids the full 64-char publicId.
func (id *Identity) PublicIdPrefix() string {
	p := id.PublicId()
	if len(p) < 8 {
		return p
	}
	return p[:8]
}

func (id *Identity) PrivateKey() PrivateKey {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.privateKey
}

func (id *Identity) PublicKey() PublicKey {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.publicKey
}
