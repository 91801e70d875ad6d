// Package psi implements the private-set-intersection-cardinality
// (PSI-Ca) handshake used by the friendship test: both sides learn
// |A ∩ B| and nothing else about each other's friend set.
//
// The scheme is classic commutative-encryption PSI (Huberman/Franklin/
// Hogg-style): each side blinds its items with a private scalar,
// exchanges blinded items, blinds the peer's items again with its own
// scalar ("double" blinding), and unblinds its own scalar back out to
// compare against the peer's singly-blinded-then-hashed items. The
// blinding operation is elliptic-curve scalar multiplication on the
// NIST P-256 group (crypto/elliptic), chosen over
// golang.org/x/crypto/curve25519's X25519 because X25519 always clamps
// its scalar (RFC 7748 §5) and therefore does not expose the
// invertible-scalar arithmetic this trapdoor construction needs —
// crypto/elliptic's P-256 is a genuine prime-order group where any
// nonzero scalar has a modular inverse via math/big, giving the exact
// commutative-and-invertible blinding PSI-Ca requires. See DESIGN.md
// for the full justification of this one stdlib-backed exception.
package psi

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"math/big"
)

var curve = elliptic.P256()

// Sha256Hex returns hex(SHA-256(data)).
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hashToScalar maps an arbitrary item to a nonzero scalar mod the
// curve's group order, used as the exponent for the item's base point.
func hashToScalar(item []byte) *big.Int {
	sum := sha256.Sum256(item)
	t := new(big.Int).SetBytes(sum[:])
	n := curve.Params().N
	t.Mod(t, n)
	if t.Sign() == 0 {
		t.SetInt64(1)
	}
	return t
}

// pointFromItem maps an item to a curve point: H(item) * G.
func pointFromItem(item []byte) (x, y *big.Int) {
	return curve.ScalarBaseMult(hashToScalar(item).Bytes())
}

func randomScalar() (*big.Int, error) {
	n := curve.Params().N
	for {
		k, err := rand.Int(rand.Reader, n)
		if err != nil {
			return nil, err
		}
		if k.Sign() != 0 {
			return k, nil
		}
	}
}

func blindPoint(scalar *big.Int, x, y *big.Int) (bx, by *big.Int) {
	return curve.ScalarMult(x, y, scalar.Bytes())
}

func marshalPoint(x, y *big.Int) []byte {
	return elliptic.MarshalCompressed(curve, x, y)
}

func unmarshalPoint(data []byte) (x, y *big.Int, err error) {
	x, y = elliptic.UnmarshalCompressed(curve, data)
	if x == nil {
		return nil, nil, errors.New("psi: invalid curve point")
	}
	return x, y, nil
}

// ClientPSI holds one side's local PSI-Ca state for a single exchange
// session: its own friend set and a fresh, session-scoped blind
// factor. A new ClientPSI must be created per session — the blind
// factor is never reused.
type ClientPSI struct {
	blindFactor *big.Int
	items       [][]byte // own friend set, raw bytes, same order as blindedItems
	blindedItems [][]byte
}

// PsiLocal initialises a PSI-Ca context over ownFriends with a fresh
// random blind factor.
func PsiLocal(ownFriends [][]byte) (*ClientPSI, error) {
	blind, err := randomScalar()
	if err != nil {
		return nil, err
	}
	c := &ClientPSI{
		blindFactor:  blind,
		items:        ownFriends,
		blindedItems: make([][]byte, len(ownFriends)),
	}
	for i, item := range ownFriends {
		x, y := pointFromItem(item)
		bx, by := blindPoint(blind, x, y)
		c.blindedItems[i] = marshalPoint(bx, by)
	}
	return c, nil
}

// EncodeBlindedItems returns this side's singly-blinded items, ready
// to be sent to the peer in Phase 1 of the legacy dialogue (the
// `blinded` field). The framed protocol carries no PSI items.
func (c *ClientPSI) EncodeBlindedItems() [][]byte {
	out := make([][]byte, len(c.blindedItems))
	copy(out, c.blindedItems)
	return out
}

// ServerReply is what a peer computes from its own friend set and the
// blinded items it received from the other side.
type ServerReply struct {
	DoubleBlinded [][]byte // peer's items, blinded by both sides
	HashedBlinded [][]byte // this side's own items, singly blinded then hashed
}

// PsiReply computes the reply a side sends back after receiving the
// peer's blinded items: it blinds each of them again with its own
// factor (double blinding), and separately hashes its own
// singly-blinded items so the peer can match without ever learning
// this side's raw friend set.
func PsiReply(ownFriends [][]byte, blindedItemsFromPeer [][]byte) (*ServerReply, error) {
	blind, err := randomScalar()
	if err != nil {
		return nil, err
	}

	double := make([][]byte, 0, len(blindedItemsFromPeer))
	for _, b := range blindedItemsFromPeer {
		x, y, err := unmarshalPoint(b)
		if err != nil {
			continue // malformed peer input; skip rather than abort the whole exchange
		}
		bx, by := blindPoint(blind, x, y)
		double = append(double, marshalPoint(bx, by))
	}

	hashed := make([][]byte, len(ownFriends))
	for i, item := range ownFriends {
		x, y := pointFromItem(item)
		bx, by := blindPoint(blind, x, y)
		sum := sha256.Sum256(marshalPoint(bx, by))
		hashed[i] = sum[:]
	}

	return &ServerReply{DoubleBlinded: double, HashedBlinded: hashed}, nil
}

// GetCardinality computes |A ∩ B| from a ServerReply: it strips this
// side's own blind factor back out of each double-blinded entry
// (leaving this side's item blinded by the peer's factor alone),
// hashes it, and counts matches against the peer's HashedBlinded set.
func (c *ClientPSI) GetCardinality(reply *ServerReply) (uint32, error) {
	if reply == nil {
		return 0, errors.New("psi: nil server reply")
	}

	n := curve.Params().N
	invBlind := new(big.Int).ModInverse(c.blindFactor, n)
	if invBlind == nil {
		return 0, errors.New("psi: blind factor not invertible")
	}

	unblinded := make([][32]byte, 0, len(reply.DoubleBlinded))
	for _, d := range reply.DoubleBlinded {
		x, y, err := unmarshalPoint(d)
		if err != nil {
			continue
		}
		ux, uy := blindPoint(invBlind, x, y)
		unblinded = append(unblinded, sha256.Sum256(marshalPoint(ux, uy)))
	}

	// Multiset match: each peer hash consumes at most one local entry.
	used := make([]bool, len(unblinded))
	var count uint32
	for _, peerHash := range reply.HashedBlinded {
		for i, localHash := range unblinded {
			if used[i] {
				continue
			}
			if len(peerHash) == len(localHash) && subtle.ConstantTimeCompare(peerHash, localHash[:]) == 1 {
				used[i] = true
				count++
				break
			}
		}
	}
	return count, nil
}
