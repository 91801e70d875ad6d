// Package legacy drives the four-phase length-prefixed BLE dialogue
// described in spec.md §4.6: Friends → PSI server-reply → exchange-info
// → message rounds.
//
// Grounded on the teacher's device/send.go staged-pipeline shape (each
// phase is a small, sequential step reading and writing through the
// same connection) generalized from WireGuard's single noise handshake
// to this protocol's four request/response phases, each driven through
// wire.go's length-prefixed JSON codec.
package legacy

import (
	"context"
	"encoding/base64"

	"github.com/rangzen-io/murmur-core/config"
	"github.com/rangzen-io/murmur-core/coreerr"
	"github.com/rangzen-io/murmur-core/psi"
	"github.com/rangzen-io/murmur-core/store"
	"github.com/rangzen-io/murmur-core/transport"
	"github.com/rangzen-io/murmur-core/trustmath"
)

// Result summarizes one completed dialogue for the scheduler's backoff
// bookkeeping.
type Result struct {
	CommonFriends    uint32
	MessagesSent     uint32
	MessagesReceived uint32
}

// Run drives one legacy dialogue to completion over handle, a single
// bidirectional session (a BLE GATT pipe, concretely). Both sides run
// this same function; the initiator flag only affects tiebreak
// decisions made upstream in the scheduler, not the dialogue itself —
// every phase here is already symmetric request/response. Every frame
// read or write is bound to ctx, so a stalled peer mid-frame is
// cancellable exactly like the framed protocol's sessions.
func Run(ctx context.Context, handle transport.SessionHandle, cfg config.Config, friends *store.FriendStore, messages *store.MessageStore, noise trustmath.NoiseSource) (*Result, error) {
	if noise == nil {
		noise = trustmath.ZeroNoise
	}

	localFriends, err := friends.All()
	if err != nil {
		return nil, coreerr.New(coreerr.StoreFailure, err)
	}
	mine, err := friends.Count()
	if err != nil {
		return nil, coreerr.New(coreerr.StoreFailure, err)
	}

	// Phase 1: Friends.
	var client *psi.ClientPSI
	var ownBlinded [][]byte
	if cfg.UseTrust {
		client, err = psi.PsiLocal(localFriends)
		if err != nil {
			return nil, coreerr.New(coreerr.CryptoFailure, err)
		}
		ownBlinded = client.EncodeBlindedItems()
	}

	var peerFriends FriendsFrame
	if err := exchangeFrame(ctx, handle, FriendsFrame{Blinded: encodeAll(ownBlinded)}, &peerFriends); err != nil {
		return nil, coreerr.New(coreerr.ProtocolError, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, coreerr.New(coreerr.Cancelled, err)
	}

	var commonFriends uint32
	if cfg.UseTrust && len(peerFriends.Blinded) > 0 {
		peerBlinded, err := decodeAll(peerFriends.Blinded)
		if err != nil {
			return nil, coreerr.New(coreerr.ProtocolError, err)
		}

		// Phase 2: server reply.
		ownReply, err := psi.PsiReply(localFriends, peerBlinded)
		if err != nil {
			return nil, coreerr.New(coreerr.CryptoFailure, err)
		}

		var peerReplyFrame ServerReplyFrame
		outFrame := ServerReplyFrame{
			Double: encodeAll(ownReply.DoubleBlinded),
			Hashed: encodeAll(ownReply.HashedBlinded),
		}
		if err := exchangeFrame(ctx, handle, outFrame, &peerReplyFrame); err != nil {
			return nil, coreerr.New(coreerr.ProtocolError, err)
		}

		peerDouble, err := decodeAll(peerReplyFrame.Double)
		if err != nil {
			return nil, coreerr.New(coreerr.ProtocolError, err)
		}
		peerHashed, err := decodeAll(peerReplyFrame.Hashed)
		if err != nil {
			return nil, coreerr.New(coreerr.ProtocolError, err)
		}

		commonFriends, err = client.GetCardinality(&psi.ServerReply{DoubleBlinded: peerDouble, HashedBlinded: peerHashed})
		if err != nil {
			return nil, coreerr.New(coreerr.CryptoFailure, err)
		}
	}

	if cfg.UseTrust && commonFriends < cfg.MinSharedContactsForExchange {
		return nil, coreerr.New(coreerr.PeerRejected, nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, coreerr.New(coreerr.Cancelled, err)
	}

	// Phase 3: exchange info.
	candidates, err := messages.CandidatesForExchange(commonFriends, cfg.MaxMessagesPerExchange)
	if err != nil {
		return nil, coreerr.New(coreerr.StoreFailure, err)
	}
	localCount := uint32(len(candidates))

	var peerInfo ExchangeInfoFrame
	if err := exchangeFrame(ctx, handle, ExchangeInfoFrame{Count: localCount}, &peerInfo); err != nil {
		return nil, coreerr.New(coreerr.ProtocolError, err)
	}

	peerCount := peerInfo.Count
	if peerCount > cfg.MaxMessagesPerExchange {
		peerCount = cfg.MaxMessagesPerExchange
	}
	rounds := localCount
	if peerCount > rounds {
		rounds = peerCount
	}

	// Phase 4: message rounds.
	result := &Result{CommonFriends: commonFriends}
	for i := uint32(0); i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return result, coreerr.New(coreerr.Cancelled, err)
		}

		var outgoing RoundFrame
		if i < localCount {
			msg := candidates[i]
			outgoing.Msgs = []WireMessage{{
				MessageID:     msg.MessageID,
				Text:          msg.Text,
				Timestamp:     msg.Timestamp,
				HopCount:      msg.HopCount,
				Priority:      msg.Priority,
				TrustScore:    msg.TrustScore,
				SharedFriends: commonFriends,
				SenderFriends: mine,
			}}
		}

		var incoming RoundFrame
		if err := exchangeFrame(ctx, handle, outgoing, &incoming); err != nil {
			return result, coreerr.New(coreerr.ProtocolError, err)
		}
		if len(outgoing.Msgs) > 0 {
			result.MessagesSent++
		}

		for _, wm := range incoming.Msgs {
			if err := mergeIncoming(messages, wm, mine, noise); err != nil {
				return result, coreerr.New(coreerr.StoreFailure, err)
			}
			result.MessagesReceived++
		}
	}

	return result, nil
}

// mergeIncoming applies spec.md §4.6's merge rule: update trust on an
// existing message, or insert a new one (never inserting empty text).
func mergeIncoming(messages *store.MessageStore, wm WireMessage, mine uint32, noise trustmath.NoiseSource) error {
	existing, found, err := messages.Get(wm.MessageID)
	if err != nil {
		return err
	}
	if found {
		newTrust := trustmath.NewPriority(wm.TrustScore, existing.TrustScore, wm.SharedFriends, mine, noise)
		return messages.UpdateTrust(wm.MessageID, newTrust)
	}
	if wm.Text == "" {
		return nil
	}
	initialTrust := trustmath.NewPriority(wm.TrustScore, 0, wm.SharedFriends, mine, noise)
	return messages.Insert(store.Message{
		MessageID:  wm.MessageID,
		Text:       wm.Text,
		Timestamp:  wm.Timestamp,
		HopCount:   wm.HopCount,
		Priority:   wm.Priority,
		TrustScore: initialTrust,
	})
}

// ctxConn adapts a context-scoped transport.SessionHandle to the
// plain io.Reader/io.Writer that wire.go's frame codec operates on,
// mirroring exchange/framed's adapter of the same name so a stalled
// peer's Read/Write can be unblocked by ctx's deadline or cancellation
// instead of hanging Run forever.
type ctxConn struct {
	ctx    context.Context
	handle transport.SessionHandle
}

func (c ctxConn) Read(b []byte) (int, error)  { return c.handle.Read(c.ctx, b) }
func (c ctxConn) Write(b []byte) (int, error) { return c.handle.Write(c.ctx, b) }

// exchangeFrame writes outgoing and reads incoming concurrently so
// neither side's blocking Write can deadlock against the other side's
// blocking Write on a strictly half-duplex transport. Both sides of
// the I/O are bound to ctx via ctxConn.
func exchangeFrame(ctx context.Context, handle transport.SessionHandle, outgoing interface{}, incoming interface{}) error {
	conn := ctxConn{ctx, handle}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- WriteFrame(conn, outgoing)
	}()

	readErr := ReadFrame(conn, incoming)
	if err := <-writeErr; err != nil {
		return err
	}
	return readErr
}

func encodeAll(items [][]byte) []string {
	if items == nil {
		return nil
	}
	out := make([]string, len(items))
	for i, b := range items {
		out[i] = base64.StdEncoding.EncodeToString(b)
	}
	return out
}

func decodeAll(items []string) ([][]byte, error) {
	if items == nil {
		return nil, nil
	}
	out := make([][]byte, len(items))
	for i, s := range items {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
