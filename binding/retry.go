package binding

import (
	"crypto/rand"
	"fmt"
	"net/netip"

	"github.com/bridgefall/quicbind/datapath"
	"github.com/bridgefall/quicbind/wire"
)

const retryNonceLength = 12

// retryNonce derives the AEAD nonce from a CID: copy the CID into the
// nonce, XOR-folding any tail beyond the nonce length, zero-padding a
// short CID on the right.
func retryNonce(cid []byte) []byte {
	nonce := make([]byte, retryNonceLength)
	if len(cid) >= retryNonceLength {
		copy(nonce, cid[:retryNonceLength])
		for i := retryNonceLength; i < len(cid); i++ {
			nonce[i%retryNonceLength] ^= cid[i]
		}
	} else {
		copy(nonce, cid)
	}
	return nonce
}

func canonicalAddrPort(ap netip.AddrPort) netip.AddrPort {
	if ap.Addr().Is4In6() {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return ap
}

// generateRetryPacket builds a Retry answering the Initial in pkt: a
// fresh server-chosen CID, and a token binding the client address and
// its original destination CID, sealed under the library's stateless
// retry key with the timestamp as additional data.
func (b *Binding) generateRetryPacket(pkt *wire.RecvPacket, remote netip.AddrPort) ([]byte, error) {
	newCID := make([]byte, b.lib.Settings.CIDLength)
	if _, err := rand.Read(newCID); err != nil {
		return nil, fmt.Errorf("retry cid: %w", err)
	}

	token := wire.RetryToken{
		TimestampMs:   b.lib.Now().UnixMilli(),
		RemoteAddress: canonicalAddrPort(remote),
		OrigCID:       pkt.DestCID,
	}
	aad := token.AppendAuthenticated(nil)
	plaintext := token.AppendPlaintext(nil)

	sealed, err := b.lib.SealRetryToken(retryNonce(newCID), aad, plaintext)
	if err != nil {
		return nil, err
	}
	tokenWire := append(aad, sealed...)

	return wire.EncodeRetryV1(pkt.Version, pkt.SourceCID, newCID, pkt.DestCID, tokenWire), nil
}

// validateRetryToken decrypts and checks the token on a replayed
// Initial. The client echoes the server-chosen CID as its destination
// CID, so the nonce derives from pkt.DestCID.
func (b *Binding) validateRetryToken(pkt *wire.RecvPacket, dg *datapath.Datagram) bool {
	tok := pkt.Token
	if len(tok) != wire.RetryTokenLength {
		b.logDrop(DropInvalidToken, dg.Tuple.Remote, "invalid retry token length")
		return false
	}

	aad := tok[:8]
	sealed := tok[8:]
	plaintext, err := b.lib.OpenRetryToken(retryNonce(pkt.DestCID), aad, sealed)
	if err != nil {
		b.logDrop(DropInvalidToken, dg.Tuple.Remote, "retry token decryption failure")
		return false
	}

	token, err := wire.ParseRetryToken(aad, plaintext)
	if err != nil {
		b.logDrop(DropInvalidToken, dg.Tuple.Remote, "retry token contents invalid")
		return false
	}

	if token.RemoteAddress != canonicalAddrPort(dg.Tuple.Remote) {
		b.logDrop(DropTokenAddrMismatch, dg.Tuple.Remote, "retry token addr mismatch")
		return false
	}
	return true
}

// shouldRetryConnection decides, for an Initial that matched no
// connection, between validating a supplied token, demanding a Retry
// under handshake memory pressure, and proceeding to create.
func (b *Binding) shouldRetryConnection(pkt *wire.RecvPacket, dg *datapath.Datagram) (retry, drop bool) {
	if len(pkt.Token) != 0 {
		if b.validateRetryToken(pkt, dg) {
			pkt.ValidToken = true
			return false, false
		}
		return false, true
	}
	return b.lib.RetryRequired(), false
}
