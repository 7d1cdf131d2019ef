package wire

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// Retry token wire layout. The authenticated portion travels in the
// clear and doubles as AEAD additional data; the encrypted portion is
// sealed under the library's stateless retry key. The total size is
// fixed so a received token can be rejected on length alone.
const (
	retryTokenTimestampLength = 8
	retryTokenAddrLength      = 16 + 2 // IPv6-mapped address + port
	RetryTokenPlainLength     = retryTokenAddrLength + MaxCIDLength + 1
	RetryTokenTagLength       = 16
	RetryTokenLength          = retryTokenTimestampLength + RetryTokenPlainLength + RetryTokenTagLength
)

var errRetryTokenCorrupt = errors.New("retry token contents corrupt")

// RetryToken is the decoded form of a retry token.
type RetryToken struct {
	// TimestampMs is milliseconds since the Unix epoch, authenticated
	// but not encrypted.
	TimestampMs int64
	// RemoteAddress is the client tuple the token was issued to.
	RemoteAddress netip.AddrPort
	// OrigCID is the destination CID from the Initial that triggered
	// the Retry.
	OrigCID []byte
}

// AppendAuthenticated appends the cleartext (AAD) portion.
func (t *RetryToken) AppendAuthenticated(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(t.TimestampMs))
}

// AppendPlaintext appends the portion to be encrypted. The CID field is
// fixed width with the length carried in the trailing byte.
func (t *RetryToken) AppendPlaintext(b []byte) []byte {
	addr := t.RemoteAddress.Addr().As16()
	b = append(b, addr[:]...)
	b = binary.BigEndian.AppendUint16(b, t.RemoteAddress.Port())
	var cid [MaxCIDLength]byte
	copy(cid[:], t.OrigCID)
	b = append(b, cid[:]...)
	return append(b, byte(len(t.OrigCID)))
}

// ParseRetryToken reconstructs a token from its cleartext portion and
// the decrypted plaintext.
func ParseRetryToken(authenticated, plaintext []byte) (RetryToken, error) {
	var t RetryToken
	if len(authenticated) != retryTokenTimestampLength || len(plaintext) != RetryTokenPlainLength {
		return t, errRetryTokenCorrupt
	}
	t.TimestampMs = int64(binary.BigEndian.Uint64(authenticated))

	var addr16 [16]byte
	copy(addr16[:], plaintext[:16])
	port := binary.BigEndian.Uint16(plaintext[16:18])
	ip := netip.AddrFrom16(addr16)
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	t.RemoteAddress = netip.AddrPortFrom(ip, port)

	cidLen := int(plaintext[RetryTokenPlainLength-1])
	if cidLen > MaxCIDLength {
		return t, errRetryTokenCorrupt
	}
	t.OrigCID = append([]byte(nil), plaintext[retryTokenAddrLength:retryTokenAddrLength+cidLen]...)
	return t, nil
}
