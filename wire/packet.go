package wire

import (
	"encoding/binary"
	"errors"
)

// Connection ID and packet size limits. These are wire invariants, not
// tunables.
const (
	MaxCIDLength        = 20
	MinInitialCIDLength = 8

	StatelessResetTokenLength       = 16
	MinStatelessResetLength         = 39
	RecommendedStatelessResetLength = 64
	StatelessResetLengthRandomness  = 8 // uniform(0..7) added to the recommended length

	minLongHeaderLength  = 1 + 4 + 1 + 1
	minShortHeaderLength = 1
)

// Long header packet types for version 1 and the v1-compatible drafts.
const (
	PacketTypeInitial   = 0x0
	PacketType0RTT      = 0x1
	PacketTypeHandshake = 0x2
	PacketTypeRetry     = 0x3
)

const (
	headerFormBit = 0x80
	fixedBit      = 0x40
	keyPhaseBit   = 0x04
)

var (
	errPacketTooShort = errors.New("packet too short")
	errCIDTooLong     = errors.New("connection ID too long")
)

// RecvPacket is the per-datagram scratch filled in by invariant
// validation. The CID slices alias the datagram buffer; they are valid
// only while the datagram is retained.
type RecvPacket struct {
	Buffer []byte

	IsShortHeader bool
	Version       Version
	DestCID       []byte
	SourceCID     []byte

	// LongHeaderType is meaningful only for long headers on a
	// supported version.
	LongHeaderType byte

	// Token is set by ValidateLongHeaderV1 on Initial packets. May be
	// empty but never nil after successful validation.
	Token []byte

	ValidatedHeaderInv bool
	ValidToken         bool
}

// Reset clears the scratch for reuse and points it at buf.
func (p *RecvPacket) Reset(buf []byte) {
	*p = RecvPacket{Buffer: buf}
}

// ValidateInvariant parses the version-independent header invariants:
// header form, CIDs and version, without requiring the version to be
// supported. For short headers the destination CID length is not
// self-describing; shortCIDLen supplies it (zero on exclusive
// bindings, which do not use CIDs).
func (p *RecvPacket) ValidateInvariant(shortCIDLen int) error {
	buf := p.Buffer
	if len(buf) < minShortHeaderLength {
		return errPacketTooShort
	}

	if buf[0]&headerFormBit == 0 {
		if len(buf) < 1+shortCIDLen {
			return errPacketTooShort
		}
		p.IsShortHeader = true
		p.DestCID = buf[1 : 1+shortCIDLen]
		p.ValidatedHeaderInv = true
		return nil
	}

	if len(buf) < minLongHeaderLength {
		return errPacketTooShort
	}
	p.Version = binary.BigEndian.Uint32(buf[1:5])
	p.LongHeaderType = (buf[0] & 0x30) >> 4

	offset := 5
	dcidLen := int(buf[offset])
	offset++
	if dcidLen > MaxCIDLength {
		return errCIDTooLong
	}
	if len(buf) < offset+dcidLen+1 {
		return errPacketTooShort
	}
	p.DestCID = buf[offset : offset+dcidLen]
	offset += dcidLen

	scidLen := int(buf[offset])
	offset++
	if scidLen > MaxCIDLength {
		return errCIDTooLong
	}
	if len(buf) < offset+scidLen {
		return errPacketTooShort
	}
	p.SourceCID = buf[offset : offset+scidLen]

	p.ValidatedHeaderInv = true
	return nil
}

// IsHandshake reports whether the packet can participate in connection
// establishment. Long header packets other than 0-RTT qualify, as do
// Version Negotiation packets; data (short header and 0-RTT) packets do
// not.
func (p *RecvPacket) IsHandshake() bool {
	if p.IsShortHeader {
		return false
	}
	if p.Version == VersionNegotiationSentinel {
		return true
	}
	return p.LongHeaderType != PacketType0RTT
}

// headerLen returns the offset just past the source CID of a validated
// long header.
func (p *RecvPacket) headerLen() int {
	return 1 + 4 + 1 + len(p.DestCID) + 1 + len(p.SourceCID)
}

// ValidateLongHeaderV1 validates the version-specific remainder of a
// long header packet and, for Initial packets, extracts the retry
// token. isServer enables the server-side minimum on the client-chosen
// destination CID. Must be called only after ValidateInvariant
// succeeded on a supported version.
func (p *RecvPacket) ValidateLongHeaderV1(isServer bool) error {
	buf := p.Buffer
	if p.IsShortHeader || !p.ValidatedHeaderInv {
		return errors.New("not a validated long header")
	}
	if buf[0]&fixedBit == 0 {
		return errors.New("fixed bit is zero")
	}
	if isServer && p.LongHeaderType == PacketTypeInitial && len(p.DestCID) < MinInitialCIDLength {
		return errors.New("initial destination CID too short")
	}

	offset := p.headerLen()
	if p.LongHeaderType == PacketTypeInitial {
		tokenLen, n, err := DecodeVarInt(buf[offset:])
		if err != nil {
			return err
		}
		offset += n
		if uint64(len(buf)-offset) < tokenLen {
			return errPacketTooShort
		}
		p.Token = buf[offset : offset+int(tokenLen)]
		offset += int(tokenLen)
	}

	length, n, err := DecodeVarInt(buf[offset:])
	if err != nil {
		return err
	}
	offset += n
	if uint64(len(buf)-offset) < length {
		return errPacketTooShort
	}
	return nil
}

// ShortHeaderKeyPhase reads the key phase bit from a short header
// packet's first byte.
func ShortHeaderKeyPhase(buf []byte) bool {
	return len(buf) > 0 && buf[0]&keyPhaseBit != 0
}
