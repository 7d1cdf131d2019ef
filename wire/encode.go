package wire

import (
	"crypto/rand"
	"encoding/binary"
)

// EncodeVersionNegotiation builds a Version Negotiation packet echoing
// the peer's CIDs. destCID must be the peer's source CID and srcCID the
// peer's destination CID. reserved is the binding's random reserved
// version; it precedes the supported version list. The version values
// in the payload are little-endian.
func EncodeVersionNegotiation(destCID, srcCID []byte, reserved Version, supported []Version) []byte {
	var r [1]byte
	_, _ = rand.Read(r[:])

	out := make([]byte, 0,
		1+4+1+len(destCID)+1+len(srcCID)+4*(1+len(supported)))
	out = append(out, headerFormBit|(0x7f&r[0]))
	out = binary.BigEndian.AppendUint32(out, VersionNegotiationSentinel)
	out = append(out, byte(len(destCID)))
	out = append(out, destCID...)
	out = append(out, byte(len(srcCID)))
	out = append(out, srcCID...)
	out = binary.LittleEndian.AppendUint32(out, reserved)
	for _, v := range supported {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return out
}

// MaxRetryPacketLength bounds the size of an encoded Retry packet.
const MaxRetryPacketLength = 1 + 4 + 1 + MaxCIDLength + 1 + MaxCIDLength + 1 + MaxCIDLength + RetryTokenLength

// EncodeRetryV1 builds a Retry packet. destCID must be the client's
// source CID, srcCID the server-chosen CID the client must use next,
// and origDestCID the destination CID from the triggering Initial,
// carried so the client can bind the token to its original attempt.
func EncodeRetryV1(version Version, destCID, srcCID, origDestCID, token []byte) []byte {
	var r [1]byte
	_, _ = rand.Read(r[:])

	out := make([]byte, 0,
		1+4+1+len(destCID)+1+len(srcCID)+1+len(origDestCID)+len(token))
	out = append(out, headerFormBit|fixedBit|PacketTypeRetry<<4|(r[0]&0x0f))
	out = binary.BigEndian.AppendUint32(out, version)
	out = append(out, byte(len(destCID)))
	out = append(out, destCID...)
	out = append(out, byte(len(srcCID)))
	out = append(out, srcCID...)
	out = append(out, byte(len(origDestCID)))
	out = append(out, origDestCID...)
	out = append(out, token...)
	return out
}

// EncodeInitialV1 builds the header and body of an Initial packet with
// the given token and payload. Used by tests and diagnostic tooling;
// the payload is carried as-is.
func EncodeInitialV1(version Version, destCID, srcCID, token, payload []byte) []byte {
	out := make([]byte, 0,
		1+4+1+len(destCID)+1+len(srcCID)+8+len(token)+8+len(payload))
	out = append(out, headerFormBit|fixedBit|PacketTypeInitial<<4)
	out = binary.BigEndian.AppendUint32(out, version)
	out = append(out, byte(len(destCID)))
	out = append(out, destCID...)
	out = append(out, byte(len(srcCID)))
	out = append(out, srcCID...)
	out = AppendVarInt(out, uint64(len(token)))
	out = append(out, token...)
	out = AppendVarInt(out, uint64(len(payload)))
	out = append(out, payload...)
	return out
}
