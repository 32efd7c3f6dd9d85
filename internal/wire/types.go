// Package wire implements the custom fragmented-datagram protocol: a
// 17-byte fragment header, the typed packet catalog, encryption handoff,
// and adaptive inter-fragment pacing. Grounded on the teacher's
// encoding/binary + net.UDPConn idiom (no equivalent in the teacher itself,
// which streams over pion/webrtc data channels; the raw fragmented-UDP
// style instead follows the retrieved FPV UDP sender reference).
package wire

import "encoding/binary"

// PacketType is the first byte of a fragment header.
type PacketType byte

const (
	PacketVPS             PacketType = 0x00
	PacketSPS             PacketType = 0x01
	PacketPPS             PacketType = 0x02
	PacketVideoFrame      PacketType = 0x03 // predicted (P) frame
	PacketKeyFrame        PacketType = 0x04
	PacketFECParity       PacketType = 0x07
	PacketMetadata        PacketType = 0x08
	PacketHandshake       PacketType = 0x09
	PacketOmniscientState PacketType = 0x50
)

// ControlByte identifies an unfragmented message on the control channel.
type ControlByte byte

const (
	ControlRegistration      ControlByte = 0xFE
	ControlKeyFrameRequest   ControlByte = 0xFC
	ControlKeyFrameRequestRelay ControlByte = 0xFD
	ControlDisconnect        ControlByte = 0xFF
	ControlAuthResult        ControlByte = 0xAA
	ControlLegacyKeyExchange ControlByte = 0xAB
	ControlECDHHandshake     ControlByte = 0xEC
	ControlPing              ControlByte = 0xEE
	ControlPong              ControlByte = 0xEF
)

// HeaderSize is the fixed fragment header length in bytes:
// type(1) + timestamp(8) + total_fragments(4) + fragment_index(4).
const HeaderSize = 17

// MaxFragmentDirect and MaxFragmentRelay are the post-encryption wire unit
// ceilings, chosen so the datagram stays under the minimum IPv6 MTU after
// TURN Channel-Data framing (relay) or direct UDP/IP headers (direct).
const (
	MaxFragmentDirect = 1400
	MaxFragmentRelay  = 1100
)

// sealOverhead is the 16-byte Poly1305 tag the Encrypter appends to each
// sealed fragment payload.
const sealOverhead = 16

// MaxPayloadSize returns the largest plaintext payload a single fragment can
// carry for the given mode, leaving room for the header and the seal tag.
func MaxPayloadSize(relay bool) int {
	if relay {
		return MaxFragmentRelay - HeaderSize - sealOverhead
	}
	return MaxFragmentDirect - HeaderSize - sealOverhead
}

// Header is one fragment's framing metadata.
type Header struct {
	Type           PacketType
	Timestamp      uint64
	TotalFragments uint32
	FragmentIndex  uint32
}

// Encode writes the 17-byte wire header into dst, which must be at least
// HeaderSize long.
func (h Header) Encode(dst []byte) {
	dst[0] = byte(h.Type)
	binary.BigEndian.PutUint64(dst[1:9], h.Timestamp)
	binary.BigEndian.PutUint32(dst[9:13], h.TotalFragments)
	binary.BigEndian.PutUint32(dst[13:17], h.FragmentIndex)
}

// DecodeHeader parses a 17-byte wire header from src.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Type:           PacketType(src[0]),
		Timestamp:      binary.BigEndian.Uint64(src[1:9]),
		TotalFragments: binary.BigEndian.Uint32(src[9:13]),
		FragmentIndex:  binary.BigEndian.Uint32(src[13:17]),
	}, nil
}
