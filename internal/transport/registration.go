package transport

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/emberlink/hostd/internal/wire"
)

// ErrMalformedRegistration is returned when a registration-family packet is
// shorter than its fixed fields require or carries the wrong control byte.
var ErrMalformedRegistration = errors.New("transport: malformed registration packet")

// Registration is the direct-mode registration packet: §4.5/§6's
// `0xFE | client_listen_port:u16 be | user_id:utf8`.
type Registration struct {
	ListenPort uint16
	UserID     string
}

// EncodeRegistration builds the direct-mode registration packet a client
// sends over the control stream.
func EncodeRegistration(listenPort uint16, userID string) []byte {
	buf := make([]byte, 1+2+len(userID))
	buf[0] = byte(wire.ControlRegistration)
	binary.BigEndian.PutUint16(buf[1:3], listenPort)
	copy(buf[3:], userID)
	return buf
}

// DecodeRegistration parses a direct-mode registration packet received on
// the control stream.
func DecodeRegistration(data []byte) (Registration, error) {
	if len(data) < 3 || ControlByteOf(data) != wire.ControlRegistration {
		return Registration{}, ErrMalformedRegistration
	}
	return Registration{
		ListenPort: binary.BigEndian.Uint16(data[1:3]),
		UserID:     string(data[3:]),
	}, nil
}

// RelayRegistration is the relay-mode registration packet carried as the
// payload of a TURN-relayed datagram: §4.5/§6's
// `0xFE | client_listen_port:u16 be | relay_ip:utf8 \0 | relay_port:u16 be | user_id:utf8`.
type RelayRegistration struct {
	ListenPort uint16
	RelayIP    string
	RelayPort  uint16
	UserID     string
}

// EncodeRelayRegistration builds the relay-mode registration packet.
func EncodeRelayRegistration(listenPort uint16, relayIP string, relayPort uint16, userID string) []byte {
	buf := make([]byte, 0, 1+2+len(relayIP)+1+2+len(userID))
	buf = append(buf, byte(wire.ControlRegistration))
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], listenPort)
	buf = append(buf, portBuf[:]...)
	buf = append(buf, []byte(relayIP)...)
	buf = append(buf, 0)
	binary.BigEndian.PutUint16(portBuf[:], relayPort)
	buf = append(buf, portBuf[:]...)
	buf = append(buf, []byte(userID)...)
	return buf
}

// DecodeRelayRegistration parses a relay-mode registration packet received
// through the TURN actor's data handler.
func DecodeRelayRegistration(data []byte) (RelayRegistration, error) {
	if len(data) < 3 || ControlByteOf(data) != wire.ControlRegistration {
		return RelayRegistration{}, ErrMalformedRegistration
	}
	listenPort := binary.BigEndian.Uint16(data[1:3])
	rest := data[3:]

	nul := bytes.IndexByte(rest, 0)
	if nul < 0 {
		return RelayRegistration{}, ErrMalformedRegistration
	}
	relayIP := string(rest[:nul])
	rest = rest[nul+1:]
	if len(rest) < 2 {
		return RelayRegistration{}, ErrMalformedRegistration
	}
	relayPort := binary.BigEndian.Uint16(rest[:2])
	userID := string(rest[2:])

	return RelayRegistration{
		ListenPort: listenPort,
		RelayIP:    relayIP,
		RelayPort:  relayPort,
		UserID:     userID,
	}, nil
}

// ControlByteOf returns the leading control byte of a non-fragment control
// message, or 0 if data is empty.
func ControlByteOf(data []byte) wire.ControlByte {
	if len(data) == 0 {
		return 0
	}
	return wire.ControlByte(data[0])
}

// EncodeAuthResult builds the server's `0xAA | status` response.
func EncodeAuthResult(approved bool) []byte {
	status := byte(0x00)
	if approved {
		status = 0x01
	}
	return []byte{byte(wire.ControlAuthResult), status}
}

// DecodeAuthResult parses an auth-result packet.
func DecodeAuthResult(data []byte) (approved bool, err error) {
	if len(data) != 2 || ControlByteOf(data) != wire.ControlAuthResult {
		return false, ErrMalformedRegistration
	}
	return data[1] == 0x01, nil
}

// EncodeDisconnect builds the bare disconnect byte.
func EncodeDisconnect() []byte {
	return []byte{byte(wire.ControlDisconnect)}
}

// EncodeECDHMessage wraps a 33-byte public-key message with its control byte.
func EncodeECDHMessage(pubKeyMsg []byte) []byte {
	out := make([]byte, 1+len(pubKeyMsg))
	out[0] = byte(wire.ControlECDHHandshake)
	copy(out[1:], pubKeyMsg)
	return out
}

// DecodeECDHMessage strips the control byte from a received ECDH handshake
// message, returning the raw 33-byte public-key payload.
func DecodeECDHMessage(data []byte) ([]byte, error) {
	if len(data) < 2 || ControlByteOf(data) != wire.ControlECDHHandshake {
		return nil, ErrMalformedRegistration
	}
	return data[1:], nil
}
