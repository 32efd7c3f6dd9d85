package wire

// Sender hands one already-framed fragment to the transport. Implemented by
// internal/transport's direct-UDP and relay send paths.
type Sender interface {
	Send(fragment []byte) error
}

// Encrypter seals one fragment's payload under the session key, given its
// header so the cipher can derive a per-fragment nonce from
// (timestamp, fragment_index) instead of carrying one on the wire.
// Implemented by internal/cryptox.
type Encrypter interface {
	SealFragment(h Header, plaintext []byte) (ciphertext []byte, err error)
}

// Pacer is notified after every fragment send so the caller can apply
// adaptive inter-fragment pacing (§4.4) without the encoder needing to know
// about RTT or relay/direct mode itself.
type Pacer interface {
	Pace(fragmentIndex int, keyFrameBurst bool)
}

// burstSetter is implemented by pacers that track whether a key-frame
// parameter-set burst is in flight. SendPacket type-asserts for it rather
// than adding the method to Pacer itself so tests can keep using a bare
// Pace-only fake.
type burstSetter interface {
	SetKeyFrameBurst(inFlight bool)
}

// PredictedSuppressor is implemented by pacers that can tell SendPacket's
// caller to hold a predicted frame back while a relay key-frame burst is
// still going out (§3).
type PredictedSuppressor interface {
	SuppressPredicted() bool
}

func isKeyFrameBurst(pt PacketType) bool {
	switch pt {
	case PacketVPS, PacketSPS, PacketPPS, PacketKeyFrame:
		return true
	default:
		return false
	}
}

// Encoder implements send_packet: fragment, encrypt (unless handshake),
// hand to the transport, pace.
type Encoder struct {
	relay     bool
	sender    Sender
	encrypter Encrypter
	pacer     Pacer
}

// NewEncoder builds an Encoder. encrypter may be nil until the ECDH
// handshake completes — SendPacket then only accepts PacketHandshake.
// pacer may be nil to disable pacing (e.g. in tests).
func NewEncoder(relay bool, sender Sender, encrypter Encrypter, pacer Pacer) *Encoder {
	return &Encoder{relay: relay, sender: sender, encrypter: encrypter, pacer: pacer}
}

// SetEncrypter installs the session key once the ECDH handshake completes.
func (e *Encoder) SetEncrypter(encrypter Encrypter) {
	e.encrypter = encrypter
}

// SuppressPredicted reports whether the caller should hold back a predicted
// (non-key) frame because the pacer has a key-frame burst in flight. A
// pacer that doesn't track burst state (nil, or a test fake) never
// suppresses.
func (e *Encoder) SuppressPredicted() bool {
	if s, ok := e.pacer.(PredictedSuppressor); ok {
		return s.SuppressPredicted()
	}
	return false
}

// SendPacket fragments payload under the given packet type and timestamp,
// encrypting each fragment (except handshake packets, which are sent in the
// clear) and handing it to the Sender in order.
func (e *Encoder) SendPacket(pt PacketType, payload []byte, timestamp uint64) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	maxPayload := MaxPayloadSize(e.relay)
	total := (len(payload) + maxPayload - 1) / maxPayload
	if total == 0 {
		total = 1
	}
	burst := isKeyFrameBurst(pt)
	if burst {
		if bs, ok := e.pacer.(burstSetter); ok {
			bs.SetKeyFrameBurst(true)
			if pt == PacketKeyFrame {
				defer bs.SetKeyFrameBurst(false)
			}
		}
	}

	for i := 0; i < total; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		h := Header{
			Type:           pt,
			Timestamp:      timestamp,
			TotalFragments: uint32(total),
			FragmentIndex:  uint32(i),
		}

		body := chunk
		if pt != PacketHandshake {
			if e.encrypter == nil {
				return ErrNoSessionKey
			}
			enc, err := e.encrypter.SealFragment(h, chunk)
			if err != nil {
				return err
			}
			body = enc
		}

		frame := make([]byte, HeaderSize+len(body))
		h.Encode(frame[:HeaderSize])
		copy(frame[HeaderSize:], body)

		if err := e.sender.Send(frame); err != nil {
			return err
		}
		if e.pacer != nil {
			e.pacer.Pace(i, burst)
		}
	}
	return nil
}
