package cryptox

import (
	"crypto/cipher"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/emberlink/hostd/internal/wire"
)

// Session is the post-handshake symmetric cipher. It implements
// internal/wire's Encrypter and Decrypter: every fragment is sealed under a
// nonce deterministically derived from its own header (packet type,
// timestamp, fragment index), so no nonce needs to travel on the wire and
// two fragments can never collide on a nonce under the same key as long as
// their (type, timestamp, fragment_index) triples differ, which the wire
// layer already guarantees.
type Session struct {
	aead cipher.AEAD
}

func newSession(key []byte) (*Session, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Session{aead: aead}, nil
}

// fragmentNonce packs type (byte 0), timestamp (bytes 1-8) and
// fragment_index (bytes 9-12) into the 24-byte XChaCha20-Poly1305 nonce;
// the remaining trailing bytes stay zero.
func fragmentNonce(h wire.Header) [chacha20poly1305.NonceSizeX]byte {
	var n [chacha20poly1305.NonceSizeX]byte
	n[0] = byte(h.Type)
	binary.BigEndian.PutUint64(n[1:9], h.Timestamp)
	binary.BigEndian.PutUint32(n[9:13], h.FragmentIndex)
	return n
}

// SealFragment implements wire.Encrypter.
func (s *Session) SealFragment(h wire.Header, plaintext []byte) ([]byte, error) {
	nonce := fragmentNonce(h)
	return s.aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// OpenFragment implements wire.Decrypter.
func (s *Session) OpenFragment(h wire.Header, ciphertext []byte) ([]byte, error) {
	nonce := fragmentNonce(h)
	return s.aead.Open(nil, nonce[:], ciphertext, nil)
}

var (
	_ wire.Encrypter = (*Session)(nil)
	_ wire.Decrypter = (*Session)(nil)
)
