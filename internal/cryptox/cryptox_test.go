package cryptox

import (
	"bytes"
	"testing"

	"github.com/emberlink/hostd/internal/wire"
)

func TestHandshakeDerivesMatchingSessionOnBothSides(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair a: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair b: %v", err)
	}

	aMsg := a.Marshal()
	bMsg := b.Marshal()

	sessionA, err := a.DeriveSession(mustParse(t, bMsg))
	if err != nil {
		t.Fatalf("a.DeriveSession: %v", err)
	}
	sessionB, err := b.DeriveSession(mustParse(t, aMsg))
	if err != nil {
		t.Fatalf("b.DeriveSession: %v", err)
	}

	h := wire.Header{Type: wire.PacketVideoFrame, Timestamp: 1000, TotalFragments: 1, FragmentIndex: 0}
	plaintext := []byte("a coded access unit's bytes")

	ciphertext, err := sessionA.SealFragment(h, plaintext)
	if err != nil {
		t.Fatalf("SealFragment: %v", err)
	}
	got, err := sessionB.OpenFragment(h, ciphertext)
	if err != nil {
		t.Fatalf("OpenFragment: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func mustParse(t *testing.T, msg []byte) []byte {
	t.Helper()
	pub, err := ParsePublicKey(msg)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	return pub
}

func TestMarshalParseRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := kp.Marshal()
	if len(msg) != 33 {
		t.Fatalf("Marshal() length = %d, want 33", len(msg))
	}
	pub, err := ParsePublicKey(msg)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !bytes.Equal(pub, kp.Public) {
		t.Fatal("parsed public key does not match original")
	}
}

func TestParsePublicKeyRejectsWrongLength(t *testing.T) {
	if _, err := ParsePublicKey(make([]byte, 32)); err != ErrInvalidPublicKey {
		t.Fatalf("ParsePublicKey(32 bytes) = %v, want ErrInvalidPublicKey", err)
	}
}

func TestParsePublicKeyRejectsWrongFormatTag(t *testing.T) {
	msg := make([]byte, 33)
	msg[0] = 0x02
	if _, err := ParsePublicKey(msg); err != ErrInvalidPublicKey {
		t.Fatalf("ParsePublicKey(bad tag) = %v, want ErrInvalidPublicKey", err)
	}
}

func TestDifferentFragmentsProduceDifferentCiphertext(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	session, err := a.DeriveSession(mustParse(t, b.Marshal()))
	if err != nil {
		t.Fatalf("DeriveSession: %v", err)
	}

	plaintext := []byte("identical plaintext across fragments")
	h1 := wire.Header{Type: wire.PacketVideoFrame, Timestamp: 1, TotalFragments: 2, FragmentIndex: 0}
	h2 := wire.Header{Type: wire.PacketVideoFrame, Timestamp: 1, TotalFragments: 2, FragmentIndex: 1}

	c1, err := session.SealFragment(h1, plaintext)
	if err != nil {
		t.Fatalf("SealFragment h1: %v", err)
	}
	c2, err := session.SealFragment(h2, plaintext)
	if err != nil {
		t.Fatalf("SealFragment h2: %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Fatal("fragments with different headers must not produce identical ciphertext")
	}
}

func TestOpenFragmentRejectsWrongHeader(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	sessionA, err := a.DeriveSession(mustParse(t, b.Marshal()))
	if err != nil {
		t.Fatalf("DeriveSession: %v", err)
	}
	sessionB, err := b.DeriveSession(mustParse(t, a.Marshal()))
	if err != nil {
		t.Fatalf("DeriveSession: %v", err)
	}

	h := wire.Header{Type: wire.PacketVideoFrame, Timestamp: 5, TotalFragments: 1, FragmentIndex: 0}
	ciphertext, err := sessionA.SealFragment(h, []byte("payload"))
	if err != nil {
		t.Fatalf("SealFragment: %v", err)
	}

	tampered := h
	tampered.FragmentIndex = 1
	if _, err := sessionB.OpenFragment(tampered, ciphertext); err == nil {
		t.Fatal("OpenFragment with a different header should fail authentication")
	}
}

func TestMismatchedSessionsCannotDecrypt(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	c, _ := GenerateKeyPair()

	sessionAB, err := a.DeriveSession(mustParse(t, b.Marshal()))
	if err != nil {
		t.Fatalf("DeriveSession a/b: %v", err)
	}
	sessionCA, err := c.DeriveSession(mustParse(t, a.Marshal()))
	if err != nil {
		t.Fatalf("DeriveSession c/a: %v", err)
	}

	h := wire.Header{Type: wire.PacketVideoFrame, Timestamp: 1, TotalFragments: 1, FragmentIndex: 0}
	ciphertext, err := sessionAB.SealFragment(h, []byte("secret"))
	if err != nil {
		t.Fatalf("SealFragment: %v", err)
	}
	if _, err := sessionCA.OpenFragment(h, ciphertext); err == nil {
		t.Fatal("a session derived against a different peer must not decrypt")
	}
}

func TestPrivateScalarIsZeroizedAfterDerivation(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	if _, err := a.DeriveSession(mustParse(t, b.Marshal())); err != nil {
		t.Fatalf("DeriveSession: %v", err)
	}
	for i, v := range a.private {
		if v != 0 {
			t.Fatalf("private scalar byte %d = %#x, want zeroized after derivation", i, v)
		}
	}
}

func TestDeriveSessionCannotBeReusedAfterZeroization(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()
	c, _ := GenerateKeyPair()

	if _, err := a.DeriveSession(mustParse(t, b.Marshal())); err != nil {
		t.Fatalf("first DeriveSession: %v", err)
	}
	// The private scalar is now zeroized; a second derivation must be
	// refused rather than silently running against the zeroized bytes.
	if _, err := a.DeriveSession(mustParse(t, c.Marshal())); err != ErrKeyPairConsumed {
		t.Fatalf("second DeriveSession after zeroization = %v, want ErrKeyPairConsumed", err)
	}
}

func TestDeriveSessionRejectsDegeneratePeerKey(t *testing.T) {
	a, _ := GenerateKeyPair()
	// An all-zero u-coordinate is a known low-order point; X25519 itself (or
	// our own all-zero-output guard, if the library doesn't check) must
	// refuse to hand back a session built on it.
	if _, err := a.DeriveSession(make([]byte, 32)); err == nil {
		t.Fatal("DeriveSession(all-zero peer key) should fail, got nil error")
	}
}
