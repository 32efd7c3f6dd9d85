// Package secmem holds sensitive in-memory values with best-effort zeroing
// and formatting guards that keep them out of logs.
package secmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const redacted = "[REDACTED]"

// SecureString holds sensitive data with best-effort memory zeroing.
// Go's GC may copy the backing array, so this is defense-in-depth, not a
// guarantee. Call Zero() in shutdown paths to overwrite the value in place.
type SecureString struct {
	mu         sync.RWMutex
	data       []byte
	warnedOnce atomic.Bool
}

// NewSecureString creates a SecureString from the given string.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// Reveal returns the plaintext value, or "" once zeroed.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		s.warnedOnce.Store(true)
		return ""
	}
	return string(s.data)
}

// Zero overwrites the backing byte slice with zeros.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}

// IsZeroed reports whether Zero has already run.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data == nil
}

// String implements fmt.Stringer with a redacted value so %s/%v never leak
// the token.
func (s *SecureString) String() string { return redacted }

// GoString implements fmt.GoStringer so %#v is redacted too.
func (s *SecureString) GoString() string { return redacted }

// Format implements fmt.Formatter, redacting every verb unconditionally.
func (s *SecureString) Format(f fmt.State, verb rune) {
	_, _ = f.Write([]byte(redacted))
}

// MarshalJSON always emits the redacted placeholder.
func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

// UnmarshalJSON refuses to populate a SecureString from JSON; secrets must be
// constructed via NewSecureString so call sites can't accidentally round-trip
// one through a config file or API payload.
func (s *SecureString) UnmarshalJSON([]byte) error {
	return errors.New("secmem: SecureString cannot be unmarshaled from JSON")
}

// MarshalText always emits the redacted placeholder.
func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// Zeroize overwrites buf in place. Used for raw key material (e.g. an X25519
// private scalar) that doesn't warrant the SecureString wrapper because it's
// never round-tripped through a string.
func Zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
