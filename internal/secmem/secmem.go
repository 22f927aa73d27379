package secmem

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"

	"github.com/breeze-rmm/breeze-dm/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

// SecureString holds a secret (the display cookie, a submitted password)
// sealed in a memguard enclave. The plaintext only exists in a locked
// buffer for the duration of a Reveal/Bytes/Hex call.
//
// Every formatting path (fmt verbs, slog, JSON, text marshalling) yields
// [REDACTED]. Use Reveal, Bytes or Hex to get the plaintext explicitly.
type SecureString struct {
	mu         sync.Mutex
	enclave    *memguard.Enclave
	size       int
	zeroed     atomic.Bool
	warnedOnce atomic.Bool
}

// NewSecureString seals a copy of s.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return NewSecureBytes(b)
}

// NewSecureBytes seals b. memguard wipes b in place, so the caller's slice
// no longer holds the secret afterwards.
func NewSecureBytes(b []byte) *SecureString {
	s := &SecureString{size: len(b)}
	if len(b) > 0 {
		s.enclave = memguard.NewEnclave(b)
	}
	return s
}

// Reveal returns the plaintext value. Use only at the point of actual use.
// Returns "" if the receiver is nil or the secret has been zeroed.
func (s *SecureString) Reveal() string {
	b := s.open()
	if b == nil {
		return ""
	}
	return string(b)
}

// Bytes returns a copy of the plaintext. Callers should overwrite the copy
// once done with it.
func (s *SecureString) Bytes() []byte {
	return s.open()
}

// Hex returns the plaintext encoded as lowercase hexadecimal, the textual
// form xauth and X servers use for MIT-MAGIC-COOKIE-1 data.
func (s *SecureString) Hex() string {
	b := s.open()
	if b == nil {
		return ""
	}
	out := hex.EncodeToString(b)
	wipe(b)
	return out
}

// Len returns the plaintext length, 0 after Zero.
func (s *SecureString) Len() int {
	if s == nil || s.zeroed.Load() {
		return 0
	}
	return s.size
}

// Equal compares the secret with other in constant time.
func (s *SecureString) Equal(other *SecureString) bool {
	a, b := s.open(), other.open()
	defer wipe(a)
	defer wipe(b)
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

func (s *SecureString) open() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	enclave := s.enclave
	isZeroed := s.zeroed.Load()
	s.mu.Unlock()

	if isZeroed {
		if s.warnedOnce.CompareAndSwap(false, true) {
			log.Warn("secret read after Zero")
		}
		return nil
	}
	if enclave == nil {
		return nil
	}

	buf, err := enclave.Open()
	if err != nil {
		log.Error("failed to open enclave", "error", err)
		return nil
	}
	defer buf.Destroy()

	out := make([]byte, buf.Size())
	copy(out, buf.Bytes())
	return out
}

// IsZeroed returns true if Zero() has been called.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	return s.zeroed.Load()
}

// Zero drops the enclave. Safe to call more than once and on nil.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclave = nil
	s.size = 0
	s.zeroed.Store(true)
}

// String returns [REDACTED].
func (s *SecureString) String() string {
	return redacted
}

// GoString returns [REDACTED].
func (s *SecureString) GoString() string {
	return redacted
}

// Format implements fmt.Formatter so every verb produces [REDACTED].
func (s *SecureString) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

// LogValue implements slog.LogValuer.
func (s *SecureString) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// MarshalJSON returns "[REDACTED]".
func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

// MarshalText returns [REDACTED].
func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalJSON rejects deserialization so a SecureString is never
// populated from untrusted JSON input.
func (s *SecureString) UnmarshalJSON(data []byte) error {
	return fmt.Errorf("secmem: cannot deserialize into SecureString")
}

// Purge wipes all memguard state. Call once on process exit.
func Purge() {
	memguard.Purge()
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
