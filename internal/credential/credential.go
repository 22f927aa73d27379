package credential

import (
	"crypto/rand"
	"fmt"

	"github.com/breeze-rmm/breeze-dm/internal/secmem"
)

const (
	// NameLength is the length of the random suffix embedded in authority
	// file paths and socket names.
	NameLength = 6

	// CookieSize is the size of an MIT-MAGIC-COOKIE-1 in bytes.
	CookieSize = 16

	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// Bytes at or above this value are rejected so that every symbol of
	// the alphabet is drawn with equal probability (208 = 4 * 52).
	rejectAbove = 256 - 256%len(alphabet)
)

// GenerateName returns length characters drawn uniformly and independently
// from [a-zA-Z] using the system CSPRNG. A non-positive length yields "".
func GenerateName(length int) (string, error) {
	if length <= 0 {
		return "", nil
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length+length/2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("credential: read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// GenerateCookie returns a fresh random authority cookie sealed in secure
// memory.
func GenerateCookie() (*secmem.SecureString, error) {
	raw := make([]byte, CookieSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("credential: generate cookie: %w", err)
	}
	return secmem.NewSecureBytes(raw), nil
}
