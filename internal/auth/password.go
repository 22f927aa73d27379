package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const algorithmID = "argon2id"

// HashParams are the argon2id cost parameters used by HashPassword.
type HashParams struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultHashParams follow the RFC 9106 second recommended option.
var DefaultHashParams = HashParams{
	Memory:      64 * 1024,
	Time:        3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

const (
	minMemoryKB   = 8 * 1024
	minSaltLength = 16
)

// HashPassword returns an argon2id PHC string for password:
// $argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>
func HashPassword(password string) (string, error) {
	return hashWith(password, DefaultHashParams)
}

func hashWith(password string, p HashParams) (string, error) {
	if password == "" {
		return "", errors.New("auth: empty password")
	}
	salt := make([]byte, p.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("auth: read salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Parallelism, p.KeyLength)
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID, argon2.Version, p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword checks password against a PHC string in constant time.
func VerifyPassword(password, encoded string) (bool, error) {
	phc, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	key := argon2.IDKey([]byte(password), phc.salt, phc.time, phc.memory, phc.parallelism, uint32(len(phc.hash)))
	return subtle.ConstantTimeCompare(key, phc.hash) == 1, nil
}

type parsedPHC struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func parsePHC(encoded string) (*parsedPHC, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("auth: invalid PHC format")
	}
	if parts[1] != algorithmID {
		return nil, fmt.Errorf("auth: unsupported algorithm %q", parts[1])
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, errors.New("auth: unsupported argon2 version")
	}

	var phc parsedPHC
	var seen int
	for _, pair := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, errors.New("auth: invalid parameter entry")
		}
		switch k {
		case "m":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || n < minMemoryKB {
				return nil, errors.New("auth: invalid memory parameter")
			}
			phc.memory = uint32(n)
		case "t":
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil || n < 1 {
				return nil, errors.New("auth: invalid time parameter")
			}
			phc.time = uint32(n)
		case "p":
			n, err := strconv.ParseUint(v, 10, 8)
			if err != nil || n < 1 {
				return nil, errors.New("auth: invalid parallelism parameter")
			}
			phc.parallelism = uint8(n)
		default:
			return nil, fmt.Errorf("auth: unsupported parameter %q", k)
		}
		seen++
	}
	if seen != 3 || phc.memory == 0 || phc.time == 0 || phc.parallelism == 0 {
		return nil, errors.New("auth: missing parameters")
	}

	salt, err := decodeB64(parts[4])
	if err != nil || len(salt) < minSaltLength {
		return nil, errors.New("auth: invalid salt")
	}
	hash, err := decodeB64(parts[5])
	if err != nil || len(hash) < 16 {
		return nil, errors.New("auth: invalid hash")
	}
	phc.salt = salt
	phc.hash = hash
	return &phc, nil
}

// decodeB64 accepts both padded and unpadded standard base64; tools
// producing PHC strings disagree on padding.
func decodeB64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
