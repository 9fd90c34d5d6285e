package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxKeyLength bounds an idempotency key, in characters.
const MaxKeyLength = 50

// Key is a caller-supplied token identifying one command. It is scoped to the
// principal that sent it.
type Key string

// ParseKey trims raw and validates it as a Key.
func ParseKey(raw string) (Key, error) {
	k := strings.TrimSpace(raw)
	if k == "" {
		return "", fmt.Errorf("%w: cannot be empty", ErrInvalidKey)
	}
	if utf8.RuneCountInString(k) > MaxKeyLength {
		return "", fmt.Errorf("%w: too long (max %d chars)", ErrInvalidKey, MaxKeyLength)
	}
	return Key(k), nil
}

func (k Key) String() string { return string(k) }

// Fingerprint hashes the parts of a request that identify the command, so a
// key reused for a different request can be detected.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'\n'})
		}
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
