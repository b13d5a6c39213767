package auth

import (
	"crypto/rand"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	keyMarker       = "rk_"
	keyRandomLength = 40

	// PrefixLength is the number of leading key characters stored in
	// clear and indexed for candidate lookup. The remainder of the key
	// exists only as a bcrypt hash.
	PrefixLength = 12
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// GenerateKey creates a new API key. It returns the full secret (shown to
// the owner exactly once), the indexed prefix, and the bcrypt hash to
// persist. The full secret is never stored.
func GenerateKey() (key, prefix string, hash []byte, err error) {
	random, err := randomBase62(keyRandomLength)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	key = keyMarker + random
	hash, err = bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to hash key: %w", err)
	}

	return key, key[:PrefixLength], hash, nil
}

// VerifyKey checks a presented key against a stored bcrypt hash.
func VerifyKey(hash []byte, key string) error {
	return bcrypt.CompareHashAndPassword(hash, []byte(key))
}

// KeyPrefix returns the indexed prefix of a presented key, or "" when the
// input cannot be a key.
func KeyPrefix(key string) string {
	if !LooksLikeKey(key) {
		return ""
	}
	return key[:PrefixLength]
}

// LooksLikeKey reports whether s has the API key shape. It is a cheap
// format test, not a validity check.
func LooksLikeKey(s string) bool {
	if !strings.HasPrefix(s, keyMarker) || len(s) != len(keyMarker)+keyRandomLength {
		return false
	}
	for i := len(keyMarker); i < len(s); i++ {
		if !strings.ContainsRune(base62Alphabet, rune(s[i])) {
			return false
		}
	}
	return true
}

func randomBase62(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// 248 is the largest multiple of 62 below 256; rejecting
			// above it keeps the distribution uniform.
			if int(b) >= 248 {
				continue
			}
			out = append(out, base62Alphabet[int(b)%62])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
