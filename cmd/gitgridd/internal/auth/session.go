package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcutil/base58"
)

const (
	// CookieDuration is the default lifetime of an issued cookie secret
	CookieDuration = 30 * 24 * time.Hour

	// CookieSecretLength is the number of random bytes in a cookie secret
	CookieSecretLength = 32
)

// GenerateCookieSecret returns a new cookie secret and the hash stored for it.
// Only the hash is persisted; the secret goes to the client once.
func GenerateCookieSecret() (secret, hash string, err error) {
	buf := make([]byte, CookieSecretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate cookie secret: %w", err)
	}
	secret = base58.Encode(buf)
	return secret, HashCookieSecret(secret), nil
}

// HashCookieSecret hashes a cookie secret for storage and lookup.
func HashCookieSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
