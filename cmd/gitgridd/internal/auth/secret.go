package auth

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Stored secret scheme prefixes. A stored secret without one of these
// prefixes is plain text.
const (
	SchemePlain  = ""
	SchemeMD5    = "MD5:"
	SchemeCMD5   = "CMD5:"
	SchemeBcrypt = "BCRYPT:"
)

// SplitScheme separates the scheme prefix of a stored secret. The prefix is
// matched case-insensitively and returned in canonical form.
func SplitScheme(stored string) (scheme, value string) {
	upper := strings.ToUpper(stored)
	for _, s := range []string{SchemeCMD5, SchemeMD5, SchemeBcrypt} {
		if strings.HasPrefix(upper, s) {
			return s, stored[len(s):]
		}
	}
	return SchemePlain, stored
}

// VerifySecret checks secret against the stored representation. Digest
// schemes compare hex case-insensitively; plain text compares exactly.
func VerifySecret(stored, username, secret string) bool {
	if stored == "" || secret == "" {
		return false
	}
	scheme, value := SplitScheme(stored)
	switch scheme {
	case SchemeMD5:
		return equalHex(value, md5Hex(secret))
	case SchemeCMD5:
		return equalHex(value, md5Hex(strings.ToLower(username)+secret))
	case SchemeBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(value), []byte(secret)) == nil
	default:
		return subtle.ConstantTimeCompare([]byte(value), []byte(secret)) == 1
	}
}

// HashSecret produces the stored representation of secret under scheme.
func HashSecret(scheme, username, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	switch strings.ToUpper(scheme) {
	case SchemePlain, "PLAIN":
		return secret, nil
	case SchemeMD5, "MD5":
		return SchemeMD5 + md5Hex(secret), nil
	case SchemeCMD5, "CMD5":
		return SchemeCMD5 + md5Hex(strings.ToLower(username)+secret), nil
	case SchemeBcrypt, "BCRYPT":
		h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("hash secret: %w", err)
		}
		return SchemeBcrypt + string(h), nil
	default:
		return "", fmt.Errorf("unknown secret scheme %q", scheme)
	}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func equalHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}
