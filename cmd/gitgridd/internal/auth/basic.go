package auth

import (
	"encoding/base64"
	"strings"
)

// ParseBasicAuth decodes an "Authorization: Basic" header value. The scheme
// name is matched case-insensitively. Both parts must be non-empty.
func ParseBasicAuth(header string) (username, secret string, ok bool) {
	const prefix = "basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	payload := strings.TrimSpace(header[len(prefix):])
	if payload == "" {
		return "", "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", "", false
	}

	username, secret, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", "", false
	}
	username = strings.TrimSpace(username)
	if username == "" || secret == "" {
		return "", "", false
	}
	return username, secret, true
}

// BasicAuthHeader builds an "Authorization" header value.
func BasicAuthHeader(username, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+secret))
}
