package auth

import (
	"fmt"
	"strings"
)

// DefaultUsernameClaims are consulted in order when mapping external tokens
// to account names.
var DefaultUsernameClaims = []string{"preferred_username", "email", "sub"}

// ExtractClaimString extracts a non-empty string claim.
func ExtractClaimString(claims map[string]any, claimField string) (string, error) {
	rawValue, ok := claims[claimField]
	if !ok {
		return "", fmt.Errorf("claim field %s not found", claimField)
	}

	value, ok := rawValue.(string)
	if !ok {
		return "", fmt.Errorf("claim field %s is not a string", claimField)
	}

	if value == "" {
		return "", fmt.Errorf("claim field %s is empty", claimField)
	}

	return value, nil
}

// UsernameFromClaims returns the first present claim among fields, lowercased.
func UsernameFromClaims(claims map[string]any, fields []string) (string, error) {
	if len(fields) == 0 {
		fields = DefaultUsernameClaims
	}
	for _, field := range fields {
		if v, err := ExtractClaimString(claims, field); err == nil {
			return strings.ToLower(v), nil
		}
	}
	return "", fmt.Errorf("no username claim among %s", strings.Join(fields, ", "))
}

// ExtractNameFromClaims extracts the optional display name.
func ExtractNameFromClaims(claims map[string]any) string {
	name, _ := claims["name"].(string)
	return name
}
