package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xenitab/go-oidc-middleware/oidctoken"
	"github.com/xenitab/go-oidc-middleware/options"
)

// TokenIssuerName is the iss claim of locally issued access tokens.
const TokenIssuerName = "gitgrid"

// TokenIssuer signs and verifies HS256 access tokens handed out at login.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer builds an issuer. A zero ttl defaults to one hour.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for username.
func (t *TokenIssuer) Issue(username string) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)
	id, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate token id: %w", err)
	}
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuerName,
		Subject:   strings.ToLower(username),
		ID:        id.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature, issuer and expiry and returns the subject.
func (t *TokenIssuer) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("invalid token: missing subject")
	}
	return claims.Subject, nil
}

type claimsParser interface {
	ParseToken(ctx context.Context, token string) (map[string]any, error)
}

// OIDCVerifier validates bearer tokens issued by an external identity
// provider. Keys are fetched lazily on first use.
type OIDCVerifier struct {
	parser claimsParser
}

// NewOIDCVerifier builds a verifier requiring audience in the aud claim.
func NewOIDCVerifier(issuer, audience string) (*OIDCVerifier, error) {
	if issuer == "" {
		return nil, errors.New("oidc issuer is required")
	}
	if audience == "" {
		return nil, errors.New("oidc client id is required")
	}
	handler, err := oidctoken.New[map[string]any](nil,
		options.WithIssuer(issuer),
		options.WithRequiredAudience(audience),
		options.WithLazyLoadJwks(true),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise oidc token handler: %w", err)
	}
	return &OIDCVerifier{parser: handler}, nil
}

// Verify validates token and returns its claims.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (map[string]any, error) {
	claims, err := v.parser.ParseToken(ctx, strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(header func(string) string) (string, bool) {
	token, err := oidctoken.GetTokenString(header, [][]options.TokenStringOption{{}})
	if err != nil || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
