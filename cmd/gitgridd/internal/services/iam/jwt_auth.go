package iam

import (
	"context"
	"fmt"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
)

// TokenMechanism authenticates bearer access tokens this server issued at
// login. Tokens only name existing accounts; nothing is provisioned.
type TokenMechanism struct {
	issuer *auth.TokenIssuer
}

// NewTokenMechanism wraps issuer.
func NewTokenMechanism(issuer *auth.TokenIssuer) *TokenMechanism {
	return &TokenMechanism{issuer: issuer}
}

func (m *TokenMechanism) AuthMethod() AuthMethod          { return MethodToken }
func (m *TokenMechanism) AccountType() string             { return models.AccountToken }
func (m *TokenMechanism) SupportsCredentialChanges() bool { return false }
func (m *TokenMechanism) SupportsRoleChanges() bool       { return true }

// Identify validates the bearer token and returns its subject.
func (m *TokenMechanism) Identify(_ context.Context, req AuthRequest) (*Identity, error) {
	token, ok := auth.BearerToken(req.Headers.Get)
	if !ok {
		return nil, nil
	}
	subject, err := m.issuer.Verify(token)
	if err != nil {
		return nil, err
	}
	return &Identity{Username: subject}, nil
}

// Issue mints a token for an authenticated principal.
func (m *TokenMechanism) Issue(p *Principal) (string, error) {
	if p.IsAnonymous() {
		return "", fmt.Errorf("cannot issue a token for an anonymous principal")
	}
	token, _, err := m.issuer.Issue(p.Username)
	return token, err
}

// OIDCMechanism authenticates bearer tokens from an external identity
// provider and provisions accounts on first sight.
type OIDCMechanism struct {
	verifier       *auth.OIDCVerifier
	usernameClaims []string
}

// NewOIDCMechanism wraps verifier. usernameClaims defaults to
// auth.DefaultUsernameClaims.
func NewOIDCMechanism(verifier *auth.OIDCVerifier, usernameClaims ...string) *OIDCMechanism {
	if len(usernameClaims) == 0 {
		usernameClaims = auth.DefaultUsernameClaims
	}
	return &OIDCMechanism{verifier: verifier, usernameClaims: usernameClaims}
}

func (m *OIDCMechanism) AuthMethod() AuthMethod          { return MethodOIDC }
func (m *OIDCMechanism) AccountType() string             { return models.AccountOIDC }
func (m *OIDCMechanism) SupportsCredentialChanges() bool { return false }
func (m *OIDCMechanism) SupportsRoleChanges() bool       { return true }

// Identify validates the bearer token against the issuer and maps its claims.
func (m *OIDCMechanism) Identify(ctx context.Context, req AuthRequest) (*Identity, error) {
	token, ok := auth.BearerToken(req.Headers.Get)
	if !ok {
		return nil, nil
	}
	claims, err := m.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	username, err := auth.UsernameFromClaims(claims, m.usernameClaims)
	if err != nil {
		return nil, err
	}
	email, _ := auth.ExtractClaimString(claims, "email")
	return &Identity{
		Username:    username,
		DisplayName: auth.ExtractNameFromClaims(claims),
		Email:       email,
		Provision:   true,
	}, nil
}
