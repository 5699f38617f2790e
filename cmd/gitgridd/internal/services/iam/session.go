package iam

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// IssueCookie creates a session cookie for res. Only credential logins of
// locally managed accounts receive one; otherwise it returns nil.
//
// The cookie carries a random secret. Only its hash is stored, replacing
// any previous session of the account.
func (a *Authenticator) IssueCookie(ctx context.Context, res *AuthResult) (*http.Cookie, error) {
	if res == nil || res.Method != MethodCredentials || !res.Principal.IsLocal() {
		return nil, nil
	}

	secret, hash, err := auth.GenerateCookieSecret()
	if err != nil {
		return nil, err
	}
	if err := a.users.SetCookieHash(ctx, res.Principal.Username, &hash); err != nil {
		return nil, fmt.Errorf("store session for %s: %w", res.Principal.Username, err)
	}

	ttl := a.cfg.CookieTTL
	if ttl <= 0 {
		ttl = auth.CookieDuration
	}
	a.logger.Debug("Session cookie issued", logfields.Principal(res.Principal.Username))
	return &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    secret,
		Path:     "/",
		Expires:  a.now().Add(ttl),
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// ClearCookie ends username's session and returns an expiring cookie.
func (a *Authenticator) ClearCookie(ctx context.Context, username string) (*http.Cookie, error) {
	if err := a.users.SetCookieHash(ctx, username, nil); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("clear session for %s: %w", username, err)
	}
	return &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}, nil
}
