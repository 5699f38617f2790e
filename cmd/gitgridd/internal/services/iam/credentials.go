package iam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// Identity is what an external source vouches for. The authenticator maps it
// to a stored account, provisioning one when Provision is set.
type Identity struct {
	Username    string
	DisplayName string
	Email       string
	Locale      string
	Roles       []string
	Provision   bool
}

// CredentialSource describes an external account source.
type CredentialSource interface {
	AuthMethod() AuthMethod
	// AccountType tags accounts this source provisions or verifies.
	AccountType() string
	// SupportsCredentialChanges reports whether users may change their secret here.
	SupportsCredentialChanges() bool
	// SupportsRoleChanges reports whether roles may be edited on this server.
	SupportsRoleChanges() bool
}

// CredentialProvider verifies username/secret pairs for non-local accounts.
//
// Verify returns (nil, nil) when the provider does not know username and an
// error when the secret is wrong.
type CredentialProvider interface {
	CredentialSource
	Verify(ctx context.Context, username, secret string) (*Identity, error)
}

// Mechanism authenticates from request data such as bearer tokens.
//
// Identify returns (nil, nil) when the request carries nothing for this
// mechanism and an error when what it carries is invalid.
type Mechanism interface {
	CredentialSource
	Identify(ctx context.Context, req AuthRequest) (*Identity, error)
}

// VerifyCredentials checks a username/secret pair against local accounts,
// then the configured providers. Every failure, including disabled accounts,
// is reported as errs.ErrInvalidCredentials.
func (a *Authenticator) VerifyCredentials(ctx context.Context, username, secret, remoteAddr string) (*Principal, error) {
	p, err := a.checkCredentials(ctx, username, secret, remoteAddr)
	if err != nil {
		return nil, err
	}
	if p.Disabled {
		a.logger.Warn("Disabled account vetoed",
			logfields.Principal(p.Username), logfields.AuthMethod(string(MethodCredentials)), logfields.RemoteAddr(remoteAddr))
		return nil, errs.ErrInvalidCredentials
	}
	return p, nil
}

// checkCredentials verifies without the disabled veto, which the chain
// applies uniformly.
func (a *Authenticator) checkCredentials(ctx context.Context, username, secret, remoteAddr string) (*Principal, error) {
	start := time.Now()
	username = strings.ToLower(strings.TrimSpace(username))

	p, err := a.verify(ctx, username, secret)
	if err != nil {
		a.logger.Warn("Failed login attempt",
			logfields.Principal(username), logfields.RemoteAddr(remoteAddr), logfields.Error(err))
		a.metrics.RecordAuth(ctx, string(MethodCredentials), false, msSince(start))
		return nil, errs.ErrInvalidCredentials
	}
	return p, nil
}

func (a *Authenticator) verify(ctx context.Context, username, secret string) (*Principal, error) {
	if username == "" || secret == "" {
		return nil, errors.New("empty username or secret")
	}
	if a.reserved(username) {
		return nil, errors.New("reserved account cannot use credentials")
	}

	u, err := a.lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	if u != nil && u.Secret != ExternalAccountMarker && isLocalAccountType(u.AccountType) {
		if !auth.VerifySecret(u.Secret, u.Username, secret) {
			return nil, errors.New("secret mismatch")
		}
		return a.principal(u), nil
	}

	var lastErr error = errors.New("unknown account")
	for _, prov := range a.providers {
		if u != nil && !strings.EqualFold(u.AccountType, prov.AccountType()) {
			continue
		}
		ident, err := prov.Verify(ctx, username, secret)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", strings.ToLower(prov.AccountType()), err)
			continue
		}
		if ident == nil {
			continue
		}
		acct, err := a.ensureAccount(ctx, *ident, prov.AccountType())
		if err != nil {
			return nil, err
		}
		if acct == nil {
			return nil, fmt.Errorf("%s account not provisioned", strings.ToLower(prov.AccountType()))
		}
		p := a.principal(acct)
		p.AccountType = prov.AccountType()
		return p, nil
	}
	return nil, lastErr
}

func isLocalAccountType(t string) bool {
	return t == "" || strings.EqualFold(t, models.AccountLocal)
}

// source returns the provider or mechanism owning accountType.
func (a *Authenticator) source(accountType string) CredentialSource {
	for _, p := range a.providers {
		if strings.EqualFold(p.AccountType(), accountType) {
			return p
		}
	}
	for _, m := range a.mechanisms {
		if strings.EqualFold(m.AccountType(), accountType) {
			return m
		}
	}
	return nil
}

// CanChangePassword reports whether p's secret may be changed on this server.
func (a *Authenticator) CanChangePassword(p *Principal) bool {
	if p.IsAnonymous() || a.reserved(p.Username) {
		return false
	}
	if p.IsLocal() {
		return true
	}
	src := a.source(p.AccountType)
	return src != nil && src.SupportsCredentialChanges()
}

// CanChangeRoles reports whether p's roles may be edited on this server.
// Accounts from sources that own roles upstream are read-only here.
func (a *Authenticator) CanChangeRoles(p *Principal) bool {
	if p == nil || p.IsLocal() {
		return true
	}
	src := a.source(p.AccountType)
	return src == nil || src.SupportsRoleChanges()
}

// ChangePassword stores a new secret for a local account using scheme.
func (a *Authenticator) ChangePassword(ctx context.Context, username, scheme, secret string) error {
	u, err := a.users.GetByName(ctx, username)
	if err != nil {
		return err
	}
	if !a.CanChangePassword(a.principal(u)) {
		return fmt.Errorf("change password for %s: %w", username, errs.ErrForbidden)
	}
	hashed, err := auth.HashSecret(scheme, u.Username, secret)
	if err != nil {
		return err
	}
	u.Secret = hashed
	u.AccountType = models.AccountLocal
	if err := a.users.Update(ctx, u); err != nil {
		return fmt.Errorf("update %s: %w", username, err)
	}
	a.logger.Info("Password changed", logfields.Principal(u.Username), slog.String("scheme", scheme))
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, errs.ErrNotFound)
}
