package iam

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// AuthenticatePublicKey authenticates username by one of its stored SSH keys.
// The disabled veto applies. The returned permission is the key's own cap.
func (a *Authenticator) AuthenticatePublicKey(ctx context.Context, username string, key ssh.PublicKey, remoteAddr string) (*AuthResult, access.Permission, error) {
	start := time.Now()
	username = strings.ToLower(strings.TrimSpace(username))
	fail := func(reason string) (*AuthResult, access.Permission, error) {
		a.logger.Warn("Public key authentication failed",
			logfields.Principal(username), logfields.RemoteAddr(remoteAddr), "reason", reason)
		a.metrics.RecordAuth(ctx, string(MethodPublicKey), false, msSince(start))
		return nil, access.PermissionNone, errs.ErrInvalidCredentials
	}

	if username == "" || key == nil || a.reserved(username) {
		return fail("no key or reserved account")
	}
	u, err := a.lookup(ctx, username)
	if err != nil {
		return nil, access.PermissionNone, err
	}
	if u == nil {
		return fail("unknown account")
	}
	if u.Disabled {
		return fail("account disabled")
	}

	keys, err := a.users.ListKeys(ctx, username)
	if err != nil {
		return nil, access.PermissionNone, fmt.Errorf("list keys for %s: %w", username, err)
	}
	stored, ok := matchKey(keys, key)
	if !ok {
		return fail("key not registered")
	}
	perm, err := access.ParsePermission(stored.Permission)
	if err != nil {
		perm = access.PermissionFull
	}

	a.metrics.RecordAuth(ctx, string(MethodPublicKey), true, msSince(start))
	return &AuthResult{Principal: a.principal(u), Method: MethodPublicKey}, perm, nil
}

func matchKey(keys []models.UserKey, key ssh.PublicKey) (models.UserKey, bool) {
	fp := ssh.FingerprintSHA256(key)
	for _, k := range keys {
		if k.Fingerprint == fp {
			return k, true
		}
	}
	return models.UserKey{}, false
}

// ParseAuthorizedKey parses an authorized_keys line into a storable key.
func ParseAuthorizedKey(line string, perm access.Permission) (*models.UserKey, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	if perm == access.PermissionNone {
		perm = access.PermissionFull
	}
	return &models.UserKey{
		Fingerprint: ssh.FingerprintSHA256(pub),
		PublicKey:   strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))),
		Comment:     comment,
		Permission:  perm.Code(),
	}, nil
}
