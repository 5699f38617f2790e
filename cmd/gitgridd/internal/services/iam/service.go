package iam

import (
	"context"
	"net/http"

	"golang.org/x/crypto/ssh"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
)

// Service provides all identity and access management operations.
//
// This service centralizes:
//   - Authentication (request path - performance critical)
//   - Authorization (request path - read-only Casbin plus grant resolution)
//   - Session management (login/logout)
//   - User and team management (admin operations - trigger cache refresh)
//   - Cache management (out-of-band refresh)
type Service interface {
	// =========================================================================
	// Authentication (Request Path - Performance Critical)
	// =========================================================================

	// AuthenticateRequest runs the authenticator chain.
	//
	// Returns:
	//   - (result, nil): Authentication successful
	//   - (nil, nil): No usable credentials, or a disabled account was vetoed
	//   - (nil, error): Infrastructure failure
	AuthenticateRequest(ctx context.Context, req AuthRequest) (*AuthResult, error)

	// VerifyCredentials checks a username/secret pair directly.
	// Every failure is errs.ErrInvalidCredentials.
	VerifyCredentials(ctx context.Context, username, secret, remoteAddr string) (*Principal, error)

	// AuthenticatePublicKey authenticates an SSH key for username and returns
	// the permission cap stored with the key.
	AuthenticatePublicKey(ctx context.Context, username string, key ssh.PublicKey, remoteAddr string) (*AuthResult, access.Permission, error)

	// =========================================================================
	// Session Management
	// =========================================================================

	// Login verifies credentials and issues a session cookie (local accounts
	// only) and an access token (when tokens are enabled).
	Login(ctx context.Context, username, secret, remoteAddr string) (*LoginResult, error)

	// Logout ends username's session and returns an expiring cookie.
	Logout(ctx context.Context, username string) (*http.Cookie, error)

	// =========================================================================
	// Authorization (Request Path - Read-Only)
	// =========================================================================

	// EffectivePermission is the classified access p has to d.
	EffectivePermission(p *Principal, d *registry.Descriptor) access.Grant

	// Authorize reports whether p may perform action on d.
	Authorize(p *Principal, d *registry.Descriptor, action access.Permission) bool

	// CanCapability checks server-wide capabilities (admin, create, fork).
	CanCapability(p *Principal, capability auth.Capability) bool

	// AllGrantsForPrincipal returns the ranked grants held by username.
	AllGrantsForPrincipal(ctx context.Context, username string) ([]access.Grant, error)

	// AllGrantsForRepository returns the ranked principals with access to name.
	AllGrantsForRepository(ctx context.Context, name string) ([]access.Grant, error)

	// TeamGrantsForRepository returns the ranked teams with access to name.
	TeamGrantsForRepository(ctx context.Context, name string) ([]access.Grant, error)

	// SetGrants edits grants on name. Any non-editable grant rejects the
	// whole batch with errs.ErrForbidden.
	SetGrants(ctx context.Context, name string, grants []access.Grant) error

	// =========================================================================
	// User Management (Admin Operations)
	// =========================================================================

	GetUser(ctx context.Context, username string) (*Principal, error)
	ListUsers(ctx context.Context) ([]*Principal, error)
	CreateUser(ctx context.Context, spec UserSpec) (*Principal, error)
	// UpdateUser replaces profile fields and roles. Role changes for accounts
	// whose source owns roles are rejected with errs.ErrForbidden.
	UpdateUser(ctx context.Context, spec UserSpec) (*Principal, error)
	DeleteUser(ctx context.Context, username string) error
	SetDisabled(ctx context.Context, username string, disabled bool) error
	SetPassword(ctx context.Context, username, scheme, secret string) error
	// SetUserGrant writes a stored grant (name or pattern). NONE removes it.
	SetUserGrant(ctx context.Context, username, repository string, perm access.Permission) error

	AddKey(ctx context.Context, username, authorizedKey string, perm access.Permission) (*models.UserKey, error)
	ListKeys(ctx context.Context, username string) ([]models.UserKey, error)
	RemoveKey(ctx context.Context, username, fingerprint string) error

	// =========================================================================
	// Team Management (Admin Operations - Triggers Cache Refresh)
	// =========================================================================

	GetTeam(ctx context.Context, name string) (*Team, error)
	ListTeams(ctx context.Context) ([]*Team, error)
	CreateTeam(ctx context.Context, spec TeamSpec) (*Team, error)
	DeleteTeam(ctx context.Context, name string) error
	AddTeamMember(ctx context.Context, team, username string) error
	RemoveTeamMember(ctx context.Context, team, username string) error
	SetTeamGrant(ctx context.Context, team, repository string, perm access.Permission) error

	// =========================================================================
	// Cache Management (Out-of-Band)
	// =========================================================================

	// RefreshTeamCache reloads the team snapshot from the store.
	RefreshTeamCache(ctx context.Context) error

	// TeamCacheVersion is the current snapshot version.
	TeamCacheVersion() int
}

// LoginResult is a successful interactive login.
type LoginResult struct {
	Principal *Principal
	// Cookie is nil for accounts not managed locally.
	Cookie *http.Cookie
	// Token is empty when access tokens are disabled.
	Token string
}

// UserSpec describes an account to create or update.
type UserSpec struct {
	Username    string
	DisplayName string
	Email       string
	Locale      string
	// Password is hashed with Scheme. Empty keeps the current secret.
	Password string
	Scheme   string
	Roles    []string
	Disabled bool
}

// TeamSpec describes a team to create.
type TeamSpec struct {
	Name               string
	Members            []string
	Roles              []string
	PreReceiveScripts  []string
	PostReceiveScripts []string
}
