package iam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/casbin/casbin/v2"
	"golang.org/x/crypto/ssh"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/repository"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/telemetry"
)

// iamService implements the Service interface by coordinating the
// authenticator chain, the resolver and the stores.
type iamService struct {
	users repository.PrincipalStore
	teams repository.TeamStore

	cache    *TeamGrantCache
	authn    *Authenticator
	resolver *Resolver
	tokens   *TokenMechanism

	logger *slog.Logger
}

// Dependencies contains everything the IAM service is built from.
type Dependencies struct {
	Users        repository.PrincipalStore
	Teams        repository.TeamStore
	Repositories RepositoryLookup
	Enforcer     casbin.IEnforcer
	Metrics      *telemetry.AuthMetrics
	Logger       *slog.Logger
}

// NewService builds the IAM service from configuration.
//
// This constructor:
//   - Loads the team cache (the server must not start if this fails)
//   - Builds credential providers and request mechanisms from cfg
//   - Wires the authenticator chain and the resolver
func NewService(ctx context.Context, deps Dependencies, cfg config.AuthConfig) (Service, error) {
	if deps.Users == nil || deps.Teams == nil || deps.Repositories == nil {
		return nil, errors.New("iam: users, teams and repositories are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	enforcer := deps.Enforcer
	if enforcer == nil {
		var err error
		if enforcer, err = auth.InitEnforcer(); err != nil {
			return nil, err
		}
	}

	cache, err := NewTeamGrantCache(ctx, deps.Teams)
	if err != nil {
		return nil, err
	}

	var providers []CredentialProvider
	if cfg.HtpasswdFile != "" {
		htpasswd, err := NewHtpasswdProvider(cfg.HtpasswdFile)
		if err != nil {
			return nil, err
		}
		providers = append(providers, htpasswd)
	}

	var tokens *TokenMechanism
	var mechanisms []Mechanism
	for _, name := range cfg.Providers {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "token":
			if cfg.TokenSecret == "" {
				continue
			}
			issuer, err := auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
			if err != nil {
				return nil, err
			}
			tokens = NewTokenMechanism(issuer)
			mechanisms = append(mechanisms, tokens)
		case "oidc":
			if cfg.OIDCIssuer == "" {
				continue
			}
			verifier, err := auth.NewOIDCVerifier(cfg.OIDCIssuer, cfg.OIDCClientID)
			if err != nil {
				return nil, err
			}
			mechanisms = append(mechanisms, NewOIDCMechanism(verifier))
		default:
			return nil, fmt.Errorf("unknown authentication provider %q", name)
		}
	}

	authn, err := NewAuthenticator(Options{
		Users:      deps.Users,
		Teams:      cache,
		Config:     cfg,
		Providers:  providers,
		Mechanisms: mechanisms,
		Metrics:    deps.Metrics,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &iamService{
		users:    deps.Users,
		teams:    deps.Teams,
		cache:    cache,
		authn:    authn,
		resolver: NewResolver(deps.Repositories, deps.Users, deps.Teams, cache, enforcer, logger),
		tokens:   tokens,
		logger:   logger,
	}, nil
}

// =============================================================================
// Authentication
// =============================================================================

func (s *iamService) AuthenticateRequest(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	return s.authn.Authenticate(ctx, req)
}

func (s *iamService) VerifyCredentials(ctx context.Context, username, secret, remoteAddr string) (*Principal, error) {
	return s.authn.VerifyCredentials(ctx, username, secret, remoteAddr)
}

func (s *iamService) AuthenticatePublicKey(ctx context.Context, username string, key ssh.PublicKey, remoteAddr string) (*AuthResult, access.Permission, error) {
	return s.authn.AuthenticatePublicKey(ctx, username, key, remoteAddr)
}

// =============================================================================
// Sessions
// =============================================================================

func (s *iamService) Login(ctx context.Context, username, secret, remoteAddr string) (*LoginResult, error) {
	p, err := s.authn.VerifyCredentials(ctx, username, secret, remoteAddr)
	if err != nil {
		return nil, err
	}
	res := &LoginResult{Principal: p}
	if res.Cookie, err = s.authn.IssueCookie(ctx, &AuthResult{Principal: p, Method: MethodCredentials}); err != nil {
		return nil, err
	}
	if s.tokens != nil {
		if res.Token, err = s.tokens.Issue(p); err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
	}
	s.logger.Info("User logged in", logfields.Principal(p.Username), logfields.RemoteAddr(remoteAddr))
	return res, nil
}

func (s *iamService) Logout(ctx context.Context, username string) (*http.Cookie, error) {
	return s.authn.ClearCookie(ctx, username)
}

// =============================================================================
// Authorization
// =============================================================================

func (s *iamService) EffectivePermission(p *Principal, d *registry.Descriptor) access.Grant {
	return s.resolver.EffectivePermission(p, d)
}

func (s *iamService) Authorize(p *Principal, d *registry.Descriptor, action access.Permission) bool {
	return s.resolver.Authorize(p, d, action)
}

func (s *iamService) CanCapability(p *Principal, capability auth.Capability) bool {
	return s.resolver.CanCapability(p, capability)
}

func (s *iamService) AllGrantsForPrincipal(ctx context.Context, username string) ([]access.Grant, error) {
	return s.resolver.AllGrantsForPrincipal(ctx, username)
}

func (s *iamService) AllGrantsForRepository(ctx context.Context, name string) ([]access.Grant, error) {
	return s.resolver.AllGrantsForRepository(ctx, name)
}

func (s *iamService) TeamGrantsForRepository(ctx context.Context, name string) ([]access.Grant, error) {
	return s.resolver.TeamGrantsForRepository(ctx, name)
}

func (s *iamService) SetGrants(ctx context.Context, name string, grants []access.Grant) error {
	return s.resolver.SetGrants(ctx, name, grants)
}

// =============================================================================
// Users
// =============================================================================

func (s *iamService) GetUser(ctx context.Context, username string) (*Principal, error) {
	return s.authn.LoadPrincipal(ctx, username)
}

func (s *iamService) ListUsers(ctx context.Context) ([]*Principal, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Principal, 0, len(users))
	for _, u := range users {
		out = append(out, s.authn.principal(u))
	}
	return out, nil
}

func (s *iamService) CreateUser(ctx context.Context, spec UserSpec) (*Principal, error) {
	name := strings.ToLower(strings.TrimSpace(spec.Username))
	if name == "" {
		return nil, errors.New("username is required")
	}
	if strings.HasPrefix(name, "$") {
		return nil, fmt.Errorf("username %q is reserved: %w", name, errs.ErrForbidden)
	}
	u := &models.User{
		Username:    name,
		DisplayName: spec.DisplayName,
		Email:       spec.Email,
		Locale:      spec.Locale,
		Disabled:    spec.Disabled,
		AccountType: models.AccountLocal,
		Roles:       normalizeRoles(spec.Roles),
	}
	if spec.Password != "" {
		secret, err := auth.HashSecret(spec.Scheme, name, spec.Password)
		if err != nil {
			return nil, err
		}
		u.Secret = secret
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("User created", logfields.Principal(name))
	return s.authn.LoadPrincipal(ctx, name)
}

func (s *iamService) UpdateUser(ctx context.Context, spec UserSpec) (*Principal, error) {
	u, err := s.users.GetByName(ctx, spec.Username)
	if err != nil {
		return nil, err
	}
	roles := normalizeRoles(spec.Roles)
	if !slices.Equal(roles, normalizeRoles(u.Roles)) && !s.authn.CanChangeRoles(s.authn.principal(u)) {
		return nil, fmt.Errorf("roles of %s are managed by its %s account source: %w", u.Username, u.AccountType, errs.ErrForbidden)
	}
	u.DisplayName = spec.DisplayName
	u.Email = spec.Email
	u.Locale = spec.Locale
	u.Disabled = spec.Disabled
	u.Roles = roles
	if spec.Password != "" {
		if !s.authn.CanChangePassword(s.authn.principal(u)) {
			return nil, fmt.Errorf("password of %s: %w", u.Username, errs.ErrForbidden)
		}
		secret, err := auth.HashSecret(spec.Scheme, u.Username, spec.Password)
		if err != nil {
			return nil, err
		}
		u.Secret = secret
	}
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}
	return s.authn.principal(u), nil
}

func (s *iamService) DeleteUser(ctx context.Context, username string) error {
	if err := s.users.Delete(ctx, username); err != nil {
		return err
	}
	for _, t := range s.cache.TeamsFor(username) {
		if err := s.teams.RemoveMember(ctx, t.Name, username); err != nil && !errors.Is(err, errs.ErrNotFound) {
			s.logger.Warn("Removing deleted user from team failed",
				logfields.Principal(username), logfields.Team(t.Name), logfields.Error(err))
		}
	}
	s.logger.Info("User deleted", logfields.Principal(username))
	return s.RefreshTeamCache(ctx)
}

func (s *iamService) SetDisabled(ctx context.Context, username string, disabled bool) error {
	u, err := s.users.GetByName(ctx, username)
	if err != nil {
		return err
	}
	u.Disabled = disabled
	if err := s.users.Update(ctx, u); err != nil {
		return err
	}
	if disabled {
		// a disabled account keeps no session
		if err := s.users.SetCookieHash(ctx, u.Username, nil); err != nil {
			return err
		}
	}
	s.logger.Info("User disabled flag changed", logfields.Principal(u.Username), slog.Bool("disabled", disabled))
	return nil
}

func (s *iamService) SetPassword(ctx context.Context, username, scheme, secret string) error {
	return s.authn.ChangePassword(ctx, username, scheme, secret)
}

func (s *iamService) SetUserGrant(ctx context.Context, username, repo string, perm access.Permission) error {
	if perm == access.PermissionNone {
		return s.users.RemoveGrant(ctx, username, repo)
	}
	return s.users.SetGrant(ctx, username, repo, perm)
}

func (s *iamService) AddKey(ctx context.Context, username, authorizedKey string, perm access.Permission) (*models.UserKey, error) {
	key, err := ParseAuthorizedKey(authorizedKey, perm)
	if err != nil {
		return nil, err
	}
	if err := s.users.AddKey(ctx, username, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *iamService) ListKeys(ctx context.Context, username string) ([]models.UserKey, error) {
	return s.users.ListKeys(ctx, username)
}

func (s *iamService) RemoveKey(ctx context.Context, username, fingerprint string) error {
	return s.users.RemoveKey(ctx, username, fingerprint)
}

// =============================================================================
// Teams
// =============================================================================

func (s *iamService) GetTeam(ctx context.Context, name string) (*Team, error) {
	t, err := s.teams.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return teamFromModel(t), nil
}

func (s *iamService) ListTeams(ctx context.Context) ([]*Team, error) {
	teams, err := s.teams.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Team, 0, len(teams))
	for _, t := range teams {
		out = append(out, teamFromModel(t))
	}
	return out, nil
}

func (s *iamService) CreateTeam(ctx context.Context, spec TeamSpec) (*Team, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.New("team name is required")
	}
	t := &models.Team{
		Name:               name,
		Members:            spec.Members,
		Roles:              normalizeRoles(spec.Roles),
		PreReceiveScripts:  spec.PreReceiveScripts,
		PostReceiveScripts: spec.PostReceiveScripts,
	}
	if err := s.teams.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("Team created", logfields.Team(name))
	if err := s.RefreshTeamCache(ctx); err != nil {
		return nil, err
	}
	return teamFromModel(t), nil
}

func (s *iamService) DeleteTeam(ctx context.Context, name string) error {
	if err := s.teams.Delete(ctx, name); err != nil {
		return err
	}
	s.logger.Info("Team deleted", logfields.Team(name))
	return s.RefreshTeamCache(ctx)
}

func (s *iamService) AddTeamMember(ctx context.Context, team, username string) error {
	if err := s.teams.AddMember(ctx, team, username); err != nil {
		return err
	}
	return s.RefreshTeamCache(ctx)
}

func (s *iamService) RemoveTeamMember(ctx context.Context, team, username string) error {
	if err := s.teams.RemoveMember(ctx, team, username); err != nil {
		return err
	}
	return s.RefreshTeamCache(ctx)
}

func (s *iamService) SetTeamGrant(ctx context.Context, team, repo string, perm access.Permission) error {
	var err error
	if perm == access.PermissionNone {
		err = s.teams.RemoveGrant(ctx, team, repo)
	} else {
		err = s.teams.SetGrant(ctx, team, repo, perm)
	}
	if err != nil {
		return err
	}
	return s.RefreshTeamCache(ctx)
}

// =============================================================================
// Cache
// =============================================================================

func (s *iamService) RefreshTeamCache(ctx context.Context) error {
	return s.cache.Refresh(ctx)
}

func (s *iamService) TeamCacheVersion() int {
	if snap := s.cache.Get(); snap != nil {
		return snap.Version
	}
	return 0
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = auth.NormalizeRole(r); r != "" && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return out
}
