package iam

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/repository"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/telemetry"
)

const tracerName = "gitgrid/iam"

// AuthMethod names how a principal was authenticated.
type AuthMethod string

const (
	MethodContainer   AuthMethod = "CONTAINER"
	MethodCertificate AuthMethod = "CERTIFICATE"
	MethodCookie      AuthMethod = "COOKIE"
	MethodCredentials AuthMethod = "CREDENTIALS"
	MethodPublicKey   AuthMethod = "PUBLIC_KEY"
	MethodToken       AuthMethod = "TOKEN"
	MethodOIDC        AuthMethod = "OIDC"
)

// AuthRequest carries everything the chain may inspect for one request.
// Transport layers fill what they have; steps ignore what is absent.
type AuthRequest struct {
	// Headers contains HTTP headers (including Authorization)
	Headers http.Header

	// Cookies contains parsed cookies
	Cookies []*http.Cookie

	// RemoteAddr is the client address, used for failure logging
	RemoteAddr string

	// ContainerUser is the identity asserted by a trusted reverse proxy.
	// Transport layers only set it for requests from trusted addresses.
	ContainerUser string
	// ContainerAttributes holds provisioning attributes keyed by lowercase
	// name (email, displayname, locale).
	ContainerAttributes map[string]string
	// ContainerRoles lists upstream roles asserted alongside ContainerUser.
	ContainerRoles []string

	// PeerCertificates is the verified client certificate chain, leaf first.
	PeerCertificates []*x509.Certificate
	// RequireCertificate makes the certificate step terminal: without a
	// usable certificate the whole chain stops.
	RequireCertificate bool
}

// AuthResult is a successful authentication.
type AuthResult struct {
	Principal *Principal
	Method    AuthMethod
}

// Step is one authentication mechanism in the chain.
//
// Return values:
//   - (result, nil): authenticated, the chain stops here
//   - (nil, nil): mechanism not applicable or declined, try the next step
//   - (nil, ErrStopChain): stop the whole chain without a principal
//   - (nil, error): infrastructure failure
type Step func(ctx context.Context, req AuthRequest) (*AuthResult, error)

// ErrStopChain ends authentication with no principal and no fallback.
var ErrStopChain = errors.New("authentication chain stopped")

type namedStep struct {
	method AuthMethod
	run    Step
}

// Options configures an Authenticator.
type Options struct {
	Users repository.PrincipalStore
	// Teams resolves team membership for principals. Optional.
	Teams  *TeamGrantCache
	Config config.AuthConfig

	// Providers verify username/secret pairs for non-local accounts, in order.
	Providers []CredentialProvider
	// Mechanisms are tried after basic credentials, in order.
	Mechanisms []Mechanism

	Metrics *telemetry.AuthMetrics
	Logger  *slog.Logger
	// Now overrides the clock for certificate validity checks.
	Now func() time.Time
}

// Authenticator runs the ordered authentication chain:
//
//  1. identity already established for this unit of work
//  2. container identity asserted by a trusted proxy
//  3. client certificate
//  4. session cookie
//  5. basic credentials
//  6. configured mechanisms (access tokens, OIDC bearer tokens)
//
// The first step to produce a principal wins. A disabled account is vetoed
// regardless of which step found it, and the chain does not fall through to
// later steps.
type Authenticator struct {
	users      repository.PrincipalStore
	teams      *TeamGrantCache
	cfg        config.AuthConfig
	providers  []CredentialProvider
	mechanisms []Mechanism
	steps      []namedStep
	metrics    *telemetry.AuthMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewAuthenticator builds the chain.
func NewAuthenticator(opts Options) (*Authenticator, error) {
	if opts.Users == nil {
		return nil, errors.New("principal store is required")
	}
	a := &Authenticator{
		users:      opts.Users,
		teams:      opts.Teams,
		cfg:        opts.Config,
		providers:  opts.Providers,
		mechanisms: opts.Mechanisms,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.cfg.CookieName == "" {
		a.cfg.CookieName = "gitgrid"
	}

	a.steps = []namedStep{
		{"RESOLVED", a.authenticateResolved},
		{MethodContainer, a.authenticateContainer},
		{MethodCertificate, a.authenticateCertificate},
		{MethodCookie, a.authenticateCookie},
		{MethodCredentials, a.authenticateBasic},
	}
	for _, m := range a.mechanisms {
		a.steps = append(a.steps, namedStep{m.AuthMethod(), a.mechanismStep(m)})
	}
	return a, nil
}

// Authenticate runs the chain. A nil result with nil error means the request
// is anonymous.
func (a *Authenticator) Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "iam.Authenticate")
	defer span.End()
	start := time.Now()

	for _, step := range a.steps {
		res, err := step.run(ctx, req)
		switch {
		case errors.Is(err, ErrStopChain):
			a.logger.Info("Authentication chain stopped",
				logfields.AuthMethod(string(step.method)), logfields.RemoteAddr(req.RemoteAddr))
			a.metrics.RecordAuth(ctx, string(step.method), false, msSince(start))
			return nil, nil
		case err != nil:
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("%s authentication: %w", strings.ToLower(string(step.method)), err)
		case res == nil:
			continue
		}

		if res.Principal.Disabled {
			a.logger.Warn("Disabled account vetoed",
				logfields.Principal(res.Principal.Username),
				logfields.AuthMethod(string(res.Method)),
				logfields.RemoteAddr(req.RemoteAddr))
			a.metrics.RecordAuth(ctx, string(res.Method), false, msSince(start))
			return nil, nil
		}
		a.metrics.RecordAuth(ctx, string(res.Method), true, msSince(start))
		telemetry.AddEvent(span, "authenticated")
		return res, nil
	}
	return nil, nil
}

// LoadPrincipal reads username from the store as an authenticated principal.
func (a *Authenticator) LoadPrincipal(ctx context.Context, username string) (*Principal, error) {
	u, err := a.users.GetByName(ctx, username)
	if err != nil {
		return nil, err
	}
	return a.principal(u), nil
}

func (a *Authenticator) principal(u *models.User) *Principal {
	var teams []string
	if a.teams != nil {
		for _, t := range a.teams.TeamsFor(u.Username) {
			teams = append(teams, t.Name)
		}
	}
	return principalFromModel(u, teams, true)
}

// lookup returns (nil, nil) for unknown accounts.
func (a *Authenticator) lookup(ctx context.Context, username string) (*models.User, error) {
	u, err := a.users.GetByName(ctx, username)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", username, err)
	}
	return u, nil
}

// ensureAccount returns the stored account for ident, creating it as an
// external account of accountType when missing and allowed.
func (a *Authenticator) ensureAccount(ctx context.Context, ident Identity, accountType string) (*models.User, error) {
	u, err := a.lookup(ctx, ident.Username)
	if err != nil || u != nil {
		return u, err
	}
	if !ident.Provision || a.reserved(ident.Username) {
		return nil, nil
	}

	u = &models.User{
		Username:    ident.Username,
		DisplayName: ident.DisplayName,
		Email:       ident.Email,
		Locale:      ident.Locale,
		Secret:      ExternalAccountMarker,
		AccountType: accountType,
		Roles:       ident.Roles,
	}
	if err := a.users.Create(ctx, u); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			// provisioned concurrently
			return a.lookup(ctx, ident.Username)
		}
		return nil, fmt.Errorf("provision %s: %w", ident.Username, err)
	}
	a.logger.Info("Provisioned external account",
		logfields.Principal(u.Username), slog.String("account_type", accountType))
	return a.lookup(ctx, ident.Username)
}

// reserved reports names that are never provisioned or credential-authenticated.
func (a *Authenticator) reserved(username string) bool {
	return strings.HasPrefix(username, "$") || strings.EqualFold(username, a.cfg.FederationUser)
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
