package iam

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// authenticateResolved trusts an identity an earlier stage of the same
// pipeline already established.
func (a *Authenticator) authenticateResolved(ctx context.Context, _ AuthRequest) (*AuthResult, error) {
	resolved, ok := auth.GetUserFromContext(ctx)
	if !ok {
		return nil, nil
	}
	u, err := a.lookup(ctx, resolved.Username)
	if err != nil || u == nil {
		return nil, err
	}
	method := AuthMethod(resolved.Method)
	if method == "" {
		method = MethodContainer
	}
	return &AuthResult{Principal: a.principal(u), Method: method}, nil
}

// containerAttributes are the provisioning attributes a proxy may assert.
type containerAttributes struct {
	Email       string `mapstructure:"email"`
	DisplayName string `mapstructure:"displayname"`
	Locale      string `mapstructure:"locale"`
}

// authenticateContainer accepts the proxy-asserted identity. Missing accounts
// are provisioned when enabled; reserved "$" names never are.
func (a *Authenticator) authenticateContainer(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	name := strings.ToLower(strings.TrimSpace(req.ContainerUser))
	if name == "" {
		return nil, nil
	}

	ident := Identity{Username: name, Provision: a.cfg.ContainerAutoCreate}
	if ident.Provision {
		var attrs containerAttributes
		if err := mapstructure.WeakDecode(req.ContainerAttributes, &attrs); err != nil {
			a.logger.Warn("Ignoring unreadable container attributes", logfields.Principal(name), logfields.Error(err))
		}
		ident.Email = attrs.Email
		ident.DisplayName = attrs.DisplayName
		ident.Locale = attrs.Locale
		if role := a.cfg.ContainerAdminRole; role != "" &&
			slices.ContainsFunc(req.ContainerRoles, func(r string) bool { return strings.EqualFold(strings.TrimSpace(r), role) }) {
			ident.Roles = []string{auth.RoleAdmin}
		}
	}

	u, err := a.ensureAccount(ctx, ident, models.AccountContainer)
	if err != nil {
		return nil, err
	}
	if u == nil {
		a.logger.Debug("Container identity has no account", logfields.Principal(name))
		return nil, nil
	}
	return &AuthResult{Principal: a.principal(u), Method: MethodContainer}, nil
}

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// authenticateCertificate maps the leaf certificate's subject to a username.
// When certificates are required any failure stops the chain.
func (a *Authenticator) authenticateCertificate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	decline := func() (*AuthResult, error) {
		if req.RequireCertificate {
			return nil, ErrStopChain
		}
		return nil, nil
	}
	if len(req.PeerCertificates) == 0 {
		return decline()
	}

	cert := req.PeerCertificates[0]
	if a.cfg.CertEnforceValidity {
		now := a.now()
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			a.logger.Warn("Client certificate outside its validity period",
				"subject", cert.Subject.String(), logfields.RemoteAddr(req.RemoteAddr))
			return decline()
		}
	}

	name := CertificateUsername(cert, a.cfg.CertUsernameFields)
	if name == "" {
		return decline()
	}
	u, err := a.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if u == nil {
		a.logger.Info("Client certificate names an unknown account",
			logfields.Principal(name), logfields.RemoteAddr(req.RemoteAddr))
		return decline()
	}
	return &AuthResult{Principal: a.principal(u), Method: MethodCertificate}, nil
}

// CertificateUsername joins the configured subject fields with a space and
// lowercases the result. Unknown or empty fields are skipped.
func CertificateUsername(cert *x509.Certificate, fields []string) string {
	if len(fields) == 0 {
		fields = []string{"CN"}
	}
	var parts []string
	for _, f := range fields {
		var v string
		switch strings.ToUpper(strings.TrimSpace(f)) {
		case "CN":
			v = cert.Subject.CommonName
		case "O":
			v = strings.Join(cert.Subject.Organization, " ")
		case "OU":
			v = strings.Join(cert.Subject.OrganizationalUnit, " ")
		case "C":
			v = strings.Join(cert.Subject.Country, " ")
		case "L":
			v = strings.Join(cert.Subject.Locality, " ")
		case "ST":
			v = strings.Join(cert.Subject.Province, " ")
		case "EMAILADDRESS", "E":
			v = certificateEmail(cert)
		}
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func certificateEmail(cert *x509.Certificate) string {
	for _, n := range cert.Subject.Names {
		if n.Type.Equal(oidEmailAddress) {
			if s, ok := n.Value.(string); ok {
				return s
			}
		}
	}
	if len(cert.EmailAddresses) > 0 {
		return cert.EmailAddresses[0]
	}
	return ""
}

// authenticateCookie resolves the session cookie through its stored hash.
func (a *Authenticator) authenticateCookie(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	value := cookieValue(req, a.cfg.CookieName)
	if value == "" {
		return nil, nil
	}
	u, err := a.users.GetByCookieHash(ctx, auth.HashCookieSecret(value))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup cookie: %w", err)
	}
	return &AuthResult{Principal: a.principal(u), Method: MethodCookie}, nil
}

func cookieValue(req AuthRequest, name string) string {
	for _, c := range req.Cookies {
		if c.Name == name && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

// authenticateBasic verifies an Authorization: Basic header. Wrong
// credentials decline rather than fail so later mechanisms still run.
func (a *Authenticator) authenticateBasic(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	username, secret, ok := auth.ParseBasicAuth(req.Headers.Get("Authorization"))
	if !ok {
		return nil, nil
	}
	p, err := a.checkCredentials(ctx, username, secret, req.RemoteAddr)
	if err != nil {
		return nil, nil
	}
	return &AuthResult{Principal: p, Method: MethodCredentials}, nil
}

// mechanismStep adapts a pluggable mechanism into a chain step.
func (a *Authenticator) mechanismStep(m Mechanism) Step {
	return func(ctx context.Context, req AuthRequest) (*AuthResult, error) {
		ident, err := m.Identify(ctx, req)
		if err != nil {
			a.logger.Info("Request mechanism rejected credentials",
				logfields.AuthMethod(string(m.AuthMethod())), logfields.RemoteAddr(req.RemoteAddr), logfields.Error(err))
			return nil, nil
		}
		if ident == nil {
			return nil, nil
		}
		u, err := a.ensureAccount(ctx, *ident, m.AccountType())
		if err != nil || u == nil {
			return nil, err
		}
		return &AuthResult{Principal: a.principal(u), Method: m.AuthMethod()}, nil
	}
}
