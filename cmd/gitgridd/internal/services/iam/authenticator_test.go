package iam

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		CookieName:          "gitgrid",
		FederationUser:      "$gitgrid",
		CertUsernameFields:  []string{"CN"},
		CertEnforceValidity: true,
	}
}

func newTestAuthenticator(t *testing.T, users *mockPrincipalStore, cfg config.AuthConfig, opts ...func(*Options)) *Authenticator {
	t.Helper()
	o := Options{Users: users, Config: cfg}
	for _, fn := range opts {
		fn(&o)
	}
	a, err := NewAuthenticator(o)
	require.NoError(t, err)
	return a
}

func withCookie(t *testing.T, users *mockPrincipalStore, username string) *http.Cookie {
	t.Helper()
	secret, hash, err := auth.GenerateCookieSecret()
	require.NoError(t, err)
	require.NoError(t, users.SetCookieHash(context.Background(), username, &hash))
	return &http.Cookie{Name: "gitgrid", Value: secret}
}

func TestAuthenticate_NoCredentialsIsAnonymous(t *testing.T) {
	a := newTestAuthenticator(t, newMockPrincipalStore(), testAuthConfig())

	res, err := a.Authenticate(context.Background(), AuthRequest{Headers: http.Header{}})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestAuthenticate_Cookie(t *testing.T) {
	users := newMockPrincipalStore(&models.User{Username: "alice"})
	a := newTestAuthenticator(t, users, testAuthConfig())
	cookie := withCookie(t, users, "alice")

	res, err := a.Authenticate(context.Background(), AuthRequest{Cookies: []*http.Cookie{cookie}})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "alice", res.Principal.Username)
	assert.Equal(t, MethodCookie, res.Method)
	assert.True(t, res.Principal.Authenticated)

	res, err = a.Authenticate(context.Background(), AuthRequest{Cookies: []*http.Cookie{{Name: "gitgrid", Value: "stale"}}})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestAuthenticate_DisabledCookieVetoed(t *testing.T) {
	users := newMockPrincipalStore(
		&models.User{Username: "mallory", Disabled: true, Secret: "pw"},
	)
	a := newTestAuthenticator(t, users, testAuthConfig())
	cookie := withCookie(t, users, "mallory")

	// valid basic credentials for the same account must not rescue the request
	headers := http.Header{}
	headers.Set("Authorization", auth.BasicAuthHeader("mallory", "pw"))

	res, err := a.Authenticate(context.Background(), AuthRequest{Headers: headers, Cookies: []*http.Cookie{cookie}})
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = a.VerifyCredentials(context.Background(), "mallory", "pw", "10.0.0.1")
	assert.ErrorIs(t, err, errs.ErrInvalidCredentials)
}

func TestAuthenticate_ContainerBeatsCookie(t *testing.T) {
	users := newMockPrincipalStore(&models.User{Username: "alice"}, &models.User{Username: "bob"})
	a := newTestAuthenticator(t, users, testAuthConfig())
	cookie := withCookie(t, users, "bob")

	res, err := a.Authenticate(context.Background(), AuthRequest{ContainerUser: "Alice", Cookies: []*http.Cookie{cookie}})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "alice", res.Principal.Username)
	assert.Equal(t, MethodContainer, res.Method)
}

func TestAuthenticate_ContainerProvisioning(t *testing.T) {
	ctx := context.Background()
	cfg := testAuthConfig()
	cfg.ContainerAutoCreate = true
	cfg.ContainerAdminRole = "git-admins"
	users := newMockPrincipalStore()
	a := newTestAuthenticator(t, users, cfg)

	res, err := a.Authenticate(ctx, AuthRequest{
		ContainerUser:       "newbie",
		ContainerAttributes: map[string]string{"email": "newbie@example.com", "displayname": "New Bie", "locale": "de"},
		ContainerRoles:      []string{"staff", "Git-Admins"},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	stored, err := users.GetByName(ctx, "newbie")
	require.NoError(t, err)
	assert.Equal(t, models.AccountContainer, stored.AccountType)
	assert.Equal(t, ExternalAccountMarker, stored.Secret)
	assert.Equal(t, "newbie@example.com", stored.Email)
	assert.Equal(t, "New Bie", stored.DisplayName)
	assert.Equal(t, "de", stored.Locale)
	assert.Equal(t, []string{auth.RoleAdmin}, stored.Roles)

	// reserved names are never provisioned
	res, err = a.Authenticate(ctx, AuthRequest{ContainerUser: "$gitgrid"})
	require.NoError(t, err)
	assert.Nil(t, res)
	_, err = users.GetByName(ctx, "$gitgrid")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// without provisioning an unknown identity falls through
	cfg.ContainerAutoCreate = false
	a = newTestAuthenticator(t, users, cfg)
	res, err = a.Authenticate(ctx, AuthRequest{ContainerUser: "stranger"})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func testCertificate(t *testing.T, cn string, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:   big.NewInt(1),
		Subject:        pkix.Name{CommonName: cn, Organization: []string{"Example"}},
		EmailAddresses: []string{cn + "@example.com"},
		NotBefore:      notBefore,
		NotAfter:       notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestAuthenticate_Certificate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	users := newMockPrincipalStore(&models.User{Username: "alice"}, &models.User{Username: "bob"})
	a := newTestAuthenticator(t, users, testAuthConfig(), func(o *Options) { o.Now = func() time.Time { return now } })

	valid := testCertificate(t, "Alice", now.Add(-time.Hour), now.Add(time.Hour))
	res, err := a.Authenticate(ctx, AuthRequest{PeerCertificates: []*x509.Certificate{valid}})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, MethodCertificate, res.Method)
	assert.Equal(t, "alice", res.Principal.Username)

	expired := testCertificate(t, "alice", now.Add(-2*time.Hour), now.Add(-time.Hour))
	cookie := withCookie(t, users, "bob")

	// optional certificates fall through to the cookie
	res, err = a.Authenticate(ctx, AuthRequest{PeerCertificates: []*x509.Certificate{expired}, Cookies: []*http.Cookie{cookie}})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "bob", res.Principal.Username)

	// required certificates stop the chain
	res, err = a.Authenticate(ctx, AuthRequest{PeerCertificates: []*x509.Certificate{expired}, Cookies: []*http.Cookie{cookie}, RequireCertificate: true})
	require.NoError(t, err)
	assert.Nil(t, res)

	unknown := testCertificate(t, "nobody", now.Add(-time.Hour), now.Add(time.Hour))
	res, err = a.Authenticate(ctx, AuthRequest{PeerCertificates: []*x509.Certificate{unknown}, Cookies: []*http.Cookie{cookie}, RequireCertificate: true})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestCertificateUsername(t *testing.T) {
	cert := testCertificate(t, "Alice", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	assert.Equal(t, "alice", CertificateUsername(cert, nil))
	assert.Equal(t, "alice example", CertificateUsername(cert, []string{"cn", "O"}))
	assert.Equal(t, "alice@example.com", CertificateUsername(cert, []string{"EMAILADDRESS"}))
	assert.Equal(t, "", CertificateUsername(cert, []string{"OU"}))
}

func TestVerifyCredentials(t *testing.T) {
	ctx := context.Background()
	md5, err := auth.HashSecret(auth.SchemeMD5, "alice", "s3cret")
	require.NoError(t, err)
	users := newMockPrincipalStore(
		&models.User{Username: "alice", Secret: md5},
		&models.User{Username: "$gitgrid", Secret: "fed"},
		&models.User{Username: "ext", Secret: ExternalAccountMarker, AccountType: models.AccountContainer},
	)
	a := newTestAuthenticator(t, users, testAuthConfig())

	p, err := a.VerifyCredentials(ctx, " Alice ", "s3cret", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)

	tests := []struct {
		name, user, secret string
	}{
		{"wrong secret", "alice", "S3CRET"},
		{"empty secret", "alice", ""},
		{"empty user", "", "s3cret"},
		{"federation user", "$gitgrid", "fed"},
		{"external marker", "ext", ExternalAccountMarker},
		{"unknown", "nobody", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.VerifyCredentials(ctx, tt.user, tt.secret, "10.0.0.1")
			assert.ErrorIs(t, err, errs.ErrInvalidCredentials)
			assert.Equal(t, errs.ErrInvalidCredentials, err, "failures are not distinguishable")
		})
	}
}

func TestVerifyCredentials_HtpasswdProvider(t *testing.T) {
	ctx := context.Background()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "users.htpasswd")
	require.NoError(t, os.WriteFile(file, []byte("# comment\nHarry:"+string(hash)+"\nsally:{SHA}W6ph5Mm5Pz8GgiULbPgzG37mj9g=\n"), 0o600))

	provider, err := NewHtpasswdProvider(file)
	require.NoError(t, err)
	users := newMockPrincipalStore(&models.User{Username: "local", Secret: "pw"})
	a := newTestAuthenticator(t, users, testAuthConfig(), func(o *Options) { o.Providers = []CredentialProvider{provider} })

	p, err := a.VerifyCredentials(ctx, "harry", "hunter2", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, models.AccountHtpasswd, p.AccountType)

	stored, err := users.GetByName(ctx, "harry")
	require.NoError(t, err)
	assert.Equal(t, ExternalAccountMarker, stored.Secret)

	// "password" in SHA-1
	_, err = a.VerifyCredentials(ctx, "sally", "password", "")
	require.NoError(t, err)

	_, err = a.VerifyCredentials(ctx, "harry", "wrong", "")
	assert.ErrorIs(t, err, errs.ErrInvalidCredentials)

	assert.False(t, a.CanChangePassword(p))
	assert.True(t, a.CanChangeRoles(p))
	local, err := a.LoadPrincipal(ctx, "local")
	require.NoError(t, err)
	assert.True(t, a.CanChangePassword(local))
}

func TestIssueCookie_Policy(t *testing.T) {
	ctx := context.Background()
	users := newMockPrincipalStore(
		&models.User{Username: "alice", Secret: "pw"},
		&models.User{Username: "ext", Secret: ExternalAccountMarker, AccountType: models.AccountContainer},
	)
	a := newTestAuthenticator(t, users, testAuthConfig())
	alice, err := a.LoadPrincipal(ctx, "alice")
	require.NoError(t, err)
	ext, err := a.LoadPrincipal(ctx, "ext")
	require.NoError(t, err)

	cookie, err := a.IssueCookie(ctx, &AuthResult{Principal: alice, Method: MethodCookie})
	require.NoError(t, err)
	assert.Nil(t, cookie, "only credential logins get a cookie")

	cookie, err = a.IssueCookie(ctx, &AuthResult{Principal: ext, Method: MethodCredentials})
	require.NoError(t, err)
	assert.Nil(t, cookie, "external accounts get no cookie")

	cookie, err = a.IssueCookie(ctx, &AuthResult{Principal: alice, Method: MethodCredentials})
	require.NoError(t, err)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)

	res, err := a.Authenticate(ctx, AuthRequest{Cookies: []*http.Cookie{cookie}})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "alice", res.Principal.Username)

	_, err = a.ClearCookie(ctx, "alice")
	require.NoError(t, err)
	res, err = a.Authenticate(ctx, AuthRequest{Cookies: []*http.Cookie{cookie}})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestAuthenticate_BasicAndToken(t *testing.T) {
	ctx := context.Background()
	users := newMockPrincipalStore(&models.User{Username: "alice", Secret: "pw"})
	issuer, err := auth.NewTokenIssuer("0123456789abcdef0123456789abcdef", time.Hour)
	require.NoError(t, err)
	tokens := NewTokenMechanism(issuer)
	a := newTestAuthenticator(t, users, testAuthConfig(), func(o *Options) { o.Mechanisms = []Mechanism{tokens} })

	headers := http.Header{}
	headers.Set("Authorization", auth.BasicAuthHeader("alice", "pw"))
	res, err := a.Authenticate(ctx, AuthRequest{Headers: headers})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, MethodCredentials, res.Method)

	headers.Set("Authorization", auth.BasicAuthHeader("alice", "wrong"))
	res, err = a.Authenticate(ctx, AuthRequest{Headers: headers})
	require.NoError(t, err)
	assert.Nil(t, res)

	token, err := tokens.Issue(&Principal{Username: "alice", Authenticated: true})
	require.NoError(t, err)
	headers.Set("Authorization", "Bearer "+token)
	res, err = a.Authenticate(ctx, AuthRequest{Headers: headers})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, MethodToken, res.Method)
	assert.Equal(t, "alice", res.Principal.Username)

	headers.Set("Authorization", "Bearer garbage")
	res, err = a.Authenticate(ctx, AuthRequest{Headers: headers})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestAuthenticate_ResolvedIdentity(t *testing.T) {
	users := newMockPrincipalStore(&models.User{Username: "alice"})
	a := newTestAuthenticator(t, users, testAuthConfig())

	ctx := auth.SetUserContext(context.Background(), auth.AuthenticatedPrincipal{Username: "alice", Method: string(MethodPublicKey)})
	res, err := a.Authenticate(ctx, AuthRequest{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, MethodPublicKey, res.Method)
}

func TestAuthenticatePublicKey(t *testing.T) {
	ctx := context.Background()
	users := newMockPrincipalStore(&models.User{Username: "alice"}, &models.User{Username: "off", Disabled: true})
	a := newTestAuthenticator(t, users, testAuthConfig())

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	line := string(ssh.MarshalAuthorizedKey(sshPub))

	key, err := ParseAuthorizedKey(line, access.PermissionClone)
	require.NoError(t, err)
	require.NoError(t, users.AddKey(ctx, "alice", key))
	require.NoError(t, users.AddKey(ctx, "off", key))

	res, perm, err := a.AuthenticatePublicKey(ctx, "alice", sshPub, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, MethodPublicKey, res.Method)
	assert.Equal(t, access.PermissionClone, perm)

	_, _, err = a.AuthenticatePublicKey(ctx, "off", sshPub, "10.0.0.1")
	assert.ErrorIs(t, err, errs.ErrInvalidCredentials)

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherKey, err := ssh.NewPublicKey(otherPub)
	require.NoError(t, err)
	_, _, err = a.AuthenticatePublicKey(ctx, "alice", otherKey, "10.0.0.1")
	assert.ErrorIs(t, err, errs.ErrInvalidCredentials)
}
