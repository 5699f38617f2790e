package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/services/iam"
)

// Realm is announced in authentication challenges.
const Realm = "gitgrid"

// RequestMapper turns HTTP requests into authentication requests.
type RequestMapper struct {
	cfg     config.AuthConfig
	proxies []netip.Prefix
	// RequireCertificate stops the chain when no client certificate maps to
	// an account.
	RequireCertificate bool
}

// NewRequestMapper parses the trusted proxy list. Entries are CIDRs or bare
// addresses.
func NewRequestMapper(cfg config.AuthConfig) (*RequestMapper, error) {
	m := &RequestMapper{cfg: cfg}
	for _, entry := range cfg.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			m.proxies = append(m.proxies, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		m.proxies = append(m.proxies, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return m, nil
}

// Trusted reports whether remoteAddr (host:port or host) may assert a
// container identity.
func (m *RequestMapper) Trusted(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range m.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AuthRequest builds the chain input. Container headers are read only from
// trusted proxies.
func (m *RequestMapper) AuthRequest(r *http.Request) iam.AuthRequest {
	req := iam.AuthRequest{
		Headers:            r.Header,
		Cookies:            r.Cookies(),
		RemoteAddr:         r.RemoteAddr,
		RequireCertificate: m.RequireCertificate,
	}
	if r.TLS != nil {
		if len(r.TLS.VerifiedChains) > 0 {
			req.PeerCertificates = r.TLS.VerifiedChains[0]
		} else {
			req.PeerCertificates = r.TLS.PeerCertificates
		}
	}
	if m.cfg.ContainerHeader == "" || !m.Trusted(r.RemoteAddr) {
		return req
	}

	req.ContainerUser = strings.TrimSpace(r.Header.Get(m.cfg.ContainerHeader))
	if req.ContainerUser == "" {
		return req
	}
	if m.cfg.ContainerRolesHeader != "" {
		for _, role := range strings.Split(r.Header.Get(m.cfg.ContainerRolesHeader), ",") {
			if role = strings.TrimSpace(role); role != "" {
				req.ContainerRoles = append(req.ContainerRoles, role)
			}
		}
	}
	if prefix := http.CanonicalHeaderKey(m.cfg.ContainerAttributePrefix); prefix != "" {
		skip := map[string]bool{
			http.CanonicalHeaderKey(m.cfg.ContainerHeader):      true,
			http.CanonicalHeaderKey(m.cfg.ContainerRolesHeader): true,
		}
		for name, values := range r.Header {
			if skip[name] || len(values) == 0 || !strings.HasPrefix(strings.ToLower(name), strings.ToLower(prefix)) {
				continue
			}
			if req.ContainerAttributes == nil {
				req.ContainerAttributes = make(map[string]string)
			}
			req.ContainerAttributes[strings.ToLower(name[len(prefix):])] = values[0]
		}
	}
	return req
}

// NewAuthnMiddleware authenticates every request.
//
// This middleware:
//  1. Builds an iam.AuthRequest from the HTTP request
//  2. Runs the authentication chain
//  3. Stores the principal in the context when one was found
//  4. Continues to the next handler
//
// Requests without usable credentials continue as anonymous; handlers
// decide whether that is enough. Only infrastructure failures stop the
// request here.
func NewAuthnMiddleware(authn Authenticator, mapper *RequestMapper, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			res, err := authn.AuthenticateRequest(ctx, mapper.AuthRequest(r))
			if err != nil {
				logger.Error("Authentication failed",
					slog.String("method", r.Method),
					logfields.Path(r.URL.Path),
					logfields.RemoteAddr(r.RemoteAddr),
					logfields.Error(err))
				http.Error(w, "authentication unavailable", http.StatusInternalServerError)
				return
			}
			if res != nil {
				ctx = WithPrincipal(ctx, res)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Challenge answers 401 and asks for basic credentials.
func Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", Realm))
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

// RequireAuthenticated rejects anonymous requests with a challenge.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PrincipalFromContext(r.Context()).IsAnonymous() {
			Challenge(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
