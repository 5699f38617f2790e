package middleware

import (
	"context"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/services/iam"
)

// Authenticator runs the authentication chain for a request.
type Authenticator interface {
	AuthenticateRequest(ctx context.Context, req iam.AuthRequest) (*iam.AuthResult, error)
}

// Authorizer decides repository access for a principal.
type Authorizer interface {
	Authorize(p *iam.Principal, d *registry.Descriptor, action access.Permission) bool
}

// Repositories resolves and borrows repositories for the git gate.
type Repositories interface {
	Lookup(name string) (*registry.Descriptor, error)
	Acquire(name string) (*registry.Handle, error)
}

type principalContextKey struct{}

type handleContextKey struct{}

// WithPrincipal stores the request principal. The identity is also recorded
// as already established so later authentication in the same request trusts
// it.
func WithPrincipal(ctx context.Context, res *iam.AuthResult) context.Context {
	ctx = context.WithValue(ctx, principalContextKey{}, res.Principal)
	return auth.SetUserContext(ctx, auth.AuthenticatedPrincipal{
		Username:    res.Principal.Username,
		Method:      string(res.Method),
		AccountType: res.Principal.AccountType,
	})
}

// PrincipalFromContext returns the request principal, or iam.Anonymous.
func PrincipalFromContext(ctx context.Context) *iam.Principal {
	if p, ok := ctx.Value(principalContextKey{}).(*iam.Principal); ok && p != nil {
		return p
	}
	return iam.Anonymous
}

// HandleFromContext returns the repository borrowed by the git gate.
func HandleFromContext(ctx context.Context) (*registry.Handle, bool) {
	h, ok := ctx.Value(handleContextKey{}).(*registry.Handle)
	return h, ok
}
