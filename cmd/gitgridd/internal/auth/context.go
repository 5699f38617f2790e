package auth

import "context"

// AuthenticatedPrincipal is the identity already established for the current
// unit of work. Later stages of the same pipeline trust it without
// re-authenticating.
type AuthenticatedPrincipal struct {
	// Username is the lowercased account name.
	Username string
	// Method names how the identity was established (COOKIE, CREDENTIALS, ...).
	Method string
	// AccountType is the account's origin (LOCAL, CONTAINER, ...).
	AccountType string
}

type principalContextKey struct{}

// SetUserContext stores the authenticated principal on the context for downstream consumers.
func SetUserContext(ctx context.Context, principal AuthenticatedPrincipal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principal)
}

// GetUserFromContext retrieves the authenticated principal from the context.
func GetUserFromContext(ctx context.Context) (AuthenticatedPrincipal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(AuthenticatedPrincipal)
	return principal, ok && principal.Username != ""
}
