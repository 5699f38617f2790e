package server

import (
	"context"
	"net/http"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/graph"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/services/iam"
)

// iamAdminService defines the exact IAM methods used by server handlers.
// This interface provides compile-time proof that iam.Service satisfies
// all requirements without circular imports.
type iamAdminService interface {
	// Authentication (used by the authn middleware and login handlers)
	AuthenticateRequest(ctx context.Context, req iam.AuthRequest) (*iam.AuthResult, error)
	Login(ctx context.Context, username, secret, remoteAddr string) (*iam.LoginResult, error)
	Logout(ctx context.Context, username string) (*http.Cookie, error)

	// Authorization
	EffectivePermission(p *iam.Principal, d *registry.Descriptor) access.Grant
	Authorize(p *iam.Principal, d *registry.Descriptor, action access.Permission) bool
	CanCapability(p *iam.Principal, capability auth.Capability) bool

	// Grant listings and edits
	AllGrantsForPrincipal(ctx context.Context, username string) ([]access.Grant, error)
	AllGrantsForRepository(ctx context.Context, name string) ([]access.Grant, error)
	TeamGrantsForRepository(ctx context.Context, name string) ([]access.Grant, error)
	SetGrants(ctx context.Context, name string, grants []access.Grant) error

	// Cache management
	RefreshTeamCache(ctx context.Context) error
	TeamCacheVersion() int
}

// Compile-time assertion: iam.Service must implement iamAdminService.
var _ iamAdminService = (iam.Service)(nil)

// repositoryRegistry defines the registry methods used by server handlers.
type repositoryRegistry interface {
	Lookup(name string) (*registry.Descriptor, error)
	Acquire(name string) (*registry.Handle, error)
	List(ctx context.Context) ([]string, error)
	Filter(ctx context.Context, expression string) ([]*registry.Descriptor, error)
	NewDescriptor(name string) *registry.Descriptor
	Create(ctx context.Context, tmpl *registry.Descriptor) (*registry.Descriptor, error)
	Rename(ctx context.Context, oldName, newName string) (*registry.Descriptor, error)
	Fork(ctx context.Context, source, username string) (*registry.Descriptor, error)
	Delete(ctx context.Context, name string) error
	ForkNetwork(ctx context.Context, name string) (*graph.Node, error)
}

var _ repositoryRegistry = (*registry.Registry)(nil)
