package repository

import (
	"context"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
)

// RoleReferenceStore rewrites stored grants when a repository is renamed or
// deleted. Each call is one transaction.
type RoleReferenceStore interface {
	RenameRole(ctx context.Context, oldName, newName string) error
	DeleteRole(ctx context.Context, name string) error
}

// PrincipalStore persists user accounts with their roles, ordered grants and keys.
// Lookups are case-insensitive; missing accounts return errs.ErrNotFound.
type PrincipalStore interface {
	RoleReferenceStore

	GetByName(ctx context.Context, username string) (*models.User, error)
	GetByCookieHash(ctx context.Context, hash string) (*models.User, error)
	List(ctx context.Context) ([]*models.User, error)
	Create(ctx context.Context, user *models.User) error
	// Update writes account columns and replaces roles and grants.
	Update(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, username string) error

	SetCookieHash(ctx context.Context, username string, hash *string) error
	SetGrant(ctx context.Context, username, repository string, perm access.Permission) error
	RemoveGrant(ctx context.Context, username, repository string) error

	ListKeys(ctx context.Context, username string) ([]models.UserKey, error)
	AddKey(ctx context.Context, username string, key *models.UserKey) error
	RemoveKey(ctx context.Context, username, fingerprint string) error
}

// TeamStore persists teams, keyed by case-insensitive name.
type TeamStore interface {
	RoleReferenceStore

	GetByName(ctx context.Context, name string) (*models.Team, error)
	List(ctx context.Context) ([]*models.Team, error)
	ListForUser(ctx context.Context, username string) ([]*models.Team, error)
	Create(ctx context.Context, team *models.Team) error
	// Update replaces members, roles, grants and hooks.
	Update(ctx context.Context, team *models.Team) error
	Delete(ctx context.Context, name string) error

	AddMember(ctx context.Context, team, username string) error
	RemoveMember(ctx context.Context, team, username string) error
	SetGrant(ctx context.Context, team, repository string, perm access.Permission) error
	RemoveGrant(ctx context.Context, team, repository string) error
}
