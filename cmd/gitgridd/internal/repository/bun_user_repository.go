package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/bunx"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
)

// BunUserRepository implements PrincipalStore using Bun ORM
type BunUserRepository struct {
	db *bun.DB
}

// NewBunUserRepository creates a new Bun-based user repository
func NewBunUserRepository(db *bun.DB) *BunUserRepository {
	return &BunUserRepository{db: db}
}

var _ PrincipalStore = (*BunUserRepository)(nil)

// GetByName retrieves a user with roles and grants, ignoring case
func (r *BunUserRepository) GetByName(ctx context.Context, username string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("username = ?", strings.ToLower(username)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", username, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get user by name: %w", err)
	}
	if err := r.hydrate(ctx, r.db, user); err != nil {
		return nil, err
	}
	return user, nil
}

// GetByCookieHash retrieves the user whose cookie secret hashes to hash
func (r *BunUserRepository) GetByCookieHash(ctx context.Context, hash string) (*models.User, error) {
	if hash == "" {
		return nil, fmt.Errorf("empty cookie: %w", errs.ErrNotFound)
	}
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("cookie_hash = ?", hash).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cookie: %w", errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get user by cookie: %w", err)
	}
	if err := r.hydrate(ctx, r.db, user); err != nil {
		return nil, err
	}
	return user, nil
}

// List retrieves all users ordered by username
func (r *BunUserRepository) List(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	err := r.db.NewSelect().
		Model(&users).
		Order("username ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if err := r.hydrate(ctx, r.db, users...); err != nil {
		return nil, err
	}
	return users, nil
}

// Create inserts a user with its roles and grants
func (r *BunUserRepository) Create(ctx context.Context, user *models.User) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" {
		return fmt.Errorf("create user: username is required")
	}
	if user.ID == "" {
		user.ID = bunx.NewUUIDv7()
	}
	if user.AccountType == "" {
		user.AccountType = models.AccountLocal
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*models.User)(nil)).Where("username = ?", user.Username).Exists(ctx)
		if err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if exists {
			return fmt.Errorf("user %s: %w", user.Username, errs.ErrConflict)
		}
		if _, err := tx.NewInsert().Model(user).Exec(ctx); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		if err := replaceUserRoles(ctx, tx, user.ID, user.Roles); err != nil {
			return err
		}
		return replaceGrants(ctx, tx, userGrants, user.ID, user.Grants)
	})
}

// Update writes account columns and replaces roles and grants
func (r *BunUserRepository) Update(ctx context.Context, user *models.User) error {
	user.Username = strings.ToLower(user.Username)
	user.UpdatedAt = time.Now()

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		id, err := userID(ctx, tx, user.Username)
		if err != nil {
			return err
		}
		user.ID = id
		_, err = tx.NewUpdate().
			Model(user).
			Column("display_name", "email", "secret", "cookie_hash", "account_type", "locale", "disabled", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		if err := replaceUserRoles(ctx, tx, id, user.Roles); err != nil {
			return err
		}
		return replaceGrants(ctx, tx, userGrants, id, user.Grants)
	})
}

// Delete removes a user, its dependent rows and its team memberships
func (r *BunUserRepository) Delete(ctx context.Context, username string) error {
	username = strings.ToLower(username)
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		id, err := userID(ctx, tx, username)
		if err != nil {
			return err
		}
		for _, model := range []any{(*models.UserRole)(nil), (*models.UserGrant)(nil), (*models.UserKey)(nil)} {
			if _, err := tx.NewDelete().Model(model).Where("user_id = ?", id).Exec(ctx); err != nil {
				return fmt.Errorf("delete user rows: %w", err)
			}
		}
		if _, err := tx.NewDelete().Model((*models.TeamMember)(nil)).Where("username = ?", username).Exec(ctx); err != nil {
			return fmt.Errorf("delete memberships: %w", err)
		}
		if _, err := tx.NewDelete().Model((*models.User)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	})
}

// SetCookieHash stores (or clears, when hash is nil) the cookie secret hash
func (r *BunUserRepository) SetCookieHash(ctx context.Context, username string, hash *string) error {
	res, err := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("cookie_hash = ?", hash).
		Set("updated_at = ?", time.Now()).
		Where("username = ?", strings.ToLower(username)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set cookie hash: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", username, errs.ErrNotFound)
	}
	return nil
}

// SetGrant sets the user's permission on repository. NONE removes the grant.
func (r *BunUserRepository) SetGrant(ctx context.Context, username, repository string, perm access.Permission) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		id, err := userID(ctx, tx, username)
		if err != nil {
			return err
		}
		if perm == access.PermissionNone {
			return removeGrant(ctx, tx, userGrants, id, repository)
		}
		return setGrant(ctx, tx, userGrants, id, repository, perm)
	})
}

// RemoveGrant drops the user's grant on repository, if any
func (r *BunUserRepository) RemoveGrant(ctx context.Context, username, repository string) error {
	id, err := userID(ctx, r.db, username)
	if err != nil {
		return err
	}
	return removeGrant(ctx, r.db, userGrants, id, repository)
}

// RenameRole moves user grants from oldName to newName
func (r *BunUserRepository) RenameRole(ctx context.Context, oldName, newName string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return renameRole(ctx, tx, userGrants, oldName, newName)
	})
}

// DeleteRole drops every user grant on name
func (r *BunUserRepository) DeleteRole(ctx context.Context, name string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return deleteRole(ctx, tx, userGrants, name)
	})
}

// ListKeys returns the user's authorized public keys
func (r *BunUserRepository) ListKeys(ctx context.Context, username string) ([]models.UserKey, error) {
	id, err := userID(ctx, r.db, username)
	if err != nil {
		return nil, err
	}
	var keys []models.UserKey
	err = r.db.NewSelect().
		Model(&keys).
		Where("user_id = ?", id).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// AddKey stores an authorized public key for the user
func (r *BunUserRepository) AddKey(ctx context.Context, username string, key *models.UserKey) error {
	id, err := userID(ctx, r.db, username)
	if err != nil {
		return err
	}
	key.UserID = id
	if key.ID == "" {
		key.ID = bunx.NewUUIDv7()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	if key.Permission == "" {
		key.Permission = access.PermissionFull.Code()
	}
	exists, err := r.db.NewSelect().Model((*models.UserKey)(nil)).Where("fingerprint = ?", key.Fingerprint).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check key: %w", err)
	}
	if exists {
		return fmt.Errorf("key %s: %w", key.Fingerprint, errs.ErrConflict)
	}
	if _, err := r.db.NewInsert().Model(key).Exec(ctx); err != nil {
		return fmt.Errorf("add key: %w", err)
	}
	return nil
}

// RemoveKey deletes the user's key with the given fingerprint
func (r *BunUserRepository) RemoveKey(ctx context.Context, username, fingerprint string) error {
	id, err := userID(ctx, r.db, username)
	if err != nil {
		return err
	}
	res, err := r.db.NewDelete().
		Model((*models.UserKey)(nil)).
		Where("user_id = ?", id).
		Where("fingerprint = ?", fingerprint).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key %s: %w", fingerprint, errs.ErrNotFound)
	}
	return nil
}

func (r *BunUserRepository) hydrate(ctx context.Context, db bun.IDB, users ...*models.User) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}

	var roles []models.UserRole
	err := db.NewSelect().
		Model(&roles).
		Where("user_id IN (?)", bun.In(ids)).
		Order("role ASC").
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("load user roles: %w", err)
	}
	grants, err := loadGrants(ctx, db, userGrants, ids...)
	if err != nil {
		return err
	}

	byID := make(map[string]*models.User, len(users))
	for _, u := range users {
		u.Roles, u.Grants = nil, grants[u.ID]
		byID[u.ID] = u
	}
	for _, role := range roles {
		if u := byID[role.UserID]; u != nil {
			u.Roles = append(u.Roles, role.Role)
		}
	}
	return nil
}

func userID(ctx context.Context, db bun.IDB, username string) (string, error) {
	var id string
	err := db.NewSelect().
		Model((*models.User)(nil)).
		Column("id").
		Where("username = ?", strings.ToLower(username)).
		Scan(ctx, &id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("user %s: %w", username, errs.ErrNotFound)
		}
		return "", fmt.Errorf("resolve user: %w", err)
	}
	return id, nil
}

func replaceUserRoles(ctx context.Context, tx bun.Tx, id string, roles []string) error {
	if _, err := tx.NewDelete().Model((*models.UserRole)(nil)).Where("user_id = ?", id).Exec(ctx); err != nil {
		return fmt.Errorf("clear user roles: %w", err)
	}
	for _, role := range normalizeNames(roles) {
		if _, err := tx.NewInsert().Model(&models.UserRole{UserID: id, Role: role}).Exec(ctx); err != nil {
			return fmt.Errorf("insert user role: %w", err)
		}
	}
	return nil
}

func normalizeNames(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role != "" && !slices.Contains(out, role) {
			out = append(out, role)
		}
	}
	return out
}
