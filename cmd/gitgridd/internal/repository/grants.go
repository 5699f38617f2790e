package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
)

// grantTable describes one of the two ordered grant tables.
type grantTable struct {
	name     string
	ownerCol string
	model    any
	row      func(ownerID, repository, perm string, position int) any
}

var (
	userGrants = grantTable{
		name:     "user_grants",
		ownerCol: "user_id",
		model:    (*models.UserGrant)(nil),
		row: func(ownerID, repository, perm string, position int) any {
			return &models.UserGrant{UserID: ownerID, Repository: repository, Permission: perm, Position: position}
		},
	}
	teamGrants = grantTable{
		name:     "team_grants",
		ownerCol: "team_id",
		model:    (*models.TeamGrant)(nil),
		row: func(ownerID, repository, perm string, position int) any {
			return &models.TeamGrant{TeamID: ownerID, Repository: repository, Permission: perm, Position: position}
		},
	}
)

type grantRow struct {
	OwnerID    string `bun:"owner_id"`
	Repository string `bun:"repository"`
	Permission string `bun:"permission"`
}

// loadGrants returns grant lists keyed by owner id, each in stored order.
func loadGrants(ctx context.Context, db bun.IDB, t grantTable, ownerIDs ...string) (map[string][]models.GrantRecord, error) {
	out := make(map[string][]models.GrantRecord, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return out, nil
	}
	var rows []grantRow
	err := db.NewSelect().
		Model(t.model).
		ColumnExpr("? AS owner_id, repository, permission", bun.Ident(t.ownerCol)).
		Where("? IN (?)", bun.Ident(t.ownerCol), bun.In(ownerIDs)).
		OrderExpr("position ASC, id ASC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", t.name, err)
	}
	for _, row := range rows {
		out[row.OwnerID] = append(out[row.OwnerID], models.GrantRecord{Repository: row.Repository, Permission: row.Permission})
	}
	return out, nil
}

// replaceGrants rewrites the whole ordered list for one owner.
func replaceGrants(ctx context.Context, tx bun.Tx, t grantTable, ownerID string, grants []models.GrantRecord) error {
	_, err := tx.NewDelete().
		Model(t.model).
		Where("? = ?", bun.Ident(t.ownerCol), ownerID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("clear %s: %w", t.name, err)
	}
	for i, g := range grants {
		perm, err := access.ParsePermission(g.Permission)
		if err != nil {
			return fmt.Errorf("grant %s: %w", g.Repository, err)
		}
		if _, err := tx.NewInsert().Model(t.row(ownerID, strings.TrimSpace(g.Repository), perm.Code(), i)).Exec(ctx); err != nil {
			return fmt.Errorf("insert %s: %w", t.name, err)
		}
	}
	return nil
}

// setGrant updates an existing entry in place or appends a new one.
func setGrant(ctx context.Context, tx bun.Tx, t grantTable, ownerID, repository string, perm access.Permission) error {
	res, err := tx.NewUpdate().
		Model(t.model).
		Set("permission = ?", perm.Code()).
		Where("? = ?", bun.Ident(t.ownerCol), ownerID).
		Where("lower(repository) = ?", strings.ToLower(repository)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update %s: %w", t.name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var next int
	err = tx.NewSelect().
		Model(t.model).
		ColumnExpr("COALESCE(MAX(position), -1) + 1").
		Where("? = ?", bun.Ident(t.ownerCol), ownerID).
		Scan(ctx, &next)
	if err != nil {
		return fmt.Errorf("next %s position: %w", t.name, err)
	}
	if _, err := tx.NewInsert().Model(t.row(ownerID, repository, perm.Code(), next)).Exec(ctx); err != nil {
		return fmt.Errorf("insert %s: %w", t.name, err)
	}
	return nil
}

func removeGrant(ctx context.Context, db bun.IDB, t grantTable, ownerID, repository string) error {
	_, err := db.NewDelete().
		Model(t.model).
		Where("? = ?", bun.Ident(t.ownerCol), ownerID).
		Where("lower(repository) = ?", strings.ToLower(repository)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete %s: %w", t.name, err)
	}
	return nil
}

func renameRole(ctx context.Context, db bun.IDB, t grantTable, oldName, newName string) error {
	_, err := db.NewUpdate().
		Model(t.model).
		Set("repository = ?", newName).
		Where("lower(repository) = ?", strings.ToLower(oldName)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("rename %s references: %w", t.name, err)
	}
	return nil
}

func deleteRole(ctx context.Context, db bun.IDB, t grantTable, name string) error {
	_, err := db.NewDelete().
		Model(t.model).
		Where("lower(repository) = ?", strings.ToLower(name)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete %s references: %w", t.name, err)
	}
	return nil
}

// RoleReferences rewrites user and team grants together.
type RoleReferences struct {
	db *bun.DB
}

// NewRoleReferences creates a RoleReferenceStore covering both grant tables.
func NewRoleReferences(db *bun.DB) *RoleReferences {
	return &RoleReferences{db: db}
}

// RenameRole moves every grant on oldName to newName in one transaction.
func (r *RoleReferences) RenameRole(ctx context.Context, oldName, newName string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := renameRole(ctx, tx, userGrants, oldName, newName); err != nil {
			return err
		}
		return renameRole(ctx, tx, teamGrants, oldName, newName)
	})
}

// DeleteRole drops every grant on name in one transaction.
func (r *RoleReferences) DeleteRole(ctx context.Context, name string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := deleteRole(ctx, tx, userGrants, name); err != nil {
			return err
		}
		return deleteRole(ctx, tx, teamGrants, name)
	})
}
