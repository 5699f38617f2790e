package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/bunx"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
)

// BunTeamRepository implements TeamStore using Bun ORM
type BunTeamRepository struct {
	db *bun.DB
}

// NewBunTeamRepository creates a new Bun-based team repository
func NewBunTeamRepository(db *bun.DB) *BunTeamRepository {
	return &BunTeamRepository{db: db}
}

var _ TeamStore = (*BunTeamRepository)(nil)

// GetByName retrieves a team with members, roles, grants and hooks
func (r *BunTeamRepository) GetByName(ctx context.Context, name string) (*models.Team, error) {
	team := new(models.Team)
	err := r.db.NewSelect().
		Model(team).
		Where("name = ?", strings.ToLower(name)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("team %s: %w", name, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("get team by name: %w", err)
	}
	if err := r.hydrate(ctx, team); err != nil {
		return nil, err
	}
	return team, nil
}

// List retrieves all teams ordered by name
func (r *BunTeamRepository) List(ctx context.Context) ([]*models.Team, error) {
	var teams []*models.Team
	if err := r.db.NewSelect().Model(&teams).Order("name ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	if err := r.hydrate(ctx, teams...); err != nil {
		return nil, err
	}
	return teams, nil
}

// ListForUser retrieves the teams username belongs to
func (r *BunTeamRepository) ListForUser(ctx context.Context, username string) ([]*models.Team, error) {
	var teams []*models.Team
	err := r.db.NewSelect().
		Model(&teams).
		Where("id IN (?)", r.db.NewSelect().
			Model((*models.TeamMember)(nil)).
			Column("team_id").
			Where("username = ?", strings.ToLower(username))).
		Order("name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list teams for user: %w", err)
	}
	if err := r.hydrate(ctx, teams...); err != nil {
		return nil, err
	}
	return teams, nil
}

// Create inserts a team and everything it carries
func (r *BunTeamRepository) Create(ctx context.Context, team *models.Team) error {
	team.Name = strings.ToLower(strings.TrimSpace(team.Name))
	if team.Name == "" {
		return fmt.Errorf("create team: name is required")
	}
	if team.ID == "" {
		team.ID = bunx.NewUUIDv7()
	}
	now := time.Now()
	team.CreatedAt, team.UpdatedAt = now, now

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*models.Team)(nil)).Where("name = ?", team.Name).Exists(ctx)
		if err != nil {
			return fmt.Errorf("check team: %w", err)
		}
		if exists {
			return fmt.Errorf("team %s: %w", team.Name, errs.ErrConflict)
		}
		if _, err := tx.NewInsert().Model(team).Exec(ctx); err != nil {
			return fmt.Errorf("create team: %w", err)
		}
		return r.replaceChildren(ctx, tx, team)
	})
}

// Update replaces members, roles, grants and hooks
func (r *BunTeamRepository) Update(ctx context.Context, team *models.Team) error {
	team.Name = strings.ToLower(team.Name)
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		id, err := teamID(ctx, tx, team.Name)
		if err != nil {
			return err
		}
		team.ID = id
		team.UpdatedAt = time.Now()
		if _, err := tx.NewUpdate().Model(team).Column("updated_at").WherePK().Exec(ctx); err != nil {
			return fmt.Errorf("update team: %w", err)
		}
		return r.replaceChildren(ctx, tx, team)
	})
}

// Delete removes a team and its dependent rows
func (r *BunTeamRepository) Delete(ctx context.Context, name string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		id, err := teamID(ctx, tx, name)
		if err != nil {
			return err
		}
		for _, model := range teamChildModels() {
			if _, err := tx.NewDelete().Model(model).Where("team_id = ?", id).Exec(ctx); err != nil {
				return fmt.Errorf("delete team rows: %w", err)
			}
		}
		if _, err := tx.NewDelete().Model((*models.Team)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("delete team: %w", err)
		}
		return nil
	})
}

// AddMember adds username to the team; existing members are left alone
func (r *BunTeamRepository) AddMember(ctx context.Context, team, username string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		id, err := teamID(ctx, tx, team)
		if err != nil {
			return err
		}
		username = strings.ToLower(username)
		exists, err := tx.NewSelect().
			Model((*models.TeamMember)(nil)).
			Where("team_id = ?", id).
			Where("username = ?", username).
			Exists(ctx)
		if err != nil {
			return fmt.Errorf("check member: %w", err)
		}
		if exists {
			return nil
		}
		if _, err := tx.NewInsert().Model(&models.TeamMember{TeamID: id, Username: username}).Exec(ctx); err != nil {
			return fmt.Errorf("add member: %w", err)
		}
		return nil
	})
}

// RemoveMember removes username from the team
func (r *BunTeamRepository) RemoveMember(ctx context.Context, team, username string) error {
	id, err := teamID(ctx, r.db, team)
	if err != nil {
		return err
	}
	_, err = r.db.NewDelete().
		Model((*models.TeamMember)(nil)).
		Where("team_id = ?", id).
		Where("username = ?", strings.ToLower(username)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// SetGrant sets the team's permission on repository. NONE removes the grant.
func (r *BunTeamRepository) SetGrant(ctx context.Context, team, repository string, perm access.Permission) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		id, err := teamID(ctx, tx, team)
		if err != nil {
			return err
		}
		if perm == access.PermissionNone {
			return removeGrant(ctx, tx, teamGrants, id, repository)
		}
		return setGrant(ctx, tx, teamGrants, id, repository, perm)
	})
}

// RemoveGrant drops the team's grant on repository, if any
func (r *BunTeamRepository) RemoveGrant(ctx context.Context, team, repository string) error {
	id, err := teamID(ctx, r.db, team)
	if err != nil {
		return err
	}
	return removeGrant(ctx, r.db, teamGrants, id, repository)
}

// RenameRole moves team grants from oldName to newName
func (r *BunTeamRepository) RenameRole(ctx context.Context, oldName, newName string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return renameRole(ctx, tx, teamGrants, oldName, newName)
	})
}

// DeleteRole drops every team grant on name
func (r *BunTeamRepository) DeleteRole(ctx context.Context, name string) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return deleteRole(ctx, tx, teamGrants, name)
	})
}

func (r *BunTeamRepository) hydrate(ctx context.Context, teams ...*models.Team) error {
	if len(teams) == 0 {
		return nil
	}
	ids := make([]string, len(teams))
	byID := make(map[string]*models.Team, len(teams))
	for i, t := range teams {
		ids[i] = t.ID
		t.Members, t.Roles, t.PreReceiveScripts, t.PostReceiveScripts = nil, nil, nil, nil
		byID[t.ID] = t
	}

	var members []models.TeamMember
	if err := r.db.NewSelect().Model(&members).Where("team_id IN (?)", bun.In(ids)).Order("username ASC").Scan(ctx); err != nil {
		return fmt.Errorf("load team members: %w", err)
	}
	var roles []models.TeamRole
	if err := r.db.NewSelect().Model(&roles).Where("team_id IN (?)", bun.In(ids)).Order("role ASC").Scan(ctx); err != nil {
		return fmt.Errorf("load team roles: %w", err)
	}
	var hooks []models.TeamHook
	if err := r.db.NewSelect().Model(&hooks).Where("team_id IN (?)", bun.In(ids)).Order("position ASC").Scan(ctx); err != nil {
		return fmt.Errorf("load team hooks: %w", err)
	}
	grants, err := loadGrants(ctx, r.db, teamGrants, ids...)
	if err != nil {
		return err
	}

	for _, m := range members {
		byID[m.TeamID].Members = append(byID[m.TeamID].Members, m.Username)
	}
	for _, role := range roles {
		byID[role.TeamID].Roles = append(byID[role.TeamID].Roles, role.Role)
	}
	for _, h := range hooks {
		t := byID[h.TeamID]
		if h.Stage == models.HookPreReceive {
			t.PreReceiveScripts = append(t.PreReceiveScripts, h.Script)
		} else {
			t.PostReceiveScripts = append(t.PostReceiveScripts, h.Script)
		}
	}
	for id, t := range byID {
		t.Grants = grants[id]
	}
	return nil
}

func (r *BunTeamRepository) replaceChildren(ctx context.Context, tx bun.Tx, team *models.Team) error {
	for _, model := range []any{(*models.TeamMember)(nil), (*models.TeamRole)(nil), (*models.TeamHook)(nil)} {
		if _, err := tx.NewDelete().Model(model).Where("team_id = ?", team.ID).Exec(ctx); err != nil {
			return fmt.Errorf("clear team rows: %w", err)
		}
	}
	for _, member := range normalizeNames(team.Members) {
		if _, err := tx.NewInsert().Model(&models.TeamMember{TeamID: team.ID, Username: member}).Exec(ctx); err != nil {
			return fmt.Errorf("insert team member: %w", err)
		}
	}
	for _, role := range normalizeNames(team.Roles) {
		if _, err := tx.NewInsert().Model(&models.TeamRole{TeamID: team.ID, Role: role}).Exec(ctx); err != nil {
			return fmt.Errorf("insert team role: %w", err)
		}
	}
	pos := 0
	stages := []struct {
		name    string
		scripts []string
	}{
		{models.HookPreReceive, team.PreReceiveScripts},
		{models.HookPostReceive, team.PostReceiveScripts},
	}
	for _, stage := range stages {
		for _, script := range stage.scripts {
			hook := &models.TeamHook{TeamID: team.ID, Stage: stage.name, Script: script, Position: pos}
			if _, err := tx.NewInsert().Model(hook).Exec(ctx); err != nil {
				return fmt.Errorf("insert team hook: %w", err)
			}
			pos++
		}
	}
	return replaceGrants(ctx, tx, teamGrants, team.ID, team.Grants)
}

func teamChildModels() []any {
	return []any{(*models.TeamMember)(nil), (*models.TeamRole)(nil), (*models.TeamHook)(nil), (*models.TeamGrant)(nil)}
}

func teamID(ctx context.Context, db bun.IDB, name string) (string, error) {
	var id string
	err := db.NewSelect().
		Model((*models.Team)(nil)).
		Column("id").
		Where("name = ?", strings.ToLower(name)).
		Scan(ctx, &id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("team %s: %w", name, errs.ErrNotFound)
		}
		return "", fmt.Errorf("resolve team: %w", err)
	}
	return id, nil
}
