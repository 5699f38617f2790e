package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Hook stages stored in team_hooks.
const (
	HookPreReceive  = "pre"
	HookPostReceive = "post"
)

// Team groups users that share grants, roles and hook scripts.
type Team struct {
	bun.BaseModel `bun:"table:teams,alias:t"`

	ID        string    `bun:"id,pk"`
	Name      string    `bun:"name,notnull,unique"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp"`

	Members            []string      `bun:"-"`
	Roles              []string      `bun:"-"`
	Grants             []GrantRecord `bun:"-"`
	PreReceiveScripts  []string      `bun:"-"`
	PostReceiveScripts []string      `bun:"-"`
}

type TeamMember struct {
	bun.BaseModel `bun:"table:team_members,alias:tm"`

	ID       int64  `bun:"id,pk,autoincrement"`
	TeamID   string `bun:"team_id,notnull,unique:team_member"`
	Username string `bun:"username,notnull,unique:team_member"`
}

type TeamRole struct {
	bun.BaseModel `bun:"table:team_roles,alias:tr"`

	ID     int64  `bun:"id,pk,autoincrement"`
	TeamID string `bun:"team_id,notnull,unique:team_role"`
	Role   string `bun:"role,notnull,unique:team_role"`
}

type TeamGrant struct {
	bun.BaseModel `bun:"table:team_grants,alias:tg"`

	ID         int64  `bun:"id,pk,autoincrement"`
	TeamID     string `bun:"team_id,notnull"`
	Repository string `bun:"repository,notnull"`
	Permission string `bun:"permission,notnull"`
	Position   int    `bun:"position,notnull,default:0"`
}

// TeamHook names a hook script run for the team's repositories.
type TeamHook struct {
	bun.BaseModel `bun:"table:team_hooks,alias:th"`

	ID       int64  `bun:"id,pk,autoincrement"`
	TeamID   string `bun:"team_id,notnull"`
	Stage    string `bun:"stage,notnull"`
	Script   string `bun:"script,notnull"`
	Position int    `bun:"position,notnull,default:0"`
}
