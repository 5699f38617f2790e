package iam

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// ExternalAccountMarker is stored as the secret of accounts whose credentials
// live outside the server (container, htpasswd, OIDC). It never verifies.
const ExternalAccountMarker = "#externalAccount"

// Principal is the resolved identity used for authorization decisions.
//
// Principals are immutable snapshots built from the stored account plus its
// team memberships at the moment of authentication. Fields are never mutated
// after construction; a changed account yields a new Principal on the next
// request.
type Principal struct {
	// Username is the lowercased account name.
	Username string

	DisplayName string
	Email       string

	// Secret is the stored secret including its scheme prefix. It is only
	// consulted by credential verification and never serialized.
	Secret string `json:"-"`

	Disabled    bool
	AccountType string
	Locale      string

	// Grants is the ordered stored grant list. Order matters for regex grants.
	Grants []access.RepositoryPermission

	// Teams lists the names of teams the account belongs to.
	Teams []string

	// Roles carries capability roles (#admin, #create, #fork, #none).
	Roles []string

	// Authenticated is false for the anonymous principal.
	Authenticated bool
}

// Anonymous is the principal used when no authentication step succeeds.
var Anonymous = &Principal{Username: "anonymous"}

// IsAnonymous reports whether p stands for an unauthenticated caller.
func (p *Principal) IsAnonymous() bool {
	return p == nil || !p.Authenticated
}

// IsLocal reports whether the account's secret is managed by this server.
func (p *Principal) IsLocal() bool {
	if p == nil {
		return false
	}
	return (p.AccountType == "" || p.AccountType == models.AccountLocal) && p.Secret != ExternalAccountMarker
}

// HasRole reports whether the principal itself carries role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	return auth.HasRole(p.Roles, role)
}

// Name returns the username or "anonymous".
func (p *Principal) Name() string {
	if p.IsAnonymous() || p.Username == "" {
		return Anonymous.Username
	}
	return p.Username
}

// Team is a named group of principals sharing grants, roles and hook scripts.
type Team struct {
	Name               string
	Members            []string
	Roles              []string
	Grants             []access.RepositoryPermission
	PreReceiveScripts  []string
	PostReceiveScripts []string
}

// HasMember reports whether username belongs to the team.
func (t *Team) HasMember(username string) bool {
	username = strings.ToLower(username)
	return slices.Contains(t.Members, username)
}

func principalFromModel(u *models.User, teams []string, authenticated bool) *Principal {
	return &Principal{
		Username:      strings.ToLower(u.Username),
		DisplayName:   u.DisplayName,
		Email:         u.Email,
		Secret:        u.Secret,
		Disabled:      u.Disabled,
		AccountType:   u.AccountType,
		Locale:        u.Locale,
		Grants:        grantsFromRecords(u.Username, u.Grants),
		Teams:         slices.Clone(teams),
		Roles:         slices.Clone(u.Roles),
		Authenticated: authenticated,
	}
}

func teamFromModel(t *models.Team) *Team {
	members := make([]string, 0, len(t.Members))
	for _, m := range t.Members {
		members = append(members, strings.ToLower(m))
	}
	return &Team{
		Name:               t.Name,
		Members:            members,
		Roles:              slices.Clone(t.Roles),
		Grants:             grantsFromRecords(t.Name, t.Grants),
		PreReceiveScripts:  slices.Clone(t.PreReceiveScripts),
		PostReceiveScripts: slices.Clone(t.PostReceiveScripts),
	}
}

// grantsFromRecords keeps list order. Unreadable permission codes are dropped.
func grantsFromRecords(owner string, records []models.GrantRecord) []access.RepositoryPermission {
	out := make([]access.RepositoryPermission, 0, len(records))
	for _, rec := range records {
		perm, err := access.ParsePermission(rec.Permission)
		if err != nil {
			slog.Warn("Skipping unreadable stored grant",
				logfields.Principal(owner), logfields.Repository(rec.Repository), logfields.Error(err))
			continue
		}
		out = append(out, access.RepositoryPermission{Repository: rec.Repository, Permission: perm})
	}
	return out
}
