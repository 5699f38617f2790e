package iam

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
)

type resolverFixture struct {
	users    *mockPrincipalStore
	teams    *mockTeamStore
	repos    *mockRepositories
	cache    *TeamGrantCache
	resolver *Resolver
}

func newResolverFixture(t *testing.T, users *mockPrincipalStore, teams *mockTeamStore, repos *mockRepositories) *resolverFixture {
	t.Helper()
	enforcer, err := auth.InitEnforcer()
	require.NoError(t, err)
	cache, err := NewTeamGrantCache(context.Background(), teams)
	require.NoError(t, err)
	return &resolverFixture{
		users:    users,
		teams:    teams,
		repos:    repos,
		cache:    cache,
		resolver: NewResolver(repos, users, teams, cache, enforcer, nil),
	}
}

func (f *resolverFixture) principal(t *testing.T, name string) *Principal {
	t.Helper()
	u, err := f.users.GetByName(context.Background(), name)
	require.NoError(t, err)
	return principalFromModel(u, nil, true)
}

func TestResolver_DemoScenario(t *testing.T) {
	ctx := context.Background()
	demo := bareRepo("demo.git", access.RestrictionPush, "alice")
	f := newResolverFixture(t,
		newMockPrincipalStore(
			&models.User{Username: "alice"},
			&models.User{Username: "bob", Grants: []models.GrantRecord{grantRecord("demo.git", access.PermissionClone)}},
			&models.User{Username: "carol"},
		),
		newMockTeamStore(),
		newMockRepositories(demo),
	)

	alice := f.resolver.EffectivePermission(f.principal(t, "alice"), demo)
	assert.Equal(t, access.PermissionFull, alice.Permission)
	assert.Equal(t, access.TypeOwner, alice.Type)

	bob := f.resolver.EffectivePermission(f.principal(t, "bob"), demo)
	assert.Equal(t, access.PermissionClone, bob.Permission)
	assert.Equal(t, access.TypeExplicit, bob.Type)

	carol := f.principal(t, "carol")
	assert.Equal(t, access.PermissionNone, f.resolver.EffectivePermission(carol, demo).Permission)

	require.NoError(t, f.teams.Create(ctx, &models.Team{Name: "devs", Members: []string{"carol"}}))
	require.NoError(t, f.resolver.SetGrants(ctx, "demo.git", []access.Grant{{
		Registrant: "devs", RegistrantType: access.RegistrantTeam,
		Permission: access.PermissionPush, Type: access.TypeExplicit, Mutable: true,
	}}))

	got := f.resolver.EffectivePermission(carol, demo)
	assert.Equal(t, access.PermissionPush, got.Permission)
	assert.Equal(t, access.TypeTeam, got.Type)
	assert.Equal(t, "devs", got.Source)

	// anonymous may clone but not push under a PUSH restriction
	assert.True(t, f.resolver.Authorize(nil, demo, access.PermissionClone))
	assert.False(t, f.resolver.Authorize(nil, demo, access.PermissionPush))
	assert.False(t, f.resolver.Authorize(f.principal(t, "bob"), demo, access.PermissionPush))
	assert.True(t, f.resolver.Authorize(carol, demo, access.PermissionPush))
}

func TestResolver_UnrestrictedIgnoresStoredGrants(t *testing.T) {
	open := bareRepo("open.git", access.RestrictionNone)
	f := newResolverFixture(t,
		newMockPrincipalStore(&models.User{Username: "bob", Grants: []models.GrantRecord{grantRecord("open.git", access.PermissionView)}}),
		newMockTeamStore(),
		newMockRepositories(open),
	)

	for _, p := range []*Principal{nil, f.principal(t, "bob")} {
		got := f.resolver.EffectivePermission(p, open)
		assert.Equal(t, access.PermissionFull, got.Permission)
	}

	grants, err := f.resolver.AllGrantsForRepository(context.Background(), "open.git")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestResolver_CappedByRepositoryMaximum(t *testing.T) {
	frozen := bareRepo("frozen.git", access.RestrictionPush, "alice")
	frozen.Frozen = true
	f := newResolverFixture(t,
		newMockPrincipalStore(&models.User{Username: "alice"}),
		newMockTeamStore(),
		newMockRepositories(frozen),
	)

	got := f.resolver.EffectivePermission(f.principal(t, "alice"), frozen)
	assert.Equal(t, access.PermissionClone, got.Permission)
	assert.Equal(t, access.TypeOwner, got.Type)
	assert.False(t, f.resolver.Authorize(f.principal(t, "alice"), frozen, access.PermissionPush))
}

func TestResolver_AuthenticatedControl(t *testing.T) {
	repo := bareRepo("internal.git", access.RestrictionView)
	repo.AuthorizationControl = access.ControlAuthenticated
	f := newResolverFixture(t,
		newMockPrincipalStore(&models.User{Username: "dave"}),
		newMockTeamStore(),
		newMockRepositories(repo),
	)

	got := f.resolver.EffectivePermission(f.principal(t, "dave"), repo)
	assert.Equal(t, access.PermissionFull, got.Permission)
	assert.Equal(t, access.TypeAuthenticated, got.Type)
	assert.False(t, f.resolver.CanView(nil, repo))
}

func TestResolver_RegexGrantsInOrder(t *testing.T) {
	secret := bareRepo("team/secret.git", access.RestrictionView)
	tools := bareRepo("team/tools.git", access.RestrictionView)
	f := newResolverFixture(t,
		newMockPrincipalStore(&models.User{Username: "erin", Grants: []models.GrantRecord{
			grantRecord("team/secret.*", access.PermissionExclude),
			grantRecord("team/.*", access.PermissionPush),
		}}),
		newMockTeamStore(&models.Team{Name: "all", Members: []string{"erin"},
			Grants: []models.GrantRecord{grantRecord("team/.*", access.PermissionFull)}}),
		newMockRepositories(secret, tools),
	)
	erin := f.principal(t, "erin")

	got := f.resolver.EffectivePermission(erin, tools)
	assert.Equal(t, access.PermissionPush, got.Permission)
	assert.Equal(t, access.TypeRegex, got.Type)
	assert.Equal(t, "team/.*", got.Source)

	// the exclusion matches first and ends resolution before team grants
	got = f.resolver.EffectivePermission(erin, secret)
	assert.Equal(t, access.PermissionNone, got.Permission)
	assert.Equal(t, access.TypeRegex, got.Type)
}

func TestResolver_MostPermissiveTeamWins(t *testing.T) {
	repo := bareRepo("shared.git", access.RestrictionView)
	f := newResolverFixture(t,
		newMockPrincipalStore(&models.User{Username: "frank"}),
		newMockTeamStore(
			&models.Team{Name: "readers", Members: []string{"frank"}, Grants: []models.GrantRecord{grantRecord("shared.git", access.PermissionClone)}},
			&models.Team{Name: "writers", Members: []string{"frank"}, Grants: []models.GrantRecord{grantRecord("shared.git", access.PermissionDelete)}},
		),
		newMockRepositories(repo),
	)

	got := f.resolver.EffectivePermission(f.principal(t, "frank"), repo)
	assert.Equal(t, access.PermissionDelete, got.Permission)
	assert.Equal(t, "writers", got.Source)
}

func TestResolver_AdminViaTeamRole(t *testing.T) {
	repo := bareRepo("locked.git", access.RestrictionView)
	f := newResolverFixture(t,
		newMockPrincipalStore(&models.User{Username: "gina"}, &models.User{Username: "root", Roles: []string{auth.RoleAdmin}}),
		newMockTeamStore(&models.Team{Name: "ops", Members: []string{"gina"}, Roles: []string{auth.RoleAdmin}}),
		newMockRepositories(repo),
	)

	for _, name := range []string{"gina", "root"} {
		got := f.resolver.EffectivePermission(f.principal(t, name), repo)
		assert.Equal(t, access.TypeAdmin, got.Type, name)
		assert.Equal(t, access.PermissionFull, got.Permission, name)
		assert.True(t, f.resolver.CanCapability(f.principal(t, name), auth.CapabilityFork), name)
	}
	assert.False(t, f.resolver.CanCapability(nil, auth.CapabilityCreate))
}

func TestResolver_AllGrantsForPrincipal_OwnerReplacesExplicit(t *testing.T) {
	demo := bareRepo("demo.git", access.RestrictionPush, "alice")
	personal := bareRepo("~alice/notes.git", access.RestrictionView)
	other := bareRepo("other.git", access.RestrictionPush)
	f := newResolverFixture(t,
		newMockPrincipalStore(&models.User{Username: "alice", Grants: []models.GrantRecord{
			grantRecord("demo.git", access.PermissionView),
			grantRecord("other.git", access.PermissionClone),
			grantRecord("gone.git", access.PermissionPush),
			grantRecord("team/.*", access.PermissionClone),
		}}),
		newMockTeamStore(&models.Team{Name: "devs", Members: []string{"alice"},
			Grants: []models.GrantRecord{grantRecord("other.git", access.PermissionFull), grantRecord("team.git", access.PermissionPush)}}),
		newMockRepositories(demo, personal, other),
	)

	grants, err := f.resolver.AllGrantsForPrincipal(context.Background(), "alice")
	require.NoError(t, err)

	byName := map[string]access.Grant{}
	for _, g := range grants {
		byName[g.Registrant] = g
	}
	require.Len(t, grants, 6)

	assert.Equal(t, access.TypeOwner, byName["demo.git"].Type)
	assert.Equal(t, access.PermissionFull, byName["demo.git"].Permission)
	assert.False(t, byName["demo.git"].Mutable)
	assert.Equal(t, access.TypeOwner, byName["~alice/notes.git"].Type)

	// explicit entry wins over the team entry for the same repository
	assert.Equal(t, access.TypeExplicit, byName["other.git"].Type)
	assert.Equal(t, access.PermissionClone, byName["other.git"].Permission)
	assert.True(t, byName["other.git"].Editable())

	assert.Equal(t, access.TypeMissing, byName["gone.git"].Type)
	assert.False(t, byName["gone.git"].Editable())

	assert.Equal(t, access.TypeRegex, byName["team/.*"].Type)
	assert.Equal(t, access.TypeTeam, byName["team.git"].Type)
	assert.Equal(t, "devs", byName["team.git"].Source)

	// ranked: owner/explicit bucket, regex, team, missing
	assert.Equal(t, access.TypeMissing, grants[len(grants)-1].Type)
	for i := 1; i < len(grants); i++ {
		assert.LessOrEqual(t, grants[i-1].Type.Rank(), grants[i].Type.Rank())
	}
}

func TestResolver_AllGrantsForRepository_Ranking(t *testing.T) {
	repo := bareRepo("team/app.git", access.RestrictionView, "owen")
	f := newResolverFixture(t,
		newMockPrincipalStore(
			&models.User{Username: "zed", Roles: []string{auth.RoleAdmin}},
			&models.User{Username: "owen"},
			&models.User{Username: "bob", Grants: []models.GrantRecord{grantRecord("team/app.git", access.PermissionPush)}},
			&models.User{Username: "alice", Grants: []models.GrantRecord{grantRecord("team/.*", access.PermissionClone)}},
			&models.User{Username: "carol"},
			&models.User{Username: "dan", Disabled: true, Grants: []models.GrantRecord{grantRecord("team/app.git", access.PermissionPush)}},
			&models.User{Username: "nobody"},
		),
		newMockTeamStore(&models.Team{Name: "devs", Members: []string{"carol"},
			Grants: []models.GrantRecord{grantRecord("team/app.git", access.PermissionClone)}}),
		newMockRepositories(repo),
	)

	grants, err := f.resolver.AllGrantsForRepository(context.Background(), "team/app.git")
	require.NoError(t, err)

	var names []string
	for _, g := range grants {
		names = append(names, g.Registrant)
	}
	// first bucket sorted by name, then regex, then team
	assert.Equal(t, []string{"bob", "owen", "zed", "alice", "carol"}, names)
	assert.True(t, grants[0].Editable())
	assert.False(t, grants[1].Editable())

	teams, err := f.resolver.TeamGrantsForRepository(context.Background(), "team/app.git")
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, access.RegistrantTeam, teams[0].RegistrantType)
	assert.True(t, teams[0].Editable())
}

func TestResolver_SetGrants_RejectsImmutable(t *testing.T) {
	ctx := context.Background()
	demo := bareRepo("demo.git", access.RestrictionPush, "alice")
	users := newMockPrincipalStore(&models.User{Username: "alice"}, &models.User{Username: "bob"})
	f := newResolverFixture(t, users, newMockTeamStore(), newMockRepositories(demo))
	before := users.writes

	err := f.resolver.SetGrants(ctx, "demo.git", []access.Grant{
		{Registrant: "bob", RegistrantType: access.RegistrantUser, Permission: access.PermissionPush, Type: access.TypeExplicit, Mutable: true},
		{Registrant: "alice", RegistrantType: access.RegistrantUser, Permission: access.PermissionView, Type: access.TypeOwner},
	})
	require.ErrorIs(t, err, errs.ErrForbidden)
	assert.Equal(t, before, users.writes, "nothing written when any grant is immutable")

	err = f.resolver.SetGrants(ctx, "demo.git", []access.Grant{
		{Registrant: "bob", RegistrantType: access.RegistrantUser, Permission: access.PermissionPush, Type: access.TypeExplicit, Mutable: true},
	})
	require.NoError(t, err)
	assert.Equal(t, access.PermissionPush, f.resolver.EffectivePermission(f.principal(t, "bob"), demo).Permission)

	// NONE removes the grant
	err = f.resolver.SetGrants(ctx, "demo.git", []access.Grant{
		{Registrant: "bob", RegistrantType: access.RegistrantUser, Permission: access.PermissionNone, Type: access.TypeExplicit, Mutable: true},
	})
	require.NoError(t, err)
	assert.Empty(t, f.principal(t, "bob").Grants)

	err = f.resolver.SetGrants(ctx, "missing.git", nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestResolver_SetGrants_ClassifiesRegistrantServerSide(t *testing.T) {
	ctx := context.Background()
	demo := bareRepo("demo.git", access.RestrictionPush, "alice")
	users := newMockPrincipalStore(
		&models.User{Username: "alice"},
		&models.User{Username: "root", Roles: []string{auth.RoleAdmin}},
		&models.User{Username: "dave", Grants: []models.GrantRecord{grantRecord("^de.*$", access.PermissionClone)}},
		&models.User{Username: "bob"},
	)
	teams := newMockTeamStore(
		&models.Team{Name: "ops", Roles: []string{auth.RoleAdmin}},
		&models.Team{Name: "readers", Grants: []models.GrantRecord{grantRecord("^demo\\.git$", access.PermissionView)}},
		&models.Team{Name: "devs"},
	)
	f := newResolverFixture(t, users, teams, newMockRepositories(demo))

	explicit := func(name string, typ access.RegistrantType) access.Grant {
		return access.Grant{Registrant: name, RegistrantType: typ, Permission: access.PermissionView, Type: access.TypeExplicit, Mutable: true}
	}

	tests := []struct {
		name  string
		grant access.Grant
	}{
		{"owner", explicit("alice", access.RegistrantUser)},
		{"admin", explicit("root", access.RegistrantUser)},
		{"regex", explicit("dave", access.RegistrantUser)},
		{"admin team", explicit("ops", access.RegistrantTeam)},
		{"regex team", explicit("readers", access.RegistrantTeam)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := users.writes
			err := f.resolver.SetGrants(ctx, "demo.git", []access.Grant{explicit("bob", access.RegistrantUser), tt.grant})
			require.ErrorIs(t, err, errs.ErrForbidden)
			assert.Equal(t, before, users.writes)
		})
	}

	alice := f.principal(t, "alice")
	assert.Empty(t, alice.Grants)
	assert.Equal(t, access.TypeOwner, f.resolver.EffectivePermission(alice, demo).Type)

	require.NoError(t, f.resolver.SetGrants(ctx, "demo.git", []access.Grant{
		explicit("bob", access.RegistrantUser),
		explicit("devs", access.RegistrantTeam),
	}))
	assert.Equal(t, access.TypeExplicit, f.resolver.EffectivePermission(f.principal(t, "bob"), demo).Type)

	err := f.resolver.SetGrants(ctx, "demo.git", []access.Grant{explicit("nobody", access.RegistrantUser)})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTeamGrantCache_Refresh(t *testing.T) {
	ctx := context.Background()
	teams := newMockTeamStore(&models.Team{Name: "Devs", Members: []string{"Carol"}, Roles: []string{auth.RoleCreate}})
	cache, err := NewTeamGrantCache(ctx, teams)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Get().Version)

	require.Len(t, cache.TeamsFor("carol"), 1)
	assert.Equal(t, []string{auth.RoleCreate}, cache.RolesFor("CAROL"))
	assert.NotNil(t, cache.Team("devs"))

	require.NoError(t, teams.AddMember(ctx, "devs", "dave"))
	assert.Empty(t, cache.TeamsFor("dave"), "snapshot is immutable until refreshed")

	require.NoError(t, cache.Refresh(ctx))
	assert.Len(t, cache.TeamsFor("dave"), 1)
	assert.Equal(t, 2, cache.Get().Version)
	assert.Len(t, cache.All(), 1)
}

var _ RepositoryLookup = (*registry.Registry)(nil)
