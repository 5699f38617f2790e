package iam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/casbin/casbin/v2"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/repository"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/telemetry"
)

// RepositoryLookup is the part of the registry the resolver reads.
type RepositoryLookup interface {
	Lookup(name string) (*registry.Descriptor, error)
	List(ctx context.Context) ([]string, error)
	Exists(name string) bool
}

// Resolver computes effective permissions and ranked grant lists.
//
// Resolution is a pure in-process computation over the registry, the team
// snapshot and the principal being evaluated. Stores are only read when
// listing every principal for a repository or when writing grants.
type Resolver struct {
	repos    RepositoryLookup
	users    repository.PrincipalStore
	teams    repository.TeamStore
	cache    *TeamGrantCache
	enforcer casbin.IEnforcer
	logger   *slog.Logger
}

// NewResolver wires a resolver. cache must already be loaded.
func NewResolver(repos RepositoryLookup, users repository.PrincipalStore, teams repository.TeamStore,
	cache *TeamGrantCache, enforcer casbin.IEnforcer, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{repos: repos, users: users, teams: teams, cache: cache, enforcer: enforcer, logger: logger}
}

// Roles returns p's own roles followed by roles inherited from its teams.
func (r *Resolver) Roles(p *Principal) []string {
	if p.IsAnonymous() {
		return nil
	}
	roles := append([]string(nil), p.Roles...)
	if r.cache != nil {
		roles = append(roles, r.cache.RolesFor(p.Username)...)
	}
	return roles
}

// CanCapability reports whether p holds capability through its own or its
// teams' roles.
func (r *Resolver) CanCapability(p *Principal, capability auth.Capability) bool {
	if p.IsAnonymous() {
		return false
	}
	ok, err := AuthorizeWithRoles(r.enforcer, r.Roles(p), capability)
	if err != nil {
		r.logger.Error("Capability check failed",
			logfields.Principal(p.Username), slog.String("capability", string(capability)), logfields.Error(err))
		return false
	}
	return ok
}

// IsAdmin reports whether p holds the admin capability.
func (r *Resolver) IsAdmin(p *Principal) bool {
	return r.CanCapability(p, auth.CapabilityAdmin)
}

func (r *Resolver) teamsOf(p *Principal) []*Team {
	if r.cache == nil || p.IsAnonymous() {
		return nil
	}
	return r.cache.TeamsFor(p.Username)
}

// EffectivePermission evaluates p's access to d. First match wins:
//
//  1. unrestricted repository: maximum for everyone
//  2. AUTHENTICATED control and an authenticated principal: maximum
//  3. administrator: maximum
//  4. owner or personal namespace: maximum
//  5. explicit grant on the repository
//  6. principal's regex grants, in stored order
//  7. most permissive team grant
//  8. none
//
// Results never exceed the repository's maximum permission. A nil p is
// anonymous.
func (r *Resolver) EffectivePermission(p *Principal, d *registry.Descriptor) access.Grant {
	maxPerm := d.MaxPermission()
	if d.AccessRestriction == access.RestrictionNone {
		return userGrant(p, maxPerm, access.TypeAnonymous, "", maxPerm)
	}
	if p.IsAnonymous() {
		return userGrant(p, access.PermissionNone, access.TypeNone, "", maxPerm)
	}
	if d.AuthorizationControl == access.ControlAuthenticated {
		return userGrant(p, maxPerm, access.TypeAuthenticated, "", maxPerm)
	}
	return r.namedGrant(p, d)
}

func userGrant(p *Principal, perm access.Permission, typ access.PermissionType, source string, maxPerm access.Permission) access.Grant {
	if perm == access.PermissionExclude {
		perm = access.PermissionNone
	}
	return access.Grant{
		Registrant:     p.Name(),
		RegistrantType: access.RegistrantUser,
		Permission:     min(perm, maxPerm),
		Type:           typ,
		Source:         source,
		Mutable:        typ == access.TypeExplicit,
	}
}

// namedGrant classifies an authenticated p's access to d from named sources
// only, ignoring what the restriction and control leave open.
func (r *Resolver) namedGrant(p *Principal, d *registry.Descriptor) access.Grant {
	maxPerm := d.MaxPermission()
	if r.IsAdmin(p) {
		return userGrant(p, maxPerm, access.TypeAdmin, "", maxPerm)
	}
	if d.IsOwner(p.Username) || access.IsPersonal(d.Name, p.Username) {
		return userGrant(p, maxPerm, access.TypeOwner, "", maxPerm)
	}

	key := d.Key()
	for _, g := range p.Grants {
		if !g.IsRegex() && access.Key(g.Repository) == key {
			return userGrant(p, g.Permission, access.TypeExplicit, "", maxPerm)
		}
	}
	for _, g := range p.Grants {
		if g.IsRegex() && access.MatchesPattern(g.Repository, d.Name) {
			return userGrant(p, g.Permission, access.TypeRegex, g.Repository, maxPerm)
		}
	}

	best := userGrant(p, access.PermissionNone, access.TypeNone, "", maxPerm)
	for _, t := range r.teamsOf(p) {
		perm := teamPermission(t, d)
		if perm.Exceeds(best.Permission) {
			best = userGrant(p, perm, access.TypeTeam, t.Name, maxPerm)
		}
	}
	return best
}

// teamPermission is the team's own grant on d: explicit first, then its
// regex grants in order. An exclusion contributes nothing.
func teamPermission(t *Team, d *registry.Descriptor) access.Permission {
	key := d.Key()
	for _, g := range t.Grants {
		if !g.IsRegex() && access.Key(g.Repository) == key {
			return g.Permission
		}
	}
	for _, g := range t.Grants {
		if g.IsRegex() && access.MatchesPattern(g.Repository, d.Name) {
			if g.Permission == access.PermissionExclude {
				return access.PermissionNone
			}
			return g.Permission
		}
	}
	return access.PermissionNone
}

// Authorize reports whether p may perform action on d. Actions the
// repository's restriction leaves open are allowed to anyone.
func (r *Resolver) Authorize(p *Principal, d *registry.Descriptor, action access.Permission) bool {
	if !d.AccessRestriction.Restricts(action) {
		return d.MaxPermission().AtLeast(action)
	}
	return r.EffectivePermission(p, d).Permission.AtLeast(action)
}

// CanView reports whether p may see d at all.
func (r *Resolver) CanView(p *Principal, d *registry.Descriptor) bool {
	return r.Authorize(p, d, access.PermissionView)
}

// AllGrantsForPrincipal returns username's ranked grants: explicit entries
// (MISSING when the repository is gone), regex patterns, team-derived
// grants and a synthesized OWNER grant for every owned or personal
// repository. OWNER replaces any other entry for the same repository.
func (r *Resolver) AllGrantsForPrincipal(ctx context.Context, username string) ([]access.Grant, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "iam.AllGrantsForPrincipal")
	defer span.End()

	u, err := r.users.GetByName(ctx, username)
	if err != nil {
		return nil, err
	}
	p := principalFromModel(u, nil, true)

	grants := []access.Grant{}
	index := make(map[string]int)
	add := func(g access.Grant) {
		k := access.Key(g.Registrant)
		if _, ok := index[k]; ok {
			return
		}
		index[k] = len(grants)
		grants = append(grants, g)
	}

	for _, g := range p.Grants {
		out := access.Grant{
			Registrant:     g.Repository,
			RegistrantType: access.RegistrantRepository,
			Permission:     g.Permission,
			Type:           access.TypeExplicit,
			Mutable:        true,
		}
		switch {
		case g.IsRegex():
			out.Type = access.TypeRegex
			out.Source = g.Repository
		case !r.repos.Exists(g.Repository):
			out.Type = access.TypeMissing
			out.Mutable = false
		}
		add(out)
	}

	for _, t := range r.teamsOf(p) {
		for _, g := range t.Grants {
			add(access.Grant{
				Registrant:     g.Repository,
				RegistrantType: access.RegistrantRepository,
				Permission:     g.Permission,
				Type:           access.TypeTeam,
				Source:         t.Name,
			})
		}
	}

	names, err := r.repos.List(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	for _, name := range names {
		d, err := r.repos.Lookup(name)
		if err != nil {
			continue
		}
		if !d.IsOwner(p.Username) && !access.IsPersonal(d.Name, p.Username) {
			continue
		}
		owner := access.Grant{
			Registrant:     d.Name,
			RegistrantType: access.RegistrantRepository,
			Permission:     d.MaxPermission(),
			Type:           access.TypeOwner,
		}
		if i, ok := index[d.Key()]; ok {
			grants[i] = owner
			continue
		}
		add(owner)
	}

	access.SortGrants(grants)
	return grants, nil
}

// AllGrantsForRepository lists every enabled principal with access to name
// beyond what the restriction already opens. Repositories without a
// restriction or authorized for any authenticated user have no named list.
func (r *Resolver) AllGrantsForRepository(ctx context.Context, name string) ([]access.Grant, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "iam.AllGrantsForRepository")
	defer span.End()

	d, err := r.repos.Lookup(name)
	if err != nil {
		return nil, err
	}
	if d.AccessRestriction == access.RestrictionNone || d.AuthorizationControl == access.ControlAuthenticated {
		return []access.Grant{}, nil
	}

	users, err := r.users.List(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("list principals: %w", err)
	}
	grants := []access.Grant{}
	for _, u := range users {
		if u.Disabled {
			continue
		}
		p := principalFromModel(u, nil, true)
		g := r.EffectivePermission(p, d)
		if g.Permission == access.PermissionNone {
			continue
		}
		grants = append(grants, g)
	}
	access.SortGrants(grants)
	return grants, nil
}

// TeamGrantsForRepository lists every team with access to name.
func (r *Resolver) TeamGrantsForRepository(_ context.Context, name string) ([]access.Grant, error) {
	d, err := r.repos.Lookup(name)
	if err != nil {
		return nil, err
	}
	grants := []access.Grant{}
	if r.cache == nil {
		return grants, nil
	}
	maxPerm := d.MaxPermission()
	for _, t := range r.cache.All() {
		g := access.Grant{Registrant: t.Name, RegistrantType: access.RegistrantTeam}
		admin, _ := AuthorizeWithRoles(r.enforcer, t.Roles, auth.CapabilityAdmin)
		switch {
		case admin:
			g.Permission, g.Type = maxPerm, access.TypeAdmin
		default:
			g.Permission, g.Type, g.Source, g.Mutable = teamGrantSource(t, d)
		}
		g.Permission = min(g.Permission, maxPerm)
		if g.Permission == access.PermissionNone {
			continue
		}
		grants = append(grants, g)
	}
	access.SortGrants(grants)
	return grants, nil
}

func teamGrantSource(t *Team, d *registry.Descriptor) (access.Permission, access.PermissionType, string, bool) {
	key := d.Key()
	for _, g := range t.Grants {
		if !g.IsRegex() && access.Key(g.Repository) == key {
			return g.Permission, access.TypeExplicit, "", true
		}
	}
	for _, g := range t.Grants {
		if g.IsRegex() && access.MatchesPattern(g.Repository, d.Name) {
			if g.Permission == access.PermissionExclude {
				return access.PermissionNone, access.TypeRegex, g.Repository, false
			}
			return g.Permission, access.TypeRegex, g.Repository, false
		}
	}
	return access.PermissionNone, access.TypeNone, "", false
}

// SetGrants writes grants for repository name. Every grant must be
// editable; otherwise nothing is written and errs.ErrForbidden is returned.
// A NONE permission removes the stored grant.
func (r *Resolver) SetGrants(ctx context.Context, name string, grants []access.Grant) error {
	d, err := r.repos.Lookup(name)
	if err != nil {
		return err
	}
	for _, g := range grants {
		if !g.Editable() {
			return fmt.Errorf("grant %s on %s is %s: %w", g.Registrant, d.Name, g.Type, errs.ErrForbidden)
		}
		stored, err := r.storedGrantType(ctx, g, d)
		if err != nil {
			return err
		}
		if stored != access.TypeExplicit && stored != access.TypeNone {
			return fmt.Errorf("grant %s on %s is %s: %w", g.Registrant, d.Name, stored, errs.ErrForbidden)
		}
	}

	teamsChanged := false
	for _, g := range grants {
		var err error
		switch g.RegistrantType {
		case access.RegistrantUser:
			if g.Permission == access.PermissionNone {
				err = r.users.RemoveGrant(ctx, g.Registrant, d.Name)
			} else {
				err = r.users.SetGrant(ctx, g.Registrant, d.Name, g.Permission)
			}
		case access.RegistrantTeam:
			teamsChanged = true
			if g.Permission == access.PermissionNone {
				err = r.teams.RemoveGrant(ctx, g.Registrant, d.Name)
			} else {
				err = r.teams.SetGrant(ctx, g.Registrant, d.Name, g.Permission)
			}
		}
		if err != nil && !(g.Permission == access.PermissionNone && errors.Is(err, errs.ErrNotFound)) {
			return fmt.Errorf("set grant %s on %s: %w", g.Registrant, d.Name, err)
		}
		r.logger.Info("Grant updated",
			logfields.Repository(d.Name), slog.String("registrant", g.Registrant),
			slog.String("registrant_type", strings.ToLower(string(g.RegistrantType))),
			slog.String("permission", g.Permission.String()))
	}

	if teamsChanged && r.cache != nil {
		if err := r.cache.Refresh(ctx); err != nil {
			r.logger.Warn("Team cache refresh after grant edit failed", logfields.Error(err))
		}
	}
	return nil
}

// storedGrantType is the server's classification of g's registrant on d,
// whatever type the caller claims.
func (r *Resolver) storedGrantType(ctx context.Context, g access.Grant, d *registry.Descriptor) (access.PermissionType, error) {
	switch g.RegistrantType {
	case access.RegistrantUser:
		u, err := r.users.GetByName(ctx, g.Registrant)
		if err != nil {
			return access.TypeNone, fmt.Errorf("grant %s on %s: %w", g.Registrant, d.Name, err)
		}
		return r.namedGrant(principalFromModel(u, nil, true), d).Type, nil
	case access.RegistrantTeam:
		mt, err := r.teams.GetByName(ctx, g.Registrant)
		if err != nil {
			return access.TypeNone, fmt.Errorf("grant %s on %s: %w", g.Registrant, d.Name, err)
		}
		t := teamFromModel(mt)
		if admin, _ := AuthorizeWithRoles(r.enforcer, t.Roles, auth.CapabilityAdmin); admin {
			return access.TypeAdmin, nil
		}
		_, typ, _, _ := teamGrantSource(t, d)
		return typ, nil
	default:
		return access.TypeNone, fmt.Errorf("grant %s on %s: registrant type %q: %w", g.Registrant, d.Name, g.RegistrantType, errs.ErrForbidden)
	}
}
