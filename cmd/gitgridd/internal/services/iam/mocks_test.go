package iam

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
)

// Mock stores for testing

type mockPrincipalStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
	keys  map[string][]models.UserKey
	// writes counts mutating calls
	writes int
}

func newMockPrincipalStore(users ...*models.User) *mockPrincipalStore {
	m := &mockPrincipalStore{users: map[string]*models.User{}, keys: map[string][]models.UserKey{}}
	for _, u := range users {
		if u.AccountType == "" {
			u.AccountType = models.AccountLocal
		}
		m.users[strings.ToLower(u.Username)] = cloneUser(u)
	}
	return m
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Roles = slices.Clone(u.Roles)
	c.Grants = slices.Clone(u.Grants)
	if u.CookieHash != nil {
		h := *u.CookieHash
		c.CookieHash = &h
	}
	return &c
}

func (m *mockPrincipalStore) get(name string) (*models.User, error) {
	u, ok := m.users[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", name, errs.ErrNotFound)
	}
	return u, nil
}

func (m *mockPrincipalStore) GetByName(_ context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, err := m.get(username)
	if err != nil {
		return nil, err
	}
	return cloneUser(u), nil
}

func (m *mockPrincipalStore) GetByCookieHash(_ context.Context, hash string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.CookieHash != nil && *u.CookieHash == hash {
			return cloneUser(u), nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *mockPrincipalStore) List(_ context.Context) ([]*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.User
	for _, u := range m.users {
		out = append(out, cloneUser(u))
	}
	slices.SortFunc(out, func(a, b *models.User) int { return strings.Compare(a.Username, b.Username) })
	return out, nil
}

func (m *mockPrincipalStore) Create(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	user.Username = strings.ToLower(user.Username)
	if _, ok := m.users[user.Username]; ok {
		return errs.ErrConflict
	}
	if user.AccountType == "" {
		user.AccountType = models.AccountLocal
	}
	m.users[user.Username] = cloneUser(user)
	return nil
}

func (m *mockPrincipalStore) Update(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if _, err := m.get(user.Username); err != nil {
		return err
	}
	m.users[strings.ToLower(user.Username)] = cloneUser(user)
	return nil
}

func (m *mockPrincipalStore) Delete(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if _, err := m.get(username); err != nil {
		return err
	}
	delete(m.users, strings.ToLower(username))
	return nil
}

func (m *mockPrincipalStore) SetCookieHash(_ context.Context, username string, hash *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.get(username)
	if err != nil {
		return err
	}
	u.CookieHash = hash
	return nil
}

func (m *mockPrincipalStore) SetGrant(_ context.Context, username, repo string, perm access.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	u, err := m.get(username)
	if err != nil {
		return err
	}
	u.Grants = setGrantRecord(u.Grants, repo, perm)
	return nil
}

func (m *mockPrincipalStore) RemoveGrant(_ context.Context, username, repo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	u, err := m.get(username)
	if err != nil {
		return err
	}
	u.Grants = slices.DeleteFunc(u.Grants, func(g models.GrantRecord) bool { return strings.EqualFold(g.Repository, repo) })
	return nil
}

func (m *mockPrincipalStore) RenameRole(context.Context, string, string) error { return nil }
func (m *mockPrincipalStore) DeleteRole(context.Context, string) error         { return nil }

func (m *mockPrincipalStore) ListKeys(_ context.Context, username string) ([]models.UserKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.keys[strings.ToLower(username)]), nil
}

func (m *mockPrincipalStore) AddKey(_ context.Context, username string, key *models.UserKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[strings.ToLower(username)] = append(m.keys[strings.ToLower(username)], *key)
	return nil
}

func (m *mockPrincipalStore) RemoveKey(_ context.Context, username, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := strings.ToLower(username)
	m.keys[k] = slices.DeleteFunc(m.keys[k], func(uk models.UserKey) bool { return uk.Fingerprint == fingerprint })
	return nil
}

func setGrantRecord(grants []models.GrantRecord, repo string, perm access.Permission) []models.GrantRecord {
	for i, g := range grants {
		if strings.EqualFold(g.Repository, repo) {
			grants[i].Permission = perm.Code()
			return grants
		}
	}
	return append(grants, models.GrantRecord{Repository: repo, Permission: perm.Code()})
}

type mockTeamStore struct {
	mu    sync.RWMutex
	teams []*models.Team
}

func newMockTeamStore(teams ...*models.Team) *mockTeamStore {
	return &mockTeamStore{teams: teams}
}

func (m *mockTeamStore) find(name string) (*models.Team, error) {
	for _, t := range m.teams {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("team %s: %w", name, errs.ErrNotFound)
}

func (m *mockTeamStore) GetByName(_ context.Context, name string) (*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.find(name)
	if err != nil {
		return nil, err
	}
	c := *t
	return &c, nil
}

func (m *mockTeamStore) List(_ context.Context) ([]*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Team, 0, len(m.teams))
	for _, t := range m.teams {
		c := *t
		c.Members = slices.Clone(t.Members)
		c.Grants = slices.Clone(t.Grants)
		c.Roles = slices.Clone(t.Roles)
		out = append(out, &c)
	}
	return out, nil
}

func (m *mockTeamStore) ListForUser(ctx context.Context, username string) ([]*models.Team, error) {
	all, _ := m.List(ctx)
	return slices.DeleteFunc(all, func(t *models.Team) bool {
		return !slices.Contains(t.Members, strings.ToLower(username))
	}), nil
}

func (m *mockTeamStore) Create(_ context.Context, team *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.find(team.Name); err == nil {
		return errs.ErrConflict
	}
	m.teams = append(m.teams, team)
	return nil
}

func (m *mockTeamStore) Update(_ context.Context, team *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.teams {
		if strings.EqualFold(t.Name, team.Name) {
			m.teams[i] = team
			return nil
		}
	}
	return errs.ErrNotFound
}

func (m *mockTeamStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams = slices.DeleteFunc(m.teams, func(t *models.Team) bool { return strings.EqualFold(t.Name, name) })
	return nil
}

func (m *mockTeamStore) AddMember(_ context.Context, team, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.find(team)
	if err != nil {
		return err
	}
	t.Members = append(t.Members, strings.ToLower(username))
	return nil
}

func (m *mockTeamStore) RemoveMember(_ context.Context, team, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.find(team)
	if err != nil {
		return err
	}
	t.Members = slices.DeleteFunc(t.Members, func(u string) bool { return strings.EqualFold(u, username) })
	return nil
}

func (m *mockTeamStore) SetGrant(_ context.Context, team, repo string, perm access.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.find(team)
	if err != nil {
		return err
	}
	t.Grants = setGrantRecord(t.Grants, repo, perm)
	return nil
}

func (m *mockTeamStore) RemoveGrant(_ context.Context, team, repo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.find(team)
	if err != nil {
		return err
	}
	t.Grants = slices.DeleteFunc(t.Grants, func(g models.GrantRecord) bool { return strings.EqualFold(g.Repository, repo) })
	return nil
}

func (m *mockTeamStore) RenameRole(context.Context, string, string) error { return nil }
func (m *mockTeamStore) DeleteRole(context.Context, string) error         { return nil }

// mockRepositories is an in-memory RepositoryLookup.
type mockRepositories struct {
	repos map[string]*registry.Descriptor
}

func newMockRepositories(descs ...*registry.Descriptor) *mockRepositories {
	m := &mockRepositories{repos: map[string]*registry.Descriptor{}}
	for _, d := range descs {
		m.repos[d.Key()] = d
	}
	return m
}

func (m *mockRepositories) Lookup(name string) (*registry.Descriptor, error) {
	d, ok := m.repos[access.Key(name)]
	if !ok {
		return nil, fmt.Errorf("repository %s: %w", name, errs.ErrNotFound)
	}
	return d.Clone(), nil
}

func (m *mockRepositories) List(context.Context) ([]string, error) {
	var names []string
	for _, d := range m.repos {
		names = append(names, d.Name)
	}
	slices.SortFunc(names, access.CompareRepositoryNames)
	return names, nil
}

func (m *mockRepositories) Exists(name string) bool {
	_, ok := m.repos[access.Key(name)]
	return ok
}

func bareRepo(name string, restriction access.Restriction, owners ...string) *registry.Descriptor {
	return &registry.Descriptor{
		Name:                 name,
		AccessRestriction:    restriction,
		AuthorizationControl: access.ControlNamed,
		Owners:               owners,
		Bare:                 true,
	}
}

func grantRecord(repo string, perm access.Permission) models.GrantRecord {
	return models.GrantRecord{Repository: repo, Permission: perm.Code()}
}
