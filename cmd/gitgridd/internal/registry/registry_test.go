package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
)

type fakeRoles struct {
	renames   [][2]string
	deletes   []string
	renameErr error
}

func (f *fakeRoles) RenameRole(_ context.Context, oldName, newName string) error {
	if f.renameErr != nil {
		return f.renameErr
	}
	f.renames = append(f.renames, [2]string{oldName, newName})
	return nil
}

func (f *fakeRoles) DeleteRole(_ context.Context, name string) error {
	f.deletes = append(f.deletes, name)
	return nil
}

func testSettings() config.RuntimeSettings {
	return config.RuntimeSettings{
		CacheRepositoryList: true,
		OnlyBare:            true,
		SearchSubfolders:    true,
		SearchDepth:         -1,
		CalculateSize:       true,
	}
}

func newTestRegistry(t *testing.T, store *config.SettingsStore, roles RoleRenamer) *Registry {
	t.Helper()
	return newRegistryAt(t, t.TempDir(), store, roles)
}

func newRegistryAt(t *testing.T, root string, store *config.SettingsStore, roles RoleRenamer) *Registry {
	t.Helper()
	if store == nil {
		store = config.NewSettingsStore(testSettings())
	}
	def, err := DefaultsFromConfig(config.RepositoryDefaults{
		AccessRestriction:    "PUSH",
		AuthorizationControl: "NAMED",
		FederationStrategy:   "FEDERATE_THIS",
		GCThreshold:          "500k",
		GCPeriod:             7 * 24 * time.Hour,
		AllowForks:           true,
	})
	require.NoError(t, err)

	r, err := New(Options{
		Root:     root,
		Settings: store,
		Defaults: def,
		Roles:    roles,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func mustCreate(t *testing.T, r *Registry, name string, edit func(d *Descriptor)) *Descriptor {
	t.Helper()
	d := r.NewDescriptor(name)
	if edit != nil {
		edit(d)
	}
	created, err := r.Create(context.Background(), d)
	require.NoError(t, err)
	return created
}

// commitTo pushes one commit into the bare repository at dir.
func commitTo(t *testing.T, dir, file, content string) {
	t.Helper()
	work := t.TempDir()
	repo, err := git.PlainInit(work, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(work, file), []byte(content), 0o644))
	_, err = wt.Add(file)
	require.NoError(t, err)
	_, err = wt.Commit("add "+file, &git.CommitOptions{
		Author: &object.Signature{Name: "Alice", Email: "alice@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: git.DefaultRemoteName, URLs: []string{dir}})
	require.NoError(t, err)
	require.NoError(t, repo.Push(&git.PushOptions{RemoteName: git.DefaultRemoteName}))
}

func TestLookup_IgnoresCase(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	created := mustCreate(t, r, "Group/Demo", nil)
	assert.Equal(t, "Group/Demo.git", created.Name)

	for _, name := range []string{"group/demo.git", "GROUP/DEMO.GIT", `\Group\Demo.git`} {
		d, err := r.Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, "Group/Demo.git", d.Name)
	}

	// a cold registry resolves the on-disk spelling too
	r.InvalidateAll()
	d, err := r.Lookup("group/DEMO.git")
	require.NoError(t, err)
	assert.Equal(t, "Group/Demo.git", d.Name)
}

func TestLookup_ReturnsCopy(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "demo.git", func(d *Descriptor) { d.Owners = []string{"alice"} })

	d, err := r.Lookup("demo.git")
	require.NoError(t, err)
	d.Owners[0] = "mallory"
	d.Description = "changed"

	again, err := r.Lookup("demo.git")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, again.Owners)
	assert.Empty(t, again.Description)
}

func TestLookup_DetectsConfigChangedOnDisk(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	created := mustCreate(t, r, "demo.git", nil)
	assert.Empty(t, created.Description)

	repo, err := git.PlainOpen(filepath.Join(r.Root(), "demo.git"))
	require.NoError(t, err)
	cfg, err := repo.Config()
	require.NoError(t, err)
	cfg.Raw.Section(settingsSection).SetOption(keyDescription, "edited by hand")
	require.NoError(t, repo.SetConfig(cfg))

	d, err := r.Lookup("demo.git")
	require.NoError(t, err)
	assert.Equal(t, "edited by hand", d.Description)
}

func TestLookup_MissingRepository(t *testing.T) {
	r := newTestRegistry(t, nil, nil)

	_, err := r.Lookup("nope.git")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	mustCreate(t, r, "gone.git", nil)
	require.NoError(t, os.RemoveAll(filepath.Join(r.Root(), "gone.git")))
	_, err = r.Lookup("gone.git")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLookup_CommitFacts(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "demo.git", nil)

	d, err := r.Lookup("demo.git")
	require.NoError(t, err)
	assert.False(t, d.HasCommits)
	assert.True(t, d.Bare)
	assert.Equal(t, "refs/heads/master", d.Head)

	commitTo(t, filepath.Join(r.Root(), "demo.git"), "README.md", "hello")

	d, err = r.Lookup("demo.git")
	require.NoError(t, err)
	assert.True(t, d.HasCommits)
	assert.Equal(t, "Alice", d.LastChangeAuthor)
	assert.False(t, d.LastChange.IsZero())
}

func TestSettings_RoundTrip(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "base.git", nil)

	want := r.NewDescriptor("demo.git")
	want.Description = "Demo repository"
	want.Owners = []string{"alice", "bob"}
	want.AccessRestriction = access.RestrictionView
	want.AuthorizationControl = access.ControlAuthenticated
	want.FederationStrategy = FederationExclude
	want.FederationSets = []string{}
	want.Origin = "base.git"
	want.Frozen = true
	want.AllowForks = false
	want.PreReceiveScripts = []string{"check-size"}
	want.IndexedBranches = []string{"refs/heads/main", "refs/heads/docs"}
	want.GCThreshold = "2m"
	want.GCPeriod = 3 * 24 * time.Hour
	want.LastGC = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	want.CustomFields = map[string]string{"ticket": "OPS-1"}

	_, err := r.Create(context.Background(), want)
	require.NoError(t, err)
	r.InvalidateAll()

	got, err := r.Lookup("demo.git")
	require.NoError(t, err)

	live := cmpopts.IgnoreFields(Descriptor{}, "Head", "HasCommits", "LastChange", "LastChangeAuthor", "Size", "Bare", "Mirror", "Forks", "Busy")
	if diff := cmp.Diff(want, got, live); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
	// present-but-empty survives as empty rather than inherited
	assert.NotNil(t, got.FederationSets)
	assert.Nil(t, got.PostReceiveScripts)
}

func TestSettings_DefaultsAreNotWritten(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "demo.git", func(d *Descriptor) { d.Description = "plain" })

	repo, err := git.PlainOpen(filepath.Join(r.Root(), "demo.git"))
	require.NoError(t, err)
	cfg, err := repo.Config()
	require.NoError(t, err)
	sec := cfg.Raw.Section(settingsSection)

	assert.Equal(t, "plain", sec.Option(keyDescription))
	for _, key := range []string{keyAccessRestriction, keyAuthorizationControl, keyFederationStrategy, keyAllowForks, keyGCThreshold, keyGCPeriod, keyOwner} {
		assert.False(t, sec.HasOption(key), key)
	}
}

func TestSettings_InvalidCustomFieldRejected(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	d := r.NewDescriptor("demo.git")
	d.CustomFields = map[string]string{"not valid": "x"}
	_, err := r.Create(context.Background(), d)
	assert.Error(t, err)
}

func TestList_ScanSettings(t *testing.T) {
	store := config.NewSettingsStore(testSettings())
	r := newTestRegistry(t, store, nil)
	for _, name := range []string{"repo10.git", "repo2.git", "group/sub.git", "archive/old.git"} {
		mustCreate(t, r, name, nil)
	}
	_, err := git.PlainInit(filepath.Join(r.Root(), "work"), false)
	require.NoError(t, err)

	s := testSettings()
	s.Exclusions = []string{"Archive/**"}
	store.Store(s)

	names, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"group/sub.git", "repo2.git", "repo10.git"}, names)

	s.OnlyBare = false
	store.Store(s)
	names, err = r.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"group/sub.git", "repo2.git", "repo10.git", "work"}, names)

	s.SearchSubfolders = false
	store.Store(s)
	names, err = r.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"repo2.git", "repo10.git", "work"}, names)
}

func TestList_CacheDisabledScansEveryCall(t *testing.T) {
	s := testSettings()
	s.CacheRepositoryList = false
	r := newTestRegistry(t, config.NewSettingsStore(s), nil)
	mustCreate(t, r, "one.git", nil)

	_, err := git.PlainInit(filepath.Join(r.Root(), "two.git"), true)
	require.NoError(t, err)

	names, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"one.git", "two.git"}, names)
}

func TestList_CachedUntilSettingsChange(t *testing.T) {
	store := config.NewSettingsStore(testSettings())
	r := newTestRegistry(t, store, nil)
	mustCreate(t, r, "one.git", nil)

	// created behind the registry's back
	_, err := git.PlainInit(filepath.Join(r.Root(), "two.git"), true)
	require.NoError(t, err)

	names, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"one.git"}, names)

	s := testSettings()
	s.SearchDepth = 3
	store.Store(s)
	names, err = r.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"one.git", "two.git"}, names)
}

func TestFilter(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "a.git", func(d *Descriptor) { d.Owners = []string{"alice"} })
	mustCreate(t, r, "b.git", func(d *Descriptor) { d.Owners = []string{"bob"} })

	got, err := r.Filter(context.Background(), `Owners contains "alice"`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a.git", got[0].Name)

	all, err := r.Filter(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = r.Filter(context.Background(), "Owners contains")
	assert.Error(t, err)
}

func TestForkNetwork_ClimbsToRoot(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "base.git", nil)
	mustCreate(t, r, "alice/base.git", func(d *Descriptor) { d.Origin = "base.git" })
	mustCreate(t, r, "bob/clone.git", func(d *Descriptor) { d.Origin = "alice/base.git" })

	tree, err := r.ForkNetwork(context.Background(), "bob/clone.git")
	require.NoError(t, err)

	assert.Equal(t, "base.git", tree.Name)
	require.Len(t, tree.Forks, 1)
	assert.Equal(t, "alice/base.git", tree.Forks[0].Name)
	require.Len(t, tree.Forks[0].Forks, 1)
	assert.Equal(t, "bob/clone.git", tree.Forks[0].Forks[0].Name)

	base, err := r.Lookup("base.git")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice/base.git"}, base.Forks)
}

func TestForkNetwork_PrunedOriginBecomesRoot(t *testing.T) {
	roles := &fakeRoles{}
	r := newTestRegistry(t, nil, roles)
	mustCreate(t, r, "base.git", nil)
	mustCreate(t, r, "alice/base.git", func(d *Descriptor) { d.Origin = "base.git" })
	mustCreate(t, r, "bob/clone.git", func(d *Descriptor) { d.Origin = "alice/base.git" })

	require.NoError(t, r.Delete(context.Background(), "alice/base.git"))
	assert.Equal(t, []string{"alice/base.git"}, roles.deletes)

	tree, err := r.ForkNetwork(context.Background(), "bob/clone.git")
	require.NoError(t, err)
	assert.Equal(t, "bob/clone.git", tree.Name)
	assert.Empty(t, tree.Forks)

	_, err = r.Lookup("alice/base.git")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUpdate_RejectsForkCycle(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	base := mustCreate(t, r, "base.git", nil)
	mustCreate(t, r, "fork.git", func(d *Descriptor) { d.Origin = "base.git" })

	base.Origin = "fork.git"
	_, err := r.Update(context.Background(), base)
	assert.ErrorIs(t, err, errs.ErrConflict)

	base.Origin = "missing.git"
	_, err = r.Update(context.Background(), base)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreate_Conflict(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "demo.git", nil)

	_, err := r.Create(context.Background(), r.NewDescriptor("DEMO.git"))
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestFork(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "tools.git", func(d *Descriptor) { d.AccessRestriction = access.RestrictionClone })
	commitTo(t, filepath.Join(r.Root(), "tools.git"), "main.go", "package main")

	fork, err := r.Fork(context.Background(), "tools.git", "Carol")
	require.NoError(t, err)
	assert.Equal(t, "~carol/tools.git", fork.Name)
	assert.Equal(t, "tools.git", fork.Origin)
	assert.Equal(t, []string{"carol"}, fork.Owners)
	assert.Equal(t, access.RestrictionClone, fork.AccessRestriction)
	assert.True(t, fork.HasCommits)

	src, err := r.Lookup("tools.git")
	require.NoError(t, err)
	assert.Equal(t, []string{"~carol/tools.git"}, src.Forks)

	_, err = r.Fork(context.Background(), "tools.git", "carol")
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestFork_EmptyAndForbidden(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "empty.git", nil)
	mustCreate(t, r, "closed.git", func(d *Descriptor) { d.AllowForks = false })

	fork, err := r.Fork(context.Background(), "empty.git", "dave")
	require.NoError(t, err)
	assert.False(t, fork.HasCommits)
	assert.Equal(t, "empty.git", fork.Origin)
	assert.Equal(t, []string{"~dave/empty.git"}, mustLookup(t, r, "empty.git").Forks)

	repo, err := git.PlainOpen(r.path(fork.Name))
	require.NoError(t, err)
	remote, err := repo.Remote(git.DefaultRemoteName)
	require.NoError(t, err)
	assert.Len(t, remote.Config().URLs, 1)

	_, err = r.Fork(context.Background(), "closed.git", "dave")
	assert.ErrorIs(t, err, errs.ErrForbidden)
}

func TestRename(t *testing.T) {
	roles := &fakeRoles{}
	r := newTestRegistry(t, nil, roles)
	mustCreate(t, r, "base.git", func(d *Descriptor) { d.Description = "the base" })
	mustCreate(t, r, "fork.git", func(d *Descriptor) { d.Origin = "base.git" })
	mustCreate(t, r, "taken.git", nil)

	_, err := r.Rename(context.Background(), "base.git", "TAKEN")
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.Empty(t, roles.renames)

	renamed, err := r.Rename(context.Background(), "base.git", "group/renamed")
	require.NoError(t, err)
	assert.Equal(t, "group/renamed.git", renamed.Name)
	assert.Equal(t, "the base", renamed.Description)
	assert.Equal(t, []string{"fork.git"}, renamed.Forks)
	assert.Equal(t, [][2]string{{"base.git", "group/renamed.git"}}, roles.renames)

	_, err = r.Lookup("base.git")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	fork, err := r.Lookup("fork.git")
	require.NoError(t, err)
	assert.Equal(t, "group/renamed.git", fork.Origin)

	names, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fork.git", "group/renamed.git", "taken.git"}, names)
}

func TestRename_RollsBackWhenGrantsFail(t *testing.T) {
	roles := &fakeRoles{renameErr: errors.New("store unavailable")}
	r := newTestRegistry(t, nil, roles)
	mustCreate(t, r, "base.git", nil)

	_, err := r.Rename(context.Background(), "base.git", "moved.git")
	require.Error(t, err)

	_, err = r.Lookup("base.git")
	assert.NoError(t, err)
	_, err = r.Lookup("moved.git")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestHandles_RefCounting(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "demo.git", nil)

	h1, err := r.Acquire("demo.git")
	require.NoError(t, err)
	h2, err := r.Acquire("DEMO.git")
	require.NoError(t, err)
	assert.Same(t, h1.Repository(), h2.Repository())
	assert.Equal(t, 1, r.OpenHandles())

	h1.Release()
	h1.Release()
	assert.Equal(t, 1, r.OpenHandles())

	// borrowed handles survive a bulk close until released
	r.CloseAll()
	assert.Equal(t, 0, r.OpenHandles())
	_, err = h2.Repository().Config()
	assert.NoError(t, err)
	h2.Release()
}

func TestCompaction_Busy(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "demo.git", nil)

	h, err := r.Acquire("demo.git")
	require.NoError(t, err)
	_, err = r.BeginCompaction("demo.git")
	assert.ErrorIs(t, err, errs.ErrBusy)
	h.Release()

	end, err := r.BeginCompaction("demo.git")
	require.NoError(t, err)
	assert.Equal(t, 0, r.OpenHandles())

	d, err := r.Lookup("demo.git")
	require.NoError(t, err)
	assert.True(t, d.Busy)

	_, err = r.Acquire("demo.git")
	assert.ErrorIs(t, err, errs.ErrBusy)
	_, err = r.BeginCompaction("demo.git")
	assert.ErrorIs(t, err, errs.ErrBusy)
	_, err = r.Rename(context.Background(), "demo.git", "other.git")
	assert.ErrorIs(t, err, errs.ErrBusy)
	assert.ErrorIs(t, r.Delete(context.Background(), "demo.git"), errs.ErrBusy)

	end()
	end()
	h, err = r.Acquire("demo.git")
	require.NoError(t, err)
	h.Release()
}

func TestSize(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "demo.git", nil)
	mustCreate(t, r, "skipped.git", func(d *Descriptor) { d.SkipSizeCalculation = true })
	commitTo(t, filepath.Join(r.Root(), "demo.git"), "data.txt", "some content")

	size, err := r.Size(context.Background(), "demo.git")
	require.NoError(t, err)
	assert.Positive(t, size)
	assert.Equal(t, 1, r.sizes.Len())

	d, err := r.Lookup("demo.git")
	require.NoError(t, err)
	assert.Equal(t, size, d.Size)

	skipped, err := r.Size(context.Background(), "skipped.git")
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Equal(t, 1, r.sizes.Len())
}

func TestRecordGC(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "demo.git", nil)

	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, r.RecordGC("demo.git", at))

	d, err := r.Lookup("demo.git")
	require.NoError(t, err)
	assert.True(t, at.Equal(d.LastGC))
}

func mustLookup(t *testing.T, r *Registry, name string) *Descriptor {
	t.Helper()
	d, err := r.Lookup(name)
	require.NoError(t, err)
	return d
}

func TestForkNetwork_UncachedSeesForksFromOtherProcess(t *testing.T) {
	ctx := context.Background()
	settings := testSettings()
	settings.CacheRepositoryList = false

	r := newTestRegistry(t, config.NewSettingsStore(settings), nil)
	mustCreate(t, r, "base.git", nil)
	require.Empty(t, mustLookup(t, r, "base.git").Forks)

	other := newRegistryAt(t, r.Root(), config.NewSettingsStore(settings), nil)
	_, err := other.Fork(ctx, "base.git", "alice")
	require.NoError(t, err)

	names, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"~alice/base.git", "base.git"}, names)

	tree, err := r.ForkNetwork(ctx, "base.git")
	require.NoError(t, err)
	assert.Equal(t, "base.git", tree.Name)
	require.Len(t, tree.Forks, 1)
	assert.Equal(t, "~alice/base.git", tree.Forks[0].Name)
	assert.Equal(t, []string{"~alice/base.git"}, mustLookup(t, r, "base.git").Forks)
}

func TestPut_DropsVanishedRepository(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "gone.git", nil)
	mustCreate(t, r, "moved.git", nil)

	gone, goneTok, err := r.loadDescriptor("gone.git")
	require.NoError(t, err)
	moved, movedTok, err := r.loadDescriptor("moved.git")
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "gone.git"))
	_, err = r.Rename(ctx, "moved.git", "renamed.git")
	require.NoError(t, err)

	// loads that raced the delete and the rename publish afterwards
	r.put(gone, goneTok)
	r.put(moved, movedTok)

	names, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"renamed.git"}, names)
	_, err = r.Lookup("gone.git")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = r.Lookup("moved.git")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRenameAndDelete_ExcludeCompaction(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, nil, nil)
	mustCreate(t, r, "app.git", nil)

	end, err := r.BeginCompaction("app.git")
	require.NoError(t, err)
	_, err = r.Rename(ctx, "app.git", "other.git")
	assert.ErrorIs(t, err, errs.ErrBusy)
	assert.ErrorIs(t, r.Delete(ctx, "app.git"), errs.ErrBusy)
	end()

	release, err := r.claim("app.git")
	require.NoError(t, err)
	_, err = r.BeginCompaction("app.git")
	assert.ErrorIs(t, err, errs.ErrBusy)
	_, err = r.claim("APP.git")
	assert.ErrorIs(t, err, errs.ErrBusy)
	release()
	release()

	renamed, err := r.Rename(ctx, "app.git", "other.git")
	require.NoError(t, err)
	assert.False(t, renamed.Busy)

	end, err = r.BeginCompaction("other.git")
	require.NoError(t, err)
	end()
	require.NoError(t, r.Delete(ctx, "other.git"))
}
