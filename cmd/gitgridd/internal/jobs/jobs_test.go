package jobs

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	def, err := registry.DefaultsFromConfig(config.RepositoryDefaults{
		AccessRestriction:    "PUSH",
		AuthorizationControl: "NAMED",
		FederationStrategy:   "FEDERATE_THIS",
		GCThreshold:          "1k",
		GCPeriod:             7 * 24 * time.Hour,
		AllowForks:           true,
	})
	require.NoError(t, err)
	r, err := registry.New(registry.Options{Root: t.TempDir(), Defaults: def, Logger: discard})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	return r
}

func create(t *testing.T, r *registry.Registry, name string, edit func(d *registry.Descriptor)) {
	t.Helper()
	d := r.NewDescriptor(name)
	if edit != nil {
		edit(d)
	}
	_, err := r.Create(context.Background(), d)
	require.NoError(t, err)
}

func storeObject(t *testing.T, repo *git.Repository, typ plumbing.ObjectType, encode func(o plumbing.EncodedObject) error) plumbing.Hash {
	t.Helper()
	obj := repo.Storer.NewEncodedObject()
	obj.SetType(typ)
	require.NoError(t, encode(obj))
	h, err := repo.Storer.SetEncodedObject(obj)
	require.NoError(t, err)
	return h
}

// writeLooseCommit stores a commit holding size random bytes as loose
// objects and points refs/heads/main at it.
func writeLooseCommit(t *testing.T, dir string, size int) plumbing.Hash {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)

	data := make([]byte, size)
	_, err = rand.Read(data)
	require.NoError(t, err)

	blob := storeObject(t, repo, plumbing.BlobObject, func(o plumbing.EncodedObject) error {
		w, err := o.Writer()
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		return w.Close()
	})
	tree := storeObject(t, repo, plumbing.TreeObject, (&object.Tree{Entries: []object.TreeEntry{
		{Name: "data.bin", Mode: filemode.Regular, Hash: blob},
	}}).Encode)
	sig := object.Signature{Name: "Alice", Email: "alice@example.com", When: time.Now()}
	commit := storeObject(t, repo, plumbing.CommitObject, (&object.Commit{
		Author: sig, Committer: sig, Message: "add data", TreeHash: tree,
	}).Encode)
	require.NoError(t, repo.Storer.SetReference(plumbing.NewHashReference("refs/heads/main", commit)))
	return commit
}

func TestCompactor_PacksLooseObjects(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	create(t, r, "demo.git", nil)
	dir, err := r.Dir("demo.git")
	require.NoError(t, err)
	commit := writeLooseCommit(t, dir, 8<<10)

	loose, err := r.LooseObjectBytes(ctx, "demo.git")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, loose, int64(8<<10))

	at := time.Date(2026, 10, 1, 3, 0, 0, 0, time.UTC)
	c := NewCompactor(r, discard)
	c.now = func() time.Time { return at }

	assert.Equal(t, Summary{Processed: 1}, c.Run(ctx))

	loose, err = r.LooseObjectBytes(ctx, "demo.git")
	require.NoError(t, err)
	assert.Zero(t, loose)

	d, err := r.Lookup("demo.git")
	require.NoError(t, err)
	assert.True(t, at.Equal(d.LastGC))
	assert.False(t, d.Busy)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	_, err = repo.CommitObject(commit)
	require.NoError(t, err, "packed commit must stay readable")

	// period has not elapsed
	writeLooseCommit(t, dir, 8<<10)
	assert.Equal(t, Summary{Skipped: 1}, c.Run(ctx))
}

func TestCompactor_BelowThreshold(t *testing.T) {
	r := newRegistry(t)
	create(t, r, "big.git", func(d *registry.Descriptor) { d.GCThreshold = "1g" })
	dir, err := r.Dir("big.git")
	require.NoError(t, err)
	writeLooseCommit(t, dir, 4<<10)

	c := NewCompactor(r, discard)
	due, err := c.Due(context.Background(), "big.git")
	require.NoError(t, err)
	assert.False(t, due)
	assert.Equal(t, Summary{Skipped: 1}, c.Run(context.Background()))
}

func TestCompactor_BusyRepositoryIsDeferred(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	create(t, r, "demo.git", nil)
	dir, err := r.Dir("demo.git")
	require.NoError(t, err)
	writeLooseCommit(t, dir, 8<<10)

	h, err := r.Acquire("demo.git")
	require.NoError(t, err)

	c := NewCompactor(r, discard)
	assert.Equal(t, Summary{Skipped: 1}, c.Run(ctx))
	d, err := r.Lookup("demo.git")
	require.NoError(t, err)
	assert.True(t, d.LastGC.IsZero())

	h.Release()
	assert.Equal(t, Summary{Processed: 1}, c.Run(ctx))
}

func TestMirrorFetcher(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	create(t, r, "plain.git", nil)

	work := t.TempDir()
	src, err := git.PlainInit(work, false)
	require.NoError(t, err)
	commit := func(msg string) plumbing.Hash {
		wt, err := src.Worktree()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(work, "README"), []byte(msg), 0o644))
		_, err = wt.Add("README")
		require.NoError(t, err)
		h, err := wt.Commit(msg, &git.CommitOptions{
			Author: &object.Signature{Name: "Alice", Email: "alice@example.com", When: time.Now()},
		})
		require.NoError(t, err)
		return h
	}
	commit("first")

	mirrorDir := filepath.Join(r.Root(), "mirror.git")
	clone, err := git.PlainClone(mirrorDir, true, &git.CloneOptions{URL: work})
	require.NoError(t, err)
	cfg, err := clone.Config()
	require.NoError(t, err)
	origin := cfg.Remotes[git.DefaultRemoteName]
	origin.Mirror = true
	origin.Fetch = []gitconfig.RefSpec{"+refs/heads/*:refs/heads/*"}
	require.NoError(t, clone.SetConfig(cfg))
	r.InvalidateAll()

	d, err := r.Lookup("mirror.git")
	require.NoError(t, err)
	require.True(t, d.Mirror)

	head, err := src.Head()
	require.NoError(t, err)
	before, err := clone.Reference(head.Name(), true)
	require.NoError(t, err)

	second := commit("second")
	require.NotEqual(t, before.Hash(), second)

	m := NewMirrorFetcher(r, discard)
	assert.Equal(t, Summary{Processed: 1}, m.Run(ctx))

	mirror, err := git.PlainOpen(mirrorDir)
	require.NoError(t, err)
	ref, err := mirror.Reference(head.Name(), true)
	require.NoError(t, err)
	assert.Equal(t, second, ref.Hash())

	// nothing new upstream is still a success
	assert.Equal(t, Summary{Processed: 1}, m.Run(ctx))
}

type refresher struct {
	calls int
	err   error
}

func (f *refresher) RefreshTeamCache(context.Context) error {
	f.calls++
	return f.err
}

func TestTeamCacheRefresh(t *testing.T) {
	f := &refresher{}
	job := NewTeamCacheRefresh(f, discard)
	assert.Equal(t, Summary{Processed: 1}, job.Run(context.Background()))

	f.err = errors.New("database unavailable")
	assert.Equal(t, Summary{Failed: 1}, job.Run(context.Background()))
	assert.Equal(t, 2, f.calls)
}

type countingJob struct {
	runs chan struct{}
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) Summary {
	select {
	case j.runs <- struct{}{}:
	default:
	}
	return Summary{Processed: 1}
}

func TestScheduler_RunsJobs(t *testing.T) {
	s, err := NewScheduler(discard)
	require.NoError(t, err)

	job := &countingJob{runs: make(chan struct{}, 1)}
	id, err := s.Schedule(job, 10*time.Millisecond)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	disabled, err := s.Schedule(&countingJob{}, 0)
	require.NoError(t, err)
	assert.Empty(t, disabled)

	s.Start()
	defer func() { require.NoError(t, s.Stop()) }()

	select {
	case <-job.runs:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestSizeWarmup(t *testing.T) {
	r := newRegistry(t)
	create(t, r, "a.git", nil)
	create(t, r, "b.git", nil)

	job := NewSizeWarmup(r, discard)
	assert.Equal(t, "size-warmup", job.Name())
	assert.Equal(t, Summary{Processed: 2}, job.Run(context.Background()))
}
