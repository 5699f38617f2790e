package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// ModToken captures what a descriptor was loaded from. Any difference from
// the live token means the cached descriptor is stale.
type ModToken struct {
	ConfigModTime time.Time
	ConfigSize    int64
	RefsModTime   time.Time
}

// Equal compares tokens including monotonic-free wall times.
func (t ModToken) Equal(o ModToken) bool {
	return t.ConfigModTime.Equal(o.ConfigModTime) &&
		t.ConfigSize == o.ConfigSize &&
		t.RefsModTime.Equal(o.RefsModTime)
}

// gitDir returns the git directory of the repository at dir and whether it
// is bare. Non-repositories return an empty path.
func gitDir(dir string) (string, bool) {
	if isBareRepo(dir) {
		return dir, true
	}
	dotgit := filepath.Join(dir, git.GitDirName)
	if isBareRepo(dotgit) {
		return dotgit, false
	}
	return "", false
}

func isBareRepo(dir string) bool {
	for _, part := range []string{"HEAD", "objects", "refs"} {
		if _, err := os.Stat(filepath.Join(dir, part)); err != nil {
			return false
		}
	}
	return true
}

// readModToken stats the config file, HEAD, packed-refs and everything
// under refs/.
func readModToken(gd string) (ModToken, error) {
	var tok ModToken
	info, err := os.Stat(filepath.Join(gd, "config"))
	switch {
	case err == nil:
		tok.ConfigModTime = info.ModTime()
		tok.ConfigSize = info.Size()
	case errors.Is(err, fs.ErrNotExist):
	default:
		return tok, err
	}

	newest := func(t time.Time) {
		if t.After(tok.RefsModTime) {
			tok.RefsModTime = t
		}
	}
	for _, name := range []string{"HEAD", "packed-refs"} {
		if info, err := os.Stat(filepath.Join(gd, name)); err == nil {
			newest(info.ModTime())
		}
	}
	err = filepath.WalkDir(filepath.Join(gd, "refs"), func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		newest(info.ModTime())
		return nil
	})
	return tok, err
}

// loadDescriptor reads name from disk. A missing directory returns
// errs.ErrNotFound; an unreadable repository returns errs.ErrInconsistent.
func (r *Registry) loadDescriptor(name string) (*Descriptor, ModToken, error) {
	dir := r.path(name)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ModToken{}, fmt.Errorf("repository %s: %w", name, errs.ErrNotFound)
		}
		return nil, ModToken{}, fmt.Errorf("stat repository %s: %w", name, err)
	}
	gd, bare := gitDir(dir)
	if gd == "" {
		return nil, ModToken{}, fmt.Errorf("repository %s: %w", name, errs.ErrNotFound)
	}
	tok, err := readModToken(gd)
	if err != nil {
		return nil, ModToken{}, fmt.Errorf("repository %s: read modification token: %v: %w", name, err, errs.ErrInconsistent)
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, ModToken{}, fmt.Errorf("repository %s: open: %v: %w", name, err, errs.ErrInconsistent)
	}
	cfg, err := repo.Config()
	if err != nil {
		return nil, ModToken{}, fmt.Errorf("repository %s: read config: %v: %w", name, err, errs.ErrInconsistent)
	}

	d := &Descriptor{Name: name, Bare: bare}
	if err := readSettings(cfg.Raw, r.defaults, d); err != nil {
		r.logger.Warn("Invalid repository settings, using defaults", logfields.Repository(name), logfields.Error(err))
	}
	if remote, ok := cfg.Remotes[git.DefaultRemoteName]; ok {
		d.Mirror = remote.Mirror
		if d.Origin == "" {
			d.Origin = r.inferOrigin(remote.URLs)
		}
	}
	if strings.EqualFold(d.Origin, name) {
		d.Origin = ""
	}

	if head, err := repo.Reference(plumbing.HEAD, false); err == nil {
		if head.Type() == plumbing.SymbolicReference {
			d.Head = head.Target().String()
		} else {
			d.Head = head.Hash().String()
		}
	}
	r.readCommitFacts(repo, d)
	return d, tok, nil
}

// readCommitFacts records the newest commit across all branches.
func (r *Registry) readCommitFacts(repo *git.Repository, d *Descriptor) {
	branches, err := repo.Branches()
	if err != nil {
		return
	}
	defer branches.Close()
	_ = branches.ForEach(func(ref *plumbing.Reference) error {
		commit, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return nil
		}
		d.HasCommits = true
		if when := commit.Committer.When; when.After(d.LastChange) {
			d.LastChange = when.UTC()
			d.LastChangeAuthor = commit.Author.Name
		}
		return nil
	})
}

// inferOrigin maps a remote URL pointing inside the repositories folder back
// to a repository name. Comparison ignores case and slash direction.
func (r *Registry) inferOrigin(urls []string) string {
	prefix := strings.ToLower(filepath.ToSlash(r.root)) + "/"
	for _, raw := range urls {
		u := strings.TrimPrefix(raw, "file://")
		u = filepath.ToSlash(u)
		if !strings.HasPrefix(strings.ToLower(u), prefix) {
			continue
		}
		rel := strings.TrimSuffix(u[len(prefix):], "/")
		rel = strings.TrimSuffix(rel, "/"+git.GitDirName)
		if name := access.NormalizeName(rel); name != "" {
			return name
		}
	}
	return ""
}
