package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/graph"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/telemetry"
)

const bareSuffix = ".git"

// Create initializes an empty bare repository with the settings of tmpl.
// tmpl.Name is normalized and given a ".git" suffix when missing.
func (r *Registry) Create(ctx context.Context, tmpl *Descriptor) (*Descriptor, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "registry.create")
	defer span.End()

	name := access.NormalizeName(tmpl.Name)
	if name == "" {
		return nil, fmt.Errorf("repository name is required")
	}
	if !strings.HasSuffix(strings.ToLower(name), bareSuffix) {
		name += bareSuffix
	}
	if err := r.ensureAbsent(name); err != nil {
		return nil, err
	}
	if tmpl.Origin != "" {
		if err := r.checkOrigin(name, tmpl.Origin); err != nil {
			return nil, err
		}
	}

	dir := r.path(name)
	if _, err := git.PlainInit(dir, true); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("initialize repository %s: %w", name, err)
	}
	d := tmpl.Clone()
	d.Name = name
	if err := r.saveSettings(name, d); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	r.unprune(name)
	created, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Repository created", logfields.Repository(name))
	return created, nil
}

// Update persists the settings of d onto the existing repository d.Name.
// Live facts in d are ignored.
func (r *Registry) Update(ctx context.Context, d *Descriptor) (*Descriptor, error) {
	_, span := telemetry.StartSpan(ctx, tracerName, "registry.update")
	defer span.End()

	cur, err := r.Lookup(d.Name)
	if err != nil {
		return nil, err
	}
	if cur.Busy {
		return nil, fmt.Errorf("repository %s: %w", cur.Name, errs.ErrBusy)
	}
	next := d.Clone()
	next.Name = cur.Name
	next.Origin = access.NormalizeName(next.Origin)
	if next.Origin != "" && !strings.EqualFold(next.Origin, cur.Origin) {
		if err := r.checkOrigin(cur.Name, next.Origin); err != nil {
			return nil, err
		}
	}
	if err := r.saveSettings(cur.Name, next); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	r.Invalidate(cur.Name)
	return r.Lookup(cur.Name)
}

// RecordGC stores the time of the last successful compaction.
func (r *Registry) RecordGC(name string, at time.Time) error {
	r.mu.RLock()
	e := r.entries[access.Key(name)]
	r.mu.RUnlock()

	var d *Descriptor
	if e != nil {
		d = e.desc.Clone()
	} else {
		loaded, _, err := r.loadDescriptor(name)
		if err != nil {
			return err
		}
		d = loaded
	}
	d.LastGC = at.UTC().Truncate(time.Second)
	if err := r.saveSettings(d.Name, d); err != nil {
		return err
	}
	r.Invalidate(d.Name)
	return nil
}

// Rename moves oldName to newName, rewrites grants referencing it and
// repoints its forks. A failure after the move restores the directory so no
// two names ever refer to the same data.
func (r *Registry) Rename(ctx context.Context, oldName, newName string) (*Descriptor, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "registry.rename")
	defer span.End()

	d, err := r.Lookup(oldName)
	if err != nil {
		return nil, err
	}
	newName = access.NormalizeName(newName)
	if newName == "" {
		return nil, fmt.Errorf("new repository name is required")
	}
	if strings.HasSuffix(strings.ToLower(d.Name), bareSuffix) && !strings.HasSuffix(strings.ToLower(newName), bareSuffix) {
		newName += bareSuffix
	}
	if newName == d.Name {
		return d, nil
	}
	if !strings.EqualFold(newName, d.Name) {
		if err := r.ensureAbsent(newName); err != nil {
			return nil, err
		}
	}
	release, err := r.claim(d.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	oldDir, newDir := r.path(d.Name), r.path(newName)
	if err := os.MkdirAll(filepath.Dir(newDir), 0o755); err != nil {
		return nil, fmt.Errorf("rename %s: %w", d.Name, err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("rename %s to %s: %w", d.Name, newName, err)
	}
	if r.roles != nil {
		if err := r.roles.RenameRole(ctx, d.Name, newName); err != nil {
			if rbErr := os.Rename(newDir, oldDir); rbErr != nil {
				r.logger.Error("Rename rollback failed", logfields.Repository(d.Name), logfields.Error(rbErr))
			}
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("rename grants for %s: %w", d.Name, err)
		}
	}

	oldKey := d.Key()
	r.mu.Lock()
	delete(r.entries, oldKey)
	children := r.forks.rename(d.Name, newName)
	if r.listValid {
		r.names = insertSorted(removeFold(r.names, d.Name), newName)
	}
	delete(r.pruned, access.Key(newName))
	r.mu.Unlock()
	r.sizes.Remove(oldKey)
	release()

	for _, child := range children {
		if err := r.repointFork(child, d.Name, newName); err != nil {
			r.logger.Warn("Could not repoint fork after rename", logfields.Repository(child),
				slog.String("origin", newName), logfields.Error(err))
		}
		r.Invalidate(child)
	}

	renamed, err := r.Lookup(newName)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Repository renamed", logfields.Repository(newName), slog.String("from", d.Name))
	return renamed, nil
}

// repointFork rewrites child's stored origin and, when it points at the old
// location, its origin remote.
func (r *Registry) repointFork(child, oldOrigin, newOrigin string) error {
	repo, err := git.PlainOpen(r.path(child))
	if err != nil {
		return err
	}
	cfg, err := repo.Config()
	if err != nil {
		return err
	}
	cfg.Raw.Section(settingsSection).SetOption(keyOrigin, newOrigin)
	if remote, ok := cfg.Remotes[git.DefaultRemoteName]; ok && strings.EqualFold(r.inferOrigin(remote.URLs), oldOrigin) {
		gd, _ := gitDir(r.path(newOrigin))
		if gd != "" {
			remote.URLs = []string{gd}
		}
	}
	return repo.SetConfig(cfg)
}

// Fork clones source into username's personal namespace. The fork records
// source as its origin and username as its owner.
func (r *Registry) Fork(ctx context.Context, source, username string) (*Descriptor, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "registry.fork")
	defer span.End()

	src, err := r.Lookup(source)
	if err != nil {
		return nil, err
	}
	if !src.AllowForks {
		return nil, fmt.Errorf("repository %s does not allow forks: %w", src.Name, errs.ErrForbidden)
	}
	if src.Busy {
		return nil, fmt.Errorf("repository %s: %w", src.Name, errs.ErrBusy)
	}
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil, fmt.Errorf("fork owner is required")
	}
	target := access.PersonalPrefix(username) + path.Base(src.Name)
	if err := r.ensureAbsent(target); err != nil {
		return nil, err
	}

	srcDir, _ := gitDir(r.path(src.Name))
	dir := r.path(target)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("fork %s: %w", src.Name, err)
	}
	if src.HasCommits {
		_, err = git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{URL: srcDir})
		if errors.Is(err, transport.ErrEmptyRemoteRepository) || errors.Is(err, plumbing.ErrReferenceNotFound) {
			err = initEmptyFork(dir, srcDir)
		}
	} else {
		err = initEmptyFork(dir, srcDir)
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("fork %s: %w", src.Name, err)
	}

	fork := &Descriptor{Name: target}
	r.defaults.apply(fork)
	fork.Origin = src.Name
	fork.Owners = []string{username}
	fork.AccessRestriction = src.AccessRestriction
	fork.AuthorizationControl = src.AuthorizationControl
	fork.FederationStrategy = src.FederationStrategy
	if err := r.saveSettings(target, fork); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	r.unprune(target)
	created, err := r.Lookup(target)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Repository forked", logfields.Repository(target), slog.String("origin", src.Name), logfields.Principal(username))
	return created, nil
}

// initEmptyFork covers cloning a repository with no commits.
func initEmptyFork(dir, srcDir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	repo, err := git.PlainInit(dir, true)
	if err != nil {
		return err
	}
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{Name: git.DefaultRemoteName, URLs: []string{srcDir}})
	return err
}

// Delete removes the repository and every grant referencing it. Its forks
// survive with a dangling origin that fork network walks treat as a root.
func (r *Registry) Delete(ctx context.Context, name string) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "registry.delete")
	defer span.End()

	d, err := r.Lookup(name)
	if err != nil {
		return err
	}
	release, err := r.claim(d.Name)
	if err != nil {
		return err
	}
	defer release()
	if err := os.RemoveAll(r.path(d.Name)); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("delete repository %s: %w", d.Name, err)
	}

	key := d.Key()
	r.mu.Lock()
	delete(r.entries, key)
	r.forks.remove(d.Name)
	r.names = removeFold(r.names, d.Name)
	r.pruned[key] = true
	r.mu.Unlock()
	r.sizes.Remove(key)

	r.logger.Info("Repository deleted", logfields.Repository(d.Name))
	if r.roles != nil {
		if err := r.roles.DeleteRole(ctx, d.Name); err != nil {
			return fmt.Errorf("delete grants for %s: %w", d.Name, err)
		}
	}
	return nil
}

func (r *Registry) saveSettings(name string, d *Descriptor) error {
	repo, err := git.PlainOpen(r.path(name))
	if err != nil {
		return fmt.Errorf("open repository %s: %w", name, err)
	}
	cfg, err := repo.Config()
	if err != nil {
		return fmt.Errorf("read config of %s: %w", name, err)
	}
	if err := writeSettings(cfg.Raw, r.defaults, d); err != nil {
		return err
	}
	if err := repo.SetConfig(cfg); err != nil {
		return fmt.Errorf("write config of %s: %w", name, err)
	}
	return nil
}

// ensureAbsent fails with errs.ErrConflict when name, ignoring case, is taken.
func (r *Registry) ensureAbsent(name string) error {
	if _, ok := r.resolveDiskName(name); ok {
		return fmt.Errorf("repository %s: %w", name, errs.ErrConflict)
	}
	if _, err := os.Stat(r.path(name)); err == nil {
		return fmt.Errorf("path %s: %w", name, errs.ErrConflict)
	}
	return nil
}

// checkOrigin requires origin to exist and not descend from name.
func (r *Registry) checkOrigin(name, origin string) error {
	if !r.Exists(origin) {
		return fmt.Errorf("origin repository %s: %w", origin, errs.ErrNotFound)
	}
	r.mu.RLock()
	fg := graph.BuildForkGraph(r.forks.edges())
	r.mu.RUnlock()
	if fg.WouldCreateCycle(origin, name) {
		return fmt.Errorf("origin %s would make %s its own ancestor: %w", origin, name, errs.ErrConflict)
	}
	return nil
}

func (r *Registry) unprune(name string) {
	r.mu.Lock()
	delete(r.pruned, access.Key(name))
	r.mu.Unlock()
}

// NewDescriptor returns a descriptor for name carrying the configured
// defaults, ready to adjust and pass to Create.
func (r *Registry) NewDescriptor(name string) *Descriptor {
	d := &Descriptor{Name: name}
	r.defaults.apply(d)
	return d
}
