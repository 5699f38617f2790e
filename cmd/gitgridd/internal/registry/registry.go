// Package registry keeps a name-keyed cache of repository descriptors that
// stays consistent with on-disk configuration changed behind its back.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/telemetry"
)

func init() {
	// file:// clones and pushes between local repositories run in-process
	client.InstallProtocol("file", server.DefaultServer)
}

// RoleRenamer rewrites grants that reference a repository by name.
type RoleRenamer interface {
	RenameRole(ctx context.Context, oldName, newName string) error
	DeleteRole(ctx context.Context, name string) error
}

// Options configure a Registry.
type Options struct {
	// Root is the folder every repository lives under.
	Root     string
	Settings *config.SettingsStore
	Defaults Defaults
	Roles    RoleRenamer
	Logger   *slog.Logger
	Metrics  *telemetry.RegistryMetrics
	// SizeCacheEntries bounds the size cache. Zero uses a default.
	SizeCacheEntries int
}

type entry struct {
	desc  *Descriptor
	token ModToken
}

// Registry is the single source of truth for repository existence, metadata
// and fork lineage. It is safe for concurrent use.
type Registry struct {
	root     string
	settings *config.SettingsStore
	defaults Defaults
	roles    RoleRenamer
	logger   *slog.Logger
	metrics  *telemetry.RegistryMetrics
	sizes    *SizeCache

	mu           sync.RWMutex
	entries      map[string]*entry
	busy         map[string]bool
	forks        *forkIndex
	pruned       map[string]bool
	names        []string
	listChecksum string
	listValid    bool

	handlesMu sync.Mutex
	handles   map[string]*handleEntry

	watchMu   sync.Mutex
	stopWatch context.CancelFunc
}

// New builds an isolated registry. Nothing is read until Start or the first call.
func New(opts Options) (*Registry, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("registry root folder is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve registry root: %w", err)
	}
	if opts.Settings == nil {
		opts.Settings = config.NewSettingsStore(config.RuntimeSettings{
			CacheRepositoryList: true,
			OnlyBare:            true,
			SearchSubfolders:    true,
			SearchDepth:         -1,
			CalculateSize:       true,
		})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Defaults.GCThreshold == "" {
		def, err := DefaultsFromConfig(config.RepositoryDefaults{AllowForks: true})
		if err != nil {
			return nil, err
		}
		opts.Defaults = def
	}
	sizes, err := NewSizeCache(opts.SizeCacheEntries)
	if err != nil {
		return nil, err
	}
	return &Registry{
		root:     root,
		settings: opts.Settings,
		defaults: opts.Defaults,
		roles:    opts.Roles,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		sizes:    sizes,
		entries:  make(map[string]*entry),
		busy:     make(map[string]bool),
		forks:    newForkIndex(),
		pruned:   make(map[string]bool),
		handles:  make(map[string]*handleEntry),
	}, nil
}

// Root returns the absolute repositories folder.
func (r *Registry) Root() string { return r.root }

// Defaults returns the settings applied to absent repository keys.
func (r *Registry) Defaults() Defaults { return r.defaults }

// Start creates the root folder if needed and loads every repository so the
// list cache and fork index are warm.
func (r *Registry) Start(ctx context.Context) error {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("create repositories folder: %w", err)
	}
	s := r.settings.Load()
	names, err := r.rebuild(ctx, s, settingsChecksum(r.root, s))
	if err != nil {
		return err
	}
	r.logger.Info("Repository registry started", logfields.Path(r.root), slog.Int("repositories", len(names)))
	return nil
}

// Stop ends watching and closes every cached handle.
func (r *Registry) Stop() {
	r.watchMu.Lock()
	if r.stopWatch != nil {
		r.stopWatch()
		r.stopWatch = nil
	}
	r.watchMu.Unlock()
	r.CloseAll()
}

// Lookup returns a copy of the descriptor for name, ignoring case. A cached
// entry is reused only while its modification token matches disk. During
// compaction the last known descriptor is returned flagged Busy.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	ctx := context.Background()
	name = access.NormalizeName(name)
	key := strings.ToLower(name)
	if key == "" {
		return nil, fmt.Errorf("repository name is empty: %w", errs.ErrNotFound)
	}

	r.mu.RLock()
	e, busy := r.entries[key], r.busy[key]
	r.mu.RUnlock()

	if e != nil {
		if busy {
			return r.view(e.desc), nil
		}
		gd, _ := gitDir(r.path(e.desc.Name))
		if gd == "" {
			r.purge(key)
			return nil, fmt.Errorf("repository %s: %w", name, errs.ErrNotFound)
		}
		if tok, err := readModToken(gd); err == nil && tok.Equal(e.token) {
			r.metrics.Hit(ctx)
			return r.view(e.desc), nil
		}
	}

	diskName := name
	if e != nil {
		diskName = e.desc.Name
	} else if resolved, ok := r.resolveDiskName(name); ok {
		diskName = resolved
	}
	d, tok, err := r.loadDescriptor(diskName)
	if err != nil {
		r.purge(key)
		if errors.Is(err, errs.ErrInconsistent) {
			r.logger.Error("Repository unreadable, treating as absent", logfields.Repository(diskName), logfields.Error(err))
			return nil, fmt.Errorf("repository %s: %w", name, errs.ErrNotFound)
		}
		return nil, err
	}
	r.metrics.Reload(ctx)
	r.put(d, tok)
	return r.view(d), nil
}

// Exists reports whether name resolves to a repository on disk.
func (r *Registry) Exists(name string) bool {
	_, ok := r.resolveDiskName(name)
	return ok
}

// Invalidate drops the cached descriptor for name.
func (r *Registry) Invalidate(name string) {
	r.purge(access.Key(name))
}

// InvalidateAll drops every cached descriptor and the list cache.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	r.entries = make(map[string]*entry)
	r.listValid = false
	r.mu.Unlock()
	r.sizes.Purge()
}

// view returns a caller-owned copy with derived fields filled in.
func (r *Registry) view(d *Descriptor) *Descriptor {
	c := d.Clone()
	key := d.Key()
	r.mu.RLock()
	c.Forks = r.forks.forksOf(key)
	c.Busy = r.busy[key]
	r.mu.RUnlock()
	if size, ok := r.sizes.get(key, c.LastChange); ok {
		c.Size = size
	}
	return c
}

// put publishes a freshly loaded descriptor and records its fork edge. A
// descriptor whose directory is gone by now lost a race with Rename or
// Delete and is dropped. The check runs under mu because both publish their
// moves under mu after touching disk.
func (r *Registry) put(d *Descriptor, tok ModToken) {
	key := d.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if gd, _ := gitDir(r.path(d.Name)); gd == "" {
		return
	}
	r.entries[key] = &entry{desc: d, token: tok}
	r.forks.set(d.Name, d.Origin)
	if r.listValid && !containsFold(r.names, d.Name) {
		r.names = insertSorted(r.names, d.Name)
	}
}

func (r *Registry) purge(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Dir returns the directory holding name, either the bare repository or its
// working tree.
func (r *Registry) Dir(name string) (string, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return "", err
	}
	return r.path(d.Name), nil
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.root, filepath.FromSlash(name))
}

// resolveDiskName finds the on-disk spelling of name, matching each path
// element case-insensitively when the exact spelling is absent.
func (r *Registry) resolveDiskName(name string) (string, bool) {
	name = access.NormalizeName(name)
	if name == "" {
		return "", false
	}
	if gd, _ := gitDir(r.path(name)); gd != "" {
		return name, true
	}
	dir := r.root
	parts := strings.Split(name, "/")
	for i, part := range parts {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return "", false
		}
		found := ""
		for _, e := range entries {
			if e.IsDir() && strings.EqualFold(e.Name(), part) {
				found = e.Name()
				break
			}
		}
		if found == "" {
			return "", false
		}
		parts[i] = found
		dir = filepath.Join(dir, found)
	}
	if gd, _ := gitDir(dir); gd == "" {
		return "", false
	}
	return strings.Join(parts, "/"), true
}
