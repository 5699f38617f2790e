package registry

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/go-git/go-git/v5"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// handleEntry is one open repository shared by every borrower. refs counts
// the registry's own retain plus one per outstanding Handle.
type handleEntry struct {
	name     string
	repo     *git.Repository
	refs     int
	retained bool
}

// Handle is a borrowed repository. Release it when done; Release is
// idempotent.
type Handle struct {
	r     *Registry
	key   string
	entry *handleEntry
	once  sync.Once
}

// Repository returns the underlying repository.
func (h *Handle) Repository() *git.Repository { return h.entry.repo }

// Name returns the repository name the handle was acquired for.
func (h *Handle) Name() string { return h.entry.name }

// Release returns the borrow. Storage closes once the last reference goes.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.r.handlesMu.Lock()
		defer h.r.handlesMu.Unlock()
		h.r.unref(h.key, h.entry)
	})
}

// Acquire borrows an open repository. It fails with errs.ErrBusy while the
// repository is being compacted instead of waiting.
func (r *Registry) Acquire(name string) (*Handle, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	key := d.Key()

	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()

	r.mu.RLock()
	busy := r.busy[key]
	r.mu.RUnlock()
	if busy {
		r.metrics.Busy(context.Background(), d.Name)
		return nil, fmt.Errorf("repository %s: %w", d.Name, errs.ErrBusy)
	}

	he, ok := r.handles[key]
	if !ok {
		repo, err := git.PlainOpen(r.path(d.Name))
		if err != nil {
			return nil, fmt.Errorf("open repository %s: %w", d.Name, err)
		}
		he = &handleEntry{name: d.Name, repo: repo, refs: 1, retained: true}
		r.handles[key] = he
		r.metrics.HandleOpened(context.Background())
	}
	he.refs++
	return &Handle{r: r, key: key, entry: he}, nil
}

// unref drops one reference. Callers hold handlesMu.
func (r *Registry) unref(key string, he *handleEntry) {
	if he.refs <= 0 {
		return
	}
	he.refs--
	if he.refs > 0 {
		return
	}
	if cur, ok := r.handles[key]; ok && cur == he {
		delete(r.handles, key)
	}
	r.closeRepo(he)
}

func (r *Registry) closeRepo(he *handleEntry) {
	if c, ok := he.repo.Storer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Warn("Closing repository storage failed", logfields.Repository(he.name), logfields.Error(err))
		}
	}
	r.metrics.HandleClosed(context.Background())
}

// ForceClose closes name's cached handle regardless of outstanding borrows.
// Borrowers keep their Handle but must not use it afterwards.
func (r *Registry) ForceClose(name string) {
	key := access.Key(name)
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	he, ok := r.handles[key]
	if !ok {
		return
	}
	delete(r.handles, key)
	he.refs = 0
	r.closeRepo(he)
}

// CloseAll releases the registry's own retain on every cached handle.
// Handles still borrowed close when their last borrower releases.
func (r *Registry) CloseAll() {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	for key, he := range r.handles {
		if !he.retained {
			continue
		}
		he.retained = false
		delete(r.handles, key)
		r.unref(key, he)
	}
}

// OpenHandles reports how many repositories currently have a cached handle.
func (r *Registry) OpenHandles() int {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	return len(r.handles)
}

// BeginCompaction marks name busy. It fails with errs.ErrBusy when the
// repository is already busy or currently borrowed. The returned func ends
// compaction and invalidates the cached descriptor.
func (r *Registry) BeginCompaction(name string) (func(), error) {
	d, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	key := d.Key()

	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	if he, ok := r.handles[key]; ok && he.refs > 1 {
		r.metrics.Busy(context.Background(), d.Name)
		return nil, fmt.Errorf("repository %s is in use: %w", d.Name, errs.ErrBusy)
	}

	r.mu.Lock()
	if r.busy[key] {
		r.mu.Unlock()
		return nil, fmt.Errorf("repository %s: %w", d.Name, errs.ErrBusy)
	}
	r.busy[key] = true
	r.mu.Unlock()

	// compaction rewrites packs underneath any open storage
	if he, ok := r.handles[key]; ok {
		delete(r.handles, key)
		he.refs = 0
		r.closeRepo(he)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.busy, key)
			delete(r.entries, key)
			r.mu.Unlock()
		})
	}, nil
}

// claim marks name busy for a directory move or removal and closes its
// cached handle. Borrowers are not waited for. The returned func clears the
// mark and is idempotent.
func (r *Registry) claim(name string) (func(), error) {
	key := access.Key(name)

	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()

	r.mu.Lock()
	if r.busy[key] {
		r.mu.Unlock()
		r.metrics.Busy(context.Background(), name)
		return nil, fmt.Errorf("repository %s: %w", name, errs.ErrBusy)
	}
	r.busy[key] = true
	r.mu.Unlock()

	if he, ok := r.handles[key]; ok {
		delete(r.handles, key)
		he.refs = 0
		r.closeRepo(he)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.busy, key)
			r.mu.Unlock()
		})
	}, nil
}
