package registry

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

const defaultSizeCacheEntries = 4096

type sizeEntry struct {
	lastChange time.Time
	size       int64
}

// SizeCache remembers computed repository sizes until the repository's last
// change moves.
type SizeCache struct {
	lru *lru.Cache[string, sizeEntry]
}

// NewSizeCache builds a cache holding at most entries repositories.
func NewSizeCache(entries int) (*SizeCache, error) {
	if entries <= 0 {
		entries = defaultSizeCacheEntries
	}
	c, err := lru.New[string, sizeEntry](entries)
	if err != nil {
		return nil, fmt.Errorf("create size cache: %w", err)
	}
	return &SizeCache{lru: c}, nil
}

func (c *SizeCache) get(key string, lastChange time.Time) (int64, bool) {
	e, ok := c.lru.Get(key)
	if !ok || !e.lastChange.Equal(lastChange) {
		return 0, false
	}
	return e.size, true
}

func (c *SizeCache) put(key string, lastChange time.Time, size int64) {
	c.lru.Add(key, sizeEntry{lastChange: lastChange, size: size})
}

// Remove forgets one repository.
func (c *SizeCache) Remove(key string) { c.lru.Remove(key) }

// Purge forgets everything.
func (c *SizeCache) Purge() { c.lru.Purge() }

// Len returns the number of cached sizes.
func (c *SizeCache) Len() int { return c.lru.Len() }

// Size returns the on-disk size of a repository in bytes. Repositories that
// opt out of size calculation, or a server with calculation disabled, report
// zero without touching disk.
func (r *Registry) Size(ctx context.Context, name string) (int64, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return 0, err
	}
	if d.SkipSizeCalculation || !r.settings.Load().CalculateSize {
		return 0, nil
	}
	key := d.Key()
	if size, ok := r.sizes.get(key, d.LastChange); ok {
		return size, nil
	}

	start := time.Now()
	size, err := dirSize(ctx, r.path(d.Name))
	if err != nil {
		return 0, fmt.Errorf("calculate size of %s: %w", d.Name, err)
	}
	r.sizes.put(key, d.LastChange, size)
	r.metrics.SizeComputed(ctx, size)
	r.logger.Debug("Repository size calculated", logfields.Repository(d.Name), slog.Int64("bytes", size), logfields.Duration(time.Since(start)))
	return size, nil
}

// LooseObjectBytes sums the unpacked objects of a repository. It is never
// cached.
func (r *Registry) LooseObjectBytes(ctx context.Context, name string) (int64, error) {
	d, err := r.Lookup(name)
	if err != nil {
		return 0, err
	}
	gd, _ := gitDir(r.path(d.Name))
	if gd == "" {
		return 0, fmt.Errorf("repository %s: %w", d.Name, errs.ErrNotFound)
	}
	objects := filepath.Join(gd, "objects")
	entries, err := os.ReadDir(objects)
	if err != nil {
		return 0, fmt.Errorf("read objects of %s: %w", d.Name, err)
	}
	var total int64
	for _, e := range entries {
		// loose objects live in two-character fan-out folders
		if !e.IsDir() || len(e.Name()) != 2 {
			continue
		}
		n, err := dirSize(ctx, filepath.Join(objects, e.Name()))
		if err != nil {
			return 0, fmt.Errorf("size loose objects of %s: %w", d.Name, err)
		}
		total += n
	}
	return total, nil
}

func dirSize(ctx context.Context, dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return nil
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
