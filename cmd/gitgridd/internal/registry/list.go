package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/btcsuite/btcutil/base58"
	"github.com/hashicorp/go-bexpr"
	"github.com/zeebo/blake3"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/graph"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/telemetry"
)

const tracerName = "gitgrid/registry"

// settingsChecksum fingerprints everything that changes what a scan returns.
func settingsChecksum(root string, s config.RuntimeSettings) string {
	var b strings.Builder
	b.WriteString(root)
	for _, part := range []string{
		strconv.FormatBool(s.CacheRepositoryList),
		strconv.FormatBool(s.OnlyBare),
		strconv.FormatBool(s.SearchSubfolders),
		strconv.Itoa(s.SearchDepth),
		strings.Join(s.Exclusions, "\x1f"),
	} {
		b.WriteByte(0)
		b.WriteString(part)
	}
	sum := blake3.Sum256([]byte(b.String()))
	return base58.Encode(sum[:])
}

// List returns every repository name in natural order. With list caching
// enabled the cached list is reused until the scan settings change;
// otherwise the folder is scanned on every call.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	s := r.settings.Load()
	if !s.CacheRepositoryList {
		names, err := r.scan(ctx, s)
		if err != nil {
			return nil, err
		}
		r.refreshForkEdges(names)
		return names, nil
	}
	sum := settingsChecksum(r.root, s)

	r.mu.RLock()
	if r.listValid && r.listChecksum == sum {
		names := slices.Clone(r.names)
		r.mu.RUnlock()
		return names, nil
	}
	r.mu.RUnlock()
	return r.rebuild(ctx, s, sum)
}

// refreshForkEdges revalidates every scanned repository so origins written
// by another process reach the fork index without a list cache.
func (r *Registry) refreshForkEdges(names []string) {
	for _, name := range names {
		if _, err := r.Lookup(name); err != nil && !errors.Is(err, errs.ErrNotFound) {
			r.logger.Warn("Could not load repository", logfields.Repository(name), logfields.Error(err))
		}
	}
}

// rebuild rescans the folder, reloads every descriptor and replaces the
// cache, the name list and the fork index in one step.
func (r *Registry) rebuild(ctx context.Context, s config.RuntimeSettings, sum string) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "registry.rebuild")
	defer span.End()
	start := time.Now()

	scanned, err := r.scan(ctx, s)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	entries := make(map[string]*entry, len(scanned))
	index := newForkIndex()
	names := make([]string, 0, len(scanned))
	for _, name := range scanned {
		d, tok, err := r.loadDescriptor(name)
		if err != nil {
			r.logger.Error("Skipping unreadable repository", logfields.Repository(name), logfields.Error(err))
			continue
		}
		entries[d.Key()] = &entry{desc: d, token: tok}
		index.set(d.Name, d.Origin)
		names = append(names, d.Name)
	}

	for _, cycle := range graph.BuildForkGraph(index.edges()).Cycles() {
		r.logger.Error("Fork cycle in repository settings", slog.Any("cycle", cycle),
			logfields.Error(fmt.Errorf("fork cycle: %w", errs.ErrInconsistent)))
	}

	r.mu.Lock()
	// busy repositories keep their last known descriptor
	for key := range r.busy {
		if e, ok := r.entries[key]; ok {
			entries[key] = e
		}
	}
	r.entries = entries
	r.forks = index
	r.names = names
	r.listChecksum = sum
	r.listValid = true
	r.mu.Unlock()

	r.metrics.Rebuild(ctx)
	r.logger.Debug("Repository list rebuilt", slog.Int("repositories", len(names)),
		logfields.Checksum(sum), logfields.Duration(time.Since(start)))
	return slices.Clone(names), nil
}

// scan walks the repositories folder honoring the bare-only, recursion
// and exclusion settings.
func (r *Registry) scan(ctx context.Context, s config.RuntimeSettings) ([]string, error) {
	maxDepth := 0
	if s.SearchSubfolders {
		maxDepth = s.SearchDepth
	}
	exclusions := lowerAll(s.Exclusions)

	var names []string
	err := filepath.WalkDir(r.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if p == r.root {
				return err
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == r.root || !entry.IsDir() {
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") {
			return fs.SkipDir
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if excluded(exclusions, strings.ToLower(rel)) {
			return fs.SkipDir
		}
		if gd, bare := gitDir(p); gd != "" {
			if bare || !s.OnlyBare {
				names = append(names, rel)
			}
			return fs.SkipDir
		}
		if maxDepth >= 0 && strings.Count(rel, "/") >= maxDepth {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan repositories folder: %w", err)
	}
	slices.SortFunc(names, access.CompareRepositoryNames)
	return names, nil
}

func excluded(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Filter returns the descriptors matching a boolean expression such as
// `Owners contains "alice" and HasCommits`. An empty expression matches all.
func (r *Registry) Filter(ctx context.Context, expression string) ([]*Descriptor, error) {
	var eval *bexpr.Evaluator
	if strings.TrimSpace(expression) != "" {
		var err error
		eval, err = bexpr.CreateEvaluator(expression)
		if err != nil {
			return nil, fmt.Errorf("invalid filter %q: %w", expression, err)
		}
	}
	names, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Descriptor, 0, len(names))
	for _, name := range names {
		d, err := r.Lookup(name)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if eval != nil {
			ok, err := eval.Evaluate(d.filterFields())
			if err != nil || !ok {
				continue
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func containsFold(names []string, name string) bool {
	return slices.ContainsFunc(names, func(n string) bool { return strings.EqualFold(n, name) })
}

func insertSorted(names []string, name string) []string {
	i, _ := slices.BinarySearchFunc(names, name, access.CompareRepositoryNames)
	return slices.Insert(names, i, name)
}

func removeFold(names []string, name string) []string {
	return slices.DeleteFunc(names, func(n string) bool { return strings.EqualFold(n, name) })
}
