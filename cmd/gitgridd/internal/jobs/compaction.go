package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
)

// PruneGrace keeps unreachable loose objects younger than this, matching
// git's own default expiry.
const PruneGrace = 14 * 24 * time.Hour

// Compactor repacks repositories whose loose objects have grown past their
// threshold once their collection period has elapsed.
type Compactor struct {
	repos  Repositories
	logger *slog.Logger
	now    func() time.Time
}

// NewCompactor builds the compaction job.
func NewCompactor(repos Repositories, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{repos: repos, logger: logger, now: time.Now}
}

func (c *Compactor) Name() string { return "compaction" }

// Run checks every repository once. Failures are logged and the remaining
// repositories still run.
func (c *Compactor) Run(ctx context.Context) Summary {
	var sum Summary
	names, err := c.repos.List(ctx)
	if err != nil {
		c.logger.Error("Failed to list repositories", logfields.Job(c.Name()), logfields.Error(err))
		sum.Failed++
		return sum
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return sum
		}
		due, err := c.Due(ctx, name)
		if err != nil {
			c.logger.Warn("Failed to check compaction", logfields.Job(c.Name()), logfields.Repository(name), logfields.Error(err))
			sum.Failed++
			continue
		}
		if !due {
			sum.Skipped++
			continue
		}
		switch err := c.Compact(ctx, name); {
		case errors.Is(err, errs.ErrBusy):
			c.logger.Info("Repository busy, compaction deferred", logfields.Job(c.Name()), logfields.Repository(name))
			sum.Skipped++
		case err != nil:
			c.logger.Error("Compaction failed", logfields.Job(c.Name()), logfields.Repository(name), logfields.Error(err))
			sum.Failed++
		default:
			sum.Processed++
		}
	}
	return sum
}

// Due reports whether name should be compacted now.
func (c *Compactor) Due(ctx context.Context, name string) (bool, error) {
	d, err := c.repos.Lookup(name)
	if err != nil {
		return false, err
	}
	if d.Busy {
		return false, nil
	}
	if !d.LastGC.IsZero() && d.GCPeriod > 0 && c.now().Sub(d.LastGC) < d.GCPeriod {
		return false, nil
	}
	threshold, err := registry.ParseByteSize(d.GCThreshold)
	if err != nil {
		return false, fmt.Errorf("gc threshold of %s: %w", d.Name, err)
	}
	loose, err := c.repos.LooseObjectBytes(ctx, d.Name)
	if err != nil {
		return false, err
	}
	return loose > 0 && loose >= threshold, nil
}

// Compact packs every reachable object of name into one pack, drops the
// loose copies and records the collection time. It fails with errs.ErrBusy
// while the repository is borrowed.
func (c *Compactor) Compact(ctx context.Context, name string) error {
	end, err := c.repos.BeginCompaction(name)
	if err != nil {
		return err
	}
	defer end()

	start := c.now()
	dir, err := c.repos.Dir(name)
	if err != nil {
		return err
	}
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open repository %s: %w", name, err)
	}
	if err := repo.RepackObjects(&git.RepackConfig{}); err != nil {
		return fmt.Errorf("repack %s: %w", name, err)
	}
	removed, err := dropLooseObjects(repo, start.Add(-PruneGrace))
	if err != nil {
		return fmt.Errorf("prune %s: %w", name, err)
	}
	if err := c.repos.RecordGC(name, start); err != nil {
		return fmt.Errorf("record gc of %s: %w", name, err)
	}
	c.logger.Info("Repository compacted",
		logfields.Job(c.Name()),
		logfields.Repository(name),
		slog.Int("loose_removed", removed),
		logfields.Duration(c.now().Sub(start)))
	return nil
}

// dropLooseObjects deletes loose objects that the new pack now holds, and
// unreachable ones last touched before expire.
func dropLooseObjects(repo *git.Repository, expire time.Time) (int, error) {
	los, ok := repo.Storer.(storer.LooseObjectStorer)
	if !ok {
		return 0, git.ErrLooseObjectsNotSupported
	}
	unreachable := make(map[plumbing.Hash]bool)
	err := repo.Prune(git.PruneOptions{Handler: func(h plumbing.Hash) error {
		unreachable[h] = true
		return nil
	}})
	if err != nil {
		return 0, err
	}

	var victims []plumbing.Hash
	err = los.ForEachObjectHash(func(h plumbing.Hash) error {
		if unreachable[h] {
			t, err := los.LooseObjectTime(h)
			if err != nil || !t.Before(expire) {
				return nil
			}
		}
		victims = append(victims, h)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, h := range victims {
		if err := los.DeleteLooseObject(h); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}
