package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-git/go-git/v5"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// MirrorFetcher refreshes mirror repositories from their origin remote.
type MirrorFetcher struct {
	repos  Repositories
	logger *slog.Logger
}

// NewMirrorFetcher builds the mirror job.
func NewMirrorFetcher(repos Repositories, logger *slog.Logger) *MirrorFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MirrorFetcher{repos: repos, logger: logger}
}

func (m *MirrorFetcher) Name() string { return "mirror" }

// Run fetches every mirror once. Non-mirrors are not counted.
func (m *MirrorFetcher) Run(ctx context.Context) Summary {
	var sum Summary
	names, err := m.repos.List(ctx)
	if err != nil {
		m.logger.Error("Failed to list repositories", logfields.Job(m.Name()), logfields.Error(err))
		sum.Failed++
		return sum
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return sum
		}
		d, err := m.repos.Lookup(name)
		if err != nil || !d.Mirror {
			continue
		}
		switch err := m.Fetch(ctx, name); {
		case errors.Is(err, errs.ErrBusy):
			sum.Skipped++
		case err != nil:
			m.logger.Error("Mirror fetch failed", logfields.Job(m.Name()), logfields.Repository(name), logfields.Error(err))
			sum.Failed++
		default:
			sum.Processed++
		}
	}
	return sum
}

// Fetch updates name from origin using the remote's configured refspecs.
// An up-to-date mirror is not an error.
func (m *MirrorFetcher) Fetch(ctx context.Context, name string) error {
	h, err := m.repos.Acquire(name)
	if err != nil {
		return err
	}
	defer h.Release()

	err = h.Repository().FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Tags:       git.AllTags,
		Force:      true,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}
	m.repos.Invalidate(name)
	m.logger.Info("Mirror updated", logfields.Job(m.Name()), logfields.Repository(name))
	return nil
}
