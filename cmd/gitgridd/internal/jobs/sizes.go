package jobs

import (
	"context"
	"log/slog"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// Sizer computes and caches repository sizes.
type Sizer interface {
	List(ctx context.Context) ([]string, error)
	Size(ctx context.Context, name string) (int64, error)
}

// SizeWarmup fills the size cache so listings do not walk disk on demand.
type SizeWarmup struct {
	repos  Sizer
	logger *slog.Logger
}

func NewSizeWarmup(repos Sizer, logger *slog.Logger) *SizeWarmup {
	if logger == nil {
		logger = slog.Default()
	}
	return &SizeWarmup{repos: repos, logger: logger}
}

func (s *SizeWarmup) Name() string { return "size-warmup" }

func (s *SizeWarmup) Run(ctx context.Context) Summary {
	var sum Summary
	names, err := s.repos.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list repositories", logfields.Job(s.Name()), logfields.Error(err))
		sum.Failed++
		return sum
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return sum
		}
		if _, err := s.repos.Size(ctx, name); err != nil {
			s.logger.Warn("Size calculation failed", logfields.Job(s.Name()), logfields.Repository(name), logfields.Error(err))
			sum.Failed++
			continue
		}
		sum.Processed++
	}
	return sum
}
