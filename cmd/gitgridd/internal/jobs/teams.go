package jobs

import (
	"context"
	"log/slog"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// TeamRefresher reloads the team snapshot.
type TeamRefresher interface {
	RefreshTeamCache(ctx context.Context) error
}

// TeamCacheRefresh picks up team changes made outside this process.
type TeamCacheRefresh struct {
	teams  TeamRefresher
	logger *slog.Logger
}

func NewTeamCacheRefresh(teams TeamRefresher, logger *slog.Logger) *TeamCacheRefresh {
	if logger == nil {
		logger = slog.Default()
	}
	return &TeamCacheRefresh{teams: teams, logger: logger}
}

func (t *TeamCacheRefresh) Name() string { return "team-cache-refresh" }

func (t *TeamCacheRefresh) Run(ctx context.Context) Summary {
	if err := t.teams.RefreshTeamCache(ctx); err != nil {
		t.logger.Error("Team cache refresh failed", logfields.Job(t.Name()), logfields.Error(err))
		return Summary{Failed: 1}
	}
	return Summary{Processed: 1}
}
