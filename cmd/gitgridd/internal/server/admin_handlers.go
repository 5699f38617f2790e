package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/middleware"
)

// CacheRefreshResponse reports the team snapshot after a manual refresh.
type CacheRefreshResponse struct {
	Status    string `json:"status"`
	Version   int    `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

// HandleCacheRefresh handles POST /api/admin/cache/refresh
// Manually triggers a refresh of the team snapshot
//
// Authorization: Requires the admin capability
func HandleCacheRefresh(iamService iamAdminService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p := middleware.PrincipalFromContext(ctx)
		if !iamService.CanCapability(p, auth.CapabilityAdmin) {
			deny(w, r)
			return
		}

		if err := iamService.RefreshTeamCache(ctx); err != nil {
			writeError(w, r, logger, err)
			return
		}

		version := iamService.TeamCacheVersion()
		writeJSON(w, http.StatusOK, CacheRefreshResponse{
			Status:    "success",
			Version:   version,
			Timestamp: time.Now().Unix(),
		})
		logger.Info("Manual team cache refresh", logfields.Principal(p.Username), slog.Int("version", version))
	}
}
