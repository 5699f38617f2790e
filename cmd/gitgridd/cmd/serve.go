package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/cmd/cmdutil"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/jobs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	gitmiddleware "github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/middleware"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/server"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gitgrid server",
	Long:  `Starts the HTTP server with the JSON API, the smart HTTP git gate and the background jobs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := context.WithCancel(cmd.Context())
		defer stop()
		logger := slog.Default()

		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(sctx); err != nil {
				logger.Warn("Telemetry shutdown failed", logfields.Error(err))
			}
		}()

		bundle, err := cmdutil.NewBundle(ctx, cfg, cmdutil.BundleOptions{Metrics: true, Logger: logger})
		if err != nil {
			return err
		}
		defer bundle.Close()
		logger.Info("Connected to database")

		if err := bundle.Registry.Watch(ctx); err != nil {
			return err
		}
		if cfg.SettingsFile != "" {
			watcher, err := config.NewSettingsWatcher(cfg.SettingsFile, cfg.Runtime, bundle.Settings, func(s config.RuntimeSettings) {
				logger.Info("Runtime settings reloaded", logfields.Path(cfg.SettingsFile))
				bundle.Registry.InvalidateAll()
			})
			if err != nil {
				return err
			}
			if err := watcher.Start(ctx); err != nil {
				return err
			}
			defer watcher.Stop()
		}

		scheduler, err := jobs.NewScheduler(logger)
		if err != nil {
			return err
		}
		for _, j := range []struct {
			job      jobs.Job
			interval time.Duration
		}{
			{jobs.NewCompactor(bundle.Registry, logger), cfg.Jobs.GCInterval},
			{jobs.NewMirrorFetcher(bundle.Registry, logger), cfg.Jobs.MirrorInterval},
			{jobs.NewTeamCacheRefresh(bundle.Service, logger), cfg.Jobs.TeamCacheRefreshInterval},
			{jobs.NewSizeWarmup(bundle.Registry, logger), cfg.Jobs.SizeWarmupInterval},
		} {
			if _, err := scheduler.Schedule(j.job, j.interval); err != nil {
				return err
			}
		}
		scheduler.Start()
		defer func() {
			if err := scheduler.Stop(); err != nil {
				logger.Warn("Scheduler shutdown failed", logfields.Error(err))
			}
		}()

		mapper, err := gitmiddleware.NewRequestMapper(cfg.Auth)
		if err != nil {
			return fmt.Errorf("invalid trusted proxies: %w", err)
		}
		var gitHandler http.Handler
		if cfg.GitBackendURL != "" {
			target, err := url.Parse(cfg.GitBackendURL)
			if err != nil {
				return fmt.Errorf("invalid GITGRID_GIT_BACKEND_URL: %w", err)
			}
			gitHandler = server.NewGitBackendProxy(target)
		} else {
			logger.Warn("No git backend configured; git requests will answer 501")
		}

		handler := server.NewH2CHandler(server.RouterOptions{
			IAMService: bundle.Service,
			Registry:   bundle.Registry,
			Mapper:     mapper,
			GitHandler: gitHandler,
			Logger:     logger,
		})

		// Create HTTP server. Pack transfers can run long, so there is no
		// write timeout.
		srv := &http.Server{
			Addr:              cfg.ServerAddr,
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("Starting server", slog.String("addr", cfg.ServerAddr), logfields.Path(bundle.Registry.Root()))
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		// SIGHUP reloads the team snapshot.
		cacheRefresh := make(chan os.Signal, 1)
		signal.Notify(cacheRefresh, syscall.SIGHUP)

		for {
			select {
			case err := <-serverErrors:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server error: %w", err)

			case sig := <-cacheRefresh:
				rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := bundle.Service.RefreshTeamCache(rctx); err != nil {
					logger.Error("Manual team cache refresh failed", slog.String("signal", sig.String()), logfields.Error(err))
				} else {
					logger.Info("Team cache refreshed", slog.String("signal", sig.String()), slog.Int("version", bundle.Service.TeamCacheVersion()))
				}
				cancel()

			case sig := <-shutdown:
				logger.Info("Shutting down gracefully", slog.String("signal", sig.String()))
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					srv.Close()
					return fmt.Errorf("graceful shutdown failed: %w", err)
				}
				logger.Info("Server stopped")
				return nil
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
