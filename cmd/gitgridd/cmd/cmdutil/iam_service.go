package cmdutil

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/config"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/bunx"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/repository"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/services/iam"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/telemetry"
)

// EnvFileFlag names the persistent flag selecting a dotenv file.
const EnvFileFlag = "env-file"

// LoadConfig reads configuration, honoring --env-file when set.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString(EnvFileFlag)
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// BundleOptions controls how the CLI constructs the shared services.
type BundleOptions struct {
	// Metrics enables otel instruments on the registry and authenticator.
	Metrics bool
	Logger  *slog.Logger
}

// Bundle groups the database, registry and IAM service so commands share one
// connection and one repository view.
type Bundle struct {
	Config   *config.Config
	DB       *bun.DB
	Registry *registry.Registry
	Settings *config.SettingsStore
	Service  iam.Service
}

// Close stops the registry and releases the database connection.
func (b *Bundle) Close() {
	if b == nil {
		return
	}
	if b.Registry != nil {
		b.Registry.Stop()
	}
	if b.DB != nil {
		bunx.Close(b.DB)
	}
}

// NewBundle wires stores, registry and IAM service from cfg.
func NewBundle(ctx context.Context, cfg *config.Config, opts BundleOptions) (*Bundle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bunx.NewDB(ctx, cfg.DatabaseURL, bunx.Options{MaxOpenConns: cfg.MaxDBConnections})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	b := &Bundle{Config: cfg, DB: db, Settings: config.NewSettingsStore(cfg.Runtime)}

	defaults, err := registry.DefaultsFromConfig(cfg.Defaults)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("invalid repository defaults: %w", err)
	}

	var registryMetrics *telemetry.RegistryMetrics
	var authMetrics *telemetry.AuthMetrics
	if opts.Metrics {
		if registryMetrics, err = telemetry.NewRegistryMetrics(); err != nil {
			b.Close()
			return nil, err
		}
		if authMetrics, err = telemetry.NewAuthMetrics(); err != nil {
			b.Close()
			return nil, err
		}
	}

	b.Registry, err = registry.New(registry.Options{
		Root:     cfg.RepositoriesFolder,
		Settings: b.Settings,
		Defaults: defaults,
		Roles:    repository.NewRoleReferences(db),
		Logger:   logger,
		Metrics:  registryMetrics,
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create repository registry: %w", err)
	}
	if err := b.Registry.Start(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start repository registry: %w", err)
	}

	b.Service, err = iam.NewService(ctx, iam.Dependencies{
		Users:        repository.NewBunUserRepository(db),
		Teams:        repository.NewBunTeamRepository(db),
		Repositories: b.Registry,
		Metrics:      authMetrics,
		Logger:       logger,
	}, cfg.Auth)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create IAM service: %w", err)
	}
	return b, nil
}

// OpenBundle loads configuration and builds a Bundle for one-shot commands.
func OpenBundle(cmd *cobra.Command) (*Bundle, error) {
	cfg, err := LoadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return NewBundle(cmd.Context(), cfg, BundleOptions{})
}
