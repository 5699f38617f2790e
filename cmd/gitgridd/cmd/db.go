package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun/migrate"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/bunx"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/migrations"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing database migrations and schema.`,
}

// withMigrator opens the database and runs fn with a migrator. When locked
// is set the migration lock is held around fn.
func withMigrator(ctx context.Context, locked bool, fn func(*migrate.Migrator) error) error {
	db, err := bunx.NewDB(ctx, cfg.DatabaseURL, bunx.Options{MaxOpenConns: cfg.MaxDBConnections})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer bunx.Close(db)

	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if locked {
		if err := migrator.Lock(ctx); err != nil {
			return fmt.Errorf("failed to acquire migration lock: %w", err)
		}
		defer func() {
			if err := migrator.Unlock(ctx); err != nil {
				slog.Warn("Failed to release migration lock", logfields.Error(err))
			}
		}()
	}
	return fn(migrator)
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize migration tables",
	Long:  `Creates the migration tracking tables in the database. Run this once during initial setup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), false, func(m *migrate.Migrator) error {
			if err := m.Init(cmd.Context()); err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			slog.Info("Migration tables initialized")
			return nil
		})
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending migrations to the database with locking to prevent concurrent migrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), true, func(m *migrate.Migrator) error {
			group, err := m.Migrate(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if group.IsZero() {
				slog.Info("No new migrations to apply")
			} else {
				slog.Info("Applied migration group", slog.Int64("group", group.ID))
			}
			return nil
		})
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  `Displays the current migration status and pending migrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), false, func(m *migrate.Migrator) error {
			ms, err := m.MigrationsWithStatus(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Migrations:")
			for _, mig := range ms {
				status := "pending"
				if mig.GroupID > 0 {
					status = fmt.Sprintf("applied (group %d)", mig.GroupID)
				}
				fmt.Fprintf(out, "  %s: %s\n", mig.Name, status)
			}
			return nil
		})
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rollback last migration group",
	Long:  `Rolls back the most recently applied migration group with locking to prevent concurrent operations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), true, func(m *migrate.Migrator) error {
			group, err := m.Rollback(cmd.Context())
			if err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			if group.IsZero() {
				slog.Info("No migrations to rollback")
			} else {
				slog.Info("Rolled back migration group", slog.Int64("group", group.ID))
			}
			return nil
		})
	},
}

var dbUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Force release migration lock",
	Long:  `Force releases the migration lock. Use this if a migration crashed while holding the lock.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd.Context(), false, func(m *migrate.Migrator) error {
			if err := m.Unlock(cmd.Context()); err != nil {
				return fmt.Errorf("failed to release migration lock: %w", err)
			}
			slog.Info("Migration lock released")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)
	dbCmd.AddCommand(dbUnlockCmd)
}
