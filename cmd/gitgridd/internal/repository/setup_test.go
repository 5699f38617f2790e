package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/bunx"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/migrations"
)

// setupTestDB opens a private in-memory database with the full schema.
func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()
	ctx := context.Background()

	db, err := bunx.NewDB(ctx, ":memory:", bunx.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migrator := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, migrator.Init(ctx))
	_, err = migrator.Migrate(ctx)
	require.NoError(t, err)
	return db
}
