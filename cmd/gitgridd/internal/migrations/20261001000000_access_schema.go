package migrations

import (
	"context"
	"fmt"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20261001000000, down_20261001000000)
}

type tableSpec struct {
	name    string
	model   any
	parent  string // referenced table, empty for roots
	fkCol   string
	indexes [][2]string // index name, column
}

var accessTables = []tableSpec{
	{name: "users", model: (*models.User)(nil)},
	{name: "user_roles", model: (*models.UserRole)(nil), parent: "users", fkCol: "user_id"},
	{name: "user_grants", model: (*models.UserGrant)(nil), parent: "users", fkCol: "user_id",
		indexes: [][2]string{{"idx_user_grants_user", "user_id"}, {"idx_user_grants_repository", "repository"}}},
	{name: "user_keys", model: (*models.UserKey)(nil), parent: "users", fkCol: "user_id",
		indexes: [][2]string{{"idx_user_keys_user", "user_id"}}},
	{name: "teams", model: (*models.Team)(nil)},
	{name: "team_members", model: (*models.TeamMember)(nil), parent: "teams", fkCol: "team_id",
		indexes: [][2]string{{"idx_team_members_username", "username"}}},
	{name: "team_roles", model: (*models.TeamRole)(nil), parent: "teams", fkCol: "team_id"},
	{name: "team_grants", model: (*models.TeamGrant)(nil), parent: "teams", fkCol: "team_id",
		indexes: [][2]string{{"idx_team_grants_team", "team_id"}, {"idx_team_grants_repository", "repository"}}},
	{name: "team_hooks", model: (*models.TeamHook)(nil), parent: "teams", fkCol: "team_id"},
}

// up_20261001000000 creates the account, team and grant tables
func up_20261001000000(ctx context.Context, db *bun.DB) error {
	for _, spec := range accessTables {
		fmt.Printf(" [up] creating %s table...", spec.name)
		q := db.NewCreateTable().
			Model(spec.model).
			IfNotExists()
		if spec.parent != "" {
			q = q.ForeignKey(fmt.Sprintf(`(%q) REFERENCES %q ("id") ON DELETE CASCADE`, spec.fkCol, spec.parent))
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("failed to create %s table: %w", spec.name, err)
		}

		for _, idx := range spec.indexes {
			_, err := db.NewCreateIndex().
				Model(spec.model).
				Index(idx[0]).
				Column(idx[1]).
				IfNotExists().
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to create index %s: %w", idx[0], err)
			}
		}
		fmt.Println(" OK")
	}
	return nil
}

func down_20261001000000(ctx context.Context, db *bun.DB) error {
	for i := len(accessTables) - 1; i >= 0; i-- {
		table := accessTables[i].name
		fmt.Printf(" [down] dropping %s table...", table)
		stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", table)
		if IsPostgreSQL(db) {
			stmt += " CASCADE"
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to drop %s table: %w", table, err)
		}
		fmt.Println(" OK")
	}
	return nil
}
