package bunx

import "github.com/google/uuid"

// NewUUIDv7 returns a time-ordered id for primary keys. It works the same on
// PostgreSQL and SQLite, unlike database-side generators.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
