package offset

import (
	"database/sql"
	"embed"

	"github.com/streamhouse/eventlog/pkg/sqldb/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func runMigrations(db *sql.DB) error {
	m := migrate.New(db, "offset_schema_migrations")
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return err
	}
	return m.Up()
}
