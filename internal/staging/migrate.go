package staging

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies any pending staging-table migrations against dsn, the
// same embed.FS + goose.Up wiring as rezkam-mono/internal/storage/sql's
// runMigrations, adapted to pgx/v5/stdlib as the sole driver since this
// package is Postgres-only (LISTEN/NOTIFY and advisory locks have no
// SQLite equivalent).
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("staging: open for migration: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("staging: goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("staging: apply migrations: %w", err)
	}
	return nil
}
