package storage

import (
	"context"
	"embed"
	stderrors "errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationsTable records applied migrations inside every chain schema
const MigrationsTable = "schema_migrations"

// RunMigrations creates schema if needed and applies every pending migration
// into it. Migrations are forward-only and run in lexical file order; each
// file is its own transaction.
func RunMigrations(ctx context.Context, databaseURL, schema string) error {
	if err := ensureSchema(ctx, databaseURL, schema); err != nil {
		return err
	}

	m, err := newMigrate(databaseURL, schema)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = m.Close() // nolint:errcheck // cleanup in defer
	}()

	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations in schema %s: %w", schema, err)
	}

	return nil
}

// MigrationVersion returns the current migration version of schema
func MigrationVersion(ctx context.Context, databaseURL, schema string) (version uint, dirty bool, err error) {
	if err := ensureSchema(ctx, databaseURL, schema); err != nil {
		return 0, false, err
	}

	m, migrateErr := newMigrate(databaseURL, schema)
	if migrateErr != nil {
		return 0, false, migrateErr
	}
	defer func() {
		_, _ = m.Close() // nolint:errcheck // cleanup in defer
	}()

	version, dirty, err = m.Version()
	if err != nil && !stderrors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return version, dirty, nil
}

func newMigrate(databaseURL, schema string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	target, err := schemaURL(databaseURL, schema)
	if err != nil {
		return nil, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, target)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// schemaURL points the migrate postgres driver at schema: sessions get it as
// search_path and the migrations table is created there
func schemaURL(databaseURL, schema string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid database URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("database URL must use the postgres scheme, got %q", u.Scheme)
	}

	q := u.Query()
	q.Set("search_path", schema)
	q.Set("x-migrations-table", MigrationsTable)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func ensureSchema(ctx context.Context, databaseURL, schema string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	defer func() {
		_ = conn.Close(ctx) // nolint:errcheck // cleanup in defer
	}()

	if _, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	return nil
}
