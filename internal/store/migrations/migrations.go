// Package migrations embeds the Postgres schema and applies it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	sourceDir   = "sql"
	sourceName  = "iofs"
	databaseKey = "postgres"
	sqlDriver   = "pgx"
)

//go:embed sql/*.sql
var files embed.FS

// Source returns the embedded migration files.
func Source() (source.Driver, error) {
	src, err := iofs.New(files, sourceDir)
	if err != nil {
		return nil, fmt.Errorf("iofs source: %w", err)
	}
	return src, nil
}

// Apply runs every pending up migration against db.
func Apply(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init postgres driver: %w", err)
	}
	src, err := Source()
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance(sourceName, src, databaseKey, driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("m.Up: %w", err)
	}
	return nil
}

// ApplyDSN opens a short-lived connection to dsn and applies pending migrations.
func ApplyDSN(dsn string) error {
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	//nolint:errcheck
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return Apply(db)
}
