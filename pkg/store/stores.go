// Package store persists repeater subscriptions and the message log in
// a local sqlite database.
package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Stores aggregates the individual database stores over one connection.
type Stores struct {
	Subscriptions SubscriptionStore
	Messages      MessageStore

	db *sqlx.DB
}

// Open opens (creating if needed) the sqlite database at path and runs
// any pending schema migrations. Write-ahead logging with a single
// connection keeps concurrent readers from tripping over the writer.
func Open(path string) (*Stores, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Stores{
		Subscriptions: NewSubscriptionDB(db),
		Messages:      NewMessageDB(db),
		db:            db,
	}, nil
}

// Close closes the underlying database connection.
func (s *Stores) Close() error {
	return s.db.Close()
}

func migrateSchema(db *sqlx.DB) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
