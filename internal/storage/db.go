package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
}

func Open(ctx context.Context, driver, dsn string, autoMigrate bool) (*Store, error) {
	driver = normalizeDriver(driver)
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	db, err := sql.Open(sqlDriverName(driver), dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if driver == "sqlite" {
		// a single writer avoids SQLITE_BUSY between the worker pool and handlers
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db, driver: driver, sql: builder(driver)}
	if autoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate brings the schema up to date: goose migrations for postgres, the
// inline schema for sqlite.
func (s *Store) Migrate(ctx context.Context) error {
	switch s.driver {
	case "postgres":
		goose.SetBaseFS(migrations)
		if err := goose.SetDialect("postgres"); err != nil {
			return fmt.Errorf("set goose dialect: %w", err)
		}
		if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	case "sqlite":
		if err := initSQLiteSchema(ctx, s.db); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func builder(driver string) sq.StatementBuilderType {
	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}
	return sq.StatementBuilder.PlaceholderFormat(placeholder)
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

// sqlDriverName maps to the name the driver registered with database/sql.
func sqlDriverName(driver string) string {
	if driver == "postgres" {
		return "pgx"
	}
	return driver
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Driver() string {
	return s.driver
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS interactions (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    client_addr TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL,
    key_id TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_interactions_kind_created_at ON interactions(kind, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_interactions_created_at ON interactions(created_at DESC);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}
