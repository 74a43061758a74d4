package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrations embed.FS

// dialect describes how one supported database is opened and migrated.
type dialect struct {
	sqlDriver   string
	goose       goose.Dialect
	placeholder sq.PlaceholderFormat
	pool        func(*sql.DB)
}

var dialects = map[string]dialect{
	"postgres": {
		sqlDriver:   "pgx",
		goose:       goose.DialectPostgres,
		placeholder: sq.Dollar,
		pool: func(db *sql.DB) {
			db.SetMaxOpenConns(20)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(30 * time.Minute)
		},
	},
	"sqlite": {
		sqlDriver:   "sqlite",
		goose:       goose.DialectSQLite3,
		placeholder: sq.Question,
		// one connection keeps ":memory:" databases shared and writes serialized
		pool: func(db *sql.DB) { db.SetMaxOpenConns(1) },
	},
}

// Store is the history and audit repository over postgres or sqlite.
type Store struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
}

// Open connects to the database and, with autoMigrate, applies the embedded
// migrations of its dialect.
func Open(ctx context.Context, driver, dsn string, autoMigrate bool) (*Store, error) {
	driver = normalizeDriver(driver)
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	d.pool(db)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if autoMigrate {
		if err := migrate(ctx, db, driver, d); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Store{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(d.placeholder),
	}, nil
}

func migrate(ctx context.Context, db *sql.DB, driver string, d dialect) error {
	dir, err := fs.Sub(migrations, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("migrations for %s: %w", driver, err)
	}
	provider, err := goose.NewProvider(d.goose, db, dir)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3", "":
		return "sqlite"
	default:
		return d
	}
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
