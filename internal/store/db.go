package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// DB wraps sqlx.DB for Postgres (pgx) or SQLite (modernc).
type DB struct {
	Client *sqlx.DB
	Driver string
}

// NewDB opens a connection with sane defaults, pings it, and applies migrations.
func NewDB(ctx context.Context, driver, connString string) (*DB, error) {
	var (
		dialect goose.Dialect
		dir     string
	)
	switch driver {
	case DriverPostgres:
		dialect, dir = goose.DialectPostgres, "migrations/postgres"
	case DriverSQLite:
		dialect, dir = goose.DialectSQLite3, "migrations/sqlite"
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	raw, err := sql.Open(driver, connString)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// One writer; also keeps a :memory: database on a single connection.
		raw.SetMaxOpenConns(1)
	} else {
		raw.SetMaxOpenConns(10)
		raw.SetMaxIdleConns(5)
		raw.SetConnMaxLifetime(time.Hour)
	}

	db := &DB{Client: sqlx.NewDb(raw, driver), Driver: driver}
	if err := raw.PingContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(ctx, raw, dialect, dir); err != nil {
		raw.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) error {
	fsys, err := fs.Sub(migrations, dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Healthy pings the database.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
