package database

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/kkkkikiki/brewledger/internal/config"
)

//go:embed schema.sql
var schema string

// DB holds the ledger database connection
type DB struct {
	Conn   *sqlx.DB
	Driver string
}

// NewDB creates the database connection described by cfg
func NewDB(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*DB, error) {
	var (
		db  *DB
		err error
	)
	switch cfg.Database.Driver {
	case "sqlite3":
		db, err = OpenSQLite(ctx, cfg.Database.Path)
	default:
		db, err = openPostgres(ctx, &cfg.Database)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("driver", db.Driver).Msg("connected to database")

	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func openPostgres(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	postgres, err := sqlx.Connect("postgres", cfg.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	postgres.SetMaxOpenConns(cfg.MaxConns)
	postgres.SetMaxIdleConns(cfg.MinConns)
	postgres.SetConnMaxLifetime(time.Hour)

	if err := postgres.PingContext(ctx); err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &DB{Conn: postgres, Driver: "postgres"}, nil
}

// OpenSQLite opens (creating if needed) a SQLite database file. SQLite has a
// single writer, so the pool is limited to one connection and transactions
// queue behind each other instead of failing with SQLITE_BUSY.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping SQLite %s: %w", path, err)
	}
	return &DB{Conn: conn, Driver: "sqlite3"}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Conn.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	if err := db.Conn.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", db.Driver, err)
	}
	return nil
}
