// database/db.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"ctf-scoring/config"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DSN builds the driver name and connection string for cfg.
func DSN(cfg config.Database) (driverName, dsn string, err error) {
	switch cfg.Driver {
	case DriverPostgres:
		return "postgres", fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
		), nil
	case DriverSQLite:
		// Immediate transactions take the write lock up front, so concurrent
		// credits queue on busy_timeout instead of failing on lock upgrade.
		q := url.Values{}
		q.Set("_txlock", "immediate")
		q.Set("_busy_timeout", "5000")
		q.Set("_foreign_keys", "on")
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
		return "sqlite3", "file:" + cfg.Path + "?" + q.Encode(), nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Connect opens and pings the configured database and creates the schema.
func Connect(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	driverName, dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := InitDB(ctx, db, cfg.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// InitDB creates the scoring tables if they do not exist yet.
func InitDB(ctx context.Context, db *sql.DB, driver string) error {
	var schema string
	switch driver {
	case DriverPostgres:
		schema = postgresSchema
	case DriverSQLite:
		schema = sqliteSchema
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return tx.Commit()
}

// Close closes db if it was opened.
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}

// users mirrors the slice of the platform's account table the scoring core
// touches. solves holds at most one row per (user_id, challenge_id);
// first_solves at most one row per challenge.
const postgresSchema = `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		points BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS solves (
		id VARCHAR(36) PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		challenge_id VARCHAR(255) NOT NULL,
		award BIGINT NOT NULL DEFAULT 0,
		first_solve BOOLEAN NOT NULL DEFAULT FALSE,
		solved_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, challenge_id)
	);

	CREATE TABLE IF NOT EXISTS first_solves (
		challenge_id VARCHAR(255) PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		solved_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_solves_challenge_id ON solves(challenge_id);
	CREATE INDEX IF NOT EXISTS idx_solves_solved_at ON solves(solved_at);
`

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS solves (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		challenge_id TEXT NOT NULL,
		award INTEGER NOT NULL DEFAULT 0,
		first_solve BOOLEAN NOT NULL DEFAULT 0,
		solved_at TIMESTAMP NOT NULL,
		UNIQUE (user_id, challenge_id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS first_solves (
		challenge_id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		solved_at TIMESTAMP NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_solves_challenge_id ON solves(challenge_id);
	CREATE INDEX IF NOT EXISTS idx_solves_solved_at ON solves(solved_at);
`
