package docdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

const busyTimeoutMillis = 5000

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02 15:04:05.000000"

var schemaStatements = []string{
	`CREATE TABLE model (
		id             TEXT PRIMARY KEY,
		application    TEXT NOT NULL DEFAULT '',
		contact        TEXT NOT NULL DEFAULT '',
		version_origin TEXT NOT NULL DEFAULT '',
		version        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE global_config (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE users (
		id   INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE assessments (
		id            INTEGER PRIMARY KEY,
		role          TEXT NOT NULL,
		user_id       INTEGER NOT NULL,
		element       TEXT NOT NULL DEFAULT '',
		subelement    TEXT NOT NULL DEFAULT '',
		level         TEXT NOT NULL DEFAULT '',
		comment       TEXT NOT NULL DEFAULT '',
		tag           TEXT NOT NULL DEFAULT '',
		date_creation TEXT NOT NULL,
		date_update   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE evidence (
		id      INTEGER PRIMARY KEY,
		name    TEXT NOT NULL DEFAULT '',
		path    TEXT NOT NULL,
		element TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE schema_config (
		section TEXT NOT NULL,
		key     TEXT NOT NULL,
		value   TEXT NOT NULL,
		PRIMARY KEY (section, key)
	)`,
	`CREATE TABLE migration_log (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		step    TEXT NOT NULL,
		changed INTEGER NOT NULL,
		error   TEXT NOT NULL DEFAULT '',
		ran_at  TEXT NOT NULL
	)`,
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("open sqlite: path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection keeps the rollback journal and locks predictable.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

// applyPragmas keeps a rollback journal so a stopped database is a single
// file that can be zipped as is.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = DELETE;
		PRAGMA synchronous = FULL;
		PRAGMA foreign_keys = ON;
		PRAGMA temp_store = MEMORY;
	`, busyTimeoutMillis))
	if err != nil {
		return fmt.Errorf("apply pragmas: %w", err)
	}

	return nil
}

func storedSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int

	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}

	return v, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	var result string

	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return err
	}

	if result != "ok" {
		return fmt.Errorf("quick_check: %s", result)
	}

	return nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema txn: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}

	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
