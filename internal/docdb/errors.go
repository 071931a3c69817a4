package docdb

import "errors"

var (
	// ErrLocked means another service instance holds the data folder.
	ErrLocked = errors.New("database locked by another session")

	// ErrCorrupt means the database file exists but fails basic checks.
	ErrCorrupt = errors.New("database corrupt")

	// ErrNoDatabase means the data folder has no database file.
	ErrNoDatabase = errors.New("database file missing")

	// ErrSchemaTooNew means the file was written by a newer schema.
	ErrSchemaTooNew = errors.New("database schema too new")

	// ErrNoModel means the model table holds no record.
	ErrNoModel = errors.New("model record missing")

	// ErrNotStarted is returned by queries on a stopped service.
	ErrNotStarted = errors.New("database not started")

	// ErrExists is returned by Create when the data folder already has a database.
	ErrExists = errors.New("database already exists")
)
