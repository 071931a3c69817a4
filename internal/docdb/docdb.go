// Package docdb is the embedded SQLite database stored in a document's data
// folder.
//
// A [DB] is started against one data folder at a time. While started it holds
// an exclusive flock on a lock file next to the folder, so a second instance
// (in this or another process) fails with [ErrLocked]. The lock file lives
// outside the data folder and never ends up in the archive.
package docdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/calvinalkan/cfdoc/pkg/fs"
)

// FileName is the database file inside a data folder.
const FileName = "cf.db"

// LockSuffix is appended to the data folder path to form its lock file.
const LockSuffix = ".lck"

// DB is the database service of one session.
type DB struct {
	fs     fs.FS
	locker *fs.Locker
	logger zerolog.Logger

	mu      sync.RWMutex
	db      *sql.DB
	lock    *fs.Lock
	dataDir string
}

// New returns a stopped service.
func New(fsys fs.FS) *DB {
	return &DB{
		fs:     fsys,
		locker: fs.NewLocker(fsys),
		logger: zerolog.Nop(),
	}
}

// SetLogger sets the logger used for stop failures.
func (d *DB) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

// LockPath returns the lock file guarding dataDir.
func LockPath(dataDir string) string {
	return filepath.Clean(dataDir) + LockSuffix
}

// IsLocked reports whether a started service currently holds dataDir.
func IsLocked(fsys fs.FS, dataDir string) (bool, error) {
	return fs.NewLocker(fsys).Held(LockPath(dataDir))
}

// Start opens the database in dataDir. It fails with [ErrLocked] when another
// instance holds the folder, [ErrNoDatabase] when the file is missing and
// [ErrCorrupt] when the file fails an integrity check or has no schema.
//
// Starting an already started service against the same folder is a no-op.
func (d *DB) Start(ctx context.Context, dataDir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		if d.dataDir == dataDir {
			return nil
		}

		return fmt.Errorf("already started on %q", d.dataDir)
	}

	dbPath := filepath.Join(dataDir, FileName)

	exists, err := d.fs.Exists(dbPath)
	if err != nil {
		return fmt.Errorf("stat %q: %w", dbPath, err)
	}

	if !exists {
		return fmt.Errorf("%w: %s", ErrNoDatabase, dbPath)
	}

	lock, err := d.locker.TryLock(LockPath(dataDir))
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return fmt.Errorf("%w: %s", ErrLocked, dataDir)
		}

		return fmt.Errorf("lock %q: %w", dataDir, err)
	}

	db, err := openSQLite(ctx, dbPath)
	if err != nil {
		return errors.Join(fmt.Errorf("%w: %s: %w", ErrCorrupt, dbPath, err), lock.Close())
	}

	if err := verify(ctx, db); err != nil {
		return errors.Join(fmt.Errorf("%s: %w", dbPath, err), db.Close(), lock.Close())
	}

	d.db = db
	d.lock = lock
	d.dataDir = dataDir

	return nil
}

func verify(ctx context.Context, db *sql.DB) error {
	if err := quickCheck(ctx, db); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	v, err := storedSchemaVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	switch {
	case v == 0:
		return fmt.Errorf("%w: no schema", ErrCorrupt)
	case v > schemaVersion:
		return fmt.Errorf("%w: version %d, supported %d", ErrSchemaTooNew, v, schemaVersion)
	}

	return nil
}

// Stop closes the database and releases the folder lock. It is idempotent.
func (d *DB) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}

	closeErr := d.db.Close()
	unlockErr := d.lock.Close()

	if closeErr != nil || unlockErr != nil {
		d.logger.Warn().Str("data_dir", d.dataDir).Err(errors.Join(closeErr, unlockErr)).Msg("stop database")
	}

	d.db = nil
	d.lock = nil
	d.dataDir = ""

	return errors.Join(closeErr, unlockErr)
}

// Started reports whether the service is running.
func (d *DB) Started() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.db != nil
}

// DataDir returns the folder the service runs against, or "" when stopped.
func (d *DB) DataDir() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.dataDir
}

// conn returns the open handle under a read lock. The caller must call the
// returned release func.
func (d *DB) conn() (*sql.DB, func(), error) {
	d.mu.RLock()

	if d.db == nil {
		d.mu.RUnlock()

		return nil, nil, ErrNotStarted
	}

	return d.db, d.mu.RUnlock, nil
}

// Create initializes a new database in dataDir holding model. dataDir is
// created if needed; an existing database file fails with [ErrExists].
func Create(ctx context.Context, fsys fs.FS, dataDir string, model Model) error {
	if err := fsys.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %q: %w", dataDir, err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	exists, err := fsys.Exists(dbPath)
	if err != nil {
		return fmt.Errorf("stat %q: %w", dbPath, err)
	}

	if exists {
		return fmt.Errorf("%w: %s", ErrExists, dbPath)
	}

	db, err := openSQLite(ctx, dbPath)
	if err != nil {
		return err
	}

	err = createSchema(ctx, db)
	if err == nil {
		err = insertModel(ctx, db, model)
	}

	closeErr := db.Close()

	if err != nil {
		removeErr := fsys.Remove(dbPath)
		if errors.Is(removeErr, os.ErrNotExist) {
			removeErr = nil
		}

		return errors.Join(err, closeErr, removeErr)
	}

	return closeErr
}
