package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrAtomicWriteDirSync is returned when the rename succeeded but the parent
// directory could not be synced. The new content is in place; its durability
// is not guaranteed.
var ErrAtomicWriteDirSync = errors.New("dir sync")

// AtomicWriter replaces files by writing a temp sibling and renaming it over
// the target.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter panics if fs is nil.
func NewAtomicWriter(fs FS) *AtomicWriter {
	if fs == nil {
		panic("fs is nil")
	}

	return &AtomicWriter{fs: fs}
}

// AtomicWriteOptions configures a single write.
type AtomicWriteOptions struct {
	// SyncDir syncs the parent directory after the rename.
	SyncDir bool

	// Perm is applied to the temp file with an explicit chmod. Must be non-zero.
	Perm os.FileMode

	// BeforeRename runs after the temp file is synced and closed, right before
	// it is renamed over the target. An error aborts the write and removes the
	// temp file; the target is left untouched.
	BeforeRename func() error
}

// Write copies reader into path atomically. See [AtomicWriter.WriteFunc].
func (w *AtomicWriter) Write(path string, reader io.Reader, opts AtomicWriteOptions) error {
	if reader == nil {
		panic("reader is nil")
	}

	return w.WriteFunc(path, func(dst io.Writer) error {
		_, err := io.Copy(dst, reader)

		return err
	}, opts)
}

// WriteFunc lets fill stream content into a temp file next to path, syncs it,
// and renames it over path. Until the rename the target is never modified, so
// a failure or crash at any earlier point leaves the previous content intact.
//
// If only the directory sync fails the returned error satisfies
// errors.Is(err, ErrAtomicWriteDirSync).
func (w *AtomicWriter) WriteFunc(path string, fill func(io.Writer) error, opts AtomicWriteOptions) error {
	if fill == nil {
		panic("fill is nil")
	}

	if path == "" {
		return errors.New("path is empty")
	}

	if opts.Perm == 0 {
		return errors.New("opts.Perm must be non-zero")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == "." || base == string(os.PathSeparator) {
		return fmt.Errorf("path is invalid: %q", path)
	}

	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmp, tmpPath, err := createTempSibling(w.fs, dir, base, opts.Perm)
	if err != nil {
		return err
	}

	closed := false
	abort := func(cause error) error {
		var closeErr error
		if !closed {
			closeErr = tmp.Close()
		}

		removeErr := w.fs.Remove(tmpPath)
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			removeErr = fmt.Errorf("remove temp file %q: %w", tmpPath, removeErr)
		} else {
			removeErr = nil
		}

		return errors.Join(cause, closeErr, removeErr)
	}

	if err := tmp.Chmod(opts.Perm); err != nil {
		return abort(fmt.Errorf("chmod temp file %q: %w", tmpPath, err))
	}

	if err := fill(tmp); err != nil {
		return abort(fmt.Errorf("write temp file %q: %w", tmpPath, err))
	}

	if err := tmp.Sync(); err != nil {
		return abort(fmt.Errorf("sync temp file %q: %w", tmpPath, err))
	}

	closed = true

	if err := tmp.Close(); err != nil {
		return abort(fmt.Errorf("close temp file %q: %w", tmpPath, err))
	}

	if opts.BeforeRename != nil {
		if err := opts.BeforeRename(); err != nil {
			return abort(err)
		}
	}

	if err := w.fs.Rename(tmpPath, path); err != nil {
		return abort(fmt.Errorf("rename: %w", err))
	}

	if opts.SyncDir {
		return SyncDir(w.fs, dir)
	}

	return nil
}

// DefaultOptions syncs the directory and writes 0644 files.
func (*AtomicWriter) DefaultOptions() AtomicWriteOptions {
	return AtomicWriteOptions{SyncDir: true, Perm: 0o644}
}

// SyncDir fsyncs a directory so renames inside it are durable.
func SyncDir(fs FS, dir string) error {
	d, err := fs.Open(dir)
	if err != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("open dir %q: %w", dir, err))
	}

	syncErr := d.Sync()
	closeErr := d.Close()

	if syncErr != nil {
		return errors.Join(ErrAtomicWriteDirSync, fmt.Errorf("%q: %w", dir, syncErr), closeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close dir %q: %w", dir, closeErr)
	}

	return nil
}

const tempSiblingAttempts = 10000

var tempSiblingSeq atomic.Uint64

func createTempSibling(fs FS, dir, base string, perm os.FileMode) (File, string, error) {
	for range tempSiblingAttempts {
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, tempSiblingSeq.Add(1)))

		f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return f, path, nil
		}

		if errors.Is(err, os.ErrExist) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}
