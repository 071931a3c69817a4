// Package fs provides the filesystem seam used by the document lifecycle code.
//
// Production code uses [Real]. Tests wrap it in [Faulty] to make individual
// operations fail deterministically, which is how best-effort cleanup paths
// are exercised without touching permissions or mount state.
package fs

import (
	"io"
	"os"
)

// File is an open file. It is satisfied by [os.File].
//
// Fd must return a real descriptor usable with flock until the file is closed.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the OS file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] of the open file.
	Stat() (os.FileInfo, error)

	// Sync flushes the file to stable storage.
	Sync() error

	// Chmod changes the mode of the file.
	Chmod(mode os.FileMode) error
}

// FS mirrors the subset of the [os] package the document code needs.
//
// Paths use OS semantics, not the slash-separated paths of io/fs.
// Implementations must be safe for concurrent use.
type FS interface {
	Open(path string) (File, error)
	Create(path string) (File, error)
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error

	// ReadDir returns entries sorted by name. See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)
	MkdirAll(path string, perm os.FileMode) error

	Stat(path string) (os.FileInfo, error)

	// Exists reports (false, nil) when path is absent and (false, err) on
	// any other stat failure.
	Exists(path string) (bool, error)

	Remove(path string) error

	// RemoveAll deletes path and its children. A missing path is not an error.
	RemoveAll(path string) error

	// Rename is atomic when both paths are on the same filesystem.
	Rename(oldpath, newpath string) error
}

var _ File = (*os.File)(nil)
