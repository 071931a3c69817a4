package session

import (
	"errors"
	"strings"
)

var (
	// ErrAppVersionRequired is returned by NewLoader without an application version.
	ErrAppVersionRequired = errors.New("application version is required")

	// ErrVersionMismatch means the document was written by a newer
	// application. It cannot be opened without upgrading.
	ErrVersionMismatch = errors.New("document version is newer than application")

	// ErrMigrationCancelled means the user declined the upgrade. It is a
	// clean abort, not a failure of the document.
	ErrMigrationCancelled = errors.New("migration cancelled")

	// ErrCorrupt means the extracted database failed to start or has no
	// model record.
	ErrCorrupt = errors.New("document corrupted")

	// ErrWorkDirCreate means the archive could not be expanded.
	ErrWorkDirCreate = errors.New("cannot create working directory")

	// ErrInUse means a live lease of another session covers the working directory.
	ErrInUse = errors.New("document is open in another session")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// Error carries the document context of a lifecycle failure.
//
// Error() renders as "<cause> (op=... doc_path=... work_dir=...
// app_version=... doc_version=...)" with empty fields omitted. Use
// errors.Is on the result to match the sentinel cause.
type Error struct {
	Op         string
	DocPath    string
	WorkDir    string
	AppVersion string
	DocVersion string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var cause string
	if e.Err != nil {
		cause = e.Err.Error()
	}

	var parts []string

	for _, kv := range [][2]string{
		{"op", e.Op},
		{"doc_path", e.DocPath},
		{"work_dir", e.WorkDir},
		{"app_version", e.AppVersion},
		{"doc_version", e.DocVersion},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}

	if len(parts) == 0 {
		return cause
	}

	suffix := "(" + strings.Join(parts, " ") + ")"
	if cause == "" {
		return suffix
	}

	return cause + " " + suffix
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}
