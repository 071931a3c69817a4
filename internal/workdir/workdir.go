// Package workdir manages the working directory a document archive is
// expanded into while a session is open.
//
// The directory is a sibling of the document named ".cftmp-<filename>". It is
// derived from the document path on every access, so renaming the document
// (see [Manager.Relocate]) is the only way its location changes.
package workdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calvinalkan/cfdoc/internal/archive"
	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/pkg/fs"
)

// Layout of a working directory.
const (
	Prefix        = ".cftmp"
	DataFolder    = "data"
	BackupFolder  = "backup"
	ScratchFolder = "extract"
	StagingFolder = "save"

	// legacyNestedFolder is a stray working directory that old releases
	// sometimes zipped into the archive. Its content is hoisted one level on
	// extraction. This fixup exists for those archives only.
	legacyNestedFolder = ".cftmp"

	timestampLayout = "20060102150405"
	dirPerm         = 0o755
)

var (
	// ErrEmptyStaging is returned by SaveToZip when there is nothing to pack.
	ErrEmptyStaging = errors.New("nothing to save: staging folder is empty")

	// ErrCreate wraps failures to create or populate the working directory.
	ErrCreate = errors.New("create working directory")
)

// DerivePath returns the working directory of the document at docPath.
func DerivePath(docPath string) string {
	return filepath.Join(filepath.Dir(docPath), Prefix+"-"+filepath.Base(docPath))
}

// Options configures a [Manager]. Zero values select defaults.
type Options struct {
	// IsLocked reports whether a data folder is held by a running database.
	// Defaults to [docdb.IsLocked].
	IsLocked func(dataDir string) (bool, error)

	// Now is the clock used for alternate data folder names and leases.
	Now func() time.Time

	// LockTimeout bounds the wait for the lease lock. Defaults to 2s.
	LockTimeout time.Duration
}

// Manager owns the working directory of one document.
type Manager struct {
	fs          fs.FS
	logger      zerolog.Logger
	isLocked    func(string) (bool, error)
	now         func() time.Time
	lockTimeout time.Duration

	mu      sync.RWMutex
	docPath string
}

// New returns a Manager for the document at docPath.
func New(fsys fs.FS, docPath string, opts Options) *Manager {
	m := &Manager{
		fs:          fsys,
		logger:      zerolog.Nop(),
		isLocked:    opts.IsLocked,
		now:         opts.Now,
		lockTimeout: opts.LockTimeout,
		docPath:     docPath,
	}

	if m.isLocked == nil {
		m.isLocked = func(dataDir string) (bool, error) { return docdb.IsLocked(fsys, dataDir) }
	}

	if m.now == nil {
		m.now = time.Now
	}

	if m.lockTimeout <= 0 {
		m.lockTimeout = defaultLeaseLockTimeout
	}

	return m
}

// SetLogger sets the logger for best-effort failures.
func (m *Manager) SetLogger(logger zerolog.Logger) {
	m.logger = logger
}

// DocPath returns the document the manager is bound to.
func (m *Manager) DocPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.docPath
}

// Dir returns the working directory for the current document path.
func (m *Manager) Dir() string {
	return DerivePath(m.DocPath())
}

// Rebind changes the document identity without touching the disk.
func (m *Manager) Rebind(docPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.docPath = docPath
}

// Exists reports whether the working directory is present.
func (m *Manager) Exists() (bool, error) {
	return m.fs.Exists(m.Dir())
}

// ResolveActiveDataFolderName returns the lexicographically greatest
// directory whose name starts with [DataFolder], or DataFolder when none
// exists. Alternate names carry a fixed width timestamp, so the newest wins.
func (m *Manager) ResolveActiveDataFolderName() (string, error) {
	name, err := greatestDataFolder(m.fs, m.Dir())
	if err != nil {
		return "", err
	}

	if name == "" {
		return DataFolder, nil
	}

	return name, nil
}

// DataDir returns the absolute path of the active data folder.
func (m *Manager) DataDir() (string, error) {
	name, err := m.ResolveActiveDataFolderName()
	if err != nil {
		return "", err
	}

	return filepath.Join(m.Dir(), name), nil
}

func greatestDataFolder(fsys fs.FS, dir string) (string, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}

		return "", fmt.Errorf("read working dir: %w", err)
	}

	best := ""

	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), DataFolder) && e.Name() > best {
			best = e.Name()
		}
	}

	return best, nil
}

// Create expands the document archive into the working directory.
//
// The archive is unpacked into a freshly wiped scratch folder first. If the
// default data folder already exists in the working directory and a running
// database holds it, the extracted data is renamed to a timestamped
// alternate that sorts after every existing data folder. The scratch content
// is then moved into the root, replacing whatever is there.
func (m *Manager) Create(ctx context.Context) error {
	dir := m.Dir()
	docPath := m.DocPath()

	if err := m.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("%w %q: %w", ErrCreate, dir, err)
	}

	scratch := filepath.Join(dir, ScratchFolder)

	if err := m.fs.RemoveAll(scratch); err != nil {
		return fmt.Errorf("%w: wipe scratch: %w", ErrCreate, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := archive.Extract(m.fs, docPath, scratch); err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	if err := m.hoistLegacyNested(scratch); err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	if err := m.divertLockedData(dir, scratch); err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	if err := moveContents(m.fs, scratch, dir); err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	if err := m.fs.Remove(scratch); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn().Err(err).Str("work_dir", dir).Msg("remove scratch folder")
	}

	return nil
}

func (m *Manager) hoistLegacyNested(scratch string) error {
	nested := filepath.Join(scratch, legacyNestedFolder)

	info, err := m.fs.Stat(nested)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("stat %q: %w", nested, err)
	}

	if !info.IsDir() {
		return nil
	}

	m.logger.Info().Str("doc_path", m.DocPath()).Msg("hoisting legacy nested working folder")

	if err := moveContents(m.fs, nested, scratch); err != nil {
		return fmt.Errorf("hoist legacy folder: %w", err)
	}

	return m.fs.Remove(nested)
}

func (m *Manager) divertLockedData(dir, scratch string) error {
	extracted := filepath.Join(scratch, DataFolder)

	hasData, err := m.fs.Exists(extracted)
	if err != nil || !hasData {
		return err
	}

	current := filepath.Join(dir, DataFolder)

	present, err := m.fs.Exists(current)
	if err != nil || !present {
		return err
	}

	locked, err := m.isLocked(current)
	if err != nil {
		return fmt.Errorf("check lock on %q: %w", current, err)
	}

	if !locked {
		return nil
	}

	alt, err := m.alternateName(dir)
	if err != nil {
		return err
	}

	m.logger.Warn().Str("work_dir", dir).Str("data_folder", alt).Msg("default data folder is locked, using alternate")

	return m.fs.Rename(extracted, filepath.Join(scratch, alt))
}

// alternateName returns DataFolder+timestamp, suffixed with -n if needed to
// sort strictly after every existing data folder.
func (m *Manager) alternateName(dir string) (string, error) {
	greatest, err := greatestDataFolder(m.fs, dir)
	if err != nil {
		return "", err
	}

	base := DataFolder + m.now().Format(timestampLayout)
	name := base

	for n := 1; name <= greatest; n++ {
		name = base + "-" + strconv.Itoa(n)
	}

	return name, nil
}

// moveContents renames every entry of src into dst, removing collisions
// first.
func moveContents(fsys fs.FS, src, dst string) error {
	entries, err := fsys.ReadDir(src)
	if err != nil {
		return fmt.Errorf("read %q: %w", src, err)
	}

	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())

		if to == src {
			continue
		}

		if err := fsys.RemoveAll(to); err != nil {
			return fmt.Errorf("replace %q: %w", to, err)
		}

		if err := fsys.Rename(from, to); err != nil {
			return fmt.Errorf("move %q: %w", e.Name(), err)
		}
	}

	return nil
}

// SaveToZip writes the working directory to w as a document archive.
//
// Everything except data folders, the staging folder, scratch leftovers and
// lease files is copied into a staging folder, together with the active data
// folder under the canonical name [DataFolder]. The staging folder is packed
// and removed.
func (m *Manager) SaveToZip(ctx context.Context, w io.Writer) error {
	dir := m.Dir()
	staging := filepath.Join(dir, StagingFolder)

	if err := m.fs.RemoveAll(staging); err != nil {
		return fmt.Errorf("wipe staging: %w", err)
	}

	if err := m.fs.MkdirAll(staging, dirPerm); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}

	defer func() {
		if err := m.fs.RemoveAll(staging); err != nil {
			m.logger.Warn().Err(err).Str("work_dir", dir).Msg("remove staging folder")
		}
	}()

	entries, err := m.fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read working dir: %w", err)
	}

	for _, e := range entries {
		if excludedFromArchive(e.Name()) {
			continue
		}

		if err := copyTree(m.fs, filepath.Join(dir, e.Name()), filepath.Join(staging, e.Name())); err != nil {
			return err
		}
	}

	active, err := m.ResolveActiveDataFolderName()
	if err != nil {
		return err
	}

	activeDir := filepath.Join(dir, active)

	present, err := m.fs.Exists(activeDir)
	if err != nil {
		return fmt.Errorf("stat data folder: %w", err)
	}

	if present {
		if err := copyTree(m.fs, activeDir, filepath.Join(staging, DataFolder)); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := archive.Pack(m.fs, staging, w)
	if err != nil {
		return fmt.Errorf("pack %q: %w", dir, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyStaging, dir)
	}

	return nil
}

func excludedFromArchive(name string) bool {
	return strings.HasPrefix(name, DataFolder) ||
		strings.HasPrefix(name, StagingFolder) ||
		name == ScratchFolder ||
		strings.HasPrefix(name, leaseFilePrefix)
}

func copyTree(fsys fs.FS, src, dst string) error {
	info, err := fsys.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %q: %w", src, err)
	}

	if !info.IsDir() {
		return copyFile(fsys, src, dst, info.Mode().Perm())
	}

	if err := fsys.MkdirAll(dst, dirPerm); err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}

	entries, err := fsys.ReadDir(src)
	if err != nil {
		return fmt.Errorf("read %q: %w", src, err)
	}

	for _, e := range entries {
		if err := copyTree(fsys, filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(fsys fs.FS, src, dst string, perm os.FileMode) error {
	in, err := fsys.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %q: %w", dst, err)
	}

	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()

	if copyErr != nil {
		return fmt.Errorf("copy %q: %w", src, copyErr)
	}

	return closeErr
}

// Delete removes the working directory. It tries the managed filesystem and
// falls back to a raw recursive delete. Failures are logged and returned; a
// leftover directory is picked up by the next open.
func (m *Manager) Delete() error {
	dir := m.Dir()

	err := m.fs.RemoveAll(dir)
	if err == nil {
		return nil
	}

	m.logger.Warn().Err(err).Str("work_dir", dir).Msg("delete working dir, retrying with raw delete")

	rawErr := os.RemoveAll(dir)
	if rawErr == nil {
		return nil
	}

	m.logger.Error().Err(rawErr).Str("work_dir", dir).Msg("delete working dir")

	return errors.Join(err, rawErr)
}

// Relocate moves the working directory to the location derived from
// newDocPath and rebinds the manager. An existing destination is deleted
// first. A missing source only rebinds.
func (m *Manager) Relocate(newDocPath string) error {
	from := m.Dir()
	to := DerivePath(newDocPath)

	if from == to {
		m.Rebind(newDocPath)

		return nil
	}

	present, err := m.fs.Exists(from)
	if err != nil {
		return fmt.Errorf("stat %q: %w", from, err)
	}

	if present {
		if err := m.fs.RemoveAll(to); err != nil {
			return fmt.Errorf("clear destination %q: %w", to, err)
		}

		if err := m.fs.Rename(from, to); err != nil {
			return fmt.Errorf("move working dir to %q: %w", to, err)
		}
	}

	m.Rebind(newDocPath)

	return nil
}
