// Package session opens, saves and closes credibility documents.
//
// A document is a zip archive expanded into a working directory next to it.
// [Loader.Open] drives the open sequence as a state machine:
//
//	INIT → RECOVERABLE_CHECK → {RECOVER | EXTRACT} → SERVICES_STARTED →
//	VERSION_CHECKED → MIGRATED → CACHE_LOADED → READY
//
// with FAILED reachable from every state. The resulting [Session] serializes
// all mutations on a single worker, so saves, reloads and external renames
// never interleave.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/migrate"
	"github.com/calvinalkan/cfdoc/internal/version"
	"github.com/calvinalkan/cfdoc/internal/workdir"
	"github.com/calvinalkan/cfdoc/pkg/fs"
)

const tracerName = "github.com/calvinalkan/cfdoc/internal/session"

// State is a step of the open sequence.
type State int

// Open sequence states.
const (
	StateInit State = iota + 1
	StateRecoverableCheck
	StateRecover
	StateExtract
	StateServicesStarted
	StateVersionChecked
	StateMigrated
	StateCacheLoaded
	StateReady
	StateFailed
)

var stateNames = map[State]string{
	StateInit:             "INIT",
	StateRecoverableCheck: "RECOVERABLE_CHECK",
	StateRecover:          "RECOVER",
	StateExtract:          "EXTRACT",
	StateServicesStarted:  "SERVICES_STARTED",
	StateVersionChecked:   "VERSION_CHECKED",
	StateMigrated:         "MIGRATED",
	StateCacheLoaded:      "CACHE_LOADED",
	StateReady:            "READY",
	StateFailed:           "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Services is the embedded database a session runs against. *docdb.DB
// implements it.
type Services interface {
	migrate.Store
	cacheSource

	Start(ctx context.Context, dataDir string) error
	Stop() error
	UpdateModel(ctx context.Context, m docdb.Model) error
	EvidenceByPath(ctx context.Context, path string) ([]docdb.Evidence, error)
}

// Config configures a [Loader].
type Config struct {
	// AppVersion is the running application version. Required.
	AppVersion string

	// User names the current user for the session cache.
	User string

	// SaveAfterMigration saves a freshly opened document right after
	// migrations changed it, so they survive an early exit.
	SaveAfterMigration bool

	// KeepOldBackup keeps the "-old" copy after a successful save.
	KeepOldBackup bool

	// LeaseStaleAfter is how old a heartbeat may be before another session
	// may take over the working directory.
	LeaseStaleAfter time.Duration

	// HeartbeatInterval is how often an open session refreshes its lease.
	HeartbeatInterval time.Duration

	// LockTimeout bounds waits for the lease lock.
	LockTimeout time.Duration

	// Logger receives lifecycle events. Defaults to a no-op logger.
	Logger *zerolog.Logger

	// Metrics receives counters. Defaults to unregistered collectors.
	Metrics *Metrics

	// NewServices builds the database service of a session. Defaults to
	// [docdb.New].
	NewServices func() Services

	// Steps builds the migration steps for a working directory. Defaults to
	// [migrate.DefaultSteps].
	Steps func(fsys fs.FS, store migrate.Store, workDir string, logger zerolog.Logger) []migrate.Step

	// IsLocked checks data folder locks during extraction. Defaults to
	// [docdb.IsLocked].
	IsLocked func(dataDir string) (bool, error)

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the defaults for appVersion.
func DefaultConfig(appVersion string) Config {
	return Config{
		AppVersion:         appVersion,
		SaveAfterMigration: true,
		LeaseStaleAfter:    2 * time.Minute,
		HeartbeatInterval:  30 * time.Second,
		LockTimeout:        5 * time.Second,
	}
}

// Loader opens documents.
type Loader struct {
	fs       fs.FS
	prompter Prompter
	cfg      Config
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewLoader validates cfg and fills defaults.
func NewLoader(fsys fs.FS, prompter Prompter, cfg Config) (*Loader, error) {
	if cfg.AppVersion == "" {
		return nil, ErrAppVersionRequired
	}

	if fsys == nil {
		return nil, errors.New("filesystem is nil")
	}

	if prompter == nil {
		return nil, errors.New("prompter is nil")
	}

	l := &Loader{fs: fsys, prompter: prompter, cfg: cfg, logger: zerolog.Nop(), tracer: otel.Tracer(tracerName)}

	if cfg.Logger != nil {
		l.logger = *cfg.Logger
	}

	if l.cfg.Metrics == nil {
		l.cfg.Metrics = NewMetrics(nil)
	}

	if l.cfg.NewServices == nil {
		l.cfg.NewServices = func() Services {
			db := docdb.New(fsys)
			db.SetLogger(l.logger)

			return db
		}
	}

	if l.cfg.Steps == nil {
		l.cfg.Steps = migrate.DefaultSteps
	}

	if l.cfg.IsLocked == nil {
		l.cfg.IsLocked = func(dataDir string) (bool, error) { return docdb.IsLocked(fsys, dataDir) }
	}

	if l.cfg.Now == nil {
		l.cfg.Now = time.Now
	}

	if l.cfg.LeaseStaleAfter <= 0 {
		l.cfg.LeaseStaleAfter = 2 * time.Minute
	}

	return l, nil
}

// AppVersion returns the configured application version.
func (l *Loader) AppVersion() string { return l.cfg.AppVersion }

// Open runs the open sequence for the document at docPath.
//
// A leftover working directory whose database still starts is offered for
// recovery. Opening a document written by an older application asks for
// confirmation and commits the application version once loaded. Failures
// return an [*Error] wrapping one of the package sentinels; a fresh
// extraction is removed again on failure while a recovered directory is kept
// for a later attempt.
func (l *Loader) Open(ctx context.Context, docPath string) (*Session, error) {
	return l.open(ctx, docPath, openMode{})
}

// openMode adjusts the sequence for reopening after a rename.
type openMode struct {
	// resume accepts a recoverable directory without asking.
	resume bool

	// owner reuses a lease owner id.
	owner string

	// dirty carries the dirty flag of the previous session.
	dirty bool
}

func (l *Loader) open(ctx context.Context, docPath string, mode openMode) (*Session, error) {
	started := l.cfg.Now()

	abs, err := filepath.Abs(docPath)
	if err != nil {
		return nil, &Error{Op: "open", DocPath: docPath, AppVersion: l.cfg.AppVersion, Err: err}
	}

	ctx, span := l.tracer.Start(ctx, "session.Open", trace.WithAttributes(attribute.String("doc.path", abs)))
	defer span.End()

	a := &attempt{
		l:       l,
		docPath: abs,
		mode:    mode,
		owner:   mode.owner,
		logger:  l.logger.With().Str("doc_path", abs).Logger(),
	}

	if a.owner == "" {
		a.owner = uuid.NewString()
	}

	s, err := a.run(ctx)

	outcome := outcomeOf(err, a.recovered)
	l.cfg.Metrics.observeOpen(outcome, l.cfg.Now().Sub(started))
	span.SetAttributes(attribute.String("open.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	return s, nil
}

func outcomeOf(err error, recovered bool) string {
	switch {
	case err == nil && recovered:
		return OutcomeRecovered
	case err == nil:
		return OutcomeReady
	case errors.Is(err, ErrMigrationCancelled):
		return OutcomeCancelled
	case errors.Is(err, ErrVersionMismatch):
		return OutcomeMismatch
	case errors.Is(err, ErrCorrupt):
		return OutcomeCorrupt
	case errors.Is(err, ErrInUse):
		return OutcomeInUse
	default:
		return OutcomeFailed
	}
}

// attempt is the mutable state of one run of the open sequence.
type attempt struct {
	l       *Loader
	docPath string
	mode    openMode
	owner   string
	logger  zerolog.Logger

	wd          *workdir.Manager
	svc         Services
	state       State
	transitions []State

	recovered     bool
	dirty         bool
	leased        bool
	model         docdb.Model
	commitVersion bool
	cache         *SessionCache
}

func (a *attempt) to(s State) {
	a.state = s
	a.transitions = append(a.transitions, s)
	a.logger.Debug().Stringer("state", s).Msg("open transition")
}

func (a *attempt) fail(err error) error {
	from := a.state
	a.to(StateFailed)
	a.logger.Warn().Err(err).Stringer("from", from).Msg("open failed")

	var dir string
	if a.wd != nil {
		dir = a.wd.Dir()
	}

	return &Error{
		Op:         "open",
		DocPath:    a.docPath,
		WorkDir:    dir,
		AppVersion: a.l.cfg.AppVersion,
		DocVersion: a.model.Version,
		Err:        err,
	}
}

// unwind stops services and releases the lease. The working directory is
// deleted unless this attempt resumed a recovered one.
func (a *attempt) unwind() {
	if a.svc != nil {
		if err := a.svc.Stop(); err != nil {
			a.logger.Warn().Err(err).Msg("stop services")
		}
	}

	if a.leased {
		if err := a.wd.ReleaseLease(a.owner); err != nil {
			a.logger.Warn().Err(err).Msg("release lease")
		}
	}

	if !a.recovered {
		_ = a.wd.Delete()
	}
}

func (a *attempt) run(ctx context.Context) (*Session, error) {
	l := a.l

	a.to(StateInit)
	a.wd = workdir.New(l.fs, a.docPath, workdir.Options{
		IsLocked:    l.cfg.IsLocked,
		Now:         l.cfg.Now,
		LockTimeout: l.cfg.LockTimeout,
	})
	a.wd.SetLogger(a.logger)
	a.svc = l.cfg.NewServices()

	a.to(StateRecoverableCheck)

	if err := a.checkRecoverable(ctx); err != nil {
		return nil, a.fail(err)
	}

	if a.recovered {
		a.to(StateRecover)
	} else {
		a.to(StateExtract)

		if err := a.wd.Create(ctx); err != nil {
			_ = a.wd.Delete()

			return nil, a.fail(fmt.Errorf("%w: %w", ErrWorkDirCreate, err))
		}
	}

	if err := a.wd.AcquireLease(a.owner, l.cfg.LeaseStaleAfter); err != nil {
		if !a.recovered {
			_ = a.wd.Delete()
		}

		return nil, a.fail(fmt.Errorf("%w: %w", ErrInUse, err))
	}

	a.leased = true

	if err := a.startServices(ctx); err != nil {
		a.unwind()

		return nil, a.fail(err)
	}

	a.to(StateServicesStarted)

	if err := a.checkVersion(); err != nil {
		a.unwind()

		return nil, a.fail(err)
	}

	a.to(StateVersionChecked)

	if err := a.migrate(ctx); err != nil {
		a.unwind()

		return nil, a.fail(err)
	}

	a.to(StateMigrated)

	cache, err := loadCache(ctx, a.svc, l.fs, a.wd.Dir(), l.cfg.User, l.cfg.Now())
	if err != nil {
		a.unwind()

		return nil, a.fail(err)
	}

	a.cache = cache
	a.to(StateCacheLoaded)

	if a.commitVersion {
		if err := a.commit(ctx); err != nil {
			a.unwind()

			return nil, a.fail(err)
		}
	}

	a.to(StateReady)

	s := newSession(a)

	if s.Dirty() && !a.recovered && l.cfg.SaveAfterMigration {
		s.saveInBackground()
	}

	return s, nil
}

// checkRecoverable decides between RECOVER and EXTRACT. A directory covered
// by another live lease is reported as in use and left alone.
func (a *attempt) checkRecoverable(ctx context.Context) error {
	exists, err := a.wd.Exists()
	if err != nil {
		return fmt.Errorf("stat working dir: %w", err)
	}

	if !exists {
		return nil
	}

	lease, held, err := a.wd.LeaseActive(a.owner, a.l.cfg.LeaseStaleAfter)
	if err != nil {
		return err
	}

	if held {
		return fmt.Errorf("%w: owner %s on %s, last seen %s", ErrInUse, lease.Owner, lease.Host, lease.Heartbeat.Format(time.RFC3339))
	}

	if !a.verify(ctx) {
		a.logger.Info().Msg("leftover working directory is not recoverable, discarding")
		_ = a.wd.Delete()

		return nil
	}

	accept := a.mode.resume || a.l.prompter.Confirm(fmt.Sprintf(
		"%s was not closed properly. Recover the unsaved changes from the last session?", filepath.Base(a.docPath)))

	if !accept {
		if err := a.svc.Stop(); err != nil {
			a.logger.Warn().Err(err).Msg("stop services")
		}

		_ = a.wd.Delete()

		return nil
	}

	a.recovered = true
	a.dirty = !a.mode.resume || a.mode.dirty

	return nil
}

// verify starts services against the leftover directory and loads the model.
// Services stay started on success.
func (a *attempt) verify(ctx context.Context) bool {
	dataDir, err := a.wd.DataDir()
	if err == nil {
		err = a.svc.Start(ctx, dataDir)
	}

	if err == nil {
		a.model, err = a.svc.LoadModel(ctx)
	}

	if err != nil {
		a.logger.Debug().Err(err).Msg("recovery check failed")

		if stopErr := a.svc.Stop(); stopErr != nil {
			a.logger.Warn().Err(stopErr).Msg("stop services after recovery check")
		}

		a.model = docdb.Model{}

		return false
	}

	return true
}

func (a *attempt) startServices(ctx context.Context) error {
	if a.recovered {
		return nil
	}

	dataDir, err := a.wd.DataDir()
	if err == nil {
		err = a.svc.Start(ctx, dataDir)
	}

	if err == nil {
		a.model, err = a.svc.LoadModel(ctx)
	}

	if err != nil {
		a.l.prompter.Error(fmt.Sprintf("The file %s is corrupted and cannot be opened: %v", a.docPath, err))

		return fmt.Errorf("%w: %s: %w", ErrCorrupt, a.docPath, err)
	}

	return nil
}

func (a *attempt) checkVersion() error {
	app, doc := a.l.cfg.AppVersion, a.model.Version

	switch version.Check(app, doc) {
	case version.Reject:
		a.l.prompter.Error(fmt.Sprintf(
			"%s was created with version %s, newer than this application (%s). Upgrade the application to open it.",
			filepath.Base(a.docPath), doc, app))

		return ErrVersionMismatch
	case version.Migrate:
		shown := doc
		if shown == "" {
			shown = "an unknown version"
		}

		ok := a.l.prompter.Confirm(fmt.Sprintf(
			"%s was created with %s. It will be upgraded to %s and can no longer be opened by older versions. Continue?",
			filepath.Base(a.docPath), shown, app))
		if !ok {
			return ErrMigrationCancelled
		}

		a.commitVersion = true
	case version.Open:
	}

	return nil
}

func (a *attempt) migrate(ctx context.Context) error {
	steps := a.l.cfg.Steps(a.l.fs, a.svc, a.wd.Dir(), a.logger)
	runner := migrate.NewRunner(steps, a.svc)
	runner.SetLogger(a.logger)

	res, err := runner.Run(ctx)

	for _, s := range res.Steps {
		a.l.cfg.Metrics.observeMigration(s.Name, s.Changed, s.Err)
	}

	if err != nil {
		return err
	}

	a.dirty = a.dirty || res.Changed

	return nil
}

func (a *attempt) commit(ctx context.Context) error {
	m := a.cache.Model()
	m.Version = a.l.cfg.AppVersion

	if err := a.svc.UpdateModel(ctx, m); err != nil {
		return fmt.Errorf("commit version: %w", err)
	}

	a.logger.Info().Str("from", a.model.Version).Str("to", m.Version).Msg("document version committed")

	a.cache = a.cache.withModel(m)
	a.dirty = true

	return nil
}
