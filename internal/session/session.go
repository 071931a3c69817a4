package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/workdir"
)

// Session is an open document.
//
// All state changes run on a single worker in submission order: saves, cache
// reloads, caller work passed to [Session.Do], relocation and close. Read
// accessors are safe to call concurrently.
type Session struct {
	loader *Loader
	wd     *workdir.Manager
	svc    Services
	owner  string
	logger zerolog.Logger
	tracer trace.Tracer

	queue *queue
	saves singleflight.Group

	cache       atomic.Pointer[SessionCache]
	dirty       atomic.Bool
	closed      atomic.Bool
	recovered   bool
	transitions []State

	pathMu sync.RWMutex
	path   string

	stopHeartbeat context.CancelFunc
	heartbeatDone chan struct{}
}

func newSession(a *attempt) *Session {
	s := &Session{
		loader:      a.l,
		wd:          a.wd,
		svc:         a.svc,
		owner:       a.owner,
		logger:      a.logger,
		tracer:      a.l.tracer,
		queue:       newQueue(),
		recovered:   a.recovered,
		transitions: a.transitions,
		path:        a.docPath,
	}

	s.cache.Store(a.cache)
	s.dirty.Store(a.dirty)
	s.startHeartbeat()

	s.logger.Info().
		Str("work_dir", a.wd.Dir()).
		Str("version", a.cache.Model().Version).
		Bool("recovered", a.recovered).
		Bool("dirty", a.dirty).
		Msg("document ready")

	return s
}

// Path returns the document file the session is bound to.
func (s *Session) Path() string {
	s.pathMu.RLock()
	defer s.pathMu.RUnlock()

	return s.path
}

// WorkDir returns the working directory derived from the current path.
func (s *Session) WorkDir() string { return s.wd.Dir() }

// Owner returns the lease owner id of the session.
func (s *Session) Owner() string { return s.owner }

// Dirty reports whether the working directory diverges from the archive.
func (s *Session) Dirty() bool { return s.dirty.Load() }

// MarkDirty flags unsaved changes. Only a successful save clears the flag.
func (s *Session) MarkDirty() { s.dirty.Store(true) }

// Recovered reports whether the session resumed a leftover working directory.
func (s *Session) Recovered() bool { return s.recovered }

// Closed reports whether Close or Dispose ran.
func (s *Session) Closed() bool { return s.closed.Load() }

// Transitions returns the states the open sequence passed through.
func (s *Session) Transitions() []State {
	out := make([]State, len(s.transitions))
	copy(out, s.transitions)

	return out
}

// Cache returns the current snapshot.
func (s *Session) Cache() *SessionCache { return s.cache.Load() }

// Services returns the database of the session. Use it from within
// [Session.Do] when writing.
func (s *Session) Services() Services { return s.svc }

// Do runs fn on the session worker. fn must not call other Session methods
// that go through the worker (Save, ReloadCache, Do, Relocate, Close).
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context, svc Services) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	return s.queue.do(ctx, func(ctx context.Context) error {
		return fn(ctx, s.svc)
	})
}

// ReloadCache reads a new snapshot from the database and makes it current.
// Snapshots handed out earlier are unaffected.
func (s *Session) ReloadCache(ctx context.Context) (*SessionCache, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var next *SessionCache

	err := s.queue.do(ctx, func(ctx context.Context) error {
		c, err := loadCache(ctx, s.svc, s.loader.fs, s.wd.Dir(), s.loader.cfg.User, s.loader.cfg.Now())
		if err != nil {
			return err
		}

		s.cache.Store(c)
		next = c

		return nil
	})
	if err != nil {
		return nil, s.wrap("reload", err)
	}

	return next, nil
}

// Close stops services, deletes the working directory and releases the
// lease. It does not save; unsaved changes are reported and dropped. Closing
// twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.Dirty() {
		s.loader.prompter.Warn(fmt.Sprintf("%s closed with unsaved changes", filepath.Base(s.Path())))
	}

	err := s.shutdown(ctx, true)

	s.logger.Info().Str("work_dir", s.wd.Dir()).Msg("document closed")

	return err
}

// Dispose stops services and releases the lease but keeps the working
// directory, so the next open can recover it.
func (s *Session) Dispose(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	return s.shutdown(ctx, false)
}

func (s *Session) shutdown(ctx context.Context, deleteDir bool) error {
	res, err := s.queue.submit(context.WithoutCancel(ctx), func(context.Context) error {
		return s.teardown(deleteDir, true)
	})

	s.queue.close()

	if err != nil {
		return s.wrap("close", err)
	}

	if err := <-res; err != nil {
		return s.wrap("close", err)
	}

	return nil
}

// teardown stops everything the session holds. Each step runs even when an
// earlier one failed.
func (s *Session) teardown(deleteDir, release bool) error {
	s.haltHeartbeat()

	var errs []error

	if err := s.svc.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("stop services")
		errs = append(errs, fmt.Errorf("stop services: %w", err))
	}

	if release {
		if err := s.wd.ReleaseLease(s.owner); err != nil {
			s.logger.Warn().Err(err).Str("work_dir", s.wd.Dir()).Msg("release lease")
			errs = append(errs, fmt.Errorf("release lease: %w", err))
		}
	}

	if deleteDir {
		if err := s.wd.Delete(); err != nil {
			errs = append(errs, fmt.Errorf("delete working dir: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Relocate follows the document to newPath after an external rename or move.
//
// The working directory is moved along, s is closed without deleting it and
// the document is reopened at newPath, resuming the moved directory. The
// returned session replaces s and keeps its dirty flag. Within the same
// directory s is rebound to newPath first; after a move to another directory
// s keeps its old path.
//
// s counts as closed from the moment Relocate starts, so a racing Close, Save
// or Do fails or no-ops instead of touching the relocated directory. The
// move itself runs as one job on the session worker and never interleaves
// with an in-flight save.
func (s *Session) Relocate(ctx context.Context, newPath string) (*Session, error) {
	abs, err := filepath.Abs(newPath)
	if err != nil {
		return nil, s.wrap("relocate", err)
	}

	if !s.closed.CompareAndSwap(false, true) {
		return nil, ErrClosed
	}

	ctx, span := s.tracer.Start(ctx, "session.Relocate", trace.WithAttributes(
		attribute.String("doc.path", s.Path()),
		attribute.String("doc.new_path", abs),
	))
	defer span.End()

	samePlace := filepath.Dir(abs) == filepath.Dir(s.Path())

	err = s.queue.do(context.WithoutCancel(ctx), func(context.Context) error {
		s.haltHeartbeat()

		if err := s.svc.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("stop services before relocate")
		}

		if err := s.wd.ReleaseLease(s.owner); err != nil {
			s.logger.Warn().Err(err).Msg("release lease before relocate")
		}

		if err := s.wd.Relocate(abs); err != nil {
			return err
		}

		if samePlace {
			s.pathMu.Lock()
			s.path = abs
			s.pathMu.Unlock()
		}

		return nil
	})

	s.queue.close()

	if err != nil {
		span.RecordError(err)

		return nil, s.wrap("relocate", err)
	}

	next, err := s.loader.open(ctx, abs, openMode{resume: true, owner: s.owner, dirty: s.Dirty()})
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	s.logger.Info().Str("new_path", abs).Bool("same_dir", samePlace).Msg("document relocated")

	return next, nil
}

func (s *Session) startHeartbeat() {
	interval := s.loader.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.stopHeartbeat = cancel
	s.heartbeatDone = done

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.wd.Heartbeat(s.owner); err != nil {
					s.logger.Warn().Err(err).Str("work_dir", s.wd.Dir()).Msg("lease heartbeat")
				}
			}
		}
	}()
}

func (s *Session) haltHeartbeat() {
	if s.stopHeartbeat == nil {
		return
	}

	s.stopHeartbeat()
	<-s.heartbeatDone
	s.stopHeartbeat = nil
}

func (s *Session) wrap(op string, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}

	var docVersion string
	if c := s.cache.Load(); c != nil {
		docVersion = c.Model().Version
	}

	return &Error{
		Op:         op,
		DocPath:    s.Path(),
		WorkDir:    s.wd.Dir(),
		AppVersion: s.loader.cfg.AppVersion,
		DocVersion: docVersion,
		Err:        err,
	}
}

var _ Services = (*docdb.DB)(nil)
