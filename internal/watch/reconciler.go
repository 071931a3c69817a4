package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/session"
)

// EvidenceFunc is called for a change event on a file referenced as
// evidence by an open document.
type EvidenceFunc func(s *session.Session, path string, refs []docdb.Evidence)

// Reconciler applies external events to registered sessions.
//
// A deleted document closes its session. A renamed or moved document
// relocates its session and re-registers the replacement under the new path. Changes of other files are matched against
// the evidence references of every open document.
type Reconciler struct {
	mu       sync.Mutex
	sessions map[string]*session.Session

	evidenceChanged EvidenceFunc
	metrics         *session.Metrics
	logger          zerolog.Logger
	tracer          trace.Tracer
}

// NewReconciler returns an empty reconciler. metrics may be nil.
func NewReconciler(metrics *session.Metrics) *Reconciler {
	return &Reconciler{
		sessions: make(map[string]*session.Session),
		metrics:  metrics,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer("github.com/calvinalkan/cfdoc/internal/watch"),
	}
}

func (r *Reconciler) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

// OnEvidenceChanged sets the change callback.
func (r *Reconciler) OnEvidenceChanged(fn EvidenceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evidenceChanged = fn
}

// Register binds s to its current path, replacing any earlier registration.
func (r *Reconciler) Register(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.Path()] = s
}

// Unregister forgets the session bound to path.
func (r *Reconciler) Unregister(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, path)
}

// Lookup returns the session bound to path.
func (r *Reconciler) Lookup(path string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[path]

	return s, ok
}

// Sessions returns the registered sessions ordered by path.
func (r *Reconciler) Sessions() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.sessions))
	for p := range r.sessions {
		paths = append(paths, p)
	}

	slices.Sort(paths)

	out := make([]*session.Session, 0, len(paths))
	for _, p := range paths {
		out = append(out, r.sessions[p])
	}

	return out
}

// Run handles events from src until ctx ends or src stops. Handling errors
// are logged; Run itself only fails with the context error.
func (r *Reconciler) Run(ctx context.Context, src Source) error {
	events, errs := src.Events(), src.Errors()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil
			}

			if err := r.Handle(ctx, ev); err != nil {
				r.logger.Warn().Err(err).Stringer("event", ev).Msg("reconcile")
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil

				continue
			}

			r.logger.Warn().Err(err).Msg("watch source")
		}
	}
}

// Handle applies one event.
func (r *Reconciler) Handle(ctx context.Context, ev Event) error {
	ctx, span := r.tracer.Start(ctx, "watch.Handle", trace.WithAttributes(
		attribute.String("event.op", ev.Op.String()),
		attribute.String("event.path", ev.Path),
	))
	defer span.End()

	r.metrics.ObserveWatchEvent(ev.Op.String())

	var err error

	switch ev.Op {
	case OpDelete:
		err = r.deleted(ctx, ev.Path)
	case OpRename:
		err = r.renamed(ctx, ev.Path, ev.NewPath)
	case OpChange:
		err = r.changed(ctx, ev.Path)
	default:
		err = fmt.Errorf("unknown event op %d", int(ev.Op))
	}

	if err != nil {
		span.RecordError(err)
	}

	return err
}

func (r *Reconciler) take(path string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[path]
	if ok {
		delete(r.sessions, path)
	}

	return s, ok
}

func (r *Reconciler) deleted(ctx context.Context, path string) error {
	s, ok := r.take(path)
	if !ok {
		return nil
	}

	r.logger.Info().Str("doc_path", path).Msg("document deleted externally, closing session")

	return s.Close(ctx)
}

func (r *Reconciler) renamed(ctx context.Context, from, to string) error {
	s, ok := r.take(from)
	if !ok {
		return nil
	}

	next, err := s.Relocate(ctx, to)
	if err != nil {
		return err
	}

	r.logger.Info().Str("doc_path", from).Str("new_path", to).Msg("document renamed, session reopened")
	r.Register(next)

	return nil
}

func (r *Reconciler) changed(ctx context.Context, path string) error {
	r.mu.Lock()
	notify := r.evidenceChanged
	r.mu.Unlock()

	if notify == nil {
		return nil
	}

	var errs []error

	for _, s := range r.Sessions() {
		var refs []docdb.Evidence

		err := s.Do(ctx, func(ctx context.Context, svc session.Services) error {
			for _, candidate := range evidenceKeys(s.Path(), path) {
				found, err := svc.EvidenceByPath(ctx, candidate)
				if err != nil {
					return err
				}

				refs = append(refs, found...)
			}

			return nil
		})
		if err != nil {
			if !errors.Is(err, session.ErrClosed) {
				errs = append(errs, fmt.Errorf("%s: %w", s.Path(), err))
			}

			continue
		}

		if len(refs) > 0 {
			notify(s, path, refs)
		}
	}

	return errors.Join(errs...)
}

// evidenceKeys returns the stored forms a reference to path may take: the
// slash separated path relative to the document directory, and the absolute
// slash separated path.
func evidenceKeys(docPath, path string) []string {
	abs := filepath.ToSlash(path)
	keys := []string{abs}

	rel, err := filepath.Rel(filepath.Dir(docPath), path)
	if err == nil && !strings.HasPrefix(rel, "..") {
		keys = append([]string{filepath.ToSlash(rel)}, keys...)
	}

	return keys
}
