package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/calvinalkan/cfdoc/internal/workdir"
)

// DefaultExtension is the document file extension.
const DefaultExtension = ".cf"

// DefaultPairWindow is how long a rename waits for its matching create.
const DefaultPairWindow = 200 * time.Millisecond

// FSNotifyOptions configures [NewFSNotifySource].
type FSNotifyOptions struct {
	// Extension selects document files. Defaults to [DefaultExtension].
	Extension string

	// PairWindow defaults to [DefaultPairWindow].
	PairWindow time.Duration

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

// FSNotifySource turns filesystem notifications below a root directory into
// events.
//
// Document files yield OpDelete on removal and OpRename when a rename is
// followed by a create of another document file within the pair window. A
// rename without such a create (moved out of the watched tree) is reported
// as OpDelete once the window passes. A create of a path that already held a
// document (a save swapping in its temp file) never completes a rename. Writes and creates of other files
// yield OpChange. Working directories and hidden temp files are ignored.
type FSNotifySource struct {
	w      *fsnotify.Watcher
	ext    string
	window time.Duration
	logger zerolog.Logger

	events chan Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	pending []pendingRename

	// known holds the document paths currently present below the root.
	known map[string]struct{}
}

type pendingRename struct {
	path     string
	deadline time.Time
}

// NewFSNotifySource watches root and every directory below it.
func NewFSNotifySource(root string, opts FSNotifyOptions) (*FSNotifySource, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	s := &FSNotifySource{
		w:      w,
		ext:    opts.Extension,
		window: opts.PairWindow,
		logger: zerolog.Nop(),
		events: make(chan Event, 64),
		errors: make(chan error, 8),
		done:   make(chan struct{}),
		known:  make(map[string]struct{}),
	}

	if s.ext == "" {
		s.ext = DefaultExtension
	}

	if s.window <= 0 {
		s.window = DefaultPairWindow
	}

	if opts.Logger != nil {
		s.logger = *opts.Logger
	}

	if err := s.addTree(root); err != nil {
		_ = w.Close()

		return nil, err
	}

	s.wg.Add(1)

	go s.loop()

	return s, nil
}

func (s *FSNotifySource) Events() <-chan Event { return s.events }

func (s *FSNotifySource) Errors() <-chan error { return s.errors }

// Close stops watching and waits for the event loop to exit.
func (s *FSNotifySource) Close() error {
	var err error

	s.once.Do(func() {
		close(s.done)
		err = s.w.Close()
		s.wg.Wait()
	})

	return err
}

func (s *FSNotifySource) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			if s.isDocument(path) {
				s.known[path] = struct{}{}
			}

			return nil
		}

		if path != root && ignoredDir(d.Name()) {
			return filepath.SkipDir
		}

		if err := s.w.Add(path); err != nil {
			return fmt.Errorf("watch %q: %w", path, err)
		}

		return nil
	})
}

func ignoredDir(name string) bool {
	return strings.HasPrefix(name, workdir.Prefix) || name == ".git"
}

func (s *FSNotifySource) loop() {
	defer s.wg.Done()
	defer close(s.errors)
	defer close(s.events)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return

		case ev, ok := <-s.w.Events:
			if !ok {
				s.flush(time.Time{})

				return
			}

			s.handle(ev, time.Now())
			s.arm(timer)

		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}

			s.logger.Debug().Err(err).Msg("fsnotify error")
			s.sendErr(err)

		case now := <-timer.C:
			s.flush(now)
			s.arm(timer)
		}
	}
}

// arm resets timer to the earliest pending deadline.
func (s *FSNotifySource) arm(timer *time.Timer) {
	if len(s.pending) == 0 {
		return
	}

	timer.Reset(time.Until(s.pending[0].deadline))
}

// flush reports renames whose window passed as deletes. A zero now flushes
// everything.
func (s *FSNotifySource) flush(now time.Time) {
	kept := s.pending[:0]

	for _, p := range s.pending {
		if now.IsZero() || !now.Before(p.deadline) {
			s.send(Event{Op: OpDelete, Path: p.path})

			continue
		}

		kept = append(kept, p)
	}

	s.pending = kept
}

func (s *FSNotifySource) handle(ev fsnotify.Event, now time.Time) {
	name := ev.Name
	base := filepath.Base(name)

	if s.insideIgnored(name) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			if ignoredDir(base) {
				return
			}

			if err := s.addTree(name); err != nil {
				s.logger.Debug().Err(err).Str("dir", name).Msg("watch new directory")
			}

			return
		}
	}

	if s.isDocument(name) {
		s.handleDocument(ev, now)

		return
	}

	if strings.HasPrefix(base, ".") {
		return
	}

	if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
		s.send(Event{Op: OpChange, Path: name})
	}
}

func (s *FSNotifySource) handleDocument(ev fsnotify.Event, now time.Time) {
	switch {
	case ev.Has(fsnotify.Rename):
		delete(s.known, ev.Name)
		s.pending = append(s.pending, pendingRename{path: ev.Name, deadline: now.Add(s.window)})

	case ev.Has(fsnotify.Create):
		if _, ok := s.known[ev.Name]; ok {
			return
		}

		s.known[ev.Name] = struct{}{}

		if len(s.pending) == 0 {
			return
		}

		from := s.pending[0]
		s.pending = s.pending[1:]

		s.send(Event{Op: OpRename, Path: from.path, NewPath: ev.Name})

	case ev.Has(fsnotify.Remove):
		delete(s.known, ev.Name)
		s.send(Event{Op: OpDelete, Path: ev.Name})
	}
}

func (s *FSNotifySource) isDocument(name string) bool {
	base := filepath.Base(name)

	return strings.HasSuffix(base, s.ext) && !strings.HasPrefix(base, ".")
}

func (s *FSNotifySource) insideIgnored(name string) bool {
	for dir := filepath.Dir(name); ; dir = filepath.Dir(dir) {
		if ignoredDir(filepath.Base(dir)) {
			return true
		}

		if parent := filepath.Dir(dir); parent == dir {
			return false
		}
	}
}

func (s *FSNotifySource) send(ev Event) {
	s.logger.Debug().Stringer("event", ev).Msg("external event")

	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *FSNotifySource) sendErr(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		err = fmt.Errorf("events lost: %w", err)
	}

	select {
	case s.errors <- err:
	default:
		s.logger.Warn().Err(err).Msg("dropping watcher error")
	}
}
