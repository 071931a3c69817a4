package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/session"
	"github.com/calvinalkan/cfdoc/internal/watch"
	"github.com/calvinalkan/cfdoc/internal/workdir"
	"github.com/calvinalkan/cfdoc/pkg/fs"
)

type chanSource struct {
	events chan watch.Event
	errs   chan error
}

func newChanSource(events ...watch.Event) *chanSource {
	s := &chanSource{events: make(chan watch.Event, len(events)), errs: make(chan error)}
	for _, ev := range events {
		s.events <- ev
	}

	close(s.events)

	return s
}

func (s *chanSource) Events() <-chan watch.Event { return s.events }
func (s *chanSource) Errors() <-chan error       { return s.errs }
func (s *chanSource) Close() error               { return nil }

func openDocument(t *testing.T, dir, name string) *session.Session {
	t.Helper()

	docPath := filepath.Join(dir, name)
	require.NoError(t, session.CreateDocument(t.Context(), fs.NewReal(), docPath, docdb.Model{Application: "demo", Version: "1.3"}))

	cfg := session.DefaultConfig("1.3")
	cfg.SaveAfterMigration = false

	loader, err := session.NewLoader(fs.NewReal(), session.StaticPrompter{Answer: true}, cfg)
	require.NoError(t, err)

	s, err := loader.Open(t.Context(), docPath)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close(context.Background()) })

	return s
}

func Test_Reconciler_Closes_Session_When_Document_Deleted(t *testing.T) {
	t.Parallel()

	s := openDocument(t, t.TempDir(), "proj.cf")
	workDir := s.WorkDir()

	r := watch.NewReconciler(nil)
	r.Register(s)

	require.NoError(t, os.Remove(s.Path()))
	require.NoError(t, r.Run(t.Context(), newChanSource(watch.Event{Op: watch.OpDelete, Path: s.Path()})))

	require.True(t, s.Closed())
	require.Empty(t, r.Sessions())

	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatalf("working dir %s still present (err=%v)", workDir, err)
	}
}

func Test_Reconciler_Rebinds_Session_When_Renamed_In_Same_Directory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := openDocument(t, dir, "proj.cf")

	reg := prometheus.NewRegistry()
	r := watch.NewReconciler(session.NewMetrics(reg))
	r.Register(s)

	newPath := filepath.Join(dir, "renamed.cf")
	require.NoError(t, os.Rename(s.Path(), newPath))
	require.NoError(t, r.Run(t.Context(), newChanSource(watch.Event{Op: watch.OpRename, Path: s.Path(), NewPath: newPath})))

	_, stale := r.Lookup(s.Path())
	require.False(t, stale)

	next, ok := r.Lookup(newPath)
	require.True(t, ok)

	t.Cleanup(func() { _ = next.Close(context.Background()) })

	require.Equal(t, newPath, next.Path())
	require.Equal(t, workdir.DerivePath(newPath), next.WorkDir())

	families, err := reg.Gather()
	require.NoError(t, err)

	var renames float64

	for _, f := range families {
		if f.GetName() != "cfdoc_watch_events_total" {
			continue
		}

		for _, m := range f.GetMetric() {
			renames += m.GetCounter().GetValue()
		}
	}

	require.Equal(t, 1.0, renames)
}

func Test_Reconciler_Reopens_Session_When_Moved_To_Other_Directory(t *testing.T) {
	t.Parallel()

	s := openDocument(t, t.TempDir(), "proj.cf")
	oldPath := s.Path()

	r := watch.NewReconciler(nil)
	r.Register(s)

	newPath := filepath.Join(t.TempDir(), "proj.cf")
	require.NoError(t, os.Rename(oldPath, newPath))
	require.NoError(t, r.Handle(t.Context(), watch.Event{Op: watch.OpRename, Path: oldPath, NewPath: newPath}))

	require.True(t, s.Closed())
	require.Equal(t, oldPath, s.Path())

	_, stale := r.Lookup(oldPath)
	require.False(t, stale)

	next, ok := r.Lookup(newPath)
	require.True(t, ok)

	t.Cleanup(func() { _ = next.Close(context.Background()) })

	require.Equal(t, newPath, next.Path())
	require.True(t, next.Recovered())
	require.Equal(t, workdir.DerivePath(newPath), next.WorkDir())

	if _, err := os.Stat(workdir.DerivePath(oldPath)); !os.IsNotExist(err) {
		t.Fatalf("old working dir still present: %v", err)
	}
}

func Test_Reconciler_Reports_Evidence_When_Referenced_File_Changes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := openDocument(t, dir, "proj.cf")

	require.NoError(t, s.Do(t.Context(), func(ctx context.Context, svc session.Services) error {
		_, err := svc.(*docdb.DB).InsertEvidence(ctx, docdb.Evidence{Name: "report", Path: "evidence/report.pdf", Element: "E1"})

		return err
	}))

	r := watch.NewReconciler(nil)
	r.Register(s)

	var (
		mu   sync.Mutex
		hits []string
	)

	r.OnEvidenceChanged(func(_ *session.Session, path string, refs []docdb.Evidence) {
		mu.Lock()
		defer mu.Unlock()

		for _, ref := range refs {
			hits = append(hits, path+"="+ref.Name)
		}
	})

	changed := filepath.Join(dir, "evidence", "report.pdf")

	require.NoError(t, r.Run(t.Context(), newChanSource(
		watch.Event{Op: watch.OpChange, Path: changed},
		watch.Event{Op: watch.OpChange, Path: filepath.Join(dir, "evidence", "other.pdf")},
	)))

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []string{changed + "=report"}, hits)
}

func Test_Reconciler_Ignores_Events_When_No_Session_Bound(t *testing.T) {
	t.Parallel()

	r := watch.NewReconciler(nil)

	require.NoError(t, r.Handle(t.Context(), watch.Event{Op: watch.OpDelete, Path: "/nowhere/a.cf"}))
	require.NoError(t, r.Handle(t.Context(), watch.Event{Op: watch.OpRename, Path: "/nowhere/a.cf", NewPath: "/nowhere/b.cf"}))
	require.NoError(t, r.Handle(t.Context(), watch.Event{Op: watch.OpChange, Path: "/nowhere/x.pdf"}))
	require.Error(t, r.Handle(t.Context(), watch.Event{Op: watch.Op(42), Path: "/nowhere/a.cf"}))
}
