package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/session"
	"github.com/calvinalkan/cfdoc/internal/workdir"
	"github.com/calvinalkan/cfdoc/pkg/fs"
)

func Test_Save_Leaves_Document_Untouched_When_Rename_Fails(t *testing.T) {
	t.Parallel()

	docPath := writeDocument(t, "1.3", nil)
	original, err := os.ReadFile(docPath)
	require.NoError(t, err)

	faulty := fs.NewFaulty(fs.NewReal())

	s, err := newLoader(t, faulty, &prompter{}, "1.3").Open(t.Context(), docPath)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close(context.Background()) })

	s.MarkDirty()
	faulty.FailOn(fs.OpRename, ".proj.cf.tmp", 1)

	err = s.Save(t.Context())
	if !fs.IsInjected(err) {
		t.Fatalf("err=%v, want injected failure", err)
	}

	after, err := os.ReadFile(docPath)
	require.NoError(t, err)
	require.Equal(t, original, after)
	require.True(t, s.Dirty(), "dirty flag cleared by failed save")

	if diff := cmp.Diff([]string{".cftmp-proj.cf", "proj.cf"}, siblings(t, docPath)); diff != "" {
		t.Fatalf("leftovers next to document (-want +got):\n%s", diff)
	}

	require.NoError(t, s.Save(t.Context()))
	require.False(t, s.Dirty())
}

func Test_Save_Keeps_Old_Backup_When_Configured(t *testing.T) {
	t.Parallel()

	docPath := writeDocument(t, "1.3", nil)
	original, err := os.ReadFile(docPath)
	require.NoError(t, err)

	s, err := newLoader(t, fs.NewReal(), &prompter{}, "1.3", func(c *session.Config) {
		c.KeepOldBackup = true
	}).Open(t.Context(), docPath)
	require.NoError(t, err)

	require.NoError(t, s.Save(t.Context()))
	require.NoError(t, s.Close(t.Context()))

	var backups []string

	for _, name := range siblings(t, docPath) {
		if strings.HasPrefix(name, "proj.cf-old") {
			backups = append(backups, name)
		}
	}

	require.Len(t, backups, 1)

	kept, err := os.ReadFile(filepath.Join(filepath.Dir(docPath), backups[0]))
	require.NoError(t, err)
	require.Equal(t, original, kept)
}

func Test_Save_Succeeds_For_All_Callers_When_Called_Concurrently(t *testing.T) {
	t.Parallel()

	docPath := writeDocument(t, "1.3", nil)

	s, err := newLoader(t, fs.NewReal(), &prompter{}, "1.3").Open(t.Context(), docPath)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close(context.Background()) })

	s.MarkDirty()

	var wg sync.WaitGroup

	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[i] = s.Save(t.Context())
		}()
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	require.False(t, s.Dirty())
	require.NotEmpty(t, extractTree(t, docPath)["data/cf.db"])
}

func Test_ReloadCache_Returns_New_Snapshot_When_Database_Changed(t *testing.T) {
	t.Parallel()

	docPath := writeDocument(t, "1.3", nil)

	s, err := newLoader(t, fs.NewReal(), &prompter{}, "1.3").Open(t.Context(), docPath)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close(context.Background()) })

	old := s.Cache()

	require.NoError(t, s.Do(t.Context(), func(ctx context.Context, svc session.Services) error {
		return svc.(*docdb.DB).PutGlobalConfig(ctx, "theme", "dark")
	}))

	next, err := s.ReloadCache(t.Context())
	require.NoError(t, err)

	if _, ok := old.Setting("theme"); ok {
		t.Fatal("earlier snapshot observed the change")
	}

	if got, _ := next.Setting("theme"); got != "dark" {
		t.Fatalf("theme=%q, want dark", got)
	}

	if s.Cache() != next {
		t.Fatal("session does not expose the reloaded snapshot")
	}

	g := next.GlobalConfig()
	g["theme"] = "light"

	if got, _ := next.Setting("theme"); got != "dark" {
		t.Fatal("snapshot mutated through GlobalConfig copy")
	}
}

func Test_Close_Warns_And_Discards_When_Dirty(t *testing.T) {
	t.Parallel()

	docPath := writeDocument(t, "1.3", nil)
	original, err := os.ReadFile(docPath)
	require.NoError(t, err)

	p := &prompter{}

	s, err := newLoader(t, fs.NewReal(), p, "1.3").Open(t.Context(), docPath)
	require.NoError(t, err)

	s.MarkDirty()
	require.NoError(t, s.Close(t.Context()))
	require.NoError(t, s.Close(t.Context()))

	if _, warns, _ := p.counts(); warns != 1 {
		t.Fatalf("warns=%d, want 1", warns)
	}

	after, err := os.ReadFile(docPath)
	require.NoError(t, err)
	require.Equal(t, original, after)

	if err := s.Save(t.Context()); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("save after close err=%v, want %v", err, session.ErrClosed)
	}

	if _, err := s.ReloadCache(t.Context()); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("reload after close err=%v, want %v", err, session.ErrClosed)
	}
}

func Test_Relocate_Follows_Document_When_Renamed_In_Same_Directory(t *testing.T) {
	t.Parallel()

	docPath := writeDocument(t, "1.3", nil)

	s, err := newLoader(t, fs.NewReal(), &prompter{}, "1.3").Open(t.Context(), docPath)
	require.NoError(t, err)

	require.NoError(t, s.Do(t.Context(), func(ctx context.Context, svc session.Services) error {
		return svc.(*docdb.DB).PutGlobalConfig(ctx, "theme", "dark")
	}))
	s.MarkDirty()

	newPath := filepath.Join(filepath.Dir(docPath), "renamed.cf")
	require.NoError(t, os.Rename(docPath, newPath))

	next, err := s.Relocate(t.Context(), newPath)
	require.NoError(t, err)
	require.NotNil(t, next)

	t.Cleanup(func() { _ = next.Close(context.Background()) })

	require.True(t, s.Closed())
	require.Equal(t, newPath, next.Path())
	require.Equal(t, workdir.DerivePath(newPath), next.WorkDir())
	require.False(t, exists(t, workdir.DerivePath(docPath)), "old working dir survived")
	require.True(t, next.Dirty(), "dirty flag lost across relocation")

	if got, _ := next.Cache().Setting("theme"); got != "dark" {
		t.Fatalf("theme=%q, want dark", got)
	}

	require.NoError(t, next.Save(t.Context()))
	require.False(t, next.Dirty())
}

func Test_Relocate_Reopens_At_New_Path_When_Moved_To_Other_Directory(t *testing.T) {
	t.Parallel()

	docPath := writeDocument(t, "1.3", nil)
	p := &prompter{}

	s, err := newLoader(t, fs.NewReal(), p, "1.3").Open(t.Context(), docPath)
	require.NoError(t, err)

	require.NoError(t, s.Do(t.Context(), func(ctx context.Context, svc session.Services) error {
		return svc.(*docdb.DB).PutGlobalConfig(ctx, "theme", "dark")
	}))
	s.MarkDirty()

	newPath := filepath.Join(t.TempDir(), "proj.cf")
	require.NoError(t, os.Rename(docPath, newPath))

	next, err := s.Relocate(t.Context(), newPath)
	require.NoError(t, err)
	require.NotNil(t, next)

	t.Cleanup(func() { _ = next.Close(context.Background()) })

	require.True(t, s.Closed())
	require.Equal(t, docPath, s.Path(), "old session re-pointed across directories")
	require.Equal(t, newPath, next.Path())
	require.Equal(t, workdir.DerivePath(newPath), next.WorkDir())
	require.False(t, exists(t, workdir.DerivePath(docPath)), "old working dir survived")
	require.True(t, next.Recovered())
	require.True(t, next.Dirty(), "dirty flag lost across move")

	if got, _ := next.Cache().Setting("theme"); got != "dark" {
		t.Fatalf("theme=%q, want dark", got)
	}

	if confirms, _, _ := p.counts(); confirms != 0 {
		t.Fatalf("confirms=%d, want 0", confirms)
	}
}

func Test_Relocate_Wins_Over_Close_When_Both_Race(t *testing.T) {
	t.Parallel()

	docPath := writeDocument(t, "1.3", nil)

	s, err := newLoader(t, fs.NewReal(), &prompter{}, "1.3").Open(t.Context(), docPath)
	require.NoError(t, err)
	s.MarkDirty()

	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = s.Do(context.Background(), func(context.Context, session.Services) error {
			close(started)
			<-release

			return nil
		})
	}()

	<-started

	newPath := filepath.Join(filepath.Dir(docPath), "renamed.cf")
	require.NoError(t, os.Rename(docPath, newPath))

	type result struct {
		next *session.Session
		err  error
	}

	done := make(chan result, 1)

	go func() {
		next, err := s.Relocate(context.Background(), newPath)
		done <- result{next, err}
	}()

	require.Eventually(t, s.Closed, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Close(t.Context()), "close of a relocating session")

	if err := s.Save(t.Context()); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("save err=%v, want %v", err, session.ErrClosed)
	}

	close(release)

	res := <-done
	require.NoError(t, res.err)
	require.NotNil(t, res.next)

	t.Cleanup(func() { _ = res.next.Close(context.Background()) })

	require.False(t, res.next.Closed())
	require.True(t, res.next.Recovered())
	require.True(t, res.next.Dirty())
	require.True(t, exists(t, workdir.DerivePath(newPath)), "relocated working dir deleted")
}

func Test_CreateDocument_Writes_Openable_Archive_When_Path_Free(t *testing.T) {
	t.Parallel()

	docPath := filepath.Join(t.TempDir(), "new.cf")
	model := docdb.Model{Application: "demo", Contact: "ops@example.com", Version: "1.3"}

	require.NoError(t, session.CreateDocument(t.Context(), fs.NewReal(), docPath, model))

	if diff := cmp.Diff([]string{"new.cf"}, siblings(t, docPath)); diff != "" {
		t.Fatalf("unexpected siblings (-want +got):\n%s", diff)
	}

	s, err := newLoader(t, fs.NewReal(), &prompter{}, "1.3").Open(t.Context(), docPath)
	require.NoError(t, err)

	got := s.Cache().Model()
	require.NotEmpty(t, got.ID)
	require.Equal(t, "ops@example.com", got.Contact)
	require.NoError(t, s.Close(t.Context()))

	err = session.CreateDocument(t.Context(), fs.NewReal(), docPath, model)
	if !errors.Is(err, session.ErrDocumentExists) {
		t.Fatalf("err=%v, want %v", err, session.ErrDocumentExists)
	}
}

func Test_Error_Formats_Context_When_Fields_Set(t *testing.T) {
	t.Parallel()

	err := &session.Error{
		Op:         "open",
		DocPath:    "/p/proj.cf",
		AppVersion: "1.3",
		Err:        session.ErrVersionMismatch,
	}

	want := "document version is newer than application (op=open doc_path=/p/proj.cf app_version=1.3)"
	if got := err.Error(); got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}

	if !errors.Is(err, session.ErrVersionMismatch) {
		t.Fatal("errors.Is does not see the cause")
	}
}
