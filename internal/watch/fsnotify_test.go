package watch_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/cfdoc/internal/watch"
)

func newSource(t *testing.T, root string) *watch.FSNotifySource {
	t.Helper()

	src, err := watch.NewFSNotifySource(root, watch.FSNotifyOptions{PairWindow: 100 * time.Millisecond})
	require.NoError(t, err)

	t.Cleanup(func() { _ = src.Close() })

	return src
}

func nextEvent(t *testing.T, src watch.Source) watch.Event {
	t.Helper()

	select {
	case ev, ok := <-src.Events():
		if !ok {
			t.Fatal("event channel closed")
		}

		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event within 5s")
	}

	return watch.Event{}
}

func touch(t *testing.T, path string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func Test_FSNotifySource_Pairs_Rename_When_Document_Renamed_In_Tree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	from := filepath.Join(root, "proj.cf")
	touch(t, from)

	src := newSource(t, root)

	to := filepath.Join(root, "renamed.cf")
	require.NoError(t, os.Rename(from, to))

	require.Equal(t, watch.Event{Op: watch.OpRename, Path: from, NewPath: to}, nextEvent(t, src))
}

func Test_FSNotifySource_Reports_Delete_When_Document_Removed(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	doc := filepath.Join(root, "proj.cf")
	touch(t, doc)

	src := newSource(t, root)

	require.NoError(t, os.Remove(doc))

	require.Equal(t, watch.Event{Op: watch.OpDelete, Path: doc}, nextEvent(t, src))
}

func Test_FSNotifySource_Reports_Delete_When_Document_Moved_Out_Of_Tree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	doc := filepath.Join(root, "proj.cf")
	touch(t, doc)

	src := newSource(t, root)

	require.NoError(t, os.Rename(doc, filepath.Join(t.TempDir(), "proj.cf")))

	require.Equal(t, watch.Event{Op: watch.OpDelete, Path: doc}, nextEvent(t, src))
}

func Test_FSNotifySource_Ignores_Working_Dirs_When_Reporting_Changes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	doc := filepath.Join(root, "proj.cf")
	touch(t, doc)
	touch(t, filepath.Join(root, ".cftmp-proj.cf", "data", "cf.db"))

	src := newSource(t, root)

	touch(t, filepath.Join(root, ".cftmp-proj.cf", "setup.yml"))
	touch(t, filepath.Join(root, ".proj.cf.tmp-1"))

	evidence := filepath.Join(root, "evidence.pdf")
	touch(t, evidence)

	require.Equal(t, watch.Event{Op: watch.OpChange, Path: evidence}, nextEvent(t, src))
}

func Test_FSNotifySource_Closes_Channels_When_Closed(t *testing.T) {
	t.Parallel()

	src := newSource(t, t.TempDir())
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	_, ok := <-src.Events()
	require.False(t, ok)
}

func Test_FSNotifySource_Does_Not_Pair_Save_Of_Other_Document_When_Rename_Pending(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	moved := filepath.Join(root, "a.cf")
	saved := filepath.Join(root, "b.cf")
	touch(t, moved)
	touch(t, saved)

	src, err := watch.NewFSNotifySource(root, watch.FSNotifyOptions{PairWindow: 500 * time.Millisecond})
	require.NoError(t, err)

	t.Cleanup(func() { _ = src.Close() })

	require.NoError(t, os.Rename(moved, filepath.Join(t.TempDir(), "a.cf")))

	// An atomic save of b.cf: temp sibling renamed over the original.
	tmp := filepath.Join(root, ".b.cf.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("saved"), 0o644))
	require.NoError(t, os.Rename(tmp, saved))

	require.Equal(t, watch.Event{Op: watch.OpDelete, Path: moved}, nextEvent(t, src))
}

func Test_FSNotifySource_Pairs_Rename_When_Target_Was_Created_Before(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	src := newSource(t, root)

	first := filepath.Join(root, "first.cf")
	touch(t, first)

	second := filepath.Join(root, "second.cf")
	require.NoError(t, os.Rename(first, second))

	require.Equal(t, watch.Event{Op: watch.OpRename, Path: first, NewPath: second}, nextEvent(t, src))

	third := filepath.Join(root, "third.cf")
	require.NoError(t, os.Rename(second, third))

	require.Equal(t, watch.Event{Op: watch.OpRename, Path: second, NewPath: third}, nextEvent(t, src))
}
