package session_test

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/cfdoc/internal/archive"
	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/session"
	"github.com/calvinalkan/cfdoc/pkg/fs"
)

// prompter answers Confirm from script in order, then from answer, and
// records every call.
type prompter struct {
	mu       sync.Mutex
	answer   bool
	script   []bool
	confirms []string
	warns    []string
	errs     []string
}

func (p *prompter) Confirm(q string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.confirms = append(p.confirms, q)

	if len(p.script) > 0 {
		next := p.script[0]
		p.script = p.script[1:]

		return next
	}

	return p.answer
}

func (p *prompter) Warn(m string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.warns = append(p.warns, m)
}

func (p *prompter) Error(m string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.errs = append(p.errs, m)
}

func (p *prompter) counts() (confirms, warns, errs int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.confirms), len(p.warns), len(p.errs)
}

func newLoader(t *testing.T, fsys fs.FS, p session.Prompter, appVersion string, tweak ...func(*session.Config)) *session.Loader {
	t.Helper()

	cfg := session.DefaultConfig(appVersion)
	cfg.User = "alice"

	for _, fn := range tweak {
		fn(&cfg)
	}

	l, err := session.NewLoader(fsys, p, cfg)
	require.NoError(t, err)

	return l
}

// writeDocument builds proj.cf in a fresh temp dir with a database at
// version plus extra root files.
func writeDocument(t *testing.T, version string, extra map[string]string) string {
	t.Helper()

	src := t.TempDir()
	require.NoError(t, docdb.Create(t.Context(), fs.NewReal(), filepath.Join(src, "data"), docdb.Model{
		ID:          "model-1",
		Application: "demo",
		Version:     version,
	}))

	for name, content := range extra {
		writeFile(t, filepath.Join(src, filepath.FromSlash(name)), content)
	}

	return packDocument(t, src)
}

func packDocument(t *testing.T, src string) string {
	t.Helper()

	var buf bytes.Buffer
	_, err := archive.Pack(fs.NewReal(), src, &buf)
	require.NoError(t, err)

	docPath := filepath.Join(t.TempDir(), "proj.cf")
	require.NoError(t, os.WriteFile(docPath, buf.Bytes(), 0o644))

	return docPath
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// extractTree expands docPath into a temp dir and returns its files.
func extractTree(t *testing.T, docPath string) map[string]string {
	t.Helper()

	dst := t.TempDir()
	require.NoError(t, archive.Extract(fs.NewReal(), docPath, dst))

	return readTree(t, dst)
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()

	got := map[string]string{}

	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		rel, _ := filepath.Rel(root, p)

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}

		got[filepath.ToSlash(rel)] = string(data)

		return nil
	})
	require.NoError(t, err)

	return got
}

func exists(t *testing.T, path string) bool {
	t.Helper()

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}

	require.NoError(t, err)

	return true
}

func siblings(t *testing.T, docPath string) []string {
	t.Helper()

	entries, err := os.ReadDir(filepath.Dir(docPath))
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}
