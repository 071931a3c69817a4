package migrate_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/migrate"
	"github.com/calvinalkan/cfdoc/pkg/fs"
)

type memRecorder struct {
	records []docdb.MigrationRecord
}

func (m *memRecorder) RecordMigration(_ context.Context, r docdb.MigrationRecord) error {
	m.records = append(m.records, r)

	return nil
}

func Test_Runner_Continues_When_Tolerant_Step_Fails(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var ran []string

	steps := []migrate.Step{
		{Name: "a", Tolerant: true, Run: tracked(&ran, "a", false, boom)},
		{Name: "b", Tolerant: true, Run: tracked(&ran, "b", true, nil)},
		{Name: "c", Run: tracked(&ran, "c", false, nil)},
	}

	rec := &memRecorder{}

	res, err := migrate.NewRunner(steps, rec).Run(t.Context())
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Equal(t, []string{"a", "b", "c"}, ran)

	var logged []string
	for _, r := range rec.records {
		logged = append(logged, r.Step)
	}

	require.Equal(t, []string{"a", "b"}, logged)
	require.Equal(t, "boom", rec.records[0].Error)
}

func Test_Runner_Stops_When_Intolerant_Step_Fails(t *testing.T) {
	t.Parallel()

	boom := errors.New("import failed")
	var ran []string

	steps := []migrate.Step{
		{Name: "c", Run: tracked(&ran, "c", false, boom)},
		{Name: "d", Tolerant: true, Run: tracked(&ran, "d", false, nil)},
	}

	_, err := migrate.NewRunner(steps, nil).Run(t.Context())
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}

	if diff := cmp.Diff([]string{"c"}, ran); diff != "" {
		t.Fatalf("ran mismatch (-want +got):\n%s", diff)
	}
}

func Test_DefaultSteps_Are_Idempotent_When_Run_Twice(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	workDir := t.TempDir()
	dataDir := filepath.Join(workDir, "data")

	require.NoError(t, docdb.Create(ctx, fs.NewReal(), dataDir, docdb.Model{ID: "m"}))

	db := docdb.New(fs.NewReal())
	require.NoError(t, db.Start(ctx, dataDir))
	t.Cleanup(func() { _ = db.Stop() })

	u, err := db.InsertUser(ctx, "alice")
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		_, err := db.InsertAssessment(ctx, docdb.Assessment{Role: "r", UserID: u.ID, Element: "E", DateCreation: base.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}

	_, err = db.InsertEvidence(ctx, docdb.Evidence{Path: `a\b.txt`})
	require.NoError(t, err)

	schema := "pcmm:\n  levels: 3\n  phases:\n    - a\n    - b\nversion: 2\n"
	require.NoError(t, os.WriteFile(filepath.Join(workDir, migrate.LegacySchemaFile), []byte(schema), 0o644))

	runner := migrate.NewRunner(migrate.DefaultSteps(fs.NewReal(), db, workDir, zerolog.Nop()), db)

	first, err := runner.Run(ctx)
	require.NoError(t, err)
	require.True(t, first.Changed)

	for _, s := range first.Steps {
		require.True(t, s.Changed, "step %s", s.Name)
	}

	stateAfterFirst := snapshot(t, db)

	second, err := runner.Run(ctx)
	require.NoError(t, err)
	require.False(t, second.Changed)

	if diff := cmp.Diff(stateAfterFirst, snapshot(t, db)); diff != "" {
		t.Fatalf("state changed on second run (-first +second):\n%s", diff)
	}

	if _, err := os.Stat(filepath.Join(workDir, migrate.BackupFolder, migrate.LegacySchemaFile)); err != nil {
		t.Fatalf("legacy schema not moved to backup: %v", err)
	}

	log, err := db.MigrationLog(ctx)
	require.NoError(t, err)
	require.Len(t, log, 3)
}

func Test_DefaultSteps_Propagate_Import_Failure_When_Schema_Invalid(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	workDir := t.TempDir()
	dataDir := filepath.Join(workDir, "data")

	require.NoError(t, docdb.Create(ctx, fs.NewReal(), dataDir, docdb.Model{ID: "m"}))

	db := docdb.New(fs.NewReal())
	require.NoError(t, db.Start(ctx, dataDir))
	t.Cleanup(func() { _ = db.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(workDir, migrate.LegacySchemaFile), []byte("a: [unclosed"), 0o644))

	_, err := migrate.NewRunner(migrate.DefaultSteps(fs.NewReal(), db, workDir, zerolog.Nop()), db).Run(ctx)
	require.Error(t, err)

	if _, statErr := os.Stat(filepath.Join(workDir, migrate.LegacySchemaFile)); statErr != nil {
		t.Fatalf("legacy schema should stay in place after failed import: %v", statErr)
	}
}

func Test_DefaultSteps_Report_Import_When_Backup_Move_Fails(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	workDir := t.TempDir()
	dataDir := filepath.Join(workDir, "data")

	require.NoError(t, docdb.Create(ctx, fs.NewReal(), dataDir, docdb.Model{ID: "m"}))

	db := docdb.New(fs.NewReal())
	require.NoError(t, db.Start(ctx, dataDir))
	t.Cleanup(func() { _ = db.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(workDir, migrate.LegacySchemaFile), []byte("a: 1\n"), 0o644))

	faulty := fs.NewFaulty(fs.NewReal())
	faulty.FailOn(fs.OpRename, migrate.LegacySchemaFile, 0)

	res, err := migrate.NewRunner(migrate.DefaultSteps(faulty, db, workDir, zerolog.Nop()), db).Run(ctx)
	require.NoError(t, err)
	require.True(t, res.Changed)

	cfg, err := db.SchemaConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, []docdb.ConfigEntry{{Key: "a", Value: "1"}}, cfg)
}

func Test_DefaultSteps_Report_No_Change_When_Schema_Already_Imported_And_Move_Fails(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	workDir := t.TempDir()
	dataDir := filepath.Join(workDir, "data")

	require.NoError(t, docdb.Create(ctx, fs.NewReal(), dataDir, docdb.Model{ID: "m"}))

	db := docdb.New(fs.NewReal())
	require.NoError(t, db.Start(ctx, dataDir))
	t.Cleanup(func() { _ = db.Stop() })

	_, err := db.ImportConfiguration(ctx, []docdb.ConfigEntry{{Key: "a", Value: "1"}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(workDir, migrate.LegacySchemaFile), []byte("a: 1\n"), 0o644))

	faulty := fs.NewFaulty(fs.NewReal())
	faulty.FailOn(fs.OpRename, migrate.LegacySchemaFile, 0)

	res, err := migrate.NewRunner(migrate.DefaultSteps(faulty, db, workDir, zerolog.Nop()), db).Run(ctx)
	require.NoError(t, err)
	require.False(t, res.Changed)

	if _, statErr := os.Stat(filepath.Join(workDir, migrate.LegacySchemaFile)); statErr != nil {
		t.Fatalf("legacy schema should stay in place when the move fails: %v", statErr)
	}
}

func Test_ParseSchema_Flattens_Nested_Keys(t *testing.T) {
	t.Parallel()

	got, err := migrate.ParseSchema([]byte("pcmm:\n  levels: 3\n  colors:\n    red: \"#f00\"\n  phases: [a, b]\nname: demo\n"))
	require.NoError(t, err)

	want := []docdb.ConfigEntry{
		{Key: "name", Value: "demo"},
		{Section: "pcmm", Key: "colors.red", Value: "#f00"},
		{Section: "pcmm", Key: "levels", Value: "3"},
		{Section: "pcmm", Key: "phases", Value: "- a\n- b"},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
}

func tracked(ran *[]string, name string, changed bool, err error) func(context.Context) (bool, error) {
	return func(context.Context) (bool, error) {
		*ran = append(*ran, name)

		return changed, err
	}
}

type snapshotState struct {
	Assessments []docdb.Assessment
	Evidence    []docdb.Evidence
	Config      []docdb.ConfigEntry
}

func snapshot(t *testing.T, db *docdb.DB) snapshotState {
	t.Helper()

	a, err := db.Assessments(t.Context())
	require.NoError(t, err)

	e, err := db.AllEvidence(t.Context())
	require.NoError(t, err)

	c, err := db.SchemaConfig(t.Context())
	require.NoError(t, err)

	return snapshotState{Assessments: a, Evidence: e, Config: c}
}
