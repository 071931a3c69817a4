package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/pkg/fs"
)

// Step names as written to the migration log.
const (
	StepDedupAssessments   = "dedup-assessments"
	StepNormalizeEvidence  = "normalize-evidence-paths"
	StepImportLegacySchema = "import-legacy-schema"
)

// LegacySchemaFile is the deprecated schema file at the archive root.
const LegacySchemaFile = "cf-schema.yml"

// BackupFolder receives consumed legacy files.
const BackupFolder = "backup"

// Store is the database surface the standard steps need.
type Store interface {
	Recorder
	DedupAssessments(ctx context.Context) (int64, error)
	NormalizeEvidencePaths(ctx context.Context) (int64, error)
	ImportConfiguration(ctx context.Context, entries []docdb.ConfigEntry) (int64, error)
}

// DefaultSteps returns the standard passes in order: assessment dedup and
// evidence path normalization (both tolerant), then the legacy schema import
// from workDir, which must succeed.
func DefaultSteps(fsys fs.FS, store Store, workDir string, logger zerolog.Logger) []Step {
	return []Step{
		{
			Name:     StepDedupAssessments,
			Tolerant: true,
			Run: func(ctx context.Context) (bool, error) {
				n, err := store.DedupAssessments(ctx)

				return n > 0, err
			},
		},
		{
			Name:     StepNormalizeEvidence,
			Tolerant: true,
			Run: func(ctx context.Context) (bool, error) {
				n, err := store.NormalizeEvidencePaths(ctx)

				return n > 0, err
			},
		},
		{
			Name: StepImportLegacySchema,
			Run: func(ctx context.Context) (bool, error) {
				return importLegacySchema(ctx, fsys, store, workDir, logger)
			},
		},
	}
}

// importLegacySchema loads cf-schema.yml into the database and moves it to
// the backup folder. The file is never deleted. A failed move is logged: the
// import already happened and re-importing the same values is a no-op. It
// reports a change only when a value changed or the file was moved.
func importLegacySchema(ctx context.Context, fsys fs.FS, store Store, workDir string, logger zerolog.Logger) (bool, error) {
	src := filepath.Join(workDir, LegacySchemaFile)

	data, err := fsys.ReadFile(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("read %s: %w", LegacySchemaFile, err)
	}

	entries, err := ParseSchema(data)
	if err != nil {
		return false, err
	}

	n, err := store.ImportConfiguration(ctx, entries)
	if err != nil {
		return false, err
	}

	logger.Info().Int64("values", n).Str("work_dir", workDir).Msg("imported legacy schema")

	moved := true
	if err := moveToBackup(fsys, workDir, src); err != nil {
		logger.Warn().Err(err).Str("file", src).Msg("move legacy schema to backup")

		moved = false
	}

	return n > 0 || moved, nil
}

func moveToBackup(fsys fs.FS, workDir, src string) error {
	backup := filepath.Join(workDir, BackupFolder)
	if err := fsys.MkdirAll(backup, 0o755); err != nil {
		return err
	}

	dst := filepath.Join(backup, filepath.Base(src))
	if err := fsys.RemoveAll(dst); err != nil {
		return err
	}

	return fsys.Rename(src, dst)
}

// ParseSchema flattens a legacy schema YAML document into config entries.
// Top level keys become sections; nested keys are joined with dots. Lists
// and other non scalar leaves are stored as inline YAML.
func ParseSchema(data []byte) ([]docdb.ConfigEntry, error) {
	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse %s: %w", LegacySchemaFile, err)
	}

	var out []docdb.ConfigEntry

	for section, v := range root {
		nested, ok := v.(map[string]any)
		if !ok {
			val, err := leafString(v)
			if err != nil {
				return nil, err
			}

			out = append(out, docdb.ConfigEntry{Key: section, Value: val})

			continue
		}

		if err := flatten(section, "", nested, &out); err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Section != out[j].Section {
			return out[i].Section < out[j].Section
		}

		return out[i].Key < out[j].Key
	})

	return out, nil
}

func flatten(section, prefix string, m map[string]any, out *[]docdb.ConfigEntry) error {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]any); ok {
			if err := flatten(section, key, nested, out); err != nil {
				return err
			}

			continue
		}

		val, err := leafString(v)
		if err != nil {
			return err
		}

		*out = append(*out, docdb.ConfigEntry{Section: section, Key: key, Value: val})
	}

	return nil
}

func leafString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool, int, int64, float64:
		return fmt.Sprint(t), nil
	}

	b, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode schema value: %w", err)
	}

	return strings.TrimSpace(string(b)), nil
}
