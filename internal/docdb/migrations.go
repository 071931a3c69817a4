package docdb

import (
	"context"
	"fmt"
	"time"
)

// ConfigEntry is one value of the imported schema configuration.
type ConfigEntry struct {
	Section string
	Key     string
	Value   string
}

// MigrationRecord is one row of the migration log.
type MigrationRecord struct {
	Step    string
	Changed bool
	Error   string
	RanAt   time.Time
}

// DedupAssessments removes duplicate assessments left by an old defect: for
// each (role, user, subelement or element, tag) only the most recently
// updated record survives. It returns the number of removed rows.
func (d *DB) DedupAssessments(ctx context.Context) (int64, error) {
	db, release, err := d.conn()
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := db.ExecContext(ctx, `
		DELETE FROM assessments WHERE id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY role, user_id,
						CASE WHEN subelement <> '' THEN subelement ELSE element END, tag
					ORDER BY CASE WHEN date_update <> '' THEN date_update ELSE date_creation END DESC, id DESC
				) AS rn
				FROM assessments
			) WHERE rn = 1
		)`)
	if err != nil {
		return 0, fmt.Errorf("dedup assessments: %w", err)
	}

	return res.RowsAffected()
}

// NormalizeEvidencePaths rewrites backslash separators in evidence paths to
// forward slashes. It returns the number of rewritten rows.
func (d *DB) NormalizeEvidencePaths(ctx context.Context) (int64, error) {
	db, release, err := d.conn()
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := db.ExecContext(ctx,
		`UPDATE evidence SET path = replace(path, char(92), '/') WHERE instr(path, char(92)) > 0`)
	if err != nil {
		return 0, fmt.Errorf("normalize evidence paths: %w", err)
	}

	return res.RowsAffected()
}

// ImportConfiguration upserts entries in one transaction and returns how many
// rows were inserted or actually changed.
func (d *DB) ImportConfiguration(ctx context.Context, entries []ConfigEntry) (int64, error) {
	db, release, err := d.conn()
	if err != nil {
		return 0, err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO schema_config (section, key, value) VALUES (?, ?, ?)
		ON CONFLICT(section, key) DO UPDATE SET value = excluded.value WHERE value <> excluded.value`)
	if err != nil {
		return 0, fmt.Errorf("prepare import: %w", err)
	}
	defer stmt.Close()

	var changed int64

	for _, e := range entries {
		res, err := stmt.ExecContext(ctx, e.Section, e.Key, e.Value)
		if err != nil {
			return 0, fmt.Errorf("import %s.%s: %w", e.Section, e.Key, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("import %s.%s: %w", e.Section, e.Key, err)
		}

		changed += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}

	return changed, nil
}

// SchemaConfig returns the imported configuration ordered by section and key.
func (d *DB) SchemaConfig(ctx context.Context) ([]ConfigEntry, error) {
	db, release, err := d.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, `SELECT section, key, value FROM schema_config ORDER BY section, key`)
	if err != nil {
		return nil, fmt.Errorf("load schema config: %w", err)
	}
	defer rows.Close()

	var out []ConfigEntry

	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.Section, &e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan schema config: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

// RecordMigration appends r to the migration log.
func (d *DB) RecordMigration(ctx context.Context, r MigrationRecord) error {
	db, release, err := d.conn()
	if err != nil {
		return err
	}
	defer release()

	if r.RanAt.IsZero() {
		r.RanAt = time.Now()
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO migration_log (step, changed, error, ran_at) VALUES (?, ?, ?, ?)`,
		r.Step, r.Changed, r.Error, formatTime(r.RanAt))
	if err != nil {
		return fmt.Errorf("record migration %q: %w", r.Step, err)
	}

	return nil
}

// MigrationLog returns the log oldest first.
func (d *DB) MigrationLog(ctx context.Context) ([]MigrationRecord, error) {
	db, release, err := d.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, `SELECT step, changed, error, ran_at FROM migration_log ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load migration log: %w", err)
	}
	defer rows.Close()

	var out []MigrationRecord

	for rows.Next() {
		var (
			r     MigrationRecord
			ranAt string
		)

		if err := rows.Scan(&r.Step, &r.Changed, &r.Error, &ranAt); err != nil {
			return nil, fmt.Errorf("scan migration log: %w", err)
		}

		r.RanAt, _ = time.Parse(timeLayout, ranAt)
		out = append(out, r)
	}

	return out, rows.Err()
}
