package docdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Model is the single root record of a document. Version is the only place
// the document version is persisted.
type Model struct {
	ID            string
	Application   string
	Contact       string
	VersionOrigin string
	Version       string
}

// User is an entry of the users table.
type User struct {
	ID   int64
	Name string
}

// Evidence is a file reference attached to an element.
type Evidence struct {
	ID      int64
	Name    string
	Path    string
	Element string
}

// Assessment is one scoring record of a user in a role.
type Assessment struct {
	ID           int64
	Role         string
	UserID       int64
	Element      string
	Subelement   string
	Level        string
	Comment      string
	Tag          string
	DateCreation time.Time
	DateUpdate   time.Time
}

// LoadModel returns the root record.
func (d *DB) LoadModel(ctx context.Context) (Model, error) {
	db, release, err := d.conn()
	if err != nil {
		return Model{}, err
	}
	defer release()

	var m Model

	err = db.QueryRowContext(ctx,
		`SELECT id, application, contact, version_origin, version FROM model ORDER BY rowid LIMIT 1`,
	).Scan(&m.ID, &m.Application, &m.Contact, &m.VersionOrigin, &m.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Model{}, ErrNoModel
	}

	if err != nil {
		return Model{}, fmt.Errorf("load model: %w", err)
	}

	return m, nil
}

// UpdateModel overwrites the root record identified by m.ID.
func (d *DB) UpdateModel(ctx context.Context, m Model) error {
	db, release, err := d.conn()
	if err != nil {
		return err
	}
	defer release()

	res, err := db.ExecContext(ctx,
		`UPDATE model SET application = ?, contact = ?, version_origin = ?, version = ? WHERE id = ?`,
		m.Application, m.Contact, m.VersionOrigin, m.Version, m.ID)
	if err != nil {
		return fmt.Errorf("update model: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update model: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("%w: id %q", ErrNoModel, m.ID)
	}

	return nil
}

func insertModel(ctx context.Context, db *sql.DB, m Model) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO model (id, application, contact, version_origin, version) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Application, m.Contact, m.VersionOrigin, m.Version)
	if err != nil {
		return fmt.Errorf("insert model: %w", err)
	}

	return nil
}

// GlobalConfig returns all global configuration values.
func (d *DB) GlobalConfig(ctx context.Context) (map[string]string, error) {
	db, release, err := d.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM global_config`)
	if err != nil {
		return nil, fmt.Errorf("load global config: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan global config: %w", err)
		}

		out[k] = v
	}

	return out, rows.Err()
}

// PutGlobalConfig sets one global configuration value.
func (d *DB) PutGlobalConfig(ctx context.Context, key, value string) error {
	db, release, err := d.conn()
	if err != nil {
		return err
	}
	defer release()

	_, err = db.ExecContext(ctx,
		`INSERT INTO global_config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("put global config %q: %w", key, err)
	}

	return nil
}

// CurrentUser looks up the user named name. A user that has never edited the
// document is returned with ID 0; the lookup never writes.
func (d *DB) CurrentUser(ctx context.Context, name string) (User, error) {
	db, release, err := d.conn()
	if err != nil {
		return User{}, err
	}
	defer release()

	u := User{Name: name}

	err = db.QueryRowContext(ctx, `SELECT id FROM users WHERE name = ?`, name).Scan(&u.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("load user %q: %w", name, err)
	}

	return u, nil
}

// InsertUser adds a user and returns it with its id.
func (d *DB) InsertUser(ctx context.Context, name string) (User, error) {
	db, release, err := d.conn()
	if err != nil {
		return User{}, err
	}
	defer release()

	res, err := db.ExecContext(ctx, `INSERT INTO users (name) VALUES (?)`, name)
	if err != nil {
		return User{}, fmt.Errorf("insert user %q: %w", name, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("insert user %q: %w", name, err)
	}

	return User{ID: id, Name: name}, nil
}

// InsertAssessment stores a and returns its id.
func (d *DB) InsertAssessment(ctx context.Context, a Assessment) (int64, error) {
	db, release, err := d.conn()
	if err != nil {
		return 0, err
	}
	defer release()

	var updated string
	if !a.DateUpdate.IsZero() {
		updated = formatTime(a.DateUpdate)
	}

	res, err := db.ExecContext(ctx,
		`INSERT INTO assessments (role, user_id, element, subelement, level, comment, tag, date_creation, date_update)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Role, a.UserID, a.Element, a.Subelement, a.Level, a.Comment, a.Tag, formatTime(a.DateCreation), updated)
	if err != nil {
		return 0, fmt.Errorf("insert assessment: %w", err)
	}

	return res.LastInsertId()
}

// Assessments returns every assessment ordered by id.
func (d *DB) Assessments(ctx context.Context) ([]Assessment, error) {
	db, release, err := d.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx,
		`SELECT id, role, user_id, element, subelement, level, comment, tag, date_creation, date_update
		 FROM assessments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	var out []Assessment

	for rows.Next() {
		var (
			a                Assessment
			created, updated string
		)

		err := rows.Scan(&a.ID, &a.Role, &a.UserID, &a.Element, &a.Subelement, &a.Level, &a.Comment, &a.Tag, &created, &updated)
		if err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}

		a.DateCreation, _ = time.Parse(timeLayout, created)

		if updated != "" {
			a.DateUpdate, _ = time.Parse(timeLayout, updated)
		}

		out = append(out, a)
	}

	return out, rows.Err()
}

// InsertEvidence stores e and returns its id.
func (d *DB) InsertEvidence(ctx context.Context, e Evidence) (int64, error) {
	db, release, err := d.conn()
	if err != nil {
		return 0, err
	}
	defer release()

	res, err := db.ExecContext(ctx,
		`INSERT INTO evidence (name, path, element) VALUES (?, ?, ?)`, e.Name, e.Path, e.Element)
	if err != nil {
		return 0, fmt.Errorf("insert evidence: %w", err)
	}

	return res.LastInsertId()
}

// EvidenceByPath returns the evidence referencing path.
func (d *DB) EvidenceByPath(ctx context.Context, path string) ([]Evidence, error) {
	return d.queryEvidence(ctx, `SELECT id, name, path, element FROM evidence WHERE path = ? ORDER BY id`, path)
}

// AllEvidence returns every evidence record ordered by id.
func (d *DB) AllEvidence(ctx context.Context) ([]Evidence, error) {
	return d.queryEvidence(ctx, `SELECT id, name, path, element FROM evidence ORDER BY id`)
}

func (d *DB) queryEvidence(ctx context.Context, query string, args ...any) ([]Evidence, error) {
	db, release, err := d.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	var out []Evidence

	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.ID, &e.Name, &e.Path, &e.Element); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}
