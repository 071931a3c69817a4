package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/pkg/fs"
)

// SetupFile is the optional document setup at the archive root.
const SetupFile = "setup.yml"

// SessionCache is a read-only snapshot of the document state a session
// needs constantly. It is never mutated after load; reloading produces a
// new snapshot and earlier snapshots stay valid.
type SessionCache struct {
	model    docdb.Model
	global   map[string]string
	user     docdb.User
	setup    map[string]any
	loadedAt time.Time
}

// Model returns the root record.
func (c *SessionCache) Model() docdb.Model { return c.model }

// User returns the current user. ID is zero for users not yet in the document.
func (c *SessionCache) User() docdb.User { return c.user }

// LoadedAt returns when the snapshot was taken.
func (c *SessionCache) LoadedAt() time.Time { return c.loadedAt }

// GlobalConfig returns a copy of the global configuration.
func (c *SessionCache) GlobalConfig() map[string]string { return maps.Clone(c.global) }

// Setting returns one global configuration value.
func (c *SessionCache) Setting(key string) (string, bool) {
	v, ok := c.global[key]

	return v, ok
}

// Setup returns a shallow copy of setup.yml, or nil when the document has none.
func (c *SessionCache) Setup() map[string]any { return maps.Clone(c.setup) }

// withModel returns a copy of c carrying m.
func (c *SessionCache) withModel(m docdb.Model) *SessionCache {
	next := *c
	next.model = m

	return &next
}

type cacheSource interface {
	LoadModel(ctx context.Context) (docdb.Model, error)
	GlobalConfig(ctx context.Context) (map[string]string, error)
	CurrentUser(ctx context.Context, name string) (docdb.User, error)
}

func loadCache(ctx context.Context, src cacheSource, fsys fs.FS, workDir, userName string, now time.Time) (*SessionCache, error) {
	model, err := src.LoadModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	global, err := src.GlobalConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load global config: %w", err)
	}

	user, err := src.CurrentUser(ctx, userName)
	if err != nil {
		return nil, fmt.Errorf("load current user: %w", err)
	}

	setup, err := readSetup(fsys, filepath.Join(workDir, SetupFile))
	if err != nil {
		return nil, err
	}

	return &SessionCache{model: model, global: global, user: user, setup: setup, loadedAt: now}, nil
}

func readSetup(fsys fs.FS, path string) (map[string]any, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read %s: %w", SetupFile, err)
	}

	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SetupFile, err)
	}

	return out, nil
}
