// Package config loads cfdoc settings from layered JSONC files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/cfdoc/internal/session"
)

// FileName is the project config file looked up in the working directory.
const FileName = ".cfdoc.json"

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrAppVersionEmpty    = errors.New("app_version cannot be empty")
)

// Config holds all configuration options.
type Config struct {
	AppVersion         string
	User               string
	LogLevel           string
	SaveAfterMigration bool
	KeepOldBackup      bool
	LockTimeout        time.Duration
	LeaseStaleAfter    time.Duration
	HeartbeatInterval  time.Duration

	// Resolved (not serialized)
	EffectiveCwd string
	Sources      Sources
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// fileConfig is the on-disk shape. Pointers tell unset from zero.
type fileConfig struct {
	AppVersion         *string `json:"app_version"`
	User               *string `json:"user"`
	LogLevel           *string `json:"log_level"`
	SaveAfterMigration *bool   `json:"save_after_migration"`
	KeepOldBackup      *bool   `json:"keep_old_backup"`
	LockTimeout        *string `json:"lock_timeout"`
	LeaseStaleAfter    *string `json:"lease_stale_after"`
	HeartbeatInterval  *string `json:"heartbeat_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:           "warn",
		SaveAfterMigration: true,
		LockTimeout:        5 * time.Second,
		LeaseStaleAfter:    2 * time.Minute,
		HeartbeatInterval:  30 * time.Second,
	}
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDirOverride   string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath        string            // -c/--config flag value
	AppVersion        string            // --app-version flag value; empty means no override
	LogLevel          string            // --log-level flag value; empty means no override
	DefaultAppVersion string            // version built into the binary, lowest precedence
	Env               map[string]string // environment variables
}

// Load resolves configuration with the following precedence (highest wins):
// 1. Defaults, including DefaultAppVersion
// 2. Global user config ($XDG_CONFIG_HOME/cfdoc/config.json or ~/.config/cfdoc/config.json)
// 3. Project config file (.cfdoc.json in the working directory, if present)
// 4. Explicit config file via ConfigPath (must exist)
// 5. CLI overrides.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()
	cfg.AppVersion = input.DefaultAppVersion
	cfg.User = input.Env["USER"]

	if path := globalPath(input.Env); path != "" {
		fc, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			if cfg, err = merge(cfg, fc); err != nil {
				return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
			}

			cfg.Sources.Global = path
		}
	}

	path, mustExist := filepath.Join(workDir, FileName), false

	if input.ConfigPath != "" {
		path, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}
	}

	fc, loaded, err := loadFile(path, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		if cfg, err = merge(cfg, fc); err != nil {
			return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
		}

		cfg.Sources.Project = path
	}

	if input.AppVersion != "" {
		cfg.AppVersion = input.AppVersion
	}

	if input.LogLevel != "" {
		cfg.LogLevel = input.LogLevel
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	return cfg, nil
}

// Session converts cfg into loader settings.
func (c Config) Session() session.Config {
	sc := session.DefaultConfig(c.AppVersion)
	sc.User = c.User
	sc.SaveAfterMigration = c.SaveAfterMigration
	sc.KeepOldBackup = c.KeepOldBackup
	sc.LockTimeout = c.LockTimeout
	sc.LeaseStaleAfter = c.LeaseStaleAfter
	sc.HeartbeatInterval = c.HeartbeatInterval

	return sc
}

// Level returns the parsed log level.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.WarnLevel
	}

	return lvl
}

// globalPath returns $XDG_CONFIG_HOME/cfdoc/config.json, falling back to
// ~/.config/cfdoc/config.json. Empty if neither variable is set.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "cfdoc", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "cfdoc", "config.json")
	}

	return ""
}

func loadFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if mustExist {
			return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return fileConfig{}, false, nil
	}

	fc, err := parse(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return fc, true, nil
}

func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(standardized, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return fc, nil
}

func merge(base Config, fc fileConfig) (Config, error) {
	if fc.AppVersion != nil {
		if *fc.AppVersion == "" {
			return Config{}, ErrAppVersionEmpty
		}

		base.AppVersion = *fc.AppVersion
	}

	if fc.User != nil {
		base.User = *fc.User
	}

	if fc.LogLevel != nil {
		base.LogLevel = *fc.LogLevel
	}

	if fc.SaveAfterMigration != nil {
		base.SaveAfterMigration = *fc.SaveAfterMigration
	}

	if fc.KeepOldBackup != nil {
		base.KeepOldBackup = *fc.KeepOldBackup
	}

	for _, d := range []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"lock_timeout", fc.LockTimeout, &base.LockTimeout},
		{"lease_stale_after", fc.LeaseStaleAfter, &base.LeaseStaleAfter},
		{"heartbeat_interval", fc.HeartbeatInterval, &base.HeartbeatInterval},
	} {
		if d.raw == nil {
			continue
		}

		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.name, err)
		}

		if v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive, got %s", d.name, *d.raw)
		}

		*d.dst = v
	}

	return base, nil
}

func validate(cfg Config) error {
	if cfg.AppVersion == "" {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, ErrAppVersionEmpty)
	}

	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrConfigInvalid, cfg.LogLevel)
	}

	if cfg.HeartbeatInterval >= cfg.LeaseStaleAfter {
		return fmt.Errorf("%w: heartbeat_interval %s must be shorter than lease_stale_after %s",
			ErrConfigInvalid, cfg.HeartbeatInterval, cfg.LeaseStaleAfter)
	}

	return nil
}
