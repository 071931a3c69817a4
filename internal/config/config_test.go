package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/cfdoc/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func Test_Load_Layers_Global_Project_And_Flags_When_All_Present(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	dir := t.TempDir()

	writeFile(t, filepath.Join(home, "cfdoc", "config.json"), `{
		// user defaults
		"app_version": "1.2",
		"keep_old_backup": true,
		"lease_stale_after": "10m",
	}`)
	writeFile(t, filepath.Join(dir, config.FileName), `{"app_version": "1.3", "save_after_migration": false}`)

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: dir,
		LogLevel:        "debug",
		Env:             map[string]string{"XDG_CONFIG_HOME": home, "USER": "alice"},
	})
	require.NoError(t, err)

	want := config.Config{
		AppVersion:         "1.3",
		User:               "alice",
		LogLevel:           "debug",
		SaveAfterMigration: false,
		KeepOldBackup:      true,
		LockTimeout:        5 * time.Second,
		LeaseStaleAfter:    10 * time.Minute,
		HeartbeatInterval:  30 * time.Second,
		EffectiveCwd:       dir,
		Sources: config.Sources{
			Global:  filepath.Join(home, "cfdoc", "config.json"),
			Project: filepath.Join(dir, config.FileName),
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	sc := cfg.Session()
	require.Equal(t, "1.3", sc.AppVersion)
	require.False(t, sc.SaveAfterMigration)
	require.True(t, sc.KeepOldBackup)
}

func Test_Load_Uses_Explicit_File_Instead_Of_Project_When_Flag_Set(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.FileName), `{"app_version": "1.3"}`)
	writeFile(t, filepath.Join(dir, "custom.json"), `{"app_version": "2.0"}`)

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: dir, ConfigPath: "custom.json"})
	require.NoError(t, err)
	require.Equal(t, "2.0", cfg.AppVersion)
	require.Equal(t, filepath.Join(dir, "custom.json"), cfg.Sources.Project)
}

func Test_Load_Returns_ErrConfigFileNotFound_When_Explicit_File_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(config.LoadInput{WorkDirOverride: t.TempDir(), ConfigPath: "nope.json", AppVersion: "1.3"})
	if !errors.Is(err, config.ErrConfigFileNotFound) {
		t.Fatalf("err=%v, want %v", err, config.ErrConfigFileNotFound)
	}
}

func Test_Load_Returns_ErrConfigInvalid_When_Values_Bad(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty app version":  `{"app_version": ""}`,
		"bad json":           `{"app_version": `,
		"bad duration":       `{"app_version": "1.3", "lock_timeout": "soon"}`,
		"negative duration":  `{"app_version": "1.3", "heartbeat_interval": "-1s"}`,
		"bad level":          `{"app_version": "1.3", "log_level": "loud"}`,
		"heartbeat too slow": `{"app_version": "1.3", "heartbeat_interval": "5m"}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, config.FileName), content)

			_, err := config.Load(config.LoadInput{WorkDirOverride: dir})
			if !errors.Is(err, config.ErrConfigInvalid) {
				t.Fatalf("err=%v, want %v", err, config.ErrConfigInvalid)
			}
		})
	}
}

func Test_Load_Requires_App_Version_When_No_Source_Sets_It(t *testing.T) {
	t.Parallel()

	_, err := config.Load(config.LoadInput{WorkDirOverride: t.TempDir()})
	if !errors.Is(err, config.ErrAppVersionEmpty) {
		t.Fatalf("err=%v, want %v", err, config.ErrAppVersionEmpty)
	}
}
