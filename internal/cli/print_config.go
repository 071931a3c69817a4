package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cfdoc/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg *config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			execPrintConfig(io, cfg)

			return nil
		},
	}
}

func execPrintConfig(io *IO, cfg *config.Config) {
	io.Println("effective_cwd=" + cfg.EffectiveCwd)
	io.Println("app_version=" + cfg.AppVersion)

	if cfg.User != "" {
		io.Println("user=" + cfg.User)
	}

	io.Println("log_level=" + cfg.LogLevel)
	io.Printf("save_after_migration=%t\n", cfg.SaveAfterMigration)
	io.Printf("keep_old_backup=%t\n", cfg.KeepOldBackup)
	io.Println("lock_timeout=" + cfg.LockTimeout.String())
	io.Println("lease_stale_after=" + cfg.LeaseStaleAfter.String())
	io.Println("heartbeat_interval=" + cfg.HeartbeatInterval.String())

	io.Println("")
	io.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		io.Println("(defaults only)")

		return
	}

	if cfg.Sources.Global != "" {
		io.Println("global_config=" + cfg.Sources.Global)
	}

	if cfg.Sources.Project != "" {
		io.Println("project_config=" + cfg.Sources.Project)
	}
}
