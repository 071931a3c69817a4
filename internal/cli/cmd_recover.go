package cli

import (
	"context"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/workdir"
)

// RecoverCmd returns the recover command.
func RecoverCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("recover", flag.ContinueOnError),
		Usage: "recover <file>",
		Short: "Report whether a leftover working directory can be recovered",
		Long: `Inspect the working directory of a document without changing it. Reports
whether it exists, who holds its lease and whether its database starts.
Use "open" to actually recover it.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return ErrFileRequired
			}

			wd := workdir.New(a.fs, a.abs(args[0]), workdir.Options{LockTimeout: a.cfg.LockTimeout})
			wd.SetLogger(a.logger)

			o.Println("work_dir=" + wd.Dir())

			present, err := wd.Exists()
			if err != nil {
				return err
			}

			o.Printf("exists=%t\n", present)

			if !present {
				o.Println("recoverable=false")

				return nil
			}

			lease, held, err := wd.ReadLease()
			if err != nil {
				return err
			}

			live := held && lease.Active(time.Now(), a.cfg.LeaseStaleAfter)

			if held {
				o.Println("lease_owner=" + lease.Owner)
				o.Println("lease_host=" + lease.Host)
				o.Printf("lease_pid=%d\n", lease.PID)
				o.Println("lease_heartbeat=" + lease.Heartbeat.Format(time.RFC3339))
			}

			o.Printf("lease_active=%t\n", live)

			if live {
				o.Println("recoverable=false")
				o.Warn("document is open in another session", "close it there before recovering")

				return nil
			}

			o.Printf("recoverable=%t\n", loadable(ctx, a, wd))

			return nil
		},
	}
}

// loadable starts the database of wd and loads the model, then stops again.
func loadable(ctx context.Context, a *app, wd *workdir.Manager) bool {
	dataDir, err := wd.DataDir()
	if err != nil {
		return false
	}

	db := docdb.New(a.fs)
	db.SetLogger(a.logger)

	if err := db.Start(ctx, dataDir); err != nil {
		a.logger.Debug().Err(err).Msg("start for recovery check")

		return false
	}

	defer func() { _ = db.Stop() }()

	_, err = db.LoadModel(ctx)

	return err == nil
}
