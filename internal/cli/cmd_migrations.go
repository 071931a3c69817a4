package cli

import (
	"context"
	"errors"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/session"
)

var errNoMigrationLog = errors.New("services do not expose a migration log")

type migrationLogger interface {
	MigrationLog(ctx context.Context) ([]docdb.MigrationRecord, error)
}

// MigrationsCmd returns the migrations command.
func MigrationsCmd(a *app) *Command {
	flags := flag.NewFlagSet("migrations", flag.ContinueOnError)
	answer := answerFlags(flags)

	return &Command{
		Flags: flags,
		Usage: "migrations <file> [--yes|--no]",
		Short: "Open a document and print its migration log",
		Long: `Open a document (upgrading it if needed) and print every recorded
migration step: when it ran, whether it changed anything and its error.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return ErrFileRequired
			}

			force, err := answer()
			if err != nil {
				return err
			}

			return withSession(ctx, a, o, args[0], force, true, func(ctx context.Context, s *session.Session) error {
				var records []docdb.MigrationRecord

				err := s.Do(ctx, func(ctx context.Context, svc session.Services) error {
					log, ok := svc.(migrationLogger)
					if !ok {
						return errNoMigrationLog
					}

					var err error

					records, err = log.MigrationLog(ctx)

					return err
				})
				if err != nil {
					return err
				}

				if len(records) == 0 {
					o.Println("no migrations recorded")

					return nil
				}

				for _, r := range records {
					status := "unchanged"
					if r.Changed {
						status = "changed"
					}

					if r.Error != "" {
						status = "failed: " + r.Error
					}

					o.Printf("%s\t%s\t%s\n", r.RanAt.Format(time.RFC3339), r.Step, status)
				}

				return nil
			})
		},
	}
}
