package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/session"
)

// NewCmd returns the new command.
func NewCmd(a *app) *Command {
	flags := flag.NewFlagSet("new", flag.ContinueOnError)
	id := flags.String("id", "", "Model identifier (random if empty)")
	application := flags.String("application", "", "Application under assessment")
	contact := flags.String("contact", "", "Contact for the model")

	return &Command{
		Flags: flags,
		Usage: "new <file> [flags]",
		Short: "Create an empty document",
		Long:  "Create a new document holding only its model record, stamped with the application version.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return ErrFileRequired
			}

			docPath := a.abs(args[0])

			model := docdb.Model{
				ID:            *id,
				Application:   *application,
				Contact:       *contact,
				VersionOrigin: a.cfg.AppVersion,
				Version:       a.cfg.AppVersion,
			}

			if err := session.CreateDocument(ctx, a.fs, docPath, model); err != nil {
				return fmt.Errorf("create %s: %w", args[0], err)
			}

			o.Println("created", docPath)

			return nil
		},
	}
}
