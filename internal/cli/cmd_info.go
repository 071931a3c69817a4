package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cfdoc/internal/archive"
	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/version"
	"github.com/calvinalkan/cfdoc/internal/workdir"
)

// InfoCmd returns the info command.
func InfoCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("info", flag.ContinueOnError),
		Usage: "info <file>",
		Short: "Show archive contents and document version",
		Long: `List the entries of a document archive and read its persisted model record.
The database is read from a private temp copy; the working directory next to
the document is not touched.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return ErrFileRequired
			}

			docPath := a.abs(args[0])

			entries, err := archive.List(a.fs, docPath)
			if err != nil {
				return err
			}

			for _, e := range entries {
				if e.IsDir {
					o.Println(e.Name)

					continue
				}

				o.Printf("%s\t%d\n", e.Name, e.Size)
			}

			model, err := readModel(ctx, a, docPath)
			if err != nil {
				return err
			}

			o.Println()
			o.Println("id=" + model.ID)
			o.Println("application=" + model.Application)
			o.Println("version=" + model.Version)
			o.Println("version_origin=" + model.VersionOrigin)
			o.Println("app_version=" + a.cfg.AppVersion)
			o.Println("decision=" + version.Check(a.cfg.AppVersion, model.Version).String())

			return nil
		},
	}
}

func exists(a *app, path string) bool {
	ok, err := a.fs.Exists(path)

	return err == nil && ok
}

// readModel extracts docPath into a temp dir and loads its model record.
func readModel(ctx context.Context, a *app, docPath string) (docdb.Model, error) {
	tmp, err := os.MkdirTemp("", "cfdoc-info-")
	if err != nil {
		return docdb.Model{}, fmt.Errorf("create temp dir: %w", err)
	}

	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			a.logger.Warn().Err(err).Str("dir", tmp).Msg("remove temp dir")
		}
	}()

	if err := archive.Extract(a.fs, docPath, tmp); err != nil {
		return docdb.Model{}, err
	}

	db := docdb.New(a.fs)
	db.SetLogger(a.logger)

	dataDir := filepath.Join(tmp, workdir.DataFolder)

	// Old archives nest everything in a working dir folder.
	if !exists(a, dataDir) {
		if nested := filepath.Join(tmp, workdir.Prefix, workdir.DataFolder); exists(a, nested) {
			dataDir = nested
		}
	}

	if err := db.Start(ctx, dataDir); err != nil {
		return docdb.Model{}, err
	}

	defer func() { _ = db.Stop() }()

	return db.LoadModel(ctx)
}
