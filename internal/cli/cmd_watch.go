package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/session"
	"github.com/calvinalkan/cfdoc/internal/watch"
	"github.com/calvinalkan/cfdoc/internal/workdir"
)

// WatchCmd returns the watch command.
func WatchCmd(a *app) *Command {
	flags := flag.NewFlagSet("watch", flag.ContinueOnError)
	answer := answerFlags(flags)
	window := flags.Duration("pair-window", watch.DefaultPairWindow, "How long a rename waits for its matching create")

	return &Command{
		Flags: flags,
		Usage: "watch <dir> [--pair-window d] [--yes|--no]",
		Short: "Open every document below dir and follow external changes",
		Long: `Open every document below dir and keep the sessions in sync with the file
system until interrupted: deleted documents are closed, renamed documents are
relocated and changes to referenced evidence files are reported. Dirty
sessions are saved on exit.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return ErrFileRequired
			}

			force, err := answer()
			if err != nil {
				return err
			}

			return execWatch(ctx, a, o, a.abs(args[0]), *window, force)
		},
	}
}

func execWatch(ctx context.Context, a *app, o *IO, root string, window time.Duration, force *bool) (err error) {
	docs, err := findDocuments(root)
	if err != nil {
		return err
	}

	loader, err := a.loader(o, force)
	if err != nil {
		return err
	}

	rec := watch.NewReconciler(a.metrics)
	rec.SetLogger(a.logger)
	rec.OnEvidenceChanged(func(s *session.Session, path string, refs []docdb.Evidence) {
		for _, ref := range refs {
			o.Printf("evidence changed: %s (%s, element %s) in %s\n", path, ref.Name, ref.Element, s.Path())
		}
	})

	defer func() {
		err = errors.Join(err, closeAll(context.WithoutCancel(ctx), o, rec))
	}()

	for _, doc := range docs {
		s, err := loader.Open(ctx, doc)
		if err != nil {
			if errors.Is(err, session.ErrMigrationCancelled) {
				o.Println("skipped", doc)

				continue
			}

			o.Warn(fmt.Sprintf("cannot open %s: %v", doc, err), "not watching it")

			continue
		}

		rec.Register(s)
		o.Println("watching", s.Path())
	}

	src, err := watch.NewFSNotifySource(root, watch.FSNotifyOptions{
		Extension:  watch.DefaultExtension,
		PairWindow: window,
		Logger:     &a.logger,
	})
	if err != nil {
		return err
	}

	defer func() { _ = src.Close() }()

	if err := rec.Run(ctx, src); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	printWatchSummary(o, a)

	return nil
}

// findDocuments lists the documents below root, skipping working
// directories and hidden folders.
func findDocuments(root string) ([]string, error) {
	var docs []string

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		name := d.Name()

		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, workdir.Prefix) || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}

			return nil
		}

		if filepath.Ext(name) == watch.DefaultExtension && !strings.HasPrefix(name, ".") {
			docs = append(docs, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	return docs, nil
}

func closeAll(ctx context.Context, o *IO, rec *watch.Reconciler) error {
	var errs []error

	for _, s := range rec.Sessions() {
		rec.Unregister(s.Path())

		if s.Closed() {
			continue
		}

		if s.Dirty() {
			if err := s.Save(ctx); err != nil {
				errs = append(errs, err)
			} else {
				o.Println("saved", s.Path())
			}
		}

		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func printWatchSummary(o *IO, a *app) {
	families, err := a.registry.Gather()
	if err != nil {
		a.logger.Debug().Err(err).Msg("gather metrics")

		return
	}

	for _, mf := range families {
		if mf.GetName() != "cfdoc_watch_events_total" {
			continue
		}

		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "op" {
					o.Printf("events %s=%.0f\n", l.GetValue(), m.GetCounter().GetValue())
				}
			}
		}
	}
}
