package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/calvinalkan/cfdoc/pkg/fs"
)

const (
	backupInfix     = "-old"
	backupTimestamp = "20060102150405"
	docPerm         = 0o644
)

// Save packs the working directory back into the document and clears the
// dirty flag.
//
// The archive is written to a temp sibling and synced. The current document
// is copied to a "-old" backup, then the temp file is renamed over the
// document and the directory synced. The backup is removed afterwards unless
// configured to be kept. Any failure before the rename leaves the document as
// it was.
//
// Concurrent calls share one run.
func (s *Session) Save(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	ch := s.saves.DoChan("save", func() (any, error) {
		return nil, s.queue.do(context.WithoutCancel(ctx), s.save)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return s.wrap("save", res.Err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// saveInBackground queues a save without waiting for it.
func (s *Session) saveInBackground() {
	_, err := s.queue.submit(context.Background(), func(ctx context.Context) error {
		if err := s.save(ctx); err != nil {
			s.loader.prompter.Warn(fmt.Sprintf("Saving %s after upgrade failed: %v", filepath.Base(s.Path()), err))

			return err
		}

		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("schedule save")
	}
}

// save runs on the session worker.
func (s *Session) save(ctx context.Context) (err error) {
	started := s.loader.cfg.Now()
	docPath := s.Path()

	ctx, span := s.tracer.Start(ctx, "session.Save", trace.WithAttributes(attribute.String("doc.path", docPath)))
	defer func() {
		s.loader.cfg.Metrics.observeSave(err, s.loader.cfg.Now().Sub(started))

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}()

	writer := fs.NewAtomicWriter(s.loader.fs)
	backup := ""

	opts := writer.DefaultOptions()
	opts.Perm = docPerm
	opts.BeforeRename = func() error {
		var backupErr error

		backup, backupErr = s.backupDocument(docPath)

		return backupErr
	}

	err = writer.WriteFunc(docPath, func(w io.Writer) error {
		return s.wd.SaveToZip(ctx, w)
	}, opts)

	switch {
	case err == nil:
	case errors.Is(err, fs.ErrAtomicWriteDirSync):
		// The rename happened; only durability of the directory entry is in doubt.
		s.logger.Warn().Err(err).Str("doc_path", docPath).Msg("sync document dir")

		err = nil
	default:
		s.removeBackup(backup)

		return fmt.Errorf("save %s: %w", docPath, err)
	}

	if !s.loader.cfg.KeepOldBackup {
		s.removeBackup(backup)
	}

	s.dirty.Store(false)
	s.logger.Info().Str("doc_path", docPath).Msg("document saved")

	return nil
}

// backupDocument copies docPath to a "-old" sibling and syncs it. A missing
// document needs no backup.
func (s *Session) backupDocument(docPath string) (string, error) {
	fsys := s.loader.fs

	present, err := fsys.Exists(docPath)
	if err != nil {
		return "", fmt.Errorf("stat document: %w", err)
	}

	if !present {
		return "", nil
	}

	backup, err := s.backupPath(docPath)
	if err != nil {
		return "", err
	}

	src, err := fsys.Open(docPath)
	if err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := fsys.OpenFile(backup, os.O_WRONLY|os.O_CREATE|os.O_EXCL, docPerm)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}

	_, copyErr := io.Copy(dst, src)
	syncErr := dst.Sync()
	closeErr := dst.Close()

	if err := errors.Join(copyErr, syncErr, closeErr); err != nil {
		_ = fsys.Remove(backup)

		return "", fmt.Errorf("write backup %s: %w", backup, err)
	}

	return backup, nil
}

func (s *Session) backupPath(docPath string) (string, error) {
	base := docPath + backupInfix + s.loader.cfg.Now().Format(backupTimestamp)
	candidate := base

	for n := 1; ; n++ {
		present, err := s.loader.fs.Exists(candidate)
		if err != nil {
			return "", fmt.Errorf("stat backup: %w", err)
		}

		if !present {
			return candidate, nil
		}

		candidate = base + "-" + strconv.Itoa(n)
	}
}

func (s *Session) removeBackup(path string) {
	if path == "" {
		return
	}

	if err := s.loader.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Err(err).Str("backup", path).Msg("remove backup")
	}
}
