package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/calvinalkan/cfdoc/internal/archive"
	"github.com/calvinalkan/cfdoc/internal/docdb"
	"github.com/calvinalkan/cfdoc/internal/workdir"
	"github.com/calvinalkan/cfdoc/pkg/fs"
)

// ErrDocumentExists is returned by [CreateDocument] for an existing file.
var ErrDocumentExists = errors.New("document already exists")

// CreateDocument writes a new document at docPath holding only model. An
// empty model ID is filled with a random one.
func CreateDocument(ctx context.Context, fsys fs.FS, docPath string, model docdb.Model) error {
	present, err := fsys.Exists(docPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", docPath, err)
	}

	if present {
		return fmt.Errorf("%w: %s", ErrDocumentExists, docPath)
	}

	if model.ID == "" {
		model.ID = uuid.NewString()
	}

	staging := filepath.Join(filepath.Dir(docPath), ".cfnew-"+uuid.NewString())

	defer func() { _ = fsys.RemoveAll(staging) }()

	if err := docdb.Create(ctx, fsys, filepath.Join(staging, workdir.DataFolder), model); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	writer := fs.NewAtomicWriter(fsys)
	opts := writer.DefaultOptions()
	opts.Perm = docPerm
	opts.BeforeRename = func() error {
		_, err := fsys.Stat(docPath)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrDocumentExists, docPath)
		}

		if !errors.Is(err, os.ErrNotExist) {
			return err
		}

		return nil
	}

	err = writer.WriteFunc(docPath, func(w io.Writer) error {
		_, err := archive.Pack(fsys, staging, w)

		return err
	}, opts)
	if err != nil && !errors.Is(err, fs.ErrAtomicWriteDirSync) {
		return fmt.Errorf("write %s: %w", docPath, err)
	}

	return nil
}
