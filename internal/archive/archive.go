// Package archive reads and writes the zip container of a document.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/calvinalkan/cfdoc/pkg/fs"
)

// ErrUnsafePath is returned when an archive entry would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("unsafe archive entry")

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Entry describes one archive member.
type Entry struct {
	Name  string
	Size  uint64
	IsDir bool
}

// Extract unpacks the zip at archivePath into destDir, creating it if needed.
// Existing files with the same name are overwritten.
func Extract(fsys fs.FS, archivePath, destDir string) error {
	zr, err := openReader(fsys, archivePath)
	if err != nil {
		return err
	}

	if err := fsys.MkdirAll(destDir, dirPerm); err != nil {
		return fmt.Errorf("create %q: %w", destDir, err)
	}

	for _, zf := range zr.File {
		target, err := safeJoin(destDir, zf.Name)
		if err != nil {
			return err
		}

		if zf.FileInfo().IsDir() {
			if err := fsys.MkdirAll(target, dirPerm); err != nil {
				return fmt.Errorf("create %q: %w", target, err)
			}

			continue
		}

		if err := extractFile(fsys, zf, target); err != nil {
			return err
		}
	}

	return nil
}

// List returns the members of the zip at archivePath in archive order.
func List(fsys fs.FS, archivePath string) ([]Entry, error) {
	zr, err := openReader(fsys, archivePath)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(zr.File))
	for _, zf := range zr.File {
		entries = append(entries, Entry{
			Name:  zf.Name,
			Size:  zf.UncompressedSize64,
			IsDir: zf.FileInfo().IsDir(),
		})
	}

	return entries, nil
}

// Pack writes the tree under srcDir to w as a zip. Entry names are relative
// to srcDir and slash separated. It returns the number of entries written.
func Pack(fsys fs.FS, srcDir string, w io.Writer) (int, error) {
	zw := zip.NewWriter(w)

	n, err := packDir(fsys, zw, srcDir, "")
	if err != nil {
		return n, errors.Join(err, zw.Close())
	}

	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("finish zip: %w", err)
	}

	return n, nil
}

func packDir(fsys fs.FS, zw *zip.Writer, dir, prefix string) (int, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read dir %q: %w", dir, err)
	}

	count := 0

	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		name := path.Join(prefix, e.Name())

		if e.IsDir() {
			if _, err := zw.CreateHeader(&zip.FileHeader{Name: name + "/", Method: zip.Store}); err != nil {
				return count, fmt.Errorf("add dir %q: %w", name, err)
			}

			count++

			n, err := packDir(fsys, zw, full, name)
			count += n

			if err != nil {
				return count, err
			}

			continue
		}

		if !e.Type().IsRegular() {
			continue
		}

		if err := packFile(fsys, zw, full, name); err != nil {
			return count, err
		}

		count++
	}

	return count, nil
}

func packFile(fsys fs.FS, zw *zip.Writer, full, name string) error {
	info, err := fsys.Stat(full)
	if err != nil {
		return fmt.Errorf("stat %q: %w", full, err)
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header %q: %w", full, err)
	}

	hdr.Name = name
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %q: %w", name, err)
	}

	src, err := fsys.Open(full)
	if err != nil {
		return fmt.Errorf("open %q: %w", full, err)
	}

	_, copyErr := io.Copy(dst, src)
	closeErr := src.Close()

	if copyErr != nil {
		return fmt.Errorf("compress %q: %w", full, copyErr)
	}

	return closeErr
}

func openReader(fsys fs.FS, archivePath string) (*zip.Reader, error) {
	data, err := fsys.ReadFile(archivePath)
	if err != nil {
		return nil, fmt.Errorf("read archive %q: %w", archivePath, err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive %q: %w", archivePath, err)
	}

	return zr, nil
}

func extractFile(fsys fs.FS, zf *zip.File, target string) error {
	if err := fsys.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return fmt.Errorf("create %q: %w", filepath.Dir(target), err)
	}

	src, err := zf.Open()
	if err != nil {
		return fmt.Errorf("open entry %q: %w", zf.Name, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := fsys.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("create %q: %w", target, err)
	}

	_, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()

	if copyErr != nil {
		return fmt.Errorf("extract %q: %w", zf.Name, copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close %q: %w", target, closeErr)
	}

	return nil
}

// safeJoin rejects absolute names and names that climb out of dir.
func safeJoin(dir, name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}
