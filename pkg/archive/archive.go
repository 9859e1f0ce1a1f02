// Package archive packs a session directory into a single zip blob and back.
// The blob format is what gets stored in the cache and in Redis-backed
// session storage.
package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/browserstate-org/browserstate/pkg/errors"
)

// Pack zips every regular file under root into a single blob. File names in
// the archive are slash-separated paths relative to root.
func Pack(fsys afero.Fs, root string) ([]byte, error) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)

	err := afero.Walk(fsys, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		relativePath, err := filepath.Rel(root, path)
		if err != nil {
			return errors.WithContext(err, "relative path")
		}

		entry, err := writer.Create(filepath.ToSlash(relativePath))
		if err != nil {
			return errors.WithContext(err, "create entry")
		}

		f, err := fsys.Open(path)
		if err != nil {
			return errors.WithContext(err, "open")
		}
		defer f.Close()

		if _, err := io.Copy(entry, f); err != nil {
			return errors.WithContext(err, "write entry")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, errors.WithContext(err, "close archive")
	}
	return buf.Bytes(), nil
}

// Unpack extracts a blob produced by Pack into dest, creating parent
// directories as needed. Entries that would escape dest are rejected.
func Unpack(fsys afero.Fs, blob []byte, dest string) error {
	reader, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return errors.WithContext(err, "open archive")
	}

	for _, entry := range reader.File {
		if err := unpackEntry(fsys, entry, dest); err != nil {
			return errors.WithContext(err, entry.Name)
		}
	}
	return nil
}

func unpackEntry(fsys afero.Fs, entry *zip.File, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(entry.Name))

	// Reject names like "../../etc/passwd" that resolve outside dest.
	relativePath, err := filepath.Rel(dest, target)
	if err != nil || strings.HasPrefix(relativePath, "..") {
		return errors.New("entry escapes destination directory")
	}

	if entry.FileInfo().IsDir() {
		return fsys.MkdirAll(target, 0755)
	}

	if err := fsys.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	src, err := entry.Open()
	if err != nil {
		return errors.WithContext(err, "open entry")
	}
	defer src.Close()

	dst, err := fsys.Create(target)
	if err != nil {
		return errors.WithContext(err, "create")
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.WithContext(err, "write")
	}
	return dst.Close()
}

// FileCount returns how many files a blob produced by Pack contains.
func FileCount(blob []byte) (int, error) {
	reader, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return 0, errors.WithContext(err, "open archive")
	}

	count := 0
	for _, entry := range reader.File {
		if !entry.FileInfo().IsDir() {
			count++
		}
	}
	return count, nil
}
