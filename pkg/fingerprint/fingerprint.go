package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/browserstate-org/browserstate/pkg/errors"
)

// FileFingerprint identifies the state of a single file within a session.
// Two files with the same ContentHash are considered identical regardless of
// their size or modification time -- SizeBytes and ModifiedAtMs are carried
// for diagnostics only.
type FileFingerprint struct {
	// Path is the slash-separated path of the file relative to the session
	// root.
	Path string `json:"path"`

	// ContentHash is the hex-encoded sha256 hash of the file contents.
	ContentHash string `json:"contentHash"`

	SizeBytes    int64 `json:"sizeBytes"`
	ModifiedAtMs int64 `json:"modifiedAtMs"`
}

// Set is a collection of file fingerprints for one session, keyed by the
// file's relative path. Every key equals its value's Path.
type Set map[string]FileFingerprint

// Add updates the set with the given fingerprint.
func (s Set) Add(f FileFingerprint) {
	s[f.Path] = f
}

// Paths returns the paths of all files in the set.
func (s Set) Paths() (paths []string) {
	for path := range s {
		paths = append(paths, path)
	}
	return paths
}

// HashFile returns the hex-encoded sha256 hash of the file at the given
// path. The hash is always computed over the full file bytes.
func HashFile(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Snapshot walks the directory tree rooted at `root` and fingerprints every
// regular file. Directories themselves aren't tracked -- empty directories
// are invisible to the sync algorithm.
func Snapshot(fsys afero.Fs, root string) (Set, error) {
	set := Set{}
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

		contentHash, err := HashFile(fsys, path)
		if err != nil {
			return errors.WithContext(err, "hash")
		}

		set.Add(FileFingerprint{
			Path:         filepath.ToSlash(relativePath),
			ContentHash:  contentHash,
			SizeBytes:    fi.Size(),
			ModifiedAtMs: fi.ModTime().UnixMilli(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}
