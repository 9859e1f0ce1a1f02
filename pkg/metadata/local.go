package metadata

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/browserstate-org/browserstate/pkg/errors"
	"github.com/browserstate-org/browserstate/pkg/fingerprint"
)

// LocalStore keeps fingerprint records on the local filesystem, one JSON
// file per session at {dir}/{userID}/{sessionID}.json.
type LocalStore struct {
	fs  afero.Fs
	dir string
}

// NewLocalStore creates a LocalStore rooted at dir.
func NewLocalStore(fsys afero.Fs, dir string) *LocalStore {
	return &LocalStore{fs: fsys, dir: dir}
}

func (s *LocalStore) path(userID, sessionID string) string {
	return filepath.Join(s.dir, userID, sessionID+".json")
}

// Load reads the recorded fingerprint set. A missing record yields an empty
// set.
func (s *LocalStore) Load(_ context.Context, userID, sessionID string) (fingerprint.Set, error) {
	contents, err := afero.ReadFile(s.fs, s.path(userID, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return fingerprint.Set{}, nil
		}
		return nil, errors.WithContext(err, "read metadata")
	}

	set := fingerprint.Set{}
	if err := json.Unmarshal(contents, &set); err != nil {
		return nil, errors.WithContext(err, "parse metadata")
	}
	return set, nil
}

// Save atomically overwrites the recorded fingerprint set. The record is
// written to a temporary file first so that a crash mid-write never leaves a
// truncated record behind.
func (s *LocalStore) Save(_ context.Context, userID, sessionID string, set fingerprint.Set) error {
	contents, err := json.Marshal(set)
	if err != nil {
		return errors.WithContext(err, "marshal metadata")
	}

	path := s.path(userID, sessionID)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WithContext(err, "create metadata directory")
	}

	tmpPath := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, contents, 0644); err != nil {
		return errors.WithContext(err, "write metadata")
	}

	if err := s.fs.Rename(tmpPath, path); err != nil {
		return errors.WithContext(err, "replace metadata")
	}
	return nil
}
