package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/browserstate-org/browserstate/pkg/errors"
	"github.com/browserstate-org/browserstate/pkg/fingerprint"
	"github.com/browserstate-org/browserstate/pkg/metadata"
)

// metadataDirName is the directory under the storage root that holds
// fingerprint records. It's hidden so that it never collides with a user id.
const metadataDirName = ".metadata"

// LocalProvider stores sessions as plain directories under a root path,
// laid out as {root}/{userID}/{sessionID}/.
type LocalProvider struct {
	fs   afero.Fs
	root string
	meta *metadata.LocalStore
}

// NewLocalProvider creates a LocalProvider rooted at root.
func NewLocalProvider(fsys afero.Fs, root string) *LocalProvider {
	return &LocalProvider{
		fs:   fsys,
		root: root,
		meta: metadata.NewLocalStore(fsys, filepath.Join(root, metadataDirName)),
	}
}

func (p *LocalProvider) sessionDir(userID, sessionID string) string {
	return filepath.Join(p.root, userID, sessionID)
}

// Download copies the session into its working directory. A session that
// doesn't exist yet yields an empty directory.
func (p *LocalProvider) Download(_ context.Context, userID, sessionID string) (string, error) {
	target := WorkPath(userID, sessionID)
	if err := p.fs.RemoveAll(target); err != nil {
		return "", errors.WithContext(err, "clear working directory")
	}
	if err := p.fs.MkdirAll(target, 0755); err != nil {
		return "", errors.WithContext(err, "create working directory")
	}

	source := p.sessionDir(userID, sessionID)
	exists, err := afero.DirExists(p.fs, source)
	if err != nil {
		return "", errors.WithContext(err, "check session")
	}
	if !exists {
		return target, nil
	}

	if err := copyTree(p.fs, source, target); err != nil {
		return "", errors.WithContext(err, "copy session")
	}
	return target, nil
}

// Upload replaces the stored session with the contents of localPath.
func (p *LocalProvider) Upload(_ context.Context, userID, sessionID, localPath string) error {
	target := p.sessionDir(userID, sessionID)
	if err := p.fs.RemoveAll(target); err != nil {
		return errors.WithContext(err, "clear session")
	}
	if err := p.fs.MkdirAll(target, 0755); err != nil {
		return errors.WithContext(err, "create session directory")
	}
	if err := copyTree(p.fs, localPath, target); err != nil {
		return errors.WithContext(err, "copy session")
	}
	return nil
}

// ListSessions returns the ids of the user's stored sessions.
func (p *LocalProvider) ListSessions(_ context.Context, userID string) ([]string, error) {
	entries, err := afero.ReadDir(p.fs, filepath.Join(p.root, userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithContext(err, "list sessions")
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			sessions = append(sessions, entry.Name())
		}
	}
	return sessions, nil
}

// DeleteSession removes the stored session and its fingerprint record.
func (p *LocalProvider) DeleteSession(_ context.Context, userID, sessionID string) error {
	if err := p.fs.RemoveAll(p.sessionDir(userID, sessionID)); err != nil {
		return errors.WithContext(err, "remove session")
	}

	metadataPath := filepath.Join(p.root, metadataDirName, userID, sessionID+".json")
	if err := p.fs.Remove(metadataPath); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove metadata")
	}
	return nil
}

// DownloadFile copies a single stored file into localPath. It returns
// whether the stored file existed.
func (p *LocalProvider) DownloadFile(_ context.Context, remoteKey, localPath string) (bool, error) {
	source := filepath.Join(p.root, filepath.FromSlash(remoteKey))
	exists, err := afero.Exists(p.fs, source)
	if err != nil {
		return false, errors.WithContext(err, "check file")
	}
	if !exists {
		return false, nil
	}

	if err := copyFile(p.fs, source, localPath); err != nil {
		return false, errors.WithContext(err, "copy file")
	}
	return true, nil
}

// UploadFile stores a single local file under the given remote key.
func (p *LocalProvider) UploadFile(_ context.Context, localPath, remoteKey string) error {
	target := filepath.Join(p.root, filepath.FromSlash(remoteKey))
	if err := copyFile(p.fs, localPath, target); err != nil {
		return errors.WithContext(err, "copy file")
	}
	return nil
}

// DeleteFile removes a single stored file.
func (p *LocalProvider) DeleteFile(_ context.Context, remoteKey string) error {
	err := p.fs.Remove(filepath.Join(p.root, filepath.FromSlash(remoteKey)))
	if err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove file")
	}
	return nil
}

// GetMetadata loads the fingerprint record stored alongside the session.
func (p *LocalProvider) GetMetadata(ctx context.Context, userID, sessionID string) (fingerprint.Set, error) {
	return p.meta.Load(ctx, userID, sessionID)
}

// SaveMetadata records the fingerprint set alongside the session.
func (p *LocalProvider) SaveMetadata(ctx context.Context, userID, sessionID string, set fingerprint.Set) error {
	return p.meta.Save(ctx, userID, sessionID, set)
}

// copyFile copies a single file, making it visible at its final path only
// once the contents are fully written.
func copyFile(fsys afero.Fs, source, target string) error {
	src, err := fsys.Open(source)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer src.Close()

	if err := fsys.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errors.WithContext(err, "create parent directory")
	}

	tmpPath := target + ".tmp"
	dst, err := fsys.Create(tmpPath)
	if err != nil {
		return errors.WithContext(err, "create")
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		fsys.Remove(tmpPath)
		return errors.WithContext(err, "write")
	}
	if err := dst.Close(); err != nil {
		fsys.Remove(tmpPath)
		return errors.WithContext(err, "close")
	}

	if err := fsys.Rename(tmpPath, target); err != nil {
		fsys.Remove(tmpPath)
		return errors.WithContext(err, "rename")
	}
	return nil
}

// copyTree copies every regular file under source into target.
func copyTree(fsys afero.Fs, source, target string) error {
	return afero.Walk(fsys, source, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		relativePath, err := filepath.Rel(source, path)
		if err != nil {
			return errors.WithContext(err, "relative path")
		}
		return copyFile(fsys, path, filepath.Join(target, relativePath))
	})
}
