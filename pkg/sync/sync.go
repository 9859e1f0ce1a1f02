package sync

import (
	"context"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/browserstate-org/browserstate/pkg/errors"
	"github.com/browserstate-org/browserstate/pkg/fingerprint"
	"github.com/browserstate-org/browserstate/pkg/metadata"
	"github.com/browserstate-org/browserstate/pkg/storage"
)

const (
	defaultConcurrency = 4
	defaultFileTimeout = time.Minute
)

// ProgressEvent reports the completion of a single file transfer.
type ProgressEvent struct {
	FileName         string
	BytesTransferred int64
	TotalBytes       int64
}

// Executor performs differential uploads and downloads of sessions.
type Executor struct {
	fs       afero.Fs
	provider storage.Provider
	meta     metadata.Store

	concurrency int
	fileTimeout time.Duration
	progress    func(ProgressEvent)
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency bounds how many files are transferred at once within a
// sync batch.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		e.concurrency = n
	}
}

// WithFileTimeout bounds how long a single file transfer may take. A timed
// out transfer fails the incremental batch, which falls back to a full
// transfer instead of hanging.
func WithFileTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.fileTimeout = d
	}
}

// WithProgress registers a callback invoked after each completed file
// transfer.
func WithProgress(fn func(ProgressEvent)) Option {
	return func(e *Executor) {
		e.progress = fn
	}
}

// New creates an Executor that transfers sessions through the given
// provider and records fingerprints in the given store.
func New(fsys afero.Fs, provider storage.Provider, meta metadata.Store, opts ...Option) *Executor {
	e := &Executor{
		fs:          fsys,
		provider:    provider,
		meta:        meta,
		concurrency: defaultConcurrency,
		fileTimeout: defaultFileTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DownloadSession materializes the session into its local working directory
// and returns the directory's path. When the basis is non-empty and a local
// copy from a previous sync is still present, only the files that changed
// remotely are transferred and files removed remotely are removed locally.
// With no basis, no local copy, or if the incremental path fails for any
// reason, the whole session is downloaded.
func (e *Executor) DownloadSession(ctx context.Context, userID, sessionID string,
	basis fingerprint.Set) (string, error) {

	if len(basis) > 0 {
		// The diff basis is the actual local tree, not the recorded
		// fingerprints: the working directory may have been removed or
		// modified since they were saved.
		target := storage.WorkPath(userID, sessionID)
		local, err := fingerprint.Snapshot(e.fs, target)
		if err == nil && len(local) > 0 {
			localPath, err := e.incrementalDownload(ctx, userID, sessionID, target, local)
			if err == nil {
				return localPath, nil
			}
			log.WithError(err).WithField("session", sessionID).Warn(
				"Incremental download failed. Falling back to a full download.")
		}
	}

	return e.fullDownload(ctx, userID, sessionID)
}

func (e *Executor) fullDownload(ctx context.Context, userID, sessionID string) (string, error) {
	localPath, err := e.provider.Download(ctx, userID, sessionID)
	if err != nil {
		return "", errors.WithContext(err, "download session")
	}

	// Record the downloaded state so that the next sync has a basis.
	current, err := fingerprint.Snapshot(e.fs, localPath)
	if err == nil {
		err = e.meta.Save(ctx, userID, sessionID, current)
	}
	if err != nil {
		log.WithError(err).WithField("session", sessionID).Warn(
			"Failed to record session fingerprints. The next sync will be a full transfer.")
	}
	return localPath, nil
}

func (e *Executor) incrementalDownload(ctx context.Context, userID, sessionID,
	target string, local fingerprint.Set) (string, error) {

	remote, err := e.provider.GetMetadata(ctx, userID, sessionID)
	if err != nil {
		return "", errors.WithContext(err, "get remote fingerprints")
	}
	if len(remote) == 0 {
		return "", errors.New("no remote fingerprints recorded")
	}

	diff := fingerprint.Compare(remote, local)
	log.WithFields(log.Fields{
		"session":  sessionID,
		"added":    len(diff.Added),
		"modified": len(diff.Modified),
		"removed":  len(diff.Removed),
	}).Debug("Downloading changed files")

	err = e.forEachFile(ctx, diff.Changed(), func(ctx context.Context, path string) error {
		localPath := filepath.Join(target, filepath.FromSlash(path))
		existed, err := e.provider.DownloadFile(ctx, storage.FileKey(userID, sessionID, path), localPath)
		if err != nil {
			return err
		}
		if !existed {
			return errors.New("remote file listed in fingerprints is missing")
		}
		e.reportProgress(path, remote[path].SizeBytes)
		return nil
	})
	if err != nil {
		return "", err
	}

	for _, path := range diff.Removed {
		localPath := filepath.Join(target, filepath.FromSlash(path))
		if err := e.fs.Remove(localPath); err != nil && !os.IsNotExist(err) {
			return "", errors.WithContext(err, "remove stale file")
		}
	}

	if err := e.meta.Save(ctx, userID, sessionID, remote); err != nil {
		return "", errors.WithContext(err, "save fingerprints")
	}
	return target, nil
}

// UploadSession stores the contents of localPath as the session. Only the
// files that changed since the basis are transferred; an unchanged session
// uploads nothing at all. With no basis, or if the incremental path fails,
// the whole session is uploaded.
func (e *Executor) UploadSession(ctx context.Context, userID, sessionID, localPath string,
	basis fingerprint.Set) error {

	if len(basis) > 0 {
		err := e.incrementalUpload(ctx, userID, sessionID, localPath, basis)
		if err == nil {
			return nil
		}
		log.WithError(err).WithField("session", sessionID).Warn(
			"Incremental upload failed. Falling back to a full upload.")
	}

	return e.fullUpload(ctx, userID, sessionID, localPath)
}

func (e *Executor) fullUpload(ctx context.Context, userID, sessionID, localPath string) error {
	if err := e.provider.Upload(ctx, userID, sessionID, localPath); err != nil {
		return errors.WithContext(err, "upload session")
	}

	current, err := fingerprint.Snapshot(e.fs, localPath)
	if err == nil {
		err = e.meta.Save(ctx, userID, sessionID, current)
	}
	if err != nil {
		log.WithError(err).WithField("session", sessionID).Warn(
			"Failed to record session fingerprints. The next sync will be a full transfer.")
	}
	return nil
}

func (e *Executor) incrementalUpload(ctx context.Context, userID, sessionID, localPath string,
	basis fingerprint.Set) error {

	current, err := fingerprint.Snapshot(e.fs, localPath)
	if err != nil {
		return errors.WithContext(err, "fingerprint local session")
	}

	diff := fingerprint.Compare(current, basis)
	if diff.Empty() {
		log.WithField("session", sessionID).Debug("Session unchanged, nothing to upload")
		return nil
	}

	log.WithFields(log.Fields{
		"session":  sessionID,
		"added":    len(diff.Added),
		"modified": len(diff.Modified),
		"removed":  len(diff.Removed),
	}).Debug("Uploading changed files")

	err = e.forEachFile(ctx, diff.Changed(), func(ctx context.Context, path string) error {
		source := filepath.Join(localPath, filepath.FromSlash(path))
		if err := e.provider.UploadFile(ctx, source, storage.FileKey(userID, sessionID, path)); err != nil {
			return err
		}
		e.reportProgress(path, current[path].SizeBytes)
		return nil
	})
	if err != nil {
		return err
	}

	for _, path := range diff.Removed {
		if err := e.provider.DeleteFile(ctx, storage.FileKey(userID, sessionID, path)); err != nil {
			return errors.WithContext(err, "delete remote file")
		}
	}

	if err := e.meta.Save(ctx, userID, sessionID, current); err != nil {
		return errors.WithContext(err, "save fingerprints")
	}
	return nil
}

// forEachFile runs the given transfer for every path, bounded by the
// executor's concurrency limit, with a per-file timeout. The first failure
// cancels the remaining transfers.
func (e *Executor) forEachFile(ctx context.Context, paths []string,
	transfer func(ctx context.Context, path string) error) error {

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)

	for _, path := range paths {
		path := path
		group.Go(func() error {
			fileCtx := groupCtx
			if e.fileTimeout > 0 {
				var cancel context.CancelFunc
				fileCtx, cancel = context.WithTimeout(groupCtx, e.fileTimeout)
				defer cancel()
			}

			if err := transfer(fileCtx, path); err != nil {
				return errors.WithContext(err, path)
			}
			return nil
		})
	}
	return group.Wait()
}

func (e *Executor) reportProgress(path string, size int64) {
	if e.progress != nil {
		e.progress(ProgressEvent{
			FileName:         path,
			BytesTransferred: size,
			TotalBytes:       size,
		})
	}
}
