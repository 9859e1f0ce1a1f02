// Package storage defines the interface that session storage backends
// implement, along with the local filesystem backend. The sync machinery
// depends only on the Provider interface, never on a concrete backend.
package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/browserstate-org/browserstate/pkg/fingerprint"
)

// Provider stores session directories for users. Implementations exist for
// the local filesystem, S3, GCS, and Redis.
type Provider interface {
	// Download materializes the full session into a local directory and
	// returns its path. A session that doesn't exist yet isn't an error:
	// the returned directory is simply empty.
	Download(ctx context.Context, userID, sessionID string) (string, error)

	// Upload stores the full contents of localPath as the session.
	Upload(ctx context.Context, userID, sessionID, localPath string) error

	// ListSessions returns the ids of the user's stored sessions.
	ListSessions(ctx context.Context, userID string) ([]string, error)

	// DeleteSession removes the session and its metadata.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// DownloadFile fetches a single file by its remote key into localPath,
	// creating parent directories as needed. It returns whether the remote
	// file existed.
	DownloadFile(ctx context.Context, remoteKey, localPath string) (bool, error)

	// UploadFile stores a single local file under the given remote key.
	UploadFile(ctx context.Context, localPath, remoteKey string) error

	// DeleteFile removes a single file by its remote key. Deleting a file
	// that doesn't exist is not an error.
	DeleteFile(ctx context.Context, remoteKey string) error

	// GetMetadata loads the fingerprint set recorded for the session.
	// A session with no recorded fingerprints yields an empty set.
	GetMetadata(ctx context.Context, userID, sessionID string) (fingerprint.Set, error)

	// SaveMetadata records the fingerprint set for the session.
	SaveMetadata(ctx context.Context, userID, sessionID string, set fingerprint.Set) error
}

// SessionKey returns the remote key prefix for a session.
func SessionKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

// FileKey returns the remote key for a file within a session. relativePath
// must be slash-separated.
func FileKey(userID, sessionID, relativePath string) string {
	return SessionKey(userID, sessionID) + "/" + relativePath
}

// WorkPath returns the local working directory for a session. All backends
// materialize sessions into the same location so that repeated mounts of the
// same session can reuse the files that are already there.
func WorkPath(userID, sessionID string) string {
	return filepath.Join(os.TempDir(), "browserstate", userID, sessionID)
}
