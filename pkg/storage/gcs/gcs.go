// Package gcs implements session storage on Google Cloud Storage. The
// object layout mirrors the S3 backend.
package gcs

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/afero"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/browserstate-org/browserstate/pkg/errors"
	"github.com/browserstate-org/browserstate/pkg/fingerprint"
	"github.com/browserstate-org/browserstate/pkg/storage"
)

const metadataPrefix = "_metadata/"

// Config holds the settings needed to reach a bucket.
type Config struct {
	Bucket string

	// CredentialsFile is the path to a service account key. When empty,
	// application default credentials are used.
	CredentialsFile string
}

// Provider stores sessions in a GCS bucket.
type Provider struct {
	fs     afero.Fs
	client *gcs.Client
	bucket *gcs.BucketHandle
}

// New creates a Provider on top of an existing GCS client.
func New(fsys afero.Fs, client *gcs.Client, bucket string) *Provider {
	return &Provider{fs: fsys, client: client, bucket: client.Bucket(bucket)}
}

// Close releases the underlying GCS client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// NewFromConfig builds the GCS client from the given settings.
func NewFromConfig(ctx context.Context, fsys afero.Fs, cfg Config) (*Provider, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.WithContext(err, "create gcs client")
	}
	return New(fsys, client, cfg.Bucket), nil
}

func metadataKey(userID, sessionID string) string {
	return metadataPrefix + userID + "/" + sessionID + ".json"
}

// Download materializes the session into its working directory.
func (p *Provider) Download(ctx context.Context, userID, sessionID string) (string, error) {
	target := storage.WorkPath(userID, sessionID)
	if err := p.fs.RemoveAll(target); err != nil {
		return "", errors.WithContext(err, "clear working directory")
	}
	if err := p.fs.MkdirAll(target, 0755); err != nil {
		return "", errors.WithContext(err, "create working directory")
	}

	prefix := storage.SessionKey(userID, sessionID) + "/"
	keys, err := p.listKeys(ctx, prefix)
	if err != nil {
		return "", errors.WithContext(err, "list session objects")
	}

	for _, key := range keys {
		relativePath := strings.TrimPrefix(key, prefix)
		localPath := filepath.Join(target, filepath.FromSlash(relativePath))
		if _, err := p.DownloadFile(ctx, key, localPath); err != nil {
			return "", errors.WithContext(err, relativePath)
		}
	}
	return target, nil
}

// Upload replaces the stored session with the contents of localPath.
func (p *Provider) Upload(ctx context.Context, userID, sessionID, localPath string) error {
	prefix := storage.SessionKey(userID, sessionID) + "/"
	keys, err := p.listKeys(ctx, prefix)
	if err != nil {
		return errors.WithContext(err, "list session objects")
	}
	for _, key := range keys {
		if err := p.DeleteFile(ctx, key); err != nil {
			return errors.WithContext(err, "clear session")
		}
	}

	return afero.Walk(p.fs, localPath, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		relativePath, err := filepath.Rel(localPath, path)
		if err != nil {
			return errors.WithContext(err, "relative path")
		}

		key := storage.FileKey(userID, sessionID, filepath.ToSlash(relativePath))
		if err := p.UploadFile(ctx, path, key); err != nil {
			return errors.WithContext(err, relativePath)
		}
		return nil
	})
}

// ListSessions returns the ids of the user's stored sessions.
func (p *Provider) ListSessions(ctx context.Context, userID string) ([]string, error) {
	prefix := userID + "/"
	it := p.bucket.Objects(ctx, &gcs.Query{Prefix: prefix, Delimiter: "/"})

	var sessions []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.WithContext(err, "list objects")
		}
		if attrs.Prefix == "" {
			continue
		}
		sessionID := strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, prefix), "/")
		sessions = append(sessions, sessionID)
	}
	return sessions, nil
}

// DeleteSession removes every object belonging to the session, including
// its fingerprint record.
func (p *Provider) DeleteSession(ctx context.Context, userID, sessionID string) error {
	keys, err := p.listKeys(ctx, storage.SessionKey(userID, sessionID)+"/")
	if err != nil {
		return errors.WithContext(err, "list session objects")
	}
	keys = append(keys, metadataKey(userID, sessionID))

	for _, key := range keys {
		if err := p.DeleteFile(ctx, key); err != nil {
			return errors.WithContext(err, key)
		}
	}
	return nil
}

// DownloadFile fetches a single object into localPath. It returns whether
// the object existed.
func (p *Provider) DownloadFile(ctx context.Context, remoteKey, localPath string) (bool, error) {
	reader, err := p.bucket.Object(remoteKey).NewReader(ctx)
	if err == gcs.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, errors.WithContext(err, "open object")
	}
	defer reader.Close()

	if err := p.fs.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return false, errors.WithContext(err, "create parent directory")
	}

	f, err := p.fs.Create(localPath)
	if err != nil {
		return false, errors.WithContext(err, "create file")
	}
	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		return false, errors.WithContext(err, "write file")
	}
	return true, f.Close()
}

// UploadFile stores a single local file under the given key.
func (p *Provider) UploadFile(ctx context.Context, localPath, remoteKey string) error {
	f, err := p.fs.Open(localPath)
	if err != nil {
		return errors.WithContext(err, "open file")
	}
	defer f.Close()

	writer := p.bucket.Object(remoteKey).NewWriter(ctx)
	if _, err := io.Copy(writer, f); err != nil {
		writer.Close()
		return errors.WithContext(err, "write object")
	}
	if err := writer.Close(); err != nil {
		return errors.WithContext(err, "close object")
	}
	return nil
}

// DeleteFile removes a single object. Deleting an object that doesn't
// exist is not an error.
func (p *Provider) DeleteFile(ctx context.Context, remoteKey string) error {
	err := p.bucket.Object(remoteKey).Delete(ctx)
	if err != nil && err != gcs.ErrObjectNotExist {
		return errors.WithContext(err, "delete object")
	}
	return nil
}

// GetMetadata loads the fingerprint record stored in the bucket.
func (p *Provider) GetMetadata(ctx context.Context, userID, sessionID string) (fingerprint.Set, error) {
	reader, err := p.bucket.Object(metadataKey(userID, sessionID)).NewReader(ctx)
	if err == gcs.ErrObjectNotExist {
		return fingerprint.Set{}, nil
	}
	if err != nil {
		return nil, errors.WithContext(err, "open metadata")
	}
	defer reader.Close()

	record, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.WithContext(err, "read metadata")
	}

	set := fingerprint.Set{}
	if err := json.Unmarshal(record, &set); err != nil {
		return nil, errors.WithContext(err, "parse metadata")
	}
	return set, nil
}

// SaveMetadata records the fingerprint set in the bucket.
func (p *Provider) SaveMetadata(ctx context.Context, userID, sessionID string, set fingerprint.Set) error {
	record, err := json.Marshal(set)
	if err != nil {
		return errors.WithContext(err, "marshal metadata")
	}

	writer := p.bucket.Object(metadataKey(userID, sessionID)).NewWriter(ctx)
	if _, err := writer.Write(record); err != nil {
		writer.Close()
		return errors.WithContext(err, "write metadata")
	}
	if err := writer.Close(); err != nil {
		return errors.WithContext(err, "close metadata")
	}
	return nil
}

func (p *Provider) listKeys(ctx context.Context, prefix string) ([]string, error) {
	it := p.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}
