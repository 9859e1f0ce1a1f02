// Package s3 implements session storage on Amazon S3 or any S3-compatible
// service such as MinIO.
//
// Object layout:
//
//	{userID}/{sessionID}/{relativePath} -> file bytes
//	_metadata/{userID}/{sessionID}.json -> fingerprint JSON
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/afero"

	"github.com/browserstate-org/browserstate/pkg/errors"
	"github.com/browserstate-org/browserstate/pkg/fingerprint"
	"github.com/browserstate-org/browserstate/pkg/storage"
)

// metadataPrefix keeps fingerprint records out of the session listing.
const metadataPrefix = "_metadata/"

// Config holds the settings needed to reach a bucket.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string

	// UsePathStyle addresses the bucket in the URL path instead of the
	// host name. Required for MinIO.
	UsePathStyle bool
}

// Provider stores sessions in an S3 bucket.
type Provider struct {
	fs     afero.Fs
	client *s3.Client
	bucket string
}

// New creates a Provider on top of an existing S3 client.
func New(fsys afero.Fs, client *s3.Client, bucket string) *Provider {
	return &Provider{fs: fsys, client: client, bucket: bucket}
}

// NewFromConfig builds the S3 client from the given settings. Credentials
// fall back to the default AWS chain when not set explicitly.
func NewFromConfig(ctx context.Context, fsys afero.Fs, cfg Config) (*Provider, error) {
	loadOpts := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.WithContext(err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
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
	// Clear the previous version so that locally deleted files don't
	// linger in the bucket.
	prefix := storage.SessionKey(userID, sessionID) + "/"
	keys, err := p.listKeys(ctx, prefix)
	if err != nil {
		return errors.WithContext(err, "list session objects")
	}
	if err := p.deleteKeys(ctx, keys); err != nil {
		return errors.WithContext(err, "clear session")
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
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var sessions []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.WithContext(err, "list objects")
		}
		for _, common := range page.CommonPrefixes {
			sessionID := strings.TrimSuffix(strings.TrimPrefix(*common.Prefix, prefix), "/")
			sessions = append(sessions, sessionID)
		}
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
	return p.deleteKeys(ctx, keys)
}

// DownloadFile fetches a single object into localPath. It returns whether
// the object existed.
func (p *Provider) DownloadFile(ctx context.Context, remoteKey, localPath string) (bool, error) {
	result, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(remoteKey),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, errors.WithContext(err, "get object")
	}
	defer result.Body.Close()

	if err := p.fs.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return false, errors.WithContext(err, "create parent directory")
	}

	f, err := p.fs.Create(localPath)
	if err != nil {
		return false, errors.WithContext(err, "create file")
	}
	if _, err := io.Copy(f, result.Body); err != nil {
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

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(remoteKey),
		Body:   f,
	})
	if err != nil {
		return errors.WithContext(err, "put object")
	}
	return nil
}

// DeleteFile removes a single object.
func (p *Provider) DeleteFile(ctx context.Context, remoteKey string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(remoteKey),
	})
	if err != nil {
		return errors.WithContext(err, "delete object")
	}
	return nil
}

// GetMetadata loads the fingerprint record stored in the bucket.
func (p *Provider) GetMetadata(ctx context.Context, userID, sessionID string) (fingerprint.Set, error) {
	result, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(metadataKey(userID, sessionID)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return fingerprint.Set{}, nil
		}
		return nil, errors.WithContext(err, "get metadata")
	}
	defer result.Body.Close()

	record, err := io.ReadAll(result.Body)
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

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(metadataKey(userID, sessionID)),
		Body:   bytes.NewReader(record),
	})
	if err != nil {
		return errors.WithContext(err, "put metadata")
	}
	return nil
}

func (p *Provider) listKeys(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, object := range page.Contents {
			keys = append(keys, *object.Key)
		}
	}
	return keys, nil
}

func (p *Provider) deleteKeys(ctx context.Context, keys []string) error {
	// DeleteObjects accepts at most 1000 keys per call.
	const batchSize = 1000
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}

		var identifiers []types.ObjectIdentifier
		for _, key := range keys[start:end] {
			identifiers = append(identifiers, types.ObjectIdentifier{Key: aws.String(key)})
		}

		_, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &types.Delete{
				Objects: identifiers,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
