// Package redisstore implements session storage on Redis. Each file is
// stored under its own key so that differential sync can transfer files
// individually, and the whole session is additionally kept as a
// base64-encoded zip blob under the key layout that other BrowserState
// implementations read and write, so sessions can be shared across them.
//
// Key layout:
//
//	{prefix}:{userID}:{sessionID}                     -> base64 zip blob
//	{prefix}:{userID}:{sessionID}:metadata            -> JSON {"timestamp":..,"fileCount":..,"version":"2.0"}
//	{prefix}:{userID}:{sessionID}:file:{relativePath} -> file bytes
//	{prefix}:{userID}:{sessionID}:fingerprints        -> fingerprint JSON
//
// The first two keys are the interop surface; the last two drive the
// incremental sync capability.
package redisstore

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/browserstate-org/browserstate/pkg/archive"
	"github.com/browserstate-org/browserstate/pkg/errors"
	"github.com/browserstate-org/browserstate/pkg/fingerprint"
	"github.com/browserstate-org/browserstate/pkg/storage"
)

// DefaultKeyPrefix namespaces session keys within a shared Redis.
const DefaultKeyPrefix = "browserstate"

// sessionFormatVersion is the blob format version other BrowserState
// implementations expect in the metadata record.
const sessionFormatVersion = "2.0"

// sessionRecord is the metadata record stored next to the session blob.
// Field names and the version value are shared with the other BrowserState
// implementations.
type sessionRecord struct {
	Timestamp int64  `json:"timestamp"`
	FileCount int    `json:"fileCount"`
	Version   string `json:"version"`
}

// Provider stores sessions in Redis.
type Provider struct {
	fs     afero.Fs
	client *redis.Client
	prefix string
}

// New creates a Redis-backed session store. An empty keyPrefix falls back
// to DefaultKeyPrefix.
func New(fsys afero.Fs, client *redis.Client, keyPrefix string) *Provider {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Provider{fs: fsys, client: client, prefix: keyPrefix}
}

func (p *Provider) sessionKey(userID, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s", p.prefix, userID, sessionID)
}

func (p *Provider) fileKey(userID, sessionID, relativePath string) string {
	return fmt.Sprintf("%s:%s:%s:file:%s", p.prefix, userID, sessionID, relativePath)
}

func (p *Provider) metadataKey(userID, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s:metadata", p.prefix, userID, sessionID)
}

func (p *Provider) fingerprintKey(userID, sessionID string) string {
	return fmt.Sprintf("%s:%s:%s:fingerprints", p.prefix, userID, sessionID)
}

// parseRemoteKey splits a "{userID}/{sessionID}/{relativePath}" remote key.
func parseRemoteKey(remoteKey string) (userID, sessionID, relativePath string, err error) {
	parts := strings.SplitN(remoteKey, "/", 3)
	if len(parts) != 3 {
		return "", "", "", errors.New("malformed remote key")
	}
	return parts[0], parts[1], parts[2], nil
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

	keyPrefix := p.fileKey(userID, sessionID, "")
	keys, err := p.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return "", errors.WithContext(err, "list session keys")
	}

	// No per-file keys means the session either doesn't exist or was
	// written by another BrowserState implementation that only stores the
	// blob. Try the blob before reporting an empty session.
	if len(keys) == 0 {
		if err := p.extractBlob(ctx, userID, sessionID, target); err != nil {
			return "", err
		}
		return target, nil
	}

	for _, key := range keys {
		relativePath := strings.TrimPrefix(key, keyPrefix)
		contents, err := p.client.Get(ctx, key).Bytes()
		if err != nil {
			return "", errors.WithContext(err, relativePath)
		}

		localPath := filepath.Join(target, filepath.FromSlash(relativePath))
		if err := p.fs.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
			return "", errors.WithContext(err, "create parent directory")
		}
		if err := afero.WriteFile(p.fs, localPath, contents, 0644); err != nil {
			return "", errors.WithContext(err, relativePath)
		}
	}
	return target, nil
}

// Upload replaces the stored session with the contents of localPath.
func (p *Provider) Upload(ctx context.Context, userID, sessionID, localPath string) error {
	// Clear any files from a previous version of the session first, so
	// that files deleted locally don't linger remotely.
	keys, err := p.client.Keys(ctx, p.fileKey(userID, sessionID, "")+"*").Result()
	if err != nil {
		return errors.WithContext(err, "list session keys")
	}
	if len(keys) > 0 {
		if err := p.client.Del(ctx, keys...).Err(); err != nil {
			return errors.WithContext(err, "clear session")
		}
	}

	err = afero.Walk(p.fs, localPath, func(path string, fi os.FileInfo, err error) error {
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

		contents, err := afero.ReadFile(p.fs, path)
		if err != nil {
			return errors.WithContext(err, relativePath)
		}

		key := p.fileKey(userID, sessionID, filepath.ToSlash(relativePath))
		if err := p.client.Set(ctx, key, contents, 0).Err(); err != nil {
			return errors.WithContext(err, relativePath)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return p.writeBlob(ctx, userID, sessionID)
}

// writeBlob assembles the stored per-file keys into the base64 zip blob and
// metadata record that other BrowserState implementations consume.
func (p *Provider) writeBlob(ctx context.Context, userID, sessionID string) error {
	keyPrefix := p.fileKey(userID, sessionID, "")
	keys, err := p.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return errors.WithContext(err, "list session keys")
	}
	sort.Strings(keys)

	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for _, key := range keys {
		contents, err := p.client.Get(ctx, key).Bytes()
		if err != nil {
			return errors.WithContext(err, "get file")
		}

		entry, err := writer.Create(strings.TrimPrefix(key, keyPrefix))
		if err != nil {
			return errors.WithContext(err, "create zip entry")
		}
		if _, err := entry.Write(contents); err != nil {
			return errors.WithContext(err, "write zip entry")
		}
	}
	if err := writer.Close(); err != nil {
		return errors.WithContext(err, "close zip")
	}

	blob := base64.StdEncoding.EncodeToString(buffer.Bytes())
	if err := p.client.Set(ctx, p.sessionKey(userID, sessionID), blob, 0).Err(); err != nil {
		return errors.WithContext(err, "set session blob")
	}

	record, err := json.Marshal(sessionRecord{
		Timestamp: time.Now().UnixMilli(),
		FileCount: len(keys),
		Version:   sessionFormatVersion,
	})
	if err != nil {
		return errors.WithContext(err, "marshal session record")
	}
	if err := p.client.Set(ctx, p.metadataKey(userID, sessionID), record, 0).Err(); err != nil {
		return errors.WithContext(err, "set session record")
	}
	return nil
}

// extractBlob materializes the session from the blob written by another
// implementation. A missing blob just leaves the target directory empty.
func (p *Provider) extractBlob(ctx context.Context, userID, sessionID, target string) error {
	stored, err := p.client.Get(ctx, p.sessionKey(userID, sessionID)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return errors.WithContext(err, "get session blob")
	}

	blob, err := base64.StdEncoding.DecodeString(string(stored))
	if err != nil {
		// Some writers store the zip bytes directly.
		blob = stored
	}
	if err := archive.Unpack(p.fs, blob, target); err != nil {
		return errors.WithContext(err, "unpack session blob")
	}
	return nil
}

// ListSessions returns the ids of the user's stored sessions.
func (p *Provider) ListSessions(ctx context.Context, userID string) ([]string, error) {
	pattern := fmt.Sprintf("%s:%s:*", p.prefix, userID)
	keys, err := p.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, errors.WithContext(err, "list keys")
	}

	seen := map[string]bool{}
	var sessions []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, fmt.Sprintf("%s:%s:", p.prefix, userID))
		sessionID := strings.SplitN(rest, ":", 2)[0]
		if !seen[sessionID] {
			seen[sessionID] = true
			sessions = append(sessions, sessionID)
		}
	}
	return sessions, nil
}

// DeleteSession removes all keys belonging to the session, including the
// blob key, which carries no trailing ":" and so isn't matched by the
// pattern.
func (p *Provider) DeleteSession(ctx context.Context, userID, sessionID string) error {
	pattern := fmt.Sprintf("%s:%s:%s:*", p.prefix, userID, sessionID)
	keys, err := p.client.Keys(ctx, pattern).Result()
	if err != nil {
		return errors.WithContext(err, "list session keys")
	}
	keys = append(keys, p.sessionKey(userID, sessionID))
	if err := p.client.Del(ctx, keys...).Err(); err != nil {
		return errors.WithContext(err, "delete session keys")
	}
	return nil
}

// DownloadFile fetches a single stored file into localPath.
func (p *Provider) DownloadFile(ctx context.Context, remoteKey, localPath string) (bool, error) {
	userID, sessionID, relativePath, err := parseRemoteKey(remoteKey)
	if err != nil {
		return false, err
	}

	contents, err := p.client.Get(ctx, p.fileKey(userID, sessionID, relativePath)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.WithContext(err, "get file")
	}

	if err := p.fs.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return false, errors.WithContext(err, "create parent directory")
	}
	if err := afero.WriteFile(p.fs, localPath, contents, 0644); err != nil {
		return false, errors.WithContext(err, "write file")
	}
	return true, nil
}

// UploadFile stores a single local file.
func (p *Provider) UploadFile(ctx context.Context, localPath, remoteKey string) error {
	userID, sessionID, relativePath, err := parseRemoteKey(remoteKey)
	if err != nil {
		return err
	}

	contents, err := afero.ReadFile(p.fs, localPath)
	if err != nil {
		return errors.WithContext(err, "read file")
	}

	key := p.fileKey(userID, sessionID, relativePath)
	if err := p.client.Set(ctx, key, contents, 0).Err(); err != nil {
		return errors.WithContext(err, "set file")
	}
	return nil
}

// DeleteFile removes a single stored file.
func (p *Provider) DeleteFile(ctx context.Context, remoteKey string) error {
	userID, sessionID, relativePath, err := parseRemoteKey(remoteKey)
	if err != nil {
		return err
	}

	if err := p.client.Del(ctx, p.fileKey(userID, sessionID, relativePath)).Err(); err != nil {
		return errors.WithContext(err, "delete file")
	}
	return nil
}

// GetMetadata loads the fingerprint set recorded for the session.
func (p *Provider) GetMetadata(ctx context.Context, userID, sessionID string) (fingerprint.Set, error) {
	record, err := p.client.Get(ctx, p.fingerprintKey(userID, sessionID)).Bytes()
	if err == redis.Nil {
		return fingerprint.Set{}, nil
	}
	if err != nil {
		return nil, errors.WithContext(err, "get fingerprints")
	}

	set := fingerprint.Set{}
	if err := json.Unmarshal(record, &set); err != nil {
		return nil, errors.WithContext(err, "parse fingerprints")
	}
	return set, nil
}

// SaveMetadata records the fingerprint set for the session. Sync calls this
// once at the end of every successful transfer, so it's also the point
// where the interop blob is brought back in step with the per-file keys
// after an incremental upload.
func (p *Provider) SaveMetadata(ctx context.Context, userID, sessionID string, set fingerprint.Set) error {
	record, err := json.Marshal(set)
	if err != nil {
		return errors.WithContext(err, "marshal fingerprints")
	}
	if err := p.client.Set(ctx, p.fingerprintKey(userID, sessionID), record, 0).Err(); err != nil {
		return errors.WithContext(err, "set fingerprints")
	}

	return p.writeBlob(ctx, userID, sessionID)
}
