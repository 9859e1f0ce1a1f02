package redisstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserstate-org/browserstate/pkg/archive"
	"github.com/browserstate-org/browserstate/pkg/fingerprint"
	"github.com/browserstate-org/browserstate/pkg/storage"
)

func newTestProvider(t *testing.T) (*Provider, afero.Fs, *redis.Client) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	fs := afero.NewMemMapFs()
	return New(fs, client, ""), fs, client
}

func TestRoundTrip(t *testing.T) {
	provider, fs, _ := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(fs, "/work/a.txt", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/work/b/c.txt", []byte("y"), 0644))
	require.NoError(t, provider.Upload(ctx, "u1", "s1", "/work"))

	localPath, err := provider.Download(ctx, "u1", "s1")
	require.NoError(t, err)

	a, err := afero.ReadFile(fs, filepath.Join(localPath, "a.txt"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("x"), a)

	c, err := afero.ReadFile(fs, filepath.Join(localPath, "b/c.txt"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("y"), c)
}

func TestDownloadMissingSession(t *testing.T) {
	provider, fs, _ := newTestProvider(t)

	localPath, err := provider.Download(context.Background(), "u1", "never-created")
	require.NoError(t, err)

	entries, err := afero.ReadDir(fs, localPath)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadRemovesStaleFiles(t *testing.T) {
	provider, fs, _ := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(fs, "/v1/stale.txt", []byte("stale"), 0644))
	require.NoError(t, provider.Upload(ctx, "u1", "s1", "/v1"))

	require.NoError(t, afero.WriteFile(fs, "/v2/fresh.txt", []byte("fresh"), 0644))
	require.NoError(t, provider.Upload(ctx, "u1", "s1", "/v2"))

	localPath, err := provider.Download(ctx, "u1", "s1")
	require.NoError(t, err)

	exists, err := afero.Exists(fs, filepath.Join(localPath, "stale.txt"))
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestListAndDelete(t *testing.T) {
	provider, fs, _ := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(fs, "/work/f.txt", []byte("z"), 0644))
	require.NoError(t, provider.Upload(ctx, "u1", "s1", "/work"))
	require.NoError(t, provider.Upload(ctx, "u1", "s2", "/work"))
	require.NoError(t, provider.SaveMetadata(ctx, "u1", "s1",
		fingerprint.Set{"f.txt": {Path: "f.txt", ContentHash: "h"}}))

	sessions, err := provider.ListSessions(ctx, "u1")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, sessions)

	require.NoError(t, provider.DeleteSession(ctx, "u1", "s1"))

	sessions, err = provider.ListSessions(ctx, "u1")
	assert.NoError(t, err)
	assert.Equal(t, []string{"s2"}, sessions)

	// Metadata is deleted along with the session.
	set, err := provider.GetMetadata(ctx, "u1", "s1")
	assert.NoError(t, err)
	assert.Empty(t, set)
}

func TestFileOps(t *testing.T) {
	provider, fs, _ := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(fs, "/work/f.txt", []byte("contents"), 0644))
	key := storage.FileKey("u1", "s1", "nested/f.txt")
	require.NoError(t, provider.UploadFile(ctx, "/work/f.txt", key))

	existed, err := provider.DownloadFile(ctx, key, "/out/f.txt")
	require.NoError(t, err)
	assert.True(t, existed)

	contents, err := afero.ReadFile(fs, "/out/f.txt")
	assert.NoError(t, err)
	assert.Equal(t, []byte("contents"), contents)

	require.NoError(t, provider.DeleteFile(ctx, key))
	existed, err = provider.DownloadFile(ctx, key, "/out/f.txt")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestUploadWritesSessionBlob(t *testing.T) {
	provider, fs, client := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(fs, "/work/a.txt", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/work/b/c.txt", []byte("y"), 0644))
	require.NoError(t, provider.Upload(ctx, "u1", "s1", "/work"))

	stored, err := client.Get(ctx, "browserstate:u1:s1").Result()
	require.NoError(t, err)
	blob, err := base64.StdEncoding.DecodeString(stored)
	require.NoError(t, err)
	count, err := archive.FileCount(blob)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	raw, err := client.Get(ctx, "browserstate:u1:s1:metadata").Bytes()
	require.NoError(t, err)
	var record sessionRecord
	require.NoError(t, json.Unmarshal(raw, &record))
	assert.Equal(t, 2, record.FileCount)
	assert.Equal(t, sessionFormatVersion, record.Version)
	assert.Greater(t, record.Timestamp, int64(0))
}

func TestDownloadBlobOnlySession(t *testing.T) {
	provider, fs, client := newTestProvider(t)
	ctx := context.Background()

	// A session written by an implementation that only stores the blob.
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/b/c.txt", []byte("y"), 0644))
	blob, err := archive.Pack(fs, "/src")
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(blob)
	require.NoError(t, client.Set(ctx, "browserstate:u1:s1", encoded, 0).Err())

	localPath, err := provider.Download(ctx, "u1", "s1")
	require.NoError(t, err)

	a, err := afero.ReadFile(fs, filepath.Join(localPath, "a.txt"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("x"), a)

	c, err := afero.ReadFile(fs, filepath.Join(localPath, "b/c.txt"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("y"), c)
}

func TestDeleteSessionRemovesBlob(t *testing.T) {
	provider, fs, client := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(fs, "/work/a.txt", []byte("x"), 0644))
	require.NoError(t, provider.Upload(ctx, "u1", "s1", "/work"))
	require.NoError(t, provider.DeleteSession(ctx, "u1", "s1"))

	err := client.Get(ctx, "browserstate:u1:s1").Err()
	assert.Equal(t, redis.Nil, err)
	err = client.Get(ctx, "browserstate:u1:s1:metadata").Err()
	assert.Equal(t, redis.Nil, err)
}

func TestSaveMetadataRefreshesBlob(t *testing.T) {
	provider, fs, client := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(fs, "/work/a.txt", []byte("x"), 0644))
	require.NoError(t, provider.Upload(ctx, "u1", "s1", "/work"))

	// A file-level upload, as performed during an incremental sync, then
	// the fingerprint save that ends the transfer.
	require.NoError(t, afero.WriteFile(fs, "/work/new.txt", []byte("z"), 0644))
	key := storage.FileKey("u1", "s1", "new.txt")
	require.NoError(t, provider.UploadFile(ctx, "/work/new.txt", key))
	require.NoError(t, provider.SaveMetadata(ctx, "u1", "s1", fingerprint.Set{}))

	stored, err := client.Get(ctx, "browserstate:u1:s1").Result()
	require.NoError(t, err)
	blob, err := base64.StdEncoding.DecodeString(stored)
	require.NoError(t, err)
	count, err := archive.FileCount(blob)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMetadataRoundTrip(t *testing.T) {
	provider, _, _ := newTestProvider(t)
	ctx := context.Background()

	set, err := provider.GetMetadata(ctx, "u1", "s1")
	assert.NoError(t, err)
	assert.Empty(t, set)

	recorded := fingerprint.Set{
		"a.txt": {Path: "a.txt", ContentHash: "hash-a", SizeBytes: 1, ModifiedAtMs: 1000},
	}
	require.NoError(t, provider.SaveMetadata(ctx, "u1", "s1", recorded))

	set, err = provider.GetMetadata(ctx, "u1", "s1")
	assert.NoError(t, err)
	assert.Equal(t, recorded, set)
}
