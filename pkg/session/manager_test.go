package session

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserstate-org/browserstate/pkg/cache"
	"github.com/browserstate-org/browserstate/pkg/errors"
	"github.com/browserstate-org/browserstate/pkg/storage"
)

type countingProvider struct {
	storage.Provider
	downloads     int
	fileUploads   int
	fileDownloads int
	failList      bool
}

func (p *countingProvider) Download(ctx context.Context, userID, sessionID string) (string, error) {
	p.downloads++
	return p.Provider.Download(ctx, userID, sessionID)
}

func (p *countingProvider) UploadFile(ctx context.Context, localPath, remoteKey string) error {
	p.fileUploads++
	return p.Provider.UploadFile(ctx, localPath, remoteKey)
}

func (p *countingProvider) DownloadFile(ctx context.Context, remoteKey, localPath string) (bool, error) {
	p.fileDownloads++
	return p.Provider.DownloadFile(ctx, remoteKey, localPath)
}

func (p *countingProvider) ListSessions(ctx context.Context, userID string) ([]string, error) {
	if p.failList {
		return nil, errors.New("list failed")
	}
	return p.Provider.ListSessions(ctx, userID)
}

func newTestManager(t *testing.T, c cache.Provider) (*Manager, afero.Fs, *countingProvider) {
	t.Helper()
	fs := afero.NewMemMapFs()
	provider := &countingProvider{
		Provider: storage.NewLocalProvider(fs, "/store"),
	}
	manager, err := New(fs, Config{
		UserID:   "u1",
		Provider: provider,
		Cache:    c,
	})
	require.NoError(t, err)
	return manager, fs, provider
}

func TestNewRequiresFields(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := New(fs, Config{Provider: storage.NewLocalProvider(fs, "/store")})
	assert.Error(t, err)

	_, err = New(fs, Config{UserID: "u1"})
	assert.Error(t, err)
}

func TestMountMissingSessionYieldsEmptyDir(t *testing.T) {
	manager, fs, _ := newTestManager(t, nil)

	session, err := manager.Mount(context.Background(), "brand-new")
	require.NoError(t, err)
	assert.Equal(t, "brand-new", session.SessionID)

	entries, err := afero.ReadDir(fs, session.LocalPath)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMountGeneratesSessionID(t *testing.T) {
	manager, fs, _ := newTestManager(t, nil)
	ctx := context.Background()

	session, err := manager.Mount(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, session.SessionID)

	require.NoError(t, afero.WriteFile(fs,
		session.LocalPath+"/data.txt", []byte("hello"), 0644))
	require.NoError(t, manager.Unmount(ctx))

	assert.Contains(t, manager.ListSessions(ctx), session.SessionID)
}

func TestUnmountWithoutMount(t *testing.T) {
	manager, _, _ := newTestManager(t, nil)
	err := manager.Unmount(context.Background())
	assert.ErrorIs(t, err, errors.ErrNoActiveSession)
}

func TestRoundTripAndIncrementalUnmount(t *testing.T) {
	manager, fs, provider := newTestManager(t, nil)
	ctx := context.Background()

	session, err := manager.Mount(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs,
		session.LocalPath+"/a.txt", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs,
		session.LocalPath+"/b/c.txt", []byte("y"), 0644))
	require.NoError(t, manager.Unmount(ctx))
	assert.Nil(t, manager.GetActiveSession())

	session, err = manager.Mount(ctx, "s1")
	require.NoError(t, err)
	contents, err := afero.ReadFile(fs, session.LocalPath+"/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(contents))
	contents, err = afero.ReadFile(fs, session.LocalPath+"/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "y", string(contents))

	// Changing one file should only transfer that file on unmount.
	require.NoError(t, afero.WriteFile(fs,
		session.LocalPath+"/a.txt", []byte("z"), 0644))
	provider.fileUploads = 0
	require.NoError(t, manager.Unmount(ctx))
	assert.Equal(t, 1, provider.fileUploads)
}

func TestMountReplacesActiveSession(t *testing.T) {
	manager, fs, _ := newTestManager(t, nil)
	ctx := context.Background()

	first, err := manager.Mount(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs,
		first.LocalPath+"/data.txt", []byte("from s1"), 0644))

	second, err := manager.Mount(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "s2", manager.GetActiveSession().SessionID)
	assert.NotEqual(t, first.LocalPath, second.LocalPath)

	// The first session must have been flushed, not dropped.
	remounted, err := manager.Mount(ctx, "s1")
	require.NoError(t, err)
	contents, err := afero.ReadFile(fs, remounted.LocalPath+"/data.txt")
	require.NoError(t, err)
	assert.Equal(t, "from s1", string(contents))
}

func TestDeleteSession(t *testing.T) {
	manager, fs, _ := newTestManager(t, nil)
	ctx := context.Background()

	session, err := manager.Mount(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs,
		session.LocalPath+"/data.txt", []byte("x"), 0644))
	require.NoError(t, manager.Unmount(ctx))
	require.Contains(t, manager.ListSessions(ctx), "s1")

	require.NoError(t, manager.DeleteSession(ctx, "s1"))
	assert.NotContains(t, manager.ListSessions(ctx), "s1")
}

func TestDeleteActiveSessionUnmountsFirst(t *testing.T) {
	manager, fs, _ := newTestManager(t, nil)
	ctx := context.Background()

	session, err := manager.Mount(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs,
		session.LocalPath+"/data.txt", []byte("x"), 0644))

	require.NoError(t, manager.DeleteSession(ctx, "s1"))
	assert.Nil(t, manager.GetActiveSession())
	assert.NotContains(t, manager.ListSessions(ctx), "s1")
}

func TestFlushOnShutdown(t *testing.T) {
	manager, fs, _ := newTestManager(t, nil)
	ctx := context.Background()

	// Nothing mounted is not an error.
	require.NoError(t, manager.FlushOnShutdown(ctx))

	session, err := manager.Mount(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs,
		session.LocalPath+"/data.txt", []byte("x"), 0644))
	require.NoError(t, manager.FlushOnShutdown(ctx))
	assert.Nil(t, manager.GetActiveSession())
	assert.Contains(t, manager.ListSessions(ctx), "s1")
}

func TestListSessionsErrorReturnsEmpty(t *testing.T) {
	manager, _, provider := newTestManager(t, nil)
	provider.failList = true
	assert.Empty(t, manager.ListSessions(context.Background()))
}

func TestCacheWriteThroughAndHit(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	sessionCache := cache.NewRedisCache(client, cache.Options{}, clockwork.NewRealClock())

	manager, fs, provider := newTestManager(t, sessionCache)
	ctx := context.Background()

	session, err := manager.Mount(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs,
		session.LocalPath+"/data.txt", []byte("cached"), 0644))
	require.NoError(t, manager.Unmount(ctx))

	// The unmount populated the cache, so remounting shouldn't touch
	// the storage backend at all.
	provider.downloads = 0
	provider.fileDownloads = 0
	session, err = manager.Mount(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, provider.downloads)
	assert.Zero(t, provider.fileDownloads)

	contents, err := afero.ReadFile(fs, session.LocalPath+"/data.txt")
	require.NoError(t, err)
	assert.Equal(t, "cached", string(contents))
}

func TestDeleteSessionClearsCache(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	sessionCache := cache.NewRedisCache(client, cache.Options{}, clockwork.NewRealClock())

	manager, fs, _ := newTestManager(t, sessionCache)
	ctx := context.Background()

	session, err := manager.Mount(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs,
		session.LocalPath+"/data.txt", []byte("x"), 0644))
	require.NoError(t, manager.Unmount(ctx))

	_, ok := sessionCache.Download(ctx, "s1")
	require.True(t, ok)

	require.NoError(t, manager.DeleteSession(ctx, "s1"))
	_, ok = sessionCache.Download(ctx, "s1")
	assert.False(t, ok)
}
