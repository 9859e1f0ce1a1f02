package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts Options) (*RedisCache, *miniredis.Miniredis, clockwork.FakeClock) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	clock := clockwork.NewFakeClock()
	return NewRedisCache(client, opts, clock), server, clock
}

func TestDownloadMiss(t *testing.T) {
	cache, _, _ := newTestCache(t, Options{})

	blob, ok := cache.Download(context.Background(), "never-cached")
	assert.False(t, ok)
	assert.Nil(t, blob)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	cache, server, _ := newTestCache(t, Options{})
	ctx := context.Background()

	cache.Upload(ctx, "s1", []byte("session blob"))

	blob, ok := cache.Download(ctx, "s1")
	assert.True(t, ok)
	assert.Equal(t, []byte("session blob"), blob)

	sessions, err := cache.ListSessions(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"s1"}, sessions)

	// The key layout is part of the interop contract.
	assert.True(t, server.Exists("browserstate:session:s1"))
	assert.True(t, server.Exists("browserstate:metadata:s1"))

	record, err := server.Get("browserstate:metadata:s1")
	require.NoError(t, err)

	var meta entryMetadata
	require.NoError(t, json.Unmarshal([]byte(record), &meta))
	assert.Equal(t, int64(len("session blob")), meta.Size)
}

func TestTTLExpiry(t *testing.T) {
	cache, server, _ := newTestCache(t, Options{TTL: 10 * time.Second})
	ctx := context.Background()

	cache.Upload(ctx, "s1", []byte("blob"))

	_, ok := cache.Download(ctx, "s1")
	require.True(t, ok)

	server.FastForward(11 * time.Second)

	_, ok = cache.Download(ctx, "s1")
	assert.False(t, ok)

	sessions, err := cache.ListSessions(ctx)
	assert.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestEvictionBound(t *testing.T) {
	cache, _, clock := newTestCache(t, Options{MaxSize: 3})
	ctx := context.Background()

	ids := []string{"s1", "s2", "s3", "s4", "s5"}
	for _, id := range ids {
		cache.Upload(ctx, id, []byte("blob-"+id))
		clock.Advance(time.Second)

		sessions, err := cache.ListSessions(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(sessions), 3)
	}
}

func TestLRUEvictsLeastRecentlyAccessed(t *testing.T) {
	cache, _, clock := newTestCache(t, Options{MaxSize: 2, Policy: LRU})
	ctx := context.Background()

	cache.Upload(ctx, "s1", []byte("1"))
	clock.Advance(time.Second)
	cache.Upload(ctx, "s2", []byte("2"))
	clock.Advance(time.Second)

	// Reading s1 makes s2 the least recently accessed session.
	_, ok := cache.Download(ctx, "s1")
	require.True(t, ok)
	clock.Advance(time.Second)

	cache.Upload(ctx, "s3", []byte("3"))

	sessions, err := cache.ListSessions(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s3"}, sessions)
}

func TestFIFOIgnoresReads(t *testing.T) {
	cache, _, clock := newTestCache(t, Options{MaxSize: 2, Policy: FIFO})
	ctx := context.Background()

	cache.Upload(ctx, "s1", []byte("1"))
	clock.Advance(time.Second)
	cache.Upload(ctx, "s2", []byte("2"))
	clock.Advance(time.Second)

	// Under FIFO, reading s1 doesn't protect it: it was inserted first.
	_, ok := cache.Download(ctx, "s1")
	require.True(t, ok)
	clock.Advance(time.Second)

	cache.Upload(ctx, "s3", []byte("3"))

	sessions, err := cache.ListSessions(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"s2", "s3"}, sessions)
}

func TestFIFOIgnoresRewrites(t *testing.T) {
	cache, _, clock := newTestCache(t, Options{MaxSize: 2, Policy: FIFO})
	ctx := context.Background()

	cache.Upload(ctx, "s1", []byte("1"))
	clock.Advance(time.Second)
	cache.Upload(ctx, "s2", []byte("2"))
	clock.Advance(time.Second)

	// Rewriting s1 doesn't protect it either: it keeps its original
	// insertion order.
	cache.Upload(ctx, "s1", []byte("1b"))
	clock.Advance(time.Second)

	cache.Upload(ctx, "s3", []byte("3"))

	sessions, err := cache.ListSessions(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"s2", "s3"}, sessions)
}

func TestValidateOnReadInvalidates(t *testing.T) {
	valid := true
	cache, _, _ := newTestCache(t, Options{
		ValidateOnRead: true,
		Validate:       func(string) bool { return valid },
	})
	ctx := context.Background()

	cache.Upload(ctx, "s1", []byte("blob"))

	_, ok := cache.Download(ctx, "s1")
	require.True(t, ok)

	// The externally-checked condition goes bad: the hit becomes a miss and
	// the stale entry is removed entirely.
	valid = false
	_, ok = cache.Download(ctx, "s1")
	assert.False(t, ok)

	sessions, err := cache.ListSessions(ctx)
	assert.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDeleteSession(t *testing.T) {
	cache, server, _ := newTestCache(t, Options{})
	ctx := context.Background()

	cache.Upload(ctx, "s1", []byte("blob"))
	require.NoError(t, cache.DeleteSession(ctx, "s1"))

	_, ok := cache.Download(ctx, "s1")
	assert.False(t, ok)
	assert.False(t, server.Exists("browserstate:session:s1"))
	assert.False(t, server.Exists("browserstate:metadata:s1"))
}

func TestReadErrorDegradesToMiss(t *testing.T) {
	cache, server, _ := newTestCache(t, Options{})
	ctx := context.Background()

	cache.Upload(ctx, "s1", []byte("blob"))
	server.Close()

	blob, ok := cache.Download(ctx, "s1")
	assert.False(t, ok)
	assert.Nil(t, blob)
}

func TestCustomKeyPrefix(t *testing.T) {
	cache, server, _ := newTestCache(t, Options{KeyPrefix: "team:"})
	ctx := context.Background()

	cache.Upload(ctx, "s1", []byte("blob"))
	assert.True(t, server.Exists("team:session:s1"))

	sessions, err := cache.ListSessions(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"s1"}, sessions)
}
