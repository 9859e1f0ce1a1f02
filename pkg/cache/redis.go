package cache

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/browserstate-org/browserstate/pkg/errors"
)

// RedisCache caches session blobs in Redis.
//
// Key layout:
//
//	{prefix}session:{sessionID}  -> blob
//	{prefix}metadata:{sessionID} -> JSON {"timestamp":..,"size":..}
//	{prefix}access               -> sorted set sessionID -> last access (ms)
//
// The blob and metadata keys carry the same TTL. The access sorted set is
// only maintained under the LRU policy.
type RedisCache struct {
	client *redis.Client
	opts   Options
	clock  clockwork.Clock
}

// entryMetadata is the JSON record stored next to each blob.
type entryMetadata struct {
	Timestamp int64 `json:"timestamp"`
	Size      int64 `json:"size"`
}

// NewRedisCache creates a cache on top of the given Redis client.
func NewRedisCache(client *redis.Client, opts Options, clock clockwork.Clock) *RedisCache {
	return &RedisCache{
		client: client,
		opts:   opts.withDefaults(),
		clock:  clock,
	}
}

func (c *RedisCache) sessionKey(sessionID string) string {
	return c.opts.KeyPrefix + "session:" + sessionID
}

func (c *RedisCache) metadataKey(sessionID string) string {
	return c.opts.KeyPrefix + "metadata:" + sessionID
}

func (c *RedisCache) accessKey() string {
	return c.opts.KeyPrefix + "access"
}

// Download returns the cached blob for the session. Misses, expired
// entries, entries that fail validation, and backend failures all report
// ok=false.
func (c *RedisCache) Download(ctx context.Context, sessionID string) ([]byte, bool) {
	blob, err := c.client.Get(ctx, c.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		log.WithError(err).WithField("session", sessionID).Warn(
			"Cache read failed. Treating as a miss.")
		return nil, false
	}

	if c.opts.ValidateOnRead && c.opts.Validate != nil && !c.opts.Validate(sessionID) {
		// Delete the stale entry rather than leaving it for passive
		// expiry, so that a subsequent write starts clean.
		log.WithField("session", sessionID).Debug("Cached session failed validation, invalidating")
		if err := c.DeleteSession(ctx, sessionID); err != nil {
			log.WithError(err).WithField("session", sessionID).Warn(
				"Failed to invalidate cached session")
		}
		return nil, false
	}

	if c.opts.Policy == LRU {
		c.touch(ctx, sessionID)
	}
	return blob, true
}

// Upload caches the blob under the configured TTL, then evicts one victim
// if the insertion breached the size bound.
func (c *RedisCache) Upload(ctx context.Context, sessionID string, blob []byte) {
	// Under FIFO the victim is the entry that was created first, so an
	// overwrite keeps the original creation timestamp.
	timestamp := c.clock.Now().UnixMilli()
	if existing, err := c.client.Get(ctx, c.metadataKey(sessionID)).Bytes(); err == nil {
		var prior entryMetadata
		if json.Unmarshal(existing, &prior) == nil && prior.Timestamp > 0 {
			timestamp = prior.Timestamp
		}
	}

	record, err := json.Marshal(entryMetadata{
		Timestamp: timestamp,
		Size:      int64(len(blob)),
	})
	if err != nil {
		log.WithError(err).Warn("Failed to marshal cache metadata. Skipping caching.")
		return
	}

	if err := c.client.Set(ctx, c.sessionKey(sessionID), blob, c.opts.TTL).Err(); err != nil {
		log.WithError(err).WithField("session", sessionID).Warn(
			"Cache write failed. Continuing without caching.")
		return
	}
	if err := c.client.Set(ctx, c.metadataKey(sessionID), record, c.opts.TTL).Err(); err != nil {
		log.WithError(err).WithField("session", sessionID).Warn(
			"Cache metadata write failed. Continuing without caching.")
		return
	}

	if c.opts.Policy == LRU {
		c.touch(ctx, sessionID)
	}

	if err := c.enforceSizeBound(ctx); err != nil {
		log.WithError(err).Warn("Cache eviction failed")
	}
}

// DeleteSession removes the blob, its metadata record, and its access
// index entry.
func (c *RedisCache) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, c.sessionKey(sessionID), c.metadataKey(sessionID)).Err(); err != nil {
		return errors.WithContext(err, "delete cache entry")
	}
	if err := c.client.ZRem(ctx, c.accessKey(), sessionID).Err(); err != nil {
		return errors.WithContext(err, "delete access entry")
	}
	return nil
}

// ListSessions returns the ids of all cached, unexpired sessions.
func (c *RedisCache) ListSessions(ctx context.Context) ([]string, error) {
	keys, err := c.client.Keys(ctx, c.opts.KeyPrefix+"session:*").Result()
	if err != nil {
		return nil, errors.WithContext(err, "list cache keys")
	}

	var sessions []string
	for _, key := range keys {
		sessions = append(sessions, strings.TrimPrefix(key, c.opts.KeyPrefix+"session:"))
	}
	return sessions, nil
}

func (c *RedisCache) touch(ctx context.Context, sessionID string) {
	err := c.client.ZAdd(ctx, c.accessKey(), redis.Z{
		Score:  float64(c.clock.Now().UnixMilli()),
		Member: sessionID,
	}).Err()
	if err != nil {
		log.WithError(err).WithField("session", sessionID).Warn(
			"Failed to update cache access index")
	}
}

// enforceSizeBound evicts at most one victim. Repeated single-step eviction
// converges because every insertion that breaches the bound re-triggers it.
func (c *RedisCache) enforceSizeBound(ctx context.Context) error {
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) <= c.opts.MaxSize {
		return nil
	}

	var victim string
	switch c.opts.Policy {
	case FIFO:
		victim, err = c.oldestInserted(ctx, sessions)
	default:
		victim, err = c.leastRecentlyAccessed(ctx)
	}
	if err != nil {
		return err
	}
	if victim == "" {
		return nil
	}

	log.WithFields(log.Fields{
		"session": victim,
		"policy":  c.opts.Policy,
	}).Debug("Evicting cached session")
	return c.DeleteSession(ctx, victim)
}

// leastRecentlyAccessed returns the live session with the oldest access
// timestamp. Index entries whose session has expired are cleaned up along
// the way.
func (c *RedisCache) leastRecentlyAccessed(ctx context.Context) (string, error) {
	members, err := c.client.ZRangeWithScores(ctx, c.accessKey(), 0, -1).Result()
	if err != nil {
		return "", errors.WithContext(err, "read access index")
	}

	for _, member := range members {
		sessionID, ok := member.Member.(string)
		if !ok {
			continue
		}

		exists, err := c.client.Exists(ctx, c.sessionKey(sessionID)).Result()
		if err != nil {
			return "", errors.WithContext(err, "check session key")
		}
		if exists > 0 {
			return sessionID, nil
		}

		// The session expired but its index entry lingered.
		if err := c.client.ZRem(ctx, c.accessKey(), sessionID).Err(); err != nil {
			return "", errors.WithContext(err, "clean up access entry")
		}
	}
	return "", nil
}

// oldestInserted returns the session whose metadata record carries the
// smallest insertion timestamp.
func (c *RedisCache) oldestInserted(ctx context.Context, sessions []string) (string, error) {
	var victim string
	var oldest int64
	for _, sessionID := range sessions {
		record, err := c.client.Get(ctx, c.metadataKey(sessionID)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", errors.WithContext(err, "read cache metadata")
		}

		var meta entryMetadata
		if err := json.Unmarshal(record, &meta); err != nil {
			return "", errors.WithContext(err, "parse cache metadata")
		}

		if victim == "" || meta.Timestamp < oldest {
			victim = sessionID
			oldest = meta.Timestamp
		}
	}
	return victim, nil
}
