// Package session ties the sync and cache layers together behind a
// mount/unmount lifecycle.
package session

import (
	"context"
	goSync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/browserstate-org/browserstate/pkg/archive"
	"github.com/browserstate-org/browserstate/pkg/cache"
	"github.com/browserstate-org/browserstate/pkg/errors"
	"github.com/browserstate-org/browserstate/pkg/fingerprint"
	"github.com/browserstate-org/browserstate/pkg/metadata"
	"github.com/browserstate-org/browserstate/pkg/storage"
	"github.com/browserstate-org/browserstate/pkg/sync"
)

// Session describes a mounted session.
type Session struct {
	UserID    string
	SessionID string
	LocalPath string
	MountedAt time.Time
}

// Config configures a Manager.
type Config struct {
	// UserID is the user whose sessions the manager operates on.
	UserID string

	// Provider is the storage backend.
	Provider storage.Provider

	// Metadata is where fingerprint records are kept. When nil, records
	// are stored on the Provider itself.
	Metadata metadata.Store

	// Cache optionally accelerates mounts and unmounts. The manager works
	// identically without one.
	Cache cache.Provider

	// SyncOptions are passed through to the sync executor.
	SyncOptions []sync.Option

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Manager owns the mount/unmount lifecycle. At most one session is mounted
// at a time: mounting a second session flushes and replaces the first. The
// mounted session's working directory belongs exclusively to the manager
// until it's unmounted.
type Manager struct {
	fs       afero.Fs
	userID   string
	provider storage.Provider
	meta     metadata.Store
	cache    cache.Provider
	executor *sync.Executor
	clock    clockwork.Clock

	mu     goSync.Mutex
	active *Session
}

// New creates a Manager.
func New(fsys afero.Fs, cfg Config) (*Manager, error) {
	if cfg.UserID == "" {
		return nil, errors.MissingFieldError{Field: "UserID"}
	}
	if cfg.Provider == nil {
		return nil, errors.MissingFieldError{Field: "Provider"}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Metadata == nil {
		cfg.Metadata = metadata.NewRemoteStore(cfg.Provider, 0, cfg.Clock)
	}

	return &Manager{
		fs:       fsys,
		userID:   cfg.UserID,
		provider: cfg.Provider,
		meta:     cfg.Metadata,
		cache:    cfg.Cache,
		executor: sync.New(fsys, cfg.Provider, cfg.Metadata, cfg.SyncOptions...),
		clock:    cfg.Clock,
	}, nil
}

// Mount materializes the session into a local working directory and
// returns the session. An empty sessionID creates a new session under a
// generated id. Mounting a session that doesn't exist yet yields an empty
// directory. If another session is mounted, it's flushed and unmounted
// first.
func (m *Manager) Mount(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if err := m.unmount(ctx); err != nil {
			return nil, errors.WithContext(err, "unmount previous session")
		}
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	localPath, err := m.materialize(ctx, sessionID)
	if err != nil {
		return nil, errors.WithContext(err,
			"mount session "+m.userID+"/"+sessionID)
	}

	m.active = &Session{
		UserID:    m.userID,
		SessionID: sessionID,
		LocalPath: localPath,
		MountedAt: m.clock.Now(),
	}
	log.WithFields(log.Fields{
		"session": sessionID,
		"path":    localPath,
	}).Info("Mounted session")
	return m.sessionCopy(), nil
}

// materialize produces the session's working directory, from the cache
// when possible and through the sync executor otherwise.
func (m *Manager) materialize(ctx context.Context, sessionID string) (string, error) {
	if m.cache != nil {
		if blob, ok := m.cache.Download(ctx, sessionID); ok {
			localPath, err := m.materializeBlob(blob, sessionID)
			if err == nil {
				log.WithField("session", sessionID).Debug("Mounted session from cache")
				return localPath, nil
			}
			log.WithError(err).WithField("session", sessionID).Warn(
				"Failed to materialize cached session. Falling back to storage.")
		}
	}

	basis := m.loadBasis(ctx, sessionID)
	return m.executor.DownloadSession(ctx, m.userID, sessionID, basis)
}

func (m *Manager) materializeBlob(blob []byte, sessionID string) (string, error) {
	target := storage.WorkPath(m.userID, sessionID)
	if err := m.fs.RemoveAll(target); err != nil {
		return "", errors.WithContext(err, "clear working directory")
	}
	if err := m.fs.MkdirAll(target, 0755); err != nil {
		return "", errors.WithContext(err, "create working directory")
	}
	if err := archive.Unpack(m.fs, blob, target); err != nil {
		return "", errors.WithContext(err, "unpack cached session")
	}
	return target, nil
}

// Unmount uploads the mounted session, write-through updates the cache,
// removes the working directory, and clears the mounted session. It fails
// if nothing is mounted.
func (m *Manager) Unmount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unmount(ctx)
}

func (m *Manager) unmount(ctx context.Context) error {
	if m.active == nil {
		return errors.ErrNoActiveSession
	}
	active := m.active

	basis := m.loadBasis(ctx, active.SessionID)
	err := m.executor.UploadSession(ctx, m.userID, active.SessionID, active.LocalPath, basis)
	if err != nil {
		// The session stays mounted so the caller can retry without
		// losing local state.
		return errors.WithContext(err,
			"upload session "+m.userID+"/"+active.SessionID)
	}

	if m.cache != nil {
		if blob, err := archive.Pack(m.fs, active.LocalPath); err == nil {
			m.cache.Upload(ctx, active.SessionID, blob)
		} else {
			log.WithError(err).WithField("session", active.SessionID).Warn(
				"Failed to pack session for caching")
		}
	}

	if err := m.fs.RemoveAll(active.LocalPath); err != nil {
		log.WithError(err).WithField("path", active.LocalPath).Warn(
			"Failed to remove session working directory")
	}

	log.WithField("session", active.SessionID).Info("Unmounted session")
	m.active = nil
	return nil
}

// ListSessions returns the ids of the user's stored sessions. Failures are
// logged and reported as an empty list.
func (m *Manager) ListSessions(ctx context.Context) []string {
	sessions, err := m.provider.ListSessions(ctx, m.userID)
	if err != nil {
		log.WithError(err).Error("Failed to list sessions")
		return nil
	}
	return sessions
}

// DeleteSession removes the session from storage and from the cache. If
// the session is currently mounted, it's flushed and unmounted first.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.SessionID == sessionID {
		if err := m.unmount(ctx); err != nil {
			return errors.WithContext(err, "unmount before delete")
		}
	}

	if err := m.provider.DeleteSession(ctx, m.userID, sessionID); err != nil {
		return errors.WithContext(err,
			"delete session "+m.userID+"/"+sessionID)
	}

	if m.cache != nil {
		if err := m.cache.DeleteSession(ctx, sessionID); err != nil {
			log.WithError(err).WithField("session", sessionID).Warn(
				"Failed to delete cached session")
		}
	}
	return nil
}

// GetActiveSession returns the mounted session, or nil when nothing is
// mounted.
func (m *Manager) GetActiveSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCopy()
}

// FlushOnShutdown unmounts the mounted session, if any. The embedding
// application should call this from its own shutdown path; the manager
// never registers process-wide hooks itself.
func (m *Manager) FlushOnShutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	return m.unmount(ctx)
}

func (m *Manager) loadBasis(ctx context.Context, sessionID string) fingerprint.Set {
	basis, err := m.meta.Load(ctx, m.userID, sessionID)
	if err != nil {
		log.WithError(err).WithField("session", sessionID).Warn(
			"Failed to load session fingerprints. Performing a full transfer.")
		return fingerprint.Set{}
	}
	return basis
}

func (m *Manager) sessionCopy() *Session {
	if m.active == nil {
		return nil
	}
	copied := *m.active
	return &copied
}
