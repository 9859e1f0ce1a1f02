package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/browserstate-org/browserstate/pkg/fingerprint"
)

// Backend is the slice of a storage backend that persists fingerprint
// records alongside the session data itself. Storing the records remotely
// gives multiple machines sharing a session a consistent basis for diffing.
type Backend interface {
	GetMetadata(ctx context.Context, userID, sessionID string) (fingerprint.Set, error)
	SaveMetadata(ctx context.Context, userID, sessionID string, set fingerprint.Set) error
}

// RemoteStore persists fingerprint records through a storage backend.
// Writes may be rate limited by a minimum update interval to bound the cost
// of metadata churn on remote backends. A skipped write just leaves a stale
// basis behind, which the sync fallback tolerates.
type RemoteStore struct {
	backend     Backend
	minInterval time.Duration
	clock       clockwork.Clock

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

// NewRemoteStore creates a RemoteStore. A minInterval of zero disables rate
// limiting.
func NewRemoteStore(backend Backend, minInterval time.Duration, clock clockwork.Clock) *RemoteStore {
	return &RemoteStore{
		backend:     backend,
		minInterval: minInterval,
		clock:       clock,
		lastWrite:   map[string]time.Time{},
	}
}

// Load reads the recorded fingerprint set from the backend.
func (s *RemoteStore) Load(ctx context.Context, userID, sessionID string) (fingerprint.Set, error) {
	return s.backend.GetMetadata(ctx, userID, sessionID)
}

// Save writes the fingerprint set to the backend, unless a write for the
// same session happened within the minimum update interval. Skipped writes
// are dropped, not queued.
func (s *RemoteStore) Save(ctx context.Context, userID, sessionID string, set fingerprint.Set) error {
	key := userID + "/" + sessionID

	s.mu.Lock()
	now := s.clock.Now()
	if last, ok := s.lastWrite[key]; ok && s.minInterval > 0 && now.Sub(last) < s.minInterval {
		s.mu.Unlock()
		log.WithFields(log.Fields{
			"session":  sessionID,
			"interval": s.minInterval,
		}).Debug("Skipping metadata write within update interval")
		return nil
	}
	s.mu.Unlock()

	if err := s.backend.SaveMetadata(ctx, userID, sessionID, set); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastWrite[key] = now
	s.mu.Unlock()
	return nil
}
