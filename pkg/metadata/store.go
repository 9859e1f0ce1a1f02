// Package metadata persists the fingerprint set recorded at the end of each
// successful sync. The recorded set is the basis for the next sync's diff.
package metadata

import (
	"context"

	"github.com/browserstate-org/browserstate/pkg/fingerprint"
)

// Store loads and saves the previous fingerprint set for a session.
type Store interface {
	// Load returns the recorded fingerprint set. A session with no recorded
	// set yields an empty set, not an error -- first use is normal.
	Load(ctx context.Context, userID, sessionID string) (fingerprint.Set, error)

	// Save overwrites the recorded fingerprint set.
	Save(ctx context.Context, userID, sessionID string, set fingerprint.Set) error
}
