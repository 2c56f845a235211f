package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/felixnotka/trailship/pkg/stream"
)

// DefaultTTL is how long a stored token is trusted before it must be
// re-synchronised from the sink.
const DefaultTTL = 7 * 24 * time.Hour

// ErrUnavailable wraps backend failures. The token store is shared by every
// invocation, so callers treat it as fatal for the whole invocation.
var ErrUnavailable = errors.New("token store unavailable")

// Entry is a stored continuation token.
type Entry struct {
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the entry should no longer be trusted at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store persists the last known continuation token per destination stream.
// Writes are last-writer-wins.
type Store interface {
	// Get returns the entry for id. ok is false when no live entry exists;
	// expired entries are reported as absent.
	Get(ctx context.Context, id stream.ID) (entry Entry, ok bool, err error)

	// Put stores token for id with the given time to live.
	Put(ctx context.Context, id stream.ID, token string, ttl time.Duration) error

	// Delete removes any entry for id. Deleting a missing entry is not an error.
	Delete(ctx context.Context, id stream.ID) error
}
