package objectstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means the object no longer exists. Callers skip it.
	ErrNotFound = errors.New("object not found")

	// ErrUnreadable means this object cannot be read, for example because
	// access to it or to its KMS key is denied. Other objects are unaffected.
	ErrUnreadable = errors.New("object unreadable")

	// ErrUnavailable means the object store itself could not be reached.
	ErrUnavailable = errors.New("object store unavailable")
)

// Store reads whole objects by bucket and key.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}
