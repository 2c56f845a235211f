package tokenstore

import (
	"context"
	"sync"
	"time"

	"github.com/felixnotka/trailship/pkg/stream"
)

// MemoryStore is an in-memory Store for tests. It is safe for concurrent use
// and records how often each operation ran.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[stream.ID]Entry

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Err, when set, is returned (wrapped in ErrUnavailable) by every call.
	Err error

	gets, puts, deletes int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[stream.ID]Entry), Now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, id stream.ID) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.Err != nil {
		return Entry{}, false, unavailable(m.Err)
	}
	e, ok := m.entries[id]
	if !ok || e.Expired(m.Now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m *MemoryStore) Put(_ context.Context, id stream.ID, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.Err != nil {
		return unavailable(m.Err)
	}
	m.entries[id] = Entry{Token: token, ExpiresAt: m.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id stream.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.Err != nil {
		return unavailable(m.Err)
	}
	delete(m.entries, id)
	return nil
}

// Set stores an entry directly, bypassing TTL computation.
func (m *MemoryStore) Set(id stream.ID, e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = e
}

// Peek returns the raw entry for id, expired or not.
func (m *MemoryStore) Peek(id stream.ID) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

// Calls returns the number of Get, Put and Delete calls.
func (m *MemoryStore) Calls() (gets, puts, deletes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets, m.puts, m.deletes
}

type unavailableError struct{ err error }

func (e unavailableError) Error() string { return ErrUnavailable.Error() + ": " + e.err.Error() }

func (e unavailableError) Unwrap() []error { return []error{ErrUnavailable, e.err} }

func unavailable(err error) error { return unavailableError{err: err} }
