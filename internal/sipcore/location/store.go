package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebas/sipcore/internal/sipcore/store"
)

// ErrNotFound is returned by Del when the AOR has no stored contacts.
var ErrNotFound = errors.New("location: aor not found")

// Store is the pluggable registrar backend. One Store instance serves one
// application; callers needing multiple registrar domains create one engine
// (and store) per application.
//
// Implementations must serialize operations against the same AOR; the
// default in-memory store does so with a coarse lock. Readers are expected
// to receive the raw stored set: expiry filtering is the engine's job.
type Store interface {
	// Get returns the stored contacts for an AOR, nil if none.
	Get(ctx context.Context, aor AOR) ([]RegContact, error)

	// Put replaces the stored contact set of an AOR. The ttl is a storage
	// hint covering the longest-lived contact.
	Put(ctx context.Context, aor AOR, contacts []RegContact, ttl time.Duration) error

	// Del removes an AOR and all its contacts. Returns ErrNotFound if the
	// AOR has no entry.
	Del(ctx context.Context, aor AOR) error

	// DelAll removes every AOR of this application.
	DelAll(ctx context.Context) error
}

// CallTimeout is the hard deadline applied to every store callback.
// A callback exceeding it surfaces as a callback error, never a hang.
const CallTimeout = 15 * time.Second

// TimeoutStore decorates a Store with the hard per-call deadline and
// uniform error wrapping.
type TimeoutStore struct {
	inner Store
	name  string
}

// NewTimeoutStore wraps a backend. The name appears in surfaced errors
// ("Error calling registrar 'name' callback").
func NewTimeoutStore(name string, inner Store) *TimeoutStore {
	return &TimeoutStore{inner: inner, name: name}
}

func (t *TimeoutStore) wrap(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("Error calling registrar '%s' callback: %w", t.name, err)
}

// Get implements Store
func (t *TimeoutStore) Get(ctx context.Context, aor AOR) ([]RegContact, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	contacts, err := t.inner.Get(ctx, aor)
	return contacts, t.wrap(err)
}

// Put implements Store
func (t *TimeoutStore) Put(ctx context.Context, aor AOR, contacts []RegContact, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	return t.wrap(t.inner.Put(ctx, aor, contacts, ttl))
}

// Del implements Store
func (t *TimeoutStore) Del(ctx context.Context, aor AOR) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	return t.wrap(t.inner.Del(ctx, aor))
}

// DelAll implements Store
func (t *TimeoutStore) DelAll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	return t.wrap(t.inner.DelAll(ctx))
}

// MemoryStore is the default in-process backend, a TTL map keyed by AOR.
type MemoryStore struct {
	contacts *store.TTLStore[AOR, []RegContact]
}

// MemoryStoreConfig contains in-memory store configuration
type MemoryStoreConfig struct {
	CleanupInterval time.Duration // How often to clean expired entries
}

// DefaultMemoryStoreConfig returns sensible defaults
func DefaultMemoryStoreConfig() MemoryStoreConfig {
	return MemoryStoreConfig{
		CleanupInterval: 30 * time.Second,
	}
}

// NewMemoryStore creates the default in-memory backend
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	return &MemoryStore{
		contacts: store.NewTTLStore[AOR, []RegContact](cfg.CleanupInterval),
	}
}

// Get implements Store
func (m *MemoryStore) Get(ctx context.Context, aor AOR) ([]RegContact, error) {
	contacts, ok := m.contacts.Get(aor)
	if !ok {
		return nil, nil
	}
	// Callers mutate the returned slice while rebuilding the set
	out := make([]RegContact, len(contacts))
	copy(out, contacts)
	return out, nil
}

// Put implements Store
func (m *MemoryStore) Put(ctx context.Context, aor AOR, contacts []RegContact, ttl time.Duration) error {
	m.contacts.Set(aor, contacts, ttl)
	slog.Debug("[LOCATION] Stored", "aor", aor.String(), "contacts", len(contacts), "ttl", ttl)
	return nil
}

// Del implements Store
func (m *MemoryStore) Del(ctx context.Context, aor AOR) error {
	if !m.contacts.Delete(aor) {
		return ErrNotFound
	}
	slog.Debug("[LOCATION] Deleted", "aor", aor.String())
	return nil
}

// DelAll implements Store
func (m *MemoryStore) DelAll(ctx context.Context) error {
	m.contacts.Clear()
	return nil
}

// Count returns the number of AORs with stored contacts
func (m *MemoryStore) Count() int {
	return m.contacts.Len()
}

// All returns every stored AOR and its contacts (status API)
func (m *MemoryStore) All() map[AOR][]RegContact {
	return m.contacts.All()
}

// Close stops the cleanup goroutine
func (m *MemoryStore) Close() {
	m.contacts.Close()
}
