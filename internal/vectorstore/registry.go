package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// collectionSchemaVersion tags collections so future metadata migrations can
// detect stale layouts.
const collectionSchemaVersion = 1

// CollectionHandle is a cached reference to one (type, user) collection.
type CollectionHandle struct {
	Name      string
	Type      CollectionType
	UserID    string
	CreatedAt time.Time
}

// CollectionRegistry caches collection handles keyed by the deterministic
// collection name.
//
// The registry is an explicit object passed by reference, never a package
// global: each process (or test) constructs its own, so multi-tenant hosting
// and test isolation need no hidden state. Entries are invalidated only by
// explicit Reset/Drop calls, never by a timer.
type CollectionRegistry struct {
	mu      sync.RWMutex
	handles map[string]*CollectionHandle
}

// NewCollectionRegistry creates an empty registry.
func NewCollectionRegistry() *CollectionRegistry {
	return &CollectionRegistry{handles: make(map[string]*CollectionHandle)}
}

// Ensure returns the cached handle for (t, userID), creating the underlying
// collection on first use. The first call tags the collection with its type,
// owner, schema version and creation time.
func (r *CollectionRegistry) Ensure(ctx context.Context, backend Backend, t CollectionType, userID string) (*CollectionHandle, error) {
	name, err := CollectionName(t, userID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	handle, ok := r.handles[name]
	r.mu.RUnlock()
	if ok {
		return handle, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock: another goroutine may have won.
	if handle, ok := r.handles[name]; ok {
		return handle, nil
	}

	now := time.Now().UTC()
	tags := map[string]string{
		"type":       string(t),
		"user_id":    userID,
		"version":    strconv.Itoa(collectionSchemaVersion),
		"created_at": now.Format(time.RFC3339),
	}
	if err := backend.EnsureCollection(ctx, name, tags); err != nil {
		return nil, fmt.Errorf("ensuring collection %s: %w", name, err)
	}

	handle = &CollectionHandle{Name: name, Type: t, UserID: userID, CreatedAt: now}
	r.handles[name] = handle
	return handle, nil
}

// Lookup returns a cached handle without creating anything.
func (r *CollectionRegistry) Lookup(t CollectionType, userID string) (*CollectionHandle, bool) {
	name, err := CollectionName(t, userID)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.handles[name]
	return handle, ok
}

// Drop forgets the handle for (t, userID). Call after deleting the
// underlying collection.
func (r *CollectionRegistry) Drop(t CollectionType, userID string) {
	name, err := CollectionName(t, userID)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.handles, name)
	r.mu.Unlock()
}

// Reset forgets all cached handles.
func (r *CollectionRegistry) Reset() {
	r.mu.Lock()
	r.handles = make(map[string]*CollectionHandle)
	r.mu.Unlock()
}

// Len returns the number of cached handles.
func (r *CollectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
