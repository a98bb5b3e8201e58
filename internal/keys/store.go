package keys

import (
	"context"
	"fmt"
	"sync"
)

// PersistFunc durably stores a user's full key set after a mutation.
// The payload includes raw key bytes; implementations must write to a
// secrets backend, never to logs.
type PersistFunc func(ctx context.Context, userID string, keys []UserKey) error

// LoadFunc restores a user's key set. Returning an empty slice means the
// user has no keys yet.
type LoadFunc func(ctx context.Context, userID string) ([]UserKey, error)

// KeyStore holds key material in process memory, optionally backed by
// persistence callbacks.
//
// It is an explicit object constructed once per process (or per test) and
// passed by reference -- never a package-level cache -- so tests stay
// isolated and multiple tenants can be hosted without hidden global state.
// Entries leave the store only through explicit delete or purge calls.
type KeyStore struct {
	mu       sync.RWMutex
	byUser   map[string][]*UserKey
	loaded   map[string]bool
	onPersis PersistFunc
	onLoad   LoadFunc
}

// KeyStoreOption configures a KeyStore.
type KeyStoreOption func(*KeyStore)

// WithPersistence wires durable storage callbacks.
func WithPersistence(persist PersistFunc, load LoadFunc) KeyStoreOption {
	return func(s *KeyStore) {
		s.onPersis = persist
		s.onLoad = load
	}
}

// NewKeyStore creates an empty KeyStore.
func NewKeyStore(opts ...KeyStoreOption) *KeyStore {
	s := &KeyStore{
		byUser: make(map[string][]*UserKey),
		loaded: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// load ensures the user's keys are in memory, pulling from the persistence
// backend on first access. Caller must hold mu.
func (s *KeyStore) load(ctx context.Context, userID string) error {
	if s.loaded[userID] || s.onLoad == nil {
		s.loaded[userID] = true
		return nil
	}
	persisted, err := s.onLoad(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading keys for user: %w", err)
	}
	keys := make([]*UserKey, len(persisted))
	for i := range persisted {
		k := persisted[i]
		k.Key = append([]byte(nil), k.Key...)
		keys[i] = &k
	}
	s.byUser[userID] = keys
	s.loaded[userID] = true
	return nil
}

// persistKeys pushes the given key set to the backend. Caller must
// hold mu.
func (s *KeyStore) persistKeys(ctx context.Context, userID string, keys []*UserKey) error {
	if s.onPersis == nil {
		return nil
	}
	out := make([]UserKey, len(keys))
	for i, k := range keys {
		out[i] = *k
		// Detach key bytes so later zeroization of the in-memory copy
		// cannot reach into the persisted snapshot.
		out[i].Key = append([]byte(nil), k.Key...)
	}
	return s.onPersis(ctx, userID, out)
}

// Keys returns the user's keys, loading from persistence if needed.
// The returned slice is a snapshot; the pointed-to keys are shared but are
// never written in place after install (Mutate replaces them with copies),
// so concurrent readers are safe.
func (s *KeyStore) Keys(ctx context.Context, userID string) ([]*UserKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx, userID); err != nil {
		return nil, err
	}
	return append([]*UserKey(nil), s.byUser[userID]...), nil
}

// Mutate runs fn against a detached copy of the user's key slice under the
// write lock, persists fn's result, and installs it only after the backend
// accepts it. fn returns the new slice.
//
// When persistence fails the committed key set stays exactly as it was and
// the abandoned copies are zeroized, so a key the backend never saw cannot
// become active in memory.
func (s *KeyStore) Mutate(ctx context.Context, userID string, fn func(keys []*UserKey) []*UserKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx, userID); err != nil {
		return err
	}
	current := s.byUser[userID]
	work := make([]*UserKey, len(current))
	for i, k := range current {
		work[i] = k.Clone()
	}
	next := fn(work)
	if err := s.persistKeys(ctx, userID, next); err != nil {
		for _, k := range next {
			k.Zero()
		}
		return err
	}
	s.byUser[userID] = next
	return nil
}

// Purge zeroizes and removes every key for userID.
func (s *KeyStore) Purge(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx, userID); err != nil {
		return err
	}
	// Erase durably first: if the backend write fails the in-memory keys
	// stay usable instead of leaving persisted copies behind.
	if err := s.persistKeys(ctx, userID, nil); err != nil {
		return err
	}
	for _, k := range s.byUser[userID] {
		k.Zero()
	}
	delete(s.byUser, userID)
	return nil
}

// ZeroAll overwrites all key material. Called on shutdown so raw keys do
// not outlive the process's working set.
func (s *KeyStore) ZeroAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, keys := range s.byUser {
		for _, k := range keys {
			k.Zero()
		}
	}
	s.byUser = make(map[string][]*UserKey)
	s.loaded = make(map[string]bool)
}
