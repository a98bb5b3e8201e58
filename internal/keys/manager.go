package keys

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/fyrsmithlabs/vaultd/internal/keys"

// Config controls key lifecycle policy.
type Config struct {
	// MaxRetainedKeys caps how many rotated-out keys are kept per user for
	// decrypting older records. The active key does not count against it.
	MaxRetainedKeys int `koanf:"max_retained_keys"`
	// KeyTTL expires active keys after this duration. Zero means keys
	// never expire.
	KeyTTL time.Duration `koanf:"key_ttl"`
	// AutoRotate rotates transparently on expiry instead of surfacing
	// KEY_EXPIRED to the caller.
	AutoRotate bool `koanf:"auto_rotate"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxRetainedKeys == 0 {
		c.MaxRetainedKeys = 3
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.MaxRetainedKeys < 1 {
		return fmt.Errorf("max_retained_keys must be at least 1, got %d", c.MaxRetainedKeys)
	}
	if c.KeyTTL < 0 {
		return fmt.Errorf("key_ttl must not be negative, got %s", c.KeyTTL)
	}
	return nil
}

// Manager owns the per-user key lifecycle: generation, lazy creation,
// rotation, retention pruning, and cryptographic erasure.
//
// All mutations for a user are serialized on a per-user mutex so rotation
// is atomic: at every observable point exactly one key per user is active.
type Manager struct {
	cfg    Config
	store  *KeyStore
	logger *zap.Logger
	tracer trace.Tracer

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewManager creates a key manager backed by store.
func NewManager(cfg Config, store *KeyStore, logger *zap.Logger) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid key manager config: %w", err)
	}
	if store == nil {
		store = NewKeyStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger.Named("keys"),
		tracer: otel.Tracer(tracerName),
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}, nil
}

// userLock returns the mutex serializing mutations for userID.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

func (m *Manager) newKey(userID string, prior *UserKey) (*UserKey, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, NewError(CodeKeyGenerationFailed, "generate", fmt.Errorf("reading random key material: %w", err))
	}
	now := m.now()
	k := &UserKey{
		Key:        raw,
		KeyID:      KeyIDFor(raw),
		UserID:     userID,
		Version:    1,
		CreatedAt:  now,
		LastUsedAt: now,
		IsActive:   true,
	}
	if m.cfg.KeyTTL > 0 {
		exp := now.Add(m.cfg.KeyTTL)
		k.ExpiresAt = &exp
	}
	if prior != nil {
		k.Version = prior.Version + 1
		k.PreviousKeyID = prior.KeyID
	}
	return k, nil
}

func activeKey(keys []*UserKey) *UserKey {
	for _, k := range keys {
		if k.IsActive {
			return k
		}
	}
	return nil
}

// prune drops the oldest inactive keys beyond the retention cap, zeroizing
// their material. Records encrypted under a pruned key become unreadable;
// that is the retention policy working as intended.
func (m *Manager) prune(userID string, keys []*UserKey) []*UserKey {
	var inactive []*UserKey
	for _, k := range keys {
		if !k.IsActive {
			inactive = append(inactive, k)
		}
	}
	excess := len(inactive) - m.cfg.MaxRetainedKeys
	if excess <= 0 {
		return keys
	}
	sort.Slice(inactive, func(i, j int) bool {
		return inactive[i].CreatedAt.Before(inactive[j].CreatedAt)
	})
	pruned := make(map[string]bool, excess)
	for _, k := range inactive[:excess] {
		pruned[k.KeyID] = true
		k.Zero()
		m.logger.Info("pruned retained key",
			zap.String("user_id", userID),
			zap.String("key_id", k.KeyID),
			zap.Int("version", k.Version))
	}
	kept := keys[:0]
	for _, k := range keys {
		if !pruned[k.KeyID] {
			kept = append(kept, k)
		}
	}
	return kept
}

// createLocked generates and installs a new active key. Caller must hold
// the user lock.
func (m *Manager) createLocked(ctx context.Context, userID string) (*UserKey, error) {
	var created *UserKey
	err := m.store.Mutate(ctx, userID, func(keys []*UserKey) []*UserKey {
		prior := activeKey(keys)
		k, kerr := m.newKey(userID, prior)
		if kerr != nil {
			created = nil
			return keys
		}
		if prior != nil {
			prior.IsActive = false
		}
		created = k
		return m.prune(userID, append(keys, k))
	})
	if err != nil {
		return nil, NewError(CodeKeyGenerationFailed, "create", err)
	}
	if created == nil {
		return nil, NewError(CodeKeyGenerationFailed, "create", fmt.Errorf("key generation produced no key"))
	}
	m.logger.Info("created user key",
		zap.String("user_id", userID),
		zap.String("key_id", created.KeyID),
		zap.Int("version", created.Version))
	return created, nil
}

// touch stamps LastUsedAt on the given key version. The write runs inside
// the store mutation, so it holds the store lock and reaches the
// persistence backend like every other key-set change. Returns (nil, nil)
// when no such key exists.
func (m *Manager) touch(ctx context.Context, userID, keyID string) (*UserKey, error) {
	var touched *UserKey
	err := m.store.Mutate(ctx, userID, func(keys []*UserKey) []*UserKey {
		for _, k := range keys {
			if k.KeyID == keyID {
				k.LastUsedAt = m.now()
				touched = k
				break
			}
		}
		return keys
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

// CreateUserKey generates a fresh 256-bit key for userID and makes it the
// active key, retaining the previous one for decryption of older records.
func (m *Manager) CreateUserKey(ctx context.Context, userID string) (*UserKey, error) {
	ctx, span := m.tracer.Start(ctx, "keys.CreateUserKey",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if userID == "" {
		return nil, NewError(CodeInvalidKey, "create", fmt.Errorf("user id must not be empty"))
	}
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return m.createLocked(ctx, userID)
}

// GetUserKey returns the user's active key, creating one on first use.
// An expired key is rotated transparently when AutoRotate is on,
// otherwise the call fails with KEY_EXPIRED.
func (m *Manager) GetUserKey(ctx context.Context, userID string) (*UserKey, error) {
	ctx, span := m.tracer.Start(ctx, "keys.GetUserKey",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if userID == "" {
		return nil, NewError(CodeInvalidKey, "get", fmt.Errorf("user id must not be empty"))
	}
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	keys, err := m.store.Keys(ctx, userID)
	if err != nil {
		return nil, NewError(CodeKeyNotFound, "get", err)
	}
	active := activeKey(keys)
	if active == nil {
		return m.createLocked(ctx, userID)
	}
	if active.Expired(m.now()) {
		if !m.cfg.AutoRotate {
			return nil, NewError(CodeKeyExpired, "get",
				fmt.Errorf("active key %s for user expired at %s", active.KeyID, active.ExpiresAt.Format(time.RFC3339)))
		}
		m.logger.Info("auto-rotating expired key",
			zap.String("user_id", userID),
			zap.String("key_id", active.KeyID))
		return m.createLocked(ctx, userID)
	}
	touched, err := m.touch(ctx, userID, active.KeyID)
	if err != nil {
		return nil, NewError(CodeKeyNotFound, "get", err)
	}
	return touched, nil
}

// GetKeyByID looks up a specific key version, active or retained. It
// returns (nil, nil) when no such key exists so callers can distinguish
// a missing key from an infrastructure failure.
func (m *Manager) GetKeyByID(ctx context.Context, userID, keyID string) (*UserKey, error) {
	ctx, span := m.tracer.Start(ctx, "keys.GetKeyByID",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("key.id", keyID)))
	defer span.End()

	k, err := m.touch(ctx, userID, keyID)
	if err != nil {
		return nil, NewError(CodeKeyNotFound, "get_by_id", err)
	}
	return k, nil
}

// RotateUserKey deactivates the current key and installs a fresh one. The
// swap happens under the user lock, so no reader ever observes zero or
// two active keys.
func (m *Manager) RotateUserKey(ctx context.Context, userID string) (*UserKey, error) {
	ctx, span := m.tracer.Start(ctx, "keys.RotateUserKey",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if userID == "" {
		return nil, NewError(CodeInvalidKey, "rotate", fmt.Errorf("user id must not be empty"))
	}
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return m.createLocked(ctx, userID)
}

// DeleteUserKeys zeroizes and removes every key for userID. Combined with
// encrypted storage this is cryptographic erasure: without the keys the
// user's ciphertext is permanently unreadable.
func (m *Manager) DeleteUserKeys(ctx context.Context, userID string) error {
	ctx, span := m.tracer.Start(ctx, "keys.DeleteUserKeys",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.Purge(ctx, userID); err != nil {
		return NewError(CodeKeyNotFound, "delete", err)
	}
	m.logger.Info("deleted all keys for user", zap.String("user_id", userID))
	return nil
}

// ExportKeyMetadata returns lifecycle metadata for every key the user
// holds, without raw key bytes. Used by the data export endpoint.
func (m *Manager) ExportKeyMetadata(ctx context.Context, userID string) ([]KeyMetadata, error) {
	keys, err := m.store.Keys(ctx, userID)
	if err != nil {
		return nil, NewError(CodeKeyNotFound, "export", err)
	}
	out := make([]KeyMetadata, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Close zeroizes all in-memory key material.
func (m *Manager) Close() error {
	m.store.ZeroAll()
	return nil
}
