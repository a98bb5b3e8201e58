package keys

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg, NewKeyStore(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestGetUserKeyLazyCreate(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	k, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.Len(t, k.Key, KeySize)
	assert.Equal(t, 1, k.Version)
	assert.True(t, k.IsActive)
	assert.Equal(t, KeyIDFor(k.Key), k.KeyID)
	assert.Empty(t, k.PreviousKeyID)

	// Second call returns the same key, not a new one.
	again, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, k.KeyID, again.KeyID)
}

func TestKeysAreUnique(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	a, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)
	b, err := m.GetUserKey(ctx, "bob")
	require.NoError(t, err)

	assert.NotEqual(t, a.KeyID, b.KeyID)
	assert.False(t, bytes.Equal(a.Key, b.Key))
}

func TestRotateUserKey(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	first, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)

	second, err := m.RotateUserKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, first.KeyID, second.PreviousKeyID)
	assert.True(t, second.IsActive)

	// Exactly one active key after rotation, and the old one is
	// retained for decryption.
	meta, err := m.ExportKeyMetadata(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, meta, 2)
	activeCount := 0
	for _, km := range meta {
		if km.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	retained, err := m.GetKeyByID(ctx, "alice", first.KeyID)
	require.NoError(t, err)
	require.NotNil(t, retained)
	assert.False(t, retained.IsActive)
}

func TestGetKeyByIDMissReturnsNil(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)

	k, err := m.GetKeyByID(ctx, "alice", "no-such-key")
	require.NoError(t, err)
	assert.Nil(t, k)
}

func TestPruneOldestInactiveKeys(t *testing.T) {
	m := newTestManager(t, Config{MaxRetainedKeys: 2})
	ctx := context.Background()

	// Pin the clock so rotation order is deterministic.
	now := time.Now()
	m.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	first, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)
	var ids []string
	ids = append(ids, first.KeyID)
	for i := 0; i < 3; i++ {
		k, rerr := m.RotateUserKey(ctx, "alice")
		require.NoError(t, rerr)
		ids = append(ids, k.KeyID)
	}

	meta, err := m.ExportKeyMetadata(ctx, "alice")
	require.NoError(t, err)
	// 1 active + 2 retained.
	assert.Len(t, meta, 3)

	// The oldest key was pruned; its material is gone for good.
	gone, err := m.GetKeyByID(ctx, "alice", ids[0])
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := m.GetKeyByID(ctx, "alice", ids[1])
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestExpiredKeyWithoutAutoRotate(t *testing.T) {
	m := newTestManager(t, Config{KeyTTL: time.Hour})
	ctx := context.Background()

	k, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, k.ExpiresAt)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = m.GetUserKey(ctx, "alice")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeKeyExpired))
}

func TestExpiredKeyAutoRotates(t *testing.T) {
	m := newTestManager(t, Config{KeyTTL: time.Hour, AutoRotate: true})
	ctx := context.Background()

	first, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	second, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.KeyID, second.KeyID)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, first.KeyID, second.PreviousKeyID)
}

func TestDeleteUserKeys(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	k, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, m.DeleteUserKeys(ctx, "alice"))

	gone, err := m.GetKeyByID(ctx, "alice", k.KeyID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	meta, err := m.ExportKeyMetadata(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, meta)

	// A fresh key is minted on next access; the old material never
	// comes back.
	fresh, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, k.KeyID, fresh.KeyID)
	assert.Equal(t, 1, fresh.Version)
}

func TestKeyStorePersistence(t *testing.T) {
	persisted := make(map[string][]UserKey)
	store := NewKeyStore(WithPersistence(
		func(_ context.Context, userID string, keys []UserKey) error {
			persisted[userID] = keys
			return nil
		},
		func(_ context.Context, userID string) ([]UserKey, error) {
			return persisted[userID], nil
		},
	))
	m, err := NewManager(Config{}, store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	k, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, persisted["alice"], 1)
	require.NoError(t, m.Close())

	// A new manager over a fresh store sees the persisted key.
	reloaded, err := NewManager(Config{}, NewKeyStore(WithPersistence(
		func(_ context.Context, userID string, keys []UserKey) error {
			persisted[userID] = keys
			return nil
		},
		func(_ context.Context, userID string) ([]UserKey, error) {
			return persisted[userID], nil
		},
	)), nil)
	require.NoError(t, err)
	got, err := reloaded.GetUserKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, k.KeyID, got.KeyID)
}

func TestRotateKeepsPriorKeyWhenPersistFails(t *testing.T) {
	var failPersist bool
	persisted := make(map[string][]UserKey)
	store := NewKeyStore(WithPersistence(
		func(_ context.Context, userID string, keys []UserKey) error {
			if failPersist {
				return errors.New("secrets backend unavailable")
			}
			persisted[userID] = keys
			return nil
		},
		func(_ context.Context, userID string) ([]UserKey, error) {
			return persisted[userID], nil
		},
	))
	m, err := NewManager(Config{}, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	first, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)

	failPersist = true
	_, err = m.RotateUserKey(ctx, "alice")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeKeyGenerationFailed))

	// A failed rotation must not leave a key active in memory that the
	// backend never saw; content encrypted under it would be lost on
	// restart.
	meta, err := m.ExportKeyMetadata(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, meta, 1)
	assert.Equal(t, first.KeyID, meta[0].KeyID)
	assert.True(t, meta[0].IsActive)

	failPersist = false
	got, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, got.KeyID)
	assert.True(t, bytes.Equal(first.Key, got.Key))
}

func TestLastUsedAtReachesPersistence(t *testing.T) {
	persisted := make(map[string][]UserKey)
	store := NewKeyStore(WithPersistence(
		func(_ context.Context, userID string, keys []UserKey) error {
			persisted[userID] = keys
			return nil
		},
		func(_ context.Context, userID string) ([]UserKey, error) {
			return persisted[userID], nil
		},
	))
	m, err := NewManager(Config{}, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }
	k, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)

	later := base.Add(2 * time.Hour)
	m.now = func() time.Time { return later }
	used, err := m.GetKeyByID(ctx, "alice", k.KeyID)
	require.NoError(t, err)
	require.NotNil(t, used)
	assert.True(t, used.LastUsedAt.Equal(later))

	// The persisted snapshot carries the updated timestamp, so metadata
	// survives a restart without drifting from memory.
	require.Len(t, persisted["alice"], 1)
	assert.True(t, persisted["alice"][0].LastUsedAt.Equal(later))
}

func TestConcurrentRotationLeavesOneActiveKey(t *testing.T) {
	m := newTestManager(t, Config{MaxRetainedKeys: 3})
	ctx := context.Background()

	_, err := m.GetUserKey(ctx, "alice")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, rerr := m.RotateUserKey(ctx, "alice")
			assert.NoError(t, rerr)
		}()
		go func() {
			defer wg.Done()
			k, gerr := m.GetUserKey(ctx, "alice")
			if assert.NoError(t, gerr) {
				assert.True(t, k.IsActive)
			}
		}()
	}
	wg.Wait()

	meta, err := m.ExportKeyMetadata(ctx, "alice")
	require.NoError(t, err)
	// 8 rotations on top of the initial key, pruned to the retention
	// cap, with exactly one key left active.
	assert.Len(t, meta, 4)
	active := 0
	for _, km := range meta {
		if km.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestDeriveSubKey(t *testing.T) {
	master := bytes.Repeat([]byte{0xAB}, KeySize)

	a, err := DeriveSubKey(master, "search-index")
	require.NoError(t, err)
	b, err := DeriveSubKey(master, "search-index")
	require.NoError(t, err)
	c, err := DeriveSubKey(master, "export")
	require.NoError(t, err)

	assert.Equal(t, a, b, "derivation must be deterministic")
	assert.NotEqual(t, a, c, "different purposes must yield different keys")
	assert.Len(t, a, KeySize)

	_, err = DeriveSubKey(nil, "search-index")
	assert.Error(t, err)
	_, err = DeriveSubKey(master, "")
	assert.Error(t, err)
}
