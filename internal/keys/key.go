package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// KeySize is the symmetric key length in bytes (AES-256).
const KeySize = 32

// UserKey is one version of a user's master key.
//
// The raw Key bytes never leave this package except to the encryption layer;
// logs and exports carry only the derived KeyID.
type UserKey struct {
	// Key is the raw 32-byte key material.
	Key []byte

	// KeyID is a deterministic hash of the key bytes, so resolving a key by
	// id needs no separate index.
	KeyID string

	// UserID is the owning user.
	UserID string

	// Version is monotonic per user, starting at 1.
	Version int

	CreatedAt  time.Time
	LastUsedAt time.Time

	// ExpiresAt is nil when the key never expires.
	ExpiresAt *time.Time

	// IsActive marks the single key currently used for new encryptions.
	// At most one key per user is active at any time.
	IsActive bool

	// PreviousKeyID links to the key this one replaced, forming the
	// rotation chain.
	PreviousKeyID string
}

// KeyIDFor derives the deterministic key id from raw key bytes.
func KeyIDFor(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:16])
}

// Expired reports whether the key is past its expiry at the given time.
func (k *UserKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Zero overwrites the raw key bytes. Call before dropping the last
// reference so key material does not linger in memory.
func (k *UserKey) Zero() {
	for i := range k.Key {
		k.Key[i] = 0
	}
}

// Clone returns a deep copy with detached key bytes. Mutations and
// zeroization of the copy never reach the original.
func (k *UserKey) Clone() *UserKey {
	out := *k
	out.Key = append([]byte(nil), k.Key...)
	if k.ExpiresAt != nil {
		exp := *k.ExpiresAt
		out.ExpiresAt = &exp
	}
	return &out
}

// Metadata returns the exportable view of the key: everything except the
// raw bytes.
func (k *UserKey) Metadata() KeyMetadata {
	return KeyMetadata{
		KeyID:         k.KeyID,
		UserID:        k.UserID,
		Version:       k.Version,
		CreatedAt:     k.CreatedAt,
		LastUsedAt:    k.LastUsedAt,
		ExpiresAt:     k.ExpiresAt,
		IsActive:      k.IsActive,
		PreviousKeyID: k.PreviousKeyID,
	}
}

// KeyMetadata is the raw-byte-free view of a UserKey, safe to export and log.
type KeyMetadata struct {
	KeyID         string     `json:"key_id"`
	UserID        string     `json:"user_id"`
	Version       int        `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUsedAt    time.Time  `json:"last_used_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IsActive      bool       `json:"is_active"`
	PreviousKeyID string     `json:"previous_key_id,omitempty"`
}
