// Package vault layers per-user encryption over the vector store. Only
// record content is ever encrypted; embeddings and metadata stay in the
// clear so similarity search keeps working. See internal/vectorstore for
// the tradeoff discussion.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/vaultd/internal/keys"
	"github.com/fyrsmithlabs/vaultd/internal/vectorstore"
)

const tracerName = "github.com/fyrsmithlabs/vaultd/internal/vault"

// batchConcurrency bounds parallel encrypt/decrypt workers per batch call.
const batchConcurrency = 8

// EncryptedStore encrypts record content before it reaches the vector
// store and decrypts it on the way out.
//
// Content is sealed with AES-256-GCM under a sub-key derived from the
// user's active master key and the memory category, with a fresh random
// nonce per call. Ciphertext records carry the master key's id -- the
// sub-key is always re-derivable from (master, purpose) and is never
// persisted anywhere.
//
// A nil key manager disables encryption entirely: content passes through
// untouched and records carry no encryption tags. The bypass is an
// explicit deployment choice surfaced by Enabled(), never silent drift.
type EncryptedStore struct {
	keys    *keys.Manager
	enabled bool
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewEncryptedStore creates the encryption layer. Passing a nil key
// manager disables encryption.
func NewEncryptedStore(km *keys.Manager, logger *zap.Logger) *EncryptedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &EncryptedStore{
		keys:    km,
		enabled: km != nil,
		logger:  logger.Named("vault"),
		tracer:  otel.Tracer(tracerName),
	}
	if !s.enabled {
		s.logger.Warn("encryption disabled: no key manager configured, content will be stored in plaintext")
	}
	return s
}

// Enabled reports whether content encryption is active.
func (s *EncryptedStore) Enabled() bool { return s.enabled }

// seal encrypts plaintext with AES-256-GCM. The random nonce is prepended
// to the ciphertext and the whole bundle is base64-encoded so it can live
// in a string content field.
func seal(subKey []byte, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(subKey)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// open reverses seal. Authentication failure is returned as-is so callers
// can map it to DECRYPTION_FAILED; tampered ciphertext never yields
// plaintext.
func open(subKey []byte, bundle string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(bundle)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext bundle: %w", err)
	}
	block, err := aes.NewCipher(subKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("authenticating ciphertext: %w", err)
	}
	return plaintext, nil
}

// EncryptContent seals plaintext under the user's active master key,
// derived for purpose. It returns the ciphertext bundle and the master
// key's id for later lookup.
func (s *EncryptedStore) EncryptContent(ctx context.Context, plaintext, userID, purpose string) (string, string, error) {
	ctx, span := s.tracer.Start(ctx, "vault.EncryptContent",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("purpose", purpose)))
	defer span.End()

	if !s.enabled {
		return plaintext, "", nil
	}
	master, err := s.keys.GetUserKey(ctx, userID)
	if err != nil {
		return "", "", err
	}
	subKey, err := keys.DeriveSubKey(master.Key, purpose)
	if err != nil {
		return "", "", keys.NewError(keys.CodeEncryptionFailed, "encrypt", err)
	}
	bundle, err := seal(subKey, []byte(plaintext))
	if err != nil {
		return "", "", keys.NewError(keys.CodeEncryptionFailed, "encrypt", err)
	}
	return bundle, master.KeyID, nil
}

// DecryptContent resolves keyID among the user's retained keys, re-derives
// the purpose sub-key, and opens the bundle. An unknown keyID fails with
// KEY_NOT_FOUND; an authentication failure with DECRYPTION_FAILED.
func (s *EncryptedStore) DecryptContent(ctx context.Context, ciphertext, keyID, userID, purpose string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "vault.DecryptContent",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("key.id", keyID),
			attribute.String("purpose", purpose)))
	defer span.End()

	if !s.enabled {
		return ciphertext, nil
	}
	master, err := s.keys.GetKeyByID(ctx, userID, keyID)
	if err != nil {
		return "", err
	}
	if master == nil {
		return "", keys.NewError(keys.CodeKeyNotFound, "decrypt",
			fmt.Errorf("key %s not among retained keys for user", keyID))
	}
	subKey, err := keys.DeriveSubKey(master.Key, purpose)
	if err != nil {
		return "", keys.NewError(keys.CodeDecryptionFailed, "decrypt", err)
	}
	plaintext, err := open(subKey, ciphertext)
	if err != nil {
		return "", keys.NewError(keys.CodeDecryptionFailed, "decrypt", err)
	}
	return string(plaintext), nil
}

// EncryptDocument seals a record's content in place. Embedding and
// caller metadata pass through unchanged; the record gains _encrypted and
// _key_id tags so decryption knows how to reverse it.
func (s *EncryptedStore) EncryptDocument(ctx context.Context, rec *vectorstore.MemoryRecord) error {
	if !s.enabled {
		return nil
	}
	ciphertext, keyID, err := s.EncryptContent(ctx, rec.Content, rec.UserID, string(rec.Collection))
	if err != nil {
		return err
	}
	bundle := &EncryptedBundle{Version: bundleVersion, KeyID: keyID, Ciphertext: ciphertext}
	encoded, err := bundle.Encode()
	if err != nil {
		return keys.NewError(keys.CodeEncryptionFailed, "encrypt", err)
	}
	rec.Content = encoded
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]interface{})
	}
	rec.Metadata[vectorstore.MetaEncrypted] = true
	rec.Metadata[vectorstore.MetaKeyID] = keyID
	return nil
}

// DecryptDocument reverses EncryptDocument. Records without the
// _encrypted tag pass through untouched, so plaintext records written
// before encryption was enabled keep working.
func (s *EncryptedStore) DecryptDocument(ctx context.Context, rec *vectorstore.MemoryRecord) error {
	if !s.enabled {
		return nil
	}
	encrypted, _ := rec.Metadata[vectorstore.MetaEncrypted].(bool)
	if !encrypted {
		return nil
	}
	bundle, err := DecodeBundle(rec.Content)
	if err != nil {
		return keys.NewError(keys.CodeDecryptionFailed, "decrypt",
			fmt.Errorf("record %s marked encrypted but malformed: %w", rec.ID, err))
	}
	plaintext, err := s.DecryptContent(ctx, bundle.Ciphertext, bundle.KeyID, rec.UserID, string(rec.Collection))
	if err != nil {
		return err
	}
	rec.Content = plaintext
	delete(rec.Metadata, vectorstore.MetaEncrypted)
	delete(rec.Metadata, vectorstore.MetaKeyID)
	return nil
}

// EncryptBatch seals every record concurrently. Items share no mutable
// state, so order is irrelevant; the first failure cancels the rest.
func (s *EncryptedStore) EncryptBatch(ctx context.Context, recs []*vectorstore.MemoryRecord) error {
	if !s.enabled {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			return s.EncryptDocument(gctx, rec)
		})
	}
	return g.Wait()
}

// DecryptBatch opens every record concurrently.
func (s *EncryptedStore) DecryptBatch(ctx context.Context, recs []*vectorstore.MemoryRecord) error {
	if !s.enabled {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			return s.DecryptDocument(gctx, rec)
		})
	}
	return g.Wait()
}

// ReencryptContent decrypts a bundle under a retained key and seals it
// again under the current active key. Used by the rotation sweep to
// migrate old ciphertext forward before its key is pruned.
func (s *EncryptedStore) ReencryptContent(ctx context.Context, ciphertext, oldKeyID, userID, purpose string) (string, string, error) {
	ctx, span := s.tracer.Start(ctx, "vault.ReencryptContent",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("key.id", oldKeyID)))
	defer span.End()

	if !s.enabled {
		return ciphertext, "", nil
	}
	plaintext, err := s.DecryptContent(ctx, ciphertext, oldKeyID, userID, purpose)
	if err != nil {
		return "", "", err
	}
	return s.EncryptContent(ctx, plaintext, userID, purpose)
}

// NeedsReencryption reports whether a record sealed under keyID lags the
// user's active key.
func (s *EncryptedStore) NeedsReencryption(ctx context.Context, userID, keyID string) (bool, error) {
	if !s.enabled || keyID == "" {
		return false, nil
	}
	active, err := s.keys.GetUserKey(ctx, userID)
	if err != nil {
		return false, err
	}
	return active.KeyID != keyID, nil
}
