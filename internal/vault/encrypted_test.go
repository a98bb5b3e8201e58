package vault

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vaultd/internal/keys"
	"github.com/fyrsmithlabs/vaultd/internal/vectorstore"
)

func newTestCrypto(t *testing.T) (*EncryptedStore, *keys.Manager) {
	t.Helper()
	km, err := keys.NewManager(keys.Config{}, keys.NewKeyStore(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = km.Close() })
	return NewEncryptedStore(km, nil), km
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	crypto, _ := newTestCrypto(t)
	ctx := context.Background()

	ct, keyID, err := crypto.EncryptContent(ctx, "hello vault", "alice", "semantic")
	require.NoError(t, err)
	require.NotEmpty(t, keyID)
	assert.NotEqual(t, "hello vault", ct)

	pt, err := crypto.DecryptContent(ctx, ct, keyID, "alice", "semantic")
	require.NoError(t, err)
	assert.Equal(t, "hello vault", pt)
}

func TestTamperedCiphertextFails(t *testing.T) {
	crypto, _ := newTestCrypto(t)
	ctx := context.Background()

	ct, keyID, err := crypto.EncryptContent(ctx, "hello vault", "alice", "semantic")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	// Flip one bit anywhere in nonce, ciphertext or tag: GCM must reject it.
	raw[len(raw)/2] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = crypto.DecryptContent(ctx, tampered, keyID, "alice", "semantic")
	require.Error(t, err)
	assert.True(t, keys.IsCode(err, keys.CodeDecryptionFailed))
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	crypto, _ := newTestCrypto(t)
	ctx := context.Background()

	a, keyID, err := crypto.EncryptContent(ctx, "same plaintext", "alice", "semantic")
	require.NoError(t, err)
	b, _, err := crypto.EncryptContent(ctx, "same plaintext", "alice", "semantic")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "fresh nonce per call must vary the ciphertext")

	pa, err := crypto.DecryptContent(ctx, a, keyID, "alice", "semantic")
	require.NoError(t, err)
	pb, err := crypto.DecryptContent(ctx, b, keyID, "alice", "semantic")
	require.NoError(t, err)
	assert.Equal(t, pa, pb)
}

func TestCrossUserDecryptionFails(t *testing.T) {
	crypto, km := newTestCrypto(t)
	ctx := context.Background()

	ct, aliceKey, err := crypto.EncryptContent(ctx, "alice's secret", "alice", "semantic")
	require.NoError(t, err)

	// Bob has his own key chain; alice's keyId is unknown there.
	_, err = km.GetUserKey(ctx, "bob")
	require.NoError(t, err)
	_, err = crypto.DecryptContent(ctx, ct, aliceKey, "bob", "semantic")
	require.Error(t, err)
	assert.True(t, keys.IsCode(err, keys.CodeKeyNotFound))
}

func TestPurposeSeparation(t *testing.T) {
	crypto, _ := newTestCrypto(t)
	ctx := context.Background()

	ct, keyID, err := crypto.EncryptContent(ctx, "category-bound", "alice", "semantic")
	require.NoError(t, err)

	// Same master key, different derived sub-key: authentication fails.
	_, err = crypto.DecryptContent(ctx, ct, keyID, "alice", "episodic")
	require.Error(t, err)
	assert.True(t, keys.IsCode(err, keys.CodeDecryptionFailed))
}

func TestUnknownKeyIDFails(t *testing.T) {
	crypto, _ := newTestCrypto(t)
	ctx := context.Background()

	ct, _, err := crypto.EncryptContent(ctx, "hello", "alice", "semantic")
	require.NoError(t, err)

	_, err = crypto.DecryptContent(ctx, ct, "deadbeefdeadbeefdeadbeefdeadbeef", "alice", "semantic")
	require.Error(t, err)
	assert.True(t, keys.IsCode(err, keys.CodeKeyNotFound))
}

func TestRotationAndErasureScenario(t *testing.T) {
	crypto, km := newTestCrypto(t)
	ctx := context.Background()

	ct, oldKeyID, err := crypto.EncryptContent(ctx, "hello vault", "alice", "semantic")
	require.NoError(t, err)

	pt, err := crypto.DecryptContent(ctx, ct, oldKeyID, "alice", "semantic")
	require.NoError(t, err)
	require.Equal(t, "hello vault", pt)

	// Rotation retains the old key: legacy ciphertext still decrypts.
	_, err = km.RotateUserKey(ctx, "alice")
	require.NoError(t, err)
	pt, err = crypto.DecryptContent(ctx, ct, oldKeyID, "alice", "semantic")
	require.NoError(t, err)
	require.Equal(t, "hello vault", pt)

	// Erasing the keys makes the untouched ciphertext unreadable forever.
	require.NoError(t, km.DeleteUserKeys(ctx, "alice"))
	_, err = crypto.DecryptContent(ctx, ct, oldKeyID, "alice", "semantic")
	require.Error(t, err)
}

func TestReencryptContent(t *testing.T) {
	crypto, km := newTestCrypto(t)
	ctx := context.Background()

	ct, oldKeyID, err := crypto.EncryptContent(ctx, "migrate me", "alice", "semantic")
	require.NoError(t, err)

	stale, err := crypto.NeedsReencryption(ctx, "alice", oldKeyID)
	require.NoError(t, err)
	assert.False(t, stale)

	_, err = km.RotateUserKey(ctx, "alice")
	require.NoError(t, err)

	stale, err = crypto.NeedsReencryption(ctx, "alice", oldKeyID)
	require.NoError(t, err)
	assert.True(t, stale)

	fresh, newKeyID, err := crypto.ReencryptContent(ctx, ct, oldKeyID, "alice", "semantic")
	require.NoError(t, err)
	assert.NotEqual(t, oldKeyID, newKeyID)

	pt, err := crypto.DecryptContent(ctx, fresh, newKeyID, "alice", "semantic")
	require.NoError(t, err)
	assert.Equal(t, "migrate me", pt)
}

func TestEncryptDocumentBundle(t *testing.T) {
	crypto, _ := newTestCrypto(t)
	ctx := context.Background()

	rec := &vectorstore.MemoryRecord{
		ID:         "m1",
		Content:    "the user prefers dark mode",
		Embedding:  []float32{0.1, 0.2, 0.3},
		Metadata:   map[string]interface{}{"importance": 0.8},
		Collection: vectorstore.CollectionSemantic,
		UserID:     "alice",
	}
	require.NoError(t, crypto.EncryptDocument(ctx, rec))

	// Embedding and caller metadata pass through; content became a bundle.
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, rec.Embedding)
	assert.Equal(t, 0.8, rec.Metadata["importance"])
	assert.Equal(t, true, rec.Metadata[vectorstore.MetaEncrypted])
	require.NotEmpty(t, rec.Metadata[vectorstore.MetaKeyID])

	bundle, err := DecodeBundle(rec.Content)
	require.NoError(t, err)
	assert.Equal(t, rec.Metadata[vectorstore.MetaKeyID], bundle.KeyID)

	require.NoError(t, crypto.DecryptDocument(ctx, rec))
	assert.Equal(t, "the user prefers dark mode", rec.Content)
	_, tagged := rec.Metadata[vectorstore.MetaEncrypted]
	assert.False(t, tagged)
}

func TestDisabledEncryptionPassthrough(t *testing.T) {
	crypto := NewEncryptedStore(nil, nil)
	ctx := context.Background()

	assert.False(t, crypto.Enabled())

	ct, keyID, err := crypto.EncryptContent(ctx, "plain", "alice", "semantic")
	require.NoError(t, err)
	assert.Equal(t, "plain", ct)
	assert.Empty(t, keyID)

	rec := &vectorstore.MemoryRecord{Content: "plain", UserID: "alice", Collection: vectorstore.CollectionSemantic}
	require.NoError(t, crypto.EncryptDocument(ctx, rec))
	assert.Equal(t, "plain", rec.Content)
	assert.Nil(t, rec.Metadata)
}

func TestDecryptBatchSharedKey(t *testing.T) {
	crypto, _ := newTestCrypto(t)
	ctx := context.Background()

	// All records belong to one user, so every decrypt worker resolves
	// the same master key concurrently. Run under -race to verify the
	// key lookup path stays free of unsynchronized writes.
	recs := make([]*vectorstore.MemoryRecord, 64)
	for i := range recs {
		recs[i] = &vectorstore.MemoryRecord{
			ID:         fmt.Sprintf("m%d", i),
			Content:    fmt.Sprintf("memory %d", i),
			Collection: vectorstore.CollectionSemantic,
			UserID:     "alice",
		}
	}
	require.NoError(t, crypto.EncryptBatch(ctx, recs))
	require.NoError(t, crypto.DecryptBatch(ctx, recs))
	for i, rec := range recs {
		assert.Equal(t, fmt.Sprintf("memory %d", i), rec.Content)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	crypto, _ := newTestCrypto(t)
	ctx := context.Background()

	recs := make([]*vectorstore.MemoryRecord, 20)
	for i := range recs {
		recs[i] = &vectorstore.MemoryRecord{
			ID:         string(rune('a' + i)),
			Content:    "memory " + string(rune('a'+i)),
			Collection: vectorstore.CollectionEpisodic,
			UserID:     "alice",
		}
	}
	require.NoError(t, crypto.EncryptBatch(ctx, recs))
	for i, rec := range recs {
		assert.NotEqual(t, "memory "+string(rune('a'+i)), rec.Content)
	}
	require.NoError(t, crypto.DecryptBatch(ctx, recs))
	for i, rec := range recs {
		assert.Equal(t, "memory "+string(rune('a'+i)), rec.Content)
	}
}
