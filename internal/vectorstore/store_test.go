package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vaultd/internal/embeddings"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := NewChromemBackend(ChromemConfig{VectorSize: 64}, nil)
	require.NoError(t, err)
	store, err := NewStore(backend, embeddings.NewLocal(64), NewCollectionRegistry(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func singleRecord(id, content string) RecordBatch {
	return RecordBatch{
		IDs:       []string{id},
		Contents:  []string{content},
		Metadatas: []map[string]interface{}{{}},
	}
}

func TestStoreRequiresInitialization(t *testing.T) {
	backend, err := NewChromemBackend(ChromemConfig{VectorSize: 64}, nil)
	require.NoError(t, err)
	store, err := NewStore(backend, embeddings.NewLocal(64), NewCollectionRegistry(), nil)
	require.NoError(t, err)

	err = store.Add(context.Background(), CollectionSemantic, "alice", singleRecord("m1", "x"))
	require.Error(t, err)
	assert.Equal(t, CodeNotInitialized, CodeOf(err))
}

func TestAddGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := RecordBatch{
		IDs:      []string{"m1"},
		Contents: []string{"the user prefers dark mode"},
		Metadatas: []map[string]interface{}{{
			MetaTopics:   []interface{}{"preferences"},
			"importance": 0.9,
			"verified":   true,
		}},
	}
	require.NoError(t, store.Add(ctx, CollectionSemantic, "alice", batch))

	results, err := store.Get(ctx, CollectionSemantic, "alice", []string{"m1"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0]
	assert.Equal(t, "the user prefers dark mode", got.Content)
	assert.Equal(t, "alice", got.Metadata[MetaUserID])
	assert.Equal(t, []string{"preferences"}, StringTopics(got.Metadata))
	assert.Equal(t, 0.9, got.Metadata["importance"])
	assert.Equal(t, true, got.Metadata["verified"])
	_, hasCreated := got.Metadata[MetaCreatedAt].(time.Time)
	assert.True(t, hasCreated, "created_at must round-trip as a time")
}

func TestAddRejectsExistingID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, CollectionSemantic, "alice", singleRecord("m1", "first")))
	err := store.Add(ctx, CollectionSemantic, "alice", singleRecord("m1", "second"))
	require.Error(t, err)
	assert.Equal(t, CodeInsertFailed, CodeOf(err))
}

func TestUpdateRejectsMissingID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, CollectionSemantic, "alice", singleRecord("ghost", "x"))
	require.Error(t, err)
	assert.Equal(t, CodeUpdateFailed, CodeOf(err))

	require.NoError(t, store.Add(ctx, CollectionSemantic, "alice", singleRecord("m1", "old")))
	require.NoError(t, store.Update(ctx, CollectionSemantic, "alice", singleRecord("m1", "new")))

	results, err := store.Get(ctx, CollectionSemantic, "alice", []string{"m1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "new", results[0].Content)
}

func TestBatchValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Add(ctx, CollectionSemantic, "alice", RecordBatch{})
	assert.ErrorIs(t, err, ErrEmptyBatch)

	err = store.Add(ctx, CollectionSemantic, "alice", RecordBatch{
		IDs:       []string{"a", "b"},
		Contents:  []string{"only one"},
		Metadatas: []map[string]interface{}{{}, {}},
	})
	assert.ErrorIs(t, err, ErrBatchLengthMismatch)
}

func TestQueryOrderingAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	embedder := embeddings.NewLocal(64)

	contents := []string{
		"the user prefers dark mode",
		"the user prefers light mode",
		"deploy by pushing a release tag",
	}
	for i, c := range contents {
		require.NoError(t, store.Add(ctx, CollectionSemantic, "alice",
			singleRecord(fmt.Sprintf("m%d", i+1), c)))
	}

	queryEmb, err := embedder.EmbedQuery(ctx, "the user prefers dark mode")
	require.NoError(t, err)

	results, err := store.QueryByEmbedding(ctx, CollectionSemantic, "alice", queryEmb, QueryOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "the user prefers dark mode", results[0].Content)
	assert.LessOrEqual(t, results[0].Distance, results[1].Distance)
	assert.InDelta(t, 0, results[0].Distance, 1e-5, "identical text embeds to distance ~0")
}

func TestCollectionIsolationBetweenUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	embedder := embeddings.NewLocal(64)

	require.NoError(t, store.Add(ctx, CollectionSemantic, "alice", singleRecord("m1", "alice's secret plan")))
	require.NoError(t, store.Add(ctx, CollectionSemantic, "bob", singleRecord("m1", "bob's grocery list")))

	queryEmb, err := embedder.EmbedQuery(ctx, "alice's secret plan")
	require.NoError(t, err)

	results, err := store.QueryByEmbedding(ctx, CollectionSemantic, "bob", queryEmb, QueryOptions{Limit: 10})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotContains(t, r.Content, "secret", "bob's query must never surface alice's data")
	}

	// Same id in both collections stays independent.
	aliceGot, err := store.Get(ctx, CollectionSemantic, "alice", []string{"m1"})
	require.NoError(t, err)
	require.Len(t, aliceGot, 1)
	assert.Equal(t, "alice's secret plan", aliceGot[0].Content)
}

func TestCategoriesAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, CollectionSemantic, "alice", singleRecord("m1", "a fact")))

	results, err := store.Get(ctx, CollectionEpisodic, "alice", []string{"m1"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteUserData(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, ct := range CollectionTypes {
		require.NoError(t, store.Add(ctx, ct, "alice", singleRecord("m1", "data")))
	}
	require.NoError(t, store.Add(ctx, CollectionSemantic, "bob", singleRecord("m1", "bob's data")))

	require.NoError(t, store.DeleteUserData(ctx, "alice"))

	for _, ct := range CollectionTypes {
		results, err := store.Get(ctx, ct, "alice", []string{"m1"})
		require.NoError(t, err)
		assert.Empty(t, results, "category %s must be purged", ct)
	}

	// Bob is untouched.
	results, err := store.Get(ctx, CollectionSemantic, "bob", []string{"m1"})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestCountAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, CollectionProcedural, "alice", RecordBatch{
		IDs:       []string{"m1", "m2"},
		Contents:  []string{"step one", "step two"},
		Metadatas: []map[string]interface{}{{}, {}},
	}))

	n, err := store.Count(ctx, CollectionProcedural, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.Delete(ctx, CollectionProcedural, "alice", []string{"m1"}))
	n, err = store.Count(ctx, CollectionProcedural, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCollectionName(t *testing.T) {
	name, err := CollectionName(CollectionSemantic, "alice")
	require.NoError(t, err)
	assert.Equal(t, "vault_semantic_alice", name)

	// Deterministic.
	again, err := CollectionName(CollectionSemantic, "alice")
	require.NoError(t, err)
	assert.Equal(t, name, again)

	// Distinct users and categories never collide.
	other, err := CollectionName(CollectionSemantic, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, name, other)
	episodic, err := CollectionName(CollectionEpisodic, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, name, episodic)

	// Ids that sanitize lossily fall back to a hash, so "a.b" and "a_b"
	// cannot collide.
	dotted, err := CollectionName(CollectionSemantic, "a.b")
	require.NoError(t, err)
	underscored, err := CollectionName(CollectionSemantic, "a_b")
	require.NoError(t, err)
	assert.NotEqual(t, underscored, dotted)
	assert.Contains(t, dotted, "vault_semantic_u")

	// Oversized ids stay within the name limit.
	long, err := CollectionName(CollectionSemantic, strings.Repeat("x", 200))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(long), 64)

	_, err = CollectionName(CollectionType("imaginary"), "alice")
	assert.ErrorIs(t, err, ErrInvalidCollectionName)
	_, err = CollectionName(CollectionSemantic, "")
	assert.ErrorIs(t, err, ErrMissingOwner)
}

func TestValidateCollectionName(t *testing.T) {
	assert.NoError(t, ValidateCollectionName("vault_semantic_alice"))
	for _, bad := range []string{"", "Vault", "has space", "dot.dot", "slash/slash", strings.Repeat("a", 65)} {
		assert.Error(t, ValidateCollectionName(bad), bad)
	}
}

func TestRegistryCachesHandles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h1, err := store.GetOrCreateCollection(ctx, CollectionSemantic, "alice")
	require.NoError(t, err)
	h2, err := store.GetOrCreateCollection(ctx, CollectionSemantic, "alice")
	require.NoError(t, err)
	assert.Same(t, h1, h2, "handles are cached per (type, user)")
	assert.Equal(t, 1, store.Registry().Len())

	require.NoError(t, store.DeleteUserData(ctx, "alice"))
	assert.Equal(t, 0, store.Registry().Len())
}

func TestMetadataSchemaRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	meta := map[string]interface{}{
		MetaCreatedAt: now,
		MetaTopics:    []interface{}{"pricing", "plans"},
		"importance":  0.75,
		"verified":    true,
		"source":      map[string]interface{}{"kind": "chat"},
		"free_text":   "anything",
	}

	serialized, err := SerializeMetadata(CollectionSemantic, meta)
	require.NoError(t, err)
	for _, v := range serialized {
		assert.IsType(t, "", v, "backends only store strings")
	}

	restored, err := DeserializeMetadata(CollectionSemantic, serialized)
	require.NoError(t, err)
	assert.Equal(t, now, restored[MetaCreatedAt])
	assert.Equal(t, []string{"pricing", "plans"}, StringTopics(restored))
	assert.Equal(t, 0.75, restored["importance"])
	assert.Equal(t, true, restored["verified"])
	assert.Equal(t, map[string]interface{}{"kind": "chat"}, restored["source"])
	assert.Equal(t, "anything", restored["free_text"])
}

func TestSerializeMetadataRejectsUnknownTypes(t *testing.T) {
	_, err := SerializeMetadata(CollectionSemantic, map[string]interface{}{
		"weird": struct{ X int }{1},
	})
	require.Error(t, err)
}
