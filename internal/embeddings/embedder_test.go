package embeddings

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalIsDeterministic(t *testing.T) {
	ctx := context.Background()
	emb := NewLocal(64)

	a, err := emb.EmbedQuery(ctx, "the user prefers dark mode")
	require.NoError(t, err)
	b, err := emb.EmbedQuery(ctx, "the user prefers dark mode")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := emb.EmbedQuery(ctx, "deploy by pushing a release tag")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestLocalProducesUnitVectors(t *testing.T) {
	ctx := context.Background()
	emb := NewLocal(128)

	for _, text := range []string{"a", "hello world", "the quick brown fox"} {
		vec, err := emb.EmbedQuery(ctx, text)
		require.NoError(t, err)
		require.Len(t, vec, 128)

		var sumSq float64
		for _, v := range vec {
			sumSq += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-5, "vector for %q must be unit length", text)
	}
}

func TestLocalIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	emb := NewLocal(64)

	lower, err := emb.EmbedQuery(ctx, "dark mode")
	require.NoError(t, err)
	upper, err := emb.EmbedQuery(ctx, "DARK MODE")
	require.NoError(t, err)
	assert.Equal(t, lower, upper)
}

func TestLocalEmptyInput(t *testing.T) {
	ctx := context.Background()
	emb := NewLocal(64)

	vec, err := emb.EmbedQuery(ctx, "")
	require.NoError(t, err)
	require.Len(t, vec, 64)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestLocalDefaultsSize(t *testing.T) {
	assert.Equal(t, 384, NewLocal(0).Dimension())
	assert.Equal(t, 384, NewLocal(-3).Dimension())
	assert.Equal(t, 64, NewLocal(64).Dimension())
}

func TestEmbedDocumentsMatchesEmbedQuery(t *testing.T) {
	ctx := context.Background()
	emb := NewLocal(64)

	texts := []string{"first memory", "second memory"}
	docs, err := emb.EmbedDocuments(ctx, texts)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	for i, text := range texts {
		q, err := emb.EmbedQuery(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, q, docs[i])
	}
}

func TestFuncAdapter(t *testing.T) {
	ctx := context.Background()
	calls := 0
	f := Func{
		Fn: func(_ context.Context, text string) ([]float32, error) {
			calls++
			if text == "boom" {
				return nil, fmt.Errorf("embedder offline")
			}
			return []float32{1, 0, 0}, nil
		},
		Size: 3,
	}

	assert.Equal(t, 3, f.Dimension())

	vec, err := f.EmbedQuery(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)

	docs, err := f.EmbedDocuments(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	_, err = f.EmbedDocuments(ctx, []string{"a", "boom"})
	require.Error(t, err)
	assert.Equal(t, 5, calls)
}

func TestValidateDimension(t *testing.T) {
	assert.NoError(t, ValidateDimension(make([]float32, 384), 384))
	assert.ErrorIs(t, ValidateDimension(make([]float32, 64), 384), ErrDimensionMismatch)
	assert.ErrorIs(t, ValidateDimension(nil, 384), ErrDimensionMismatch)
}

func TestInstrumentedPassesThrough(t *testing.T) {
	ctx := context.Background()
	inner := NewLocal(64)
	wrapped := NewInstrumented(inner, "local-hash", zap.NewNop())

	assert.Equal(t, 64, wrapped.Dimension())

	want, err := inner.EmbedQuery(ctx, "dark mode")
	require.NoError(t, err)
	got, err := wrapped.EmbedQuery(ctx, "dark mode")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	docs, err := wrapped.EmbedDocuments(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestInstrumentedPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	failing := Func{
		Fn: func(context.Context, string) ([]float32, error) {
			return nil, fmt.Errorf("embedder offline")
		},
		Size: 3,
	}
	wrapped := NewInstrumented(failing, "failing", zap.NewNop())

	_, err := wrapped.EmbedQuery(ctx, "x")
	require.Error(t, err)
	_, err = wrapped.EmbedDocuments(ctx, []string{"x"})
	require.Error(t, err)
}
