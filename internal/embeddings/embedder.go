// Package embeddings defines the embedding contract for the vault.
//
// Embedding generation is an external collaborator: the vault never ships a
// production model. Callers supply any implementation of Embedder (an API
// client, a local ONNX runtime, a test double) and the vault treats the
// resulting vectors as opaque fixed-length floats.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
)

// ErrDimensionMismatch is returned when an embedding does not match the
// configured vector size.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts, one per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	// Some models optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the output dimensionality of this embedder.
	Dimension() int
}

// Func adapts a plain text->vector function to the Embedder interface.
// Useful when the caller already has a single-text embedding closure.
type Func struct {
	Fn   func(ctx context.Context, text string) ([]float32, error)
	Size int
}

func (f Func) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f.Fn(ctx, text)
}

func (f Func) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		emb, err := f.Fn(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}

func (f Func) Dimension() int { return f.Size }

// Local is a deterministic hash-based embedder for development and tests.
//
// It produces stable unit vectors from token hashes. The vectors carry no
// semantic meaning beyond token overlap; serve commands log a warning when
// this embedder is selected.
type Local struct {
	Size int
}

// NewLocal creates a Local embedder with the given vector size.
func NewLocal(size int) *Local {
	if size <= 0 {
		size = 384
	}
	return &Local{Size: size}
}

func (l *Local) Dimension() int { return l.Size }

func (l *Local) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return l.embed(text), nil
}

func (l *Local) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = l.embed(t)
	}
	return out, nil
}

func (l *Local) embed(text string) []float32 {
	vec := make([]float32, l.Size)
	// Bag-of-tokens: each token contributes to buckets chosen by its hash.
	start := 0
	flush := func(tok string) {
		if tok == "" {
			return
		}
		sum := sha256.Sum256([]byte(tok))
		for i := 0; i < 4; i++ {
			bucket := binary.BigEndian.Uint32(sum[i*4:]) % uint32(l.Size)
			vec[bucket]++
		}
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		isWord := c == '-' || c == '_' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !isWord {
			flush(normalizeToken(text[start:i]))
			start = i + 1
		}
	}
	flush(normalizeToken(text[start:]))

	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq > 0 {
		norm := float32(1 / math.Sqrt(sumSq))
		for i := range vec {
			vec[i] *= norm
		}
	}
	return vec
}

func normalizeToken(tok string) string {
	b := []byte(tok)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ValidateDimension checks that an embedding matches the expected size.
func ValidateDimension(embedding []float32, want int) error {
	if len(embedding) != want {
		return ErrDimensionMismatch
	}
	return nil
}
