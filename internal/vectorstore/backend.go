package vectorstore

import "context"

// Document is the primitive storage unit exchanged with a Backend.
//
// Metadata is string-only at this level: the similarity engines store
// primitive payloads, and the schema layer above handles type restoration.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// ScoredDocument is a Document with its query similarity.
type ScoredDocument struct {
	Document

	// Similarity is cosine similarity in [-1, 1], higher = closer.
	Similarity float32
}

// Backend is the pluggable similarity-search engine contract.
//
// Implementations are transport-specific (embedded chromem-go, external
// Qdrant over gRPC) and know nothing about users, categories, encryption or
// metadata typing -- those concerns live in the Store built on top.
//
// All methods accept a context; implementations must honor cancellation and
// deadlines so a stalled engine surfaces as a failed call, never a hang.
type Backend interface {
	// EnsureCollection creates the collection if absent. Idempotent.
	// Tags are attached as collection metadata where the engine supports it.
	EnsureCollection(ctx context.Context, name string, tags map[string]string) error

	// DropCollection removes a collection and all its documents.
	DropCollection(ctx context.Context, name string) error

	// CollectionExists reports whether the collection exists.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// ListCollections returns all collection names.
	ListCollections(ctx context.Context) ([]string, error)

	// Upsert writes documents, replacing any with matching IDs.
	// Embeddings must be precomputed; backends never embed.
	Upsert(ctx context.Context, collection string, docs []Document) error

	// Get returns the documents with the given IDs. Missing IDs are simply
	// absent from the result, not an error.
	Get(ctx context.Context, collection string, ids []string) ([]Document, error)

	// List returns documents matching the metadata filter, unranked,
	// with offset/limit pagination. A zero limit means no cap.
	List(ctx context.Context, collection string, where map[string]string, limit, offset int) ([]Document, error)

	// Query returns the k nearest neighbors of embedding, most similar
	// first, restricted to documents matching the metadata filter.
	Query(ctx context.Context, collection string, embedding []float32, k int, where map[string]string) ([]ScoredDocument, error)

	// Delete removes documents by ID. Deleting an absent ID is not an error.
	Delete(ctx context.Context, collection string, ids []string) error

	// Count returns the number of documents in the collection.
	Count(ctx context.Context, collection string) (int, error)

	// Close releases engine resources.
	Close() error
}
