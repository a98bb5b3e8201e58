package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("vaultd.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Empty means in-memory only (tests, ephemeral deployments).
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`

	// VectorSize is the expected embedding dimension.
	// Must match the embedder's output dimension. Default: 384.
	VectorSize int `koanf:"vector_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemBackend implements Backend using chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies: pure Go, no external service, persistence to gob files.
// It has no document-listing API, so the backend keeps a mirror index of
// written documents per collection to serve Get/List. The mirror is
// process-local; with a persistent path it is rebuilt lazily as documents
// are written, which makes List best-effort across restarts. Qdrant is the
// backend of choice when durable listing matters.
type ChromemBackend struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	mu     sync.RWMutex
	mirror map[string]map[string]Document
}

// NewChromemBackend creates a ChromemBackend with the given configuration.
func NewChromemBackend(config ChromemConfig, logger *zap.Logger) (*ChromemBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		expanded, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(expanded, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", expanded, err)
		}
		db, err = chromem.NewPersistentDB(expanded, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
	}

	b := &ChromemBackend{
		db:     db,
		config: config,
		logger: logger,
		mirror: make(map[string]map[string]Document),
	}

	logger.Info("chromem backend initialized",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)
	return b, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// embeddingFunc returns a placeholder embedding function. All embeddings are
// precomputed by the caller; chromem must never fall back to its default
// OpenAI embedder, so the placeholder errors if it is ever invoked.
func (b *ChromemBackend) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embeddings must be precomputed")
	}
}

// EnsureCollection creates the collection if absent. Idempotent.
func (b *ChromemBackend) EnsureCollection(ctx context.Context, name string, tags map[string]string) error {
	_, span := chromemTracer.Start(ctx, "ChromemBackend.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}

	if _, err := b.db.GetOrCreateCollection(name, tags, b.embeddingFunc()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", name, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// DropCollection removes a collection and all its documents.
func (b *ChromemBackend) DropCollection(ctx context.Context, name string) error {
	_, span := chromemTracer.Start(ctx, "ChromemBackend.DropCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}

	if err := b.db.DeleteCollection(name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}

	b.mu.Lock()
	delete(b.mirror, name)
	b.mu.Unlock()

	span.SetStatus(codes.Ok, "success")
	b.logger.Info("dropped chromem collection", zap.String("collection", name))
	return nil
}

// CollectionExists reports whether the collection exists.
func (b *ChromemBackend) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}
	// Must pass an embedding function so chromem never installs its
	// default OpenAI embedder on persisted collections.
	return b.db.GetCollection(name, b.embeddingFunc()) != nil, nil
}

// ListCollections returns all collection names.
func (b *ChromemBackend) ListCollections(ctx context.Context) ([]string, error) {
	all := b.db.ListCollections()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Upsert writes documents, replacing any with matching IDs.
func (b *ChromemBackend) Upsert(ctx context.Context, collection string, docs []Document) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("document_count", len(docs)),
	)

	if len(docs) == 0 {
		return ErrEmptyBatch
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}

	col, err := b.db.GetOrCreateCollection(collection, nil, b.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting collection %s: %w", collection, err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		chromemDocs[i] = chromem.Document{
			ID:        doc.ID,
			Content:   doc.Content,
			Metadata:  doc.Metadata,
			Embedding: doc.Embedding,
		}
	}

	// Concurrency of 1: embeddings are precomputed, nothing to parallelize.
	if err := col.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	b.mu.Lock()
	byID := b.mirror[collection]
	if byID == nil {
		byID = make(map[string]Document)
		b.mirror[collection] = byID
	}
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	b.mu.Unlock()

	span.SetStatus(codes.Ok, "success")
	b.logger.Debug("upserted documents to chromem",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Get returns the documents with the given IDs from the mirror index.
func (b *ChromemBackend) Get(ctx context.Context, collection string, ids []string) ([]Document, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	byID := b.mirror[collection]
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// List returns documents matching the filter, ordered by ID for stable
// pagination.
func (b *ChromemBackend) List(ctx context.Context, collection string, where map[string]string, limit, offset int) ([]Document, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	b.mu.RLock()
	byID := b.mirror[collection]
	matched := make([]Document, 0, len(byID))
	for _, doc := range byID {
		if matchesFilter(doc.Metadata, where) {
			matched = append(matched, doc)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	if offset >= len(matched) {
		return []Document{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func matchesFilter(meta map[string]string, where map[string]string) bool {
	for k, v := range where {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// Query returns the k nearest neighbors of embedding, most similar first.
func (b *ChromemBackend) Query(ctx context.Context, collection string, embedding []float32, k int, where map[string]string) ([]ScoredDocument, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("k", k),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(embedding) != b.config.VectorSize {
		return nil, fmt.Errorf("embedding dimension %d does not match configured size %d", len(embedding), b.config.VectorSize)
	}

	col := b.db.GetCollection(collection, b.embeddingFunc())
	if col == nil {
		span.SetStatus(codes.Error, "collection not found")
		return nil, ErrCollectionNotFound
	}

	// chromem requires nResults <= document count.
	count := col.Count()
	if count == 0 {
		return []ScoredDocument{}, nil
	}
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, embedding, k, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	out := make([]ScoredDocument, len(results))
	for i, r := range results {
		out[i] = ScoredDocument{
			Document: Document{
				ID:        r.ID,
				Content:   r.Content,
				Embedding: r.Embedding,
				Metadata:  r.Metadata,
			},
			Similarity: r.Similarity,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// Delete removes documents by ID.
func (b *ChromemBackend) Delete(ctx context.Context, collection string, ids []string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("id_count", len(ids)),
	)

	if len(ids) == 0 {
		return nil
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}

	col := b.db.GetCollection(collection, b.embeddingFunc())
	if col == nil {
		span.SetStatus(codes.Error, "collection not found")
		return ErrCollectionNotFound
	}

	var failed []string
	for _, id := range ids {
		if err := col.Delete(ctx, nil, nil, id); err != nil {
			span.RecordError(err)
			b.logger.Error("failed to delete document",
				zap.String("collection", collection),
				zap.String("id", id),
				zap.Error(err),
			)
			failed = append(failed, id)
		}
	}

	b.mu.Lock()
	if byID := b.mirror[collection]; byID != nil {
		for _, id := range ids {
			delete(byID, id)
		}
	}
	b.mu.Unlock()

	if len(failed) > 0 {
		span.SetStatus(codes.Error, "partial deletion failure")
		return fmt.Errorf("failed to delete %d of %d documents: %v", len(failed), len(ids), failed)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the number of documents in the collection.
func (b *ChromemBackend) Count(ctx context.Context, collection string) (int, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return 0, err
	}
	col := b.db.GetCollection(collection, b.embeddingFunc())
	if col == nil {
		return 0, ErrCollectionNotFound
	}
	return col.Count(), nil
}

// Close releases resources. chromem persists automatically, nothing to flush.
func (b *ChromemBackend) Close() error {
	b.logger.Info("chromem backend closed")
	return nil
}

// Ensure ChromemBackend implements Backend interface.
var _ Backend = (*ChromemBackend)(nil)
