package vectorstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/vaultd/internal/embeddings"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var storeTracer = otel.Tracer("vaultd.vectorstore")

// RecordBatch carries parallel slices for a batch write.
//
// IDs, Contents and Metadatas must have equal length; Embeddings may be nil
// when the store has an embedder, otherwise it must match too. Mismatched
// lengths are a caller error, never retried.
type RecordBatch struct {
	IDs        []string
	Contents   []string
	Metadatas  []map[string]interface{}
	Embeddings [][]float32
}

func (b RecordBatch) validate(requireEmbeddings bool) error {
	n := len(b.IDs)
	if n == 0 {
		return ErrEmptyBatch
	}
	if len(b.Contents) != n || len(b.Metadatas) != n {
		return fmt.Errorf("%w: ids=%d contents=%d metadatas=%d",
			ErrBatchLengthMismatch, n, len(b.Contents), len(b.Metadatas))
	}
	if b.Embeddings != nil && len(b.Embeddings) != n {
		return fmt.Errorf("%w: ids=%d embeddings=%d", ErrBatchLengthMismatch, n, len(b.Embeddings))
	}
	if requireEmbeddings && b.Embeddings == nil {
		return fmt.Errorf("%w: embeddings required (no embedder configured)", ErrEmptyBatch)
	}
	return nil
}

// Store is the per-user, per-category vector storage facade.
//
// It owns collection naming and isolation, metadata schema (de)serialization
// and the coded error surface, and delegates raw vector operations to a
// pluggable Backend. Owner isolation is structural (collection per
// (type, user)) plus defense-in-depth: a user_id tag is stamped on every
// document and injected into every query filter.
type Store struct {
	backend  Backend
	embedder embeddings.Embedder
	registry *CollectionRegistry
	logger   *zap.Logger

	initialized atomic.Bool
}

// NewStore creates a Store. The embedder may be nil, in which case all
// batches must carry precomputed embeddings.
func NewStore(backend Backend, embedder embeddings.Embedder, registry *CollectionRegistry, logger *zap.Logger) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidConfig)
	}
	if registry == nil {
		registry = NewCollectionRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend:  backend,
		embedder: embedder,
		registry: registry,
		logger:   logger,
	}, nil
}

// Initialize verifies backend connectivity. Idempotent: subsequent calls are
// no-ops once a call has succeeded.
func (s *Store) Initialize(ctx context.Context) error {
	if s.initialized.Load() {
		return nil
	}
	if _, err := s.backend.ListCollections(ctx); err != nil {
		return NewStoreError(CodeInitFailed, "initialize", err)
	}
	s.initialized.Store(true)
	s.logger.Info("vector store initialized")
	return nil
}

func (s *Store) ensureInitialized(op string) error {
	if !s.initialized.Load() {
		return NewStoreError(CodeNotInitialized, op, fmt.Errorf("call Initialize first"))
	}
	return nil
}

// Registry exposes the collection registry (for explicit cache control).
func (s *Store) Registry() *CollectionRegistry { return s.registry }

// GetOrCreateCollection returns the handle for (t, userID), creating the
// collection on first use.
func (s *Store) GetOrCreateCollection(ctx context.Context, t CollectionType, userID string) (*CollectionHandle, error) {
	if err := s.ensureInitialized("get_or_create_collection"); err != nil {
		return nil, err
	}
	handle, err := s.registry.Ensure(ctx, s.backend, t, userID)
	if err != nil {
		return nil, NewStoreError(CodeCollectionNotFound, "get_or_create_collection", err)
	}
	return handle, nil
}

// prepare serializes a batch into backend documents, stamping owner and
// creation-time metadata and embedding contents when needed.
func (s *Store) prepare(ctx context.Context, t CollectionType, userID string, batch RecordBatch) ([]Document, error) {
	if err := batch.validate(s.embedder == nil); err != nil {
		return nil, err
	}

	embs := batch.Embeddings
	if embs == nil {
		var err error
		embs, err = s.embedder.EmbedDocuments(ctx, batch.Contents)
		if err != nil {
			return nil, fmt.Errorf("embedding batch: %w", err)
		}
	}

	now := time.Now().UTC()
	docs := make([]Document, len(batch.IDs))
	for i := range batch.IDs {
		meta := make(map[string]interface{}, len(batch.Metadatas[i])+2)
		for k, v := range batch.Metadatas[i] {
			meta[k] = v
		}
		// Owner stamp always wins over caller-supplied values.
		meta[MetaUserID] = userID
		if _, ok := meta[MetaCreatedAt]; !ok {
			meta[MetaCreatedAt] = now
		}

		serialized, err := SerializeMetadata(t, meta)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", batch.IDs[i], err)
		}
		docs[i] = Document{
			ID:        batch.IDs[i],
			Content:   batch.Contents[i],
			Embedding: embs[i],
			Metadata:  serialized,
		}
	}
	return docs, nil
}

// Add inserts new records. Fails if any ID already exists.
func (s *Store) Add(ctx context.Context, t CollectionType, userID string, batch RecordBatch) error {
	ctx, span := storeTracer.Start(ctx, "Store.Add")
	defer span.End()
	span.SetAttributes(attribute.String("type", string(t)), attribute.Int("count", len(batch.IDs)))

	if err := s.ensureInitialized("add"); err != nil {
		return err
	}
	handle, err := s.GetOrCreateCollection(ctx, t, userID)
	if err != nil {
		return err
	}

	existing, err := s.backend.Get(ctx, handle.Name, batch.IDs)
	if err != nil {
		span.RecordError(err)
		return NewStoreError(CodeInsertFailed, "add", err)
	}
	if len(existing) > 0 {
		err := fmt.Errorf("record %s already exists", existing[0].ID)
		span.SetStatus(codes.Error, err.Error())
		return NewStoreError(CodeInsertFailed, "add", err)
	}

	docs, err := s.prepare(ctx, t, userID, batch)
	if err != nil {
		span.RecordError(err)
		return NewStoreError(CodeInsertFailed, "add", err)
	}
	if err := s.backend.Upsert(ctx, handle.Name, docs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return NewStoreError(CodeInsertFailed, "add", err)
	}

	writesTotal.WithLabelValues(string(t), "add").Add(float64(len(docs)))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Update rewrites existing records. Fails if any ID is missing.
func (s *Store) Update(ctx context.Context, t CollectionType, userID string, batch RecordBatch) error {
	ctx, span := storeTracer.Start(ctx, "Store.Update")
	defer span.End()
	span.SetAttributes(attribute.String("type", string(t)), attribute.Int("count", len(batch.IDs)))

	if err := s.ensureInitialized("update"); err != nil {
		return err
	}
	handle, err := s.GetOrCreateCollection(ctx, t, userID)
	if err != nil {
		return err
	}

	existing, err := s.backend.Get(ctx, handle.Name, batch.IDs)
	if err != nil {
		span.RecordError(err)
		return NewStoreError(CodeUpdateFailed, "update", err)
	}
	if len(existing) != len(batch.IDs) {
		found := make(map[string]bool, len(existing))
		for _, doc := range existing {
			found[doc.ID] = true
		}
		for _, id := range batch.IDs {
			if !found[id] {
				err := fmt.Errorf("record %s does not exist", id)
				span.SetStatus(codes.Error, err.Error())
				return NewStoreError(CodeUpdateFailed, "update", err)
			}
		}
	}

	docs, err := s.prepare(ctx, t, userID, batch)
	if err != nil {
		span.RecordError(err)
		return NewStoreError(CodeUpdateFailed, "update", err)
	}
	if err := s.backend.Upsert(ctx, handle.Name, docs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return NewStoreError(CodeUpdateFailed, "update", err)
	}

	writesTotal.WithLabelValues(string(t), "update").Add(float64(len(docs)))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Upsert inserts or replaces records.
func (s *Store) Upsert(ctx context.Context, t CollectionType, userID string, batch RecordBatch) error {
	ctx, span := storeTracer.Start(ctx, "Store.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("type", string(t)), attribute.Int("count", len(batch.IDs)))

	if err := s.ensureInitialized("upsert"); err != nil {
		return err
	}
	handle, err := s.GetOrCreateCollection(ctx, t, userID)
	if err != nil {
		return err
	}

	docs, err := s.prepare(ctx, t, userID, batch)
	if err != nil {
		span.RecordError(err)
		return NewStoreError(CodeInsertFailed, "upsert", err)
	}
	if err := s.backend.Upsert(ctx, handle.Name, docs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return NewStoreError(CodeInsertFailed, "upsert", err)
	}

	writesTotal.WithLabelValues(string(t), "upsert").Add(float64(len(docs)))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Delete removes records by ID.
func (s *Store) Delete(ctx context.Context, t CollectionType, userID string, ids []string) error {
	ctx, span := storeTracer.Start(ctx, "Store.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("type", string(t)), attribute.Int("count", len(ids)))

	if err := s.ensureInitialized("delete"); err != nil {
		return err
	}
	handle, err := s.GetOrCreateCollection(ctx, t, userID)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, handle.Name, ids); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return NewStoreError(CodeDeleteFailed, "delete", err)
	}

	writesTotal.WithLabelValues(string(t), "delete").Add(float64(len(ids)))
	span.SetStatus(codes.Ok, "success")
	return nil
}

// convertDocument restores a typed query result from a backend document.
func convertDocument(t CollectionType, doc Document, includeEmbedding bool) (QueryResult, error) {
	meta, err := DeserializeMetadata(t, doc.Metadata)
	if err != nil {
		return QueryResult{}, err
	}
	res := QueryResult{ID: doc.ID, Content: doc.Content, Metadata: meta}
	if includeEmbedding {
		res.Embedding = doc.Embedding
	}
	return res, nil
}

// QueryByEmbedding returns nearest neighbors ordered by ascending distance.
func (s *Store) QueryByEmbedding(ctx context.Context, t CollectionType, userID string, embedding []float32, opts QueryOptions) ([]QueryResult, error) {
	ctx, span := storeTracer.Start(ctx, "Store.QueryByEmbedding")
	defer span.End()
	span.SetAttributes(attribute.String("type", string(t)))

	if err := s.ensureInitialized("query"); err != nil {
		return nil, err
	}
	handle, err := s.GetOrCreateCollection(ctx, t, userID)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	where, err := SerializeMetadata(t, opts.Where)
	if err != nil {
		return nil, NewStoreError(CodeQueryFailed, "query", err)
	}
	if where == nil {
		where = make(map[string]string, 1)
	}
	// Defense in depth: the collection is already user-scoped, but the owner
	// filter rules out cross-user reads even on a misrouted handle.
	where[MetaUserID] = userID

	timer := startQueryTimer(string(t))
	scored, err := s.backend.Query(ctx, handle.Name, embedding, limit, where)
	timer.ObserveDuration()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, NewStoreError(CodeQueryFailed, "query", ctx.Err())
		}
		return nil, NewStoreError(CodeQueryFailed, "query", err)
	}

	results := make([]QueryResult, 0, len(scored))
	for _, sd := range scored {
		res, err := convertDocument(t, sd.Document, opts.IncludeEmbeddings)
		if err != nil {
			span.RecordError(err)
			return nil, NewStoreError(CodeQueryFailed, "query", err)
		}
		res.Distance = 1 - sd.Similarity
		results = append(results, res)
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// QueryAll returns an unranked, filtered, paginated listing.
func (s *Store) QueryAll(ctx context.Context, t CollectionType, userID string, opts ListOptions) ([]QueryResult, error) {
	ctx, span := storeTracer.Start(ctx, "Store.QueryAll")
	defer span.End()
	span.SetAttributes(attribute.String("type", string(t)))

	if err := s.ensureInitialized("query_all"); err != nil {
		return nil, err
	}
	handle, err := s.GetOrCreateCollection(ctx, t, userID)
	if err != nil {
		return nil, err
	}

	where, err := SerializeMetadata(t, opts.Where)
	if err != nil {
		return nil, NewStoreError(CodeQueryFailed, "query_all", err)
	}
	if where == nil {
		where = make(map[string]string, 1)
	}
	where[MetaUserID] = userID

	docs, err := s.backend.List(ctx, handle.Name, where, opts.Limit, opts.Offset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, NewStoreError(CodeQueryFailed, "query_all", err)
	}

	results := make([]QueryResult, 0, len(docs))
	for _, doc := range docs {
		res, err := convertDocument(t, doc, true)
		if err != nil {
			span.RecordError(err)
			return nil, NewStoreError(CodeQueryFailed, "query_all", err)
		}
		results = append(results, res)
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// Get returns records by ID. Missing IDs are absent, not an error.
func (s *Store) Get(ctx context.Context, t CollectionType, userID string, ids []string) ([]QueryResult, error) {
	if err := s.ensureInitialized("get"); err != nil {
		return nil, err
	}
	handle, err := s.GetOrCreateCollection(ctx, t, userID)
	if err != nil {
		return nil, err
	}
	docs, err := s.backend.Get(ctx, handle.Name, ids)
	if err != nil {
		return nil, NewStoreError(CodeQueryFailed, "get", err)
	}
	results := make([]QueryResult, 0, len(docs))
	for _, doc := range docs {
		// Owner check: a misrouted handle must never leak another user's data.
		if doc.Metadata[MetaUserID] != userID {
			continue
		}
		res, err := convertDocument(t, doc, true)
		if err != nil {
			return nil, NewStoreError(CodeQueryFailed, "get", err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Count returns the number of records in the (t, userID) collection.
func (s *Store) Count(ctx context.Context, t CollectionType, userID string) (int, error) {
	if err := s.ensureInitialized("count"); err != nil {
		return 0, err
	}
	handle, err := s.GetOrCreateCollection(ctx, t, userID)
	if err != nil {
		return 0, err
	}
	n, err := s.backend.Count(ctx, handle.Name)
	if err != nil {
		return 0, NewStoreError(CodeQueryFailed, "count", err)
	}
	return n, nil
}

// DeleteUserData purges all collections belonging to userID across every
// memory category. This removes the vector records; cryptographic erasure of
// their content is the key manager's job.
func (s *Store) DeleteUserData(ctx context.Context, userID string) error {
	ctx, span := storeTracer.Start(ctx, "Store.DeleteUserData")
	defer span.End()

	if err := s.ensureInitialized("delete_user_data"); err != nil {
		return err
	}
	if userID == "" {
		return NewStoreError(CodeDeleteFailed, "delete_user_data", ErrMissingOwner)
	}

	for _, t := range CollectionTypes {
		name, err := CollectionName(t, userID)
		if err != nil {
			return NewStoreError(CodeDeleteFailed, "delete_user_data", err)
		}
		exists, err := s.backend.CollectionExists(ctx, name)
		if err != nil {
			span.RecordError(err)
			return NewStoreError(CodeDeleteFailed, "delete_user_data", err)
		}
		if !exists {
			continue
		}
		if err := s.backend.DropCollection(ctx, name); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return NewStoreError(CodeDeleteFailed, "delete_user_data", err)
		}
		s.registry.Drop(t, userID)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("deleted user vector data", zap.String("user_id", userID))
	return nil
}

// Close releases backend resources.
func (s *Store) Close() error {
	return s.backend.Close()
}
