package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/embeddings"
	"github.com/fyrsmithlabs/vaultd/internal/keys"
	"github.com/fyrsmithlabs/vaultd/internal/vectorstore"
)

// MemoryHit is one decrypted similarity-search result.
type MemoryHit struct {
	Record     vectorstore.MemoryRecord `json:"record"`
	Similarity float32                  `json:"similarity"`
}

// UserExport is the GDPR-style dump for one user: every decrypted record
// plus key lifecycle metadata. Raw key bytes never appear here.
type UserExport struct {
	UserID      string                                                `json:"user_id"`
	GeneratedAt time.Time                                             `json:"generated_at"`
	Memories    map[vectorstore.CollectionType][]vectorstore.MemoryRecord `json:"memories"`
	Keys        []keys.KeyMetadata                                    `json:"keys"`
}

// Service is the vault facade: encrypt-then-store on the way in,
// fetch-then-decrypt on the way out, plus export and erasure.
//
// Embedding always happens on plaintext, before encryption, so the
// vector reflects what the memory says rather than ciphertext noise.
type Service struct {
	store    *vectorstore.Store
	crypto   *EncryptedStore
	keys     *keys.Manager
	embedder embeddings.Embedder
	queue    *TaskQueue
	logger   *zap.Logger
}

// NewService wires the vault facade. keys may be nil when encryption is
// disabled; embedder may be nil when callers supply embeddings.
func NewService(store *vectorstore.Store, crypto *EncryptedStore, km *keys.Manager, embedder embeddings.Embedder, queue *TaskQueue, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("vault service requires a vector store")
	}
	if crypto == nil {
		crypto = NewEncryptedStore(km, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if queue == nil {
		queue = NewTaskQueue(0, logger)
	}
	return &Service{
		store:    store,
		crypto:   crypto,
		keys:     km,
		embedder: embedder,
		queue:    queue,
		logger:   logger.Named("vault"),
	}, nil
}

// Crypto exposes the encryption layer for callers that operate on raw
// content, such as the cross-project engine.
func (s *Service) Crypto() *EncryptedStore { return s.crypto }

// StoreMemory embeds, encrypts and upserts one record, lazily creating
// the user's key on first write. It returns the record id, generating one
// when the caller left it empty.
func (s *Service) StoreMemory(ctx context.Context, rec *vectorstore.MemoryRecord) (string, error) {
	ctx, span := s.crypto.tracer.Start(ctx, "vault.StoreMemory",
		trace.WithAttributes(
			attribute.String("user.id", rec.UserID),
			attribute.String("collection.type", string(rec.Collection))))
	defer span.End()

	if rec.UserID == "" {
		return "", vectorstore.ErrMissingOwner
	}
	if !rec.Collection.Valid() {
		return "", fmt.Errorf("%w: %q", vectorstore.ErrInvalidCollectionName, rec.Collection)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if rec.Embedding == nil {
		if s.embedder == nil {
			return "", fmt.Errorf("no embedder configured and record carries no embedding")
		}
		emb, err := s.embedder.EmbedQuery(ctx, rec.Content)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("embedding content: %w", err)
		}
		rec.Embedding = emb
	}

	if err := s.crypto.EncryptDocument(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	batch := vectorstore.RecordBatch{
		IDs:        []string{rec.ID},
		Contents:   []string{rec.Content},
		Metadatas:  []map[string]interface{}{rec.Metadata},
		Embeddings: [][]float32{rec.Embedding},
	}
	if err := s.store.Upsert(ctx, rec.Collection, rec.UserID, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetStatus(codes.Ok, "stored")
	return rec.ID, nil
}

// StoreMemories writes a batch sharing one collection. Embedding and
// encryption are batched; the store write is a single request.
func (s *Service) StoreMemories(ctx context.Context, t vectorstore.CollectionType, userID string, recs []*vectorstore.MemoryRecord) ([]string, error) {
	if len(recs) == 0 {
		return nil, vectorstore.ErrEmptyBatch
	}
	var toEmbed []string
	var missing []int
	for i, rec := range recs {
		rec.Collection = t
		rec.UserID = userID
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.Embedding == nil {
			toEmbed = append(toEmbed, rec.Content)
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		if s.embedder == nil {
			return nil, fmt.Errorf("no embedder configured and %d records carry no embedding", len(missing))
		}
		embs, err := s.embedder.EmbedDocuments(ctx, toEmbed)
		if err != nil {
			return nil, fmt.Errorf("embedding batch: %w", err)
		}
		for j, i := range missing {
			recs[i].Embedding = embs[j]
		}
	}

	if err := s.crypto.EncryptBatch(ctx, recs); err != nil {
		return nil, err
	}

	batch := vectorstore.RecordBatch{
		IDs:        make([]string, len(recs)),
		Contents:   make([]string, len(recs)),
		Metadatas:  make([]map[string]interface{}, len(recs)),
		Embeddings: make([][]float32, len(recs)),
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		batch.IDs[i] = rec.ID
		batch.Contents[i] = rec.Content
		batch.Metadatas[i] = rec.Metadata
		batch.Embeddings[i] = rec.Embedding
		ids[i] = rec.ID
	}
	if err := s.store.Upsert(ctx, t, userID, batch); err != nil {
		return nil, err
	}
	return ids, nil
}

func recordFromResult(t vectorstore.CollectionType, userID string, r vectorstore.QueryResult) vectorstore.MemoryRecord {
	rec := vectorstore.MemoryRecord{
		ID:         r.ID,
		Content:    r.Content,
		Embedding:  r.Embedding,
		Metadata:   r.Metadata,
		Collection: t,
		UserID:     userID,
	}
	if ts, ok := r.Metadata[vectorstore.MetaCreatedAt].(time.Time); ok {
		rec.CreatedAt = ts
	}
	return rec
}

// GetMemory fetches and decrypts one record. A missing id returns
// (nil, nil).
func (s *Service) GetMemory(ctx context.Context, t vectorstore.CollectionType, userID, id string) (*vectorstore.MemoryRecord, error) {
	results, err := s.store.Get(ctx, t, userID, []string{id})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	rec := recordFromResult(t, userID, results[0])
	if err := s.crypto.DecryptDocument(ctx, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// QueryMemories embeds the query text, searches the (t, userID)
// collection and decrypts the hits. A record that fails decryption is
// dropped from the results with a warning; it never aborts the query.
func (s *Service) QueryMemories(ctx context.Context, t vectorstore.CollectionType, userID, query string, opts vectorstore.QueryOptions) ([]MemoryHit, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("no embedder configured")
	}
	emb, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.QueryByEmbedding(ctx, t, userID, emb, opts)
}

// QueryByEmbedding is QueryMemories with a caller-supplied vector.
func (s *Service) QueryByEmbedding(ctx context.Context, t vectorstore.CollectionType, userID string, embedding []float32, opts vectorstore.QueryOptions) ([]MemoryHit, error) {
	results, err := s.store.QueryByEmbedding(ctx, t, userID, embedding, opts)
	if err != nil {
		return nil, err
	}
	hits := make([]MemoryHit, 0, len(results))
	for _, r := range results {
		rec := recordFromResult(t, userID, r)
		if derr := s.crypto.DecryptDocument(ctx, &rec); derr != nil {
			s.logger.Warn("dropping undecryptable record from query results",
				zap.String("record_id", rec.ID),
				zap.String("user_id", userID),
				zap.Error(derr))
			continue
		}
		hits = append(hits, MemoryHit{Record: rec, Similarity: 1 - r.Distance})
	}
	return hits, nil
}

// ScheduleReencryption scans the user's records and queues every one
// sealed under a non-active key. Returns the number of tasks queued.
func (s *Service) ScheduleReencryption(ctx context.Context, userID string) (int, error) {
	if !s.crypto.Enabled() {
		return 0, nil
	}
	queued := 0
	for _, t := range vectorstore.CollectionTypes {
		results, err := s.store.QueryAll(ctx, t, userID, vectorstore.ListOptions{})
		if err != nil {
			return queued, err
		}
		for _, r := range results {
			keyID, _ := r.Metadata[vectorstore.MetaKeyID].(string)
			stale, err := s.crypto.NeedsReencryption(ctx, userID, keyID)
			if err != nil {
				return queued, err
			}
			if stale && s.queue.Enqueue(ReencryptTask{UserID: userID, Collection: t, RecordID: r.ID}) {
				queued++
			}
		}
	}
	return queued, nil
}

// DrainReencryption migrates queued records onto the active key. Failed
// items are skipped and retried by the next sweep.
func (s *Service) DrainReencryption(ctx context.Context) int {
	return s.queue.Drain(ctx, s.reencryptRecord)
}

func (s *Service) reencryptRecord(ctx context.Context, task ReencryptTask) error {
	results, err := s.store.Get(ctx, task.Collection, task.UserID, []string{task.RecordID})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return nil // deleted since the sweep, nothing to do
	}
	rec := recordFromResult(task.Collection, task.UserID, results[0])
	if encrypted, _ := rec.Metadata[vectorstore.MetaEncrypted].(bool); !encrypted {
		return nil
	}
	bundle, err := DecodeBundle(rec.Content)
	if err != nil {
		return err
	}
	ciphertext, keyID, err := s.crypto.ReencryptContent(ctx, bundle.Ciphertext, bundle.KeyID, task.UserID, string(task.Collection))
	if err != nil {
		return err
	}
	fresh := &EncryptedBundle{Version: bundleVersion, KeyID: keyID, Ciphertext: ciphertext}
	encoded, err := fresh.Encode()
	if err != nil {
		return err
	}
	rec.Content = encoded
	rec.Metadata[vectorstore.MetaKeyID] = keyID

	batch := vectorstore.RecordBatch{
		IDs:        []string{rec.ID},
		Contents:   []string{rec.Content},
		Metadatas:  []map[string]interface{}{rec.Metadata},
		Embeddings: [][]float32{rec.Embedding},
	}
	return s.store.Upsert(ctx, task.Collection, task.UserID, batch)
}

// ListMemories returns the user's decrypted records in one category.
// Records that fail decryption are skipped with a warning.
func (s *Service) ListMemories(ctx context.Context, t vectorstore.CollectionType, userID string) ([]vectorstore.MemoryRecord, error) {
	results, err := s.store.QueryAll(ctx, t, userID, vectorstore.ListOptions{})
	if err != nil {
		return nil, err
	}
	recs := make([]vectorstore.MemoryRecord, 0, len(results))
	for _, r := range results {
		rec := recordFromResult(t, userID, r)
		if derr := s.crypto.DecryptDocument(ctx, &rec); derr != nil {
			s.logger.Warn("list: skipping undecryptable record",
				zap.String("record_id", rec.ID),
				zap.Error(derr))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// SetMemoryMetadata merges updates into one record's metadata and writes
// it back, leaving content and embedding untouched.
func (s *Service) SetMemoryMetadata(ctx context.Context, t vectorstore.CollectionType, userID, id string, updates map[string]interface{}) error {
	results, err := s.store.Get(ctx, t, userID, []string{id})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("record %s not found", id)
	}
	rec := recordFromResult(t, userID, results[0])
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]interface{}, len(updates))
	}
	for k, v := range updates {
		rec.Metadata[k] = v
	}
	batch := vectorstore.RecordBatch{
		IDs:        []string{rec.ID},
		Contents:   []string{rec.Content},
		Metadatas:  []map[string]interface{}{rec.Metadata},
		Embeddings: [][]float32{rec.Embedding},
	}
	return s.store.Upsert(ctx, t, userID, batch)
}

// ExportUserData returns every decrypted record the user owns plus key
// lifecycle metadata.
func (s *Service) ExportUserData(ctx context.Context, userID string) (*UserExport, error) {
	export := &UserExport{
		UserID:      userID,
		GeneratedAt: time.Now().UTC(),
		Memories:    make(map[vectorstore.CollectionType][]vectorstore.MemoryRecord, len(vectorstore.CollectionTypes)),
	}
	for _, t := range vectorstore.CollectionTypes {
		results, err := s.store.QueryAll(ctx, t, userID, vectorstore.ListOptions{})
		if err != nil {
			return nil, err
		}
		recs := make([]vectorstore.MemoryRecord, 0, len(results))
		for _, r := range results {
			rec := recordFromResult(t, userID, r)
			if derr := s.crypto.DecryptDocument(ctx, &rec); derr != nil {
				s.logger.Warn("export: skipping undecryptable record",
					zap.String("record_id", rec.ID),
					zap.Error(derr))
				continue
			}
			recs = append(recs, rec)
		}
		export.Memories[t] = recs
	}
	if s.keys != nil {
		meta, err := s.keys.ExportKeyMetadata(ctx, userID)
		if err != nil {
			return nil, err
		}
		export.Keys = meta
	}
	return export, nil
}

// DeleteUserData purges the user's vector records across all categories.
// Keys are untouched; pair with DeleteUserKeys for full erasure.
func (s *Service) DeleteUserData(ctx context.Context, userID string) error {
	return s.store.DeleteUserData(ctx, userID)
}

// DeleteUserKeys destroys every retained key version. This is the
// cryptographic erasure primitive: remaining ciphertext becomes
// permanently unreadable whether or not it is ever deleted.
func (s *Service) DeleteUserKeys(ctx context.Context, userID string) error {
	if s.keys == nil {
		return nil
	}
	return s.keys.DeleteUserKeys(ctx, userID)
}

// EraseUser removes records and keys together, the full account-deletion
// path.
func (s *Service) EraseUser(ctx context.Context, userID string) error {
	if err := s.DeleteUserData(ctx, userID); err != nil {
		return err
	}
	return s.DeleteUserKeys(ctx, userID)
}
