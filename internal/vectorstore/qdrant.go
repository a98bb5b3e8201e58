package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// qdrantTracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("vaultd.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address. Default: "localhost".
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (NOT the HTTP REST port).
	// Default: 6334 (gRPC), not 6333 (HTTP).
	Port int `koanf:"port"`

	// VectorSize is the dimensionality of embeddings.
	// MUST match the embedder's output dimension.
	VectorSize int `koanf:"vector_size"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// MaxRetries is the maximum retry count for transient failures. Default: 3.
	MaxRetries int `koanf:"max_retries"`

	// RetryBackoff is the initial backoff duration; doubles on each retry.
	// Default: 1s.
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// MaxMessageSize is the maximum gRPC message size in bytes. Default: 50MB.
	MaxMessageSize int `koanf:"max_message_size"`

	// CircuitBreakerThreshold is the failure count before the circuit opens.
	// Default: 5.
	CircuitBreakerThreshold int `koanf:"circuit_breaker_threshold"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError checks if a gRPC error should be retried.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantBackend implements Backend using Qdrant's native gRPC client.
//
// gRPC (port 6334) avoids the HTTP layer's 256kB payload limit and gives
// binary protobuf encoding. Transient failures retry with exponential
// backoff behind a simple circuit breaker.
type QdrantBackend struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// collections caches collection existence to avoid repeated checks.
	collections sync.Map

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// NewQdrantBackend creates a QdrantBackend and verifies connectivity.
func NewQdrantBackend(config QdrantConfig, logger *zap.Logger) (*QdrantBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext, insecure for production")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	b := &QdrantBackend{
		client: client,
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	logger.Info("qdrant backend initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.Int("vector_size", config.VectorSize),
	)
	return b, nil
}

// Close closes the gRPC connection.
func (b *QdrantBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (b *QdrantBackend) retryOperation(ctx context.Context, name string, op func() error) error {
	backoff := b.config.RetryBackoff

	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			b.resetCircuitBreaker()
			return nil
		}

		if b.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", name)
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", name, err)
		}

		b.recordFailure()
		if attempt == b.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, b.config.MaxRetries, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (b *QdrantBackend) recordFailure() {
	b.circuitBreaker.mu.Lock()
	defer b.circuitBreaker.mu.Unlock()
	b.circuitBreaker.failures++
	b.circuitBreaker.lastFail = time.Now()
}

func (b *QdrantBackend) resetCircuitBreaker() {
	b.circuitBreaker.mu.Lock()
	defer b.circuitBreaker.mu.Unlock()
	b.circuitBreaker.failures = 0
}

func (b *QdrantBackend) isCircuitOpen() bool {
	b.circuitBreaker.mu.Lock()
	defer b.circuitBreaker.mu.Unlock()
	if b.circuitBreaker.failures >= b.config.CircuitBreakerThreshold {
		// Allow retry after 30 seconds.
		if time.Since(b.circuitBreaker.lastFail) > 30*time.Second {
			b.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// EnsureCollection creates the collection if absent. Idempotent.
// Qdrant has no collection-level metadata; tags are recorded by the registry.
func (b *QdrantBackend) EnsureCollection(ctx context.Context, name string, tags map[string]string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}

	exists, err := b.CollectionExists(ctx, name)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if exists {
		span.SetStatus(codes.Ok, "exists")
		return nil
	}

	err = b.retryOperation(ctx, "create_collection", func() error {
		return b.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(b.config.VectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("creating collection %s: %w", name, err)
	}

	b.collections.Store(name, true)
	span.SetStatus(codes.Ok, "success")
	b.logger.Info("created qdrant collection", zap.String("collection", name))
	return nil
}

// DropCollection removes a collection and all its documents.
func (b *QdrantBackend) DropCollection(ctx context.Context, name string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.DropCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}

	err := b.retryOperation(ctx, "delete_collection", func() error {
		return b.client.DeleteCollection(ctx, name)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting collection %s: %w", name, err)
	}

	b.collections.Delete(name)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// CollectionExists reports whether the collection exists.
func (b *QdrantBackend) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}

	if _, ok := b.collections.Load(name); ok {
		return true, nil
	}

	var exists bool
	err := b.retryOperation(ctx, "collection_exists", func() error {
		info, err := b.client.GetCollectionInfo(ctx, name)
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				exists = false
				return nil
			}
			return err
		}
		exists = info != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking collection %s: %w", name, err)
	}

	if exists {
		b.collections.Store(name, true)
	}
	return exists, nil
}

// ListCollections returns all collection names.
func (b *QdrantBackend) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := b.retryOperation(ctx, "list_collections", func() error {
		result, err := b.client.ListCollections(ctx)
		if err != nil {
			return err
		}
		names = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	return names, nil
}

// pointID maps a document ID to a Qdrant point ID. The original ID is always
// preserved in payload["id"]; non-UUID IDs get a deterministic replacement
// derived from the document ID so upserts stay idempotent.
func pointID(docID string) *qdrant.PointId {
	if _, err := uuid.Parse(docID); err == nil {
		return qdrant.NewIDUUID(docID)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(docID)).String())
}

// Upsert writes documents, replacing any with matching IDs.
func (b *QdrantBackend) Upsert(ctx context.Context, collection string, docs []Document) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Upsert")
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

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		payload := make(map[string]*qdrant.Value, len(doc.Metadata)+2)
		payload["content"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.Content}}
		payload["id"] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: doc.ID}}
		for k, v := range doc.Metadata {
			payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
		}
		points[i] = &qdrant.PointStruct{
			Id:      pointID(doc.ID),
			Vectors: qdrant.NewVectors(doc.Embedding...),
			Payload: payload,
		}
	}

	// One request for the whole batch to bound round trips.
	err := b.retryOperation(ctx, "upsert", func() error {
		_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to collection %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// idFilter builds a payload filter matching any of the given document IDs.
func idFilter(ids []string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: "id",
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keywords{
							Keywords: &qdrant.RepeatedStrings{Strings: ids},
						},
					},
				},
			},
		}},
	}
}

// metadataFilter builds a payload filter from equality conditions.
func metadataFilter(where map[string]string) *qdrant.Filter {
	if len(where) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(where))
	for k, v := range where {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: k,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: v},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

// documentFromPayload reconstructs a Document from a point payload.
func documentFromPayload(payload map[string]*qdrant.Value, embedding []float32) Document {
	doc := Document{Embedding: embedding, Metadata: make(map[string]string)}
	for k, v := range payload {
		sv, ok := v.Kind.(*qdrant.Value_StringValue)
		if !ok {
			continue
		}
		switch k {
		case "content":
			doc.Content = sv.StringValue
		case "id":
			doc.ID = sv.StringValue
		default:
			doc.Metadata[k] = sv.StringValue
		}
	}
	return doc
}

func vectorData(vectors *qdrant.VectorsOutput) []float32 {
	if vectors == nil {
		return nil
	}
	if v := vectors.GetVector(); v != nil {
		return v.GetData()
	}
	return nil
}

// Get returns the documents with the given IDs.
func (b *QdrantBackend) Get(ctx context.Context, collection string, ids []string) ([]Document, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("id_count", len(ids)),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var points []*qdrant.RetrievedPoint
	err := b.retryOperation(ctx, "get", func() error {
		res, _, err := b.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         idFilter(ids),
			Limit:          qdrant.PtrOf(uint32(len(ids))),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("getting points from collection %s: %w", collection, err)
	}

	docs := make([]Document, 0, len(points))
	for _, p := range points {
		docs = append(docs, documentFromPayload(p.Payload, vectorData(p.GetVectors())))
	}
	span.SetStatus(codes.Ok, "success")
	return docs, nil
}

// List returns documents matching the filter with offset/limit pagination.
// Qdrant's scroll cursor is a point ID, so numeric offsets are applied by
// scrolling past skipped documents.
func (b *QdrantBackend) List(ctx context.Context, collection string, where map[string]string, limit, offset int) ([]Document, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.List")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("limit", limit),
		attribute.Int("offset", offset),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	const scrollBatch = 256
	var (
		cursor  *qdrant.PointId
		skipped int
		out     []Document
	)
	for {
		var points []*qdrant.RetrievedPoint
		var next *qdrant.PointId
		err := b.retryOperation(ctx, "scroll", func() error {
			res, nextOffset, err := b.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
				CollectionName: collection,
				Filter:         metadataFilter(where),
				Offset:         cursor,
				Limit:          qdrant.PtrOf(uint32(scrollBatch)),
				WithPayload:    qdrant.NewWithPayload(true),
				WithVectors:    qdrant.NewWithVectors(true),
			})
			if err != nil {
				return err
			}
			points = res
			next = nextOffset
			return nil
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("scrolling collection %s: %w", collection, err)
		}

		for _, p := range points {
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, documentFromPayload(p.Payload, vectorData(p.GetVectors())))
			if limit > 0 && len(out) >= limit {
				span.SetStatus(codes.Ok, "success")
				return out, nil
			}
		}

		if next == nil || len(points) < scrollBatch {
			break
		}
		cursor = next
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// Query returns the k nearest neighbors of embedding, most similar first.
func (b *QdrantBackend) Query(ctx context.Context, collection string, embedding []float32, k int, where map[string]string) ([]ScoredDocument, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Query")
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

	var results []*qdrant.ScoredPoint
	err := b.retryOperation(ctx, "query", func() error {
		res, err := b.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(embedding...),
			Limit:          qdrant.PtrOf(uint64(k)),
			Filter:         metadataFilter(where),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	out := make([]ScoredDocument, len(results))
	for i, p := range results {
		out[i] = ScoredDocument{
			Document:   documentFromPayload(p.Payload, vectorData(p.GetVectors())),
			Similarity: p.Score,
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// Delete removes documents by ID, matching on the preserved payload ID.
func (b *QdrantBackend) Delete(ctx context.Context, collection string, ids []string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantBackend.Delete")
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

	err := b.retryOperation(ctx, "delete", func() error {
		_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: idFilter(ids),
				},
			},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting points from collection %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the number of documents in the collection.
func (b *QdrantBackend) Count(ctx context.Context, collection string) (int, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return 0, err
	}

	var count int
	err := b.retryOperation(ctx, "count", func() error {
		info, err := b.client.GetCollectionInfo(ctx, collection)
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
				return ErrCollectionNotFound
			}
			return err
		}
		if info.PointsCount != nil {
			count = int(*info.PointsCount)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return 0, ErrCollectionNotFound
		}
		return 0, fmt.Errorf("counting collection %s: %w", collection, err)
	}
	return count, nil
}

// Ensure QdrantBackend implements Backend interface.
var _ Backend = (*QdrantBackend)(nil)
