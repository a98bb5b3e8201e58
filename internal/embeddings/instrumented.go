package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/vaultd/internal/embeddings"

// Instrumented wraps an Embedder with duration, batch-size and error
// metrics. The wrapped embedder is untouched; use it wherever an
// Embedder is accepted.
type Instrumented struct {
	inner    Embedder
	name     string
	logger   *zap.Logger
	duration metric.Float64Histogram
	batch    metric.Int64Histogram
	errors   metric.Int64Counter
}

// NewInstrumented wraps inner. name labels the metrics (the embedder's
// model or provider name).
func NewInstrumented(inner Embedder, name string, logger *zap.Logger) *Instrumented {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	i := &Instrumented{inner: inner, name: name, logger: logger}

	var err error
	i.duration, err = meter.Float64Histogram(
		"vaultd.embedding.generation_duration_seconds",
		metric.WithDescription("Duration of embedding generation in seconds, labeled by embedder and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	i.batch, err = meter.Int64Histogram(
		"vaultd.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding batch request"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}
	i.errors, err = meter.Int64Counter(
		"vaultd.embedding.errors_total",
		metric.WithDescription("Total embedding generation errors by embedder and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}
	return i
}

func (i *Instrumented) record(ctx context.Context, op string, start time.Time, batchSize int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("embedder", i.name),
		attribute.String("operation", op),
	)
	if i.duration != nil {
		i.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if batchSize > 0 && i.batch != nil {
		i.batch.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && i.errors != nil {
		i.errors.Add(ctx, 1, attrs)
	}
}

func (i *Instrumented) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	emb, err := i.inner.EmbedQuery(ctx, text)
	i.record(ctx, "embed", start, 0, err)
	return emb, err
}

func (i *Instrumented) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	embs, err := i.inner.EmbedDocuments(ctx, texts)
	i.record(ctx, "batch_embed", start, len(texts), err)
	return embs, err
}

func (i *Instrumented) Dimension() int { return i.inner.Dimension() }

var _ Embedder = (*Instrumented)(nil)
