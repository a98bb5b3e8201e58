package crossproject

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vaultd/internal/embeddings"
	"github.com/fyrsmithlabs/vaultd/internal/vectorstore"
)

const tracerName = "github.com/fyrsmithlabs/vaultd/internal/crossproject"

// MemorySource is the slice of the vault the engine needs: decrypted
// listings of a user's memories and a metadata write-back for
// supersession marks. *vault.Service satisfies it.
type MemorySource interface {
	ListMemories(ctx context.Context, t vectorstore.CollectionType, userID string) ([]vectorstore.MemoryRecord, error)
	SetMemoryMetadata(ctx context.Context, t vectorstore.CollectionType, userID, id string, updates map[string]interface{}) error
}

// Engine runs cross-project retrieval, contradiction detection and
// cross-reference discovery over one user's semantic memories.
//
// Detection records and the provenance side table are held in-engine
// behind a RWMutex; they are invalidated only by explicit calls, never
// by a timer.
type Engine struct {
	source   MemorySource
	embedder embeddings.Embedder
	cfg      HeuristicConfig
	logger   *zap.Logger
	tracer   trace.Tracer

	mu         sync.RWMutex
	contexts   map[string]SourceContext
	detections map[string]*ContradictionDetection
	order      []string // detection ids in append order
}

// NewEngine wires a cross-project engine.
func NewEngine(source MemorySource, embedder embeddings.Embedder, cfg HeuristicConfig, logger *zap.Logger) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("cross-project engine requires a memory source")
	}
	if embedder == nil {
		return nil, fmt.Errorf("cross-project engine requires an embedder")
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source:     source,
		embedder:   embedder,
		cfg:        cfg,
		logger:     logger.Named("crossproject"),
		tracer:     otel.Tracer(tracerName),
		contexts:   make(map[string]SourceContext),
		detections: make(map[string]*ContradictionDetection),
	}, nil
}

// AddSourceContext records provenance for a memory.
func (e *Engine) AddSourceContext(sc SourceContext) {
	if sc.CapturedAt.IsZero() {
		sc.CapturedAt = time.Now().UTC()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contexts[sc.MemoryID] = sc
}

// GetSourceContext returns provenance for a memory if known.
func (e *Engine) GetSourceContext(memoryID string) (SourceContext, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sc, ok := e.contexts[memoryID]
	return sc, ok
}

// projectOf resolves a record's project: metadata first, side table as
// fallback.
func (e *Engine) projectOf(rec vectorstore.MemoryRecord) string {
	if pid, ok := rec.Metadata[vectorstore.MetaProjectID].(string); ok && pid != "" {
		return pid
	}
	if sc, ok := e.GetSourceContext(rec.ID); ok {
		return sc.ProjectID
	}
	return ""
}

// gather lists the user's semantic memories, keeping those that pass the
// project and time filters.
func (e *Engine) gather(ctx context.Context, userID string, projectIDs []string, tr TimeRange) ([]vectorstore.MemoryRecord, error) {
	recs, err := e.source.ListMemories(ctx, vectorstore.CollectionSemantic, userID)
	if err != nil {
		return nil, err
	}
	var wanted map[string]bool
	if len(projectIDs) > 0 {
		wanted = make(map[string]bool, len(projectIDs))
		for _, id := range projectIDs {
			wanted[id] = true
		}
	}
	kept := recs[:0]
	for _, rec := range recs {
		if wanted != nil && !wanted[e.projectOf(rec)] {
			continue
		}
		if !rec.CreatedAt.IsZero() && !tr.contains(rec.CreatedAt) {
			continue
		}
		kept = append(kept, rec)
	}
	return kept, nil
}

// rank scores candidates against the query embedding, drops those at or
// below floor, sorts by relevance descending and truncates to limit.
func (e *Engine) rank(candidates []vectorstore.MemoryRecord, queryEmb []float32, floor float32, limit int) []RankedMemory {
	ranked := make([]RankedMemory, 0, len(candidates))
	for _, rec := range candidates {
		score := CosineSimilarity(queryEmb, rec.Embedding)
		if score <= floor {
			continue
		}
		ranked = append(ranked, RankedMemory{
			Record:    rec,
			ProjectID: e.projectOf(rec),
			Relevance: score,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Relevance > ranked[j].Relevance
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// commonThemes returns topic tags shared by at least two results, sorted.
func commonThemes(ranked []RankedMemory) []string {
	counts := make(map[string]int)
	for _, rm := range ranked {
		seen := make(map[string]bool)
		for _, topic := range vectorstore.StringTopics(rm.Record.Metadata) {
			if !seen[topic] {
				seen[topic] = true
				counts[topic]++
			}
		}
	}
	var themes []string
	for topic, n := range counts {
		if n >= 2 {
			themes = append(themes, topic)
		}
	}
	sort.Strings(themes)
	return themes
}

// summarize rolls results up per project: contributed topics plus count.
func summarize(ranked []RankedMemory) []ProjectSummary {
	byProject := make(map[string]*ProjectSummary)
	topicSeen := make(map[string]map[string]bool)
	for _, rm := range ranked {
		ps, ok := byProject[rm.ProjectID]
		if !ok {
			ps = &ProjectSummary{ProjectID: rm.ProjectID}
			byProject[rm.ProjectID] = ps
			topicSeen[rm.ProjectID] = make(map[string]bool)
		}
		ps.Count++
		for _, topic := range vectorstore.StringTopics(rm.Record.Metadata) {
			if !topicSeen[rm.ProjectID][topic] {
				topicSeen[rm.ProjectID][topic] = true
				ps.Topics = append(ps.Topics, topic)
			}
		}
	}
	summaries := make([]ProjectSummary, 0, len(byProject))
	for _, ps := range byProject {
		sort.Strings(ps.Topics)
		summaries = append(summaries, *ps)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ProjectID < summaries[j].ProjectID })
	return summaries
}

// QueryCrossProject embeds the query, ranks the user's semantic memories
// across projects, and rolls up themes and per-project summaries. With
// DetectContradictions set it additionally runs the pairwise
// contradiction pass over the ranked results.
func (e *Engine) QueryCrossProject(ctx context.Context, in QueryInput) (*QueryOutput, error) {
	ctx, span := e.tracer.Start(ctx, "crossproject.QueryCrossProject",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.Int("project_filter_size", len(in.ProjectIDs))))
	defer span.End()

	if in.UserID == "" {
		return nil, vectorstore.ErrMissingOwner
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}

	queryEmb, err := e.embedder.EmbedQuery(ctx, in.Query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	candidates, err := e.gather(ctx, in.UserID, in.ProjectIDs, in.TimeRange)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ranked := e.rank(candidates, queryEmb, e.cfg.MinRelevance, limit)
	out := &QueryOutput{
		Memories:     ranked,
		CommonThemes: commonThemes(ranked),
		Summaries:    summarize(ranked),
	}
	if in.DetectContradictions {
		recs := make([]vectorstore.MemoryRecord, len(ranked))
		for i, rm := range ranked {
			recs[i] = rm.Record
		}
		out.Contradictions = e.detectAmong(in.UserID, recs)
	}

	span.SetAttributes(attribute.Int("results_count", len(ranked)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// FindRelatedFromOtherProjects runs the same scoring pipeline restricted
// to memories outside currentProjectID, with the stricter cross-project
// relevance floor.
func (e *Engine) FindRelatedFromOtherProjects(ctx context.Context, userID, currentProjectID, query string, limit int) ([]RankedMemory, error) {
	ctx, span := e.tracer.Start(ctx, "crossproject.FindRelatedFromOtherProjects",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("project.id", currentProjectID)))
	defer span.End()

	if limit <= 0 {
		limit = 10
	}
	queryEmb, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	candidates, err := e.gather(ctx, userID, nil, TimeRange{})
	if err != nil {
		return nil, err
	}
	others := candidates[:0]
	for _, rec := range candidates {
		if e.projectOf(rec) != currentProjectID {
			others = append(others, rec)
		}
	}
	return e.rank(others, queryEmb, e.cfg.CrossProjectFloor, limit), nil
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// detectAmong runs the pairwise contradiction test over recs, grouped by
// shared topic, pairing only memories from different projects. A failed
// pair is skipped; the pass continues. New detections are appended to the
// engine's record set; an unresolved detection for the same pair is not
// duplicated.
func (e *Engine) detectAmong(userID string, recs []vectorstore.MemoryRecord) []ContradictionDetection {
	byTopic := make(map[string][]vectorstore.MemoryRecord)
	for _, rec := range recs {
		for _, topic := range vectorstore.StringTopics(rec.Metadata) {
			byTopic[topic] = append(byTopic[topic], rec)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	open := make(map[string]bool)
	for _, d := range e.detections {
		if !d.Resolved {
			open[pairKey(d.MemoryA, d.MemoryB)] = true
		}
	}

	var found []ContradictionDetection
	emitted := make(map[string]bool)
	topics := make([]string, 0, len(byTopic))
	for topic := range byTopic {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		group := byTopic[topic]
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				pa, pb := e.projectOf(a), e.projectOf(b)
				if pa == pb || a.ID == b.ID {
					continue
				}
				key := pairKey(a.ID, b.ID)
				if emitted[key] {
					continue
				}
				sim := CosineSimilarity(a.Embedding, b.Embedding)
				counter := contradictionSignals(a.Content, b.Content, sim, e.cfg)
				if counter == 0 {
					continue
				}
				emitted[key] = true
				det := ContradictionDetection{
					ID:         uuid.NewString(),
					UserID:     userID,
					MemoryA:    a.ID,
					MemoryB:    b.ID,
					ProjectA:   pa,
					ProjectB:   pb,
					Topic:      topic,
					ClaimA:     claimOf(a.Content),
					ClaimB:     claimOf(b.Content),
					Confidence: e.cfg.confidence(counter),
					DetectedAt: time.Now().UTC(),
				}
				found = append(found, det)
				if !open[key] {
					stored := det
					e.detections[det.ID] = &stored
					e.order = append(e.order, det.ID)
					open[key] = true
				}
			}
		}
	}
	return found
}

// DetectContradictions runs the offline pairwise pass over all of the
// user's semantic memories.
func (e *Engine) DetectContradictions(ctx context.Context, userID string) ([]ContradictionDetection, error) {
	ctx, span := e.tracer.Start(ctx, "crossproject.DetectContradictions",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	recs, err := e.source.ListMemories(ctx, vectorstore.CollectionSemantic, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	found := e.detectAmong(userID, recs)
	span.SetAttributes(attribute.Int("contradictions_found", len(found)))
	span.SetStatus(codes.Ok, "success")
	return found, nil
}

// FindCrossReferences scores target against every other semantic memory
// of the user. Similarity above the cross-reference threshold yields a
// CrossReference; the relationship type follows fixed precedence:
// explicit contradiction metadata, then explicit supersession metadata,
// then "supports" above the supports threshold, then "related".
func (e *Engine) FindCrossReferences(ctx context.Context, userID, targetID string) ([]CrossReference, error) {
	ctx, span := e.tracer.Start(ctx, "crossproject.FindCrossReferences",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("memory.id", targetID)))
	defer span.End()

	recs, err := e.source.ListMemories(ctx, vectorstore.CollectionSemantic, userID)
	if err != nil {
		return nil, err
	}
	var target *vectorstore.MemoryRecord
	for i := range recs {
		if recs[i].ID == targetID {
			target = &recs[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("memory %s not found", targetID)
	}

	now := time.Now().UTC()
	var refs []CrossReference
	for _, rec := range recs {
		if rec.ID == targetID {
			continue
		}
		sim := CosineSimilarity(target.Embedding, rec.Embedding)
		if sim <= e.cfg.CrossRefThreshold {
			continue
		}
		refs = append(refs, CrossReference{
			SourceID:        targetID,
			TargetID:        rec.ID,
			TargetProjectID: e.projectOf(rec),
			Relationship:    e.classify(*target, rec, sim),
			Strength:        sim,
			DiscoveredAt:    now,
			DiscoveredBy:    "similarity-scan",
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Strength > refs[j].Strength })
	return refs, nil
}

func (e *Engine) classify(a, b vectorstore.MemoryRecord, sim float32) RelationshipType {
	if marksContradiction(a, b.ID) || marksContradiction(b, a.ID) {
		return RelationContradicts
	}
	if marksSupersession(a, b.ID) || marksSupersession(b, a.ID) {
		return RelationExtends
	}
	if sim > e.cfg.SupportsThreshold {
		return RelationSupports
	}
	return RelationRelated
}

func marksContradiction(rec vectorstore.MemoryRecord, otherID string) bool {
	v, _ := rec.Metadata[vectorstore.MetaContradicts].(string)
	return v != "" && v == otherID
}

func marksSupersession(rec vectorstore.MemoryRecord, otherID string) bool {
	v, _ := rec.Metadata[vectorstore.MetaSuperseded].(string)
	return v != "" && v == otherID
}

// Contradictions returns the user's detections, optionally only the
// unresolved ones, in detection order.
func (e *Engine) Contradictions(userID string, unresolvedOnly bool) []ContradictionDetection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []ContradictionDetection
	for _, id := range e.order {
		d := e.detections[id]
		if d.UserID != userID {
			continue
		}
		if unresolvedOnly && d.Resolved {
			continue
		}
		out = append(out, *d)
	}
	return out
}

// ResolveContradiction closes the unresolved detection between memoryA
// and memoryB. Resolution is terminal; resolving twice is an error. A
// superseded resolution additionally marks memoryA as superseded by
// memoryB in the semantic store -- a ranking signal, not a deletion.
func (e *Engine) ResolveContradiction(ctx context.Context, userID, memoryA, memoryB string, resolution Resolution) error {
	ctx, span := e.tracer.Start(ctx, "crossproject.ResolveContradiction",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("resolution", string(resolution))))
	defer span.End()

	if !resolution.Valid() {
		return fmt.Errorf("unknown resolution %q", resolution)
	}

	e.mu.Lock()
	var det *ContradictionDetection
	key := pairKey(memoryA, memoryB)
	for _, id := range e.order {
		d := e.detections[id]
		if d.UserID == userID && !d.Resolved && pairKey(d.MemoryA, d.MemoryB) == key {
			det = d
			break
		}
	}
	if det == nil {
		e.mu.Unlock()
		return fmt.Errorf("no unresolved contradiction between %s and %s", memoryA, memoryB)
	}
	det.Resolved = true
	det.Resolution = resolution
	now := time.Now().UTC()
	det.ResolvedAt = &now
	e.mu.Unlock()

	if resolution == ResolutionSuperseded {
		if err := e.source.SetMemoryMetadata(ctx, vectorstore.CollectionSemantic, userID, memoryA,
			map[string]interface{}{vectorstore.MetaSuperseded: memoryB}); err != nil {
			span.RecordError(err)
			return fmt.Errorf("marking %s superseded by %s: %w", memoryA, memoryB, err)
		}
	}
	e.logger.Info("resolved contradiction",
		zap.String("user_id", userID),
		zap.String("memory_a", memoryA),
		zap.String("memory_b", memoryB),
		zap.String("resolution", string(resolution)))
	return nil
}

// ResetUser drops the user's in-engine state: provenance entries and
// detection records. Called on account erasure.
func (e *Engine) ResetUser(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sc := range e.contexts {
		if sc.UserID == userID {
			delete(e.contexts, id)
		}
	}
	kept := e.order[:0]
	for _, id := range e.order {
		if e.detections[id].UserID == userID {
			delete(e.detections, id)
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}
