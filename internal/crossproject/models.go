// Package crossproject discovers relationships and contradictions between
// memories belonging to different logical projects of the same user. It
// reads decrypted semantic memories from the vault layer and scores them
// against query embeddings; detection records live in-engine until the
// caller resolves them.
package crossproject

import (
	"time"

	"github.com/fyrsmithlabs/vaultd/internal/vectorstore"
)

// SourceContext is the provenance side record for one memory, kept
// outside the encrypted payload so discovery passes can read it freely.
type SourceContext struct {
	MemoryID       string    `json:"memory_id"`
	UserID         string    `json:"user_id"`
	ProjectID      string    `json:"project_id"`
	ProjectName    string    `json:"project_name,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	DocumentID     string    `json:"document_id,omitempty"`
	Origin         string    `json:"origin,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// TimeRange bounds candidate gathering by creation time. Zero bounds are
// open.
type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

func (r TimeRange) contains(ts time.Time) bool {
	if !r.From.IsZero() && ts.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && ts.After(r.To) {
		return false
	}
	return true
}

// QueryInput parameterizes a cross-project query.
type QueryInput struct {
	UserID               string    `json:"user_id"`
	Query                string    `json:"query"`
	ProjectIDs           []string  `json:"project_ids,omitempty"`
	TimeRange            TimeRange `json:"time_range,omitempty"`
	Limit                int       `json:"limit,omitempty"`
	DetectContradictions bool      `json:"detect_contradictions,omitempty"`
}

// RankedMemory is one scored candidate.
type RankedMemory struct {
	Record    vectorstore.MemoryRecord `json:"record"`
	ProjectID string                   `json:"project_id"`
	Relevance float32                  `json:"relevance"`
}

// ProjectSummary is the per-project rollup: which topics a project
// contributed and how many of its memories matched.
type ProjectSummary struct {
	ProjectID string   `json:"project_id"`
	Topics    []string `json:"topics"`
	Count     int      `json:"count"`
}

// QueryOutput is a full cross-project query result.
type QueryOutput struct {
	Memories       []RankedMemory           `json:"memories"`
	CommonThemes   []string                 `json:"common_themes"`
	Summaries      []ProjectSummary         `json:"summaries"`
	Contradictions []ContradictionDetection `json:"contradictions,omitempty"`
}

// Resolution is a terminal contradiction outcome.
type Resolution string

const (
	ResolutionDismissed  Resolution = "dismissed"
	ResolutionSuperseded Resolution = "superseded"
	ResolutionMerged     Resolution = "merged"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionDismissed, ResolutionSuperseded, ResolutionMerged:
		return true
	}
	return false
}

// ContradictionDetection pairs two memories from different projects that
// appear to assert opposite claims about a shared topic. Detections are
// append-only until explicitly resolved; resolution is terminal.
type ContradictionDetection struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	MemoryA    string     `json:"memory_a"`
	MemoryB    string     `json:"memory_b"`
	ProjectA   string     `json:"project_a"`
	ProjectB   string     `json:"project_b"`
	Topic      string     `json:"topic"`
	ClaimA     string     `json:"claim_a"`
	ClaimB     string     `json:"claim_b"`
	Confidence float32    `json:"confidence"`
	DetectedAt time.Time  `json:"detected_at"`
	Resolved   bool       `json:"resolved"`
	Resolution Resolution `json:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// RelationshipType classifies a cross-reference.
type RelationshipType string

const (
	RelationContradicts RelationshipType = "contradicts"
	RelationExtends     RelationshipType = "extends"
	RelationSupports    RelationshipType = "supports"
	RelationRelated     RelationshipType = "related"
)

// CrossReference is a directed edge from a source memory to a similar
// memory, usually in another project.
type CrossReference struct {
	SourceID        string           `json:"source_id"`
	TargetID        string           `json:"target_id"`
	TargetProjectID string           `json:"target_project_id,omitempty"`
	Relationship    RelationshipType `json:"relationship"`
	Strength        float32          `json:"strength"`
	DiscoveredAt    time.Time        `json:"discovered_at"`
	DiscoveredBy    string           `json:"discovered_by,omitempty"`
}
