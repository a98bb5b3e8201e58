package vectorstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// CollectionType is a memory category. Each (type, user) pair maps to one
// physical collection.
type CollectionType string

const (
	// CollectionSemantic holds facts and knowledge ("the user prefers dark mode").
	CollectionSemantic CollectionType = "semantic"
	// CollectionEpisodic holds events and conversations tied to a point in time.
	CollectionEpisodic CollectionType = "episodic"
	// CollectionProcedural holds how-to knowledge and learned workflows.
	CollectionProcedural CollectionType = "procedural"
)

// CollectionTypes lists all memory categories.
var CollectionTypes = []CollectionType{CollectionSemantic, CollectionEpisodic, CollectionProcedural}

// Valid reports whether t is a known collection type.
func (t CollectionType) Valid() bool {
	switch t {
	case CollectionSemantic, CollectionEpisodic, CollectionProcedural:
		return true
	}
	return false
}

// collectionNamePattern validates collection names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// userIDSanitizePattern matches characters not allowed in collection names.
var userIDSanitizePattern = regexp.MustCompile(`[^a-z0-9_]`)

// CollectionName derives the deterministic physical collection name for a
// memory category and owner. Identity is a pure function of (type, userID):
// two users never share a collection, and the same pair always resolves to
// the same name.
func CollectionName(t CollectionType, userID string) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown collection type %q", ErrInvalidCollectionName, t)
	}
	if userID == "" {
		return "", ErrMissingOwner
	}

	sanitized := userIDSanitizePattern.ReplaceAllString(toLower(userID), "_")
	name := fmt.Sprintf("vault_%s_%s", t, sanitized)
	if sanitized != toLower(userID) || len(name) > 64 {
		// Lossy sanitization or oversized id: fall back to a hash so distinct
		// user ids can never collide after cleanup.
		sum := sha256.Sum256([]byte(userID))
		name = fmt.Sprintf("vault_%s_u%s", t, hex.EncodeToString(sum[:8]))
	}

	if err := ValidateCollectionName(name); err != nil {
		return "", err
	}
	return name, nil
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ValidateCollectionName validates a collection name against security rules.
// Pattern: ^[a-z0-9_]{1,64}$
// Rejects: uppercase, special chars, path traversal, spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// MemoryRecord is one stored memory. Content is logically plaintext at this
// layer; the encryption layer above may have replaced it with a ciphertext
// bundle. Embedding and metadata are always stored as-is: similarity search
// needs raw vectors, and encrypting them would make every query meaningless.
// That is a documented privacy/utility tradeoff, not an omission.
type MemoryRecord struct {
	ID         string
	Content    string
	Embedding  []float32
	Metadata   map[string]interface{}
	Collection CollectionType
	UserID     string
	CreatedAt  time.Time
}

// QueryResult is a nearest-neighbor hit.
type QueryResult struct {
	ID       string
	Content  string
	Metadata map[string]interface{}

	// Embedding is populated only when the query requested vectors.
	Embedding []float32

	// Distance is 1 - cosine similarity; results are ordered ascending.
	Distance float32
}

// QueryOptions controls a nearest-neighbor query.
type QueryOptions struct {
	// Limit caps the number of results. Default 10.
	Limit int

	// Where filters on metadata equality (serialized values).
	Where map[string]interface{}

	// IncludeEmbeddings requests raw vectors in the results.
	IncludeEmbeddings bool
}

// ListOptions controls an unranked, filtered, paginated listing.
type ListOptions struct {
	Where  map[string]interface{}
	Limit  int
	Offset int
}

// CollectionInfo describes one physical collection.
type CollectionInfo struct {
	Name      string         `json:"name"`
	Type      CollectionType `json:"type"`
	UserID    string         `json:"user_id"`
	Count     int            `json:"count"`
	CreatedAt time.Time      `json:"created_at"`
}
