package vectorstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MetadataSchema declares which metadata fields need type restoration on read.
//
// The backends store primitives only (string payloads), so richer values are
// stringified on write. Each memory category declares a fixed schema listing
// its date, array, object, number and bool fields; deserialization is a table
// lookup against these lists, never runtime type sniffing.
type MetadataSchema struct {
	Dates   []string
	Arrays  []string
	Objects []string
	Numbers []string
	Bools   []string
}

// Reserved metadata keys injected by the vault layers.
const (
	MetaUserID      = "user_id"
	MetaCreatedAt   = "created_at"
	MetaEncrypted   = "_encrypted"
	MetaKeyID       = "_key_id"
	MetaProjectID   = "project_id"
	MetaTopics      = "topics"
	MetaSuperseded  = "superseded_by"
	MetaContradicts = "contradicts"
)

// collectionSchemas maps each memory category to its metadata schema.
// Every schema carries the reserved vault fields plus category-specific ones.
var collectionSchemas = map[CollectionType]MetadataSchema{
	CollectionSemantic: {
		Dates:   []string{MetaCreatedAt, "valid_from", "valid_until"},
		Arrays:  []string{MetaTopics, "entities"},
		Objects: []string{"source"},
		Numbers: []string{"importance"},
		Bools:   []string{MetaEncrypted, "verified"},
	},
	CollectionEpisodic: {
		Dates:   []string{MetaCreatedAt, "occurred_at"},
		Arrays:  []string{MetaTopics, "participants"},
		Objects: []string{"context"},
		Numbers: []string{"importance"},
		Bools:   []string{MetaEncrypted},
	},
	CollectionProcedural: {
		Dates:   []string{MetaCreatedAt, "last_used_at"},
		Arrays:  []string{MetaTopics, "steps"},
		Objects: []string{"parameters"},
		Numbers: []string{"importance", "success_rate"},
		Bools:   []string{MetaEncrypted},
	},
}

// SchemaFor returns the metadata schema for a memory category.
func SchemaFor(t CollectionType) MetadataSchema {
	return collectionSchemas[t]
}

func contains(list []string, key string) bool {
	for _, k := range list {
		if k == key {
			return true
		}
	}
	return false
}

// SerializeMetadata converts rich metadata into the string-only form the
// backends accept. Dates become RFC3339, arrays and objects become JSON,
// numbers and bools become their canonical string forms.
func SerializeMetadata(t CollectionType, meta map[string]interface{}) (map[string]string, error) {
	if meta == nil {
		return nil, nil
	}
	schema := SchemaFor(t)

	out := make(map[string]string, len(meta))
	for k, v := range meta {
		switch {
		case contains(schema.Dates, k):
			switch d := v.(type) {
			case time.Time:
				out[k] = d.UTC().Format(time.RFC3339Nano)
			case *time.Time:
				if d != nil {
					out[k] = d.UTC().Format(time.RFC3339Nano)
				}
			case string:
				out[k] = d
			default:
				return nil, fmt.Errorf("metadata field %q: expected time, got %T", k, v)
			}
		case contains(schema.Arrays, k), contains(schema.Objects, k):
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("metadata field %q: %w", k, err)
			}
			out[k] = string(b)
		default:
			switch val := v.(type) {
			case string:
				out[k] = val
			case bool:
				out[k] = strconv.FormatBool(val)
			case int:
				out[k] = strconv.Itoa(val)
			case int64:
				out[k] = strconv.FormatInt(val, 10)
			case float32:
				out[k] = strconv.FormatFloat(float64(val), 'f', -1, 32)
			case float64:
				out[k] = strconv.FormatFloat(val, 'f', -1, 64)
			default:
				return nil, fmt.Errorf("metadata field %q: unsupported type %T (declare it in the schema)", k, v)
			}
		}
	}
	return out, nil
}

// DeserializeMetadata restores typed metadata from the backend's string form
// using the category's schema table.
func DeserializeMetadata(t CollectionType, meta map[string]string) (map[string]interface{}, error) {
	if meta == nil {
		return nil, nil
	}
	schema := SchemaFor(t)

	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		switch {
		case contains(schema.Dates, k):
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("metadata field %q: %w", k, err)
			}
			out[k] = ts
		case contains(schema.Arrays, k):
			var arr []interface{}
			if err := json.Unmarshal([]byte(v), &arr); err != nil {
				return nil, fmt.Errorf("metadata field %q: %w", k, err)
			}
			out[k] = arr
		case contains(schema.Objects, k):
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(v), &obj); err != nil {
				return nil, fmt.Errorf("metadata field %q: %w", k, err)
			}
			out[k] = obj
		case contains(schema.Numbers, k):
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("metadata field %q: %w", k, err)
			}
			out[k] = f
		case contains(schema.Bools, k):
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("metadata field %q: %w", k, err)
			}
			out[k] = b
		default:
			out[k] = v
		}
	}
	return out, nil
}

// StringTopics extracts the topic list from deserialized metadata.
func StringTopics(meta map[string]interface{}) []string {
	raw, ok := meta[MetaTopics]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		topics := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				topics = append(topics, s)
			}
		}
		return topics
	}
	return nil
}
