package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Payload field names shared by every provider. Matches carry these
// back to the retrieval engine, so both stores must write them.
const (
	FieldDocumentID      = "document_id"
	FieldKnowledgeBaseID = "knowledge_base_id"
	FieldVersion         = "version"
	FieldChunkIndex      = "chunk_index"
	FieldTitle           = "title"
	FieldContent         = "content"
)

// Store persists chunk embeddings partitioned by KnowledgeBase.
// Implementations must be safe for concurrent use.
type Store interface {
	// EnsureCollection makes the KnowledgeBase partition exist with the
	// given vector dimension. Idempotent.
	EnsureCollection(ctx context.Context, kbID string, dim int) error
	Upsert(ctx context.Context, kbID string, points []Point) error
	// Query returns up to topK matches ordered by descending score
	// (higher is more similar).
	Query(ctx context.Context, kbID string, vector []float32, topK int) ([]Match, error)
	// DeleteByDocument removes a Document's points, sparing the
	// keepVersion generation. keepVersion <= 0 removes everything the
	// Document owns.
	DeleteByDocument(ctx context.Context, kbID, documentID string, keepVersion int64) error
}

type Point struct {
	ID      string
	Values  []float32
	Payload map[string]any
}

type Match struct {
	ID      string
	Score   float64
	Payload map[string]any
}

var pointIDNamespaceUUID = uuid.MustParse("7c9e2f04-53da-45c1-9a7d-6f2b31c0a9d4")

// PointID derives a stable point identifier from the chunk's identity.
// Re-ingesting the same document version yields the same IDs, which is
// what makes vector upserts idempotent.
func PointID(documentID string, version int64, chunkIndex int) string {
	key := fmt.Sprintf("%s|%d|%d", documentID, version, chunkIndex)
	return uuid.NewSHA1(pointIDNamespaceUUID, []byte(key)).String()
}

// PayloadString reads a string field from a match payload.
func PayloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

// PayloadInt64 reads an integer field, tolerating the numeric types
// JSON decoding produces.
func PayloadInt64(payload map[string]any, key string) int64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	default:
		return 0
	}
}
