// Package graph persists the knowledge subtree extracted from documents
// as a Neo4j property graph and answers relationship queries for the
// hybrid engine. Node identity keys carry the knowledge-base id, so
// dedup never crosses tenant boundaries.
package graph

import "context"

// DocumentGraph is everything one ingestion attempt writes for a
// Document. Version tags every relationship; the upsert prunes older
// versions in the same transaction.
type DocumentGraph struct {
	DocumentID      string
	KnowledgeBaseID string
	Title           string
	Source          string
	Version         int64

	Entities []EntityMention
	Topics   []TopicMention
	Concepts []ConceptMention
}

// EntityMention covers both classic named entities (category PERSON,
// ORG, ...) and personal-information items (category contact, temporal,
// ...; Label is the detector name, e.g. "Email").
type EntityMention struct {
	Text       string
	Normalized string
	Category   string
	Label      string
	Weight     float64
	Count      int
}

type TopicMention struct {
	Name       string
	Normalized string
	Category   string
	Weight     float64
	Count      int
}

type ConceptMention struct {
	Name       string
	Normalized string
	Example    string
	Weight     float64
	Count      int
	// RelatedTopics lists topic names this concept links to; edges are
	// written only when the topic was also detected in the document.
	RelatedTopics []string
}

// Hit is one document reached by the graph leg of a hybrid query.
type Hit struct {
	DocumentID      string
	KnowledgeBaseID string
	Title           string
	Version         int64
	Score           float64
	Concepts        []string
}

type Store interface {
	// EnsureSchema creates uniqueness constraints. Best effort: failures
	// are logged and ignored so older Neo4j editions still work.
	EnsureSchema(ctx context.Context) error
	// UpsertDocumentGraph writes the document's knowledge subtree in one
	// transaction and removes relationships from older versions, so
	// concurrent readers see the old set or the new set, never a mix.
	UpsertDocumentGraph(ctx context.Context, g DocumentGraph) error
	// Traverse expands outward from nodes matching the seed terms up to
	// hopLimit relationships and scores the documents it reaches.
	Traverse(ctx context.Context, kbIDs []string, seeds []string, hopLimit int) ([]Hit, error)
	DeleteDocument(ctx context.Context, kbID, documentID string) error
}
