package graph

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/platform/neo4jdb"
)

type neo4jStore struct {
	log       *logger.Logger
	client    *neo4jdb.Client
	txTimeout time.Duration
}

func NewStore(client *neo4jdb.Client, baseLog *logger.Logger) Store {
	txTimeout := 15 * time.Second
	if v := strings.TrimSpace(os.Getenv("GRAPH_TX_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			txTimeout = time.Duration(parsed) * time.Second
		}
	}
	return &neo4jStore{
		log:       baseLog.With("service", "GraphStore"),
		client:    client,
		txTimeout: txTimeout,
	}
}

func (s *neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.client.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.client.Database,
	})
}

func (s *neo4jStore) EnsureSchema(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT document_id_unique IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
		`CREATE CONSTRAINT entity_identity_unique IF NOT EXISTS FOR (e:Entity) REQUIRE (e.kb_id, e.normalized, e.category) IS UNIQUE`,
		`CREATE CONSTRAINT topic_identity_unique IF NOT EXISTS FOR (t:Topic) REQUIRE (t.kb_id, t.name) IS UNIQUE`,
		`CREATE CONSTRAINT concept_identity_unique IF NOT EXISTS FOR (c:Concept) REQUIRE (c.kb_id, c.name) IS UNIQUE`,
	}
	for _, q := range stmts {
		res, err := session.Run(ctx, q, nil)
		if err != nil {
			s.log.Warn("graph schema init failed (continuing)", "error", err)
			continue
		}
		_, _ = res.Consume(ctx)
	}
	return nil
}

func (s *neo4jStore) UpsertDocumentGraph(ctx context.Context, g DocumentGraph) error {
	if strings.TrimSpace(g.DocumentID) == "" || strings.TrimSpace(g.KnowledgeBaseID) == "" {
		return fmt.Errorf("graph: document id and knowledge base id required")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	docRow := documentRow(g, now)
	entRows := entityRows(g, now)
	topRows := topicRows(g, now)
	conRows := conceptRows(g, now)
	relRows := relatedTopicRows(g, now)

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := runConsume(ctx, tx, `
MERGE (d:Document {id: $doc.id})
SET d.kb_id = $doc.kb_id,
    d.title = $doc.title,
    d.source = $doc.source,
    d.version = $doc.version,
    d.synced_at = $doc.synced_at
`, map[string]any{"doc": docRow}); err != nil {
			return nil, err
		}

		if len(entRows) > 0 {
			if err := runConsume(ctx, tx, `
UNWIND $rows AS row
MERGE (e:Entity {kb_id: row.kb_id, normalized: row.normalized, category: row.category})
SET e.text = row.text,
    e.updated_at = row.synced_at
WITH e, row
MATCH (d:Document {id: row.document_id})
MERGE (d)-[m:MENTIONS]->(e)
SET m.version = row.version,
    m.weight = row.weight,
    m.count = row.count,
    m.label = row.label,
    m.synced_at = row.synced_at
`, map[string]any{"rows": entRows}); err != nil {
				return nil, err
			}
		}

		if len(topRows) > 0 {
			if err := runConsume(ctx, tx, `
UNWIND $rows AS row
MERGE (t:Topic {kb_id: row.kb_id, name: row.name})
SET t.normalized = row.normalized,
    t.category = row.category,
    t.updated_at = row.synced_at
WITH t, row
MATCH (d:Document {id: row.document_id})
MERGE (d)-[m:MENTIONS_TOPIC]->(t)
SET m.version = row.version,
    m.weight = row.weight,
    m.count = row.count,
    m.synced_at = row.synced_at
`, map[string]any{"rows": topRows}); err != nil {
				return nil, err
			}
		}

		if len(conRows) > 0 {
			if err := runConsume(ctx, tx, `
UNWIND $rows AS row
MERGE (c:Concept {kb_id: row.kb_id, name: row.name})
SET c.normalized = row.normalized,
    c.example = row.example,
    c.updated_at = row.synced_at
WITH c, row
MATCH (d:Document {id: row.document_id})
MERGE (d)-[m:CONTAINS_CONCEPT]->(c)
SET m.version = row.version,
    m.weight = row.weight,
    m.count = row.count,
    m.synced_at = row.synced_at
`, map[string]any{"rows": conRows}); err != nil {
				return nil, err
			}
		}

		if len(relRows) > 0 {
			if err := runConsume(ctx, tx, `
UNWIND $rows AS row
MATCH (c:Concept {kb_id: row.kb_id, name: row.concept})
MATCH (t:Topic {kb_id: row.kb_id, name: row.topic})
MERGE (c)-[r:RELATED_TO]->(t)
SET r.weight = row.weight,
    r.version = row.version,
    r.synced_at = row.synced_at
`, map[string]any{"rows": relRows}); err != nil {
				return nil, err
			}
		}

		// Relationships written by older ingestion versions of this
		// document die inside the same transaction as the new writes.
		if err := runConsume(ctx, tx, `
MATCH (d:Document {id: $document_id})-[r:MENTIONS|MENTIONS_TOPIC|CONTAINS_CONCEPT]->()
WHERE coalesce(r.version, -1) < $version
DELETE r
`, map[string]any{"document_id": g.DocumentID, "version": g.Version}); err != nil {
			return nil, err
		}

		return nil, pruneOrphans(ctx, tx, g.KnowledgeBaseID)
	}, neo4j.WithTxTimeout(s.txTimeout))
	if err != nil {
		return fmt.Errorf("graph upsert document %s: %w", g.DocumentID, err)
	}

	s.log.Debug("graph subtree written",
		"document_id", g.DocumentID,
		"version", g.Version,
		"entities", len(entRows),
		"topics", len(topRows),
		"concepts", len(conRows),
	)
	return nil
}

func (s *neo4jStore) DeleteDocument(ctx context.Context, kbID, documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return nil
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := runConsume(ctx, tx, `
MATCH (d:Document {id: $document_id})
DETACH DELETE d
`, map[string]any{"document_id": documentID}); err != nil {
			return nil, err
		}
		return nil, pruneOrphans(ctx, tx, kbID)
	}, neo4j.WithTxTimeout(s.txTimeout))
	if err != nil {
		return fmt.Errorf("graph delete document %s: %w", documentID, err)
	}
	return nil
}

// pruneOrphans removes knowledge nodes no document references anymore.
// Scoped to one knowledge base so tenants never affect each other.
func pruneOrphans(ctx context.Context, tx neo4j.ManagedTransaction, kbID string) error {
	stmts := []string{
		`MATCH (e:Entity {kb_id: $kb_id}) WHERE NOT ()-[:MENTIONS]->(e) DETACH DELETE e`,
		`MATCH (t:Topic {kb_id: $kb_id}) WHERE NOT ()-[:MENTIONS_TOPIC]->(t) DETACH DELETE t`,
		`MATCH (c:Concept {kb_id: $kb_id}) WHERE NOT ()-[:CONTAINS_CONCEPT]->(c) DETACH DELETE c`,
	}
	for _, q := range stmts {
		if err := runConsume(ctx, tx, q, map[string]any{"kb_id": kbID}); err != nil {
			return err
		}
	}
	return nil
}

func (s *neo4jStore) Traverse(ctx context.Context, kbIDs []string, seeds []string, hopLimit int) ([]Hit, error) {
	seeds = normalizeSeeds(seeds)
	if len(kbIDs) == 0 || len(seeds) == 0 {
		return nil, nil
	}
	hopLimit = clampHopLimit(hopLimit)

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		byDoc := map[string]*Hit{}

		// Seeds matching a document title directly score highest.
		titleRes, err := tx.Run(ctx, `
UNWIND $seeds AS seed
MATCH (d:Document)
WHERE d.kb_id IN $kb_ids AND toLower(d.title) CONTAINS seed
RETURN DISTINCT d.id AS document_id, d.kb_id AS kb_id, d.title AS title,
       coalesce(d.version, 0) AS version
`, map[string]any{"seeds": seeds, "kb_ids": kbIDs})
		if err != nil {
			return nil, err
		}
		for titleRes.Next(ctx) {
			rec := titleRes.Record()
			hit := hitFromRecord(rec)
			hit.Score = 1.0
			mergeHit(byDoc, hit)
		}
		if err := titleRes.Err(); err != nil {
			return nil, err
		}

		// Knowledge hits: expand from matching Entity/Topic/Concept nodes
		// up to the hop limit. Contribution per seed is the best path,
		// weighted by the seed kind's base relevance and inverse hop
		// distance; a document reached via several seeds accumulates.
		knowledgeQuery := fmt.Sprintf(`
MATCH (seed)
WHERE (seed:Entity OR seed:Topic OR seed:Concept)
  AND seed.kb_id IN $kb_ids
  AND seed.normalized IN $seeds
MATCH path = (d:Document)-[rels*1..%d]-(seed)
WHERE d.kb_id IN $kb_ids
WITH d, seed,
     max(
       (CASE WHEN seed:Concept THEN 0.8 WHEN seed:Topic THEN 0.2 ELSE 0.6 END)
       * reduce(w = 1.0, r IN rels | w * coalesce(r.weight, 1.0))
       / length(path)
     ) AS contribution
WITH d, sum(contribution) AS score
RETURN d.id AS document_id, d.kb_id AS kb_id, d.title AS title,
       coalesce(d.version, 0) AS version, score
`, hopLimit)
		knowRes, err := tx.Run(ctx, knowledgeQuery, map[string]any{"seeds": seeds, "kb_ids": kbIDs})
		if err != nil {
			return nil, err
		}
		for knowRes.Next(ctx) {
			rec := knowRes.Record()
			hit := hitFromRecord(rec)
			hit.Score = recordFloat(rec, "score")
			mergeHit(byDoc, hit)
		}
		if err := knowRes.Err(); err != nil {
			return nil, err
		}

		if len(byDoc) == 0 {
			return []Hit{}, nil
		}

		docIDs := make([]string, 0, len(byDoc))
		for id := range byDoc {
			docIDs = append(docIDs, id)
		}
		conRes, err := tx.Run(ctx, `
MATCH (d:Document)-[:CONTAINS_CONCEPT]->(c:Concept)
WHERE d.id IN $doc_ids
RETURN d.id AS document_id, collect(DISTINCT c.name) AS concepts
`, map[string]any{"doc_ids": docIDs})
		if err != nil {
			return nil, err
		}
		for conRes.Next(ctx) {
			rec := conRes.Record()
			if hit, ok := byDoc[recordString(rec, "document_id")]; ok {
				hit.Concepts = recordStrings(rec, "concepts")
			}
		}
		if err := conRes.Err(); err != nil {
			return nil, err
		}

		hits := make([]Hit, 0, len(byDoc))
		for _, hit := range byDoc {
			hits = append(hits, *hit)
		}
		sort.Slice(hits, func(i, j int) bool {
			if hits[i].Score != hits[j].Score {
				return hits[i].Score > hits[j].Score
			}
			return hits[i].DocumentID < hits[j].DocumentID
		})
		return hits, nil
	}, neo4j.WithTxTimeout(s.txTimeout))
	if err != nil {
		return nil, fmt.Errorf("graph traverse: %w", err)
	}
	return out.([]Hit), nil
}

func runConsume(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) error {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

func mergeHit(byDoc map[string]*Hit, hit Hit) {
	if hit.DocumentID == "" {
		return
	}
	if existing, ok := byDoc[hit.DocumentID]; ok {
		existing.Score += hit.Score
		return
	}
	h := hit
	byDoc[hit.DocumentID] = &h
}

func hitFromRecord(rec *neo4j.Record) Hit {
	return Hit{
		DocumentID:      recordString(rec, "document_id"),
		KnowledgeBaseID: recordString(rec, "kb_id"),
		Title:           recordString(rec, "title"),
		Version:         recordInt64(rec, "version"),
	}
}

func recordString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func recordInt64(rec *neo4j.Record, key string) int64 {
	v, ok := rec.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func recordFloat(rec *neo4j.Record, key string) float64 {
	v, ok := rec.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func recordStrings(rec *neo4j.Record, key string) []string {
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func normalizeSeeds(seeds []string) []string {
	out := make([]string, 0, len(seeds))
	seen := map[string]struct{}{}
	for _, s := range seeds {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func clampHopLimit(hop int) int {
	if hop < 1 {
		return 1
	}
	if hop > 3 {
		return 3
	}
	return hop
}

func documentRow(g DocumentGraph, syncedAt string) map[string]any {
	return map[string]any{
		"id":        g.DocumentID,
		"kb_id":     g.KnowledgeBaseID,
		"title":     strings.TrimSpace(g.Title),
		"source":    strings.TrimSpace(g.Source),
		"version":   g.Version,
		"synced_at": syncedAt,
	}
}

func entityRows(g DocumentGraph, syncedAt string) []map[string]any {
	rows := make([]map[string]any, 0, len(g.Entities))
	for _, e := range g.Entities {
		normalized := strings.TrimSpace(e.Normalized)
		category := strings.TrimSpace(e.Category)
		if normalized == "" || category == "" {
			continue
		}
		rows = append(rows, map[string]any{
			"document_id": g.DocumentID,
			"kb_id":       g.KnowledgeBaseID,
			"normalized":  normalized,
			"category":    category,
			"text":        strings.TrimSpace(e.Text),
			"label":       strings.TrimSpace(e.Label),
			"weight":      e.Weight,
			"count":       mentionCount(e.Count),
			"version":     g.Version,
			"synced_at":   syncedAt,
		})
	}
	return rows
}

func topicRows(g DocumentGraph, syncedAt string) []map[string]any {
	rows := make([]map[string]any, 0, len(g.Topics))
	for _, t := range g.Topics {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		normalized := strings.TrimSpace(t.Normalized)
		if normalized == "" {
			normalized = strings.ToLower(name)
		}
		rows = append(rows, map[string]any{
			"document_id": g.DocumentID,
			"kb_id":       g.KnowledgeBaseID,
			"name":        name,
			"normalized":  normalized,
			"category":    strings.TrimSpace(t.Category),
			"weight":      t.Weight,
			"count":       mentionCount(t.Count),
			"version":     g.Version,
			"synced_at":   syncedAt,
		})
	}
	return rows
}

func conceptRows(g DocumentGraph, syncedAt string) []map[string]any {
	rows := make([]map[string]any, 0, len(g.Concepts))
	for _, c := range g.Concepts {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		normalized := strings.TrimSpace(c.Normalized)
		if normalized == "" {
			normalized = strings.ToLower(name)
		}
		rows = append(rows, map[string]any{
			"document_id": g.DocumentID,
			"kb_id":       g.KnowledgeBaseID,
			"name":        name,
			"normalized":  normalized,
			"example":     c.Example,
			"weight":      c.Weight,
			"count":       mentionCount(c.Count),
			"version":     g.Version,
			"synced_at":   syncedAt,
		})
	}
	return rows
}

// relatedTopicRows links concepts to topics, but only topics the same
// document actually mentions.
func relatedTopicRows(g DocumentGraph, syncedAt string) []map[string]any {
	topicNames := map[string]struct{}{}
	for _, t := range g.Topics {
		if name := strings.TrimSpace(t.Name); name != "" {
			topicNames[name] = struct{}{}
		}
	}

	var rows []map[string]any
	for _, c := range g.Concepts {
		conceptName := strings.TrimSpace(c.Name)
		if conceptName == "" {
			continue
		}
		for _, topic := range c.RelatedTopics {
			topic = strings.TrimSpace(topic)
			if topic == "" {
				continue
			}
			if _, ok := topicNames[topic]; !ok {
				continue
			}
			rows = append(rows, map[string]any{
				"kb_id":     g.KnowledgeBaseID,
				"concept":   conceptName,
				"topic":     topic,
				"weight":    c.Weight,
				"version":   g.Version,
				"synced_at": syncedAt,
			})
		}
	}
	return rows
}

func mentionCount(count int) int {
	if count < 1 {
		return 1
	}
	return count
}
