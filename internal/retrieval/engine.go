// Package retrieval answers questions against ingested knowledge. A
// query fans out into two legs, a vector-similarity search over chunk
// embeddings and a relationship traversal over the knowledge graph,
// and the legs are fused into one ranked, budgeted context block with
// citations. A dead store degrades the answer instead of failing it.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anubissbe/JarvisAI/internal/graph"
	"github.com/anubissbe/JarvisAI/internal/observability"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/platform/ollama"
	"github.com/anubissbe/JarvisAI/internal/platform/vectorstore"
	"github.com/anubissbe/JarvisAI/internal/repos"
	"github.com/anubissbe/JarvisAI/internal/types"
	"github.com/anubissbe/JarvisAI/internal/utils"
)

// Reason codes for degraded results. The caller decides whether a
// partial answer is still worth using.
const (
	ReasonVectorUnavailable    = "vector_unavailable"
	ReasonGraphUnavailable     = "graph_unavailable"
	ReasonRetrievalUnavailable = "retrieval_unavailable"
)

// Citation kinds: which leg(s) produced the item.
const (
	KindVector = "vector"
	KindGraph  = "graph"
	KindHybrid = "hybrid"
)

type Request struct {
	Text string
	// KnowledgeBaseIDs scopes the search. Empty means every knowledge
	// base in the catalog.
	KnowledgeBaseIDs []uuid.UUID
	// TopK caps the vector matches per knowledge base. <=0 uses the
	// configured default.
	TopK int
	// MaxContextLength caps the rendered context block in characters.
	// <=0 uses the configured default.
	MaxContextLength int
}

type Citation struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Source     string  `json:"source,omitempty"`
	Score      float64 `json:"score"`
	Kind       string  `json:"kind"`
	ChunkIndex *int    `json:"chunk_index,omitempty"`
}

type Result struct {
	ContextBlock string     `json:"context_block"`
	Citations    []Citation `json:"citations"`
	Partial      bool       `json:"partial"`
	Reason       string     `json:"reason,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
}

// SeedSource derives graph seed terms from free-form query text.
// *extraction.Extractor satisfies it.
type SeedSource interface {
	QueryTerms(query string) []string
}

type Config struct {
	TopK            int
	MaxContextChars int
	// BlendWeight is the vector leg's share of the combined score, in
	// [0,1]. The graph leg gets the remainder.
	BlendWeight   float64
	HopLimit      int
	VectorTimeout time.Duration
	GraphTimeout  time.Duration
}

func ConfigFromEnv(log *logger.Logger) Config {
	return Config{
		TopK:            utils.GetEnvAsInt("QUERY_TOP_K", 5, log),
		MaxContextChars: utils.GetEnvAsInt("QUERY_MAX_CONTEXT_CHARS", 4000, log),
		BlendWeight:     utils.GetEnvAsFloat("HYBRID_BLEND_WEIGHT", 0.5, log),
		HopLimit:        utils.GetEnvAsInt("GRAPH_HOP_LIMIT", 2, log),
		VectorTimeout:   utils.GetEnvAsDuration("QUERY_VECTOR_TIMEOUT_SECONDS", 5*time.Second, log),
		GraphTimeout:    utils.GetEnvAsDuration("QUERY_GRAPH_TIMEOUT_SECONDS", 5*time.Second, log),
	}
}

type Engine struct {
	log      *logger.Logger
	kbs      repos.KnowledgeBaseRepo
	docs     repos.DocumentRepo
	chunks   repos.DocumentChunkRepo
	embedder ollama.Client
	vectors  vectorstore.Store
	graph    graph.Store
	seeds    SeedSource
	metrics  *observability.Metrics
	cfg      Config
}

func NewEngine(
	baseLog *logger.Logger,
	kbs repos.KnowledgeBaseRepo,
	docs repos.DocumentRepo,
	chunks repos.DocumentChunkRepo,
	embedder ollama.Client,
	vectors vectorstore.Store,
	graphStore graph.Store,
	seeds SeedSource,
	metrics *observability.Metrics,
	cfg Config,
) *Engine {
	return &Engine{
		log:      baseLog.With("service", "HybridRetrieval"),
		kbs:      kbs,
		docs:     docs,
		chunks:   chunks,
		embedder: embedder,
		vectors:  vectors,
		graph:    graphStore,
		seeds:    seeds,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// Query runs both retrieval legs and fuses the hits. Store failures
// never surface as errors: the affected leg is skipped and the result
// is flagged partial with a reason code. An error return means the
// request itself was unusable.
func (e *Engine) Query(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, errors.New("query text is required")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	if topK <= 0 {
		topK = 5
	}
	budget := req.MaxContextLength
	if budget <= 0 {
		budget = e.cfg.MaxContextChars
	}
	if budget <= 0 {
		budget = 4000
	}

	res := &Result{Citations: []Citation{}}

	kbs, warnings, err := e.resolveKnowledgeBases(ctx, req.KnowledgeBaseIDs)
	if err != nil {
		return nil, err
	}
	res.Warnings = warnings
	if len(kbs) == 0 {
		res.Warnings = append(res.Warnings, "no knowledge bases to search")
		e.metrics.ObserveQuery("none", "ok")
		return res, nil
	}

	var (
		vecHits   []vectorHit
		queryDim  int
		vecErr    error
		graphHits []graph.Hit
		graphErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vecHits, queryDim, vecErr = e.vectorLeg(gctx, kbs, text, topK)
		return nil
	})
	g.Go(func() error {
		graphHits, graphErr = e.graphLeg(gctx, kbs, text)
		return nil
	})
	_ = g.Wait()

	res.Warnings = append(res.Warnings, embeddingMismatchWarnings(kbs, e.embedder.Model(), queryDim)...)

	switch {
	case vecErr != nil && graphErr != nil:
		res.Partial = true
		res.Reason = ReasonRetrievalUnavailable
	case vecErr != nil:
		res.Partial = true
		res.Reason = ReasonVectorUnavailable
	case graphErr != nil:
		res.Partial = true
		res.Reason = ReasonGraphUnavailable
	}
	if vecErr != nil {
		e.log.Warn("Vector leg failed", "error", vecErr)
	}
	if graphErr != nil {
		e.log.Warn("Graph leg failed", "error", graphErr)
	}
	if res.Partial {
		e.metrics.IncRetrievalPartial(res.Reason)
	}

	docsByID, catalogOK := e.lookupDocuments(ctx, vecHits, graphHits)
	if !catalogOK {
		res.Warnings = append(res.Warnings, "catalog unavailable: stale-version filtering skipped")
	}
	vecHits = dropStaleVectorHits(vecHits, docsByID, catalogOK)
	graphHits = dropUnpublishedGraphHits(graphHits, docsByID, catalogOK)

	cands := mergeHits(vecHits, graphHits, docsByID, e.cfg.BlendWeight)
	res.ContextBlock, res.Citations = e.assemble(ctx, cands, budget)

	mode := queryMode(vecErr, graphErr)
	status := "ok"
	if res.Partial {
		status = "partial"
	}
	e.metrics.ObserveQuery(mode, status)
	e.log.Info("Query answered",
		"mode", mode,
		"knowledge_bases", len(kbs),
		"vector_hits", len(vecHits),
		"graph_hits", len(graphHits),
		"citations", len(res.Citations),
		"context_chars", len(res.ContextBlock),
		"partial", res.Partial,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return res, nil
}

// resolveKnowledgeBases loads the targeted knowledge bases, or every
// known one when the request names none. Unknown ids become warnings,
// not errors, so one bad id does not sink a multi-base query.
func (e *Engine) resolveKnowledgeBases(ctx context.Context, ids []uuid.UUID) ([]*types.KnowledgeBase, []string, error) {
	if len(ids) == 0 {
		all, err := e.kbs.List(ctx, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("list knowledge bases: %w", err)
		}
		return all, nil, nil
	}

	var (
		out      []*types.KnowledgeBase
		warnings []string
		seen     = make(map[uuid.UUID]struct{}, len(ids))
	)
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		kb, err := e.kbs.GetByID(ctx, nil, id)
		if err != nil {
			return nil, nil, fmt.Errorf("get knowledge base %s: %w", id, err)
		}
		if kb == nil {
			warnings = append(warnings, fmt.Sprintf("knowledge base %s not found", id))
			continue
		}
		out = append(out, kb)
	}
	return out, warnings, nil
}

// vectorHit is one chunk match, pre-merge.
type vectorHit struct {
	docID      uuid.UUID
	version    int64
	chunkIndex int
	title      string
	content    string
	score      float64
}

func (e *Engine) vectorLeg(ctx context.Context, kbs []*types.KnowledgeBase, text string, topK int) ([]vectorHit, int, error) {
	started := time.Now()
	lctx, cancel := context.WithTimeout(ctx, e.cfg.VectorTimeout)
	defer cancel()

	vecs, err := e.embedder.Embed(lctx, []string{text})
	if err != nil {
		e.metrics.ObserveQueryLeg("vector", "error", time.Since(started), -1)
		return nil, 0, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		e.metrics.ObserveQueryLeg("vector", "error", time.Since(started), -1)
		return nil, 0, fmt.Errorf("embed query: expected 1 vector, got %d", len(vecs))
	}
	qvec := vecs[0]

	var out []vectorHit
	for _, kb := range kbs {
		matches, err := e.vectors.Query(lctx, kb.ID.String(), qvec, topK)
		if err != nil {
			e.metrics.ObserveQueryLeg("vector", "error", time.Since(started), -1)
			return nil, len(qvec), fmt.Errorf("vector query on %s: %w", kb.ID, err)
		}
		for _, m := range matches {
			docID, err := uuid.Parse(vectorstore.PayloadString(m.Payload, vectorstore.FieldDocumentID))
			if err != nil || docID == uuid.Nil {
				continue
			}
			out = append(out, vectorHit{
				docID:      docID,
				version:    vectorstore.PayloadInt64(m.Payload, vectorstore.FieldVersion),
				chunkIndex: int(vectorstore.PayloadInt64(m.Payload, vectorstore.FieldChunkIndex)),
				title:      vectorstore.PayloadString(m.Payload, vectorstore.FieldTitle),
				content:    vectorstore.PayloadString(m.Payload, vectorstore.FieldContent),
				score:      m.Score,
			})
		}
	}
	e.metrics.ObserveQueryLeg("vector", "ok", time.Since(started), len(out))
	return out, len(qvec), nil
}

func (e *Engine) graphLeg(ctx context.Context, kbs []*types.KnowledgeBase, text string) ([]graph.Hit, error) {
	started := time.Now()
	seeds := e.seeds.QueryTerms(text)
	if len(seeds) == 0 {
		e.metrics.ObserveQueryLeg("graph", "ok", time.Since(started), 0)
		return nil, nil
	}

	lctx, cancel := context.WithTimeout(ctx, e.cfg.GraphTimeout)
	defer cancel()

	kbIDs := make([]string, 0, len(kbs))
	for _, kb := range kbs {
		kbIDs = append(kbIDs, kb.ID.String())
	}
	hits, err := e.graph.Traverse(lctx, kbIDs, seeds, e.cfg.HopLimit)
	if err != nil {
		e.metrics.ObserveQueryLeg("graph", "error", time.Since(started), -1)
		return nil, fmt.Errorf("graph traverse: %w", err)
	}
	e.metrics.ObserveQueryLeg("graph", "ok", time.Since(started), len(hits))
	return hits, nil
}

// lookupDocuments fetches the catalog rows behind every candidate hit.
// The catalog is authoritative for current_version, title, source and
// recency. A catalog outage degrades to unfiltered results rather than
// dropping two healthy legs.
func (e *Engine) lookupDocuments(ctx context.Context, vecHits []vectorHit, graphHits []graph.Hit) (map[uuid.UUID]*types.Document, bool) {
	seen := map[uuid.UUID]struct{}{}
	var ids []uuid.UUID
	add := func(id uuid.UUID) {
		if id == uuid.Nil {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, h := range vecHits {
		add(h.docID)
	}
	for _, h := range graphHits {
		if id, err := uuid.Parse(h.DocumentID); err == nil {
			add(id)
		}
	}
	if len(ids) == 0 {
		return map[uuid.UUID]*types.Document{}, true
	}

	rows, err := e.docs.GetByIDs(ctx, nil, ids)
	if err != nil {
		e.log.Warn("Document catalog lookup failed", "documents", len(ids), "error", err)
		return map[uuid.UUID]*types.Document{}, false
	}
	out := make(map[uuid.UUID]*types.Document, len(rows))
	for _, d := range rows {
		out[d.ID] = d
	}
	return out, true
}

// dropStaleVectorHits enforces the versioned-read contract: only
// points of the published current_version count. Mid-ingestion the
// new version's points already exist while current_version still
// names the old one, so readers keep seeing the old complete set
// until the flip.
func dropStaleVectorHits(hits []vectorHit, docs map[uuid.UUID]*types.Document, catalogOK bool) []vectorHit {
	if !catalogOK || len(hits) == 0 {
		return hits
	}
	kept := hits[:0]
	for _, h := range hits {
		doc := docs[h.docID]
		if doc == nil || doc.CurrentVersion <= 0 || h.version != doc.CurrentVersion {
			continue
		}
		kept = append(kept, h)
	}
	return kept
}

// dropUnpublishedGraphHits removes documents that never completed an
// ingestion. Version skew against the catalog is tolerated here: the
// graph upsert replaces a document's subtree atomically just before
// the flip, so a newer graph version only means the flip is imminent.
func dropUnpublishedGraphHits(hits []graph.Hit, docs map[uuid.UUID]*types.Document, catalogOK bool) []graph.Hit {
	if len(hits) == 0 {
		return hits
	}
	kept := hits[:0]
	for _, h := range hits {
		id, err := uuid.Parse(h.DocumentID)
		if err != nil || id == uuid.Nil {
			continue
		}
		if catalogOK {
			doc := docs[id]
			if doc == nil || doc.CurrentVersion <= 0 {
				continue
			}
		}
		kept = append(kept, h)
	}
	return kept
}

// embeddingMismatchWarnings flags knowledge bases whose pinned
// embedding identity differs from the query-time embedder. Retrieval
// proceeds anyway; similarity against a foreign embedding space is
// quietly useless, which is exactly why it must be loud here.
func embeddingMismatchWarnings(kbs []*types.KnowledgeBase, model string, queryDim int) []string {
	var out []string
	for _, kb := range kbs {
		if kb.EmbeddingModel == "" {
			continue
		}
		if kb.EmbeddingModel != model {
			out = append(out, fmt.Sprintf(
				"embedding_model_mismatch: knowledge base %s indexed with %q, query embedder is %q",
				kb.ID, kb.EmbeddingModel, model))
			continue
		}
		if queryDim > 0 && kb.EmbeddingDim > 0 && kb.EmbeddingDim != queryDim {
			out = append(out, fmt.Sprintf(
				"embedding_model_mismatch: knowledge base %s indexed at dim %d, query embedding has dim %d",
				kb.ID, kb.EmbeddingDim, queryDim))
		}
	}
	return out
}

func queryMode(vecErr, graphErr error) string {
	switch {
	case vecErr == nil && graphErr == nil:
		return "hybrid"
	case vecErr == nil:
		return "vector_only"
	case graphErr == nil:
		return "graph_only"
	default:
		return "none"
	}
}
