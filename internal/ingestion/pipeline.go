// Package ingestion turns uploaded documents into versioned, queryable
// artifacts: extracted text, chunk embeddings in the vector store, and a
// knowledge subtree in the graph. Each document version is written fully
// before the catalog pointer flips to it, so queries read old-complete
// or new-complete state, never a mixture.
package ingestion

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anubissbe/JarvisAI/internal/extraction"
	"github.com/anubissbe/JarvisAI/internal/graph"
	"github.com/anubissbe/JarvisAI/internal/locks"
	"github.com/anubissbe/JarvisAI/internal/observability"
	"github.com/anubissbe/JarvisAI/internal/platform/blobstore"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/platform/ollama"
	"github.com/anubissbe/JarvisAI/internal/platform/vectorstore"
	"github.com/anubissbe/JarvisAI/internal/repos"
	"github.com/anubissbe/JarvisAI/internal/types"
	"github.com/anubissbe/JarvisAI/internal/utils"
)

// Annotator runs the deterministic knowledge extraction pass over the
// full document text.
type Annotator interface {
	Extract(text, docID string) extraction.Result
	RelatedTopics(concept string) []string
}

// Status-reason prefixes recorded on the catalog row. partial_extraction
// is informational on a completed document; the rest accompany failed.
const (
	ReasonExtractionFailure = "extraction_failure"
	ReasonEmbeddingMismatch = "embedding_mismatch"
	ReasonStoreUnavailable  = "store_unavailable"
	ReasonPartialExtraction = "partial_extraction"
	ReasonTimeout           = "timeout"
)

type Config struct {
	ChunkSize        int
	ChunkOverlap     int
	EmbedConcurrency int
	LockTTL          time.Duration
	MaxAttempts      int
	StaleProcessing  time.Duration
	DocTimeout       time.Duration
	WorkerCount      int
	PollInterval     time.Duration
}

func ConfigFromEnv(log *logger.Logger) Config {
	return Config{
		ChunkSize:        utils.GetEnvAsInt("CHUNK_SIZE", DefaultChunkSize, log),
		ChunkOverlap:     utils.GetEnvAsInt("CHUNK_OVERLAP", DefaultChunkOverlap, log),
		EmbedConcurrency: utils.GetEnvAsInt("EMBED_CONCURRENCY", 4, log),
		LockTTL:          utils.GetEnvAsDuration("INGEST_LOCK_TTL_SECONDS", 10*time.Minute, log),
		MaxAttempts:      utils.GetEnvAsInt("INGEST_MAX_ATTEMPTS", 3, log),
		StaleProcessing:  utils.GetEnvAsDuration("INGEST_STALE_PROCESSING_SECONDS", 15*time.Minute, log),
		DocTimeout:       utils.GetEnvAsDuration("INGEST_DOC_TIMEOUT_SECONDS", 10*time.Minute, log),
		WorkerCount:      utils.GetEnvAsInt("INGEST_WORKER_CONCURRENCY", 4, log),
		PollInterval:     utils.GetEnvAsDuration("INGEST_POLL_INTERVAL_SECONDS", time.Second, log),
	}
}

// Pipeline executes single ingestion attempts. It is stateless between
// calls and safe for concurrent use.
type Pipeline struct {
	log      *logger.Logger
	docs     repos.DocumentRepo
	chunks   repos.DocumentChunkRepo
	kbs      repos.KnowledgeBaseRepo
	blobs    blobstore.Store
	text     TextSource
	annotate Annotator
	embedder ollama.Client
	graph    graph.Store
	vectors  vectorstore.Store
	locks    locks.Locker
	metrics  *observability.Metrics
	cfg      Config
}

func NewPipeline(
	baseLog *logger.Logger,
	docs repos.DocumentRepo,
	chunks repos.DocumentChunkRepo,
	kbs repos.KnowledgeBaseRepo,
	blobs blobstore.Store,
	text TextSource,
	annotate Annotator,
	embedder ollama.Client,
	graphStore graph.Store,
	vectors vectorstore.Store,
	locker locks.Locker,
	metrics *observability.Metrics,
	cfg Config,
) *Pipeline {
	return &Pipeline{
		log:      baseLog.With("service", "IngestionPipeline"),
		docs:     docs,
		chunks:   chunks,
		kbs:      kbs,
		blobs:    blobs,
		text:     text,
		annotate: annotate,
		embedder: embedder,
		graph:    graphStore,
		vectors:  vectors,
		locks:    locker,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// Process runs one ingestion attempt for a claimed document (status
// processing). It always drives the document to a terminal state for
// this attempt: completed, failed with a recorded reason, or back to
// pending when another worker holds the lock. The returned error is the
// underlying cause for the caller's log; nil means completed, skipped,
// or cleanly requeued.
func (p *Pipeline) Process(ctx context.Context, doc *types.Document) error {
	if doc == nil || doc.ID == uuid.Nil {
		return errors.New("document required")
	}
	log := p.log.With("document_id", doc.ID, "knowledge_base_id", doc.KnowledgeBaseID)
	started := time.Now()

	release, acquired, err := p.locks.Acquire(ctx, "ingest:doc:"+doc.ID.String(), p.cfg.LockTTL)
	if err != nil {
		log.Warn("Lock backend unavailable, requeueing", "error", err)
		return p.requeue(ctx, doc)
	}
	if !acquired {
		log.Info("Document locked by another worker, requeueing")
		return p.requeue(ctx, doc)
	}
	defer release()

	kb, err := p.kbs.GetByID(ctx, nil, doc.KnowledgeBaseID)
	if err != nil {
		return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "catalog", err), err)
	}
	if kb == nil {
		return p.fail(ctx, doc, log, fmt.Sprintf("knowledge base %s not found", doc.KnowledgeBaseID), nil)
	}

	data, err := p.readBlob(ctx, doc.StorageKey)
	if err != nil {
		return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "blob", err), err)
	}
	hash := fmt.Sprintf("%x", sha256.Sum256(data))

	// Same bytes already published under the same embedder: nothing to
	// recompute. An explicit re-ingest sets pending_version, so it never
	// takes this path.
	if doc.PendingVersion == 0 && doc.CurrentVersion > 0 &&
		hash == doc.ContentHash && kb.EmbeddingModel == p.embedder.Model() {
		if err := p.docs.UpdateFields(ctx, nil, doc.ID, map[string]interface{}{
			"status":        types.DocumentStatusCompleted,
			"status_reason": "",
			"attempts":      0,
			"processing_at": nil,
		}); err != nil {
			return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "catalog", err), err)
		}
		p.metrics.ObserveDocumentIngested("skipped", doc.ChunkCount)
		log.Info("Content unchanged, keeping current version", "version", doc.CurrentVersion)
		return nil
	}

	stageStart := time.Now()
	text, provider, err := p.text.Extract(ctx, sourceName(doc), doc.MimeType, data)
	p.metrics.ObserveIngestStage("extract_text", statusOf(err), time.Since(stageStart))
	if err != nil {
		return p.fail(ctx, doc, log, reason(ReasonExtractionFailure, "", err), err)
	}

	newVersion := doc.CurrentVersion + 1
	if doc.PendingVersion > newVersion {
		newVersion = doc.PendingVersion
	}
	updates := map[string]interface{}{"pending_version": newVersion}
	if hash != doc.ContentHash {
		updates["content_hash"] = hash
	}
	if err := p.docs.UpdateFields(ctx, nil, doc.ID, updates); err != nil {
		return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "catalog", err), err)
	}

	model := p.embedder.Model()
	dim, err := p.embedder.Dimension(ctx)
	if err != nil {
		return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "embedder", err), err)
	}
	if strings.TrimSpace(kb.EmbeddingModel) == "" {
		if err := p.kbs.SetEmbeddingIdentity(ctx, nil, kb.ID, model, dim); err != nil {
			return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "catalog", err), err)
		}
		kb.EmbeddingModel, kb.EmbeddingDim = model, dim
	} else if kb.EmbeddingModel != model || (kb.EmbeddingDim > 0 && kb.EmbeddingDim != dim) {
		summary := fmt.Sprintf("%s: knowledge base recorded %s/%d, embedder is %s/%d",
			ReasonEmbeddingMismatch, kb.EmbeddingModel, kb.EmbeddingDim, model, dim)
		return p.fail(ctx, doc, log, summary, nil)
	}

	if err := p.vectors.EnsureCollection(ctx, doc.KnowledgeBaseID.String(), dim); err != nil {
		return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "vector", err), err)
	}

	chunks := ChunkText(text, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return p.fail(ctx, doc, log, reason(ReasonExtractionFailure, "no chunks produced", nil), nil)
	}

	stageStart = time.Now()
	vectors, err := p.embedChunks(ctx, model, chunks)
	p.metrics.ObserveIngestStage("embed", statusOf(err), time.Since(stageStart))
	if err != nil {
		return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "embedder", err), err)
	}

	stageStart = time.Now()
	res := p.annotate.Extract(text, doc.ID.String())
	p.metrics.ObserveIngestStage("annotate", "ok", time.Since(stageStart))

	stageStart = time.Now()
	err = p.graph.UpsertDocumentGraph(ctx, p.buildDocumentGraph(doc, newVersion, res))
	p.metrics.ObserveIngestStage("graph_upsert", statusOf(err), time.Since(stageStart))
	if err != nil {
		return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "graph", err), err)
	}

	stageStart = time.Now()
	err = p.vectors.Upsert(ctx, doc.KnowledgeBaseID.String(), buildPoints(doc, newVersion, chunks, vectors))
	p.metrics.ObserveIngestStage("vector_upsert", statusOf(err), time.Since(stageStart))
	if err != nil {
		return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "vector", err), err)
	}

	if err := p.chunks.ReplaceForVersion(ctx, nil, doc.ID, newVersion, buildChunkRows(doc, newVersion, chunks)); err != nil {
		return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "catalog", err), err)
	}

	if err := p.docs.FlipCurrentVersion(ctx, nil, doc.ID, newVersion, len(chunks)); err != nil {
		if errors.Is(err, repos.ErrFlipSuperseded) {
			log.Warn("Version flip superseded by a newer ingestion", "version", newVersion)
			p.metrics.ObserveDocumentIngested("superseded", len(chunks))
			return nil
		}
		return p.fail(ctx, doc, log, reason(ReasonStoreUnavailable, "catalog", err), err)
	}

	if res.Partial {
		if err := p.docs.UpdateFields(ctx, nil, doc.ID, map[string]interface{}{
			"status_reason": ReasonPartialExtraction,
		}); err != nil {
			log.Warn("Failed to record partial extraction flag", "error", err)
		}
	}

	stageStart = time.Now()
	gcErr := p.gc(ctx, doc, newVersion)
	p.metrics.ObserveIngestStage("gc", statusOf(gcErr), time.Since(stageStart))
	if gcErr != nil {
		// Stale artifacts are filtered at query time by version, so a
		// failed sweep must not fail the attempt.
		log.Warn("Stale version cleanup failed", "version", newVersion, "error", gcErr)
	}

	p.metrics.ObserveDocumentIngested("completed", len(chunks))
	log.Info("Document ingested",
		"version", newVersion,
		"chunks", len(chunks),
		"items", len(res.Items),
		"partial", res.Partial,
		"text_provider", provider,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

func (p *Pipeline) readBlob(ctx context.Context, key string) ([]byte, error) {
	rc, err := p.blobs.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// embedChunks embeds every chunk with bounded concurrency, preserving
// chunk order in the result.
func (p *Pipeline) embedChunks(ctx context.Context, model string, chunks []Chunk) ([][]float32, error) {
	out := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	limit := p.cfg.EmbedConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i := range chunks {
		g.Go(func() error {
			embedStart := time.Now()
			vecs, err := p.embedder.Embed(gctx, []string{chunks[i].Content})
			p.metrics.ObserveEmbedRequest(model, statusOf(err), time.Since(embedStart))
			if err != nil {
				return fmt.Errorf("chunk %d: %w", chunks[i].Index, err)
			}
			if len(vecs) != 1 {
				return fmt.Errorf("chunk %d: expected one embedding, got %d", chunks[i].Index, len(vecs))
			}
			out[i] = vecs[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) buildDocumentGraph(doc *types.Document, version int64, res extraction.Result) graph.DocumentGraph {
	g := graph.DocumentGraph{
		DocumentID:      doc.ID.String(),
		KnowledgeBaseID: doc.KnowledgeBaseID.String(),
		Title:           doc.Title,
		Source:          sourceName(doc),
		Version:         version,
	}
	for _, it := range res.Items {
		switch it.Kind {
		case extraction.KindEntity, extraction.KindPersonal:
			g.Entities = append(g.Entities, graph.EntityMention{
				Text:       it.Text,
				Normalized: it.Normalized,
				Category:   it.Category,
				Label:      it.Label,
				Weight:     it.Weight,
				Count:      it.Count,
			})
		case extraction.KindTopic:
			g.Topics = append(g.Topics, graph.TopicMention{
				Name:       it.Text,
				Normalized: it.Normalized,
				Category:   it.Category,
				Weight:     it.Weight,
				Count:      it.Count,
			})
		case extraction.KindConcept:
			g.Concepts = append(g.Concepts, graph.ConceptMention{
				Name:          it.Text,
				Normalized:    it.Normalized,
				Example:       it.Example,
				Weight:        it.Weight,
				Count:         it.Count,
				RelatedTopics: p.annotate.RelatedTopics(it.Text),
			})
		}
	}
	return g
}

func buildPoints(doc *types.Document, version int64, chunks []Chunk, vectors [][]float32) []vectorstore.Point {
	points := make([]vectorstore.Point, 0, len(chunks))
	for i, c := range chunks {
		points = append(points, vectorstore.Point{
			ID:     vectorstore.PointID(doc.ID.String(), version, c.Index),
			Values: vectors[i],
			Payload: map[string]any{
				vectorstore.FieldDocumentID:      doc.ID.String(),
				vectorstore.FieldKnowledgeBaseID: doc.KnowledgeBaseID.String(),
				vectorstore.FieldVersion:         version,
				vectorstore.FieldChunkIndex:      c.Index,
				vectorstore.FieldTitle:           doc.Title,
				vectorstore.FieldContent:         c.Content,
			},
		})
	}
	return points
}

func buildChunkRows(doc *types.Document, version int64, chunks []Chunk) []*types.DocumentChunk {
	rows := make([]*types.DocumentChunk, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, &types.DocumentChunk{
			DocumentID:      doc.ID,
			KnowledgeBaseID: doc.KnowledgeBaseID,
			Version:         version,
			Index:           c.Index,
			Content:         c.Content,
			CharStart:       c.Start,
			CharEnd:         c.End,
		})
	}
	return rows
}

// gc removes artifacts of superseded versions from both stores.
func (p *Pipeline) gc(ctx context.Context, doc *types.Document, keep int64) error {
	if err := p.vectors.DeleteByDocument(ctx, doc.KnowledgeBaseID.String(), doc.ID.String(), keep); err != nil {
		return fmt.Errorf("vector points: %w", err)
	}
	if err := p.chunks.DeleteOtherVersions(ctx, nil, doc.ID, keep); err != nil {
		return fmt.Errorf("chunk rows: %w", err)
	}
	return nil
}

// requeue releases a claim whose attempt never ran: back to pending
// with the pre-claim attempt count restored (doc is the snapshot
// ClaimNextPending returned, taken before the claim's increment).
// Contention must not consume the retry budget, or a repeatedly
// contended document ends up pending with attempts at the ceiling,
// unclaimable and never marked failed.
func (p *Pipeline) requeue(ctx context.Context, doc *types.Document) error {
	return p.docs.UpdateFields(ctx, nil, doc.ID, map[string]interface{}{
		"status":        types.DocumentStatusPending,
		"attempts":      doc.Attempts,
		"processing_at": nil,
	})
}

// fail records the attempt's terminal failure on the catalog row. When
// the attempt died of a timeout the reason says so, and the catalog
// write runs on a detached context so the row is not left in processing.
func (p *Pipeline) fail(ctx context.Context, doc *types.Document, log *logger.Logger, summary string, cause error) error {
	markCtx := ctx
	if ctx.Err() != nil {
		summary = ReasonTimeout + ": " + summary
		var cancel context.CancelFunc
		markCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := p.docs.MarkFailed(markCtx, nil, doc.ID, summary); err != nil {
		log.Error("Failed to record ingestion failure", "reason", summary, "error", err)
	}
	p.metrics.ObserveDocumentIngested("failed", 0)
	log.Warn("Ingestion attempt failed", "reason", summary, "error", cause)
	if cause == nil {
		return errors.New(summary)
	}
	return cause
}

func reason(prefix, part string, err error) string {
	msg := prefix
	if part != "" {
		msg += ": " + part
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return msg
}

func sourceName(doc *types.Document) string {
	if s := strings.TrimSpace(doc.Source); s != "" {
		return s
	}
	return doc.Title
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
