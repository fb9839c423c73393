package ingestion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/anubissbe/JarvisAI/internal/extraction"
	"github.com/anubissbe/JarvisAI/internal/graph"
	"github.com/anubissbe/JarvisAI/internal/locks"
	"github.com/anubissbe/JarvisAI/internal/platform/vectorstore"
	"github.com/anubissbe/JarvisAI/internal/repos"
	"github.com/anubissbe/JarvisAI/internal/types"
)

// ---- fakes ----

type fakeDocs struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*types.Document
	pending []uuid.UUID
	flipErr error
}

func newFakeDocs(docs ...*types.Document) *fakeDocs {
	f := &fakeDocs{byID: map[uuid.UUID]*types.Document{}}
	for _, d := range docs {
		f.byID[d.ID] = d
	}
	return f
}

func (f *fakeDocs) get(t *testing.T, id uuid.UUID) types.Document {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.byID[id]
	if !ok {
		t.Fatalf("document %s not in fake repo", id)
	}
	return *doc
}

func (f *fakeDocs) Create(ctx context.Context, tx *gorm.DB, doc *types.Document) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[doc.ID] = doc
	return doc, nil
}

func (f *fakeDocs) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}

func (f *fakeDocs) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Document
	for _, id := range ids {
		if d, ok := f.byID[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDocs) ListByKnowledgeBase(ctx context.Context, tx *gorm.DB, kbID uuid.UUID) ([]*types.Document, error) {
	return nil, nil
}

func (f *fakeDocs) GetByContentHash(ctx context.Context, tx *gorm.DB, kbID uuid.UUID, hash string) (*types.Document, error) {
	return nil, nil
}

func (f *fakeDocs) ClaimNextPending(ctx context.Context, tx *gorm.DB, maxAttempts int, staleProcessing time.Duration) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	id := f.pending[0]
	f.pending = f.pending[1:]
	doc := f.byID[id]
	doc.Status = types.DocumentStatusProcessing
	doc.Attempts++
	now := time.Now()
	doc.ProcessingAt = &now
	return doc, nil
}

func (f *fakeDocs) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.byID[id]
	if !ok {
		return nil
	}
	for k, v := range updates {
		switch k {
		case "status":
			doc.Status = v.(string)
		case "status_reason":
			doc.StatusReason = v.(string)
		case "attempts":
			doc.Attempts = v.(int)
		case "pending_version":
			doc.PendingVersion = v.(int64)
		case "content_hash":
			doc.ContentHash = v.(string)
		case "processing_at":
			if v == nil {
				doc.ProcessingAt = nil
			}
		}
	}
	return nil
}

func (f *fakeDocs) SetPendingVersion(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int64) error {
	return f.UpdateFields(ctx, tx, id, map[string]interface{}{"pending_version": version})
}

func (f *fakeDocs) FlipCurrentVersion(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int64, chunkCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flipErr != nil {
		return f.flipErr
	}
	doc := f.byID[id]
	if doc.PendingVersion != version {
		return repos.ErrFlipSuperseded
	}
	now := time.Now()
	doc.CurrentVersion = version
	doc.PendingVersion = 0
	doc.ChunkCount = chunkCount
	doc.Status = types.DocumentStatusCompleted
	doc.StatusReason = ""
	doc.Attempts = 0
	doc.ProcessingAt = nil
	doc.IngestedAt = &now
	return nil
}

func (f *fakeDocs) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) error {
	return f.UpdateFields(ctx, tx, id, map[string]interface{}{
		"status":        types.DocumentStatusFailed,
		"status_reason": strings.TrimSpace(reason),
		"processing_at": nil,
	})
}

func (f *fakeDocs) Requeue(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return f.UpdateFields(ctx, tx, id, map[string]interface{}{
		"status":        types.DocumentStatusPending,
		"status_reason": "",
		"attempts":      0,
		"processing_at": nil,
	})
}

type fakeChunkRepo struct {
	mu       sync.Mutex
	rows     map[int64][]*types.DocumentChunk
	kept     []int64
	gcErr    error
	replaced int
}

func newFakeChunkRepo() *fakeChunkRepo {
	return &fakeChunkRepo{rows: map[int64][]*types.DocumentChunk{}}
}

func (f *fakeChunkRepo) ReplaceForVersion(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, version int64, chunks []*types.DocumentChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[version] = chunks
	f.replaced++
	return nil
}

func (f *fakeChunkRepo) GetByDocumentVersion(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, version int64) ([]*types.DocumentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[version], nil
}

func (f *fakeChunkRepo) DeleteOtherVersions(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, keepVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gcErr != nil {
		return f.gcErr
	}
	f.kept = append(f.kept, keepVersion)
	for v := range f.rows {
		if v != keepVersion {
			delete(f.rows, v)
		}
	}
	return nil
}

func (f *fakeChunkRepo) DeleteByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) error {
	return nil
}

type fakeKBs struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*types.KnowledgeBase
}

func newFakeKBs(kbs ...*types.KnowledgeBase) *fakeKBs {
	f := &fakeKBs{byID: map[uuid.UUID]*types.KnowledgeBase{}}
	for _, kb := range kbs {
		f.byID[kb.ID] = kb
	}
	return f
}

func (f *fakeKBs) Create(ctx context.Context, tx *gorm.DB, kb *types.KnowledgeBase) (*types.KnowledgeBase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[kb.ID] = kb
	return kb, nil
}

func (f *fakeKBs) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.KnowledgeBase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}

func (f *fakeKBs) GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.KnowledgeBase, error) {
	return nil, nil
}

func (f *fakeKBs) List(ctx context.Context, tx *gorm.DB) ([]*types.KnowledgeBase, error) {
	return nil, nil
}

func (f *fakeKBs) SetEmbeddingIdentity(ctx context.Context, tx *gorm.DB, id uuid.UUID, model string, dim int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kb, ok := f.byID[id]
	if !ok {
		return nil
	}
	if strings.TrimSpace(kb.EmbeddingModel) == "" {
		kb.EmbeddingModel = model
		kb.EmbeddingDim = dim
	}
	return nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	opens   int
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{objects: map[string][]byte{}} }

func (f *fakeBlobs) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlobs) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("blob %q not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

type fakeTextSource struct {
	err error
}

func (f *fakeTextSource) Extract(ctx context.Context, name, mimeType string, data []byte) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	return string(data), "native", nil
}

type fakeAnnotator struct {
	res     extraction.Result
	related map[string][]string
}

func (f *fakeAnnotator) Extract(text, docID string) extraction.Result { return f.res }

func (f *fakeAnnotator) RelatedTopics(concept string) []string { return f.related[concept] }

type fakeEmbedder struct {
	mu     sync.Mutex
	model  string
	dim    int
	embeds int
	err    error
}

func (f *fakeEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		vec := make([]float32, f.dim)
		vec[0] = float32(len(in))
		out[i] = vec
	}
	f.embeds += len(inputs)
	return out, nil
}

func (f *fakeEmbedder) Model() string { return f.model }

func (f *fakeEmbedder) Dimension(ctx context.Context) (int, error) { return f.dim, nil }

func (f *fakeEmbedder) Version(ctx context.Context) (string, error) { return "0.0.0-test", nil }

func (f *fakeEmbedder) embedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.embeds
}

type fakeGraphStore struct {
	mu        sync.Mutex
	upserts   []graph.DocumentGraph
	upsertErr error
}

func (f *fakeGraphStore) EnsureSchema(ctx context.Context) error { return nil }

func (f *fakeGraphStore) UpsertDocumentGraph(ctx context.Context, g graph.DocumentGraph) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, g)
	return nil
}

func (f *fakeGraphStore) Traverse(ctx context.Context, kbIDs []string, seeds []string, hopLimit int) ([]graph.Hit, error) {
	return nil, nil
}

func (f *fakeGraphStore) DeleteDocument(ctx context.Context, kbID, documentID string) error {
	return nil
}

type fakeVectorStore struct {
	mu        sync.Mutex
	ensured   map[string]int
	points    map[string][]vectorstore.Point
	deletes   []int64
	upsertErr error
	deleteErr error
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{ensured: map[string]int{}, points: map[string][]vectorstore.Point{}}
}

func (f *fakeVectorStore) EnsureCollection(ctx context.Context, kbID string, dim int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured[kbID] = dim
	return nil
}

func (f *fakeVectorStore) Upsert(ctx context.Context, kbID string, points []vectorstore.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.points[kbID] = append(f.points[kbID], points...)
	return nil
}

func (f *fakeVectorStore) Query(ctx context.Context, kbID string, vector []float32, topK int) ([]vectorstore.Match, error) {
	return nil, nil
}

func (f *fakeVectorStore) DeleteByDocument(ctx context.Context, kbID, documentID string, keepVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, keepVersion)
	return nil
}

type fakeLocker struct {
	contended bool
	err       error
}

func (f *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (locks.Release, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if f.contended {
		return func() {}, false, nil
	}
	return func() {}, true, nil
}

func (f *fakeLocker) Close() error { return nil }

// ---- fixture ----

type pipeFixture struct {
	docs    *fakeDocs
	chunks  *fakeChunkRepo
	kbs     *fakeKBs
	blobs   *fakeBlobs
	text    *fakeTextSource
	ann     *fakeAnnotator
	embed   *fakeEmbedder
	graph   *fakeGraphStore
	vectors *fakeVectorStore
	locker  *fakeLocker
	pipe    *Pipeline
	doc     *types.Document
	kb      *types.KnowledgeBase
	content string
	cfg     Config
}

func newPipeFixture(t *testing.T, content string) *pipeFixture {
	t.Helper()
	kbID := uuid.New()
	docID := uuid.New()
	fx := &pipeFixture{
		kb: &types.KnowledgeBase{ID: kbID, Name: "personal"},
		doc: &types.Document{
			ID:              docID,
			KnowledgeBaseID: kbID,
			Title:           "Meeting notes",
			Source:          "notes.txt",
			MimeType:        "text/plain",
			StorageKey:      "kb/" + docID.String(),
			Status:          types.DocumentStatusProcessing,
			Attempts:        1,
		},
		content: content,
		cfg: Config{
			ChunkSize:        32,
			ChunkOverlap:     8,
			EmbedConcurrency: 2,
			LockTTL:          time.Minute,
			MaxAttempts:      3,
			StaleProcessing:  time.Minute,
			DocTimeout:       time.Minute,
		},
	}
	fx.docs = newFakeDocs(fx.doc)
	fx.chunks = newFakeChunkRepo()
	fx.kbs = newFakeKBs(fx.kb)
	fx.blobs = newFakeBlobs()
	fx.blobs.objects[fx.doc.StorageKey] = []byte(content)
	fx.text = &fakeTextSource{}
	fx.ann = &fakeAnnotator{
		res: extraction.Result{Items: []extraction.Item{
			{Kind: extraction.KindEntity, Text: "Acme Corp", Normalized: "acme corp", Category: "ORG", Weight: 0.6, Count: 1},
			{Kind: extraction.KindTopic, Text: "Python", Normalized: "python", Category: "technology", Weight: 0.2, Count: 1},
			{Kind: extraction.KindConcept, Text: "Function Definition", Normalized: "function definition", Category: "code", Label: "Function Definition", Weight: 0.2, Count: 1, Example: "def parse():"},
			{Kind: extraction.KindPersonal, Text: "alice@example.com", Normalized: "alice@example.com", Category: "contact", Label: "Email", Weight: 0.5, Count: 1},
		}},
		related: map[string][]string{"Function Definition": {"Programming"}},
	}
	fx.embed = &fakeEmbedder{model: "test-embed", dim: 4}
	fx.graph = &fakeGraphStore{}
	fx.vectors = newFakeVectorStore()
	fx.locker = &fakeLocker{}
	fx.pipe = NewPipeline(
		newTestLogger(t),
		fx.docs, fx.chunks, fx.kbs, fx.blobs,
		fx.text, fx.ann, fx.embed, fx.graph, fx.vectors, fx.locker,
		nil, fx.cfg,
	)
	return fx
}

func contentHash(content string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
}

// ---- tests ----

func TestProcessHappyPath(t *testing.T) {
	content := "Alice met Bob at Acme Corp. They walked through the project roadmap in detail."
	fx := newPipeFixture(t, content)

	if err := fx.pipe.Process(context.Background(), fx.doc); err != nil {
		t.Fatalf("Process: %v", err)
	}

	wantChunks := ChunkText(content, fx.cfg.ChunkSize, fx.cfg.ChunkOverlap)
	doc := fx.docs.get(t, fx.doc.ID)
	if doc.Status != types.DocumentStatusCompleted {
		t.Fatalf("status = %q (%s), want completed", doc.Status, doc.StatusReason)
	}
	if doc.CurrentVersion != 1 || doc.PendingVersion != 0 {
		t.Fatalf("versions = %d/%d, want 1/0", doc.CurrentVersion, doc.PendingVersion)
	}
	if doc.ChunkCount != len(wantChunks) {
		t.Fatalf("chunk count = %d, want %d", doc.ChunkCount, len(wantChunks))
	}
	if doc.ContentHash != contentHash(content) {
		t.Fatalf("content hash = %q, want %q", doc.ContentHash, contentHash(content))
	}
	if doc.IngestedAt == nil || doc.Attempts != 0 {
		t.Fatalf("ingested_at=%v attempts=%d", doc.IngestedAt, doc.Attempts)
	}

	if fx.kb.EmbeddingModel != "test-embed" || fx.kb.EmbeddingDim != 4 {
		t.Fatalf("embedding identity = %s/%d, want test-embed/4", fx.kb.EmbeddingModel, fx.kb.EmbeddingDim)
	}

	if len(fx.graph.upserts) != 1 {
		t.Fatalf("graph upserts = %d, want 1", len(fx.graph.upserts))
	}
	g := fx.graph.upserts[0]
	if g.DocumentID != fx.doc.ID.String() || g.Version != 1 || g.Title != "Meeting notes" || g.Source != "notes.txt" {
		t.Fatalf("unexpected graph document %+v", g)
	}
	if len(g.Entities) != 2 || len(g.Topics) != 1 || len(g.Concepts) != 1 {
		t.Fatalf("graph mentions = %d/%d/%d, want 2/1/1", len(g.Entities), len(g.Topics), len(g.Concepts))
	}
	if got := g.Concepts[0].RelatedTopics; len(got) != 1 || got[0] != "Programming" {
		t.Fatalf("concept related topics = %v", got)
	}

	points := fx.vectors.points[fx.kb.ID.String()]
	if len(points) != len(wantChunks) {
		t.Fatalf("points = %d, want %d", len(points), len(wantChunks))
	}
	for i, pt := range points {
		wantID := vectorstore.PointID(fx.doc.ID.String(), 1, i)
		if pt.ID != wantID {
			t.Fatalf("point %d id = %q, want %q", i, pt.ID, wantID)
		}
		if v := pt.Payload[vectorstore.FieldVersion].(int64); v != 1 {
			t.Fatalf("point %d version = %d", i, v)
		}
		if pt.Payload[vectorstore.FieldContent].(string) != wantChunks[i].Content {
			t.Fatalf("point %d content mismatch", i)
		}
	}

	rows := fx.chunks.rows[1]
	if len(rows) != len(wantChunks) {
		t.Fatalf("chunk rows = %d, want %d", len(rows), len(wantChunks))
	}
	if rows[0].CharStart != wantChunks[0].Start || rows[0].CharEnd != wantChunks[0].End {
		t.Fatalf("chunk row span = [%d,%d), want [%d,%d)", rows[0].CharStart, rows[0].CharEnd, wantChunks[0].Start, wantChunks[0].End)
	}

	if len(fx.vectors.deletes) != 1 || fx.vectors.deletes[0] != 1 {
		t.Fatalf("vector gc = %v, want [1]", fx.vectors.deletes)
	}
	if len(fx.chunks.kept) != 1 || fx.chunks.kept[0] != 1 {
		t.Fatalf("chunk gc = %v, want [1]", fx.chunks.kept)
	}
}

func TestProcessLockContention(t *testing.T) {
	fx := newPipeFixture(t, "some content")
	fx.locker.contended = true

	// The claim increments attempts on the stored row and hands Process
	// the pre-claim snapshot.
	fx.doc.Attempts = 1
	snapshot := *fx.doc
	snapshot.Attempts = 0

	if err := fx.pipe.Process(context.Background(), &snapshot); err != nil {
		t.Fatalf("Process: %v", err)
	}
	doc := fx.docs.get(t, fx.doc.ID)
	if doc.Status != types.DocumentStatusPending {
		t.Fatalf("status = %q, want pending", doc.Status)
	}
	if doc.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0 (contention hands the attempt back)", doc.Attempts)
	}
	if fx.blobs.opens != 0 {
		t.Fatalf("blob opened %d times during contention", fx.blobs.opens)
	}
}

func TestProcessContentionNeverExhaustsClaimBudget(t *testing.T) {
	fx := newPipeFixture(t, "some content")
	fx.locker.contended = true

	// Repeated contended claims must leave the document claimable: a
	// pending row whose attempts sit at the ceiling would never be
	// picked up again and never surface as failed.
	const maxAttempts = 3
	fx.doc.Attempts = 0
	for i := 0; i < maxAttempts+2; i++ {
		snapshot := *fx.doc
		fx.doc.Attempts = snapshot.Attempts + 1
		fx.doc.Status = types.DocumentStatusProcessing

		if err := fx.pipe.Process(context.Background(), &snapshot); err != nil {
			t.Fatalf("Process round %d: %v", i, err)
		}
	}

	doc := fx.docs.get(t, fx.doc.ID)
	if doc.Status != types.DocumentStatusPending {
		t.Fatalf("status = %q, want pending", doc.Status)
	}
	if doc.Attempts >= maxAttempts {
		t.Fatalf("attempts = %d, want below the %d ceiling", doc.Attempts, maxAttempts)
	}
}

func TestProcessExtractionFailure(t *testing.T) {
	fx := newPipeFixture(t, "")
	fx.blobs.objects[fx.doc.StorageKey] = []byte{0x00, 0x01}
	fx.text.err = errors.New("no text layer")

	if err := fx.pipe.Process(context.Background(), fx.doc); err == nil {
		t.Fatal("expected error")
	}
	doc := fx.docs.get(t, fx.doc.ID)
	if doc.Status != types.DocumentStatusFailed {
		t.Fatalf("status = %q, want failed", doc.Status)
	}
	if !strings.HasPrefix(doc.StatusReason, ReasonExtractionFailure) {
		t.Fatalf("reason = %q", doc.StatusReason)
	}
	if len(fx.graph.upserts) != 0 || len(fx.vectors.points) != 0 {
		t.Fatal("stores written despite extraction failure")
	}
}

func TestProcessEmbeddingMismatch(t *testing.T) {
	fx := newPipeFixture(t, "Readable content for the mismatch case.")
	fx.kb.EmbeddingModel = "legacy-embed"
	fx.kb.EmbeddingDim = 8

	if err := fx.pipe.Process(context.Background(), fx.doc); err == nil {
		t.Fatal("expected error")
	}
	doc := fx.docs.get(t, fx.doc.ID)
	if doc.Status != types.DocumentStatusFailed {
		t.Fatalf("status = %q, want failed", doc.Status)
	}
	if !strings.HasPrefix(doc.StatusReason, ReasonEmbeddingMismatch) {
		t.Fatalf("reason = %q", doc.StatusReason)
	}
	if fx.embed.embedCalls() != 0 {
		t.Fatalf("embedded %d chunks despite mismatch", fx.embed.embedCalls())
	}
	if len(fx.vectors.points) != 0 {
		t.Fatal("vector store written despite mismatch")
	}
}

func TestProcessPartialExtraction(t *testing.T) {
	fx := newPipeFixture(t, "Content whose entity pass is disabled.")
	fx.ann.res.Partial = true

	if err := fx.pipe.Process(context.Background(), fx.doc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	doc := fx.docs.get(t, fx.doc.ID)
	if doc.Status != types.DocumentStatusCompleted {
		t.Fatalf("status = %q, want completed", doc.Status)
	}
	if doc.StatusReason != ReasonPartialExtraction {
		t.Fatalf("reason = %q, want %q", doc.StatusReason, ReasonPartialExtraction)
	}
}

func TestProcessFastPathSkipsUnchangedContent(t *testing.T) {
	content := "Stable content already ingested."
	fx := newPipeFixture(t, content)
	fx.doc.CurrentVersion = 2
	fx.doc.ChunkCount = 3
	fx.doc.ContentHash = contentHash(content)
	fx.kb.EmbeddingModel = "test-embed"
	fx.kb.EmbeddingDim = 4

	if err := fx.pipe.Process(context.Background(), fx.doc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	doc := fx.docs.get(t, fx.doc.ID)
	if doc.Status != types.DocumentStatusCompleted || doc.CurrentVersion != 2 {
		t.Fatalf("status=%q version=%d, want completed/2", doc.Status, doc.CurrentVersion)
	}
	if fx.embed.embedCalls() != 0 {
		t.Fatalf("embedded %d chunks on fast path", fx.embed.embedCalls())
	}
	if len(fx.graph.upserts) != 0 {
		t.Fatal("graph written on fast path")
	}
}

func TestProcessExplicitReingestBumpsVersion(t *testing.T) {
	content := "Stable content re-ingested on demand."
	fx := newPipeFixture(t, content)
	fx.doc.CurrentVersion = 2
	fx.doc.PendingVersion = 3 // set by the re-ingest endpoint
	fx.doc.ContentHash = contentHash(content)
	fx.kb.EmbeddingModel = "test-embed"
	fx.kb.EmbeddingDim = 4

	if err := fx.pipe.Process(context.Background(), fx.doc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	doc := fx.docs.get(t, fx.doc.ID)
	if doc.CurrentVersion != 3 || doc.PendingVersion != 0 {
		t.Fatalf("versions = %d/%d, want 3/0", doc.CurrentVersion, doc.PendingVersion)
	}
	if len(fx.graph.upserts) != 1 || fx.graph.upserts[0].Version != 3 {
		t.Fatalf("graph version = %+v, want 3", fx.graph.upserts)
	}
	if len(fx.vectors.deletes) != 1 || fx.vectors.deletes[0] != 3 {
		t.Fatalf("vector gc keep = %v, want [3]", fx.vectors.deletes)
	}
}

func TestProcessGraphFailure(t *testing.T) {
	fx := newPipeFixture(t, "Content that will not reach the vector store.")
	fx.graph.upsertErr = errors.New("neo4j down")

	if err := fx.pipe.Process(context.Background(), fx.doc); err == nil {
		t.Fatal("expected error")
	}
	doc := fx.docs.get(t, fx.doc.ID)
	if doc.Status != types.DocumentStatusFailed {
		t.Fatalf("status = %q, want failed", doc.Status)
	}
	if !strings.Contains(doc.StatusReason, ReasonStoreUnavailable) || !strings.Contains(doc.StatusReason, "graph") {
		t.Fatalf("reason = %q", doc.StatusReason)
	}
	if len(fx.vectors.points) != 0 {
		t.Fatal("vector store written after graph failure")
	}
}

func TestProcessGCFailureDoesNotFailAttempt(t *testing.T) {
	fx := newPipeFixture(t, "Content whose stale cleanup fails.")
	fx.vectors.deleteErr = errors.New("timeout deleting points")

	if err := fx.pipe.Process(context.Background(), fx.doc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	doc := fx.docs.get(t, fx.doc.ID)
	if doc.Status != types.DocumentStatusCompleted {
		t.Fatalf("status = %q, want completed", doc.Status)
	}
}

func TestProcessFlipSuperseded(t *testing.T) {
	fx := newPipeFixture(t, "Content that loses the flip race.")
	fx.docs.flipErr = repos.ErrFlipSuperseded

	if err := fx.pipe.Process(context.Background(), fx.doc); err != nil {
		t.Fatalf("Process: %v", err)
	}
	doc := fx.docs.get(t, fx.doc.ID)
	if doc.Status == types.DocumentStatusCompleted || doc.Status == types.DocumentStatusFailed {
		t.Fatalf("status = %q; a superseded flip must leave the document to the newer run", doc.Status)
	}
}
