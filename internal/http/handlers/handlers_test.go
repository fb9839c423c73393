package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/types"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.New("debug")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

type fakeKBRepo struct {
	kbs     []*types.KnowledgeBase
	listErr error
}

func (f *fakeKBRepo) Create(ctx context.Context, tx *gorm.DB, kb *types.KnowledgeBase) (*types.KnowledgeBase, error) {
	if kb.ID == uuid.Nil {
		kb.ID = uuid.New()
	}
	kb.CreatedAt = time.Now()
	f.kbs = append(f.kbs, kb)
	return kb, nil
}

func (f *fakeKBRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.KnowledgeBase, error) {
	for _, kb := range f.kbs {
		if kb.ID == id {
			return kb, nil
		}
	}
	return nil, nil
}

func (f *fakeKBRepo) GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.KnowledgeBase, error) {
	for _, kb := range f.kbs {
		if kb.Name == name {
			return kb, nil
		}
	}
	return nil, nil
}

func (f *fakeKBRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.KnowledgeBase, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.kbs, nil
}

func (f *fakeKBRepo) SetEmbeddingIdentity(ctx context.Context, tx *gorm.DB, id uuid.UUID, model string, dim int) error {
	return nil
}

type fakeDocRepo struct {
	byID   map[uuid.UUID]*types.Document
	getErr error
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{byID: map[uuid.UUID]*types.Document{}}
}

func (f *fakeDocRepo) Create(ctx context.Context, tx *gorm.DB, doc *types.Document) (*types.Document, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	doc.CreatedAt = time.Now()
	f.byID[doc.ID] = doc
	return doc, nil
}

func (f *fakeDocRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Document, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.byID[id], nil
}

func (f *fakeDocRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Document, error) {
	var out []*types.Document
	for _, id := range ids {
		if doc, ok := f.byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *fakeDocRepo) ListByKnowledgeBase(ctx context.Context, tx *gorm.DB, kbID uuid.UUID) ([]*types.Document, error) {
	var out []*types.Document
	for _, doc := range f.byID {
		if doc.KnowledgeBaseID == kbID {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (f *fakeDocRepo) GetByContentHash(ctx context.Context, tx *gorm.DB, kbID uuid.UUID, hash string) (*types.Document, error) {
	for _, doc := range f.byID {
		if doc.KnowledgeBaseID == kbID && doc.ContentHash == hash {
			return doc, nil
		}
	}
	return nil, nil
}

func (f *fakeDocRepo) ClaimNextPending(ctx context.Context, tx *gorm.DB, maxAttempts int, staleProcessing time.Duration) (*types.Document, error) {
	return nil, nil
}

func (f *fakeDocRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	doc, ok := f.byID[id]
	if !ok {
		return nil
	}
	if v, ok := updates["status"].(string); ok {
		doc.Status = v
	}
	if v, ok := updates["status_reason"].(string); ok {
		doc.StatusReason = v
	}
	if v, ok := updates["attempts"].(int); ok {
		doc.Attempts = v
	}
	if v, ok := updates["pending_version"].(int64); ok {
		doc.PendingVersion = v
	}
	return nil
}

func (f *fakeDocRepo) SetPendingVersion(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int64) error {
	if doc, ok := f.byID[id]; ok {
		doc.PendingVersion = version
	}
	return nil
}

func (f *fakeDocRepo) FlipCurrentVersion(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int64, chunkCount int) error {
	return nil
}

func (f *fakeDocRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, reason string) error {
	if doc, ok := f.byID[id]; ok {
		doc.Status = types.DocumentStatusFailed
		doc.StatusReason = reason
	}
	return nil
}

func (f *fakeDocRepo) Requeue(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	if doc, ok := f.byID[id]; ok {
		doc.Status = types.DocumentStatusPending
		doc.StatusReason = ""
		doc.Attempts = 0
		doc.ProcessingAt = nil
	}
	return nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (f *fakeBlobStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func multipartBody(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("write file content: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, w, &envelope)
	return envelope.Error.Code
}
