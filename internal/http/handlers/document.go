package handlers

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/anubissbe/JarvisAI/internal/http/response"
	"github.com/anubissbe/JarvisAI/internal/platform/blobstore"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/repos"
	"github.com/anubissbe/JarvisAI/internal/types"
)

const maxUploadMemory = 32 << 20

type DocumentHandler struct {
	log   *logger.Logger
	docs  repos.DocumentRepo
	kbs   repos.KnowledgeBaseRepo
	blobs blobstore.Store
}

func NewDocumentHandler(
	log *logger.Logger,
	docs repos.DocumentRepo,
	kbs repos.KnowledgeBaseRepo,
	blobs blobstore.Store,
) *DocumentHandler {
	return &DocumentHandler{
		log:   log.With("handler", "DocumentHandler"),
		docs:  docs,
		kbs:   kbs,
		blobs: blobs,
	}
}

// POST /api/v1/documents
//
// Multipart upload: the raw bytes land in blob storage, the catalog row
// is created as pending, and a worker picks it up from there. The
// response never waits on extraction.
func (h *DocumentHandler) Upload(c *gin.Context) {
	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_multipart_form", err)
		return
	}
	form := c.Request.MultipartForm

	kbID, err := uuid.Parse(strings.TrimSpace(formValue(form.Value, "knowledge_base_id")))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_knowledge_base_id", err)
		return
	}
	kb, err := h.kbs.GetByID(c.Request.Context(), nil, kbID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "catalog_unavailable", err)
		return
	}
	if kb == nil {
		response.RespondError(c, http.StatusNotFound, "knowledge_base_not_found",
			fmt.Errorf("knowledge base %s not found", kbID))
		return
	}

	files := form.File["file"]
	if len(files) == 0 {
		response.RespondError(c, http.StatusBadRequest, "file_required", errors.New("multipart field 'file' is required"))
		return
	}
	fh := files[0]
	filename := filepath.Base(strings.TrimSpace(fh.Filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		filename = "upload"
	}

	title := strings.TrimSpace(formValue(form.Value, "title"))
	if title == "" {
		title = filename
	}

	contentType := strings.TrimSpace(fh.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	src, err := fh.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "unreadable_file", err)
		return
	}
	defer src.Close()

	docID := uuid.New()
	storageKey := fmt.Sprintf("documents/%s/%s/%s", kbID, docID, filename)

	// Hash while streaming so the catalog row carries the content hash
	// from the start; the pipeline's unchanged-content fast path keys
	// off it.
	hasher := sha256.New()
	if err := h.blobs.Put(c.Request.Context(), storageKey, io.TeeReader(src, hasher), contentType); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "blob_store_unavailable", err)
		return
	}

	doc, err := h.docs.Create(c.Request.Context(), nil, &types.Document{
		ID:              docID,
		KnowledgeBaseID: kbID,
		Title:           title,
		Source:          filename,
		MimeType:        contentType,
		SizeBytes:       fh.Size,
		StorageKey:      storageKey,
		ContentHash:     fmt.Sprintf("%x", hasher.Sum(nil)),
		Status:          types.DocumentStatusPending,
	})
	if err != nil {
		if derr := h.blobs.Delete(c.Request.Context(), storageKey); derr != nil {
			h.log.Warn("Orphaned blob after failed catalog insert", "storage_key", storageKey, "error", derr)
		}
		response.RespondError(c, http.StatusInternalServerError, "create_document_failed", err)
		return
	}

	h.log.Info("Document accepted",
		"document_id", doc.ID,
		"knowledge_base_id", kbID,
		"title", title,
		"size_bytes", fh.Size,
	)
	response.RespondAccepted(c, gin.H{
		"document_id": doc.ID,
		"status":      types.DocumentStatusPending,
	})
}

// GET /api/v1/documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_document_id", err)
		return
	}
	doc, err := h.docs.GetByID(c.Request.Context(), nil, docID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "catalog_unavailable", err)
		return
	}
	if doc == nil {
		response.RespondError(c, http.StatusNotFound, "document_not_found",
			fmt.Errorf("document %s not found", docID))
		return
	}
	response.RespondOK(c, gin.H{"document": doc})
}

// GET /api/v1/documents?knowledge_base_id=
func (h *DocumentHandler) List(c *gin.Context) {
	kbID, err := uuid.Parse(strings.TrimSpace(c.Query("knowledge_base_id")))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_knowledge_base_id", err)
		return
	}
	docs, err := h.docs.ListByKnowledgeBase(c.Request.Context(), nil, kbID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "catalog_unavailable", err)
		return
	}
	if docs == nil {
		docs = []*types.Document{}
	}
	response.RespondOK(c, gin.H{"documents": docs})
}

// POST /api/v1/documents/:id/reingest
//
// Bumps the pending version past anything already written and requeues.
// Bumping first forces a full rebuild: the unchanged-content fast path
// only applies when no pending version is set.
func (h *DocumentHandler) Reingest(c *gin.Context) {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_document_id", err)
		return
	}
	doc, err := h.docs.GetByID(c.Request.Context(), nil, docID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "catalog_unavailable", err)
		return
	}
	if doc == nil {
		response.RespondError(c, http.StatusNotFound, "document_not_found",
			fmt.Errorf("document %s not found", docID))
		return
	}

	next := doc.CurrentVersion
	if doc.PendingVersion > next {
		next = doc.PendingVersion
	}
	next++

	if err := h.docs.SetPendingVersion(c.Request.Context(), nil, docID, next); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "reingest_failed", err)
		return
	}
	if err := h.docs.Requeue(c.Request.Context(), nil, docID); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "reingest_failed", err)
		return
	}

	h.log.Info("Document requeued for re-ingestion", "document_id", docID, "pending_version", next)
	response.RespondAccepted(c, gin.H{
		"document_id": docID,
		"status":      types.DocumentStatusPending,
	})
}

func formValue(values map[string][]string, key string) string {
	if v := values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
