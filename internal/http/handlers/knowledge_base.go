package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/anubissbe/JarvisAI/internal/http/response"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/repos"
	"github.com/anubissbe/JarvisAI/internal/types"
)

type KnowledgeBaseHandler struct {
	log *logger.Logger
	kbs repos.KnowledgeBaseRepo
}

func NewKnowledgeBaseHandler(log *logger.Logger, kbs repos.KnowledgeBaseRepo) *KnowledgeBaseHandler {
	return &KnowledgeBaseHandler{
		log: log.With("handler", "KnowledgeBaseHandler"),
		kbs: kbs,
	}
}

type createKnowledgeBaseRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// POST /api/v1/knowledge-bases
func (h *KnowledgeBaseHandler) Create(c *gin.Context) {
	var req createKnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		response.RespondError(c, http.StatusBadRequest, "name_required", errors.New("knowledge base name is required"))
		return
	}

	existing, err := h.kbs.GetByName(c.Request.Context(), nil, req.Name)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "catalog_unavailable", err)
		return
	}
	if existing != nil {
		response.RespondError(c, http.StatusConflict, "knowledge_base_exists",
			errors.New("a knowledge base with this name already exists"))
		return
	}

	kb, err := h.kbs.Create(c.Request.Context(), nil, &types.KnowledgeBase{
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "create_knowledge_base_failed", err)
		return
	}
	h.log.Info("Knowledge base created", "knowledge_base_id", kb.ID, "name", kb.Name)
	response.RespondCreated(c, gin.H{"knowledge_base": kb})
}

// GET /api/v1/knowledge-bases
func (h *KnowledgeBaseHandler) List(c *gin.Context) {
	kbs, err := h.kbs.List(c.Request.Context(), nil)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "catalog_unavailable", err)
		return
	}
	if kbs == nil {
		kbs = []*types.KnowledgeBase{}
	}
	response.RespondOK(c, gin.H{"knowledge_bases": kbs})
}
