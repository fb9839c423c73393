package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/anubissbe/JarvisAI/internal/http/response"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/retrieval"
)

// QueryEngine is the retrieval side of the query endpoint.
// *retrieval.Engine satisfies it.
type QueryEngine interface {
	Query(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

type QueryHandler struct {
	log    *logger.Logger
	engine QueryEngine
}

func NewQueryHandler(log *logger.Logger, engine QueryEngine) *QueryHandler {
	return &QueryHandler{
		log:    log.With("handler", "QueryHandler"),
		engine: engine,
	}
}

type queryRequest struct {
	QueryText        string   `json:"query_text"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids"`
	TopK             int      `json:"top_k"`
	MaxContextLength int      `json:"max_context_length"`
}

// POST /api/v1/query
func (h *QueryHandler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	if strings.TrimSpace(req.QueryText) == "" {
		response.RespondError(c, http.StatusBadRequest, "query_text_required", errors.New("query_text is required"))
		return
	}

	kbIDs := make([]uuid.UUID, 0, len(req.KnowledgeBaseIDs))
	for _, raw := range req.KnowledgeBaseIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_knowledge_base_id",
				fmt.Errorf("invalid knowledge base id %q", raw))
			return
		}
		kbIDs = append(kbIDs, id)
	}

	res, err := h.engine.Query(c.Request.Context(), retrieval.Request{
		Text:             req.QueryText,
		KnowledgeBaseIDs: kbIDs,
		TopK:             req.TopK,
		MaxContextLength: req.MaxContextLength,
	})
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "query_failed", err)
		return
	}
	response.RespondOK(c, res)
}
