package app

import (
	apihttp "github.com/anubissbe/JarvisAI/internal/http"
	"github.com/anubissbe/JarvisAI/internal/http/handlers"
	"github.com/anubissbe/JarvisAI/internal/observability"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/retrieval"
)

type Handlers struct {
	Health         *handlers.HealthHandler
	KnowledgeBases *handlers.KnowledgeBaseHandler
	Documents      *handlers.DocumentHandler
	Query          *handlers.QueryHandler
}

func wireHandlers(log *logger.Logger, r *Repos, c *Clients, engine *retrieval.Engine) *Handlers {
	return &Handlers{
		Health:         handlers.NewHealthHandler(),
		KnowledgeBases: handlers.NewKnowledgeBaseHandler(log, r.KnowledgeBases),
		Documents:      handlers.NewDocumentHandler(log, r.Documents, r.KnowledgeBases, c.Blobs),
		Query:          handlers.NewQueryHandler(log, engine),
	}
}

func wireServer(log *logger.Logger, metrics *observability.Metrics, h *Handlers, addr string) *apihttp.Server {
	return apihttp.NewServer(log, apihttp.RouterConfig{
		Log:                  log,
		Metrics:              metrics,
		HealthHandler:        h.Health,
		KnowledgeBaseHandler: h.KnowledgeBases,
		DocumentHandler:      h.Documents,
		QueryHandler:         h.Query,
	}, addr)
}
