package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/anubissbe/JarvisAI/internal/http/handlers"
	httpMW "github.com/anubissbe/JarvisAI/internal/http/middleware"
	"github.com/anubissbe/JarvisAI/internal/observability"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
)

type RouterConfig struct {
	Log     *logger.Logger
	Metrics *observability.Metrics

	HealthHandler        *httpH.HealthHandler
	KnowledgeBaseHandler *httpH.KnowledgeBaseHandler
	DocumentHandler      *httpH.DocumentHandler
	QueryHandler         *httpH.QueryHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(otelgin.Middleware("jarvisai-api"))
	r.Use(httpMW.CORS())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))

	// Health + metrics
	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.Healthz)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/api/v1")
	{
		// Knowledge bases
		if cfg.KnowledgeBaseHandler != nil {
			api.POST("/knowledge-bases", cfg.KnowledgeBaseHandler.Create)
			api.GET("/knowledge-bases", cfg.KnowledgeBaseHandler.List)
		}

		// Documents
		if cfg.DocumentHandler != nil {
			api.POST("/documents", cfg.DocumentHandler.Upload)
			api.GET("/documents", cfg.DocumentHandler.List)
			api.GET("/documents/:id", cfg.DocumentHandler.Get)
			api.POST("/documents/:id/reingest", cfg.DocumentHandler.Reingest)
		}

		// Hybrid retrieval
		if cfg.QueryHandler != nil {
			api.POST("/query", cfg.QueryHandler.Query)
		}
	}

	return r
}
