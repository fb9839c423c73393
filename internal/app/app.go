package app

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/anubissbe/JarvisAI/internal/extraction"
	apihttp "github.com/anubissbe/JarvisAI/internal/http"
	"github.com/anubissbe/JarvisAI/internal/ingestion"
	"github.com/anubissbe/JarvisAI/internal/observability"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/retrieval"
)

// App wires the API process end to end: catalog, blob store, ingestion
// workers, hybrid retrieval and the HTTP surface. The proxy runs as its
// own binary and only shares the retrieval engine's dependencies.
type App struct {
	Log      *logger.Logger
	Config   Config
	Metrics  *observability.Metrics
	Clients  *Clients
	Repos    *Repos
	Pipeline *ingestion.Pipeline
	Workers  *ingestion.Pool
	Engine   *retrieval.Engine
	Handlers *Handlers
	Server   *apihttp.Server

	otelShutdown func(context.Context) error
}

func New(ctx context.Context) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	cfg := LoadConfig(log)
	metrics := observability.Init(log)
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "jarvisai-api",
		Environment: cfg.Environment,
		Version:     cfg.ServiceVersion,
	})

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		return nil, err
	}
	rp := wireRepos(log, clients.Postgres)

	// One extractor serves both sides: document annotation during
	// ingestion and seed-term extraction at query time.
	annotator, err := extraction.NewExtractor(log)
	if err != nil {
		clients.Close(ctx)
		return nil, fmt.Errorf("extractor: %w", err)
	}

	ingestCfg := ingestion.ConfigFromEnv(log)
	pipe := ingestion.NewPipeline(
		log,
		rp.Documents,
		rp.Chunks,
		rp.KnowledgeBases,
		clients.Blobs,
		ingestion.NewTextExtractor(log, clients.DocAI),
		annotator,
		clients.Ollama,
		clients.Graph,
		clients.Vectors,
		clients.Locks,
		metrics,
		ingestCfg,
	)
	workers := ingestion.NewPool(log, rp.Documents, pipe, ingestCfg)

	engine := retrieval.NewEngine(
		log,
		rp.KnowledgeBases,
		rp.Documents,
		rp.Chunks,
		clients.Ollama,
		clients.Vectors,
		clients.Graph,
		annotator,
		metrics,
		retrieval.ConfigFromEnv(log),
	)

	h := wireHandlers(log, rp, clients, engine)
	server := wireServer(log, metrics, h, cfg.APIAddr)

	return &App{
		Log:          log,
		Config:       cfg,
		Metrics:      metrics,
		Clients:      clients,
		Repos:        rp,
		Pipeline:     pipe,
		Workers:      workers,
		Engine:       engine,
		Handlers:     h,
		Server:       server,
		otelShutdown: otelShutdown,
	}, nil
}

// Run starts the collectors, the ingestion workers and the HTTP server,
// then blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Clients.Graph.EnsureSchema(ctx); err != nil {
		a.Log.Warn("Graph schema setup incomplete", "error", err)
	}

	if a.Metrics != nil {
		a.Metrics.StartPostgresCollector(ctx, a.Log, a.Clients.Postgres.DB())
		a.Metrics.StartDocumentQueueCollector(ctx, a.Log, a.Clients.Postgres.DB())
		if a.Config.RedisAddr != "" {
			a.Metrics.StartRedisCollector(ctx, a.Log, a.Config.RedisAddr)
		}
		if a.Config.MetricsAddr != "" {
			a.Metrics.StartServer(ctx, a.Log, a.Config.MetricsAddr)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Workers.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.Server.Serve(gctx)
	})
	return g.Wait()
}

func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
	a.Clients.Close(ctx)
	a.Log.Sync()
}
