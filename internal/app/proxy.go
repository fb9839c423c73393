package app

import (
	"context"
	"fmt"
	"os"

	"github.com/anubissbe/JarvisAI/internal/db"
	"github.com/anubissbe/JarvisAI/internal/extraction"
	"github.com/anubissbe/JarvisAI/internal/graph"
	"github.com/anubissbe/JarvisAI/internal/observability"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/platform/neo4jdb"
	"github.com/anubissbe/JarvisAI/internal/platform/ollama"
	"github.com/anubissbe/JarvisAI/internal/proxy"
	"github.com/anubissbe/JarvisAI/internal/retrieval"
)

// Proxy is the standalone augmentation process in front of the model
// server. It shares the retrieval stack with the API process but runs
// no ingestion workers and never migrates the catalog.
type Proxy struct {
	Log    *logger.Logger
	Server *proxy.Server

	neo          *neo4jdb.Client
	otelShutdown func(context.Context) error
}

func NewProxy(ctx context.Context) (*Proxy, error) {
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
		ServiceName: "jarvisai-proxy",
		Environment: cfg.Environment,
		Version:     cfg.ServiceVersion,
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	rp := wireRepos(log, pg)

	oll, err := ollama.NewClient(log)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}

	neo, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		return nil, fmt.Errorf("neo4j: %w", err)
	}
	graphStore := instrumentGraphStore(graph.NewStore(neo, log))

	vectors, err := resolveVectorStore(log, cfg)
	if err != nil {
		_ = neo.Close(ctx)
		return nil, err
	}

	seeds, err := extraction.NewExtractor(log)
	if err != nil {
		_ = neo.Close(ctx)
		return nil, fmt.Errorf("extractor: %w", err)
	}

	engine := retrieval.NewEngine(
		log,
		rp.KnowledgeBases,
		rp.Documents,
		rp.Chunks,
		oll,
		vectors,
		graphStore,
		seeds,
		metrics,
		retrieval.ConfigFromEnv(log),
	)

	server, err := proxy.NewServer(log, engine, rp.KnowledgeBases, oll, metrics, proxy.ConfigFromEnv(log))
	if err != nil {
		_ = neo.Close(ctx)
		return nil, err
	}

	return &Proxy{
		Log:          log,
		Server:       server,
		neo:          neo,
		otelShutdown: otelShutdown,
	}, nil
}

// Run blocks until ctx is cancelled or the listener fails.
func (p *Proxy) Run(ctx context.Context) error {
	return p.Server.Serve(ctx)
}

func (p *Proxy) Close(ctx context.Context) {
	if p == nil {
		return
	}
	if p.otelShutdown != nil {
		_ = p.otelShutdown(ctx)
	}
	if p.neo != nil {
		_ = p.neo.Close(ctx)
	}
	p.Log.Sync()
}
