package app

import (
	"context"
	"fmt"

	"github.com/anubissbe/JarvisAI/internal/db"
	"github.com/anubissbe/JarvisAI/internal/graph"
	"github.com/anubissbe/JarvisAI/internal/locks"
	"github.com/anubissbe/JarvisAI/internal/platform/blobstore"
	"github.com/anubissbe/JarvisAI/internal/platform/docai"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/platform/neo4jdb"
	"github.com/anubissbe/JarvisAI/internal/platform/ollama"
	"github.com/anubissbe/JarvisAI/internal/platform/vectorstore"
)

// Clients bundles every external system the process talks to: the
// catalog, the embedder, the graph, blobs and the vector backend.
type Clients struct {
	Postgres *db.PostgresService
	Ollama   ollama.Client
	Neo4j    *neo4jdb.Client
	Graph    graph.Store
	Blobs    blobstore.Store
	Vectors  vectorstore.Store
	DocAI    docai.Extractor
	Locks    locks.Locker
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (*Clients, error) {
	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("postgres migrations: %w", err)
	}

	oll, err := ollama.NewClient(log)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}

	neo, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		return nil, fmt.Errorf("neo4j: %w", err)
	}
	graphStore := instrumentGraphStore(graph.NewStore(neo, log))

	blobs, err := blobstore.NewStore(log)
	if err != nil {
		_ = neo.Close(ctx)
		return nil, fmt.Errorf("blob store: %w", err)
	}

	vectors, err := resolveVectorStore(log, cfg)
	if err != nil {
		_ = neo.Close(ctx)
		return nil, err
	}

	// DocAI is optional: nil means native text extraction only.
	docAI, err := docai.NewFromEnv(log)
	if err != nil {
		_ = neo.Close(ctx)
		return nil, fmt.Errorf("document ai: %w", err)
	}

	locker, err := locks.NewLocker(log)
	if err != nil {
		_ = neo.Close(ctx)
		return nil, fmt.Errorf("locks: %w", err)
	}

	return &Clients{
		Postgres: pg,
		Ollama:   oll,
		Neo4j:    neo,
		Graph:    graphStore,
		Blobs:    blobs,
		Vectors:  vectors,
		DocAI:    docAI,
		Locks:    locker,
	}, nil
}

// Close releases clients that hold long-lived connections. The gorm
// pool closes with the process.
func (c *Clients) Close(ctx context.Context) {
	if c == nil {
		return
	}
	if c.Locks != nil {
		_ = c.Locks.Close()
	}
	if c.Neo4j != nil {
		_ = c.Neo4j.Close(ctx)
	}
}
