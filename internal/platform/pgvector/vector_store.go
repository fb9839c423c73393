package pgvector

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/platform/vectorstore"
)

// store keeps every chunk embedding in one Postgres table with a
// knowledge_base_id column; pgvector's cosine operator does the
// similarity ranking. Useful when running without a Milvus node.
type store struct {
	log       *logger.Logger
	pool      *pgxpool.Pool
	table     string
	vectorDim int
}

type Config struct {
	DSN       string
	Table     string
	VectorDim int
}

func ResolveConfigFromEnv() (Config, error) {
	cfg := Config{
		DSN:   strings.TrimSpace(os.Getenv("PGVECTOR_DSN")),
		Table: strings.TrimSpace(os.Getenv("PGVECTOR_TABLE")),
	}
	if cfg.DSN == "" {
		cfg.DSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if cfg.Table == "" {
		cfg.Table = "vector_chunks"
	}
	rawDim := strings.TrimSpace(os.Getenv("PGVECTOR_DIM"))
	if rawDim != "" {
		dim, err := strconv.Atoi(rawDim)
		if err != nil || dim <= 0 {
			return Config{}, fmt.Errorf("invalid PGVECTOR_DIM=%q: expected positive integer", rawDim)
		}
		cfg.VectorDim = dim
	}
	if cfg.DSN == "" {
		return Config{}, fmt.Errorf("PGVECTOR_DSN (or DATABASE_URL) is required")
	}
	if cfg.VectorDim == 0 {
		return Config{}, fmt.Errorf("PGVECTOR_DIM is required")
	}
	return cfg, nil
}

func NewStore(log *logger.Logger, cfg Config) (vectorstore.Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.DSN == "" || cfg.VectorDim <= 0 {
		return nil, fmt.Errorf("pgvector config incomplete")
	}
	if cfg.Table == "" {
		cfg.Table = "vector_chunks"
	}

	pool, err := pgxpool.New(context.Background(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}

	s := &store{
		log:       log.With("service", "PgvectorStore"),
		pool:      pool,
		table:     cfg.Table,
		vectorDim: cfg.VectorDim,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.log.Info(
		"pgvector store selected",
		"provider", "pgvector",
		"table", s.table,
		"vector_dim", s.vectorDim,
	)
	return s, nil
}

func (s *store) initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			knowledge_base_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			chunk_index INTEGER NOT NULL,
			title TEXT,
			content TEXT,
			embedding vector(%d)
		)`, s.table, s.vectorDim)
	if _, err := s.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}

	createVectorIdx := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`, s.table, s.table)
	if _, err := s.pool.Exec(ctx, createVectorIdx); err != nil {
		return fmt.Errorf("create vector index: %w", err)
	}

	createDocIdx := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_document_idx
		ON %s (knowledge_base_id, document_id)`, s.table, s.table)
	if _, err := s.pool.Exec(ctx, createDocIdx); err != nil {
		return fmt.Errorf("create document index: %w", err)
	}
	return nil
}

func (s *store) EnsureCollection(ctx context.Context, kbID string, dim int) error {
	// A single shared table backs every KnowledgeBase; the schema was
	// created at bootstrap, so only the dimension needs checking here.
	if dim > 0 && dim != s.vectorDim {
		return fmt.Errorf("pgvector dimension mismatch: configured=%d requested=%d", s.vectorDim, dim)
	}
	return nil
}

func (s *store) Upsert(ctx context.Context, kbID string, points []vectorstore.Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgvector begin: %w", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, knowledge_base_id, document_id, version, chunk_index, title, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`, s.table)

	for _, p := range points {
		if len(p.Values) != s.vectorDim {
			return fmt.Errorf("point %q dimension mismatch: expected=%d got=%d", p.ID, s.vectorDim, len(p.Values))
		}
		_, err := tx.Exec(ctx, stmt,
			p.ID,
			kbID,
			vectorstore.PayloadString(p.Payload, vectorstore.FieldDocumentID),
			vectorstore.PayloadInt64(p.Payload, vectorstore.FieldVersion),
			vectorstore.PayloadInt64(p.Payload, vectorstore.FieldChunkIndex),
			vectorstore.PayloadString(p.Payload, vectorstore.FieldTitle),
			vectorstore.PayloadString(p.Payload, vectorstore.FieldContent),
			pgv.NewVector(p.Values),
		)
		if err != nil {
			return fmt.Errorf("pgvector insert point %q: %w", p.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgvector commit: %w", err)
	}
	return nil
}

func (s *store) Query(ctx context.Context, kbID string, vector []float32, topK int) ([]vectorstore.Match, error) {
	if len(vector) != s.vectorDim {
		return nil, fmt.Errorf("query vector dimension mismatch: expected=%d got=%d", s.vectorDim, len(vector))
	}
	if topK <= 0 {
		topK = 10
	}

	// <=> is cosine distance; 1-d turns it into a similarity.
	query := fmt.Sprintf(`
		SELECT id, document_id, version, chunk_index, title, content,
		       1 - (embedding <=> $1) AS score
		FROM %s
		WHERE knowledge_base_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`, s.table)

	rows, err := s.pool.Query(ctx, query, pgv.NewVector(vector), kbID, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector query: %w", err)
	}
	defer rows.Close()

	var out []vectorstore.Match
	for rows.Next() {
		var (
			id, documentID, title, content string
			version                        int64
			chunkIndex                     int32
			score                          float64
		)
		if err := rows.Scan(&id, &documentID, &version, &chunkIndex, &title, &content, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		out = append(out, vectorstore.Match{
			ID:    id,
			Score: score,
			Payload: map[string]any{
				vectorstore.FieldDocumentID:      documentID,
				vectorstore.FieldKnowledgeBaseID: kbID,
				vectorstore.FieldVersion:         version,
				vectorstore.FieldChunkIndex:      int64(chunkIndex),
				vectorstore.FieldTitle:           title,
				vectorstore.FieldContent:         content,
			},
		})
	}
	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("pgvector rows: %w", err)
	}
	return out, nil
}

func (s *store) DeleteByDocument(ctx context.Context, kbID, documentID string, keepVersion int64) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE knowledge_base_id = $1 AND document_id = $2`, s.table)
	args := []any{kbID, documentID}
	if keepVersion > 0 {
		stmt += " AND version <> $3"
		args = append(args, keepVersion)
	}
	if _, err := s.pool.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("pgvector delete document %q: %w", documentID, err)
	}
	return nil
}
