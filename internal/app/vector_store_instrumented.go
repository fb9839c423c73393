package app

import (
	"context"
	"time"

	"github.com/anubissbe/JarvisAI/internal/observability"
	"github.com/anubissbe/JarvisAI/internal/platform/vectorstore"
)

type instrumentedVectorStore struct {
	provider string
	inner    vectorstore.Store
	metrics  *observability.Metrics
}

func instrumentVectorStore(provider string, inner vectorstore.Store) vectorstore.Store {
	if inner == nil {
		return nil
	}
	return &instrumentedVectorStore{
		provider: provider,
		inner:    inner,
		metrics:  observability.Current(),
	}
}

func (s *instrumentedVectorStore) EnsureCollection(ctx context.Context, kbID string, dim int) error {
	start := time.Now()
	err := s.inner.EnsureCollection(ctx, kbID, dim)
	s.observe("ensure_collection", err, time.Since(start))
	return err
}

func (s *instrumentedVectorStore) Upsert(ctx context.Context, kbID string, points []vectorstore.Point) error {
	start := time.Now()
	err := s.inner.Upsert(ctx, kbID, points)
	s.observe("upsert", err, time.Since(start))
	return err
}

func (s *instrumentedVectorStore) Query(ctx context.Context, kbID string, vector []float32, topK int) ([]vectorstore.Match, error) {
	start := time.Now()
	out, err := s.inner.Query(ctx, kbID, vector, topK)
	s.observe("query", err, time.Since(start))
	return out, err
}

func (s *instrumentedVectorStore) DeleteByDocument(ctx context.Context, kbID, documentID string, keepVersion int64) error {
	start := time.Now()
	err := s.inner.DeleteByDocument(ctx, kbID, documentID, keepVersion)
	s.observe("delete_by_document", err, time.Since(start))
	return err
}

func (s *instrumentedVectorStore) observe(op string, err error, dur time.Duration) {
	if s == nil || s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.ObserveVectorOp(s.provider, op, status, dur)
}
