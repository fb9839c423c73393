package app

import (
	"context"
	"time"

	"github.com/anubissbe/JarvisAI/internal/graph"
	"github.com/anubissbe/JarvisAI/internal/observability"
)

type instrumentedGraphStore struct {
	inner   graph.Store
	metrics *observability.Metrics
}

func instrumentGraphStore(inner graph.Store) graph.Store {
	if inner == nil {
		return nil
	}
	return &instrumentedGraphStore{
		inner:   inner,
		metrics: observability.Current(),
	}
}

func (s *instrumentedGraphStore) EnsureSchema(ctx context.Context) error {
	start := time.Now()
	err := s.inner.EnsureSchema(ctx)
	s.observe("ensure_schema", err, time.Since(start))
	return err
}

func (s *instrumentedGraphStore) UpsertDocumentGraph(ctx context.Context, g graph.DocumentGraph) error {
	start := time.Now()
	err := s.inner.UpsertDocumentGraph(ctx, g)
	s.observe("upsert_document_graph", err, time.Since(start))
	return err
}

func (s *instrumentedGraphStore) Traverse(ctx context.Context, kbIDs []string, seeds []string, hopLimit int) ([]graph.Hit, error) {
	start := time.Now()
	out, err := s.inner.Traverse(ctx, kbIDs, seeds, hopLimit)
	s.observe("traverse", err, time.Since(start))
	return out, err
}

func (s *instrumentedGraphStore) DeleteDocument(ctx context.Context, kbID, documentID string) error {
	start := time.Now()
	err := s.inner.DeleteDocument(ctx, kbID, documentID)
	s.observe("delete_document", err, time.Since(start))
	return err
}

func (s *instrumentedGraphStore) observe(op string, err error, dur time.Duration) {
	if s == nil || s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.ObserveGraphOp(op, status, dur)
}
