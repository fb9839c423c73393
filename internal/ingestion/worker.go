package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/repos"
	"github.com/anubissbe/JarvisAI/internal/types"
)

type processor interface {
	Process(ctx context.Context, doc *types.Document) error
}

// Pool polls the catalog and runs claimed documents through the
// pipeline. Claims are conditional UPDATEs with SKIP LOCKED, so any
// number of pool instances can share one catalog without a broker.
type Pool struct {
	log  *logger.Logger
	docs repos.DocumentRepo
	pipe processor
	cfg  Config
}

func NewPool(baseLog *logger.Logger, docs repos.DocumentRepo, pipe *Pipeline, cfg Config) *Pool {
	return &Pool{
		log:  baseLog.With("service", "IngestPool"),
		docs: docs,
		pipe: pipe,
		cfg:  cfg,
	}
}

// Run blocks until ctx is done, then returns once in-flight documents
// have finished or hit their per-document timeout.
func (w *Pool) Run(ctx context.Context) {
	workers := w.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	w.log.Info("Ingestion workers starting",
		"workers", workers,
		"poll_interval", w.cfg.PollInterval,
		"max_attempts", w.cfg.MaxAttempts,
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, w.log.With("worker", id))
		}(i)
	}
	wg.Wait()
	w.log.Info("Ingestion workers stopped")
}

func (w *Pool) loop(ctx context.Context, log *logger.Logger) {
	interval := w.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx, log)
		}
	}
}

// drain claims and processes documents until the queue is empty or the
// context ends. Draining between ticks keeps a deep backlog from being
// throttled to one document per interval.
func (w *Pool) drain(ctx context.Context, log *logger.Logger) {
	for ctx.Err() == nil {
		doc, err := w.docs.ClaimNextPending(ctx, nil, w.cfg.MaxAttempts, w.cfg.StaleProcessing)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("Failed to claim next pending document", "error", err)
			}
			return
		}
		if doc == nil {
			return
		}
		w.runOne(ctx, log, doc)
	}
}

func (w *Pool) runOne(ctx context.Context, log *logger.Logger, doc *types.Document) {
	runCtx := ctx
	if w.cfg.DocTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.DocTimeout)
		defer cancel()
	}
	if err := w.pipe.Process(runCtx, doc); err != nil {
		log.Warn("Ingestion attempt ended with error", "document_id", doc.ID, "error", err)
	}
}
