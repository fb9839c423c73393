package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
)

type Server struct {
	log    *logger.Logger
	Engine *gin.Engine
	addr   string
}

func NewServer(log *logger.Logger, cfg RouterConfig, addr string) *Server {
	return &Server{
		log:    log.With("service", "APIServer"),
		Engine: NewRouter(cfg),
		addr:   addr,
	}
}

// Serve runs the API until ctx is cancelled, then drains in-flight
// requests before returning.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Engine}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("API listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.log.Info("API stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
