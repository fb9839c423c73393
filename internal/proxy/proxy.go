// Package proxy fronts an Ollama-compatible model server. It queues
// and prioritizes upstream calls, injects retrieved knowledge into
// chat and generate prompts, and streams responses through untouched.
// Retrieval trouble never fails a user request: the original body is
// forwarded byte-for-byte instead.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anubissbe/JarvisAI/internal/observability"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/platform/ollama"
	"github.com/anubissbe/JarvisAI/internal/repos"
	"github.com/anubissbe/JarvisAI/internal/utils"
)

type Config struct {
	ListenAddr     string
	UpstreamURL    string
	MaxConcurrent  int
	QueueTimeout   time.Duration
	AugmentTimeout time.Duration
	KBCacheTTL     time.Duration
}

func ConfigFromEnv(log *logger.Logger) Config {
	return Config{
		ListenAddr:     utils.GetEnv("PROXY_ADDR", ":11435", log),
		UpstreamURL:    utils.GetEnv("OLLAMA_BASE_URL", "http://localhost:11434", log),
		MaxConcurrent:  utils.GetEnvAsInt("MAX_CONCURRENT_REQUESTS", 3, log),
		QueueTimeout:   utils.GetEnvAsDuration("QUEUE_TIMEOUT_SECONDS", 300*time.Second, log),
		AugmentTimeout: utils.GetEnvAsDuration("PROXY_AUGMENT_TIMEOUT_SECONDS", 8*time.Second, log),
		KBCacheTTL:     utils.GetEnvAsDuration("PROXY_KB_CACHE_TTL_SECONDS", 30*time.Second, log),
	}
}

type Server struct {
	log      *logger.Logger
	upstream *url.URL
	// client carries no global timeout: generations stream for minutes.
	// The per-request context handles cancellation.
	client  *http.Client
	sched   *Scheduler
	augment *augmenter
	ollama  ollama.Client
	metrics *observability.Metrics
	cfg     Config
}

func NewServer(
	baseLog *logger.Logger,
	engine ContextProvider,
	kbRepo repos.KnowledgeBaseRepo,
	ollamaClient ollama.Client,
	metrics *observability.Metrics,
	cfg Config,
) (*Server, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", cfg.UpstreamURL, err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", cfg.UpstreamURL)
	}
	log := baseLog.With("service", "OllamaProxy")
	return &Server{
		log:      log,
		upstream: upstream,
		client:   &http.Client{},
		sched:    NewScheduler(cfg.MaxConcurrent),
		augment:  newAugmenter(baseLog, engine, kbRepo, cfg.KBCacheTTL, cfg.AugmentTimeout),
		ollama:   ollamaClient,
		metrics:  metrics,
		cfg:      cfg,
	}, nil
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapF(s.metrics.WriteHTTP))
	router.NoRoute(s.handleProxy)
	return router
}

// Serve runs the proxy until ctx is cancelled, then drains gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("Proxy listening",
		"addr", s.cfg.ListenAddr,
		"upstream", s.upstream.String(),
		"max_concurrent", s.sched.Capacity(),
	)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.log.Info("Proxy stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleProxy(c *gin.Context) {
	path := c.Request.URL.Path
	endpoint := normalizeEndpoint(path)
	started := time.Now()

	var body []byte
	if c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(c.Request.Body)
		c.Request.Body.Close()
		if err != nil {
			s.metrics.ObserveProxyRequest(endpoint, "400")
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
	}

	outBody := body
	if c.Request.Method == http.MethodPost && isAugmentable(path) {
		augmented, outcome := s.augment.Augment(c.Request.Context(), path, body)
		s.metrics.IncProxyAugmentation(outcome)
		if augmented != nil {
			outBody = augmented
		}
	}

	release, err := s.acquireSlot(c.Request.Context(), requestPriority(path))
	if err != nil {
		s.metrics.ObserveProxyRequest(endpoint, "503")
		s.log.Warn("Request timed out in queue", "path", path, "wait", time.Since(started).String())
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request timed out in queue"})
		return
	}
	defer release()

	status := s.forward(c, outBody)
	s.metrics.ObserveProxyRequest(endpoint, strconv.Itoa(status))
	s.log.Debug("Proxied request",
		"method", c.Request.Method,
		"path", path,
		"status", status,
		"duration_ms", time.Since(started).Milliseconds(),
	)
}

func (s *Server) acquireSlot(ctx context.Context, priority int) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.QueueTimeout)
	defer cancel()

	s.metrics.ProxyQueueDepthInc()
	started := time.Now()
	release, err := s.sched.Acquire(waitCtx, priority)
	s.metrics.ProxyQueueDepthDec()
	s.metrics.ObserveProxyQueueWait(priority, time.Since(started))
	return release, err
}

// forward replays the request against the upstream and streams the
// response back, flushing per chunk so NDJSON token streams arrive as
// they are produced. Returns the status written to the client.
func (s *Server) forward(c *gin.Context, body []byte) int {
	target := *s.upstream
	target.Path = joinURLPath(s.upstream.Path, c.Request.URL.Path)
	target.RawQuery = c.Request.URL.RawQuery

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "proxy error: " + err.Error()})
		return http.StatusBadGateway
	}
	copyRequestHeaders(req.Header, c.Request.Header)
	req.ContentLength = int64(len(body))

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("Upstream request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unreachable: " + err.Error()})
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	header := c.Writer.Header()
	for k, vv := range resp.Header {
		if skipResponseHeader(k) {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)
	flushCopy(c.Writer, resp.Body)
	return resp.StatusCode
}

func (s *Server) handleHealth(c *gin.Context) {
	active, queued := s.sched.Stats()
	stats := gin.H{
		"queue_length":    queued,
		"active_requests": active,
		"max_concurrent":  s.sched.Capacity(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	version, err := s.ollama.Version(ctx)
	if err != nil {
		stats["status"] = "unhealthy"
		stats["upstream"] = "unreachable"
		stats["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, stats)
		return
	}
	stats["status"] = "healthy"
	stats["upstream"] = "connected"
	stats["upstream_version"] = version
	c.JSON(http.StatusOK, stats)
}

func isAugmentable(path string) bool {
	return strings.HasSuffix(path, "/api/chat") || strings.HasSuffix(path, "/api/generate")
}

func requestPriority(path string) int {
	switch {
	case strings.HasSuffix(path, "/api/tags") || strings.HasSuffix(path, "/api/version"):
		return PrioritySystem
	case strings.HasSuffix(path, "/api/generate"):
		return PriorityGenerate
	case strings.HasSuffix(path, "/api/embeddings"):
		return PriorityEmbeddings
	case strings.HasSuffix(path, "/api/chat"):
		return PriorityChat
	case strings.HasSuffix(path, "/api/pull"):
		return PriorityPull
	default:
		return PriorityOther
	}
}

// normalizeEndpoint keeps the metrics label set bounded.
func normalizeEndpoint(path string) string {
	switch {
	case strings.HasSuffix(path, "/api/chat"):
		return "chat"
	case strings.HasSuffix(path, "/api/generate"):
		return "generate"
	case strings.HasSuffix(path, "/api/embeddings"):
		return "embeddings"
	case strings.HasSuffix(path, "/api/tags"):
		return "tags"
	case strings.HasSuffix(path, "/api/version"):
		return "version"
	case strings.HasSuffix(path, "/api/pull"):
		return "pull"
	default:
		return "other"
	}
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		// The body may have been rewritten; length comes from the
		// outbound request itself.
		if http.CanonicalHeaderKey(k) == "Content-Length" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func skipResponseHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Content-Length", "Transfer-Encoding", "Connection":
		return true
	}
	return false
}

func joinURLPath(base, p string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}

func flushCopy(w gin.ResponseWriter, r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			w.Flush()
		}
		if err != nil {
			return
		}
	}
}
