package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anubissbe/JarvisAI/internal/pkg/httpx"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
)

// Client is the Ollama API surface the pipeline and query engine use.
// The embedding model identity is part of the contract: vectors are
// only comparable when ingestion and query used the same model.
type Client interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
	// Model returns the embedding model identity.
	Model() string
	// Dimension probes the model's vector width once and caches it.
	Dimension(ctx context.Context) (int, error)
	Version(ctx context.Context) (string, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	embedModel string
	httpClient *http.Client
	maxRetries int

	dimMu sync.Mutex
	dim   int
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	baseURL := strings.TrimSpace(os.Getenv("OLLAMA_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	embedModel := strings.TrimSpace(os.Getenv("OLLAMA_EMBED_MODEL"))
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}

	timeoutSec := 60
	if v := strings.TrimSpace(os.Getenv("OLLAMA_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	maxRetries := 3
	if v := strings.TrimSpace(os.Getenv("OLLAMA_MAX_RETRIES")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &client{
		log:        log.With("service", "OllamaClient"),
		baseURL:    baseURL,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

func (c *client) Model() string { return c.embedModel }

type ollamaHTTPError struct {
	StatusCode int
	Body       string
}

func (e *ollamaHTTPError) Error() string {
	return fmt.Sprintf("ollama http %d: %s", e.StatusCode, e.Body)
}

func (e *ollamaHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &ollamaHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("ollama decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}

		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 10*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Ollama request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)

		if err := httpx.SleepContext(ctx, sleepFor); err != nil {
			return err
		}
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

type embeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed calls /api/embeddings once per input; the endpoint takes a
// single prompt. Callers batch with their own bounded concurrency.
func (c *client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		prompt := strings.TrimSpace(input)
		if prompt == "" {
			prompt = " "
		}

		var resp embeddingsResponse
		err := c.do(ctx, http.MethodPost, "/api/embeddings", embeddingsRequest{
			Model:  c.embedModel,
			Prompt: prompt,
		}, &resp)
		if err != nil {
			return nil, err
		}
		if len(resp.Embedding) == 0 {
			return nil, fmt.Errorf("ollama embeddings empty response: model=%s input_index=%d", c.embedModel, i)
		}

		vec := make([]float32, len(resp.Embedding))
		for j, f := range resp.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension probes the embedder once and caches the answer. Only a
// successful probe is cached; a failed one is re-tried on the next call
// so a transient outage does not pin an error for the process lifetime.
func (c *client) Dimension(ctx context.Context) (int, error) {
	c.dimMu.Lock()
	defer c.dimMu.Unlock()
	if c.dim > 0 {
		return c.dim, nil
	}
	vecs, err := c.Embed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	c.dim = len(vecs[0])
	return c.dim, nil
}

func (c *client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Version), nil
}
