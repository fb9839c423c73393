package milvus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anubissbe/JarvisAI/internal/pkg/httpx"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/platform/vectorstore"
)

const maxErrorBodyBytes = 1024

// store talks to the Milvus RESTful v2 API. One collection per
// KnowledgeBase, named <prefix>_<kb id with dashes flattened>, the
// layout the rest of the system expects when listing collections.
type store struct {
	log     *logger.Logger
	cfg     Config
	baseURL string
	http    *http.Client

	// backoffBase is the first retry sleep; zero means one second.
	backoffBase time.Duration

	mu      sync.Mutex
	ensured map[string]struct{}
}

type milvusEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func NewStore(log *logger.Logger, cfg Config) (vectorstore.Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg, true); err != nil {
		return nil, err
	}

	s := &store{
		log:     log.With("service", "MilvusVectorStore"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		ensured: map[string]struct{}{},
	}

	if err := s.verifyReady(context.Background()); err != nil {
		return nil, err
	}

	s.log.Info(
		"Milvus vector store selected",
		"provider", "milvus",
		"url", s.baseURL,
		"collection_prefix", cfg.CollectionPrefix,
		"vector_dim", cfg.VectorDim,
		"metric", cfg.Metric,
	)
	return s, nil
}

func (s *store) EnsureCollection(ctx context.Context, kbID string, dim int) error {
	if s == nil {
		return fmt.Errorf("vector store unavailable")
	}
	const op = "ensure_collection"
	if dim <= 0 {
		dim = s.cfg.VectorDim
	}
	if dim != s.cfg.VectorDim {
		return opErr(op, OperationErrorValidation,
			fmt.Sprintf("collection dimension mismatch: configured=%d requested=%d", s.cfg.VectorDim, dim), nil)
	}

	name := s.collectionName(kbID)
	s.mu.Lock()
	_, done := s.ensured[name]
	s.mu.Unlock()
	if done {
		return nil
	}

	var hasResult struct {
		Has bool `json:"has"`
	}
	if err := s.doJSON(ctx, op, "/v2/vectordb/collections/has",
		map[string]any{"collectionName": name}, &hasResult); err != nil {
		return err
	}
	if !hasResult.Has {
		createReq := map[string]any{
			"collectionName":   name,
			"dimension":        dim,
			"metricType":       s.cfg.Metric,
			"idType":           "VarChar",
			"primaryFieldName": "id",
			"vectorFieldName":  "vector",
			"params":           map[string]any{"max_length": "64"},
		}
		if err := s.doJSON(ctx, op, "/v2/vectordb/collections/create", createReq, nil); err != nil {
			return err
		}
		s.log.Info("Milvus collection created", "collection", name, "dim", dim, "metric", s.cfg.Metric)
	}

	s.mu.Lock()
	s.ensured[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *store) Upsert(ctx context.Context, kbID string, points []vectorstore.Point) error {
	if s == nil {
		return fmt.Errorf("vector store unavailable")
	}
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}

	rows := make([]map[string]any, 0, len(points))
	for _, p := range points {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return opErr(op, OperationErrorValidation, "point id is required", nil)
		}
		if len(p.Values) == 0 {
			return opErr(op, OperationErrorValidation, fmt.Sprintf("point %q has empty vector", id), nil)
		}
		if len(p.Values) != s.cfg.VectorDim {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("point %q dimension mismatch: expected=%d got=%d", id, s.cfg.VectorDim, len(p.Values)), nil)
		}
		row := make(map[string]any, len(p.Payload)+2)
		for k, v := range p.Payload {
			row[k] = v
		}
		row["id"] = id
		row["vector"] = p.Values
		rows = append(rows, row)
	}

	req := map[string]any{"collectionName": s.collectionName(kbID), "data": rows}
	return s.doJSON(ctx, op, "/v2/vectordb/entities/upsert", req, nil)
}

func (s *store) Query(ctx context.Context, kbID string, vector []float32, topK int) ([]vectorstore.Match, error) {
	if s == nil {
		return nil, fmt.Errorf("vector store unavailable")
	}
	const op = "search"
	if len(vector) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query vector required", nil)
	}
	if len(vector) != s.cfg.VectorDim {
		return nil, opErr(op, OperationErrorValidation,
			fmt.Sprintf("query vector dimension mismatch: expected=%d got=%d", s.cfg.VectorDim, len(vector)), nil)
	}
	if topK <= 0 {
		topK = 10
	}

	req := map[string]any{
		"collectionName": s.collectionName(kbID),
		"data":           [][]float32{vector},
		"annsField":      "vector",
		"limit":          topK,
		"outputFields": []string{
			vectorstore.FieldDocumentID,
			vectorstore.FieldKnowledgeBaseID,
			vectorstore.FieldVersion,
			vectorstore.FieldChunkIndex,
			vectorstore.FieldTitle,
			vectorstore.FieldContent,
		},
	}

	var rawResults []map[string]any
	if err := s.doJSON(ctx, op, "/v2/vectordb/entities/search", req, &rawResults); err != nil {
		return nil, err
	}

	out := make([]vectorstore.Match, 0, len(rawResults))
	for _, item := range rawResults {
		id, _ := item["id"].(string)
		if strings.TrimSpace(id) == "" {
			continue
		}
		distance, _ := item["distance"].(float64)
		payload := make(map[string]any, len(item))
		for k, v := range item {
			if k == "id" || k == "distance" || k == "vector" {
				continue
			}
			payload[k] = v
		}
		out = append(out, vectorstore.Match{
			ID:      id,
			Score:   s.normalizeScore(distance),
			Payload: payload,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func (s *store) DeleteByDocument(ctx context.Context, kbID, documentID string, keepVersion int64) error {
	if s == nil {
		return fmt.Errorf("vector store unavailable")
	}
	const op = "delete"
	docID := sanitizeFilterLiteral(documentID)
	if docID == "" {
		return opErr(op, OperationErrorValidation, "document id required", nil)
	}

	filter := fmt.Sprintf("%s == %q", vectorstore.FieldDocumentID, docID)
	if keepVersion > 0 {
		filter = fmt.Sprintf("%s && %s != %d", filter, vectorstore.FieldVersion, keepVersion)
	}
	req := map[string]any{"collectionName": s.collectionName(kbID), "filter": filter}
	return s.doJSON(ctx, op, "/v2/vectordb/entities/delete", req, nil)
}

func (s *store) verifyReady(ctx context.Context) error {
	const op = "bootstrap_verify"
	var collections []string
	if err := s.doJSON(ctx, op, "/v2/vectordb/collections/list", map[string]any{}, &collections); err != nil {
		return err
	}
	return nil
}

// doJSON issues the call with bounded exponential backoff. Transient
// failures (5xx, 429, timeouts) are retried up to cfg.MaxRetries;
// validation and decode errors surface immediately.
func (s *store) doJSON(ctx context.Context, op, path string, in any, out any) error {
	backoff := s.backoffBase
	if backoff <= 0 {
		backoff = time.Second
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := s.doJSONOnce(ctx, op, path, in, out)
		if err == nil {
			return nil
		}
		if attempt == s.cfg.MaxRetries || !httpx.IsRetryableError(err) {
			return err
		}

		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		s.log.Warn("Milvus request retrying",
			"op", op,
			"path", path,
			"attempt", attempt+1,
			"max_retries", s.cfg.MaxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		if sErr := httpx.SleepContext(ctx, sleepFor); sErr != nil {
			return sErr
		}
		backoff *= 2
	}
}

func (s *store) doJSONOnce(ctx context.Context, op, path string, in any, out any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return nil, opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, body)
	if err != nil {
		return nil, opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, classifyHTTPCallError(op, "milvus request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return resp, opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &OperationError{
			Code:       OperationErrorCallFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("milvus http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var envelope milvusEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return resp, opErr(op, OperationErrorDecodeFailed, "decode milvus envelope failed", err)
	}
	if envelope.Code != 0 && envelope.Code != 200 {
		return resp, &OperationError{
			Code:       OperationErrorCallFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("milvus code=%d message=%q", envelope.Code, envelope.Message),
		}
	}

	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return resp, nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return resp, opErr(op, OperationErrorDecodeFailed, "decode milvus result failed", err)
	}
	return resp, nil
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

// collectionName flattens the KnowledgeBase id into a Milvus-legal
// collection name: documents_<kb id, dashes as underscores>.
func (s *store) collectionName(kbID string) string {
	kb := strings.TrimSpace(kbID)
	var b strings.Builder
	for _, r := range kb {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return s.cfg.CollectionPrefix + "_" + b.String()
}

func sanitizeFilterLiteral(v string) string {
	v = strings.TrimSpace(v)
	v = strings.ReplaceAll(v, `"`, "")
	v = strings.ReplaceAll(v, `\`, "")
	return v
}

// normalizeScore maps the metric's raw value onto a higher-is-better
// similarity. COSINE and IP already are; L2 distance is inverted.
func (s *store) normalizeScore(score float64) float64 {
	switch s.cfg.Metric {
	case "L2":
		if score < 0 {
			score = -score
		}
		return 1.0 / (1.0 + score)
	default:
		return score
	}
}
