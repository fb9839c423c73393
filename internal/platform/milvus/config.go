package milvus

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anubissbe/JarvisAI/internal/platform/envutil"
)

type Config struct {
	URL              string
	CollectionPrefix string
	VectorDim        int
	Metric           string
	Timeout          time.Duration
	MaxRetries       int
}

type ConfigErrorCode string

const (
	ConfigErrorMissingURL       ConfigErrorCode = "missing_url"
	ConfigErrorInvalidURL       ConfigErrorCode = "invalid_url"
	ConfigErrorMissingVectorDim ConfigErrorCode = "missing_vector_dim"
	ConfigErrorInvalidVectorDim ConfigErrorCode = "invalid_vector_dim"
	ConfigErrorInvalidMetric    ConfigErrorCode = "invalid_metric"
)

type ConfigError struct {
	Code  ConfigErrorCode
	Value string
	Cause error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "invalid milvus config"
	}
	switch e.Code {
	case ConfigErrorMissingURL:
		return "MILVUS_URL is required"
	case ConfigErrorInvalidURL:
		return fmt.Sprintf("invalid MILVUS_URL=%q; expected absolute URL like http://milvus:19530", e.Value)
	case ConfigErrorMissingVectorDim:
		return "MILVUS_VECTOR_DIM is required and must be a positive integer"
	case ConfigErrorInvalidVectorDim:
		return fmt.Sprintf("invalid MILVUS_VECTOR_DIM=%q; expected positive integer", e.Value)
	case ConfigErrorInvalidMetric:
		return fmt.Sprintf("invalid MILVUS_METRIC=%q; expected COSINE, L2 or IP", e.Value)
	default:
		return "invalid milvus config"
	}
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func ResolveConfigFromEnv() (Config, error) {
	rawDim := strings.TrimSpace(os.Getenv("MILVUS_VECTOR_DIM"))
	dim := 0
	if rawDim != "" {
		parsed, err := strconv.Atoi(rawDim)
		if err != nil {
			return Config{}, &ConfigError{Code: ConfigErrorInvalidVectorDim, Value: rawDim, Cause: err}
		}
		dim = parsed
	}

	timeoutSecs := envutil.PositiveInt("MILVUS_TIMEOUT_SECONDS", 10)
	maxRetries := envutil.Int("MILVUS_MAX_RETRIES", 3)
	if maxRetries < 0 {
		maxRetries = 0
	}

	cfg := Config{
		URL:              strings.TrimSpace(os.Getenv("MILVUS_URL")),
		CollectionPrefix: strings.TrimSpace(os.Getenv("MILVUS_COLLECTION_PREFIX")),
		VectorDim:        dim,
		Metric:           strings.ToUpper(strings.TrimSpace(os.Getenv("MILVUS_METRIC"))),
		Timeout:          time.Duration(timeoutSecs) * time.Second,
		MaxRetries:       maxRetries,
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = "documents"
	}
	if cfg.Metric == "" {
		cfg.Metric = "COSINE"
	}

	if err := ValidateConfig(cfg, rawDim != ""); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidateConfig validates a Milvus config. Pass hasRawVectorDim=false
// when MILVUS_VECTOR_DIM is unset so missing vs invalid is reported
// separately.
func ValidateConfig(cfg Config, hasRawVectorDim bool) error {
	if cfg.URL == "" {
		return &ConfigError{Code: ConfigErrorMissingURL}
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return &ConfigError{Code: ConfigErrorInvalidURL, Value: cfg.URL, Cause: err}
	}
	if !hasRawVectorDim && cfg.VectorDim == 0 {
		return &ConfigError{Code: ConfigErrorMissingVectorDim}
	}
	if cfg.VectorDim <= 0 {
		return &ConfigError{Code: ConfigErrorInvalidVectorDim, Value: strconv.Itoa(cfg.VectorDim)}
	}
	switch cfg.Metric {
	case "COSINE", "L2", "IP":
	default:
		return &ConfigError{Code: ConfigErrorInvalidMetric, Value: cfg.Metric}
	}
	return nil
}
