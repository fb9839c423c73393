package app

import (
	"errors"
	"fmt"
	"net"
	neturl "net/url"
	"strings"

	"github.com/anubissbe/JarvisAI/internal/observability"
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/platform/milvus"
	"github.com/anubissbe/JarvisAI/internal/platform/pgvector"
	"github.com/anubissbe/JarvisAI/internal/platform/vectorstore"
)

var (
	newMilvusStore   = milvus.NewStore
	newPgvectorStore = pgvector.NewStore
)

type VectorProvider string

const (
	VectorProviderMilvus   VectorProvider = "milvus"
	VectorProviderPgvector VectorProvider = "pgvector"
)

type VectorProviderBootstrapErrorCode string

const (
	VectorProviderBootstrapErrorInvalidProvider  VectorProviderBootstrapErrorCode = "invalid_provider"
	VectorProviderBootstrapErrorMissingURL       VectorProviderBootstrapErrorCode = "missing_url"
	VectorProviderBootstrapErrorInvalidURL       VectorProviderBootstrapErrorCode = "invalid_url"
	VectorProviderBootstrapErrorMissingDSN       VectorProviderBootstrapErrorCode = "missing_dsn"
	VectorProviderBootstrapErrorMissingVectorDim VectorProviderBootstrapErrorCode = "missing_vector_dim"
	VectorProviderBootstrapErrorInvalidVectorDim VectorProviderBootstrapErrorCode = "invalid_vector_dim"
	VectorProviderBootstrapErrorInvalidMetric    VectorProviderBootstrapErrorCode = "invalid_metric"
	VectorProviderBootstrapErrorConfigFailed     VectorProviderBootstrapErrorCode = "config_failed"
	VectorProviderBootstrapErrorConnectFailed    VectorProviderBootstrapErrorCode = "connect_failed"
	VectorProviderBootstrapErrorStoreInitFailed  VectorProviderBootstrapErrorCode = "store_init_failed"
)

type VectorProviderBootstrapError struct {
	Code     VectorProviderBootstrapErrorCode
	Provider string
	Cause    error
}

func (e *VectorProviderBootstrapError) Error() string {
	if e == nil {
		return "vector provider bootstrap failed"
	}
	return fmt.Sprintf(
		"vector provider bootstrap failed (code=%s provider=%q): %v",
		e.Code,
		e.Provider,
		e.Cause,
	)
}

func (e *VectorProviderBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveVectorStore picks the vector backend from VECTOR_PROVIDER and
// bootstraps it. The returned store is wrapped with per-operation
// metrics. Both legs of the pipeline share the one store, so a
// bootstrap failure here is fatal for the process.
func resolveVectorStore(log *logger.Logger, cfg Config) (vectorstore.Store, error) {
	provider := VectorProvider(strings.TrimSpace(strings.ToLower(cfg.VectorProvider)))

	metrics := observability.Current()
	if metrics != nil {
		metrics.SetProviderModeActive("vector", string(provider))
	}

	switch provider {
	case VectorProviderMilvus:
		mcfg, err := milvus.ResolveConfigFromEnv()
		if err != nil {
			return nil, failVectorBootstrap(log, metrics, provider, err)
		}
		log.Info(
			"Selecting vector store provider",
			"provider", provider,
			"milvus_url", mcfg.URL,
			"collection_prefix", mcfg.CollectionPrefix,
			"vector_dim", mcfg.VectorDim,
			"metric", mcfg.Metric,
		)
		store, err := newMilvusStore(log, mcfg)
		if err != nil {
			return nil, failVectorBootstrap(log, metrics, provider, err)
		}
		if metrics != nil {
			metrics.ObserveProviderBootstrap("vector", string(provider), "success", "none")
		}
		return instrumentVectorStore(string(provider), store), nil

	case VectorProviderPgvector:
		pcfg, err := pgvector.ResolveConfigFromEnv()
		if err != nil {
			return nil, failVectorBootstrap(log, metrics, provider, err)
		}
		log.Info(
			"Selecting vector store provider",
			"provider", provider,
			"table", pcfg.Table,
			"vector_dim", pcfg.VectorDim,
		)
		store, err := newPgvectorStore(log, pcfg)
		if err != nil {
			return nil, failVectorBootstrap(log, metrics, provider, err)
		}
		if metrics != nil {
			metrics.ObserveProviderBootstrap("vector", string(provider), "success", "none")
		}
		return instrumentVectorStore(string(provider), store), nil

	default:
		err := &VectorProviderBootstrapError{
			Code:     VectorProviderBootstrapErrorInvalidProvider,
			Provider: string(provider),
			Cause:    fmt.Errorf("unsupported vector provider %q", provider),
		}
		if metrics != nil {
			metrics.ObserveProviderBootstrap("vector", string(provider), "error", string(err.Code))
		}
		log.Error(
			"Vector store provider selection failed",
			"provider", provider,
			"error_code", err.Code,
			"error", err,
		)
		return nil, err
	}
}

func failVectorBootstrap(
	log *logger.Logger,
	metrics *observability.Metrics,
	provider VectorProvider,
	err error,
) error {
	classified := classifyVectorBootstrapError(provider, err)
	code := vectorBootstrapErrorCode(classified)
	if metrics != nil {
		metrics.ObserveProviderBootstrap("vector", string(provider), "error", string(code))
	}
	log.Error(
		"Vector store provider bootstrap failed",
		"provider", provider,
		"error_code", code,
		"error", classified,
	)
	return classified
}

func classifyVectorBootstrapError(provider VectorProvider, err error) error {
	wrap := func(code VectorProviderBootstrapErrorCode) error {
		return &VectorProviderBootstrapError{
			Code:     code,
			Provider: string(provider),
			Cause:    err,
		}
	}

	var urlErr *neturl.Error
	if errors.As(err, &urlErr) {
		return wrap(VectorProviderBootstrapErrorConnectFailed)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return wrap(VectorProviderBootstrapErrorConnectFailed)
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "ready check failed") ||
		strings.Contains(lower, "failed to connect") {
		return wrap(VectorProviderBootstrapErrorConnectFailed)
	}

	var cfgErr *milvus.ConfigError
	if errors.As(err, &cfgErr) {
		switch cfgErr.Code {
		case milvus.ConfigErrorMissingURL:
			return wrap(VectorProviderBootstrapErrorMissingURL)
		case milvus.ConfigErrorInvalidURL:
			return wrap(VectorProviderBootstrapErrorInvalidURL)
		case milvus.ConfigErrorMissingVectorDim:
			return wrap(VectorProviderBootstrapErrorMissingVectorDim)
		case milvus.ConfigErrorInvalidVectorDim:
			return wrap(VectorProviderBootstrapErrorInvalidVectorDim)
		case milvus.ConfigErrorInvalidMetric:
			return wrap(VectorProviderBootstrapErrorInvalidMetric)
		default:
			return wrap(VectorProviderBootstrapErrorConfigFailed)
		}
	}

	// pgvector config errors are plain fmt.Errorf values naming the
	// offending variable.
	if provider == VectorProviderPgvector {
		if strings.Contains(lower, "pgvector_dsn") || strings.Contains(lower, "database_url") {
			return wrap(VectorProviderBootstrapErrorMissingDSN)
		}
		if strings.Contains(lower, "pgvector_dim") {
			if strings.Contains(lower, "required") {
				return wrap(VectorProviderBootstrapErrorMissingVectorDim)
			}
			return wrap(VectorProviderBootstrapErrorInvalidVectorDim)
		}
	}

	return wrap(VectorProviderBootstrapErrorStoreInitFailed)
}

func vectorBootstrapErrorCode(err error) VectorProviderBootstrapErrorCode {
	var bootstrapErr *VectorProviderBootstrapError
	if errors.As(err, &bootstrapErr) && bootstrapErr.Code != "" {
		return bootstrapErr.Code
	}
	return VectorProviderBootstrapErrorConnectFailed
}
