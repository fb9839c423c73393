package app

import (
	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/utils"
)

// Config carries process-level settings. Component configs (ingestion,
// retrieval, proxy) resolve their own environment separately.
type Config struct {
	Environment    string
	ServiceVersion string

	APIAddr     string
	MetricsAddr string

	VectorProvider string
	RedisAddr      string
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		Environment:    utils.GetEnv("ENVIRONMENT", "development", log),
		ServiceVersion: utils.GetEnv("SERVICE_VERSION", "dev", log),
		APIAddr:        utils.GetEnv("API_ADDR", ":8000", log),
		MetricsAddr:    utils.GetEnv("METRICS_ADDR", "", log),
		VectorProvider: utils.GetEnv("VECTOR_PROVIDER", "milvus", log),
		RedisAddr:      utils.GetEnv("REDIS_ADDR", "", log),
	}
}
