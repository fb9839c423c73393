package app

import "testing"

func TestLoadConfigReadsEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SERVICE_VERSION", "1.4.2")
	t.Setenv("API_ADDR", ":9999")
	t.Setenv("METRICS_ADDR", ":9191")
	t.Setenv("VECTOR_PROVIDER", "pgvector")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg := LoadConfig(newAppTestLogger(t))
	if cfg.Environment != "production" {
		t.Fatalf("Environment = %q", cfg.Environment)
	}
	if cfg.ServiceVersion != "1.4.2" {
		t.Fatalf("ServiceVersion = %q", cfg.ServiceVersion)
	}
	if cfg.APIAddr != ":9999" {
		t.Fatalf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.MetricsAddr != ":9191" {
		t.Fatalf("MetricsAddr = %q", cfg.MetricsAddr)
	}
	if cfg.VectorProvider != "pgvector" {
		t.Fatalf("VectorProvider = %q", cfg.VectorProvider)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Fatalf("RedisAddr = %q", cfg.RedisAddr)
	}
}
