// Package locks provides per-key exclusive locks for the ingestion pipeline.
// A Redis-backed locker is used when REDIS_ADDR is configured so multiple
// instances never ingest the same document concurrently; otherwise an
// in-process keyed locker covers the single-instance case.
package locks

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
)

// Release frees a held lock. Safe to call more than once.
type Release func()

type Locker interface {
	// Acquire attempts to take the lock for key. When the lock is already
	// held it returns acquired=false without blocking. The ttl bounds how
	// long a crashed holder can keep the key locked.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, bool, error)
	Close() error
}

// NewLocker picks the backend from the environment: Redis when REDIS_ADDR is
// set, in-process otherwise.
func NewLocker(log *logger.Logger) (Locker, error) {
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "" {
		return NewRedisLocker(log)
	}
	return NewLocalLocker(log), nil
}
