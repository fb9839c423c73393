package locks

import (
	"context"
	"sync"
	"time"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
)

type localLocker struct {
	log *logger.Logger

	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

func NewLocalLocker(log *logger.Logger) Locker {
	return &localLocker{
		log:  log.With("service", "LocalLocker"),
		held: make(map[string]uint64),
	}
}

func (l *localLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Release, bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}

	l.mu.Lock()
	if _, ok := l.held[key]; ok {
		l.mu.Unlock()
		return nil, false, nil
	}
	l.seq++
	token := l.seq
	l.held[key] = token
	l.mu.Unlock()

	// TTL keeps a leaked lock from wedging the key forever, same contract as
	// the Redis PX expiry.
	timer := time.AfterFunc(ttl, func() {
		l.releaseToken(key, token)
	})

	var once sync.Once
	release := func() {
		once.Do(func() {
			timer.Stop()
			l.releaseToken(key, token)
		})
	}
	return release, true, nil
}

func (l *localLocker) releaseToken(key string, token uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur == token {
		delete(l.held, key)
	}
}

func (l *localLocker) Close() error { return nil }
