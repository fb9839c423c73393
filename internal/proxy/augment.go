package proxy

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/repos"
	"github.com/anubissbe/JarvisAI/internal/retrieval"
	"github.com/anubissbe/JarvisAI/internal/types"
)

// ContextProvider is the retrieval side of augmentation.
// *retrieval.Engine satisfies it.
type ContextProvider interface {
	Query(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// Augmentation outcome labels for metrics.
const (
	augmentApplied = "applied"
	augmentEmpty   = "empty"
	augmentFailed  = "failed"
	augmentTimeout = "timeout"
	augmentSkipped = "skipped"
)

const (
	augmentInstruction = "Use the following retrieved context to answer."
	contextHeader      = "--- Retrieved context ---"
	contextFooter      = "--- End context ---"
)

// knowledgeBasesField is this proxy's extension to the model-server
// request: a list of knowledge base names or ids scoping retrieval.
// It is stripped before forwarding.
const knowledgeBasesField = "knowledge_bases"

func contextPrefix(contextBlock string) string {
	return augmentInstruction + "\n" + contextHeader + "\n" + contextBlock + "\n" + contextFooter
}

// augmenter rewrites chat/generate bodies with retrieved context. Any
// trouble, from unparseable JSON to a dead retrieval engine, yields
// (nil, outcome): the caller forwards the original bytes untouched.
type augmenter struct {
	log     *logger.Logger
	engine  ContextProvider
	kbs     *kbCache
	timeout time.Duration
}

func newAugmenter(baseLog *logger.Logger, engine ContextProvider, kbRepo repos.KnowledgeBaseRepo, cacheTTL, timeout time.Duration) *augmenter {
	return &augmenter{
		log:     baseLog.With("service", "PromptAugmenter"),
		engine:  engine,
		kbs:     newKBCache(kbRepo, cacheTTL),
		timeout: timeout,
	}
}

// Augment returns the rewritten body, or nil when the original must be
// forwarded as-is. The outcome string feeds the augmentation metric.
func (a *augmenter) Augment(ctx context.Context, path string, body []byte) ([]byte, string) {
	if a.engine == nil || len(body) == 0 {
		return nil, augmentSkipped
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, augmentSkipped
	}

	queryText, inject := extractQuery(path, payload)
	if queryText == "" || inject == nil {
		return nil, augmentSkipped
	}

	kbIDs, restrictedMiss := a.resolveKnowledgeBases(ctx, payload)
	if restrictedMiss {
		// The caller named knowledge bases and none resolved. Searching
		// everything instead would ignore their scoping, so skip.
		return nil, augmentSkipped
	}
	delete(payload, knowledgeBasesField)

	qctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	res, err := a.engine.Query(qctx, retrieval.Request{Text: queryText, KnowledgeBaseIDs: kbIDs})
	if err != nil {
		outcome := augmentFailed
		if qctx.Err() != nil {
			outcome = augmentTimeout
		}
		a.log.Warn("Context retrieval failed, forwarding unaugmented", "path", path, "outcome", outcome, "error", err)
		return nil, outcome
	}
	if res == nil || strings.TrimSpace(res.ContextBlock) == "" {
		return nil, augmentEmpty
	}

	inject(contextPrefix(res.ContextBlock))
	out, err := json.Marshal(payload)
	if err != nil {
		a.log.Warn("Re-encoding augmented body failed", "path", path, "error", err)
		return nil, augmentFailed
	}
	a.log.Debug("Prompt augmented",
		"path", path,
		"citations", len(res.Citations),
		"context_chars", len(res.ContextBlock),
		"partial", res.Partial,
	)
	return out, augmentApplied
}

// extractQuery pulls the user's question out of a generate or chat
// body and returns an injector that prepends the context prefix in
// place. A nil injector means the body has no augmentable prompt.
func extractQuery(path string, payload map[string]any) (string, func(prefix string)) {
	switch {
	case strings.HasSuffix(path, "/api/generate"):
		prompt, ok := payload["prompt"].(string)
		if !ok || strings.TrimSpace(prompt) == "" {
			return "", nil
		}
		return prompt, func(prefix string) {
			payload["prompt"] = prefix + "\n\n" + prompt
		}

	case strings.HasSuffix(path, "/api/chat"):
		messages, ok := payload["messages"].([]any)
		if !ok {
			return "", nil
		}
		for i := len(messages) - 1; i >= 0; i-- {
			msg, ok := messages[i].(map[string]any)
			if !ok {
				continue
			}
			if role, _ := msg["role"].(string); role != "user" {
				continue
			}
			content, ok := msg["content"].(string)
			if !ok || strings.TrimSpace(content) == "" {
				return "", nil
			}
			return content, func(prefix string) {
				msg["content"] = prefix + "\n\n" + content
			}
		}
		return "", nil
	}
	return "", nil
}

// resolveKnowledgeBases maps the request's knowledge_bases entries
// (names or ids) to ids. Empty or absent means "all": the engine
// resolves an empty scope to every knowledge base. restrictedMiss is
// true when entries were given but none resolved.
func (a *augmenter) resolveKnowledgeBases(ctx context.Context, payload map[string]any) (ids []uuid.UUID, restrictedMiss bool) {
	raw, ok := payload[knowledgeBasesField].([]any)
	if !ok || len(raw) == 0 {
		return nil, false
	}
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if id, err := uuid.Parse(s); err == nil {
			ids = append(ids, id)
			continue
		}
		if id, ok := a.kbs.idByName(ctx, s); ok {
			ids = append(ids, id)
		} else {
			a.log.Warn("Unknown knowledge base in request", "name", s)
		}
	}
	return ids, len(ids) == 0
}

// kbCache caches the knowledge base listing so the hot proxy path
// does not hit the catalog per request.
type kbCache struct {
	repo repos.KnowledgeBaseRepo
	ttl  time.Duration

	mu      sync.Mutex
	byName  map[string]uuid.UUID
	expires time.Time
}

func newKBCache(repo repos.KnowledgeBaseRepo, ttl time.Duration) *kbCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &kbCache{repo: repo, ttl: ttl}
}

func (c *kbCache) idByName(ctx context.Context, name string) (uuid.UUID, bool) {
	if c.repo == nil {
		return uuid.Nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byName == nil || time.Now().After(c.expires) {
		kbs, err := c.repo.List(ctx, nil)
		if err != nil {
			// Keep serving the stale table; a catalog blip should not
			// break name scoping for its TTL.
			if c.byName == nil {
				return uuid.Nil, false
			}
		} else {
			c.byName = indexKBs(kbs)
			c.expires = time.Now().Add(c.ttl)
		}
	}
	id, ok := c.byName[strings.ToLower(name)]
	return id, ok
}

func indexKBs(kbs []*types.KnowledgeBase) map[string]uuid.UUID {
	out := make(map[string]uuid.UUID, len(kbs))
	for _, kb := range kbs {
		out[strings.ToLower(kb.Name)] = kb.ID
	}
	return out
}
