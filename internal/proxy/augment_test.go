package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
	"github.com/anubissbe/JarvisAI/internal/retrieval"
	"github.com/anubissbe/JarvisAI/internal/types"
)

type fakeEngine struct {
	result  *retrieval.Result
	err     error
	calls   int
	lastReq retrieval.Request
}

func (f *fakeEngine) Query(ctx context.Context, req retrieval.Request) (*retrieval.Result, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeKBRepo struct {
	kbs []*types.KnowledgeBase
}

func (f *fakeKBRepo) Create(ctx context.Context, tx *gorm.DB, kb *types.KnowledgeBase) (*types.KnowledgeBase, error) {
	f.kbs = append(f.kbs, kb)
	return kb, nil
}

func (f *fakeKBRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.KnowledgeBase, error) {
	for _, kb := range f.kbs {
		if kb.ID == id {
			return kb, nil
		}
	}
	return nil, nil
}

func (f *fakeKBRepo) GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.KnowledgeBase, error) {
	for _, kb := range f.kbs {
		if kb.Name == name {
			return kb, nil
		}
	}
	return nil, nil
}

func (f *fakeKBRepo) List(ctx context.Context, tx *gorm.DB) ([]*types.KnowledgeBase, error) {
	return f.kbs, nil
}

func (f *fakeKBRepo) SetEmbeddingIdentity(ctx context.Context, tx *gorm.DB, id uuid.UUID, model string, dim int) error {
	return nil
}

func newTestAugmenter(t *testing.T, engine ContextProvider, kbs *fakeKBRepo) *augmenter {
	t.Helper()
	log, err := logger.New("debug")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return newAugmenter(log, engine, kbs, time.Minute, time.Second)
}

func goodResult() *retrieval.Result {
	return &retrieval.Result{
		ContextBlock: "Document: Notes\nAcme Corp ships widgets.",
		Citations:    []retrieval.Citation{{DocumentID: uuid.NewString(), Title: "Notes", Kind: "vector"}},
	}
}

func TestAugmentGenerateInjectsContext(t *testing.T) {
	engine := &fakeEngine{result: goodResult()}
	a := newTestAugmenter(t, engine, &fakeKBRepo{})

	body := []byte(`{"model":"llama3","prompt":"What does Acme ship?","stream":true}`)
	out, outcome := a.Augment(context.Background(), "/api/generate", body)
	if outcome != augmentApplied || out == nil {
		t.Fatalf("outcome = %q, out nil=%v; want applied", outcome, out == nil)
	}

	var payload map[string]any
	if err := json.Unmarshal(out, &payload); err != nil {
		t.Fatalf("augmented body is not JSON: %v", err)
	}
	prompt, _ := payload["prompt"].(string)
	wantPrefix := "Use the following retrieved context to answer.\n--- Retrieved context ---\n" +
		"Document: Notes\nAcme Corp ships widgets.\n--- End context ---\n\nWhat does Acme ship?"
	if prompt != wantPrefix {
		t.Fatalf("prompt = %q\nwant %q", prompt, wantPrefix)
	}
	if payload["model"] != "llama3" || payload["stream"] != true {
		t.Fatalf("unrelated fields must survive: %v", payload)
	}
	if engine.lastReq.Text != "What does Acme ship?" {
		t.Fatalf("engine query text = %q", engine.lastReq.Text)
	}
}

func TestAugmentChatInjectsIntoLastUserMessage(t *testing.T) {
	engine := &fakeEngine{result: goodResult()}
	a := newTestAugmenter(t, engine, &fakeKBRepo{})

	body := []byte(`{"model":"llama3","messages":[` +
		`{"role":"system","content":"You are Jarvis."},` +
		`{"role":"user","content":"first question"},` +
		`{"role":"assistant","content":"first answer"},` +
		`{"role":"user","content":"Tell me about Acme Corp"}]}`)
	out, outcome := a.Augment(context.Background(), "/api/chat", body)
	if outcome != augmentApplied {
		t.Fatalf("outcome = %q, want applied", outcome)
	}

	var payload struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		t.Fatalf("augmented body is not JSON: %v", err)
	}
	if len(payload.Messages) != 4 {
		t.Fatalf("message count changed: %d", len(payload.Messages))
	}
	if payload.Messages[1].Content != "first question" {
		t.Fatalf("earlier user message must stay untouched: %q", payload.Messages[1].Content)
	}
	last := payload.Messages[3]
	if !strings.HasPrefix(last.Content, "Use the following retrieved context to answer.") {
		t.Fatalf("last user message missing context prefix: %q", last.Content)
	}
	if !strings.HasSuffix(last.Content, "\n\nTell me about Acme Corp") {
		t.Fatalf("original question must close the message: %q", last.Content)
	}
	if !strings.Contains(last.Content, "--- Retrieved context ---") || !strings.Contains(last.Content, "--- End context ---") {
		t.Fatalf("delimiters missing: %q", last.Content)
	}
	if engine.lastReq.Text != "Tell me about Acme Corp" {
		t.Fatalf("engine query text = %q", engine.lastReq.Text)
	}
}

func TestAugmentKnowledgeBasesScopeAndStrip(t *testing.T) {
	byID := uuid.New()
	named := &types.KnowledgeBase{ID: uuid.New(), Name: "Notes"}
	engine := &fakeEngine{result: goodResult()}
	a := newTestAugmenter(t, engine, &fakeKBRepo{kbs: []*types.KnowledgeBase{named}})

	body := []byte(`{"model":"m","prompt":"q","knowledge_bases":["` + byID.String() + `","notes"]}`)
	out, outcome := a.Augment(context.Background(), "/api/generate", body)
	if outcome != augmentApplied {
		t.Fatalf("outcome = %q, want applied", outcome)
	}

	ids := engine.lastReq.KnowledgeBaseIDs
	if len(ids) != 2 || ids[0] != byID || ids[1] != named.ID {
		t.Fatalf("scoped ids = %v, want [%s %s]", ids, byID, named.ID)
	}
	if strings.Contains(string(out), "knowledge_bases") {
		t.Fatalf("extension field must be stripped before forwarding: %s", out)
	}
}

func TestAugmentUnknownKnowledgeBasesSkip(t *testing.T) {
	engine := &fakeEngine{result: goodResult()}
	a := newTestAugmenter(t, engine, &fakeKBRepo{})

	body := []byte(`{"model":"m","prompt":"q","knowledge_bases":["no-such-base"]}`)
	out, outcome := a.Augment(context.Background(), "/api/generate", body)
	if out != nil || outcome != augmentSkipped {
		t.Fatalf("out=%v outcome=%q, want nil/skipped", out, outcome)
	}
	if engine.calls != 0 {
		t.Fatalf("engine must not run when the requested scope resolves to nothing")
	}
}

func TestAugmentEngineFailurePassesThrough(t *testing.T) {
	engine := &fakeEngine{err: errors.New("retrieval exploded")}
	a := newTestAugmenter(t, engine, &fakeKBRepo{})

	out, outcome := a.Augment(context.Background(), "/api/chat",
		[]byte(`{"messages":[{"role":"user","content":"q"}]}`))
	if out != nil || outcome != augmentFailed {
		t.Fatalf("out=%v outcome=%q, want nil/failed", out, outcome)
	}
}

func TestAugmentEmptyContextPassesThrough(t *testing.T) {
	engine := &fakeEngine{result: &retrieval.Result{}}
	a := newTestAugmenter(t, engine, &fakeKBRepo{})

	out, outcome := a.Augment(context.Background(), "/api/generate", []byte(`{"prompt":"q"}`))
	if out != nil || outcome != augmentEmpty {
		t.Fatalf("out=%v outcome=%q, want nil/empty", out, outcome)
	}
}

func TestAugmentUnparseableOrPromptlessSkipped(t *testing.T) {
	engine := &fakeEngine{result: goodResult()}
	a := newTestAugmenter(t, engine, &fakeKBRepo{})

	cases := []struct {
		name string
		path string
		body string
	}{
		{"not json", "/api/chat", `this is not json`},
		{"no user message", "/api/chat", `{"messages":[{"role":"system","content":"s"},{"role":"assistant","content":"a"}]}`},
		{"empty prompt", "/api/generate", `{"prompt":"   "}`},
		{"non-string content", "/api/chat", `{"messages":[{"role":"user","content":42}]}`},
		{"unknown endpoint", "/api/embeddings", `{"prompt":"q"}`},
	}
	for _, tc := range cases {
		out, outcome := a.Augment(context.Background(), tc.path, []byte(tc.body))
		if out != nil || outcome != augmentSkipped {
			t.Fatalf("%s: out=%v outcome=%q, want nil/skipped", tc.name, out, outcome)
		}
	}
	if engine.calls != 0 {
		t.Fatalf("engine must not run for skipped bodies, got %d calls", engine.calls)
	}
}
