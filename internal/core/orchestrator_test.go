package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"aide/internal/config"
	"aide/internal/events"
	"aide/internal/extension"
	"aide/internal/llm"
	"aide/internal/memory"
	"aide/internal/store"
	"aide/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBackend emulates the Ollama endpoints the pipeline reaches.
type fakeBackend struct {
	srv *httptest.Server

	mu        sync.Mutex
	chatReply string
	chats     []chatRequest
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{chatReply: "hello from the model"}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{
			{"name": "llama3:8b"}, {"name": "llama3:70b"}, {"name": "codellama:13b"},
		}})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": "", "done": true})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.chats = append(f.chats, req)
		reply := f.chatReply
		f.mu.Unlock()

		enc := json.NewEncoder(w)
		if !req.Stream {
			enc.Encode(map[string]any{
				"message":           map[string]string{"content": reply},
				"done":              true,
				"done_reason":       "stop",
				"prompt_eval_count": 5,
				"eval_count":        12,
			})
			return
		}
		for _, part := range []string{"hel", "lo"} {
			enc.Encode(map[string]any{"message": map[string]string{"content": part}, "done": false})
		}
		enc.Encode(map[string]any{
			"message": map[string]string{"content": ""}, "done": true,
			"done_reason": "stop", "eval_count": 12,
		})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// lastChat returns the most recent generation request.
func (f *fakeBackend) lastChat(t *testing.T) chatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.chats)
	return f.chats[len(f.chats)-1]
}

// failingEmbedder forces long-term search onto the keyword path.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding backend unavailable")
}

type stubGenerator struct {
	mu       sync.Mutex
	response string
	calls    int
}

func (g *stubGenerator) GenerateText(context.Context, string, int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.response, nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type recordingExt struct {
	mu     sync.Mutex
	name   string
	result map[string]any
	err    error
	params map[string]any
}

func (e *recordingExt) Name() string                  { return e.name }
func (e *recordingExt) Description() string           { return "test extension" }
func (e *recordingExt) Parameters() map[string]string { return map[string]string{"query": "q"} }

func (e *recordingExt) Execute(_ context.Context, params map[string]any) (map[string]any, error) {
	e.mu.Lock()
	e.params = params
	e.mu.Unlock()
	return e.result, e.err
}

type testHarness struct {
	backend   *fakeBackend
	store     *store.Store
	bus       *events.Bus
	telemetry *telemetry.Collector
	memory    *memory.Manager
	registry  *extension.Registry
	generator *stubGenerator
	orch      *Orchestrator
}

func newHarness(t *testing.T, mutate func(*config.Config)) *testHarness {
	t.Helper()
	backend := newFakeBackend(t)

	cfg := config.DefaultConfig()
	cfg.LLM.BaseURL = backend.srv.URL
	cfg.LLM.Timeout = 5
	cfg.LLM.Models = map[string]config.ModelConfig{
		config.SlotFast:     {Name: "llama3:8b", MaxTokens: 1024, Temperature: 0.7},
		config.SlotCritical: {Name: "llama3:70b", MaxTokens: 2048, Temperature: 0.5},
		config.SlotCode:     {Name: "codellama:13b", MaxTokens: 4096, Temperature: 0.3},
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := zaptest.NewLogger(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "aide.db"), 2, 0, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tc := telemetry.NewCollector(cfg.Telemetry, st, log)
	t.Cleanup(func() { tc.Close() })

	bus := events.NewBus()
	reg := llm.NewRegistry(cfg.LLM, log)
	t.Cleanup(reg.Shutdown)
	llmMgr := llm.NewManager(reg, llm.NewRouter(reg, log), bus, log)

	gen := &stubGenerator{response: "[]"}
	mem := memory.NewManager(cfg.Memory, st, failingEmbedder{}, gen, bus, log)

	ext := extension.NewRegistry(bus, log)

	h := &testHarness{
		backend:   backend,
		store:     st,
		bus:       bus,
		telemetry: tc,
		memory:    mem,
		registry:  ext,
		generator: gen,
	}
	h.orch = NewOrchestrator(OrchestratorParams{
		SessionID:  "session-1",
		MemoryCfg:  cfg.Memory,
		LLM:        llmMgr,
		Memory:     mem,
		Extensions: ext,
		Telemetry:  tc,
		Store:      st,
		Bus:        bus,
		Classifier: NewClassifier(tc, bus, log),
		Log:        log,
	})
	return h
}

func (h *testHarness) conversationCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, h.store.FetchOne(context.Background(),
		"SELECT COUNT(*) FROM conversations").Scan(&n))
	return n
}

func systemContents(req chatRequest) []string {
	var out []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.orch.Process(context.Background(), "hey there")
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", resp.Content)

	// Exactly one conversation row and both turns buffered.
	assert.Equal(t, 1, h.conversationCount(t))
	items := h.memory.Short.All("session-1")
	require.Len(t, items, 2)
	assert.Equal(t, "user", items[0].Role)
	assert.Equal(t, "hey there", items[0].Content)
	assert.Equal(t, "assistant", items[1].Role)

	assert.Equal(t, float64(1), h.telemetry.Counter("requests.total"))
	assert.Equal(t, float64(1), h.telemetry.Counter("model."+config.SlotFast+".requests"))

	history, err := h.orch.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hey there", history[0]["user_input"])
	assert.Equal(t, "greeting", history[0]["intent_type"])
}

func TestProcessRejectsEmptyInput(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.orch.Process(context.Background(), "   ")
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, CodeValidation, typed.Code)
	assert.Equal(t, http.StatusBadRequest, typed.HTTPStatus())
	assert.Equal(t, 0, h.conversationCount(t))
}

func TestExplicitRememberStoresLongTerm(t *testing.T) {
	h := newHarness(t, nil)

	var stored []events.Event
	h.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeMemoryUpdate {
			stored = append(stored, ev)
		}
	})

	_, err := h.orch.Process(context.Background(), "remember this: my cat is named Miso")
	require.NoError(t, err)

	var content, meta string
	require.NoError(t, h.store.FetchOne(context.Background(),
		"SELECT content, metadata FROM memory_long_term").Scan(&content, &meta))
	assert.Equal(t, "my cat is named Miso", content)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(meta), &parsed))
	assert.Equal(t, "explicit_remember", parsed["source"])
	assert.Equal(t, "user_explicit", parsed["origin"])
	assert.Equal(t, "session-1", parsed["session_id"])

	require.NotEmpty(t, stored)
	assert.Equal(t, "stored", stored[0].Data["action"])
}

func TestMemoryRecallInjectsContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.memory.Remember(ctx, "we discussed the quarterly budget figures", map[string]any{
		"session_id": "session-2",
	})
	require.NoError(t, err)
	_, err = h.memory.Remember(ctx, "we discussed switching to electric heating", map[string]any{
		"session_id": "session-9",
	})
	require.NoError(t, err)

	_, err = h.orch.Process(ctx, "do you remember what we discussed in session 2")
	require.NoError(t, err)

	var memoryBlock string
	for _, content := range systemContents(h.backend.lastChat(t)) {
		if strings.Contains(content, "Relevant memories") {
			memoryBlock = content
		}
	}
	require.NotEmpty(t, memoryBlock)
	assert.Contains(t, memoryBlock, "Relevant memories from session-2")
	assert.Contains(t, memoryBlock, "quarterly budget")
	assert.NotContains(t, memoryBlock, "electric heating")
}

func TestExtensionResultsInjected(t *testing.T) {
	h := newHarness(t, nil)
	ext := &recordingExt{name: "file_search", result: map[string]any{"matches": 3}}
	h.registry.Register(ext)

	input := "can you find the report file in my documents"
	_, err := h.orch.Process(context.Background(), input)
	require.NoError(t, err)

	ext.mu.Lock()
	params := ext.params
	ext.mu.Unlock()
	require.NotNil(t, params)
	assert.Equal(t, input, params["query"])
	assert.Equal(t, "session-1", params["session_id"])

	var extBlock string
	for _, content := range systemContents(h.backend.lastChat(t)) {
		if strings.Contains(content, "Extension results:") {
			extBlock = content
		}
	}
	require.NotEmpty(t, extBlock)
	assert.Contains(t, extBlock, "file_search")
	assert.Contains(t, extBlock, `"matches":3`)
}

func TestExtensionFailureDoesNotFailRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.Register(&recordingExt{name: "file_search", err: errors.New("disk on fire")})

	resp, err := h.orch.Process(context.Background(), "can you find the report file in my documents")
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", resp.Content)

	for _, content := range systemContents(h.backend.lastChat(t)) {
		assert.NotContains(t, content, "Extension results:")
	}
}

func TestMissingExtensionSkipped(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.orch.Process(context.Background(), "can you find the report file in my documents")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Content)
	assert.Equal(t, 1, h.conversationCount(t))
}

func TestCancellationLeavesNoTrace(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Process(ctx, "hey there")
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, CodeCancelled, typed.Code)
	assert.Equal(t, 499, typed.HTTPStatus())

	assert.Equal(t, 0, h.conversationCount(t))
	assert.Empty(t, h.memory.Short.All("session-1"))
}

func TestGenerationErrorPropagates(t *testing.T) {
	h := newHarness(t, nil)

	var errEvents []events.Event
	h.bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeError {
			errEvents = append(errEvents, ev)
		}
	})

	// Backend gone: classification degrades to the fallback intent, but
	// generation has nothing to degrade to and must surface the failure.
	h.backend.srv.Close()

	_, err := h.orch.Process(context.Background(), "hey there")
	require.Error(t, err)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, CodeLLMConnection, typed.Code)
	assert.True(t, typed.Recoverable)
	assert.Equal(t, http.StatusServiceUnavailable, typed.HTTPStatus())

	assert.Equal(t, 0, h.conversationCount(t))
	assert.Empty(t, h.memory.Short.All("session-1"))
	assert.NotEmpty(t, errEvents)
	assert.Equal(t, float64(1), h.telemetry.Counter("errors."+CodeLLMConnection))
}

func TestStreamAssemblesAndPersists(t *testing.T) {
	h := newHarness(t, nil)

	var got strings.Builder
	resp, err := h.orch.Stream(context.Background(), "hey there", func(ch llm.Chunk) error {
		got.WriteString(ch.Content)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got.String())
	assert.Equal(t, "hello", resp.Content)

	var stored string
	require.NoError(t, h.store.FetchOne(context.Background(),
		"SELECT assistant_response FROM conversations").Scan(&stored))
	assert.Equal(t, "hello", stored)
}

func TestPeriodicLearningExtraction(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Memory.LongTerm.ExtractInterval = 2
	})
	ctx := context.Background()

	_, err := h.orch.Process(ctx, "hey there")
	require.NoError(t, err)
	assert.Equal(t, 0, h.generator.callCount())

	_, err = h.orch.Process(ctx, "how are you doing today my friend")
	require.NoError(t, err)
	assert.Equal(t, 1, h.generator.callCount())
}

func TestSessionStatsAndClear(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.orch.Process(context.Background(), "hey there")
	require.NoError(t, err)

	stats := h.orch.Stats()
	assert.Equal(t, "session-1", stats["session_id"])
	assert.Equal(t, 1, stats["message_count"])

	assert.Equal(t, 2, h.orch.ClearShortTermMemory())
	assert.Empty(t, h.memory.Short.All("session-1"))
}
