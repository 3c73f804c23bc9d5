package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"aide/internal/config"
	"aide/internal/events"
)

// fakeOllama emulates the backend endpoints the clients use.
type fakeOllama struct {
	srv *httptest.Server

	installed   []string
	chatReply   string
	evalCount   int
	streamParts []string
	loadCalls   atomic.Int64
	chatCalls   atomic.Int64
	failTags    atomic.Bool
}

func newFakeOllama(t *testing.T) *fakeOllama {
	t.Helper()
	f := &fakeOllama{
		installed:   []string{"llama3:8b", "llama3:70b", "codellama:13b"},
		chatReply:   "hello from the model",
		evalCount:   12,
		streamParts: []string{"hel", "lo"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		if f.failTags.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		models := make([]map[string]string, len(f.installed))
		for i, name := range f.installed {
			models[i] = map[string]string{"name": name}
		}
		json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		f.loadCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"response": "", "done": true})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		f.chatCalls.Add(1)
		var req struct {
			Stream bool `json:"stream"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		if !req.Stream {
			json.NewEncoder(w).Encode(map[string]any{
				"message":           map[string]string{"content": f.chatReply},
				"done":              true,
				"done_reason":       "stop",
				"prompt_eval_count": 5,
				"eval_count":        f.evalCount,
			})
			return
		}
		enc := json.NewEncoder(w)
		for _, part := range f.streamParts {
			enc.Encode(map[string]any{
				"message": map[string]string{"content": part},
				"done":    false,
			})
		}
		enc.Encode(map[string]any{
			"message":     map[string]string{"content": ""},
			"done":        true,
			"done_reason": "stop",
			"eval_count":  f.evalCount,
		})
	})
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func testLLMConfig(baseURL string) config.LLMConfig {
	cfg := config.DefaultLLMConfig()
	cfg.BaseURL = baseURL
	cfg.Timeout = 5
	cfg.Models = map[string]config.ModelConfig{
		config.SlotFast:     {Name: "llama3:8b", MaxTokens: 1024, Temperature: 0.7},
		config.SlotCritical: {Name: "llama3:70b", MaxTokens: 2048, Temperature: 0.5},
		config.SlotCode:     {Name: "codellama:13b", MaxTokens: 4096, Temperature: 0.3},
	}
	return cfg
}

func newTestRegistry(t *testing.T, f *fakeOllama) *Registry {
	t.Helper()
	return NewRegistry(testLLMConfig(f.srv.URL), zaptest.NewLogger(t))
}

func TestClientLoadWarmsUpModel(t *testing.T) {
	f := newFakeOllama(t)
	c := NewClient(ClientParams{ModelName: "llama3:8b", BaseURL: f.srv.URL, Timeout: 5 * time.Second}, zaptest.NewLogger(t))

	require.NoError(t, c.Load(context.Background()))
	assert.True(t, c.IsLoaded())
	assert.Equal(t, int64(1), f.loadCalls.Load())
}

func TestClientLoadRejectsMissingModel(t *testing.T) {
	f := newFakeOllama(t)
	c := NewClient(ClientParams{ModelName: "mistral:7b", BaseURL: f.srv.URL, Timeout: 5 * time.Second}, zaptest.NewLogger(t))

	err := c.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.False(t, c.IsLoaded())
}

func TestClientGenerateRequiresLoad(t *testing.T) {
	f := newFakeOllama(t)
	c := NewClient(ClientParams{ModelName: "llama3:8b", BaseURL: f.srv.URL, Timeout: 5 * time.Second}, zaptest.NewLogger(t))

	_, err := c.Generate(context.Background(), []Message{UserMessage("hi")}, GenerateOptions{})
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestClientGenerate(t *testing.T) {
	f := newFakeOllama(t)
	c := NewClient(ClientParams{ModelName: "llama3:8b", BaseURL: f.srv.URL, Timeout: 5 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, c.Load(context.Background()))

	resp, err := c.Generate(context.Background(), []Message{UserMessage("hi")}, GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", resp.Content)
	assert.Equal(t, 5, resp.PromptTokens)
	assert.Equal(t, 12, resp.CompletionTokens)
	assert.Equal(t, 17, resp.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestClientStreamDeliversChunksAndFinal(t *testing.T) {
	f := newFakeOllama(t)
	c := NewClient(ClientParams{ModelName: "llama3:8b", BaseURL: f.srv.URL, Timeout: 5 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, c.Load(context.Background()))

	var parts []string
	var final Chunk
	err := c.Stream(context.Background(), []Message{UserMessage("hi")}, GenerateOptions{}, func(ch Chunk) error {
		if ch.Final {
			final = ch
		} else {
			parts = append(parts, ch.Content)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", strings.Join(parts, ""))
	assert.True(t, final.Final)
	assert.Equal(t, 12, final.EvalCount)
	assert.Equal(t, "stop", final.DoneReason)
}

func TestClientConnectionError(t *testing.T) {
	c := NewClient(ClientParams{ModelName: "llama3:8b", BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, zaptest.NewLogger(t))
	err := c.Load(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
}

func TestRegistryRouterInterlock(t *testing.T) {
	f := newFakeOllama(t)
	r := newTestRegistry(t, f)

	fast, ok := r.Info(config.SlotFast)
	require.True(t, ok)
	router, ok := r.Info(config.SlotRouter)
	require.True(t, ok)

	// Same ModelInfo pointer: same client, shared stats, no VRAM swap
	// between classification and generation.
	assert.Same(t, fast, router)

	// Loading via the router slot loads the fast model exactly once.
	_, err := r.GetClient(context.Background(), config.SlotRouter)
	require.NoError(t, err)
	assert.True(t, fast.Client.IsLoaded())
	assert.Equal(t, int64(1), f.loadCalls.Load())

	_, err = r.GetClient(context.Background(), config.SlotFast)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.loadCalls.Load())
}

func TestRegistrySharedUsageStats(t *testing.T) {
	f := newFakeOllama(t)
	r := newTestRegistry(t, f)

	r.RecordUsage(config.SlotRouter, 10, 100*time.Millisecond)
	r.RecordUsage(config.SlotFast, 5, 50*time.Millisecond)

	stats := r.Stats()
	assert.Equal(t, int64(15), stats[config.SlotFast].TotalTokens)
	assert.Equal(t, int64(15), stats[config.SlotRouter].TotalTokens)
	assert.Equal(t, int64(2), stats[config.SlotFast].UseCount)
}

func TestRegistrySwitchCooldown(t *testing.T) {
	f := newFakeOllama(t)
	cfg := testLLMConfig(f.srv.URL)
	cfg.SwitchCooldown = 3600
	r := NewRegistry(cfg, zaptest.NewLogger(t))
	ctx := context.Background()

	// First activation always allowed.
	_, err := r.SwitchTo(ctx, config.SlotFast, false)
	require.NoError(t, err)

	// Immediate switch to a different slot hits the cooldown.
	_, err = r.SwitchTo(ctx, config.SlotCode, false)
	assert.ErrorIs(t, err, ErrSwitchDenied)

	// Forced switches bypass it.
	_, err = r.SwitchTo(ctx, config.SlotCode, true)
	require.NoError(t, err)
	assert.Equal(t, config.SlotCode, r.ActiveSlot())
}

func TestRegistryHealthCheckDedupes(t *testing.T) {
	f := newFakeOllama(t)
	r := newTestRegistry(t, f)

	health := r.HealthCheck(context.Background())
	assert.True(t, health[config.SlotFast])
	assert.True(t, health[config.SlotRouter])
	assert.True(t, health[config.SlotCode])
	assert.Len(t, health, 4)
}

func TestRegistryPreloadLoadsUniqueModels(t *testing.T) {
	f := newFakeOllama(t)
	r := newTestRegistry(t, f)

	require.NoError(t, r.Preload(context.Background()))
	// fast, critical, code: three unique models, router shares fast.
	assert.Equal(t, int64(3), f.loadCalls.Load())
}

func TestRouterQuickClassification(t *testing.T) {
	f := newFakeOllama(t)
	r := NewRouter(newTestRegistry(t, f), zaptest.NewLogger(t))
	ctx := context.Background()

	cases := []struct {
		input      string
		intent     Intent
		confidence float64
	}{
		{"hey there", IntentGreeting, 0.95},
		{"goodbye friend, talk soon", IntentFarewell, 0.9},
		{"write a python function to sort a list", IntentCodeRequest, 0.85},
		{"explain what does this python function do, it has a bug", IntentCodeExplanation, 0.85},
		{"do you remember what we discussed", IntentMemoryRecall, 0.9},
		{"can you find the report file in my documents", IntentFileOperation, 0.85},
		{"what is the capital of France?", IntentQuestion, 0.8},
		{"compare the economic policies of the last three administrations and analyze their long term effects on inflation?", IntentComplexQuery, 0.8},
	}
	for _, tc := range cases {
		got := r.Classify(ctx, tc.input)
		assert.Equal(t, tc.intent, got.Intent, "input: %s", tc.input)
		assert.InDelta(t, tc.confidence, got.Confidence, 0.001, "input: %s", tc.input)
	}
}

func TestRouterIntentDerivedProperties(t *testing.T) {
	f := newFakeOllama(t)
	r := NewRouter(newTestRegistry(t, f), zaptest.NewLogger(t))

	got := r.Classify(context.Background(), "can you find the report file in my documents")
	assert.Equal(t, config.SlotFast, got.RecommendedModel)
	assert.Equal(t, []string{"file_search"}, got.RequiredExtensions)
	assert.False(t, got.NeedsMemory)

	got = r.Classify(context.Background(), "write a python function to sort a list")
	assert.Equal(t, config.SlotCode, got.RecommendedModel)
	assert.True(t, got.NeedsMemory)
}

func TestRouterLLMSlowPath(t *testing.T) {
	f := newFakeOllama(t)
	f.chatReply = "creative_writing"
	r := NewRouter(newTestRegistry(t, f), zaptest.NewLogger(t))

	got := r.Classify(context.Background(), "pen me something lovely about the sea")
	assert.Equal(t, IntentCreativeWriting, got.Intent)
	assert.InDelta(t, 0.9, got.Confidence, 0.001)
	assert.Equal(t, config.SlotCritical, got.RecommendedModel)
}

func TestRouterSlowPathFallbackOnGarbage(t *testing.T) {
	f := newFakeOllama(t)
	f.chatReply = "no idea honestly"
	r := NewRouter(newTestRegistry(t, f), zaptest.NewLogger(t))

	got := r.Classify(context.Background(), "the weather has been quite nice these days")
	assert.Equal(t, IntentGeneralConversation, got.Intent)
	assert.InDelta(t, 0.5, got.Confidence, 0.001)
}

func TestRouterCircuitOpensAfterRepeatedLoadFailures(t *testing.T) {
	f := newFakeOllama(t)
	r := NewRouter(newTestRegistry(t, f), zaptest.NewLogger(t))
	ctx := context.Background()

	// Backend down: every classification attempt fails to load the
	// router model and degrades to the fallback result.
	f.failTags.Store(true)
	for i := 0; i < circuitFailureThreshold; i++ {
		got := r.Classify(ctx, "the weather has been quite nice these days")
		assert.Equal(t, IntentGeneralConversation, got.Intent)
		assert.InDelta(t, 0.3, got.Confidence, 0.001)
	}
	assert.True(t, r.CircuitOpen())

	// With the circuit open and the backend healthy again, classification
	// goes straight to the fast model and succeeds.
	f.failTags.Store(false)
	f.chatReply = "analysis"
	got := r.Classify(ctx, "the weather has been quite nice these days")
	assert.Equal(t, IntentAnalysis, got.Intent)
	assert.True(t, r.CircuitOpen())
}

func TestManagerGenerateRoutesByIntent(t *testing.T) {
	f := newFakeOllama(t)
	reg := newTestRegistry(t, f)
	bus := events.NewBus()
	mgr := NewManager(reg, NewRouter(reg, zaptest.NewLogger(t)), bus, zaptest.NewLogger(t))

	var stages []string
	bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeProcessingUpdate {
			stages = append(stages, fmt.Sprint(ev.Data["stage"]))
		}
	})

	resp, err := mgr.Generate(context.Background(), GenerateRequest{
		SessionID: "session-1",
		UserInput: "write a python function to sort a list",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", resp.Content)
	assert.Equal(t, config.SlotCode, reg.ActiveSlot())
	assert.Contains(t, stages, events.StageIntentClassification)
	assert.Contains(t, stages, events.StageLLMProcessing)
	assert.Contains(t, stages, events.StageComplete)

	stats := reg.Stats()
	assert.Equal(t, int64(17), stats[config.SlotCode].TotalTokens)
}

func TestManagerStreamPublishesTokensAndRecordsEvalCount(t *testing.T) {
	f := newFakeOllama(t)
	reg := newTestRegistry(t, f)
	bus := events.NewBus()
	mgr := NewManager(reg, NewRouter(reg, zaptest.NewLogger(t)), bus, zaptest.NewLogger(t))

	var tokens []string
	streamEnds := 0
	bus.Subscribe(func(ev events.Event) {
		switch ev.Type {
		case events.TypeStreamToken:
			tokens = append(tokens, fmt.Sprint(ev.Data["token"]))
		case events.TypeStreamEnd:
			streamEnds++
		}
	})

	var got strings.Builder
	err := mgr.Stream(context.Background(), GenerateRequest{
		SessionID: "session-1",
		UserInput: "hey there",
	}, func(ch Chunk) error {
		got.WriteString(ch.Content)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", got.String())
	assert.Equal(t, []string{"hel", "lo"}, tokens)
	assert.Equal(t, 1, streamEnds)

	// Token accounting comes from the backend's final-chunk eval_count,
	// not a word-count estimate.
	stats := reg.Stats()
	assert.Equal(t, int64(12), stats[config.SlotFast].TotalTokens)
}

func TestManagerGenerateSimple(t *testing.T) {
	f := newFakeOllama(t)
	reg := newTestRegistry(t, f)
	mgr := NewManager(reg, NewRouter(reg, zaptest.NewLogger(t)), events.NewBus(), zaptest.NewLogger(t))

	resp, err := mgr.GenerateSimple(context.Background(), config.SlotFast, "classify this", GenerateOptions{MaxTokens: 50}.WithTemperature(0.1))
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", resp.Content)
	// GenerateSimple must not change the active model.
	assert.Equal(t, "", reg.ActiveSlot())
}

func TestClientEmbed(t *testing.T) {
	f := newFakeOllama(t)
	c := NewClient(ClientParams{ModelName: "nomic-embed-text", BaseURL: f.srv.URL, Timeout: 5 * time.Second}, zaptest.NewLogger(t))

	vec, err := c.Embed(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}
