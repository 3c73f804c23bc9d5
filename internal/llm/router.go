package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"aide/internal/config"
	"aide/internal/prompt"
)

// Circuit breaker settings for the router model. After enough consecutive
// load failures, classification skips straight to the fast model until the
// cooldown elapses.
const (
	circuitFailureThreshold = 3
	circuitCooldown         = 300 * time.Second
)

// Router classifies user input and maps it to a model slot, required
// extensions and a memory-retrieval recommendation.
//
// Classification is two-step: a keyword fast path for obvious cases, then an
// LLM slow path on the router slot (which is interlocked to the fast model).
type Router struct {
	registry *Registry
	log      *zap.Logger

	breakerMu    sync.Mutex
	failureCount int
	openUntil    time.Time

	greetingKeywords   []string
	farewellKeywords   []string
	codeKeywords       []string
	memoryIndicators   []string
	fileKeywords       []string
	fileActionKeywords []string
}

// NewRouter builds a router over the registry.
func NewRouter(registry *Registry, log *zap.Logger) *Router {
	return &Router{
		registry: registry,
		log:      log.Named("router"),
		greetingKeywords: []string{
			"hello", "hi", "hey", "good morning", "good afternoon",
			"good evening", "howdy", "greetings", "yo", "sup",
		},
		farewellKeywords: []string{
			"bye", "goodbye", "see you", "later", "farewell",
			"good night", "take care", "cya", "gtg",
		},
		codeKeywords: []string{
			"code", "program", "function", "class", "implement", "write",
			"create", "build", "develop", "script", "python", "javascript",
			"java", "c++", "rust", "debug", "fix", "error", "bug",
		},
		memoryIndicators: []string{
			"remember", "recall", "last time", "previously", "before",
			"earlier", "you said", "we discussed", "mentioned", "told you",
			"forgot",
		},
		fileKeywords: []string{
			"file", "files", "folder", "folders", "directory", "directories",
			"downloads", "desktop", "documents", "path", "filename",
		},
		fileActionKeywords: []string{
			"find", "search", "locate", "check", "look for", "exists",
			"is there", "do i have", "in my",
		},
	}
}

// Classify determines the intent of a user message. The keyword fast path
// handles obvious cases without touching a model.
func (r *Router) Classify(ctx context.Context, userInput string) IntentResult {
	lower := strings.ToLower(strings.TrimSpace(userInput))

	if result, ok := r.quickClassify(lower); ok {
		return result
	}
	return r.llmClassify(ctx, userInput)
}

func (r *Router) quickClassify(lower string) (IntentResult, bool) {
	words := strings.Fields(lower)

	if len(words) <= 3 {
		for _, kw := range r.greetingKeywords {
			if strings.Contains(lower, kw) {
				return newIntentResult(IntentGreeting, 0.95, ""), true
			}
		}
	}

	for _, kw := range r.farewellKeywords {
		if strings.Contains(lower, kw) {
			return newIntentResult(IntentFarewell, 0.9, ""), true
		}
	}

	codeMatches := 0
	for _, kw := range r.codeKeywords {
		if strings.Contains(lower, kw) {
			codeMatches++
		}
	}
	if codeMatches >= 2 {
		for _, cue := range []string{"explain", "what does", "how does", "understand"} {
			if strings.Contains(lower, cue) {
				return newIntentResult(IntentCodeExplanation, 0.85, ""), true
			}
		}
		return newIntentResult(IntentCodeRequest, 0.85, ""), true
	}

	for _, kw := range r.memoryIndicators {
		if strings.Contains(lower, kw) {
			return newIntentResult(IntentMemoryRecall, 0.9, ""), true
		}
	}

	if containsAny(lower, r.fileKeywords) && containsAny(lower, r.fileActionKeywords) {
		return newIntentResult(IntentFileOperation, 0.85, ""), true
	}

	if strings.HasSuffix(lower, "?") || startsWithAny(lower,
		"what", "who", "where", "when", "why", "how",
		"is", "are", "can", "could", "would", "should") {
		if len(lower) > 100 || containsAny(lower, []string{"analyze", "compare", "explain why", "in depth"}) {
			return newIntentResult(IntentComplexQuery, 0.8, ""), true
		}
		return newIntentResult(IntentQuestion, 0.8, ""), true
	}

	return IntentResult{}, false
}

// llmClassify runs the slow path on the router slot. Any failure degrades
// to general_conversation rather than failing the request.
func (r *Router) llmClassify(ctx context.Context, userInput string) IntentResult {
	client := r.routerClient(ctx)
	if client == nil {
		return newIntentResult(IntentGeneralConversation, 0.3, "")
	}

	resp, err := client.Generate(ctx,
		[]Message{UserMessage(prompt.IntentClassification(userInput))},
		GenerateOptions{MaxTokens: 50}.WithTemperature(0.1))
	if err != nil {
		r.log.Warn("llm classification failed, using fallback", zap.Error(err))
		return newIntentResult(IntentGeneralConversation, 0.3, "")
	}

	normalized := strings.ToLower(strings.TrimSpace(resp.Content))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")

	for _, intent := range AllIntents {
		if string(intent) == normalized {
			return newIntentResult(intent, 0.9, resp.Content)
		}
	}
	for _, intent := range AllIntents {
		if strings.Contains(normalized, string(intent)) || strings.Contains(string(intent), normalized) {
			return newIntentResult(intent, 0.7, resp.Content)
		}
	}
	return newIntentResult(IntentGeneralConversation, 0.5, resp.Content)
}

// routerClient returns a loaded client for classification. While the
// circuit is open, or when router loads keep failing, the fast slot is used
// instead; nil means no model is usable at all.
func (r *Router) routerClient(ctx context.Context) *Client {
	r.breakerMu.Lock()
	circuitOpen := time.Now().Before(r.openUntil)
	r.breakerMu.Unlock()

	if circuitOpen {
		r.log.Debug("router circuit open, classifying on fast model")
		return r.fastClient(ctx)
	}

	client, err := r.registry.GetClient(ctx, config.SlotRouter)
	if err != nil {
		r.recordFailure(err)
		return r.fastClient(ctx)
	}

	r.breakerMu.Lock()
	r.failureCount = 0
	r.breakerMu.Unlock()
	return client
}

func (r *Router) fastClient(ctx context.Context) *Client {
	client, err := r.registry.GetClient(ctx, config.SlotFast)
	if err != nil {
		r.log.Warn("fast model unavailable for classification", zap.Error(err))
		return nil
	}
	return client
}

func (r *Router) recordFailure(err error) {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()

	r.failureCount++
	r.log.Warn("router model load failed",
		zap.Int("failures", r.failureCount),
		zap.Int("threshold", circuitFailureThreshold),
		zap.Error(err))

	if r.failureCount >= circuitFailureThreshold {
		r.openUntil = time.Now().Add(circuitCooldown)
		r.log.Warn("router circuit opened, classification will use fast model",
			zap.Duration("cooldown", circuitCooldown))
	}
}

// CircuitOpen reports whether the router circuit is currently open.
func (r *Router) CircuitOpen() bool {
	r.breakerMu.Lock()
	defer r.breakerMu.Unlock()
	return time.Now().Before(r.openUntil)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func startsWithAny(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
