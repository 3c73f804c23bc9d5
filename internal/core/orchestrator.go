package core

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aide/internal/config"
	"aide/internal/events"
	"aide/internal/extension"
	"aide/internal/llm"
	"aide/internal/memory"
	"aide/internal/prompt"
	"aide/internal/store"
	"aide/internal/telemetry"
)

// pipelineHistoryLimit bounds the retained per-request contexts.
const pipelineHistoryLimit = 50

var (
	rememberRe   = regexp.MustCompile(`(?is)^remember\s+(?:this|that|these|those|the\s+following|following)?\s*:?\s*(.+)`)
	sessionRefRe = regexp.MustCompile(`session\s*#?\s*(\d+)`)
)

// ExtensionResult records one extension invocation within a pipeline.
type ExtensionResult struct {
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	Status string         `json:"status"`
}

// ProcessingContext tracks one request through the pipeline.
type ProcessingContext struct {
	SessionID string
	UserInput string
	RequestID string
	Start     time.Time
	Stage     string

	Intent           llm.IntentResult
	MemoryContext    []llm.Message
	ExtensionResults map[string]ExtensionResult
	Response         *llm.Response

	StageTimes map[string]float64
}

func newProcessingContext(sessionID, userInput string) *ProcessingContext {
	return &ProcessingContext{
		SessionID:        sessionID,
		UserInput:        userInput,
		RequestID:        uuid.NewString()[:8],
		Start:            time.Now(),
		Stage:            events.StageReceiving,
		ExtensionResults: map[string]ExtensionResult{},
		StageTimes:       map[string]float64{},
	}
}

// setStage advances the pipeline stage, recording time spent in the old one.
func (pc *ProcessingContext) setStage(stage string) {
	if pc.Stage == stage {
		return
	}
	pc.StageTimes[pc.Stage] = pc.ElapsedMS()
	pc.Stage = stage
}

// ElapsedMS is the total pipeline time so far.
func (pc *ProcessingContext) ElapsedMS() float64 {
	return float64(time.Since(pc.Start)) / float64(time.Millisecond)
}

// Orchestrator is the per-session request pipeline: classify, gather memory,
// run extensions, generate, then persist and learn.
type Orchestrator struct {
	sessionID  string
	memCfg     config.MemoryConfig
	llm        *llm.Manager
	memory     *memory.Manager
	extensions *extension.Registry
	telemetry  *telemetry.Collector
	store      *store.Store
	bus        *events.Bus
	classifier *Classifier
	log        *zap.Logger

	mu           sync.Mutex
	messageCount int
	pipelines    []*ProcessingContext
}

// OrchestratorParams collects the orchestrator's dependencies.
type OrchestratorParams struct {
	SessionID  string
	MemoryCfg  config.MemoryConfig
	LLM        *llm.Manager
	Memory     *memory.Manager
	Extensions *extension.Registry
	Telemetry  *telemetry.Collector
	Store      *store.Store
	Bus        *events.Bus
	Classifier *Classifier
	Log        *zap.Logger
}

// NewOrchestrator creates the pipeline for one session. An empty SessionID
// gets a generated one.
func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()[:12]
	}
	return &Orchestrator{
		sessionID:  sessionID,
		memCfg:     p.MemoryCfg,
		llm:        p.LLM,
		memory:     p.Memory,
		extensions: p.Extensions,
		telemetry:  p.Telemetry,
		store:      p.Store,
		bus:        p.Bus,
		classifier: p.Classifier,
		log:        p.Log.Named("orchestrator").With(zap.String("session_id", sessionID)),
	}
}

// SessionID returns this orchestrator's session.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Process runs the full pipeline for one user message and returns the
// generated response.
func (o *Orchestrator) Process(ctx context.Context, userInput string) (*llm.Response, error) {
	if strings.TrimSpace(userInput) == "" {
		return nil, NewError(CodeValidation, "message cannot be empty", false)
	}

	pc := newProcessingContext(o.sessionID, userInput)
	o.trackPipeline(pc)

	resp, err := o.run(ctx, pc, nil)
	if err != nil {
		pc.setStage(events.StageError)
		typed := o.classifier.Handle(ctx, err, map[string]any{
			"session_id": o.sessionID,
			"request_id": pc.RequestID,
			"stage":      pc.Stage,
		})
		o.bus.PublishStage(o.sessionID, events.StageError, map[string]any{"message": typed.Message})
		return nil, typed
	}
	return resp, nil
}

// Stream runs the pipeline with a streamed generation, invoking fn per
// chunk. Post-processing happens after the stream completes.
func (o *Orchestrator) Stream(ctx context.Context, userInput string, fn func(llm.Chunk) error) (*llm.Response, error) {
	if strings.TrimSpace(userInput) == "" {
		return nil, NewError(CodeValidation, "message cannot be empty", false)
	}

	pc := newProcessingContext(o.sessionID, userInput)
	o.trackPipeline(pc)

	resp, err := o.run(ctx, pc, fn)
	if err != nil {
		pc.setStage(events.StageError)
		typed := o.classifier.Handle(ctx, err, map[string]any{
			"session_id": o.sessionID,
			"request_id": pc.RequestID,
			"stage":      pc.Stage,
		})
		o.bus.PublishStage(o.sessionID, events.StageError, map[string]any{"message": typed.Message})
		return nil, typed
	}
	return resp, nil
}

// run executes the pipeline stages. A non-nil streamFn selects streaming
// generation.
func (o *Orchestrator) run(ctx context.Context, pc *ProcessingContext, streamFn func(llm.Chunk) error) (*llm.Response, error) {
	o.handleExplicitRemember(ctx, pc.UserInput)

	// Intent. The LLM manager publishes the classification stage itself.
	pc.setStage(events.StageIntentClassification)
	pc.Intent = o.llm.Classify(ctx, o.sessionID, pc.UserInput)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Memory. Failures degrade to an empty context.
	if pc.Intent.NeedsMemory {
		pc.setStage(events.StageMemoryRetrieval)
		o.bus.PublishStage(o.sessionID, events.StageMemoryRetrieval, nil)
		pc.MemoryContext = o.retrieveMemory(ctx, pc.UserInput)
	}

	// Extensions. Failures are recorded and skipped.
	if len(pc.Intent.RequiredExtensions) > 0 {
		pc.setStage(events.StageExtensionExecution)
		o.bus.PublishStage(o.sessionID, events.StageExtensionExecution, nil)
		o.runExtensions(ctx, pc)
	}

	// Generation. The LLM manager publishes the model stage and tokens.
	req := llm.GenerateRequest{
		SessionID:    o.sessionID,
		UserInput:    pc.UserInput,
		SystemPrompt: o.buildSystemPrompt(ctx),
		Context:      pc.MemoryContext,
		Slot:         pc.Intent.RecommendedModel,
	}

	if streamFn != nil {
		pc.setStage(events.StageLLMStreaming)
		var content strings.Builder
		err := o.llm.Stream(ctx, req, func(chunk llm.Chunk) error {
			content.WriteString(chunk.Content)
			if chunk.Final {
				pc.Response = &llm.Response{
					Content:          content.String(),
					Model:            pc.Intent.RecommendedModel,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.EvalCount,
					Duration:         time.Since(pc.Start),
					FinishReason:     chunk.DoneReason,
				}
			}
			return streamFn(chunk)
		})
		if err != nil {
			return nil, err
		}
	} else {
		pc.setStage(events.StageLLMProcessing)
		resp, err := o.llm.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		pc.Response = resp
	}

	if pc.Response == nil {
		return nil, fmt.Errorf("no response generated: %w", llm.ErrGeneration)
	}

	// Post-processing is best-effort and never fails the response.
	pc.setStage(events.StagePostProcessing)
	o.bus.PublishStage(o.sessionID, events.StagePostProcessing, nil)
	o.postProcess(ctx, pc)

	pc.setStage(events.StageComplete)
	o.recordMetrics(pc)
	o.bus.PublishStage(o.sessionID, events.StageComplete, map[string]any{
		"request_id":  pc.RequestID,
		"duration_ms": pc.ElapsedMS(),
	})
	return pc.Response, nil
}

// handleExplicitRemember stores "remember ..." content in long-term memory.
func (o *Orchestrator) handleExplicitRemember(ctx context.Context, userInput string) {
	m := rememberRe.FindStringSubmatch(strings.TrimSpace(userInput))
	if m == nil {
		return
	}
	content := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(m[1]), ":"))
	if content == "" {
		return
	}

	_, err := o.memory.Remember(ctx, content, map[string]any{
		"session_id":       o.sessionID,
		"source":           "explicit_remember",
		"origin":           "user_explicit",
		"original_message": userInput,
		"timestamp":        time.Now().Format(time.RFC3339),
	})
	if err != nil {
		o.log.Warn("explicit remember failed", zap.Error(err))
		return
	}
	o.log.Info("stored explicit memory", zap.String("content", truncate(content, 80)))
}

// retrieveMemory builds the context message list: the short-term buffer as
// user/assistant turns, then relevant long-term memories as one system
// message. A "session #N" reference narrows the search to that session.
func (o *Orchestrator) retrieveMemory(ctx context.Context, userInput string) []llm.Message {
	var messages []llm.Message

	for _, item := range o.memory.Short.All(o.sessionID) {
		role := llm.RoleAssistant
		if item.Role == "user" {
			role = llm.RoleUser
		}
		messages = append(messages, llm.Message{Role: role, Content: item.Content})
	}

	sessionRef := extractSessionReference(userInput)
	var filter map[string]any
	if sessionRef != "" {
		filter = map[string]any{"session_id": sessionRef}
	}

	memories := o.memory.RecallFiltered(ctx, userInput, 5, filter)
	if len(memories) == 0 {
		return messages
	}

	header := "Relevant memories"
	if sessionRef != "" {
		header = "Relevant memories from " + sessionRef
	}
	lines := []string{header + ":"}
	for i, m := range memories {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, m.Content))
	}
	messages = append(messages, llm.SystemMessage(strings.Join(lines, "\n")))
	return messages
}

func extractSessionReference(userInput string) string {
	m := sessionRefRe.FindStringSubmatch(strings.ToLower(userInput))
	if m == nil {
		return ""
	}
	return "session-" + m[1]
}

// runExtensions executes the intent's required extensions and appends the
// successful outputs as one system message.
func (o *Orchestrator) runExtensions(ctx context.Context, pc *ProcessingContext) {
	var lines []string

	for _, name := range pc.Intent.RequiredExtensions {
		if !o.extensions.Enabled(name) {
			o.log.Debug("extension unavailable", zap.String("extension", name))
			pc.ExtensionResults[name] = ExtensionResult{
				Error:  fmt.Sprintf("extension %q not available", name),
				Status: "error",
			}
			continue
		}

		output, err := o.extensions.Execute(ctx, name, map[string]any{
			"query":      pc.UserInput,
			"session_id": o.sessionID,
		})
		if err != nil {
			o.log.Warn("extension execution failed", zap.String("extension", name), zap.Error(err))
			pc.ExtensionResults[name] = ExtensionResult{Error: err.Error(), Status: "error"}
			continue
		}

		pc.ExtensionResults[name] = ExtensionResult{Output: output, Status: "success"}
		rendered, _ := json.Marshal(output)
		lines = append(lines, fmt.Sprintf("- %s: %s", name, rendered))
	}

	if len(lines) > 0 {
		body := "Extension results:\n" + strings.Join(lines, "\n")
		pc.MemoryContext = append(pc.MemoryContext, llm.SystemMessage(body))
	}
}

// buildSystemPrompt combines the capabilities block with the personality
// block.
func (o *Orchestrator) buildSystemPrompt(ctx context.Context) string {
	base := prompt.BuildSystem("default", o.extensions.List())
	block := o.memory.Personality.Block(ctx)
	if block == "" {
		return base
	}
	return base + "\n" + block
}

// postProcess persists the turn and periodically extracts learnings. Every
// failure is logged and swallowed.
func (o *Orchestrator) postProcess(ctx context.Context, pc *ProcessingContext) {
	extensionsUsed := make([]string, 0, len(pc.ExtensionResults))
	for name := range pc.ExtensionResults {
		extensionsUsed = append(extensionsUsed, name)
	}
	meta, _ := json.Marshal(map[string]any{
		"request_id":      pc.RequestID,
		"stage_times":     pc.StageTimes,
		"extensions_used": extensionsUsed,
	})

	if _, err := o.store.Insert(ctx, "conversations", map[string]any{
		"session_id":         o.sessionID,
		"user_input":         pc.UserInput,
		"assistant_response": pc.Response.Content,
		"model_used":         pc.Response.Model,
		"processing_time_ms": pc.ElapsedMS(),
		"intent_type":        string(pc.Intent.Intent),
		"metadata":           string(meta),
	}); err != nil {
		o.log.Warn("failed to store conversation", zap.Error(err))
	}

	o.memory.AddToContext(ctx, o.sessionID, "user", pc.UserInput, nil)
	o.memory.AddToContext(ctx, o.sessionID, "assistant", pc.Response.Content, nil)

	o.mu.Lock()
	o.messageCount++
	count := o.messageCount
	o.mu.Unlock()

	interval := o.memCfg.LongTerm.ExtractInterval
	if interval > 0 && count%interval == 0 {
		conversation := o.memory.ConversationContext(o.sessionID, 0)
		if conversation != "" {
			o.memory.ExtractAndStoreLearnings(ctx, conversation, map[string]any{
				"session_id": o.sessionID,
				"context":    "Periodic extraction from conversation",
				"origin":     "auto_extraction",
			})
			o.memory.Personality.InferFromConversation(ctx, conversation, "session_"+o.sessionID)
		}
	}
}

func (o *Orchestrator) recordMetrics(pc *ProcessingContext) {
	if o.telemetry == nil {
		return
	}
	o.telemetry.RecordHistogram("request.duration_ms", pc.ElapsedMS(),
		map[string]string{"intent": string(pc.Intent.Intent)})
	if pc.Intent.RecommendedModel != "" {
		o.telemetry.IncrementCounter("model."+pc.Intent.RecommendedModel+".requests", 1, nil)
	}
	o.telemetry.IncrementCounter("requests.total", 1, nil)
}

func (o *Orchestrator) trackPipeline(pc *ProcessingContext) {
	o.mu.Lock()
	o.pipelines = append(o.pipelines, pc)
	if len(o.pipelines) > pipelineHistoryLimit {
		o.pipelines = o.pipelines[len(o.pipelines)-pipelineHistoryLimit:]
	}
	o.mu.Unlock()
}

// History returns recent conversation rows for this session, newest first.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := o.store.FetchAll(ctx, `
		SELECT session_id, user_input, assistant_response, model_used, processing_time_ms, intent_type, timestamp
		FROM conversations WHERE session_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		o.sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []map[string]any
	for rows.Next() {
		var sessionID, userInput, response, model, intent, timestamp string
		var duration float64
		if err := rows.Scan(&sessionID, &userInput, &response, &model, &duration, &intent, &timestamp); err != nil {
			continue
		}
		history = append(history, map[string]any{
			"session_id":         sessionID,
			"user_input":         userInput,
			"assistant_response": response,
			"model_used":         model,
			"processing_time_ms": duration,
			"intent_type":        intent,
			"timestamp":          timestamp,
		})
	}
	return history, nil
}

// ClearShortTermMemory drops this session's conversation buffer.
func (o *Orchestrator) ClearShortTermMemory() int {
	return o.memory.ClearContext(o.sessionID)
}

// Stats summarizes the session.
func (o *Orchestrator) Stats() map[string]any {
	o.mu.Lock()
	count := o.messageCount
	tracked := len(o.pipelines)
	o.mu.Unlock()

	return map[string]any{
		"session_id":        o.sessionID,
		"message_count":     count,
		"tracked_pipelines": tracked,
		"llm":               o.llm.Registry().Stats(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
