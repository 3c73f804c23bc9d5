package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"aide/internal/events"
	"aide/internal/prompt"
)

// GenerateRequest is one generation job for the Manager. Slot forces a
// model; when empty the router picks one from the classified intent.
type GenerateRequest struct {
	SessionID    string
	UserInput    string
	SystemPrompt string
	Context      []Message
	Slot         string
	Options      GenerateOptions
}

// Manager is the high-level generation pipeline: classify, pick a model,
// assemble messages, generate. Stage transitions and stream tokens are
// published on the event bus.
type Manager struct {
	registry *Registry
	router   *Router
	bus      *events.Bus
	log      *zap.Logger
}

// NewManager wires the pipeline together.
func NewManager(registry *Registry, router *Router, bus *events.Bus, log *zap.Logger) *Manager {
	return &Manager{
		registry: registry,
		router:   router,
		bus:      bus,
		log:      log.Named("llm"),
	}
}

// Registry exposes the underlying registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Router exposes the underlying router.
func (m *Manager) Router() *Router { return m.router }

// Classify determines intent for a user message and publishes the
// classification stage.
func (m *Manager) Classify(ctx context.Context, sessionID, userInput string) IntentResult {
	m.bus.PublishStage(sessionID, events.StageIntentClassification, nil)

	result := m.router.Classify(ctx, userInput)

	m.bus.PublishStage(sessionID, events.StageIntentClassification, map[string]any{
		"intent":     string(result.Intent),
		"confidence": result.Confidence,
	})
	return result
}

// Generate produces a complete response for the request.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest) (*Response, error) {
	slot := req.Slot
	if slot == "" {
		slot = m.Classify(ctx, req.SessionID, req.UserInput).RecommendedModel
	}

	m.bus.PublishStage(req.SessionID, events.StageLLMProcessing, map[string]any{"model": slot})

	// Routing between slots is internal, not a user-initiated runtime
	// switch, so the cooldown does not apply here.
	client, err := m.registry.SwitchTo(ctx, slot, true)
	if err != nil {
		return nil, err
	}

	resp, err := client.Generate(ctx, m.buildMessages(req), req.Options)
	if err != nil {
		return nil, err
	}

	m.registry.RecordUsage(slot, resp.TotalTokens, resp.Duration)
	m.bus.PublishStage(req.SessionID, events.StageComplete, nil)
	return resp, nil
}

// Stream produces a streamed response, invoking fn per chunk and publishing
// each token on the bus. Usage is recorded from the backend's eval_count on
// the final chunk; if the stream ends without one, zero tokens are recorded.
func (m *Manager) Stream(ctx context.Context, req GenerateRequest, fn func(Chunk) error) error {
	slot := req.Slot
	if slot == "" {
		slot = m.Classify(ctx, req.SessionID, req.UserInput).RecommendedModel
	}

	m.bus.PublishStage(req.SessionID, events.StageLLMStreaming, map[string]any{"model": slot})

	client, err := m.registry.SwitchTo(ctx, slot, true)
	if err != nil {
		return err
	}

	start := time.Now()
	finalTokens := 0

	err = client.Stream(ctx, m.buildMessages(req), req.Options, func(chunk Chunk) error {
		if chunk.Content != "" {
			m.bus.PublishToken(req.SessionID, chunk.Content)
		}
		if chunk.Final {
			finalTokens = chunk.EvalCount
		}
		if fn != nil {
			return fn(chunk)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.registry.RecordUsage(slot, finalTokens, time.Since(start))
	m.bus.PublishStreamEnd(req.SessionID, finalTokens)
	m.bus.PublishStage(req.SessionID, events.StageComplete, nil)
	return nil
}

// GenerateSimple runs a single-prompt generation on a slot without touching
// the active model or publishing events. Used for internal work such as
// memory extraction and personality inference.
func (m *Manager) GenerateSimple(ctx context.Context, slot, userPrompt string, opts GenerateOptions) (*Response, error) {
	client, err := m.registry.GetClient(ctx, slot)
	if err != nil {
		return nil, err
	}

	resp, err := client.Generate(ctx, []Message{UserMessage(userPrompt)}, opts)
	if err != nil {
		return nil, fmt.Errorf("simple generation on %s: %w", slot, err)
	}
	m.registry.RecordUsage(slot, resp.TotalTokens, resp.Duration)
	return resp, nil
}

func (m *Manager) buildMessages(req GenerateRequest) []Message {
	messages := make([]Message, 0, len(req.Context)+2)

	system := req.SystemPrompt
	if system == "" {
		system = prompt.System("default")
	}
	messages = append(messages, SystemMessage(system))
	messages = append(messages, req.Context...)
	messages = append(messages, UserMessage(req.UserInput))
	return messages
}
