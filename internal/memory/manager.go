package memory

import (
	"context"

	"go.uber.org/zap"

	"aide/internal/config"
	"aide/internal/events"
	"aide/internal/store"
)

// Manager is the single entry point for all memory operations. It owns the
// short-term buffers, the long-term store, personality learning and the
// retrieval engine.
type Manager struct {
	cfg         config.MemoryConfig
	Short       *ShortTerm
	Long        *LongTerm
	Personality *Personality
	Retrieval   *Retrieval

	embedder Embedder
	bus      *events.Bus
	log      *zap.Logger
}

// NewManager wires up the memory subsystem. embedder and generator may be
// nil; the affected features degrade rather than fail.
func NewManager(cfg config.MemoryConfig, st *store.Store, embedder Embedder, generator TextGenerator, bus *events.Bus, log *zap.Logger) *Manager {
	short := NewShortTerm(cfg.ShortTerm.MaxMessages, cfg.ShortTerm.ExpireAfter, st, log)
	long := NewLongTerm(st, embedder, log)

	m := &Manager{
		cfg:         cfg,
		Short:       short,
		Long:        long,
		Personality: NewPersonality(cfg.Personality, st, generator, bus, log),
		Retrieval:   NewRetrieval(short, long, embedder, log),
		embedder:    embedder,
		bus:         bus,
		log:         log.Named("memory"),
	}
	m.log.Info("memory manager initialized")
	return m
}

// AddToContext appends a message to the session's short-term buffer.
func (m *Manager) AddToContext(ctx context.Context, sessionID, role, content string, metadata map[string]any) Item {
	return m.Short.Add(ctx, sessionID, role, content, metadata)
}

// ConversationContext returns the formatted recent conversation.
func (m *Manager) ConversationContext(sessionID string, limit int) string {
	return m.Short.Context(sessionID, limit)
}

// ClearContext drops the session's short-term buffer.
func (m *Manager) ClearContext(sessionID string) int {
	return m.Short.Clear(sessionID)
}

// Remember stores a memory in long-term storage and broadcasts the update.
func (m *Manager) Remember(ctx context.Context, content string, metadata map[string]any) (string, error) {
	var embedding []float32
	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, content)
		if err != nil {
			m.log.Warn("embedding generation failed, storing without vector", zap.Error(err))
		} else {
			embedding = vec
		}
	}

	memoryID, err := m.Long.Add(ctx, content, metadata, embedding)
	if err != nil {
		return "", err
	}

	if m.bus != nil {
		m.bus.Publish(events.TypeMemoryUpdate, map[string]any{
			"action":    "stored",
			"memory_id": memoryID,
			"details":   map[string]any{"content": content, "metadata": metadata},
		})
	}
	return memoryID, nil
}

// Recall searches long-term memory.
func (m *Manager) Recall(ctx context.Context, query string, k int) []Memory {
	return m.Long.Search(ctx, query, nil, k, nil)
}

// RecallFiltered searches long-term memory constrained by metadata.
func (m *Manager) RecallFiltered(ctx context.Context, query string, k int, metadataFilter map[string]any) []Memory {
	return m.Long.Search(ctx, query, nil, k, metadataFilter)
}

// RecentMemories returns the newest long-term memories.
func (m *Manager) RecentMemories(ctx context.Context, limit int) []Memory {
	return m.Long.Recent(ctx, limit)
}

// ShouldUseMemory reports whether the input warrants retrieval.
func (m *Manager) ShouldUseMemory(userInput, intentType string) bool {
	return m.Retrieval.ShouldRetrieve(userInput, intentType)
}

// RelevantMemories gathers both memory tiers for the input.
func (m *Manager) RelevantMemories(ctx context.Context, sessionID, userInput string, k int) RetrievalResult {
	return m.Retrieval.Relevant(ctx, sessionID, userInput, k, true)
}

// BuildLLMContext assembles the memory context string for a request.
func (m *Manager) BuildLLMContext(ctx context.Context, sessionID, userInput, intentType string) string {
	return m.Retrieval.ContextForLLM(ctx, sessionID, userInput, intentType)
}

// ExtractAndStoreLearnings mines a conversation for facts worth keeping and
// stores them tagged with their origin.
func (m *Manager) ExtractAndStoreLearnings(ctx context.Context, conversation string, metadata map[string]any) []string {
	learnings := m.Retrieval.ExtractLearnings(conversation)
	if len(learnings) == 0 {
		m.log.Debug("no learnings extracted from conversation")
		return nil
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["source"] = "conversation_extraction"
	return m.Retrieval.StoreLearnings(ctx, learnings, metadata)
}

// Forget deletes a specific long-term memory.
func (m *Manager) Forget(ctx context.Context, id int64) bool {
	return m.Long.Delete(ctx, id)
}

// Stats reports statistics for every memory tier.
func (m *Manager) Stats(ctx context.Context, sessionID string) map[string]any {
	longStats, err := m.Long.Stats(ctx)
	if err != nil {
		m.log.Warn("long-term stats failed", zap.Error(err))
	}
	return map[string]any{
		"short_term":  m.Short.Stats(sessionID),
		"long_term":   longStats,
		"personality": m.Personality.Stats(ctx),
	}
}
