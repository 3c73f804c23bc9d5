// Package events is the typed in-process event bus. Pipeline stages, stream
// tokens, memory changes and log records are published here and fanned out
// to subscribers such as the websocket hub.
package events

import (
	"sync"
	"time"
)

// Event types published on the bus.
const (
	TypeProcessingUpdate  = "processing_update"
	TypeStreamToken       = "stream_token"
	TypeStreamEnd         = "stream_end"
	TypeMemoryUpdate      = "memory_update"
	TypeExtensionUpdate   = "extension_update"
	TypePersonalityUpdate = "personality_update"
	TypeLog               = "log"
	TypeError             = "error"
)

// Processing stages, in pipeline order.
const (
	StageIdle                 = "idle"
	StageReceiving            = "receiving"
	StageIntentClassification = "intent_classification"
	StageMemoryRetrieval      = "memory_retrieval"
	StageExtensionCheck       = "extension_check"
	StageExtensionExecution   = "extension_execution"
	StageReasoning            = "reasoning"
	StageLLMProcessing        = "llm_processing"
	StageLLMStreaming         = "llm_streaming"
	StagePostProcessing       = "post_processing"
	StageMemoryStorage        = "memory_storage"
	StageComplete             = "complete"
	StageError                = "error"
)

// Event is one bus message. Data is type-specific and must be JSON
// serializable.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives published events. Handlers must not block; slow
// consumers should buffer internally.
type Handler func(Event)

// Bus fans events out to subscribers. Publish never blocks on a subscriber
// and never fails.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to all current subscribers.
func (b *Bus) Publish(eventType string, data map[string]any) {
	ev := Event{Type: eventType, Data: data, Timestamp: time.Now()}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// PublishStage publishes a pipeline stage transition.
func (b *Bus) PublishStage(sessionID, stage string, detail map[string]any) {
	data := map[string]any{"session_id": sessionID, "stage": stage}
	for k, v := range detail {
		data[k] = v
	}
	b.Publish(TypeProcessingUpdate, data)
}

// PublishToken publishes one streamed token.
func (b *Bus) PublishToken(sessionID, token string) {
	b.Publish(TypeStreamToken, map[string]any{"session_id": sessionID, "token": token})
}

// PublishStreamEnd marks the end of a streamed response.
func (b *Bus) PublishStreamEnd(sessionID string, tokens int) {
	b.Publish(TypeStreamEnd, map[string]any{"session_id": sessionID, "tokens": tokens})
}
