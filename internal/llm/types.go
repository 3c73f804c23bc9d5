// Package llm talks to the local model backend: per-slot clients, the
// model registry, intent routing and the request pipeline.
package llm

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Response is a completed generation.
type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Duration         time.Duration
	FinishReason     string
}

// Chunk is one increment of a streamed generation. The final chunk carries
// the backend's token accounting.
type Chunk struct {
	Content    string
	Final      bool
	DoneReason string
	EvalCount  int
}

// GenerateOptions override per-request generation parameters. Zero values
// fall back to the slot's configured defaults.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
	// Temperature 0 is meaningful for classification, so overrides are
	// explicit rather than inferred from the zero value.
	TemperatureSet bool
	Stop           []string
}

// WithTemperature returns options with an explicit temperature.
func (o GenerateOptions) WithTemperature(t float64) GenerateOptions {
	o.Temperature = t
	o.TemperatureSet = true
	return o
}
