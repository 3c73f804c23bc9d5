// Package core hosts the orchestrator, the runtime wiring and the error
// taxonomy shared across components.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"aide/internal/events"
	"aide/internal/llm"
	"aide/internal/store"
	"aide/internal/telemetry"
)

// Error codes. Stable identifiers for programmatic handling; the envelope
// carries them to API clients.
const (
	CodeUnknown = "AIDE_ERROR"

	CodeLLMConnection    = "LLM_CONNECTION_ERROR"
	CodeLLMTimeout       = "LLM_TIMEOUT"
	CodeLLMModelNotFound = "LLM_MODEL_NOT_FOUND"
	CodeLLMGeneration    = "LLM_GENERATION_ERROR"
	CodeLLMContextLength = "LLM_CONTEXT_LENGTH_ERROR"
	CodeLLMSwitchDenied  = "LLM_SWITCH_DENIED"

	CodeMemoryStorage   = "MEMORY_STORAGE_ERROR"
	CodeMemoryRetrieval = "MEMORY_RETRIEVAL_ERROR"
	CodeMemoryEmbedding = "MEMORY_EMBEDDING_ERROR"

	CodeExtensionNotFound  = "EXTENSION_NOT_FOUND"
	CodeExtensionExecution = "EXTENSION_EXECUTION_ERROR"

	CodeDatabaseConnection = "DATABASE_CONNECTION_ERROR"
	CodeDatabaseQuery      = "DATABASE_QUERY_ERROR"
	CodeDatabaseIntegrity  = "DATABASE_INTEGRITY_ERROR"
	CodeDatabaseMigration  = "DATABASE_MIGRATION_ERROR"

	CodeBackendNotRunning = "OLLAMA_NOT_RUNNING"
	CodeModelNotAvailable = "MODEL_NOT_AVAILABLE"

	CodeValidation = "API_VALIDATION_ERROR"
	CodeCancelled  = "REQUEST_CANCELLED"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Code        string
	Message     string
	Context     map[string]any
	Recoverable bool

	cause error
}

// NewError creates a typed error.
func NewError(code, message string, recoverable bool) *Error {
	return &Error{Code: code, Message: message, Recoverable: recoverable}
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithContext attaches a context key to the error and returns it.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// Envelope is the structured failure payload handed to API clients.
type Envelope struct {
	Error       string         `json:"error"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context"`
	Recoverable bool           `json:"recoverable"`
}

// Envelope serializes the error.
func (e *Error) Envelope() Envelope {
	ctx := e.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return Envelope{
		Error:       e.Code,
		Message:     e.Message,
		Context:     ctx,
		Recoverable: e.Recoverable,
	}
}

// HTTPStatus maps an error to a response status: validation errors are the
// caller's fault, recoverable errors are transient, the rest are internal.
func (e *Error) HTTPStatus() int {
	switch {
	case e.Code == CodeValidation:
		return http.StatusBadRequest
	case e.Code == CodeCancelled:
		return 499
	case e.Recoverable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Classify maps any error to the taxonomy. Typed errors pass through.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	wrap := func(code string, recoverable bool) *Error {
		return &Error{Code: code, Message: err.Error(), Recoverable: recoverable, cause: err}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return wrap(CodeCancelled, false)
	case errors.Is(err, llm.ErrTimeout):
		return wrap(CodeLLMTimeout, true)
	case errors.Is(err, llm.ErrConnection):
		return wrap(CodeLLMConnection, true)
	case errors.Is(err, llm.ErrModelNotFound):
		return wrap(CodeLLMModelNotFound, false)
	case errors.Is(err, llm.ErrNotLoaded):
		return wrap(CodeLLMGeneration, true)
	case errors.Is(err, llm.ErrSwitchDenied):
		return wrap(CodeLLMSwitchDenied, true)
	case errors.Is(err, llm.ErrGeneration):
		return wrap(CodeLLMGeneration, true)
	case errors.Is(err, store.ErrIntegrity):
		return wrap(CodeDatabaseIntegrity, false)
	default:
		return wrap(CodeUnknown, false)
	}
}

// Classifier turns failures into envelopes and records them: an error
// counter and a telemetry_errors row, plus an error event on the bus.
type Classifier struct {
	telemetry *telemetry.Collector
	bus       *events.Bus
	log       *zap.Logger
}

// NewClassifier creates an error classifier. telemetry and bus may be nil.
func NewClassifier(tc *telemetry.Collector, bus *events.Bus, log *zap.Logger) *Classifier {
	return &Classifier{telemetry: tc, bus: bus, log: log.Named("errors")}
}

// Handle classifies, logs and records an error, returning the typed form.
func (c *Classifier) Handle(ctx context.Context, err error, errCtx map[string]any) *Error {
	typed := Classify(err)
	if typed == nil {
		return nil
	}

	for k, v := range errCtx {
		typed.WithContext(k, v)
	}

	if typed.Recoverable {
		c.log.Warn("recoverable error",
			zap.String("code", typed.Code), zap.String("message", typed.Message))
	} else {
		c.log.Error("error",
			zap.String("code", typed.Code), zap.String("message", typed.Message))
	}

	if c.telemetry != nil {
		c.telemetry.IncrementCounter("errors."+typed.Code, 1, nil)
		c.telemetry.RecordError(ctx, "runtime", typed.Code, typed.Message, typed.Context)
	}
	if c.bus != nil {
		c.bus.Publish(events.TypeError, map[string]any{
			"error_type":  typed.Code,
			"message":     typed.Message,
			"recoverable": typed.Recoverable,
		})
	}
	return typed
}
