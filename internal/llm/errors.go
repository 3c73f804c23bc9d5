package llm

import "errors"

// Sentinel errors for backend failures. Callers classify with errors.Is.
var (
	// ErrConnection means the backend is unreachable. Recoverable once
	// the backend comes back.
	ErrConnection = errors.New("backend connection failed")

	// ErrTimeout means a request exceeded the configured timeout.
	ErrTimeout = errors.New("backend request timed out")

	// ErrModelNotFound means the configured model is not installed in
	// the backend.
	ErrModelNotFound = errors.New("model not found")

	// ErrGeneration covers all other generation failures.
	ErrGeneration = errors.New("generation failed")

	// ErrNotLoaded means an inference was attempted on an unloaded slot.
	ErrNotLoaded = errors.New("model not loaded")

	// ErrSwitchDenied means a runtime model switch was refused, either
	// because switching is disabled or the cooldown has not elapsed.
	ErrSwitchDenied = errors.New("model switch denied")
)
