package core

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"aide/internal/config"
	"aide/internal/events"
	"aide/internal/llm"
	"aide/internal/store"
	"aide/internal/telemetry"
)

func TestClassifyMapsSentinels(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		code        string
		recoverable bool
	}{
		{"cancelled", context.Canceled, CodeCancelled, false},
		{"timeout", llm.ErrTimeout, CodeLLMTimeout, true},
		{"connection", llm.ErrConnection, CodeLLMConnection, true},
		{"model missing", llm.ErrModelNotFound, CodeLLMModelNotFound, false},
		{"not loaded", llm.ErrNotLoaded, CodeLLMGeneration, true},
		{"switch denied", llm.ErrSwitchDenied, CodeLLMSwitchDenied, true},
		{"generation", llm.ErrGeneration, CodeLLMGeneration, true},
		{"integrity", store.ErrIntegrity, CodeDatabaseIntegrity, false},
		{"unknown", errors.New("boom"), CodeUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			require.NotNil(t, got)
			assert.Equal(t, tc.code, got.Code)
			assert.Equal(t, tc.recoverable, got.Recoverable)
		})
	}
}

func TestClassifyWrappedSentinel(t *testing.T) {
	err := Classify(errors.Join(errors.New("request failed"), llm.ErrConnection))
	assert.Equal(t, CodeLLMConnection, err.Code)
}

func TestClassifyTypedErrorPassesThrough(t *testing.T) {
	typed := NewError(CodeValidation, "bad input", false)
	assert.Same(t, typed, Classify(typed))
	assert.Nil(t, Classify(nil))
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, NewError(CodeValidation, "", false).HTTPStatus())
	assert.Equal(t, 499, NewError(CodeCancelled, "", false).HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, NewError(CodeLLMTimeout, "", true).HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, NewError(CodeUnknown, "", false).HTTPStatus())
}

func TestEnvelope(t *testing.T) {
	env := NewError(CodeLLMTimeout, "model took too long", true).
		WithContext("slot", "fast").Envelope()

	want := Envelope{
		Error:       CodeLLMTimeout,
		Message:     "model took too long",
		Context:     map[string]any{"slot": "fast"},
		Recoverable: true,
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}

	empty := NewError(CodeUnknown, "x", false).Envelope()
	assert.NotNil(t, empty.Context)
}

func TestClassifierHandleRecordsAndPublishes(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "aide.db"), 2, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tc := telemetry.NewCollector(config.TelemetryConfig{Enabled: true, CollectInterval: 3600}, st, zaptest.NewLogger(t))
	t.Cleanup(func() { tc.Close() })

	bus := events.NewBus()
	var published []events.Event
	bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeError {
			published = append(published, ev)
		}
	})

	c := NewClassifier(tc, bus, zaptest.NewLogger(t))
	typed := c.Handle(context.Background(), llm.ErrTimeout, map[string]any{"session_id": "s1"})

	require.NotNil(t, typed)
	assert.Equal(t, CodeLLMTimeout, typed.Code)
	assert.Equal(t, "s1", typed.Context["session_id"])
	assert.Equal(t, float64(1), tc.Counter("errors."+CodeLLMTimeout))

	require.Len(t, published, 1)
	assert.Equal(t, CodeLLMTimeout, published[0].Data["error_type"])
	assert.Equal(t, true, published[0].Data["recoverable"])

	assert.Nil(t, c.Handle(context.Background(), nil, nil))
}
