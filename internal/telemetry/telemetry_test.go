package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"aide/internal/config"
	"aide/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newCollector(t *testing.T, enabled bool) (*Collector, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "aide.db"), 2, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c := NewCollector(config.TelemetryConfig{Enabled: enabled, CollectInterval: 3600}, st, zaptest.NewLogger(t))
	t.Cleanup(func() { c.Close() })
	return c, st
}

func TestCountersAndGauges(t *testing.T) {
	c, _ := newCollector(t, true)

	c.IncrementCounter("requests.total", 1, nil)
	c.IncrementCounter("requests.total", 2, nil)
	c.RecordGauge("queue.depth", 7, nil)
	c.RecordGauge("queue.depth", 3, nil)

	assert.Equal(t, 3.0, c.Counter("requests.total"))
	assert.Equal(t, 3.0, c.Gauge("queue.depth"))
	assert.Equal(t, 0.0, c.Counter("unknown"))
}

func TestHistogramPercentileDegradation(t *testing.T) {
	c, _ := newCollector(t, true)

	// Below 20 samples, p95 and p99 collapse to the max.
	for i := 1; i <= 10; i++ {
		c.RecordHistogram("small", float64(i), nil)
	}
	st := c.Histogram("small")
	assert.Equal(t, 10, st.Count)
	assert.Equal(t, 10.0, st.P95)
	assert.Equal(t, 10.0, st.P99)
	assert.Equal(t, 5.5, st.Avg)

	// At 100+ samples all percentiles are real.
	for i := 1; i <= 100; i++ {
		c.RecordHistogram("big", float64(i), nil)
	}
	st = c.Histogram("big")
	assert.Equal(t, 100, st.Count)
	assert.Equal(t, 96.0, st.P95)
	assert.Equal(t, 100.0, st.P99)
}

func TestHistogramCap(t *testing.T) {
	c, _ := newCollector(t, true)

	for i := 0; i < histogramCap+200; i++ {
		c.RecordHistogram("capped", float64(i), nil)
	}
	st := c.Histogram("capped")
	assert.Equal(t, histogramCap, st.Count)
	// Oldest samples were dropped.
	assert.Equal(t, 200.0, st.Min)
}

func TestDisabledCollectorRecordsNothing(t *testing.T) {
	c, st := newCollector(t, false)

	c.IncrementCounter("requests.total", 1, nil)
	c.RecordHistogram("x", 1, nil)
	assert.Equal(t, 0.0, c.Counter("requests.total"))

	require.NoError(t, c.Close())
	var count int
	require.NoError(t, st.FetchOne(context.Background(), "SELECT COUNT(*) FROM telemetry_metrics").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestCloseFlushesBuffer(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "aide.db"), 2, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer st.Close()

	c := NewCollector(config.TelemetryConfig{Enabled: true, CollectInterval: 3600}, st, zaptest.NewLogger(t))
	c.RecordTiming("request", 1500*time.Millisecond, map[string]string{"intent": "question"})
	c.IncrementCounter("requests.total", 1, nil)
	require.NoError(t, c.Close())

	var count int
	require.NoError(t, st.FetchOne(context.Background(), "SELECT COUNT(*) FROM telemetry_metrics").Scan(&count))
	assert.Equal(t, 2, count)

	var name string
	require.NoError(t, st.FetchOne(context.Background(),
		"SELECT metric_name FROM telemetry_metrics WHERE metric_type = 'histogram'").Scan(&name))
	assert.Equal(t, "request.duration_ms", name)
}

func TestRecordError(t *testing.T) {
	c, st := newCollector(t, true)
	ctx := context.Background()

	c.RecordError(ctx, "ModelError", "MODEL_LOAD_FAILED", "model not found", map[string]any{"model": "llama3:8b"})

	var errType, errCtx string
	require.NoError(t, st.FetchOne(ctx,
		"SELECT error_type, context FROM telemetry_errors").Scan(&errType, &errCtx))
	assert.Equal(t, "ModelError", errType)
	assert.Contains(t, errCtx, "llama3:8b")
	assert.Equal(t, 1.0, c.Counter("errors.total"))
}
