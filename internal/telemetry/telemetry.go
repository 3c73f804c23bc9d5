// Package telemetry buffers runtime metrics in memory and periodically
// flushes them to the telemetry tables in a single bulk insert.
package telemetry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"aide/internal/config"
	"aide/internal/store"
)

// Metric types.
const (
	TypeGauge     = "gauge"
	TypeCounter   = "counter"
	TypeHistogram = "histogram"
)

// Histograms keep at most this many recent samples per name.
const histogramCap = 1000

// Point is a single recorded metric value.
type Point struct {
	Name      string
	Value     float64
	Type      string
	Tags      map[string]string
	Timestamp time.Time
}

// HistogramStats summarizes one histogram's in-memory samples.
type HistogramStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Summary is a point-in-time view of all in-memory metrics.
type Summary struct {
	Counters   map[string]float64        `json:"counters"`
	Gauges     map[string]float64        `json:"gauges"`
	Histograms map[string]HistogramStats `json:"histograms"`
}

// Collector records metrics and errors. Recording is cheap: points go into a
// buffer under a mutex and a background goroutine handles persistence.
type Collector struct {
	cfg   config.TelemetryConfig
	store *store.Store
	log   *zap.Logger

	mu         sync.Mutex
	buffer     []Point
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64

	stop chan struct{}
	done chan struct{}
}

// NewCollector creates a collector and, when telemetry is enabled, starts
// the background flush loop.
func NewCollector(cfg config.TelemetryConfig, st *store.Store, log *zap.Logger) *Collector {
	c := &Collector{
		cfg:        cfg,
		store:      st,
		log:        log.Named("telemetry"),
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if cfg.Enabled {
		go c.flushLoop()
	} else {
		close(c.done)
	}
	return c
}

// Close stops the flush loop and performs a final flush so no buffered
// points are lost on shutdown.
func (c *Collector) Close() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
	c.flush(context.Background())
	return nil
}

// Record buffers a metric point and updates the in-memory aggregates.
// A no-op when telemetry is disabled.
func (c *Collector) Record(name string, value float64, tags map[string]string, metricType string) {
	if !c.cfg.Enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer = append(c.buffer, Point{
		Name:      name,
		Value:     value,
		Type:      metricType,
		Tags:      tags,
		Timestamp: time.Now(),
	})

	switch metricType {
	case TypeCounter:
		c.counters[name] += value
	case TypeGauge:
		c.gauges[name] = value
	case TypeHistogram:
		samples := append(c.histograms[name], value)
		if len(samples) > histogramCap {
			samples = samples[len(samples)-histogramCap:]
		}
		c.histograms[name] = samples
	}
}

// IncrementCounter adds delta to a counter.
func (c *Collector) IncrementCounter(name string, delta float64, tags map[string]string) {
	c.Record(name, delta, tags, TypeCounter)
}

// RecordGauge sets a gauge to value.
func (c *Collector) RecordGauge(name string, value float64, tags map[string]string) {
	c.Record(name, value, tags, TypeGauge)
}

// RecordHistogram appends a histogram sample.
func (c *Collector) RecordHistogram(name string, value float64, tags map[string]string) {
	c.Record(name, value, tags, TypeHistogram)
}

// RecordTiming records a duration sample under "<name>.duration_ms".
func (c *Collector) RecordTiming(name string, d time.Duration, tags map[string]string) {
	c.RecordHistogram(name+".duration_ms", float64(d.Milliseconds()), tags)
}

// RecordError persists an error row immediately and bumps the errors.total
// counter tagged by type.
func (c *Collector) RecordError(ctx context.Context, errorType, errorCode, message string, errCtx map[string]any) {
	ctxJSON, _ := json.Marshal(errCtx)
	if errCtx == nil {
		ctxJSON = []byte("{}")
	}

	_, err := c.store.Insert(ctx, "telemetry_errors", map[string]any{
		"error_type":    errorType,
		"error_code":    errorCode,
		"error_message": message,
		"context":       string(ctxJSON),
	})
	if err != nil {
		c.log.Warn("failed to record error", zap.Error(err))
	}

	c.IncrementCounter("errors.total", 1, map[string]string{"error_type": errorType})
}

// Counter returns the current counter value, zero if unknown.
func (c *Collector) Counter(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Gauge returns the current gauge value, zero if unknown.
func (c *Collector) Gauge(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gauges[name]
}

// Histogram returns stats for the named histogram. Percentiles degrade to
// the max until enough samples exist (20 for p95, 100 for p99).
func (c *Collector) Histogram(name string) HistogramStats {
	c.mu.Lock()
	samples := append([]float64(nil), c.histograms[name]...)
	c.mu.Unlock()

	if len(samples) == 0 {
		return HistogramStats{}
	}

	sort.Float64s(samples)
	n := len(samples)

	var sum float64
	for _, v := range samples {
		sum += v
	}

	st := HistogramStats{
		Count: n,
		Min:   samples[0],
		Max:   samples[n-1],
		Avg:   sum / float64(n),
		P50:   samples[n/2],
		P95:   samples[n-1],
		P99:   samples[n-1],
	}
	if n >= 20 {
		st.P95 = samples[int(float64(n)*0.95)]
	}
	if n >= 100 {
		st.P99 = samples[int(float64(n)*0.99)]
	}
	return st
}

// MetricsSummary snapshots all in-memory metrics.
func (c *Collector) MetricsSummary() Summary {
	c.mu.Lock()
	counters := make(map[string]float64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(c.gauges))
	for k, v := range c.gauges {
		gauges[k] = v
	}
	names := make([]string, 0, len(c.histograms))
	for k := range c.histograms {
		names = append(names, k)
	}
	c.mu.Unlock()

	hists := make(map[string]HistogramStats, len(names))
	for _, name := range names {
		hists[name] = c.Histogram(name)
	}
	return Summary{Counters: counters, Gauges: gauges, Histograms: hists}
}

func (c *Collector) flushLoop() {
	defer close(c.done)

	interval := time.Duration(c.cfg.CollectInterval) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush(context.Background())
		case <-c.stop:
			return
		}
	}
}

// flush swaps out the buffer and writes all points with one bulk insert so
// the write lock is taken once regardless of buffer size.
func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	buffered := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	rows := make([][]any, 0, len(buffered))
	for _, p := range buffered {
		tags, _ := json.Marshal(p.Tags)
		if p.Tags == nil {
			tags = []byte("{}")
		}
		rows = append(rows, []any{
			p.Name, p.Value, p.Type, string(tags), p.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}

	err := c.store.ExecuteMany(ctx, `
		INSERT INTO telemetry_metrics
			(metric_name, metric_value, metric_type, tags, timestamp)
		VALUES (?, ?, ?, ?, ?)`, rows)
	if err != nil {
		c.log.Warn("failed to flush metrics", zap.Int("count", len(buffered)), zap.Error(err))
	}
}
