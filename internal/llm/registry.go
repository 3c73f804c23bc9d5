package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"aide/internal/config"
)

// ModelInfo is a registered model slot with its usage statistics.
// Interlocked slots (router and fast) share one *ModelInfo, so the
// statistics and client are also shared.
type ModelInfo struct {
	Slot   string
	Config config.ModelConfig
	Client *Client

	mu            sync.Mutex
	lastUsed      time.Time
	useCount      int64
	totalTokens   int64
	totalDuration time.Duration
}

// RecordUsage accumulates usage for one completed request.
func (m *ModelInfo) RecordUsage(tokens int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsed = time.Now()
	m.useCount++
	m.totalTokens += int64(tokens)
	m.totalDuration += d
}

// SlotStats is a snapshot of one slot's state.
type SlotStats struct {
	Slot          string    `json:"slot"`
	ModelName     string    `json:"model_name"`
	Loaded        bool      `json:"is_loaded"`
	LastUsed      time.Time `json:"last_used"`
	UseCount      int64     `json:"use_count"`
	TotalTokens   int64     `json:"total_tokens"`
	AvgDurationMS float64   `json:"avg_duration_ms"`
}

func (m *ModelInfo) stats() SlotStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := SlotStats{
		Slot:        m.Slot,
		ModelName:   m.Config.Name,
		Loaded:      m.Client.IsLoaded(),
		LastUsed:    m.lastUsed,
		UseCount:    m.useCount,
		TotalTokens: m.totalTokens,
	}
	if m.useCount > 0 {
		st.AvgDurationMS = float64(m.totalDuration.Milliseconds()) / float64(m.useCount)
	}
	return st
}

// Registry holds all model slots and mediates loading, switching and
// shutdown. The router slot never gets its own client: it is interlocked to
// the fast slot at construction so classification and generation share one
// loaded model and never trigger a VRAM swap.
type Registry struct {
	cfg config.LLMConfig
	log *zap.Logger

	models    map[string]*ModelInfo
	loadLocks map[string]*sync.Mutex

	switchMu   sync.Mutex
	activeSlot string
	lastSwitch time.Time
}

// NewRegistry registers a slot for every configured model and interlocks the
// router slot to fast.
func NewRegistry(cfg config.LLMConfig, log *zap.Logger) *Registry {
	r := &Registry{
		cfg:       cfg,
		log:       log.Named("registry"),
		models:    make(map[string]*ModelInfo),
		loadLocks: make(map[string]*sync.Mutex),
	}

	for slot, mc := range cfg.Models {
		// The router slot must never be configured with its own client.
		if slot == config.SlotRouter || mc.Name == "" {
			continue
		}
		client := NewClient(ClientParams{
			ModelName:     mc.Name,
			BaseURL:       cfg.BaseURL,
			MaxTokens:     mc.MaxTokens,
			Temperature:   mc.Temperature,
			ContextWindow: mc.ContextWindow,
			Timeout:       time.Duration(cfg.Timeout) * time.Second,
			KeepAlive:     cfg.KeepAlive,
		}, log)
		r.models[slot] = &ModelInfo{Slot: slot, Config: mc, Client: client}
		r.loadLocks[slot] = &sync.Mutex{}
		r.log.Debug("registered model", zap.String("slot", slot), zap.String("name", mc.Name))
	}

	// Interlock: router shares the fast slot's ModelInfo and load lock, so
	// concurrent callers deduplicate loads regardless of which slot they
	// ask for.
	if fast, ok := r.models[config.SlotFast]; ok {
		r.models[config.SlotRouter] = fast
		r.loadLocks[config.SlotRouter] = r.loadLocks[config.SlotFast]
		r.log.Info("router interlocked to fast model", zap.String("model", fast.Config.Name))
	} else {
		r.log.Warn("fast model not configured, router interlock skipped")
	}

	return r
}

// Info returns the slot's ModelInfo without loading it.
func (r *Registry) Info(slot string) (*ModelInfo, bool) {
	info, ok := r.models[slot]
	return info, ok
}

// Slots lists all registered slot names, interlocked aliases included.
func (r *Registry) Slots() []string {
	slots := make([]string, 0, len(r.models))
	for slot := range r.models {
		slots = append(slots, slot)
	}
	return slots
}

// GetClient returns the slot's client, loading the model on first use.
// Per-slot locks mean concurrent callers for the same model deduplicate the
// load while different models never block each other.
func (r *Registry) GetClient(ctx context.Context, slot string) (*Client, error) {
	info, ok := r.models[slot]
	if !ok {
		return nil, fmt.Errorf("%w: slot %q not registered", ErrModelNotFound, slot)
	}

	lock := r.loadLocks[slot]
	lock.Lock()
	defer lock.Unlock()

	if !info.Client.IsLoaded() {
		r.log.Info("loading model", zap.String("slot", slot), zap.String("name", info.Config.Name))
		if err := info.Client.Load(ctx); err != nil {
			return nil, err
		}
	}
	return info.Client, nil
}

// SwitchTo makes slot the active model, loading it if needed. Runtime
// switches respect the configured cooldown unless force is set; the initial
// activation is always allowed.
func (r *Registry) SwitchTo(ctx context.Context, slot string, force bool) (*Client, error) {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	info, ok := r.models[slot]
	if !ok {
		return nil, fmt.Errorf("%w: slot %q not registered", ErrModelNotFound, slot)
	}

	if r.activeSlot != "" && r.activeSlot != slot && !force {
		if !r.cfg.AllowRuntimeSwitch {
			return nil, fmt.Errorf("%w: runtime switching disabled", ErrSwitchDenied)
		}
		cooldown := time.Duration(r.cfg.SwitchCooldown) * time.Second
		if elapsed := time.Since(r.lastSwitch); elapsed < cooldown {
			return nil, fmt.Errorf("%w: cooldown %s remaining", ErrSwitchDenied, cooldown-elapsed)
		}
	}

	if !info.Client.IsLoaded() {
		r.log.Info("loading model", zap.String("slot", slot), zap.String("name", info.Config.Name))
		if err := info.Client.Load(ctx); err != nil {
			return nil, err
		}
	}

	r.activeSlot = slot
	r.lastSwitch = time.Now()
	r.log.Debug("switched active model", zap.String("slot", slot))
	return info.Client, nil
}

// ActiveSlot returns the currently active slot name, empty if none.
func (r *Registry) ActiveSlot() string {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()
	return r.activeSlot
}

// RecordUsage records usage against a slot, shared slots included.
func (r *Registry) RecordUsage(slot string, tokens int, d time.Duration) {
	if info, ok := r.models[slot]; ok {
		info.RecordUsage(tokens, d)
	}
}

// Stats snapshots every slot. Interlocked slots report the shared numbers.
func (r *Registry) Stats() map[string]SlotStats {
	out := make(map[string]SlotStats, len(r.models))
	for slot, info := range r.models {
		st := info.stats()
		st.Slot = slot
		out[slot] = st
	}
	return out
}

// Preload warms every unique model concurrently so the first request of each
// slot does not pay the load cost.
func (r *Registry) Preload(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	seen := make(map[*ModelInfo]bool)
	for slot, info := range r.models {
		if seen[info] {
			continue
		}
		seen[info] = true
		slot := slot
		g.Go(func() error {
			_, err := r.GetClient(ctx, slot)
			return err
		})
	}
	return g.Wait()
}

// HealthCheck probes every unique client once; interlocked slots reuse the
// shared client's result.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	shared := make(map[*ModelInfo]bool)
	for _, info := range r.models {
		if _, done := shared[info]; !done {
			shared[info] = info.Client.HealthCheck(ctx)
		}
	}

	out := make(map[string]bool, len(r.models))
	for slot, info := range r.models {
		out[slot] = shared[info]
	}
	return out
}

// Shutdown unloads every unique client exactly once.
func (r *Registry) Shutdown() {
	r.log.Info("shutting down model registry")

	seen := make(map[*ModelInfo]bool)
	for _, info := range r.models {
		if seen[info] {
			continue
		}
		seen[info] = true
		if info.Client.IsLoaded() {
			info.Client.Unload()
		}
	}

	r.switchMu.Lock()
	r.activeSlot = ""
	r.switchMu.Unlock()
}
