package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"aide/internal/backend"
	"aide/internal/config"
	"aide/internal/embedding"
	"aide/internal/events"
	"aide/internal/extension"
	"aide/internal/llm"
	"aide/internal/memory"
	"aide/internal/store"
	"aide/internal/telemetry"
	"aide/internal/ws"
)

// Runtime owns every long-lived component and their shutdown order.
type Runtime struct {
	Config     *config.Config
	Store      *store.Store
	Telemetry  *telemetry.Collector
	Backend    *backend.Manager
	LLM        *llm.Manager
	Memory     *memory.Manager
	Extensions *extension.Registry
	Bus        *events.Bus
	Hub        *ws.Hub
	Classifier *Classifier

	log        *zap.Logger
	unbindHub  func()
	bootstrapT time.Duration
}

// textGeneratorAdapter exposes the LLM manager as the memory subsystem's
// text generator, pinned to the fast slot.
type textGeneratorAdapter struct {
	llm *llm.Manager
}

func (a *textGeneratorAdapter) GenerateText(ctx context.Context, promptText string, maxTokens int) (string, error) {
	resp, err := a.llm.GenerateSimple(ctx, config.SlotFast, promptText, llm.GenerateOptions{
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// NewRuntime constructs every component in dependency order. It does not
// contact the backend; call Bootstrap for that.
func NewRuntime(cfg *config.Config, log *zap.Logger) (*Runtime, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "aide.db")
	}

	st, err := store.Open(dbPath, cfg.Database.PoolSize, cfg.Database.BusyTimeoutMS, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	bus := events.NewBus()

	var tc *telemetry.Collector
	if cfg.Telemetry.Enabled {
		tc = telemetry.NewCollector(cfg.Telemetry, st, log)
	}

	bk := backend.NewManager(cfg.LLM, log)

	registry := llm.NewRegistry(cfg.LLM, log)
	router := llm.NewRouter(registry, log)
	llmMgr := llm.NewManager(registry, router, bus, log)

	var embedder memory.Embedder
	emb := cfg.Memory.Embeddings
	if emb.Model != "" {
		engine, err := embedding.NewOllamaEngine(cfg.LLM.BaseURL, emb.Model, emb.Dimension)
		if err != nil {
			log.Warn("embedding engine unavailable, semantic search disabled", zap.Error(err))
		} else {
			embedder = engine
			log.Info("embedding engine ready",
				zap.String("engine", engine.Name()),
				zap.Int("dimensions", engine.Dimensions()))
		}
	}

	mem := memory.NewManager(cfg.Memory, st, embedder, &textGeneratorAdapter{llm: llmMgr}, bus, log)

	ext := extension.NewRegistry(bus, log)
	extension.RegisterBuiltins(ext, cfg.DataDir)
	if err := ext.AttachStore(context.Background(), st); err != nil {
		log.Warn("extension state not persisted", zap.Error(err))
	}

	hub := ws.NewHub(cfg.Server.MaxWSConnections, log)
	unbind := hub.BindBus(bus)

	return &Runtime{
		Config:     cfg,
		Store:      st,
		Telemetry:  tc,
		Backend:    bk,
		LLM:        llmMgr,
		Memory:     mem,
		Extensions: ext,
		Bus:        bus,
		Hub:        hub,
		Classifier: NewClassifier(tc, bus, log),
		log:        log.Named("runtime"),
		unbindHub:  unbind,
	}, nil
}

// Bootstrap brings the backend up: ensures the Ollama server is running,
// preloads the configured models and verifies concurrent residency.
func (r *Runtime) Bootstrap(ctx context.Context) error {
	start := time.Now()

	if err := r.Backend.EnsureRunning(ctx); err != nil {
		return r.Classifier.Handle(ctx, err, map[string]any{"phase": "bootstrap"})
	}
	if err := r.LLM.Registry().Preload(ctx); err != nil {
		return r.Classifier.Handle(ctx, err, map[string]any{"phase": "preload"})
	}
	r.Backend.VerifyConcurrency(ctx, r.Config.LLM.UniqueModelNames())

	r.bootstrapT = time.Since(start)
	r.log.Info("bootstrap complete", zap.Duration("took", r.bootstrapT))
	if r.Telemetry != nil {
		r.Telemetry.RecordTiming("bootstrap", r.bootstrapT, nil)
	}
	return nil
}

// NewSession creates an orchestrator bound to this runtime. An empty
// sessionID gets a generated one.
func (r *Runtime) NewSession(sessionID string) *Orchestrator {
	return NewOrchestrator(OrchestratorParams{
		SessionID:  sessionID,
		MemoryCfg:  r.Config.Memory,
		LLM:        r.LLM,
		Memory:     r.Memory,
		Extensions: r.Extensions,
		Telemetry:  r.Telemetry,
		Store:      r.Store,
		Bus:        r.Bus,
		Classifier: r.Classifier,
		Log:        r.log,
	})
}

// Health reports per-component status.
func (r *Runtime) Health(ctx context.Context) map[string]any {
	health := map[string]any{
		"status":  "ok",
		"version": r.Config.Version,
		"models":  r.LLM.Registry().HealthCheck(ctx),
		"ws":      r.Hub.ConnectionCount(),
	}
	if err := r.Store.FetchOne(ctx, "SELECT 1").Scan(new(int)); err != nil {
		health["status"] = "degraded"
		health["database"] = err.Error()
	}
	return health
}

// Close shuts everything down in reverse dependency order.
func (r *Runtime) Close() error {
	if r.unbindHub != nil {
		r.unbindHub()
	}
	r.Hub.Close()
	r.LLM.Registry().Shutdown()
	r.Backend.Shutdown()
	if r.Telemetry != nil {
		if err := r.Telemetry.Close(); err != nil {
			r.log.Warn("telemetry close failed", zap.Error(err))
		}
	}
	if err := r.Store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	r.log.Info("runtime stopped")
	return nil
}
