// Package extension manages opaque capability providers that the
// orchestrator can invoke on behalf of an intent: launching applications,
// searching files, querying the web. Extensions execute outside the model;
// their results are injected back into the prompt.
package extension

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"aide/internal/events"
	"aide/internal/prompt"
	"aide/internal/store"
)

// Extension is a single capability provider.
type Extension interface {
	Name() string
	Description() string
	// Parameters maps parameter names to short descriptions.
	Parameters() map[string]string
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

type entry struct {
	ext     Extension
	enabled bool
}

// Registry tracks registered extensions and their enabled state.
type Registry struct {
	log *zap.Logger
	bus *events.Bus

	mu      sync.RWMutex
	entries map[string]*entry
	store   *store.Store
}

// NewRegistry creates an empty registry.
func NewRegistry(bus *events.Bus, log *zap.Logger) *Registry {
	return &Registry{
		log:     log.Named("extension"),
		bus:     bus,
		entries: make(map[string]*entry),
	}
}

// AttachStore binds the registry to the extensions table: persisted
// disabled state is applied to already-registered extensions, and every
// registration, state change and execution is recorded from here on.
func (r *Registry) AttachStore(ctx context.Context, st *store.Store) error {
	rows, err := st.FetchAll(ctx, "SELECT name, status FROM extensions")
	if err != nil {
		return fmt.Errorf("failed to load extension state: %w", err)
	}
	defer rows.Close()

	persisted := map[string]string{}
	for rows.Next() {
		var name, status string
		if err := rows.Scan(&name, &status); err != nil {
			continue
		}
		persisted[name] = status
	}

	r.mu.Lock()
	r.store = st
	for name, e := range r.entries {
		if status, ok := persisted[name]; ok {
			e.enabled = status != "disabled"
		}
	}
	entries := make(map[string]*entry, len(r.entries))
	for name, e := range r.entries {
		entries[name] = e
	}
	r.mu.Unlock()

	for name, e := range entries {
		r.upsertRow(ctx, name, e)
	}
	return nil
}

// Register adds an extension, enabled by default. Re-registering a name
// replaces the previous provider.
func (r *Registry) Register(ext Extension) {
	e := &entry{ext: ext, enabled: true}
	r.mu.Lock()
	r.entries[ext.Name()] = e
	st := r.store
	r.mu.Unlock()
	r.log.Info("registered extension", zap.String("name", ext.Name()))
	if st != nil {
		r.upsertRow(context.Background(), ext.Name(), e)
	}
}

func (r *Registry) upsertRow(ctx context.Context, name string, e *entry) {
	status := "active"
	if !e.enabled {
		status = "disabled"
	}
	_, err := r.store.Execute(ctx, `
		INSERT INTO extensions (name, version, file_path, extension_type, status, description, last_loaded)
		VALUES (?, 'builtin', '', 'builtin', ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status = excluded.status,
			description = excluded.description,
			last_loaded = excluded.last_loaded`,
		name, status, e.ext.Description(), time.Now().Format(time.RFC3339))
	if err != nil {
		r.log.Warn("failed to persist extension", zap.String("name", name), zap.Error(err))
	}
}

// Remove deletes an extension from the registry.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	return ok
}

// Get returns a registered extension regardless of enabled state.
func (r *Registry) Get(name string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.ext, true
}

// Enabled reports whether an extension exists and is enabled.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.enabled
}

// Enable turns an extension on.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable turns an extension off. Disabled extensions stay registered and
// listed but are never executed.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		e.enabled = enabled
	}
	st := r.store
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("extension not registered: %s", name)
	}
	if st != nil {
		status := "active"
		if !enabled {
			status = "disabled"
		}
		if _, err := st.Execute(context.Background(),
			"UPDATE extensions SET status = ? WHERE name = ?", status, name); err != nil {
			r.log.Warn("failed to persist extension state", zap.String("name", name), zap.Error(err))
		}
	}
	r.log.Info("extension state changed", zap.String("name", name), zap.Bool("enabled", enabled))
	r.publish("state_changed", name, map[string]any{"enabled": enabled})
	return nil
}

// Execute runs an enabled extension and publishes the outcome.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("extension not registered: %s", name)
	}
	if !e.enabled {
		return nil, fmt.Errorf("extension disabled: %s", name)
	}

	start := time.Now()
	result, err := e.ext.Execute(ctx, params)
	r.recordExecution(name, time.Since(start), err != nil)
	if err != nil {
		r.log.Warn("extension execution failed", zap.String("name", name), zap.Error(err))
		r.publish("failed", name, map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("extension %s: %w", name, err)
	}

	r.publish("executed", name, nil)
	return result, nil
}

// recordExecution folds one run into the persisted usage counters.
func (r *Registry) recordExecution(name string, took time.Duration, failed bool) {
	r.mu.RLock()
	st := r.store
	r.mu.RUnlock()
	if st == nil {
		return
	}

	errDelta := 0
	if failed {
		errDelta = 1
	}
	_, err := st.Execute(context.Background(), `
		UPDATE extensions SET
			execution_count = execution_count + 1,
			error_count = error_count + ?,
			avg_execution_ms = (avg_execution_ms * execution_count + ?) / (execution_count + 1)
		WHERE name = ?`,
		errDelta, float64(took.Milliseconds()), name)
	if err != nil {
		r.log.Warn("failed to record extension execution", zap.String("name", name), zap.Error(err))
	}
}

// List describes every registered extension, sorted by name.
func (r *Registry) List() []prompt.ExtensionInfo {
	r.mu.RLock()
	infos := make([]prompt.ExtensionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, prompt.ExtensionInfo{
			Name:        e.ext.Name(),
			Description: e.ext.Description(),
			Parameters:  e.ext.Parameters(),
			Enabled:     e.enabled,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ListEnabled describes only the enabled extensions.
func (r *Registry) ListEnabled() []prompt.ExtensionInfo {
	var enabled []prompt.ExtensionInfo
	for _, info := range r.List() {
		if info.Enabled {
			enabled = append(enabled, info)
		}
	}
	return enabled
}

func (r *Registry) publish(action, name string, detail map[string]any) {
	if r.bus == nil {
		return
	}
	data := map[string]any{"action": action, "extension": name}
	for k, v := range detail {
		data[k] = v
	}
	r.bus.Publish(events.TypeExtensionUpdate, data)
}
