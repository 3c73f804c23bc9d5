// Package backend manages the lifecycle of the local Ollama server process.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"aide/internal/config"
)

// Manager starts and stops the model backend process. It never touches a
// server it did not start itself.
type Manager struct {
	cfg    config.LLMConfig
	log    *zap.Logger
	client *http.Client

	cmd       *exec.Cmd
	exited    chan error
	weStarted bool
}

// NewManager creates a process manager for the configured backend.
func NewManager(cfg config.LLMConfig, log *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		log:    log.Named("backend"),
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

// EnsureRunning makes sure the backend answers at the configured base URL.
//
// If it is already reachable this returns immediately. Otherwise, when
// process management is enabled, the binary is located and launched with
// OLLAMA_MAX_LOADED_MODELS and OLLAMA_NUM_PARALLEL set to the number of
// unique configured model names, then polled once per second until it
// becomes ready or the startup timeout expires.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	if m.isRunning(ctx) {
		m.log.Info("backend already running", zap.String("base_url", m.cfg.BaseURL))
		return nil
	}

	if !m.cfg.Process.Manage {
		return fmt.Errorf(
			"backend is not running at %s and process management is disabled; start it manually",
			m.cfg.BaseURL)
	}

	binary, err := findBinary()
	if err != nil {
		return err
	}

	// Size the backend's concurrency so every configured model can stay
	// resident at once.
	slots := len(m.cfg.UniqueModelNames())
	if slots < 1 {
		slots = 1
	}

	cmd := exec.Command(binary, "serve")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("OLLAMA_MAX_LOADED_MODELS=%d", slots),
		fmt.Sprintf("OLLAMA_NUM_PARALLEL=%d", slots),
	)
	cmd.Stdout = nil
	cmd.Stderr = nil

	m.log.Info("starting backend process",
		zap.String("binary", binary),
		zap.Int("model_slots", slots))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start backend process: %w", err)
	}
	m.cmd = cmd
	m.weStarted = true
	m.exited = make(chan error, 1)
	go func() { m.exited <- cmd.Wait() }()

	deadline := time.Now().Add(time.Duration(m.cfg.Process.StartupTimeout) * time.Second)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-m.exited:
			m.cmd = nil
			m.weStarted = false
			if exitErr, ok := err.(*exec.ExitError); ok {
				return fmt.Errorf("backend process exited with code %d before becoming ready", exitErr.ExitCode())
			}
			return fmt.Errorf("backend process exited before becoming ready: %v", err)
		case <-ticker.C:
			if m.isRunning(ctx) {
				m.log.Info("backend is ready", zap.String("base_url", m.cfg.BaseURL))
				return nil
			}
		}
	}

	return fmt.Errorf("backend did not become ready within %ds", m.cfg.Process.StartupTimeout)
}

// VerifyConcurrency checks via /api/ps that all expected models are
// resident. Purely diagnostic; logs a warning and never fails.
func (m *Manager) VerifyConcurrency(ctx context.Context, expected []string) {
	if len(expected) == 0 {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/api/ps", nil)
	if err != nil {
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.log.Debug("concurrency check skipped", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.log.Debug("concurrency check skipped", zap.Int("status", resp.StatusCode))
		return
	}

	var body struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return
	}

	resident := make([]string, 0, len(body.Models))
	for _, mdl := range body.Models {
		resident = append(resident, mdl.Name)
	}

	if len(resident) < len(expected) {
		m.log.Warn("not all models are resident; on low-VRAM hardware models will swap",
			zap.Strings("expected", expected),
			zap.Strings("resident", resident),
			zap.Int("max_loaded_hint", len(expected)))
	} else {
		m.log.Info("model concurrency ok", zap.Strings("resident", resident))
	}
}

// Shutdown stops the backend only if this manager started it. A server that
// was already running before we launched is left alone.
func (m *Manager) Shutdown() {
	if !m.weStarted || m.cmd == nil {
		return
	}

	m.log.Info("stopping backend process")

	proc := m.cmd.Process
	if err := proc.Signal(os.Interrupt); err != nil {
		proc.Kill()
	}

	select {
	case <-m.exited:
		m.log.Info("backend process stopped")
	case <-time.After(10 * time.Second):
		m.log.Warn("backend did not stop within 10s, killing")
		proc.Kill()
		<-m.exited
	}

	m.cmd = nil
	m.weStarted = false
}

func (m *Manager) isRunning(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// findBinary locates the ollama executable: PATH first, then the platform
// default install location on Windows.
func findBinary() (string, error) {
	if path, err := exec.LookPath("ollama"); err == nil {
		return path, nil
	}

	if runtime.GOOS == "windows" {
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			candidate := filepath.Join(appData, "Programs", "Ollama", "ollama.exe")
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}

	return "", fmt.Errorf("ollama binary not found; install it and ensure it is on PATH")
}
