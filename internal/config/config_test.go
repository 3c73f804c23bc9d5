package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "aide", cfg.Name)
	assert.Equal(t, 20, cfg.Memory.ShortTerm.MaxMessages)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL)
	assert.True(t, cfg.LLM.Process.Manage)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
llm:
  base_url: http://localhost:9999
  keep_alive: 300
  models:
    fast:
      name: llama3:8b
      max_tokens: 1024
memory:
  short_term:
    max_messages: 5
telemetry:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9999", cfg.LLM.BaseURL)
	assert.Equal(t, "llama3:8b", cfg.LLM.Models[SlotFast].Name)
	assert.Equal(t, 5, cfg.Memory.ShortTerm.MaxMessages)
	assert.False(t, cfg.Telemetry.Enabled)
	// Defaults survive for untouched fields.
	assert.Equal(t, 120, cfg.LLM.Timeout)
}

func TestKeepAliveNormalization(t *testing.T) {
	assert.Equal(t, "-1", normalizeKeepAlive(""))
	assert.Equal(t, "-1", normalizeKeepAlive("-1"))
	assert.Equal(t, "300", normalizeKeepAlive("300"))
	assert.Equal(t, "5m", normalizeKeepAlive("5m"))
}

func TestUniqueModelNames(t *testing.T) {
	cfg := LLMConfig{
		Models: map[string]ModelConfig{
			SlotFast:     {Name: "llama3:8b"},
			SlotCritical: {Name: "llama3:70b"},
			SlotCode:     {Name: "llama3:8b"}, // shared with fast
			SlotRouter:   {Name: ""},
		},
	}
	names := cfg.UniqueModelNames()
	assert.Len(t, names, 2)
	assert.ElementsMatch(t, []string{"llama3:8b", "llama3:70b"}, names)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Models[SlotFast] = ModelConfig{Name: "qwen2:7b", MaxTokens: 2048, Temperature: 0.7, ContextWindow: 8192}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "qwen2:7b", loaded.LLM.Models[SlotFast].Name)
}
