package config

// Model slots. The router slot is never configured directly; it is always
// interlocked to the fast slot at registry initialization.
const (
	SlotFast      = "fast"
	SlotCritical  = "critical"
	SlotCode      = "code"
	SlotReasoning = "reasoning"
	SlotRouter    = "router"
)

// ModelConfig configures a single model slot.
type ModelConfig struct {
	Name          string  `yaml:"name"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	ContextWindow int     `yaml:"context_window"`
}

// ProcessConfig configures backend process management.
type ProcessConfig struct {
	// When true, aide starts the Ollama server itself if it is not running.
	Manage bool `yaml:"manage"`
	// Seconds to wait for the server to become ready after launch.
	StartupTimeout int `yaml:"startup_timeout"`
}

// LLMConfig configures the model backend and slots.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	// Request timeout in seconds.
	Timeout int `yaml:"timeout"`

	Models map[string]ModelConfig `yaml:"models"`

	AllowRuntimeSwitch bool `yaml:"allow_runtime_switch"`
	// Seconds between allowed runtime model switches.
	SwitchCooldown int `yaml:"switch_cooldown"`

	// How long the backend keeps a model loaded after the last request.
	// Canonical form is a string: "-1" (never evict), "5m", "1h".
	// A bare integer in YAML is accepted and normalized.
	KeepAlive string `yaml:"keep_alive"`

	Process ProcessConfig `yaml:"process"`

	// Optional chain-of-thought model, run before the fast model.
	// Empty name disables reasoning even when ReasoningEnabled is true.
	ReasoningModel   string `yaml:"reasoning_model"`
	ReasoningEnabled bool   `yaml:"reasoning_enabled"`
}

// DefaultLLMConfig returns LLM defaults for a local Ollama install.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider: "ollama",
		BaseURL:  "http://localhost:11434",
		Timeout:  120,
		Models: map[string]ModelConfig{
			SlotFast: {
				MaxTokens:     2048,
				Temperature:   0.7,
				ContextWindow: 8192,
			},
			SlotCritical: {
				MaxTokens:     4096,
				Temperature:   0.5,
				ContextWindow: 32768,
			},
			SlotCode: {
				MaxTokens:     8192,
				Temperature:   0.3,
				ContextWindow: 16384,
			},
		},
		AllowRuntimeSwitch: true,
		SwitchCooldown:     5,
		KeepAlive:          "-1",
		Process: ProcessConfig{
			Manage:         true,
			StartupTimeout: 30,
		},
	}
}

func (c *LLMConfig) normalize() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434"
	}
	if c.Timeout <= 0 {
		c.Timeout = 120
	}
	if c.Process.StartupTimeout <= 0 {
		c.Process.StartupTimeout = 30
	}
	c.KeepAlive = normalizeKeepAlive(c.KeepAlive)
}

// UniqueModelNames returns the deduplicated set of configured model names.
// Used to size the backend's concurrency environment variables.
func (c *LLMConfig) UniqueModelNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range c.Models {
		if m.Name == "" {
			continue
		}
		if _, ok := seen[m.Name]; ok {
			continue
		}
		seen[m.Name] = struct{}{}
		names = append(names, m.Name)
	}
	return names
}
